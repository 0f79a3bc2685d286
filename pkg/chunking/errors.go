package chunking

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame matches every decode failure via errors.Is.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// KindTruncated indicates a message shorter than its length prefix declares.
	KindTruncated FrameErrorKind = iota
	// KindTooLarge indicates a header length above MaxHeaderSize.
	KindTooLarge
	// KindDecode indicates the header could not be parsed.
	KindDecode
	// KindInvalid indicates a parsed header with missing or inconsistent fields.
	KindInvalid
)

func (k FrameErrorKind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindTooLarge:
		return "too_large"
	case KindDecode:
		return "decode"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformedFrame, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedFrame, e.Msg)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func (e *FrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func malformed(kind FrameErrorKind, err error, format string, args ...any) error {
	return &FrameError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
