package reassembly

import (
	"errors"
	"fmt"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
)

var (
	ErrMalformedFrame  = chunking.ErrMalformedFrame
	ErrOutOfOrderChunk = errors.New("out of order chunk")
	ErrSizeMismatch    = errors.New("size mismatch")
	// ErrUnexpectedFrame is a frame that is not valid in the current state,
	// such as Data while idle or a second Start mid-transmission.
	ErrUnexpectedFrame = errors.New("unexpected frame")
	// ErrInErrorState is returned for every frame fed after a failure until Reset.
	ErrInErrorState = errors.New("reassembler in error state")
	// ErrTransmissionAborted reports that the sender abandoned the transmission.
	ErrTransmissionAborted = errors.New("transmission aborted by sender")
)

func reasonFor(err error) errorsx.ReasonCode {
	switch {
	case errors.Is(err, ErrOutOfOrderChunk):
		return errorsx.ReasonOutOfOrderChunk
	case errors.Is(err, ErrSizeMismatch):
		return errorsx.ReasonSizeMismatch
	case errors.Is(err, ErrUnexpectedFrame):
		return errorsx.ReasonUnexpectedFrame
	case errors.Is(err, ErrTransmissionAborted):
		return errorsx.ReasonAborted
	default:
		return errorsx.ReasonMalformedFrame
	}
}

func failure(sentinel error, format string, args ...any) error {
	err := fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
	return errorsx.Wrap(err, reasonFor(sentinel))
}
