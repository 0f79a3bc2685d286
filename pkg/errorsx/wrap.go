package errorsx

import "errors"

// ReasonedError tags an error with a reason code and the relay step that
// produced it, such as "transcribe" or "send chunk 3".
type ReasonedError struct {
	Err    error
	Reason ReasonCode
	Op     string
}

func (e ReasonedError) Error() string {
	msg := string(e.Reason)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap attaches a reason code to err. The first reason wins: an error that
// already carries one is returned unchanged.
func Wrap(err error, reason ReasonCode) error {
	return WrapOp(err, reason, "")
}

// WrapOp is Wrap plus the step that failed. When err already carries a
// reason, op is still recorded in front of it.
func WrapOp(err error, reason ReasonCode, op string) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		if op == "" {
			return err
		}
		return ReasonedError{Err: err, Reason: re.Reason, Op: op}
	}
	return ReasonedError{Err: err, Reason: reason, Op: op}
}

// Reason extracts the outermost reason code from err.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// Op returns the outermost step recorded on err, or "".
func Op(err error) string {
	for err != nil {
		var re ReasonedError
		if !errors.As(err, &re) {
			return ""
		}
		if re.Op != "" {
			return re.Op
		}
		err = re.Err
	}
	return ""
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
