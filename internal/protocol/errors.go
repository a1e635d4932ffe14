package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownType        = errors.New("unknown message type")
	ErrUnsupportedVersion = errors.New("unsupported wire version")
	ErrUnknownCodec       = errors.New("unknown codec")
	ErrMalformed          = errors.New("malformed message")
)

// DecodeError reports a frame that could not be turned into a Message.
// The frame is consumed; the stream it came from remains usable.
type DecodeError struct {
	Reason string
	Code   uint16
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("decode message (type code %d): %s", e.Code, e.Reason)
	}
	return "decode message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(code uint16, err error, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Code: code, Err: err}
}
