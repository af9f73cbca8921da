package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMissingType    = errors.New("protocol: missing type")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrMissingField   = errors.New("protocol: missing required field")
	ErrMalformed      = errors.New("protocol: malformed message")
	ErrUnencodable    = errors.New("protocol: message cannot be encoded")
	ErrFrameTooShort  = errors.New("protocol: binary frame too short")
	ErrFrameMarker    = errors.New("protocol: unknown binary frame marker")
	ErrTooManySamples = errors.New("protocol: too many samples for one binary frame")
)

// DecodeError describes an inbound frame that could not be turned into a
// Message. Raw keeps the original bytes for diagnostics.
type DecodeError struct {
	Type  string
	Field string
	Raw   []byte
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%v: type=%q field=%q", e.Err, e.Type, e.Field)
	case e.Type != "":
		return fmt.Sprintf("%v: type=%q", e.Err, e.Type)
	default:
		return e.Err.Error()
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
