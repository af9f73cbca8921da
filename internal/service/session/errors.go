package session

import (
	"errors"
	"fmt"

	"ai-speech-stream/internal/protocol"
)

var (
	// ErrConnectionFailure is a transport-level failure. Fatal, never retried
	// by the session.
	ErrConnectionFailure = errors.New("session: connection failure")
	// ErrDecode marks an inbound frame that could not be decoded. Surfaced as
	// a diagnostic, never fatal.
	ErrDecode = errors.New("session: undecodable inbound message")
	// ErrProtocolViolation is a send the state machine does not allow. It is
	// rejected before anything is written.
	ErrProtocolViolation = errors.New("session: protocol violation")
	// ErrTimeout is the completion timeout.
	ErrTimeout = errors.New("session: timed out")
	// ErrRemote matches any *RemoteError.
	ErrRemote = errors.New("session: remote error")
	// ErrSessionReused is returned when opening an id that was already used.
	ErrSessionReused = errors.New("session: id already used")
	// ErrClosed is returned for sends on a terminal session and is the reason
	// recorded when the caller closes a session early.
	ErrClosed = errors.New("session: closed")
)

// RemoteError is an error message reported by the endpoint, kept verbatim.
type RemoteError struct {
	Message string
	Detail  string
	Stack   string
}

func newRemoteError(m protocol.Error) *RemoteError {
	e := &RemoteError{Message: m.Message}
	if m.Detail != nil {
		e.Detail = m.Detail.Message
		e.Stack = m.Detail.Stack
	}
	return e
}

func (e *RemoteError) Error() string {
	if e.Detail != "" && e.Detail != e.Message {
		return fmt.Sprintf("remote error: %s: %s", e.Message, e.Detail)
	}
	return "remote error: " + e.Message
}

// Is makes errors.Is(err, ErrRemote) hold for every *RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// reasonLabel classifies a terminal reason for metrics.
func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrRemote):
		return "remote"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrConnectionFailure):
		return "connection"
	default:
		return "other"
	}
}
