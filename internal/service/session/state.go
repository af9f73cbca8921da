package session

import (
	"fmt"
	"sync"
)

// State represents the lifecycle state of a session.
type State int

const (
	// StateIdle - Created, no connection yet.
	StateIdle State = iota
	// StateStreaming - Connected, audio chunks may be sent.
	StateStreaming
	// StateEndSent - end_stream written, waiting for the transcription.
	StateEndSent
	// StateCompleted - Transcription received. Terminal.
	StateCompleted
	// StateErrored - Connection failure, remote error, or timeout. Terminal.
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStreaming:
		return "STREAMING"
	case StateEndSent:
		return "END_SENT"
	case StateCompleted:
		return "COMPLETED"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal (COMPLETED or ERRORED).
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateErrored
}

// Lifecycle manages the state machine for a single session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE → STREAMING → END_SENT → COMPLETED
//	  │        │          │
//	  └────────┴──────────┴──→ ERRORED
//
// Rules:
//   - Transitions only move forward; terminal states never change.
//   - END_SENT is entered at most once.
//   - COMPLETED is only reachable from END_SENT.
type Lifecycle struct {
	mu        sync.RWMutex
	sessionId string
	state     State
	reason    error
}

// NewLifecycle creates a new session lifecycle in IDLE state.
func NewLifecycle(sessionId string) *Lifecycle {
	return &Lifecycle{
		sessionId: sessionId,
		state:     StateIdle,
	}
}

// SessionId returns the session ID.
func (l *Lifecycle) SessionId() string {
	return l.sessionId
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Reason returns why the session entered ERRORED, or nil.
func (l *Lifecycle) Reason() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reason
}

// Start transitions IDLE to STREAMING.
func (l *Lifecycle) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateIdle:
		l.state = StateStreaming
		return nil
	case StateCompleted, StateErrored:
		return fmt.Errorf("%w: session is %s", ErrClosed, l.state)
	default:
		return fmt.Errorf("%w: session already started", ErrProtocolViolation)
	}
}

// EndStream transitions STREAMING to END_SENT.
func (l *Lifecycle) EndStream() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateStreaming:
		l.state = StateEndSent
		return nil
	case StateIdle:
		return fmt.Errorf("%w: session not started", ErrProtocolViolation)
	case StateEndSent:
		return fmt.Errorf("%w: end_stream already sent", ErrProtocolViolation)
	default:
		return fmt.Errorf("%w: session is %s", ErrClosed, l.state)
	}
}

// Complete transitions END_SENT to COMPLETED. Returns false from any other
// state.
func (l *Lifecycle) Complete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateEndSent {
		return false
	}
	l.state = StateCompleted
	return true
}

// Fail transitions any non-terminal state to ERRORED and records reason.
// Returns false if already in a terminal state.
func (l *Lifecycle) Fail(reason error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateErrored
	l.reason = reason
	return true
}
