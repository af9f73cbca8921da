package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Registry remembers every session id handed out by a Client so that an id
// is never reused, even after its session ended.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ended    map[string]State
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ended:    make(map[string]State),
	}
}

// Reserve claims id. It fails with ErrSessionReused if the id is live or
// already ended.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s is active", ErrSessionReused, id)
	}
	if st, ok := r.ended[id]; ok {
		return fmt.Errorf("%w: %s is %s", ErrSessionReused, id, st)
	}
	r.sessions[id] = nil
	return nil
}

// Attach binds a reserved id to its session.
func (r *Registry) Attach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ended := r.ended[s.id]; ended {
		return
	}
	r.sessions[s.id] = s
}

// Finish retires id with its final state.
func (r *Registry) Finish(id string, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	r.ended[id] = st
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok && s != nil
}

// Active returns the number of reserved ids not yet finished.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Ended returns the final state of id, if it finished.
func (r *Registry) Ended(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ended[id]
	return st, ok
}
