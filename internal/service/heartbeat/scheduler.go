// Package heartbeat sends periodic ping messages independently of the audio
// data flow and keeps liveness bookkeeping for received pongs.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"ai-speech-stream/internal/protocol"
)

// DefaultInterval is the keep-alive ping period.
const DefaultInterval = 30 * time.Second

// ErrStopped may be returned by a SendFunc to end the scheduler quietly,
// e.g. once the owning session reached a terminal state.
var ErrStopped = errors.New("heartbeat: stopped")

// SendFunc writes one ping. It must serialize with every other writer of
// the connection.
type SendFunc func(ctx context.Context, ping protocol.Ping) error

// Liveness is a snapshot of heartbeat bookkeeping.
type Liveness struct {
	PingsSent uint64
	Pongs     uint64
	LastPing  time.Time
	LastPong  time.Time
}

// Scheduler emits a Ping every interval until its context ends, the send
// function returns ErrStopped, or a write fails.
type Scheduler struct {
	interval  time.Duration
	send      SendFunc
	onFailure func(error)
	now       func() time.Time

	mu       sync.Mutex
	liveness Liveness
}

// New returns a Scheduler. A non-positive interval selects DefaultInterval.
// onFailure receives the first write error and may be nil.
func New(interval time.Duration, send SendFunc, onFailure func(error)) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval:  interval,
		send:      send,
		onFailure: onFailure,
		now:       time.Now,
	}
}

// Interval returns the ping period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run blocks until ctx is done or the scheduler stops.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.ping(ctx) {
				return
			}
		}
	}
}

func (s *Scheduler) ping(ctx context.Context) bool {
	at := s.now()
	err := s.send(ctx, protocol.Ping{Timestamp: protocol.Timestamp(at)})
	switch {
	case err == nil:
		s.mu.Lock()
		s.liveness.PingsSent++
		s.liveness.LastPing = at
		s.mu.Unlock()
		return true
	case errors.Is(err, ErrStopped), ctx.Err() != nil:
		return false
	default:
		if s.onFailure != nil {
			s.onFailure(err)
		}
		return false
	}
}

// OnPong records a pong. No other state changes.
func (s *Scheduler) OnPong(_ protocol.Pong, at time.Time) {
	s.mu.Lock()
	s.liveness.Pongs++
	s.liveness.LastPong = at
	s.mu.Unlock()
}

// Liveness returns the current bookkeeping.
func (s *Scheduler) Liveness() Liveness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveness
}
