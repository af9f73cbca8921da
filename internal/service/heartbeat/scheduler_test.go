package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ai-speech-stream/internal/protocol"
)

func TestScheduler_SendsOnInterval(t *testing.T) {
	var count atomic.Int32
	s := New(10*time.Millisecond, func(ctx context.Context, p protocol.Ping) error {
		if p.Timestamp <= 0 {
			t.Errorf("expected a timestamp, got %v", p.Timestamp)
		}
		count.Add(1)
		return nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if count.Load() < 3 {
		t.Errorf("expected several pings, got %d", count.Load())
	}
	if s.Liveness().PingsSent != uint64(count.Load()) {
		t.Errorf("expected liveness to count %d pings, got %d", count.Load(), s.Liveness().PingsSent)
	}
}

func TestScheduler_WriteFailureReported(t *testing.T) {
	writeErr := errors.New("broken pipe")
	var reported error
	s := New(5*time.Millisecond, func(ctx context.Context, p protocol.Ping) error {
		return writeErr
	}, func(err error) {
		reported = err
	})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after write failure")
	}
	if !errors.Is(reported, writeErr) {
		t.Errorf("expected write error to be reported, got %v", reported)
	}
}

func TestScheduler_StoppedIsQuiet(t *testing.T) {
	called := false
	s := New(5*time.Millisecond, func(ctx context.Context, p protocol.Ping) error {
		return ErrStopped
	}, func(err error) {
		called = true
	})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	if called {
		t.Error("ErrStopped must not be reported as a failure")
	}
}

func TestScheduler_CancelStopsPromptly(t *testing.T) {
	s := New(time.Hour, func(ctx context.Context, p protocol.Ping) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler ignored cancellation")
	}
}

func TestScheduler_OnPong(t *testing.T) {
	s := New(0, nil, nil)
	if s.Interval() != DefaultInterval {
		t.Errorf("expected default interval, got %v", s.Interval())
	}

	at := time.Now()
	s.OnPong(protocol.Pong{Timestamp: 1}, at)
	l := s.Liveness()
	if l.Pongs != 1 || !l.LastPong.Equal(at) {
		t.Errorf("unexpected liveness %+v", l)
	}
}
