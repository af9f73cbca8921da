// Package mock provides a mock STT adapter for running the endpoint without
// cloud credentials. Results are deterministic: one partial per audio frame
// until the utterance's partials run out, then the final and OnEnd when the
// stream is closed.
package mock

import (
	"context"
	"errors"
	"sync"

	"ai-speech-stream/internal/service/stt"
)

// ErrNotStarted is returned by SendAudio before Start.
var ErrNotStarted = errors.New("mock stt: not started")

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"I want", "I want to", "I want to cancel"},
		Final:      "I want to cancel my subscription",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Yes", "Yes please"},
		Final:      "Yes please go ahead",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Can you", "Can you help", "Can you help me with"},
		Final:      "Can you help me with my account",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.98,
	},
}

// Adapter implements stt.Adapter with canned results.
type Adapter struct {
	mu           sync.Mutex
	cb           stt.Callback
	utterance    SimulatedUtterance
	bytes        int
	partialIndex int
	closed       bool
}

var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// New creates a mock adapter, cycling through DefaultUtterances.
func New() *Adapter {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return NewWithUtterance(DefaultUtterances[idx])
}

// NewWithUtterance creates a mock adapter that always recognizes u.
func NewWithUtterance(u SimulatedUtterance) *Adapter {
	return &Adapter{utterance: u}
}

// Factory returns an stt.Factory producing adapters for u.
func Factory(u SimulatedUtterance) stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return NewWithUtterance(u), nil
	}
}

// CyclingFactory returns an stt.Factory whose adapters take turns through
// DefaultUtterances.
func CyclingFactory() stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return New(), nil
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	return nil
}

// SendAudio records the audio and reports the next partial, if any.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	if a.cb == nil {
		a.mu.Unlock()
		return ErrNotStarted
	}
	a.bytes += len(audio)

	var partial string
	if len(audio) > 0 && a.partialIndex < len(a.utterance.Partials) {
		partial = a.utterance.Partials[a.partialIndex]
		a.partialIndex++
	}
	cb := a.cb
	a.mu.Unlock()

	if partial != "" {
		cb.OnPartial(partial)
	}
	return nil
}

// Close ends the session. When any audio was received the final transcript is
// reported, then OnEnd. Both run before Close returns.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cb := a.cb
	heard := a.bytes > 0
	utt := a.utterance
	a.mu.Unlock()

	if cb == nil {
		return nil
	}
	if heard {
		cb.OnFinal(utt.Final, utt.Confidence)
	}
	cb.OnEnd()
	return nil
}
