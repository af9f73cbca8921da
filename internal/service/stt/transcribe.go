package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultFrameBytes is how much audio Transcribe hands the adapter per call
// (100ms of 16kHz LINEAR16).
const DefaultFrameBytes = 3200

// Result is the outcome of one recognition pass.
type Result struct {
	Text       string
	Confidence float64
	Partials   int
}

// collector gathers callbacks until OnEnd.
type collector struct {
	mu       sync.Mutex
	finals   []string
	conf     float64
	partials int
	err      error
	done     chan struct{}
	once     sync.Once
}

func (c *collector) OnPartial(text string) {
	c.mu.Lock()
	c.partials++
	c.mu.Unlock()
}

func (c *collector) OnFinal(text string, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := strings.TrimSpace(text); t != "" {
		c.finals = append(c.finals, t)
	}
	c.conf = confidence
}

func (c *collector) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *collector) OnEnd() {
	c.once.Do(func() { close(c.done) })
}

// Transcribe runs one complete recognition pass over audio: it feeds the
// adapter in DefaultFrameBytes frames, closes it and waits for OnEnd or ctx.
// Final transcripts are joined with single spaces. An empty text with a nil
// error means the provider heard nothing.
func Transcribe(ctx context.Context, newAdapter Factory, audio []byte) (Result, error) {
	adapter, err := newAdapter(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("stt: create adapter: %w", err)
	}

	c := &collector{done: make(chan struct{})}
	if err := adapter.Start(ctx, c); err != nil {
		return Result{}, fmt.Errorf("stt: start: %w", err)
	}

	for off := 0; off < len(audio); off += DefaultFrameBytes {
		end := min(off+DefaultFrameBytes, len(audio))
		if err := adapter.SendAudio(ctx, audio[off:end]); err != nil {
			adapter.Close()
			return Result{}, fmt.Errorf("stt: send audio: %w", err)
		}
	}
	if err := adapter.Close(); err != nil {
		return Result{}, fmt.Errorf("stt: close: %w", err)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Result{}, c.err
	}
	return Result{
		Text:       strings.Join(c.finals, " "),
		Confidence: c.conf,
		Partials:   c.partials,
	}, nil
}
