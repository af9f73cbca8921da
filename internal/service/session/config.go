package session

import (
	"time"

	"ai-speech-stream/internal/service/chunk"
	"ai-speech-stream/internal/service/flow"
	"ai-speech-stream/internal/service/heartbeat"
)

const (
	// DefaultCompletionTimeout bounds the wait for results after end_stream.
	DefaultCompletionTimeout = 15 * time.Second
	DefaultReceiveTimeout    = 10 * time.Second
	DefaultTrailingGrace     = 3 * time.Second
	DefaultEventBuffer       = 64
)

// Config holds per-session engine options. Zero durations select the
// defaults; a negative ReceiveTimeout or TrailingGrace disables it.
type Config struct {
	// ChunkSize is the maximum samples per audio chunk.
	ChunkSize int
	// MaxInFlight caps unacknowledged chunks. Zero means unbounded.
	MaxInFlight int
	// AckTimeout releases credit for a chunk whose ack never came.
	AckTimeout time.Duration
	// HeartbeatInterval is the ping period.
	HeartbeatInterval time.Duration
	// ReceiveTimeout bounds each receive wait. Expiry is advisory.
	ReceiveTimeout time.Duration
	// CompletionTimeout bounds the wait for a transcription after end_stream.
	CompletionTimeout time.Duration
	// TrailingGrace keeps the connection open after completion so trailing
	// response_text and response_audio still arrive.
	TrailingGrace time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	// BinaryAudio sends audio chunks as binary frames.
	BinaryAudio bool
	// ChunkInterval paces Stream to one chunk per interval. Zero sends as
	// fast as credit allows.
	ChunkInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:         chunk.DefaultChunkSize,
		AckTimeout:        flow.DefaultAckTimeout,
		HeartbeatInterval: heartbeat.DefaultInterval,
		ReceiveTimeout:    DefaultReceiveTimeout,
		CompletionTimeout: DefaultCompletionTimeout,
		TrailingGrace:     DefaultTrailingGrace,
		EventBuffer:       DefaultEventBuffer,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxInFlight < 0 {
		c.MaxInFlight = 0
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
	if c.TrailingGrace == 0 {
		c.TrailingGrace = d.TrailingGrace
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.ChunkInterval < 0 {
		c.ChunkInterval = 0
	}
	return c
}
