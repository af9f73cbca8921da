// Package chunk splits session audio into bounded, sequence-numbered chunks.
package chunk

import (
	"encoding/binary"
	"iter"
	"time"
)

// DefaultSampleRate is the rate the streaming endpoint expects.
const DefaultSampleRate = 16000

// DefaultChunkSize is 100ms of audio at DefaultSampleRate.
const DefaultChunkSize = DefaultSampleRate / 10

// AudioChunk is one bounded slice of a session's audio.
type AudioChunk struct {
	SessionID string
	Sequence  uint64
	Payload   []int
	SentAt    time.Time
}

// SampleCount returns the number of samples (or bytes) carried.
func (c AudioChunk) SampleCount() int {
	return len(c.Payload)
}

// Encoder walks an audio buffer once, yielding chunks with sequences
// 0, 1, 2, ... Payloads alias the input; do not modify it while encoding.
// An Encoder is not resumable. Build a new one to start over.
type Encoder struct {
	sessionID string
	data      []int
	size      int
	pos       int
	seq       uint64
}

// NewEncoder returns an Encoder over data. A chunkSize of zero or less
// selects DefaultChunkSize.
func NewEncoder(sessionID string, data []int, chunkSize int) *Encoder {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Encoder{
		sessionID: sessionID,
		data:      data,
		size:      chunkSize,
	}
}

// ChunkSize returns the configured maximum chunk length.
func (e *Encoder) ChunkSize() int {
	return e.size
}

// Total returns the number of chunks the full input produces.
func (e *Encoder) Total() int {
	return (len(e.data) + e.size - 1) / e.size
}

// Next returns the next chunk, or false once the input is exhausted.
func (e *Encoder) Next() (AudioChunk, bool) {
	if e.pos >= len(e.data) {
		return AudioChunk{}, false
	}
	end := min(e.pos+e.size, len(e.data))
	c := AudioChunk{
		SessionID: e.sessionID,
		Sequence:  e.seq,
		Payload:   e.data[e.pos:end:end],
	}
	e.pos = end
	e.seq++
	return c, true
}

// All yields the remaining chunks in order.
func (e *Encoder) All() iter.Seq[AudioChunk] {
	return func(yield func(AudioChunk) bool) {
		for {
			c, ok := e.Next()
			if !ok || !yield(c) {
				return
			}
		}
	}
}

// FromInt16 widens PCM samples to wire values.
func FromInt16(samples []int16) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = int(s)
	}
	return out
}

// FromPCM16LE reads little-endian signed 16-bit PCM. A trailing odd byte is
// dropped.
func FromPCM16LE(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// FromBytes sends raw bytes as values 0..255, one per wire element.
func FromBytes(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// ToBytes is the inverse of FromBytes. Values are truncated to a byte.
func ToBytes(values []int) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		out[i] = byte(v)
	}
	return out
}

// ToPCM16LE encodes wire samples as little-endian 16-bit PCM.
func ToPCM16LE(samples []int) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out
}
