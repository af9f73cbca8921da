package protocol

import "time"

// Type is the value of the "type" discriminator on the wire.
type Type string

const (
	TypeAudioChunk      Type = "audio_chunk"
	TypeEndStream       Type = "end_stream"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeChunkReceived   Type = "chunk_received"
	TypeTranscription   Type = "transcription"
	TypeResponseText    Type = "response_text"
	TypeResponseAudio   Type = "response_audio"
	TypeError           Type = "error"
	TypeSessionClosed   Type = "session_closed"
	TypeProcessingDebug Type = "processing_debug"
)

// Known reports whether t is a variant this package can decode.
func (t Type) Known() bool {
	_, ok := requiredFields[t]
	return ok
}

// Message is one decoded wire message. The concrete types below form a
// closed set; switch on them with a type switch.
type Message interface {
	Type() Type
}

// Frame is a single message as carried by the transport.
type Frame struct {
	Binary bool
	Data   []byte
}

// TextFrame wraps encoded JSON in a Frame.
func TextFrame(data []byte) Frame {
	return Frame{Data: data}
}

// Timestamp returns t as the millisecond value used in ping/pong frames.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Ping is the client heartbeat.
type Ping struct {
	Timestamp float64
}

// Pong answers a Ping.
type Pong struct {
	Timestamp float64
}

// AudioChunk carries one slice of session audio. Audio holds PCM sample values
// or raw byte values, encoded as a JSON array of integers.
type AudioChunk struct {
	SessionID string
	Sequence  *uint64
	Audio     []int
}

// EndStream closes the upload half of a session.
type EndStream struct {
	SessionID   string
	TotalChunks *uint64
}

// ChunkReceived acknowledges an AudioChunk. The endpoint reports the chunk's
// size and, optionally, the size of its accumulated buffer.
type ChunkReceived struct {
	ChunkSize  int
	BufferSize *int
	Sequence   *uint64
}

// Transcription is the terminal result of a session.
type Transcription struct {
	Text      string
	Timestamp float64
}

// ResponseText is generated text produced after a transcription.
type ResponseText struct {
	Text      string
	Timestamp float64
}

// ResponseAudio is synthesized audio, one integer per byte.
type ResponseAudio struct {
	Audio     []int
	Timestamp float64
}

// ErrorDetail is the optional nested error object sent by the endpoint.
type ErrorDetail struct {
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Error is a server reported failure.
type Error struct {
	Message string
	Detail  *ErrorDetail
}

// SessionClosed is sent by the endpoint before it drops the connection.
type SessionClosed struct {
	Reason string
}

// ProcessingDebug is a diagnostic snapshot the endpoint emits before
// running recognition.
type ProcessingDebug struct {
	BytesLength int
	Samples     int
	SampleRate  int
	HeadBase64  string
	TailBase64  string
	Timestamp   float64
}

func (Ping) Type() Type            { return TypePing }
func (Pong) Type() Type            { return TypePong }
func (AudioChunk) Type() Type      { return TypeAudioChunk }
func (EndStream) Type() Type       { return TypeEndStream }
func (ChunkReceived) Type() Type   { return TypeChunkReceived }
func (Transcription) Type() Type   { return TypeTranscription }
func (ResponseText) Type() Type    { return TypeResponseText }
func (ResponseAudio) Type() Type   { return TypeResponseAudio }
func (Error) Type() Type           { return TypeError }
func (SessionClosed) Type() Type   { return TypeSessionClosed }
func (ProcessingDebug) Type() Type { return TypeProcessingDebug }

// IsClientMessage reports whether t travels client to server.
func IsClientMessage(t Type) bool {
	switch t {
	case TypeAudioChunk, TypeEndStream, TypePing:
		return true
	}
	return false
}

// IsServerMessage reports whether t travels server to client.
func IsServerMessage(t Type) bool {
	return t.Known() && !IsClientMessage(t)
}

// Uint64 returns a pointer to v. Convenience for optional fields.
func Uint64(v uint64) *uint64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
