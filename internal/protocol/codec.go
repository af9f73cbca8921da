package protocol

import (
	"encoding/json"
	"fmt"
)

// requiredFields lists, per variant, the keys that must be present (and not
// null). Presence is what counts: an empty transcription text is valid.
var requiredFields = map[Type][]string{
	TypeAudioChunk:      {"audio", "session_id"},
	TypeEndStream:       {"session_id"},
	TypePing:            {"timestamp"},
	TypePong:            {"timestamp"},
	TypeChunkReceived:   {"chunk_size"},
	TypeTranscription:   {"text"},
	TypeResponseText:    {"text"},
	TypeResponseAudio:   {"audio"},
	TypeError:           {"message"},
	TypeSessionClosed:   {},
	TypeProcessingDebug: {},
}

// Encode turns m into its JSON wire form. It fails only for values outside
// the closed message set.
func Encode(m Message) ([]byte, error) {
	var v any
	switch m := m.(type) {
	case Ping:
		v = struct {
			Type      Type    `json:"type"`
			Timestamp float64 `json:"timestamp"`
		}{TypePing, m.Timestamp}
	case Pong:
		v = struct {
			Type      Type    `json:"type"`
			Timestamp float64 `json:"timestamp"`
		}{TypePong, m.Timestamp}
	case AudioChunk:
		v = struct {
			Type      Type    `json:"type"`
			Audio     []int   `json:"audio"`
			SessionID string  `json:"session_id"`
			Sequence  *uint64 `json:"sequence,omitempty"`
		}{TypeAudioChunk, nonNil(m.Audio), m.SessionID, m.Sequence}
	case EndStream:
		v = struct {
			Type        Type    `json:"type"`
			SessionID   string  `json:"session_id"`
			TotalChunks *uint64 `json:"total_chunks,omitempty"`
		}{TypeEndStream, m.SessionID, m.TotalChunks}
	case ChunkReceived:
		v = struct {
			Type       Type    `json:"type"`
			ChunkSize  int     `json:"chunk_size"`
			BufferSize *int    `json:"buffer_size,omitempty"`
			Sequence   *uint64 `json:"sequence,omitempty"`
		}{TypeChunkReceived, m.ChunkSize, m.BufferSize, m.Sequence}
	case Transcription:
		v = textWire{TypeTranscription, m.Text, m.Timestamp}
	case ResponseText:
		v = textWire{TypeResponseText, m.Text, m.Timestamp}
	case ResponseAudio:
		v = struct {
			Type      Type    `json:"type"`
			Audio     []int   `json:"audio"`
			Timestamp float64 `json:"timestamp,omitempty"`
		}{TypeResponseAudio, nonNil(m.Audio), m.Timestamp}
	case Error:
		v = struct {
			Type    Type         `json:"type"`
			Message string       `json:"message"`
			Error   *ErrorDetail `json:"error,omitempty"`
		}{TypeError, m.Message, m.Detail}
	case SessionClosed:
		v = struct {
			Type   Type   `json:"type"`
			Reason string `json:"reason"`
		}{TypeSessionClosed, m.Reason}
	case ProcessingDebug:
		v = struct {
			Type        Type    `json:"type"`
			BytesLength int     `json:"bytesLength"`
			Samples     int     `json:"samples"`
			SampleRate  int     `json:"sampleRate"`
			HeadBase64  string  `json:"headBase64,omitempty"`
			TailBase64  string  `json:"tailBase64,omitempty"`
			Timestamp   float64 `json:"timestamp,omitempty"`
		}{TypeProcessingDebug, m.BytesLength, m.Samples, m.SampleRate, m.HeadBase64, m.TailBase64, m.Timestamp}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnencodable, m)
	}
	return json.Marshal(v)
}

type textWire struct {
	Type      Type    `json:"type"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// wire is the superset of all variant fields, used on the decode path.
type wire struct {
	Type        Type         `json:"type"`
	Timestamp   float64      `json:"timestamp"`
	SessionID   string       `json:"session_id"`
	Sequence    *uint64      `json:"sequence"`
	Audio       []int        `json:"audio"`
	TotalChunks *uint64      `json:"total_chunks"`
	ChunkSize   int          `json:"chunk_size"`
	BufferSize  *int         `json:"buffer_size"`
	Text        string       `json:"text"`
	Message     string       `json:"message"`
	Error       *ErrorDetail `json:"error"`
	Reason      string       `json:"reason"`
	BytesLength int          `json:"bytesLength"`
	Samples     int          `json:"samples"`
	SampleRate  int          `json:"sampleRate"`
	HeadBase64  string       `json:"headBase64"`
	TailBase64  string       `json:"tailBase64"`
}

// Decode parses one JSON frame. Any failure is a *DecodeError carrying the
// offending type (when it could be read) and the raw payload.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Raw: data, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	rawType, ok := fields["type"]
	if !ok || isNull(rawType) {
		return nil, &DecodeError{Raw: data, Err: ErrMissingType}
	}
	var t Type
	if err := json.Unmarshal(rawType, &t); err != nil {
		return nil, &DecodeError{Raw: data, Field: "type", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	required, known := requiredFields[t]
	if !known {
		return nil, &DecodeError{Type: string(t), Raw: data, Err: ErrUnknownType}
	}
	for _, name := range required {
		if v, ok := fields[name]; !ok || isNull(v) {
			return nil, &DecodeError{Type: string(t), Field: name, Raw: data, Err: ErrMissingField}
		}
	}

	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Type: string(t), Raw: data, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	switch t {
	case TypePing:
		return Ping{Timestamp: w.Timestamp}, nil
	case TypePong:
		return Pong{Timestamp: w.Timestamp}, nil
	case TypeAudioChunk:
		return AudioChunk{SessionID: w.SessionID, Sequence: w.Sequence, Audio: w.Audio}, nil
	case TypeEndStream:
		return EndStream{SessionID: w.SessionID, TotalChunks: w.TotalChunks}, nil
	case TypeChunkReceived:
		return ChunkReceived{ChunkSize: w.ChunkSize, BufferSize: w.BufferSize, Sequence: w.Sequence}, nil
	case TypeTranscription:
		return Transcription{Text: w.Text, Timestamp: w.Timestamp}, nil
	case TypeResponseText:
		return ResponseText{Text: w.Text, Timestamp: w.Timestamp}, nil
	case TypeResponseAudio:
		return ResponseAudio{Audio: w.Audio, Timestamp: w.Timestamp}, nil
	case TypeError:
		return Error{Message: w.Message, Detail: w.Error}, nil
	case TypeSessionClosed:
		return SessionClosed{Reason: w.Reason}, nil
	default:
		return ProcessingDebug{
			BytesLength: w.BytesLength,
			Samples:     w.Samples,
			SampleRate:  w.SampleRate,
			HeadBase64:  w.HeadBase64,
			TailBase64:  w.TailBase64,
			Timestamp:   w.Timestamp,
		}, nil
	}
}

// DecodeFrame decodes either frame kind. Binary frames become an AudioChunk
// without session id or sequence.
func DecodeFrame(f Frame) (Message, error) {
	if !f.Binary {
		return Decode(f.Data)
	}
	samples, err := DecodeBinaryAudio(f.Data)
	if err != nil {
		return nil, &DecodeError{Type: string(TypeAudioChunk), Raw: f.Data, Err: err}
	}
	return AudioChunk{Audio: samples}, nil
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
