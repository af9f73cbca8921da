// Package models defines the data structures published for speech sessions
// and exchanged by the fallback endpoint.
package models

// Published event types.
const (
	EventTypeTranscript = "speech.session.transcript"
	EventTypeResponse   = "speech.session.response"
	EventTypeOutcome    = "speech.session.outcome"
	EventTypeUtterance  = "speech.endpoint.utterance"
)

// SessionTranscript is a transcription received by a client session. Final
// is false for advisory transcriptions that arrive before end_stream.
type SessionTranscript struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Principal string `json:"principal"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

// SessionResponse is generated text or audio that followed a transcription.
type SessionResponse struct {
	EventType  string `json:"eventType"`
	SessionID  string `json:"sessionId"`
	Principal  string `json:"principal"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text,omitempty"`
	AudioBytes int    `json:"audioBytes"`
}

// SessionOutcome records how a client session ended.
type SessionOutcome struct {
	EventType  string `json:"eventType"`
	SessionID  string `json:"sessionId"`
	Principal  string `json:"principal"`
	Timestamp  int64  `json:"timestamp"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	ChunksSent uint64 `json:"chunksSent"`
	DurationMs int64  `json:"durationMs"`
}

// EndpointUtterance is one utterance answered by the reference endpoint.
type EndpointUtterance struct {
	EventType    string  `json:"eventType"`
	ConnectionID string  `json:"connectionId"`
	Principal    string  `json:"principal"`
	Timestamp    int64   `json:"timestamp"`
	Transcript   string  `json:"transcript"`
	Confidence   float64 `json:"confidence"`
	Reply        string  `json:"reply,omitempty"`
	Samples      int     `json:"samples"`
	DurationMs   int64   `json:"durationMs"`
}
