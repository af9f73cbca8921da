package schema

import (
	"errors"
	"testing"

	"ai-speech-stream/internal/models"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("failed to compile schemas: %v", err)
	}
	return v
}

func TestValidate_ValidEvents(t *testing.T) {
	v := newValidator(t)

	events := []any{
		models.SessionTranscript{EventType: models.EventTypeTranscript, SessionID: "s-1", Timestamp: 1, Text: "", Final: true},
		models.SessionResponse{EventType: models.EventTypeResponse, SessionID: "s-1", Timestamp: 1, Text: "hi"},
		models.SessionOutcome{EventType: models.EventTypeOutcome, SessionID: "s-1", Timestamp: 1, State: "COMPLETED", ChunksSent: 3},
		models.EndpointUtterance{EventType: models.EventTypeUtterance, ConnectionID: "c-1", Timestamp: 1, Transcript: "x", Confidence: 0.5, Samples: 10},
	}
	for _, ev := range events {
		if err := v.Validate(ev); err != nil {
			t.Errorf("expected %T to be valid, got %v", ev, err)
		}
	}
}

func TestValidate_InvalidEvents(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name  string
		event any
	}{
		{"empty session id", models.SessionTranscript{EventType: models.EventTypeTranscript, Timestamp: 1}},
		{"bad state", models.SessionOutcome{EventType: models.EventTypeOutcome, SessionID: "s", State: "STREAMING"}},
		{"negative audio", models.SessionResponse{EventType: models.EventTypeResponse, SessionID: "s", AudioBytes: -1}},
		{"confidence above one", models.EndpointUtterance{EventType: models.EventTypeUtterance, ConnectionID: "c", Confidence: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.event)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || len(ve.Details) == 0 {
				t.Errorf("expected validation details, got %v", err)
			}
		})
	}
}

func TestValidate_UnknownEventType(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(map[string]string{"eventType": "interaction.transcript.partial"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
	if err := v.Validate([]int{1}); err == nil {
		t.Error("expected an error for a non-object event")
	}
	if err := v.Validate(make(chan int)); err == nil {
		t.Error("expected an error for an unmarshalable event")
	}
}
