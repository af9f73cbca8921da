// Package schema validates published events against their JSON schemas.
package schema

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"ai-speech-stream/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	models.EventTypeTranscript: "schemas/transcript.json",
	models.EventTypeResponse:   "schemas/response.json",
	models.EventTypeOutcome:    "schemas/outcome.json",
	models.EventTypeUtterance:  "schemas/utterance.json",
}

var (
	ErrUnknownEventType = errors.New("schema: unknown event type")
	ErrInvalidEvent     = errors.New("schema: event does not match its schema")
)

// ValidationError lists the schema violations of one event.
type ValidationError struct {
	EventType string
	Details   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalidEvent, e.EventType, strings.Join(e.Details, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidEvent
}

// Validator holds the compiled schema of every published event type.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemaFiles))}
	for eventType, file := range schemaFiles {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		v.schemas[eventType] = s
	}
	return v, nil
}

// Validate checks event, selecting the schema by its eventType field.
func (v *Validator) Validate(event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("schema: marshal event: %w", err)
	}

	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return fmt.Errorf("schema: event is not an object: %w", err)
	}
	s, ok := v.schemas[head.EventType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, head.EventType)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema: validate %s: %w", head.EventType, err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			details[i] = desc.String()
		}
		return &ValidationError{EventType: head.EventType, Details: details}
	}
	return nil
}
