// Package reply produces the endpoint's answer to a recognized utterance.
package reply

import (
	"hash/fnv"
	"strings"
)

// DefaultResponses are the canned answers the endpoint picks from.
var DefaultResponses = []string{
	"I understand. Can you tell me more?",
	"That's interesting. How can I help you?",
	"Thank you for that information. What else would you like to know?",
	"I see. Let me help you with that.",
}

// Reply is the generated answer. Audio is nil when no audio is synthesized.
type Reply struct {
	Text  string
	Audio []byte
}

// Generator picks a canned response for a transcript and optionally attaches
// silent LINEAR16 audio standing in for synthesized speech.
type Generator struct {
	responses    []string
	audioSamples int
}

// Option configures a Generator.
type Option func(*Generator)

// WithResponses replaces DefaultResponses.
func WithResponses(responses ...string) Option {
	return func(g *Generator) {
		if len(responses) > 0 {
			g.responses = responses
		}
	}
}

// WithSilence attaches samples of 16-bit silence to every reply.
func WithSilence(samples int) Option {
	return func(g *Generator) {
		if samples > 0 {
			g.audioSamples = samples
		}
	}
}

// New creates a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{responses: DefaultResponses}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate answers transcript. The same transcript always yields the same
// reply. ok is false for a blank transcript.
func (g *Generator) Generate(transcript string) (Reply, bool) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return Reply{}, false
	}

	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(text)))
	r := Reply{Text: g.responses[int(h.Sum32()%uint32(len(g.responses)))]}
	if g.audioSamples > 0 {
		r.Audio = make([]byte, g.audioSamples*2)
	}
	return r, true
}
