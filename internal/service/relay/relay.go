// Package relay forwards session results to the event publisher while the
// session streams.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ai-speech-stream/internal/models"
	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/service/session"
)

// Publisher is the subset of events.Publisher the relay needs.
type Publisher interface {
	PublishTranscript(ctx context.Context, key string, event any) error
	PublishOutcome(ctx context.Context, key string, event any) error
	Principal() string
}

// Relay turns session events into published models.
type Relay struct {
	pub Publisher
	log zerolog.Logger
}

// New creates a Relay.
func New(pub Publisher) *Relay {
	return &Relay{pub: pub, log: logging.WithComponent("relay")}
}

// Run streams with send while draining s's events, publishing results and
// passing every event to sink (which may be nil). It returns once send has
// returned and the event channel has closed. A failed send closes the
// session and its error is returned; publish failures are logged and
// counted, not returned.
func (r *Relay) Run(ctx context.Context, s *session.Session, send func(ctx context.Context) error, sink func(session.Event)) (failed int, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := send(gctx); err != nil {
			s.Close()
			return err
		}
		return nil
	})
	g.Go(func() error {
		failed = r.Drain(ctx, s, sink)
		return nil
	})
	err = g.Wait()
	return failed, err
}

// Drain consumes s.Events until the channel closes, returning how many
// publishes failed.
func (r *Relay) Drain(ctx context.Context, s *session.Session, sink func(session.Event)) int {
	failed := 0
	for ev := range s.Events() {
		if sink != nil {
			sink(ev)
		}
		if err := r.publish(ctx, s, ev); err != nil {
			failed++
			r.log.Warn().Err(err).Str("sessionId", ev.SessionID).Str("event", ev.Kind.String()).Msg("Failed to publish session event")
		}
	}
	return failed
}

func (r *Relay) publish(ctx context.Context, s *session.Session, ev session.Event) error {
	ts := ev.At.UnixMilli()
	switch ev.Kind {
	case session.EventTranscription:
		return r.pub.PublishTranscript(ctx, ev.SessionID, models.SessionTranscript{
			EventType: models.EventTypeTranscript,
			SessionID: ev.SessionID,
			Principal: r.pub.Principal(),
			Timestamp: ts,
			Text:      ev.Text,
			Final:     ev.State == session.StateCompleted,
		})
	case session.EventResponseText, session.EventResponseAudio:
		return r.pub.PublishTranscript(ctx, ev.SessionID, models.SessionResponse{
			EventType:  models.EventTypeResponse,
			SessionID:  ev.SessionID,
			Principal:  r.pub.Principal(),
			Timestamp:  ts,
			Text:       ev.Text,
			AudioBytes: len(ev.Audio),
		})
	case session.EventTerminal:
		outcome := models.SessionOutcome{
			EventType:  models.EventTypeOutcome,
			SessionID:  ev.SessionID,
			Principal:  r.pub.Principal(),
			Timestamp:  ts,
			State:      ev.State.String(),
			ChunksSent: s.NextSequence(),
			DurationMs: ev.At.Sub(s.CreatedAt()).Milliseconds(),
		}
		if ev.Err != nil {
			outcome.Reason = ev.Err.Error()
		}
		return r.pub.PublishOutcome(ctx, ev.SessionID, outcome)
	}
	return nil
}

// UtteranceEvent builds the published model for an endpoint utterance.
func UtteranceEvent(principal, connectionID, transcript, reply string, confidence float64, samples int, took time.Duration) models.EndpointUtterance {
	return models.EndpointUtterance{
		EventType:    models.EventTypeUtterance,
		ConnectionID: connectionID,
		Principal:    principal,
		Timestamp:    time.Now().UnixMilli(),
		Transcript:   transcript,
		Confidence:   confidence,
		Reply:        reply,
		Samples:      samples,
		DurationMs:   took.Milliseconds(),
	}
}
