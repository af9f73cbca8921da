package session

import (
	"fmt"
	"time"

	"ai-speech-stream/internal/protocol"
	"ai-speech-stream/internal/service/dispatch"
	"ai-speech-stream/internal/service/flow"
)

// inbound applies routed messages to the session. All methods run on the
// receive loop.
type inbound struct {
	s *Session
}

func (h inbound) OnAck(m protocol.ChunkReceived) {
	s := h.s
	s.metrics.RecordMessage(string(protocol.TypeChunkReceived))

	res := s.tracker.OnAck(flow.Ack{ChunkSize: m.ChunkSize, Sequence: m.Sequence}, time.Now())
	outcome := "matched"
	switch {
	case !res.Matched:
		outcome = "stray"
	case res.Late:
		outcome = "late"
	case res.SizeMismatch:
		outcome = "mismatched"
	}
	s.metrics.RecordAck(outcome, res.Latency.Seconds())

	if !res.Matched {
		s.log.Debug().Int("chunkSize", m.ChunkSize).Msg("Acknowledgment with no pending chunk")
		return
	}
	s.log.Trace().
		Uint64("sequence", res.Sequence).
		Str("outcome", outcome).
		Dur("latency", res.Latency).
		Msg("Chunk acknowledged")
}

func (h inbound) OnTranscription(m protocol.Transcription) {
	s := h.s
	s.metrics.RecordMessage(string(protocol.TypeTranscription))

	switch st := s.State(); st {
	case StateEndSent:
		s.complete(m)
	case StateStreaming:
		s.push(Event{Kind: EventTranscription, Text: m.Text, Timestamp: m.Timestamp, State: st})
	default:
		s.log.Debug().Str("state", st.String()).Msg("Dropping transcription")
	}
}

func (h inbound) OnResponseText(m protocol.ResponseText) {
	s := h.s
	s.metrics.RecordMessage(string(protocol.TypeResponseText))

	st := s.State()
	if st == StateErrored {
		return
	}
	s.push(Event{Kind: EventResponseText, Text: m.Text, Timestamp: m.Timestamp, State: st})
}

func (h inbound) OnResponseAudio(m protocol.ResponseAudio) {
	s := h.s
	s.metrics.RecordMessage(string(protocol.TypeResponseAudio))

	st := s.State()
	if st == StateErrored {
		return
	}
	s.push(Event{Kind: EventResponseAudio, Audio: m.Audio, Timestamp: m.Timestamp, State: st})
}

func (h inbound) OnRemoteError(m protocol.Error) {
	s := h.s
	s.metrics.RecordMessage(string(protocol.TypeError))

	rerr := newRemoteError(m)
	st := s.State()
	if st.IsTerminal() {
		s.log.Debug().Err(rerr).Str("state", st.String()).Msg("Dropping remote error")
		return
	}
	s.push(Event{Kind: EventRemoteError, Text: m.Message, Err: rerr, State: st})
	s.fail(rerr)
}

func (h inbound) OnPong(m protocol.Pong) {
	s := h.s
	s.metrics.RecordMessage(string(protocol.TypePong))
	s.metrics.RecordPong()
	s.heartbeat.OnPong(m, time.Now())
}

func (h inbound) OnSessionClosed(m protocol.SessionClosed) {
	s := h.s
	s.metrics.RecordMessage(string(protocol.TypeSessionClosed))

	if s.State().IsTerminal() {
		s.shutdown()
		return
	}
	s.fail(fmt.Errorf("%w: endpoint closed the session: %s", ErrConnectionFailure, m.Reason))
}

func (h inbound) OnDiagnostic(d dispatch.Diagnostic) {
	s := h.s
	s.metrics.RecordDiagnostic(d.Kind.String())

	st := s.State()
	if d.Kind == dispatch.DiagnosticDecode {
		// Undecodable traffic after end_stream is dropped, not reported.
		if st >= StateEndSent {
			s.log.Debug().Err(d.Err).Str("state", st.String()).Msg("Dropping undecodable frame")
			return
		}
		s.log.Warn().Err(d.Err).Msg("Undecodable inbound frame")
		s.push(Event{Kind: EventDiagnostic, Err: fmt.Errorf("%w: %w", ErrDecode, d.Err), Diagnostic: &d, State: st})
		return
	}
	s.push(Event{Kind: EventDiagnostic, Diagnostic: &d, State: st})
}
