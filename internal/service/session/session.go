// Package session implements the client side of a streaming speech
// session: one connection, one state machine, one serialized writer.
//
// A Session runs three goroutines once started: the caller's send path
// (SendChunk, EndStream, Stream), a receive loop that decodes and routes
// inbound frames, and a heartbeat scheduler. Results are delivered on
// Events in receive order; Wait blocks until a terminal state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/observability/metrics"
	"ai-speech-stream/internal/protocol"
	"ai-speech-stream/internal/service/chunk"
	"ai-speech-stream/internal/service/dispatch"
	"ai-speech-stream/internal/service/flow"
	"ai-speech-stream/internal/service/heartbeat"

	"github.com/rs/zerolog"
)

// Transport carries frames over one connection. Receive must return when
// ctx ends, and Close must unblock pending Send and Receive calls.
type Transport interface {
	Send(ctx context.Context, f protocol.Frame) error
	Receive(ctx context.Context) (protocol.Frame, error)
	Close() error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTerminalHook registers fn to run once the session reaches a terminal
// state. Hooks run in order on their own goroutine, with no session lock
// held; fn must not call Close.
func WithTerminalHook(fn func(*Session)) Option {
	return func(s *Session) { s.onTerminal = append(s.onTerminal, fn) }
}

var errStall = errors.New("receive timeout")

// Session owns one connection for one logical exchange.
type Session struct {
	id      string
	cfg     Config
	tr      Transport
	log     zerolog.Logger
	metrics *metrics.Metrics

	lifecycle  *Lifecycle
	tracker    *flow.Tracker
	heartbeat  *heartbeat.Scheduler
	dispatcher *dispatch.Dispatcher

	// writeMu serializes every write with the state check that allows it.
	writeMu      sync.Mutex
	nextSequence uint64
	endSent      bool

	createdAt    time.Time
	startedAt    time.Time
	lastActivity atomic.Int64

	queue   *eventQueue
	events  chan Event
	abandon chan struct{}
	done    chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	hbCancel context.CancelFunc
	wg       sync.WaitGroup

	timerMu         sync.Mutex
	completionTimer *time.Timer
	graceTimer      *time.Timer

	startMu      sync.Mutex
	started      bool
	shutdownOnce sync.Once
	closeOnce    sync.Once
	doneOnce     sync.Once

	onTerminal []func(*Session)
}

// New creates an IDLE session over tr. Call Start to begin streaming and
// Close to release it.
func New(id string, tr Transport, cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:        id,
		cfg:       cfg,
		tr:        tr,
		log:       logging.WithSession(id).With().Str("component", "session").Logger(),
		metrics:   metrics.DefaultMetrics,
		lifecycle: NewLifecycle(id),
		createdAt: time.Now(),
		queue:     newEventQueue(),
		events:    make(chan Event, cfg.EventBuffer),
		abandon:   make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.lastActivity.Store(s.createdAt.UnixNano())
	s.tracker = flow.NewTracker(flow.Config{
		MaxInFlight: cfg.MaxInFlight,
		AckTimeout:  cfg.AckTimeout,
		OnExpire:    s.onUnacknowledged,
	})
	s.heartbeat = heartbeat.New(cfg.HeartbeatInterval, s.sendPing, s.onHeartbeatFailure)
	s.dispatcher = dispatch.New(inbound{s})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.lifecycle.State() }

// Err returns the reason for ERRORED, or nil.
func (s *Session) Err() error { return s.lifecycle.Reason() }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last frame written or received.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// NextSequence returns the sequence the next chunk must carry, which is
// also the number of chunks sent so far.
func (s *Session) NextSequence() uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.nextSequence
}

// FlowStats returns acknowledgment counters.
func (s *Session) FlowStats() flow.Stats { return s.tracker.Stats() }

// Outstanding returns the number of chunks holding in-flight credit.
func (s *Session) Outstanding() int { return s.tracker.Outstanding() }

// Liveness returns heartbeat bookkeeping.
func (s *Session) Liveness() heartbeat.Liveness { return s.heartbeat.Liveness() }

// Events delivers results and advisories in receive order. The channel is
// closed once the session has released its connection; consumers should
// drain it or call Close.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session is terminal and its hooks have returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start transitions IDLE to STREAMING and launches the receive loop and the
// heartbeat.
func (s *Session) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if err := s.lifecycle.Start(); err != nil {
		return err
	}
	s.started = true
	s.startedAt = time.Now()
	s.metrics.RecordSessionStart()

	hbCtx, hbCancel := context.WithCancel(s.ctx)
	s.hbCancel = hbCancel

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.queue.pump(s.events, s.abandon)
	}()
	go s.receiveLoop()
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run(hbCtx)
	}()

	s.log.Info().
		Int("chunkSize", s.cfg.ChunkSize).
		Int("maxInFlight", s.cfg.MaxInFlight).
		Dur("completionTimeout", s.cfg.CompletionTimeout).
		Msg("Session started")
	return nil
}

// SendChunk writes one audio chunk. Chunks must be sent in sequence order
// starting at 0. With MaxInFlight set, it first waits for credit.
func (s *Session) SendChunk(ctx context.Context, c chunk.AudioChunk) error {
	if err := s.precheckChunk(); err != nil {
		return err
	}

	waitStart := time.Now()
	if err := s.acquire(ctx); err != nil {
		return err
	}
	if s.cfg.MaxInFlight > 0 {
		s.metrics.RecordCreditWait(time.Since(waitStart).Seconds())
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkChunkLocked(c); err != nil {
		return err
	}

	msg := protocol.AudioChunk{
		SessionID: s.id,
		Sequence:  protocol.Uint64(c.Sequence),
		Audio:     c.Payload,
	}
	frame, err := s.frameFor(msg)
	if err != nil {
		s.metrics.RecordProtocolViolation("unencodable")
		return fmt.Errorf("%w: chunk %d: %v", ErrProtocolViolation, c.Sequence, err)
	}

	// Recorded before the write so an immediate ack finds its chunk.
	sentAt := time.Now()
	s.tracker.OnSend(c.Sequence, len(c.Payload), sentAt)
	if err := s.tr.Send(ctx, frame); err != nil {
		s.tracker.Revert(c.Sequence)
		werr := fmt.Errorf("%w: send chunk %d: %v", ErrConnectionFailure, c.Sequence, err)
		s.fail(werr)
		return werr
	}

	s.nextSequence++
	s.touch(sentAt)
	s.metrics.RecordChunkSent(len(c.Payload))
	s.log.Debug().
		Uint64("sequence", c.Sequence).
		Int("samples", len(c.Payload)).
		Int("outstanding", s.tracker.Outstanding()).
		Msg("Audio chunk sent")
	return nil
}

// acquire waits for flow credit until ctx ends or the session shuts down.
func (s *Session) acquire(ctx context.Context) error {
	wctx, release := s.bind(ctx)
	defer release()

	err := s.tracker.Acquire(wctx)
	if err != nil && ctx.Err() == nil {
		return s.endedErr()
	}
	return err
}

// bind returns a context that also ends when the session shuts down.
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return wctx, func() {
		stop()
		cancel()
	}
}

// endedErr reports why a wait was cut short by the session shutting down.
func (s *Session) endedErr() error {
	if err := s.precheckChunk(); err != nil {
		return err
	}
	return fmt.Errorf("%w: session is %s", ErrClosed, s.State())
}

// precheckChunk fails fast, before waiting for credit, when no chunk could
// be written anyway.
func (s *Session) precheckChunk() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.checkStateLocked()
}

func (s *Session) checkStateLocked() error {
	if s.endSent {
		s.metrics.RecordProtocolViolation("chunk_after_end")
		return fmt.Errorf("%w: audio chunk after end_stream", ErrProtocolViolation)
	}
	switch st := s.lifecycle.State(); st {
	case StateStreaming:
		return nil
	case StateIdle:
		s.metrics.RecordProtocolViolation("not_started")
		return fmt.Errorf("%w: session not started", ErrProtocolViolation)
	default:
		return fmt.Errorf("%w: session is %s", ErrClosed, st)
	}
}

func (s *Session) checkChunkLocked(c chunk.AudioChunk) error {
	if err := s.checkStateLocked(); err != nil {
		return err
	}
	if c.SessionID != "" && c.SessionID != s.id {
		s.metrics.RecordProtocolViolation("foreign_chunk")
		return fmt.Errorf("%w: chunk belongs to session %q", ErrProtocolViolation, c.SessionID)
	}
	if c.Sequence != s.nextSequence {
		s.metrics.RecordProtocolViolation("out_of_order")
		return fmt.Errorf("%w: chunk sequence %d, expected %d", ErrProtocolViolation, c.Sequence, s.nextSequence)
	}
	return nil
}

// EndStream writes end_stream with the number of chunks sent and starts the
// completion timer. It may be called once, even with zero chunks sent.
func (s *Session) EndStream(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.lifecycle.EndStream(); err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			s.metrics.RecordProtocolViolation("end_stream")
		}
		return err
	}
	// EndSent is entered before the write so a fast transcription is never
	// mistaken for an advisory one.
	s.endSent = true
	total := s.nextSequence
	s.armCompletionTimer()

	msg := protocol.EndStream{SessionID: s.id, TotalChunks: protocol.Uint64(total)}
	if err := s.writeLocked(ctx, msg); err != nil {
		werr := fmt.Errorf("%w: send end_stream: %v", ErrConnectionFailure, err)
		s.fail(werr)
		return werr
	}

	s.log.Info().
		Uint64("totalChunks", total).
		Msg("End of stream sent")
	return nil
}

// Wait blocks until the session is terminal or ctx ends, and returns the
// state and the terminal reason.
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.State(), s.Err()
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Close aborts the session if it is still running, stops the heartbeat and
// the receive loop, releases the connection and waits for the terminal
// hooks. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.startMu.Lock()
		started := s.started
		if s.lifecycle.Fail(ErrClosed) {
			s.stopCompletionTimer()
			s.push(Event{Kind: EventTerminal, State: StateErrored, Err: ErrClosed})
			s.terminated(StateErrored, ErrClosed)
		}
		s.startMu.Unlock()

		s.shutdown()
		close(s.abandon)
		if !started {
			close(s.events)
		}
		s.wg.Wait()
		<-s.done
	})
	return nil
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	for {
		f, err := s.receive()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, errStall) {
				s.onStall()
				continue
			}
			if !s.fail(fmt.Errorf("%w: receive: %v", ErrConnectionFailure, err)) {
				s.shutdown()
			}
			return
		}
		s.touch(time.Now())
		s.dispatcher.Dispatch(f)
	}
}

func (s *Session) receive() (protocol.Frame, error) {
	if s.cfg.ReceiveTimeout < 0 {
		return s.tr.Receive(s.ctx)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ReceiveTimeout)
	defer cancel()

	f, err := s.tr.Receive(ctx)
	if err != nil && s.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return f, errStall
	}
	return f, err
}

func (s *Session) onStall() {
	s.metrics.RecordStall()
	st := s.State()
	if st.IsTerminal() {
		return
	}
	s.tracker.Expire(time.Now())
	s.log.Debug().
		Str("state", st.String()).
		Dur("receiveTimeout", s.cfg.ReceiveTimeout).
		Msg("No inbound message within receive timeout")
	s.push(Event{Kind: EventStall, State: st, Err: fmt.Errorf("%w: nothing received for %v", ErrTimeout, s.cfg.ReceiveTimeout)})
}

func (s *Session) sendPing(ctx context.Context, ping protocol.Ping) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	switch s.lifecycle.State() {
	case StateStreaming, StateEndSent:
	default:
		return heartbeat.ErrStopped
	}
	if err := s.writeLocked(ctx, ping); err != nil {
		return err
	}
	s.metrics.RecordPing()
	return nil
}

func (s *Session) onHeartbeatFailure(err error) {
	s.fail(fmt.Errorf("%w: heartbeat: %v", ErrConnectionFailure, err))
}

func (s *Session) onUnacknowledged(p flow.Pending) {
	s.metrics.RecordUnacknowledged()
	st := s.State()
	if st.IsTerminal() {
		// only trailing responses follow the terminal event
		s.log.Debug().Uint64("sequence", p.Sequence).Str("state", st.String()).Msg("Chunk unacknowledged after termination")
		return
	}
	s.log.Warn().
		Uint64("sequence", p.Sequence).
		Dur("ackTimeout", s.cfg.AckTimeout).
		Msg("Chunk not acknowledged in time")
	s.push(Event{Kind: EventUnacknowledged, Sequence: p.Sequence, State: st})
}

func (s *Session) writeLocked(ctx context.Context, msg protocol.Message) error {
	frame, err := s.frameFor(msg)
	if err != nil {
		return err
	}
	if err := s.tr.Send(ctx, frame); err != nil {
		return err
	}
	s.touch(time.Now())
	return nil
}

func (s *Session) frameFor(msg protocol.Message) (protocol.Frame, error) {
	if c, ok := msg.(protocol.AudioChunk); ok && s.cfg.BinaryAudio {
		data, err := protocol.EncodeBinaryAudio(c.Audio)
		if err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{Binary: true, Data: data}, nil
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.TextFrame(data), nil
}

func (s *Session) armCompletionTimer() {
	d := s.cfg.CompletionTimeout
	s.timerMu.Lock()
	s.completionTimer = time.AfterFunc(d, func() {
		s.fail(fmt.Errorf("%w: no transcription within %v of end_stream", ErrTimeout, d))
	})
	s.timerMu.Unlock()
}

func (s *Session) stopCompletionTimer() {
	s.timerMu.Lock()
	if s.completionTimer != nil {
		s.completionTimer.Stop()
	}
	s.timerMu.Unlock()
}

// complete handles the transcription that ends the session.
func (s *Session) complete(m protocol.Transcription) {
	if !s.lifecycle.Complete() {
		return
	}
	s.stopCompletionTimer()
	if s.hbCancel != nil {
		s.hbCancel()
	}

	s.push(Event{Kind: EventTranscription, Text: m.Text, Timestamp: m.Timestamp, State: StateCompleted})
	s.push(Event{Kind: EventTerminal, State: StateCompleted})
	s.terminated(StateCompleted, nil)

	if s.cfg.TrailingGrace < 0 {
		s.shutdown()
		return
	}
	s.timerMu.Lock()
	s.graceTimer = time.AfterFunc(s.cfg.TrailingGrace, s.shutdown)
	s.timerMu.Unlock()
}

// fail drives the session to ERRORED. Returns false if it was already
// terminal.
func (s *Session) fail(reason error) bool {
	if !s.lifecycle.Fail(reason) {
		return false
	}
	s.stopCompletionTimer()
	s.push(Event{Kind: EventTerminal, State: StateErrored, Err: reason})
	s.terminated(StateErrored, reason)
	s.shutdown()
	return true
}

func (s *Session) terminated(state State, reason error) {
	s.doneOnce.Do(func() {
		if !s.startedAt.IsZero() {
			s.metrics.RecordSessionEnd(state.String(), reasonLabel(reason), time.Since(s.startedAt).Seconds())
		}
		ev := s.log.Info()
		if reason != nil {
			ev = s.log.Warn().Err(reason)
		}
		stats := s.tracker.Stats()
		ev.Str("state", state.String()).
			Uint64("chunksSent", stats.Sent).
			Uint64("acked", stats.Acked).
			Uint64("unacknowledged", stats.Expired).
			Msg("Session finished")

		// Callers may hold writeMu or startMu; hooks can be slow.
		go func() {
			defer close(s.done)
			for _, fn := range s.onTerminal {
				fn(s)
			}
		}()
	})
}

// shutdown stops every goroutine and releases the transport exactly once.
// Queued events are still delivered unless Close abandons them.
func (s *Session) shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		s.timerMu.Lock()
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		s.timerMu.Unlock()

		if err := s.tr.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Transport close failed")
		}
		s.queue.seal()
	})
}

func (s *Session) push(ev Event) {
	ev.SessionID = s.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if !s.queue.push(ev) {
		s.log.Debug().Str("event", ev.Kind.String()).Msg("Dropping event after release")
	}
}

func (s *Session) touch(at time.Time) {
	s.lastActivity.Store(at.UnixNano())
}
