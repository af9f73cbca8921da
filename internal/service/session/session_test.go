package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-speech-stream/internal/protocol"
	"ai-speech-stream/internal/service/chunk"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport records outbound frames and replays scripted inbound ones.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []protocol.Frame
	sendErr error
	onSend  func(protocol.Message)

	inbound    chan protocol.Frame
	closed     chan struct{}
	closeOnce  sync.Once
	closeCount atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan protocol.Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame protocol.Frame) error {
	f.mu.Lock()
	select {
	case <-f.closed:
		f.mu.Unlock()
		return errTransportClosed
	default:
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, frame)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		if msg, err := protocol.DecodeFrame(frame); err == nil {
			hook(msg)
		}
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (protocol.Frame, error) {
	select {
	case frame := <-f.inbound:
		return frame, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-f.closed:
		return protocol.Frame{}, errTransportClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeCount.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(raw string) {
	f.inbound <- protocol.TextFrame([]byte(raw))
}

func (f *fakeTransport) setOnSend(fn func(protocol.Message)) {
	f.mu.Lock()
	f.onSend = fn
	f.mu.Unlock()
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// messages decodes every sent frame, skipping pings.
func (f *fakeTransport) messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, frame := range f.sent {
		msg, err := protocol.DecodeFrame(frame)
		if err != nil {
			t.Fatalf("sent an undecodable frame: %v", err)
		}
		if msg.Type() == protocol.TypePing {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: time.Hour,
		ReceiveTimeout:    -1,
		CompletionTimeout: 2 * time.Second,
		TrailingGrace:     -1,
	}
}

func startSession(t *testing.T, cfg Config) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s := New("s-1", tr, cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, tr
}

func collect(t *testing.T, s *Session) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("events channel not closed, got %d events", len(out))
		}
	}
}

func waitState(t *testing.T, s *Session) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, _ := s.Wait(ctx)
	if !st.IsTerminal() {
		t.Fatalf("session did not reach a terminal state, still %s", st)
	}
	return st
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestSession_StreamsSequencedChunksThenEndStream(t *testing.T) {
	s, tr := startSession(t, testConfig())

	if err := s.StreamSamples(context.Background(), make([]int, 3350)); err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	msgs := tr.messages(t)
	if len(msgs) != 4 {
		t.Fatalf("expected 3 chunks and end_stream, got %d messages", len(msgs))
	}
	wantSizes := []int{1600, 1600, 150}
	for i, want := range wantSizes {
		c, ok := msgs[i].(protocol.AudioChunk)
		if !ok {
			t.Fatalf("message %d: expected audio_chunk, got %s", i, msgs[i].Type())
		}
		if c.Sequence == nil || *c.Sequence != uint64(i) {
			t.Errorf("message %d: expected sequence %d, got %v", i, i, c.Sequence)
		}
		if len(c.Audio) != want {
			t.Errorf("message %d: expected %d samples, got %d", i, want, len(c.Audio))
		}
		if c.SessionID != "s-1" {
			t.Errorf("message %d: expected session s-1, got %s", i, c.SessionID)
		}
	}
	end, ok := msgs[3].(protocol.EndStream)
	if !ok {
		t.Fatalf("expected end_stream last, got %s", msgs[3].Type())
	}
	if end.TotalChunks == nil || *end.TotalChunks != 3 {
		t.Errorf("expected total_chunks 3, got %v", end.TotalChunks)
	}
	if s.State() != StateEndSent {
		t.Errorf("expected END_SENT, got %s", s.State())
	}
}

func TestSession_EmptyInputSendsOnlyEndStream(t *testing.T) {
	s, tr := startSession(t, testConfig())

	if err := s.StreamSamples(context.Background(), nil); err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	msgs := tr.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("expected only end_stream, got %d messages", len(msgs))
	}
	end, ok := msgs[0].(protocol.EndStream)
	if !ok || end.TotalChunks == nil || *end.TotalChunks != 0 {
		t.Errorf("expected end_stream{total_chunks: 0}, got %+v", msgs[0])
	}
}

func TestSession_AckReleasesCreditWithoutPacing(t *testing.T) {
	s, tr := startSession(t, testConfig())

	c := chunk.AudioChunk{SessionID: "s-1", Sequence: 0, Payload: make([]int, 1600)}
	if err := s.SendChunk(context.Background(), c); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if s.Outstanding() != 1 {
		t.Fatalf("expected 1 outstanding, got %d", s.Outstanding())
	}

	tr.deliver(`{"type":"chunk_received","chunk_size":1600}`)

	deadline := time.Now().Add(2 * time.Second)
	for s.Outstanding() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding after ack, got %d", s.Outstanding())
	}

	// unset MaxInFlight never waits, even with acks missing
	for i := uint64(1); i <= 5; i++ {
		if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: i, Payload: []int{1}}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if s.FlowStats().Acked != 1 {
		t.Errorf("expected 1 acked chunk, got %d", s.FlowStats().Acked)
	}
}

func TestSession_MaxInFlightPacesOnAcks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 1
	cfg.AckTimeout = time.Minute
	s, tr := startSession(t, cfg)
	tr.setOnSend(func(msg protocol.Message) {
		if c, ok := msg.(protocol.AudioChunk); ok {
			tr.deliver(`{"type":"chunk_received","chunk_size":` + strconv.Itoa(len(c.Audio)) + `}`)
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- s.StreamSamples(context.Background(), make([]int, 1600*5))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("paced stream did not finish")
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.FlowStats().Acked < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.FlowStats().Acked; got != 5 {
		t.Errorf("expected 5 acks, got %d", got)
	}
}

func TestSession_ChunkAfterEndStreamIsRejected(t *testing.T) {
	s, tr := startSession(t, testConfig())

	if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := s.EndStream(context.Background()); err != nil {
		t.Fatalf("end stream failed: %v", err)
	}
	before := tr.sentCount()

	err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 1, Payload: []int{1}})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
	if tr.sentCount() != before {
		t.Errorf("expected no bytes written, frames went from %d to %d", before, tr.sentCount())
	}

	if err := s.EndStream(context.Background()); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected second end_stream to be a violation, got %v", err)
	}
}

func TestSession_RejectsOutOfOrderAndForeignChunks(t *testing.T) {
	s, tr := startSession(t, testConfig())

	err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 1, Payload: []int{1}})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected violation for skipped sequence, got %v", err)
	}
	err = s.SendChunk(context.Background(), chunk.AudioChunk{SessionID: "other", Sequence: 0, Payload: []int{1}})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected violation for foreign chunk, got %v", err)
	}
	if tr.sentCount() != 0 {
		t.Errorf("expected nothing written, got %d frames", tr.sentCount())
	}
	if s.State() != StateStreaming {
		t.Errorf("violations must not change state, got %s", s.State())
	}
}

func TestSession_SendBeforeStart(t *testing.T) {
	tr := newFakeTransport()
	s := New("idle", tr, testConfig())
	defer s.Close()

	err := s.SendChunk(context.Background(), chunk.AudioChunk{Payload: []int{1}})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected violation before start, got %v", err)
	}
	if err := s.EndStream(context.Background()); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected violation before start, got %v", err)
	}
}

func TestSession_TranscriptionCompletes(t *testing.T) {
	s, tr := startSession(t, testConfig())

	if err := s.StreamSamples(context.Background(), make([]int, 10)); err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	tr.deliver(`{"type":"transcription","text":"hello world","timestamp":12}`)

	if st := waitState(t, s); st != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", st, s.Err())
	}
	if s.Err() != nil {
		t.Errorf("expected no error, got %v", s.Err())
	}

	events := collect(t, s)
	if len(events) != 2 || events[0].Kind != EventTranscription || events[1].Kind != EventTerminal {
		t.Fatalf("expected transcription then terminal, got %v", kinds(events))
	}
	if events[0].Text != "hello world" || events[0].Timestamp != 12 {
		t.Errorf("unexpected transcription event %+v", events[0])
	}
	if events[1].State != StateCompleted {
		t.Errorf("expected terminal COMPLETED, got %s", events[1].State)
	}
	if tr.closeCount.Load() != 1 {
		t.Errorf("expected transport released once, got %d", tr.closeCount.Load())
	}
}

func TestSession_TrailingResponsesWithinGrace(t *testing.T) {
	cfg := testConfig()
	cfg.TrailingGrace = 200 * time.Millisecond
	s, tr := startSession(t, cfg)

	if err := s.EndStream(context.Background()); err != nil {
		t.Fatalf("end stream failed: %v", err)
	}
	tr.deliver(`{"type":"transcription","text":"hi"}`)
	tr.deliver(`{"type":"response_text","text":"hello there"}`)
	tr.deliver(`{"type":"response_audio","audio":[0,0,1]}`)

	events := collect(t, s)
	want := []EventKind{EventTranscription, EventTerminal, EventResponseText, EventResponseAudio}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if events[2].Text != "hello there" || len(events[3].Audio) != 3 {
		t.Errorf("unexpected trailing events %+v %+v", events[2], events[3])
	}
}

func TestSession_AdvisoryTranscriptionWhileStreaming(t *testing.T) {
	s, tr := startSession(t, testConfig())

	tr.deliver(`{"type":"transcription","text":"partial"}`)

	select {
	case ev := <-s.Events():
		if ev.Kind != EventTranscription || ev.State != StateStreaming {
			t.Errorf("expected advisory transcription, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	if s.State() != StateStreaming {
		t.Errorf("expected STREAMING, got %s", s.State())
	}
}

func TestSession_RemoteErrorStopsFurtherChunks(t *testing.T) {
	s, tr := startSession(t, testConfig())

	if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	tr.deliver(`{"type":"error","message":"bad format"}`)

	if st := waitState(t, s); st != StateErrored {
		t.Fatalf("expected ERRORED, got %s", st)
	}
	var rerr *RemoteError
	if !errors.As(s.Err(), &rerr) || rerr.Message != "bad format" {
		t.Errorf("expected remote error 'bad format', got %v", s.Err())
	}
	if !errors.Is(s.Err(), ErrRemote) {
		t.Errorf("expected errors.Is ErrRemote, got %v", s.Err())
	}

	before := tr.sentCount()
	err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 1, Payload: []int{1}})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if tr.sentCount() != before {
		t.Error("no chunk may be sent after a remote error")
	}

	events := collect(t, s)
	if len(events) != 2 || events[0].Kind != EventRemoteError || events[1].Kind != EventTerminal {
		t.Fatalf("expected remote error then terminal, got %v", kinds(events))
	}
	if events[1].State != StateErrored {
		t.Errorf("expected ERRORED, got %s", events[1].State)
	}
}

func TestSession_UnknownTypeIsDiagnostic(t *testing.T) {
	s, tr := startSession(t, testConfig())

	tr.deliver(`{"type":"mystery","value":1}`)

	select {
	case ev := <-s.Events():
		if ev.Kind != EventDiagnostic {
			t.Fatalf("expected diagnostic, got %s", ev.Kind)
		}
		if !errors.Is(ev.Err, ErrDecode) || !errors.Is(ev.Err, protocol.ErrUnknownType) {
			t.Errorf("expected decode error for unknown type, got %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no diagnostic event")
	}
	if s.State() != StateStreaming {
		t.Errorf("diagnostic must not change state, got %s", s.State())
	}
}

func TestSession_DecodeFailureAfterEndStreamIsDropped(t *testing.T) {
	s, tr := startSession(t, testConfig())

	if err := s.EndStream(context.Background()); err != nil {
		t.Fatalf("end stream failed: %v", err)
	}
	tr.deliver(`{"type":"mystery"}`)
	tr.deliver(`{"type":"transcription","text":"done"}`)

	waitState(t, s)
	for _, ev := range collect(t, s) {
		if ev.Kind == EventDiagnostic {
			t.Errorf("expected undecodable frame to be dropped, got %+v", ev)
		}
	}
	if s.State() != StateCompleted {
		t.Errorf("expected COMPLETED, got %s", s.State())
	}
}

func TestSession_CompletionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CompletionTimeout = 150 * time.Millisecond
	s, _ := startSession(t, cfg)

	start := time.Now()
	if err := s.EndStream(context.Background()); err != nil {
		t.Fatalf("end stream failed: %v", err)
	}
	if st := waitState(t, s); st != StateErrored {
		t.Fatalf("expected ERRORED, got %s", st)
	}
	elapsed := time.Since(start)

	if elapsed < cfg.CompletionTimeout {
		t.Errorf("errored after %v, before the %v timeout", elapsed, cfg.CompletionTimeout)
	}
	if elapsed > cfg.CompletionTimeout+time.Second {
		t.Errorf("errored after %v, long past the %v timeout", elapsed, cfg.CompletionTimeout)
	}
	if !errors.Is(s.Err(), ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", s.Err())
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, tr := startSession(t, testConfig())

	if err := s.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if tr.closeCount.Load() != 1 {
		t.Errorf("expected transport closed once, got %d", tr.closeCount.Load())
	}
	events := collect(t, s)
	terminals := 0
	for _, ev := range events {
		if ev.Kind == EventTerminal {
			terminals++
			if !errors.Is(ev.Err, ErrClosed) {
				t.Errorf("expected ErrClosed reason, got %v", ev.Err)
			}
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}
	if s.State() != StateErrored {
		t.Errorf("expected ERRORED after abort, got %s", s.State())
	}
}

func TestSession_CloseUnblocksWithoutConsumer(t *testing.T) {
	cfg := testConfig()
	cfg.EventBuffer = 1
	s, tr := startSession(t, cfg)

	for i := 0; i < 10; i++ {
		tr.deliver(`{"type":"transcription","text":"advisory"}`)
	}
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an undrained events channel")
	}
}

func TestSession_CloseBeforeStart(t *testing.T) {
	tr := newFakeTransport()
	s := New("never", tr, testConfig())

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("expected events channel closed")
	}
	if err := s.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed when starting a closed session, got %v", err)
	}
}

func TestSession_SendFailureIsConnectionFailure(t *testing.T) {
	s, tr := startSession(t, testConfig())
	tr.setSendErr(errors.New("broken pipe"))

	err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1}})
	if !errors.Is(err, ErrConnectionFailure) {
		t.Errorf("expected ErrConnectionFailure, got %v", err)
	}
	if st := waitState(t, s); st != StateErrored {
		t.Errorf("expected ERRORED, got %s", st)
	}
	if !errors.Is(s.Err(), ErrConnectionFailure) {
		t.Errorf("expected connection failure reason, got %v", s.Err())
	}
}

func TestSession_ReceiveFailureIsConnectionFailure(t *testing.T) {
	s, tr := startSession(t, testConfig())

	tr.Close()

	if st := waitState(t, s); st != StateErrored {
		t.Fatalf("expected ERRORED, got %s", st)
	}
	if !errors.Is(s.Err(), ErrConnectionFailure) {
		t.Errorf("expected connection failure, got %v", s.Err())
	}
}

func TestSession_SessionClosedByEndpoint(t *testing.T) {
	s, tr := startSession(t, testConfig())

	tr.deliver(`{"type":"session_closed","reason":"idle timeout"}`)

	if st := waitState(t, s); st != StateErrored {
		t.Fatalf("expected ERRORED, got %s", st)
	}
	if !errors.Is(s.Err(), ErrConnectionFailure) {
		t.Errorf("expected connection failure, got %v", s.Err())
	}
}

func TestSession_HeartbeatPingsAndPongs(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	s, tr := startSession(t, cfg)
	tr.setOnSend(func(msg protocol.Message) {
		if p, ok := msg.(protocol.Ping); ok {
			tr.deliver(`{"type":"pong","timestamp":` + strconv.Itoa(int(p.Timestamp)) + `}`)
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l := s.Liveness(); l.Pongs >= 2 && l.PingsSent >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	l := s.Liveness()
	if l.PingsSent < 2 || l.Pongs < 2 {
		t.Errorf("expected pings answered by pongs, got %+v", l)
	}
	if s.State() != StateStreaming {
		t.Errorf("pongs must not change state, got %s", s.State())
	}
}

func TestSession_HeartbeatFailureErrorsSession(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	s, tr := startSession(t, cfg)
	tr.setSendErr(errors.New("reset by peer"))

	if st := waitState(t, s); st != StateErrored {
		t.Fatalf("expected ERRORED, got %s", st)
	}
	if !errors.Is(s.Err(), ErrConnectionFailure) {
		t.Errorf("expected connection failure, got %v", s.Err())
	}
}

func TestSession_ReceiveTimeoutIsAdvisory(t *testing.T) {
	cfg := testConfig()
	cfg.ReceiveTimeout = 30 * time.Millisecond
	s, _ := startSession(t, cfg)

	select {
	case ev := <-s.Events():
		if ev.Kind != EventStall {
			t.Fatalf("expected stall, got %s", ev.Kind)
		}
		if !errors.Is(ev.Err, ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stall event")
	}
	if s.State() != StateStreaming {
		t.Errorf("a stall must not change state, got %s", s.State())
	}
}

func TestSession_UnacknowledgedChunkIsReported(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	s, _ := startSession(t, cfg)

	if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 1, Payload: []int{1}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != EventUnacknowledged || ev.Sequence != 0 {
			t.Errorf("expected chunk 0 unacknowledged, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no unacknowledged event")
	}
	if s.State() != StateStreaming {
		t.Errorf("a lost ack must not fail the session, got %s", s.State())
	}
}

func TestSession_BinaryAudioFrames(t *testing.T) {
	cfg := testConfig()
	cfg.BinaryAudio = true
	s, tr := startSession(t, cfg)

	if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1, -1}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	tr.mu.Lock()
	frame := tr.sent[0]
	tr.mu.Unlock()
	if !frame.Binary {
		t.Fatal("expected a binary frame")
	}
	samples, err := protocol.DecodeBinaryAudio(frame.Data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(samples) != 2 || samples[1] != -1 {
		t.Errorf("unexpected samples %v", samples)
	}
}

func TestSession_PacedStream(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkInterval = 20 * time.Millisecond
	s, _ := startSession(t, cfg)

	start := time.Now()
	if err := s.Stream(context.Background(), chunk.NewEncoder("s-1", make([]int, 40), 10)); err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	// four chunks, the first one immediate
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected pacing, stream took %v", elapsed)
	}
}

func TestSession_ShutdownReleasesCreditWait(t *testing.T) {
	shutdowns := map[string]func(*Session, *fakeTransport){
		"close":        func(s *Session, _ *fakeTransport) { s.Close() },
		"remote error": func(_ *Session, tr *fakeTransport) { tr.deliver(`{"type":"error","message":"boom"}`) },
	}

	for name, shut := range shutdowns {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxInFlight = 1
			cfg.AckTimeout = 3 * time.Second
			s, tr := startSession(t, cfg)

			if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1}}); err != nil {
				t.Fatalf("send failed: %v", err)
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 1, Payload: []int{1}})
			}()
			time.Sleep(30 * time.Millisecond)

			start := time.Now()
			shut(s, tr)
			select {
			case err := <-errCh:
				if !errors.Is(err, ErrClosed) {
					t.Errorf("expected ErrClosed, got %v", err)
				}
				if took := time.Since(start); took > 500*time.Millisecond {
					t.Errorf("waiting sender released after %v", took)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("sender still waiting for credit after shutdown")
			}
			written := 0
			for _, msg := range tr.messages(t) {
				if _, ok := msg.(protocol.AudioChunk); ok {
					written++
				}
			}
			if written != 1 {
				t.Errorf("expected only chunk 0 written, got %d chunks", written)
			}
		})
	}
}

func TestSession_FailedWriteIsNotCounted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 4
	s, tr := startSession(t, cfg)
	tr.setSendErr(errors.New("broken pipe"))

	if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1}}); err == nil {
		t.Fatal("expected the write to fail")
	}
	if st := s.FlowStats(); st.Sent != 0 {
		t.Errorf("expected no chunk counted as sent, got %d", st.Sent)
	}
	if s.Outstanding() != 0 {
		t.Errorf("expected the credit returned, got %d outstanding", s.Outstanding())
	}
	if s.NextSequence() != 0 {
		t.Errorf("expected next sequence 0, got %d", s.NextSequence())
	}
}

func TestSession_NothingButResponsesAfterTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 60 * time.Millisecond
	cfg.ReceiveTimeout = 30 * time.Millisecond
	cfg.TrailingGrace = 300 * time.Millisecond
	s, tr := startSession(t, cfg)

	if err := s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := s.EndStream(context.Background()); err != nil {
		t.Fatalf("end stream failed: %v", err)
	}
	tr.deliver(`{"type":"transcription","text":"done"}`)
	time.Sleep(150 * time.Millisecond)
	tr.deliver(`{"type":"chunk_received","chunk_size":1}`)
	tr.deliver(`{"type":"response_text","text":"late reply"}`)

	events := collect(t, s)
	terminal := -1
	for i, ev := range events {
		if ev.Kind == EventTerminal {
			terminal = i
			continue
		}
		if terminal >= 0 && ev.Kind != EventResponseText && ev.Kind != EventResponseAudio {
			t.Errorf("unexpected %s after the terminal event", ev.Kind)
		}
	}
	if terminal < 0 || events[terminal].State != StateCompleted {
		t.Fatalf("expected a COMPLETED terminal event, got %v", kinds(events))
	}
	if last := events[len(events)-1]; last.Kind != EventResponseText || last.Text != "late reply" {
		t.Errorf("expected the trailing reply last, got %+v", last)
	}
}

func TestSession_TerminalHooksRunWithoutLocks(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	tr := newFakeTransport()
	s := New("s-1", tr, testConfig(), WithTerminalHook(func(*Session) { <-release }))
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	tr.setSendErr(errors.New("broken pipe"))

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- s.SendChunk(context.Background(), chunk.AudioChunk{Sequence: 0, Payload: []int{1}})
	}()
	select {
	case err := <-sendDone:
		if !errors.Is(err, ErrConnectionFailure) {
			t.Errorf("expected ErrConnectionFailure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("failed send waited for the terminal hook")
	}

	// writeMu is free while the hook is still running
	if err := s.EndStream(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	select {
	case <-s.Done():
		t.Fatal("Done closed before the hook returned")
	default:
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned before the hook finished")
	case <-time.After(50 * time.Millisecond):
	}

	unblock()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the hook finished")
	}
	select {
	case <-s.Done():
	default:
		t.Error("expected Done closed after Close")
	}
}
