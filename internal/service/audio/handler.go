// Package audio serves one client connection of the reference endpoint: it
// buffers streamed audio, acknowledges each chunk and, on end_stream, runs
// recognition and answers with a transcription and a generated reply.
package audio

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/observability/metrics"
	"ai-speech-stream/internal/protocol"
	"ai-speech-stream/internal/service/chunk"
	"ai-speech-stream/internal/service/reply"
	"ai-speech-stream/internal/service/stt"
)

// Error messages sent to the client.
const (
	MsgInvalidFormat     = "Invalid message format"
	MsgInvalidBinary     = "Invalid binary frame"
	MsgUnsupportedType   = "Unsupported message type"
	MsgNoAudio           = "No audio buffered"
	MsgBufferLimit       = "Audio buffer limit exceeded"
	MsgProcessingFailed  = "Failed to process audio"
	ReasonIdleTimeout    = "idle_timeout"
	debugPreviewBytes    = 32
	defaultProviderLabel = "mock"
)

// Limits are the per-connection guardrails.
type Limits struct {
	MaxBufferSamples int           // Max buffered samples per utterance
	IdleTimeout      time.Duration // Close after this long without a message
	ProcessTimeout   time.Duration // Max time for one recognition pass
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSamples: 5 * 60 * 16000, // 5 minutes at 16kHz
		IdleTimeout:      120 * time.Second,
		ProcessTimeout:   20 * time.Second,
	}
}

// Config configures a Handler.
type Config struct {
	Limits
	SampleRate int    // reported in processing_debug
	Debug      bool   // send processing_debug before each recognition pass
	Provider   string // STT provider label for metrics
}

// Conn is the frame transport of one client connection.
type Conn interface {
	Send(ctx context.Context, f protocol.Frame) error
	Receive(ctx context.Context) (protocol.Frame, error)
	Close() error
}

// Result describes one completed utterance.
type Result struct {
	ConnectionID string
	Transcript   string
	Confidence   float64
	Reply        string
	Samples      int
	Duration     time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the connection logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics overrides metrics.DefaultMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithResultHook is called after every answered utterance.
func WithResultHook(fn func(context.Context, Result)) Option {
	return func(h *Handler) { h.onResult = fn }
}

// Handler manages one endpoint connection.
type Handler struct {
	conn      Conn
	id        string
	recognize stt.Factory
	replies   *reply.Generator
	cfg       Config
	log       zerolog.Logger
	metrics   *metrics.Metrics
	onResult  func(context.Context, Result)

	writeMu sync.Mutex

	mu         sync.Mutex
	buffer     []int
	processing bool
	utterances int

	wg sync.WaitGroup
}

// NewHandler creates a handler for conn. Zero limits disable the matching
// guardrail.
func NewHandler(conn Conn, id string, recognize stt.Factory, replies *reply.Generator, cfg Config, opts ...Option) *Handler {
	if cfg.Provider == "" {
		cfg.Provider = defaultProviderLabel
	}
	if replies == nil {
		replies = reply.New()
	}
	h := &Handler{
		conn:      conn,
		id:        id,
		recognize: recognize,
		replies:   replies,
		cfg:       cfg,
		log:       logging.WithConnection(id, ""),
		metrics:   metrics.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID returns the connection id.
func (h *Handler) ID() string {
	return h.id
}

// Buffered returns how many samples are waiting for end_stream.
func (h *Handler) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffer)
}

// Utterances returns how many recognition passes completed.
func (h *Handler) Utterances() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.utterances
}

// Serve reads frames until the connection ends, ctx is done or the idle
// timeout fires. An idle connection is told session_closed and closed; Serve
// then returns nil. In-flight recognition is canceled and awaited before
// Serve returns.
func (h *Handler) Serve(ctx context.Context) error {
	defer h.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		rctx, rcancel := ctx, context.CancelFunc(func() {})
		if h.cfg.IdleTimeout > 0 {
			rctx, rcancel = context.WithTimeout(ctx, h.cfg.IdleTimeout)
		}
		f, err := h.conn.Receive(rctx)
		rcancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				h.log.Info().Dur("idleTimeout", h.cfg.IdleTimeout).Msg("Closing idle connection")
				h.send(ctx, protocol.SessionClosed{Reason: ReasonIdleTimeout})
				h.conn.Close()
				return nil
			}
			return err
		}
		h.handleFrame(ctx, f)
	}
}

func (h *Handler) handleFrame(ctx context.Context, f protocol.Frame) {
	msg, err := protocol.DecodeFrame(f)
	if err != nil {
		switch {
		case f.Binary:
			h.metrics.RecordEndpointError("invalid_binary")
			h.sendError(ctx, MsgInvalidBinary, err)
		case errors.Is(err, protocol.ErrUnknownType):
			h.metrics.RecordEndpointError("unsupported_type")
			h.sendError(ctx, MsgUnsupportedType, err)
		default:
			h.metrics.RecordEndpointError("invalid_format")
			h.sendError(ctx, MsgInvalidFormat, err)
		}
		h.log.Warn().Err(err).Bool("binary", f.Binary).Msg("Rejected inbound frame")
		return
	}

	switch m := msg.(type) {
	case protocol.AudioChunk:
		h.onAudio(ctx, m)
	case protocol.EndStream:
		h.onEndStream(ctx, m)
	case protocol.Ping:
		h.send(ctx, protocol.Pong{Timestamp: protocol.Timestamp(time.Now())})
	case protocol.Pong:
	default:
		h.metrics.RecordEndpointError("unsupported_type")
		h.sendError(ctx, MsgUnsupportedType, fmt.Errorf("%s is not a client message", m.Type()))
	}
}

func (h *Handler) onAudio(ctx context.Context, m protocol.AudioChunk) {
	h.mu.Lock()
	if limit := h.cfg.MaxBufferSamples; limit > 0 && len(h.buffer)+len(m.Audio) > limit {
		buffered := len(h.buffer)
		h.mu.Unlock()
		h.metrics.RecordEndpointError("buffer_limit")
		h.sendError(ctx, MsgBufferLimit, fmt.Errorf("%d samples buffered, limit %d", buffered+len(m.Audio), limit))
		return
	}
	h.buffer = append(h.buffer, m.Audio...)
	size := len(h.buffer)
	h.mu.Unlock()

	h.metrics.RecordAudioReceived(len(m.Audio))
	h.send(ctx, protocol.ChunkReceived{
		ChunkSize:  len(m.Audio),
		BufferSize: protocol.Int(size),
		Sequence:   m.Sequence,
	})
}

func (h *Handler) onEndStream(ctx context.Context, m protocol.EndStream) {
	h.mu.Lock()
	if h.processing {
		h.mu.Unlock()
		h.log.Debug().Msg("end_stream ignored while processing")
		return
	}
	if len(h.buffer) == 0 {
		h.mu.Unlock()
		h.metrics.RecordEndpointError("no_audio")
		h.sendError(ctx, MsgNoAudio, nil)
		return
	}
	samples := h.buffer
	h.buffer = nil
	h.processing = true
	h.mu.Unlock()

	log := h.log.With().Str("sessionId", m.SessionID).Int("samples", len(samples)).Logger()
	if m.TotalChunks != nil {
		log = log.With().Uint64("totalChunks", *m.TotalChunks).Logger()
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(ctx, log, samples)

		h.mu.Lock()
		h.processing = false
		h.mu.Unlock()
	}()
}

func (h *Handler) process(ctx context.Context, log zerolog.Logger, samples []int) {
	pcm := pcmBytes(samples)
	if h.cfg.Debug {
		h.send(ctx, debugSnapshot(pcm, len(samples), h.cfg.SampleRate))
	}

	pctx, cancel := ctx, context.CancelFunc(func() {})
	if h.cfg.ProcessTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, h.cfg.ProcessTimeout)
	}
	defer cancel()

	start := time.Now()
	res, err := stt.Transcribe(pctx, h.recognize, pcm)
	elapsed := time.Since(start)
	h.metrics.RecordSTTLatency(h.cfg.Provider, elapsed.Seconds())
	if err != nil {
		h.metrics.RecordSTTError(h.cfg.Provider, sttErrorLabel(err))
		h.metrics.RecordEndpointError("processing")
		log.Error().Err(err).Msg("Recognition failed")
		h.sendError(ctx, MsgProcessingFailed, err)
		return
	}

	log.Info().
		Str("transcript", res.Text).
		Float64("confidence", res.Confidence).
		Dur("elapsed", elapsed).
		Msg("Utterance recognized")
	h.send(ctx, protocol.Transcription{Text: res.Text, Timestamp: protocol.Timestamp(time.Now())})

	result := Result{
		ConnectionID: h.id,
		Transcript:   res.Text,
		Confidence:   res.Confidence,
		Samples:      len(samples),
		Duration:     elapsed,
	}
	if r, ok := h.replies.Generate(res.Text); ok {
		result.Reply = r.Text
		h.send(ctx, protocol.ResponseText{Text: r.Text, Timestamp: protocol.Timestamp(time.Now())})
		if r.Audio != nil {
			h.send(ctx, protocol.ResponseAudio{Audio: chunk.FromBytes(r.Audio), Timestamp: protocol.Timestamp(time.Now())})
		}
	}

	h.mu.Lock()
	h.utterances++
	h.mu.Unlock()

	if h.onResult != nil {
		h.onResult(ctx, result)
	}
}

func (h *Handler) sendError(ctx context.Context, message string, cause error) {
	msg := protocol.Error{Message: message}
	if cause != nil {
		msg.Detail = &protocol.ErrorDetail{Message: cause.Error()}
	}
	h.send(ctx, msg)
}

func (h *Handler) send(ctx context.Context, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(m.Type())).Msg("Failed to encode message")
		return
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.Send(ctx, protocol.TextFrame(data)); err != nil {
		h.log.Debug().Err(err).Str("type", string(m.Type())).Msg("Failed to send message")
	}
}

func sttErrorLabel(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "provider"
	}
}

// pcmBytes packs samples as LINEAR16 little endian, clamping to int16.
func pcmBytes(samples []int) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		s = max(math.MinInt16, min(math.MaxInt16, s))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out
}

func debugSnapshot(pcm []byte, samples, sampleRate int) protocol.ProcessingDebug {
	n := min(debugPreviewBytes, len(pcm))
	return protocol.ProcessingDebug{
		BytesLength: len(pcm),
		Samples:     samples,
		SampleRate:  sampleRate,
		HeadBase64:  base64.StdEncoding.EncodeToString(pcm[:n]),
		TailBase64:  base64.StdEncoding.EncodeToString(pcm[len(pcm)-n:]),
		Timestamp:   protocol.Timestamp(time.Now()),
	}
}
