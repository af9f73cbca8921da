// Package streamapi exposes the reference endpoint: a WebSocket route that
// runs one audio.Handler per connection and the non-streaming POST fallback.
package streamapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/observability/metrics"
	"ai-speech-stream/internal/service/audio"
	"ai-speech-stream/internal/service/reply"
	"ai-speech-stream/internal/service/stt"
	"ai-speech-stream/internal/transport/wsconn"
)

// Server upgrades requests to WebSocket and serves them.
type Server struct {
	upgrader  websocket.Upgrader
	recognize stt.Factory
	replies   *reply.Generator
	cfg       audio.Config
	connCfg   wsconn.Config
	metrics   *metrics.Metrics
	onResult  func(context.Context, audio.Result)
	log       zerolog.Logger

	mu      sync.Mutex
	closing bool
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithConnConfig sets the per-connection WebSocket settings.
func WithConnConfig(cfg wsconn.Config) Option {
	return func(s *Server) { s.connCfg = cfg }
}

// WithMetrics overrides metrics.DefaultMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithResultHook is passed to every connection handler.
func WithResultHook(fn func(context.Context, audio.Result)) Option {
	return func(s *Server) { s.onResult = fn }
}

// NewServer creates a Server. Call Shutdown to end open connections.
func NewServer(recognize stt.Factory, replies *reply.Generator, cfg audio.Config, opts ...Option) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		recognize: recognize,
		replies:   replies,
		cfg:       cfg,
		metrics:   metrics.DefaultMetrics,
		log:       logging.WithComponent("stream-server"),
		base:      base,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Active returns the number of open connections.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	conn := wsconn.New(ws, s.connCfg)
	id := uuid.NewString()
	log := logging.WithConnection(id, conn.RemoteAddr())
	s.metrics.RecordConnectionOpen()
	log.Info().Msg("Connection opened")

	opts := []audio.Option{audio.WithLogger(log), audio.WithMetrics(s.metrics)}
	if s.onResult != nil {
		opts = append(opts, audio.WithResultHook(s.onResult))
	}
	h := audio.NewHandler(conn, id, s.recognize, s.replies, s.cfg, opts...)

	err = h.Serve(s.base)
	reason := closeReason(err)
	if reason == "shutdown" {
		conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	} else {
		conn.Close()
	}
	s.metrics.RecordConnectionClose(reason)
	log.Info().Str("reason", reason).Int("utterances", h.Utterances()).Msg("Connection closed")
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return audio.ReasonIdleTimeout
	case errors.Is(err, wsconn.ErrClosed):
		return "peer_closed"
	case errors.Is(err, context.Canceled):
		return "shutdown"
	default:
		return "error"
	}
}

// Shutdown ends every open connection and waits for their handlers, or for
// ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
