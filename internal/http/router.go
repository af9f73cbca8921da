package http

import (
	"encoding/json"
	"net/http"

	streamapi "ai-speech-stream/internal/api/stream"
	"ai-speech-stream/internal/app"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Health is the /health response body.
type Health struct {
	Status            string  `json:"status"`
	Service           string  `json:"service"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ActiveConnections int     `json:"active_connections"`
}

// NewRouter constructs the HTTP router for the reference endpoint.
func NewRouter(application *app.Application, stream *streamapi.Server) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		h := Health{
			Status:            "ok",
			Service:           application.Cfg.Service.Principal,
			UptimeSeconds:     application.Uptime().Seconds(),
			ActiveConnections: stream.Active(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(h)
	})

	// Streaming and fallback routes. GET / upgrades like /ws when asked to.
	r.Get("/ws", stream.ServeHTTP)
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			stream.ServeHTTP(w, req)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ai-speech-stream: connect with a WebSocket or POST audio"))
	})
	r.Post("/", stream.Fallback)

	return r
}
