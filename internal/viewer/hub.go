// Package viewer relays published session events from Kafka to browsers
// over WebSocket.
package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/observability/metrics"
)

const (
	broadcastBuffer = 100
	writeWait       = 5 * time.Second
)

// Event is what browsers receive: one consumed message with its origin.
type Event struct {
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	EventType string          `json:"eventType"`
	Event     json.RawMessage `json:"event"`
}

// Hub manages WebSocket connections. All client bookkeeping happens on the
// Run goroutine.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int32
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewHub creates a Hub. Call Run before serving clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, broadcastBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		metrics:    metrics.DefaultMetrics,
		log:        logging.WithComponent("viewer-hub"),
	}
}

// Run serves the hub until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
		h.setCount()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.clients[conn] = true
			h.setCount()
			h.log.Info().Int("clients", len(h.clients)).Msg("Viewer connected")

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				h.setCount()
				h.log.Info().Int("clients", len(h.clients)).Msg("Viewer disconnected")
			}

		case event := <-h.broadcast:
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(event); err != nil {
					h.log.Debug().Err(err).Msg("Viewer write failed")
					conn.Close()
					delete(h.clients, conn)
					h.setCount()
				}
			}
		}
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

func (h *Hub) setCount() {
	h.count.Store(int32(len(h.clients)))
	h.metrics.SetViewerClients(len(h.clients))
}

// Broadcast queues event for every client. It blocks while the queue is
// full, until ctx ends or the hub stops.
func (h *Hub) Broadcast(ctx context.Context, event Event) error {
	select {
	case <-h.done:
		return context.Canceled
	default:
	}
	select {
	case h.broadcast <- event:
		return nil
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and registers the client. Inbound messages
// are read and dropped so a disconnect is noticed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
