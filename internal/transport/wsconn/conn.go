// Package wsconn carries protocol frames over a gorilla WebSocket. One
// goroutine owns all reads; writes are serialized with a per-write deadline.
package wsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Default connection constants.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024 // 16MB
	DefaultCloseGracePeriod = 2 * time.Second
	DefaultReadBuffer       = 32
)

// ErrClosed is returned once the connection is closed, by either side.
var ErrClosed = errors.New("wsconn: connection closed")

// Config configures the WebSocket connection behavior.
type Config struct {
	// URL is the WebSocket endpoint URL. Only used by Dial.
	URL string

	// Headers are sent during the WebSocket handshake.
	Headers http.Header

	// TLS overrides the client TLS configuration for wss:// URLs.
	TLS *tls.Config

	// DialTimeout is the handshake timeout. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteWait is the write deadline for each message. Defaults to DefaultWriteWait.
	WriteWait time.Duration

	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// CloseGracePeriod is the deadline for writing the close frame.
	CloseGracePeriod time.Duration

	// ReadBuffer is how many inbound frames the read pump may queue.
	ReadBuffer int
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = DefaultReadBuffer
	}
}

// Conn is a protocol.Frame transport over one WebSocket.
type Conn struct {
	cfg  Config
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex // serializes writes (gorilla/websocket requirement)

	frames  chan protocol.Frame
	readErr error // set before frames is closed

	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.defaults()

	tlsConfig := cfg.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		TLSClientConfig:  tlsConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("failed to connect to %s (status %d): %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := New(conn, cfg)
	c.log.Debug().Str("url", cfg.URL).Msg("WebSocket connected")
	return c, nil
}

// New wraps an established connection, client or server side, and starts
// its read pump.
func New(conn *websocket.Conn, cfg Config) *Conn {
	cfg.defaults()
	conn.SetReadLimit(cfg.MaxMessageSize)

	c := &Conn{
		cfg:     cfg,
		conn:    conn,
		log:     logging.WithComponent("wsconn").With().Str("remoteAddr", conn.RemoteAddr().String()).Logger(),
		frames:  make(chan protocol.Frame, cfg.ReadBuffer),
		closeCh: make(chan struct{}),
	}
	go c.readPump()
	return c
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) readPump() {
	defer close(c.frames)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = classify(err)
			return
		}

		var f protocol.Frame
		switch msgType {
		case websocket.TextMessage:
			f = protocol.TextFrame(data)
		case websocket.BinaryMessage:
			f = protocol.Frame{Binary: true, Data: data}
		default:
			continue
		}

		select {
		case c.frames <- f:
		case <-c.closeCh:
			c.readErr = ErrClosed
			return
		}
	}
}

func classify(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// Send writes one frame. The write deadline is WriteWait or ctx's deadline,
// whichever is sooner.
func (c *Conn) Send(ctx context.Context, f protocol.Frame) error {
	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	msgType := websocket.TextMessage
	if f.Binary {
		msgType = websocket.BinaryMessage
	}
	if err := c.conn.WriteMessage(msgType, f.Data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive returns the next inbound frame. It blocks until a frame arrives,
// the connection ends, or ctx is done. Canceling ctx never leaves a read
// behind: the pump keeps the frame for the next call.
func (c *Conn) Receive(ctx context.Context) (protocol.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			if c.readErr != nil {
				return protocol.Frame{}, c.readErr
			}
			return protocol.Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-c.closeCh:
		return protocol.Frame{}, ErrClosed
	}
}

// Close sends a close frame and closes the connection. Safe to call more
// than once.
func (c *Conn) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason closes with the given close code and text.
func (c *Conn) CloseWithReason(code int, text string) error {
	c.closeOnce.Do(func() {
		close(c.closeCh)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, text)
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.CloseGracePeriod))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()

		c.closeErr = c.conn.Close()
		c.log.Debug().Int("code", code).Msg("WebSocket closed")
	})
	return c.closeErr
}
