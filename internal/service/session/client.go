package session

import (
	"context"
	"fmt"
	"time"

	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/observability/metrics"

	"github.com/rs/zerolog"
)

// Dialer opens a new connection for one session.
type Dialer func(ctx context.Context) (Transport, error)

// Ledger shares used session ids between clients. Claim reports false if
// id was claimed before, by anyone.
type Ledger interface {
	Claim(ctx context.Context, id string) (bool, error)
	Retire(ctx context.Context, id string, st State) error
}

const ledgerRetireTimeout = 5 * time.Second

// Client opens sessions over connections produced by a Dialer.
type Client struct {
	dial     Dialer
	cfg      Config
	opts     []Option
	registry *Registry
	ledger   Ledger
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewClient returns a Client. opts are applied to every session it opens.
func NewClient(dial Dialer, cfg Config, opts ...Option) *Client {
	return &Client{
		dial:     dial,
		cfg:      cfg,
		opts:     opts,
		registry: NewRegistry(),
		log:      logging.WithComponent("session-client"),
		metrics:  metrics.DefaultMetrics,
	}
}

// Registry exposes the ids this client has used.
func (c *Client) Registry() *Registry { return c.registry }

// SetLedger makes Open also claim ids in l, so ids stay unique across
// processes. Call it before the first Open.
func (c *Client) SetLedger(l Ledger) { c.ledger = l }

// Open dials a connection and starts a session on it. An empty id gets a
// generated one. Ids are never reused; a failed dial also retires the id.
func (c *Client) Open(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = NewID()
	}
	if err := c.registry.Reserve(id); err != nil {
		c.metrics.RecordReuseDenied()
		return nil, err
	}
	if c.ledger != nil {
		ok, err := c.ledger.Claim(ctx, id)
		if err != nil {
			c.registry.Finish(id, StateErrored)
			return nil, fmt.Errorf("claim session id %s: %w", id, err)
		}
		if !ok {
			c.registry.Finish(id, StateErrored)
			c.metrics.RecordReuseDenied()
			return nil, fmt.Errorf("%w: %s was claimed by another client", ErrSessionReused, id)
		}
	}

	tr, err := c.dial(ctx)
	if err != nil {
		c.finish(id, StateErrored)
		c.log.Error().Err(err).Str("sessionId", id).Msg("Failed to connect")
		return nil, fmt.Errorf("%w: dial: %v", ErrConnectionFailure, err)
	}

	opts := append([]Option{}, c.opts...)
	opts = append(opts, WithTerminalHook(func(s *Session) {
		c.finish(s.ID(), s.State())
	}))
	s := New(id, tr, c.cfg, opts...)
	c.registry.Attach(s)

	if err := s.Start(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (c *Client) finish(id string, st State) {
	c.registry.Finish(id, st)
	if c.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerRetireTimeout)
	defer cancel()
	if err := c.ledger.Retire(ctx, id, st); err != nil {
		c.log.Warn().Err(err).Str("sessionId", id).Msg("Failed to retire session id")
	}
}
