// Package ledger stores claimed session ids in Redis so that clients in
// different processes never reuse one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-speech-stream/internal/service/session"
)

// ErrInvalidID is returned for an empty session id.
var ErrInvalidID = errors.New("ledger: invalid session id")

// claimedState marks an id whose session has not reached a terminal state.
const claimedState = "CLAIMED"

// RedisLedger implements session.Ledger on Redis keys <prefix>:session:<id>.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Option configures a RedisLedger.
type Option func(*RedisLedger)

// WithTTL sets how long a used id is remembered. Zero means forever.
func WithTTL(ttl time.Duration) Option {
	return func(l *RedisLedger) {
		l.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(l *RedisLedger) {
		l.prefix = prefix
	}
}

// NewRedisLedger wraps client.
func NewRedisLedger(client *redis.Client, opts ...Option) *RedisLedger {
	l := &RedisLedger{
		client: client,
		ttl:    24 * time.Hour,
		prefix: "speech-stream",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Claim marks id as used. It returns false if the key already existed.
func (l *RedisLedger) Claim(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	ok, err := l.client.SetNX(ctx, l.key(id), claimedState, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Retire records the final state of id, keeping the claim in place.
func (l *RedisLedger) Retire(ctx context.Context, id string, st session.State) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := l.client.Set(ctx, l.key(id), st.String(), l.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Lookup returns the recorded state of id: "CLAIMED" while it runs, then
// COMPLETED or ERRORED. ok is false for an unknown id.
func (l *RedisLedger) Lookup(ctx context.Context, id string) (state string, ok bool, err error) {
	state, err = l.client.Get(ctx, l.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return state, true, nil
}

// Ping checks connectivity.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) key(id string) string {
	return l.prefix + ":session:" + id
}

var _ session.Ledger = (*RedisLedger)(nil)
