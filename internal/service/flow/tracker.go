// Package flow tracks chunks awaiting chunk_received acknowledgments and
// paces the send path against a credit limit.
//
// Acknowledgments are advisory. A chunk whose ack does not arrive within
// AckTimeout is flagged Unacknowledged and its credit is released; the
// tracker never blocks forever on a lost ack and never fails a session.
package flow

import (
	"context"
	"sync"
	"time"
)

// DefaultAckTimeout is how long a chunk may wait for its acknowledgment.
const DefaultAckTimeout = 2 * time.Second

// DefaultMaxUnacknowledged bounds how many flagged chunks are kept waiting
// for a late ack.
const DefaultMaxUnacknowledged = 256

// Config controls pacing.
type Config struct {
	// MaxInFlight caps unacknowledged chunks. Zero means unbounded: sends
	// never wait for acks.
	MaxInFlight int

	// AckTimeout releases the credit of a chunk whose ack never came.
	// Defaults to DefaultAckTimeout.
	AckTimeout time.Duration

	// MaxUnacknowledged caps the flagged chunks kept for late-ack
	// correlation; the oldest are dropped beyond it. Defaults to
	// DefaultMaxUnacknowledged.
	MaxUnacknowledged int

	// OnExpire is called, outside the tracker lock, for each chunk that
	// passes its ack deadline.
	OnExpire func(Pending)
}

// Pending tracks one chunk awaiting chunk_received.
type Pending struct {
	Sequence       uint64
	Size           int
	SentAt         time.Time
	AckDeadline    time.Time
	Unacknowledged bool
}

// Ack is an inbound acknowledgment. The reference endpoint only reports the
// chunk size, so Sequence is usually nil and acks correlate in send order.
type Ack struct {
	ChunkSize int
	Sequence  *uint64
}

// AckResult reports how an Ack was correlated.
type AckResult struct {
	Matched      bool
	Sequence     uint64
	Late         bool
	SizeMismatch bool
	Latency      time.Duration
}

// Stats are cumulative counters for telemetry.
type Stats struct {
	Sent       uint64
	Acked      uint64
	Late       uint64
	Stray      uint64
	Mismatched uint64
	Expired    uint64
	// Dropped counts flagged chunks forgotten before any ack matched them.
	Dropped uint64
}

// Tracker is safe for concurrent use by the send path and the receive loop.
type Tracker struct {
	mu          sync.Mutex
	cfg         Config
	queue       []Pending
	outstanding int
	flagged     int
	stats       Stats
	changed     chan struct{}
	now         func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxUnacknowledged <= 0 {
		cfg.MaxUnacknowledged = DefaultMaxUnacknowledged
	}
	return &Tracker{
		cfg:     cfg,
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// Outstanding returns the number of chunks holding credit.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Pending returns the chunks not yet acknowledged, oldest first, including
// those already flagged Unacknowledged.
func (t *Tracker) Pending() []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pending, len(t.queue))
	copy(out, t.queue)
	return out
}

// OnSend records a transmitted chunk and takes one credit.
func (t *Tracker) OnSend(sequence uint64, size int, sentAt time.Time) {
	t.mu.Lock()
	t.queue = append(t.queue, Pending{
		Sequence:    sequence,
		Size:        size,
		SentAt:      sentAt,
		AckDeadline: sentAt.Add(t.cfg.AckTimeout),
	})
	t.outstanding++
	t.stats.Sent++
	t.mu.Unlock()
}

// Revert undoes OnSend for a chunk whose write failed, returning its credit.
func (t *Tracker) Revert(sequence uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.queue) - 1; i >= 0; i-- {
		p := t.queue[i]
		if p.Sequence != sequence {
			continue
		}
		t.queue = append(t.queue[:i], t.queue[i+1:]...)
		if p.Unacknowledged {
			t.flagged--
		} else {
			t.outstanding--
			t.signalLocked()
		}
		t.stats.Sent--
		return
	}
}

// OnAck correlates an acknowledgment with a pending chunk and returns its
// credit. Acks with nothing to match are counted as stray.
func (t *Tracker) OnAck(ack Ack, at time.Time) AckResult {
	t.mu.Lock()
	expired := t.expireLocked(at)

	idx := -1
	if ack.Sequence != nil {
		for i := range t.queue {
			if t.queue[i].Sequence == *ack.Sequence {
				idx = i
				break
			}
		}
	} else if len(t.queue) > 0 {
		idx = 0
	}

	var res AckResult
	if idx < 0 {
		t.stats.Stray++
	} else {
		p := t.queue[idx]
		t.queue = append(t.queue[:idx], t.queue[idx+1:]...)
		if p.Unacknowledged {
			t.flagged--
		}
		if ack.Sequence != nil {
			// Flagged chunks older than an acknowledged one will not be acked.
			t.dropFlaggedLocked(func(q Pending) bool { return q.Sequence < p.Sequence })
		}
		res = AckResult{
			Matched:      true,
			Sequence:     p.Sequence,
			Late:         p.Unacknowledged,
			SizeMismatch: ack.ChunkSize != p.Size,
			Latency:      at.Sub(p.SentAt),
		}
		t.stats.Acked++
		if res.Late {
			t.stats.Late++
		} else {
			t.outstanding--
			t.signalLocked()
		}
		if res.SizeMismatch {
			t.stats.Mismatched++
		}
	}
	t.mu.Unlock()

	t.notifyExpired(expired)
	return res
}

// Expire flags every chunk past its ack deadline and releases its credit.
func (t *Tracker) Expire(now time.Time) []Pending {
	t.mu.Lock()
	expired := t.expireLocked(now)
	t.mu.Unlock()

	t.notifyExpired(expired)
	return expired
}

// Acquire blocks until a send may proceed under MaxInFlight, or ctx ends.
// Waiting is bounded by the oldest ack deadline, so a lost ack delays the
// sender by at most AckTimeout.
func (t *Tracker) Acquire(ctx context.Context) error {
	for {
		t.mu.Lock()
		expired := t.expireLocked(t.now())
		if t.cfg.MaxInFlight <= 0 || t.outstanding < t.cfg.MaxInFlight {
			t.mu.Unlock()
			t.notifyExpired(expired)
			return nil
		}
		changed := t.changed
		wait := t.nextDeadlineLocked().Sub(t.now())
		t.mu.Unlock()
		t.notifyExpired(expired)

		timer := time.NewTimer(max(wait, time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (t *Tracker) expireLocked(now time.Time) []Pending {
	var expired []Pending
	for i := range t.queue {
		p := &t.queue[i]
		if p.Unacknowledged || now.Before(p.AckDeadline) {
			continue
		}
		p.Unacknowledged = true
		t.outstanding--
		t.flagged++
		t.stats.Expired++
		expired = append(expired, *p)
	}
	if len(expired) > 0 {
		t.signalLocked()
	}
	if excess := t.flagged - t.cfg.MaxUnacknowledged; excess > 0 {
		t.dropFlaggedLocked(func(Pending) bool {
			if excess == 0 {
				return false
			}
			excess--
			return true
		})
	}
	return expired
}

// dropFlaggedLocked removes flagged chunks, oldest first, while drop
// returns true for them.
func (t *Tracker) dropFlaggedLocked(drop func(Pending) bool) {
	kept := t.queue[:0]
	for _, p := range t.queue {
		if p.Unacknowledged && drop(p) {
			t.flagged--
			t.stats.Dropped++
			continue
		}
		kept = append(kept, p)
	}
	clear(t.queue[len(kept):])
	t.queue = kept
}

// nextDeadlineLocked returns the earliest deadline still holding credit.
func (t *Tracker) nextDeadlineLocked() time.Time {
	var next time.Time
	for _, p := range t.queue {
		if p.Unacknowledged {
			continue
		}
		if next.IsZero() || p.AckDeadline.Before(next) {
			next = p.AckDeadline
		}
	}
	return next
}

func (t *Tracker) signalLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Tracker) notifyExpired(expired []Pending) {
	if t.cfg.OnExpire == nil {
		return
	}
	for _, p := range expired {
		t.cfg.OnExpire(p)
	}
}
