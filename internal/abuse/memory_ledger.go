package abuse

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/consignguard/internal/metrics"
)

// MemoryLedger keeps attempts in process. Each key owns a mutex-guarded
// bucket; the map itself is a sync.Map so unrelated keys never contend.
type MemoryLedger struct {
	buckets sync.Map // string → *bucket
}

type bucket struct {
	mu       sync.Mutex
	attempts []time.Time // append order, which is time order for one key
	lastSeen time.Time
	deleted  bool // set once the bucket has left the map
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Append(ctx context.Context, key string, a Attempt) error {
	for {
		v, loaded := l.buckets.LoadOrStore(key, &bucket{})
		if !loaded {
			metrics.LedgerActiveKeys.Inc()
		}
		b := v.(*bucket)

		b.mu.Lock()
		if b.deleted {
			// Lost a race with Sweep or Reset; retry on a fresh bucket.
			b.mu.Unlock()
			continue
		}
		b.attempts = append(b.attempts, a.At)
		if a.At.After(b.lastSeen) {
			b.lastSeen = a.At
		}
		b.mu.Unlock()
		return nil
	}
}

func (l *MemoryLedger) Prune(ctx context.Context, key string, windowStart time.Time) error {
	v, ok := l.buckets.Load(key)
	if !ok {
		return nil
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.attempts[:0]
	for _, at := range b.attempts {
		if !at.Before(windowStart) {
			kept = append(kept, at)
		}
	}
	clear(b.attempts[len(kept):])
	b.attempts = kept
	return nil
}

func (l *MemoryLedger) Count(ctx context.Context, key string, windowStart time.Time) (int, error) {
	v, ok := l.buckets.Load(key)
	if !ok {
		return 0, nil
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, at := range b.attempts {
		if !at.Before(windowStart) {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) Reset(ctx context.Context, key string) error {
	v, ok := l.buckets.LoadAndDelete(key)
	if !ok {
		return nil
	}
	b := v.(*bucket)
	b.mu.Lock()
	b.deleted = true
	b.attempts = nil
	b.mu.Unlock()
	metrics.LedgerActiveKeys.Dec()
	return nil
}

// Sweep removes buckets whose latest attempt is older than idleSince. The
// cutoff must be at least one policy window in the past, otherwise live
// attempts would be forgotten.
func (l *MemoryLedger) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		b := v.(*bucket)

		b.mu.Lock()
		if !b.deleted && b.lastSeen.Before(idleSince) && l.buckets.CompareAndDelete(k, v) {
			b.deleted = true
			b.attempts = nil
			removed++
			metrics.LedgerActiveKeys.Dec()
		}
		b.mu.Unlock()
		return true
	})
	if removed > 0 {
		metrics.LedgerSweptTotal.Add(float64(removed))
	}
	return removed, ctx.Err()
}

// Len reports the number of buckets held.
func (l *MemoryLedger) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

var _ Ledger = (*MemoryLedger)(nil)
