package bans

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically deactivates bans whose expiry has passed. Lookups
// already ignore expired rows; the timer keeps the active index small and
// frees the (subject, scope) slot for a fresh ban.
type Timer struct {
	oracle   *Oracle
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new ban expiry timer.
func NewTimer(oracle *Oracle, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		oracle:   oracle,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in ban expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expire(ctx)
}

func (t *Timer) expire(ctx context.Context) {
	const batchSize = 500
	total := 0

	for {
		n, err := t.oracle.ExpireBefore(ctx, t.oracle.now(), batchSize)
		total += n
		if err != nil {
			t.logger.Warn("failed to deactivate expired bans", "error", err)
			break
		}
		if n < batchSize {
			break
		}
	}

	if total > 0 {
		t.logger.Info("ban expiry sweep complete", "deactivated", total)
	}
}
