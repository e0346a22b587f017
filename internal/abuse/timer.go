package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically evicts idle ledger buckets, lifted block states and
// expired escalation memos.
type Sweeper struct {
	limiter   *Limiter
	escalator *Escalator
	interval  time.Duration
	idleTTL   time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewSweeper creates a sweeper. Buckets idle for longer than idleTTL, or
// the registry's longest window if that is larger, are evicted. escalator
// may be nil.
func NewSweeper(limiter *Limiter, escalator *Escalator, interval, idleTTL time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	idleTTL = max(idleTTL, limiter.Registry().LongestWindow())
	return &Sweeper{
		limiter:   limiter,
		escalator: escalator,
		interval:  interval,
		idleTTL:   idleTTL,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in ledger sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.limiter.now()
	evicted, err := s.limiter.Sweep(ctx, now.Add(-s.idleTTL))
	if err != nil {
		s.logger.Warn("ledger sweep failed", "error", err)
	}

	memos := 0
	if s.escalator != nil {
		memos = s.escalator.Sweep(now)
	}

	if evicted > 0 || memos > 0 {
		s.logger.Debug("ledger sweep complete", "buckets_evicted", evicted, "memos_expired", memos)
	}
}
