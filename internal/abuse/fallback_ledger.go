package abuse

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbd888/consignguard/internal/circuitbreaker"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/metrics"
)

// LedgerDependency is the circuit breaker key for the shared ledger.
const LedgerDependency = "shared_ledger"

// FallbackLedger uses a shared ledger while it is healthy and a local
// MemoryLedger while its circuit is open. Appends and resets are mirrored
// locally so a failover starts from recent history rather than zero.
type FallbackLedger struct {
	shared  Ledger
	local   *MemoryLedger
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	warn    rate.Sometimes
}

// NewFallbackLedger wraps shared with a local fallback guarded by breaker.
func NewFallbackLedger(shared Ledger, breaker *circuitbreaker.Breaker, logger *slog.Logger) *FallbackLedger {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FallbackLedger{
		shared:  shared,
		local:   NewMemoryLedger(),
		breaker: breaker,
		logger:  logger,
		warn:    rate.Sometimes{Interval: 30 * time.Second},
	}
}

// do runs op against the shared ledger and falls back to local on failure
// or while the circuit is open. Caller cancellation is returned as is.
func (f *FallbackLedger) do(ctx context.Context, op string, shared, local func() error) error {
	if f.breaker.Allow(LedgerDependency) {
		err := shared()
		if err == nil {
			f.breaker.Success(LedgerDependency)
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		f.breaker.Failure(LedgerDependency)
		f.warn.Do(func() {
			f.logger.Warn("shared ledger failed, using local fallback", "op", op, "error", err)
		})
	}
	metrics.LedgerFallbackTotal.Inc()
	return local()
}

func (f *FallbackLedger) Append(ctx context.Context, key string, a Attempt) error {
	_ = f.local.Append(ctx, key, a)
	return f.do(ctx, "append",
		func() error { return f.shared.Append(ctx, key, a) },
		func() error { return nil },
	)
}

func (f *FallbackLedger) Prune(ctx context.Context, key string, windowStart time.Time) error {
	_ = f.local.Prune(ctx, key, windowStart)
	return f.do(ctx, "prune",
		func() error { return f.shared.Prune(ctx, key, windowStart) },
		func() error { return nil },
	)
}

func (f *FallbackLedger) Count(ctx context.Context, key string, windowStart time.Time) (int, error) {
	var n int
	err := f.do(ctx, "count",
		func() error {
			var err error
			n, err = f.shared.Count(ctx, key, windowStart)
			return err
		},
		func() error {
			var err error
			n, err = f.local.Count(ctx, key, windowStart)
			return err
		},
	)
	return n, err
}

func (f *FallbackLedger) Reset(ctx context.Context, key string) error {
	_ = f.local.Reset(ctx, key)
	return f.do(ctx, "reset",
		func() error { return f.shared.Reset(ctx, key) },
		func() error { return nil },
	)
}

func (f *FallbackLedger) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	n, err := f.local.Sweep(ctx, idleSince)
	if err != nil {
		return n, err
	}
	m, err := f.shared.Sweep(ctx, idleSince)
	return n + m, err
}

// Degraded reports whether reads are currently served locally.
func (f *FallbackLedger) Degraded() bool {
	return f.breaker.State(LedgerDependency) != circuitbreaker.StateClosed
}

var _ Ledger = (*FallbackLedger)(nil)
