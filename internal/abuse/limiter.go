package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/consignguard/internal/bans"
	"github.com/mbd888/consignguard/internal/identity"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/metrics"
	"github.com/mbd888/consignguard/internal/traces"
)

// DefaultBanRetryAfter is reported for bans whose expiry is unknown.
const DefaultBanRetryAfter = time.Hour

// Status is the outcome of a limit check.
type Status string

const (
	StatusAllowed       Status = "allowed"
	StatusWindowBlocked Status = "window_blocked"
	StatusBanned        Status = "banned"
)

// LimitState is the decision for one bucket at one instant.
type LimitState struct {
	Status    Status    `json:"status"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	// BlockedUntil is set for blocked and banned states.
	BlockedUntil time.Time `json:"blockedUntil,omitempty"`
	Attempts     int       `json:"attempts"`
}

// Blocked reports whether the state denies the action.
func (s LimitState) Blocked() bool {
	return s.Status != StatusAllowed
}

// RetryAfter is how long until the state lifts, never negative.
func (s LimitState) RetryAfter(now time.Time) time.Duration {
	return max(s.ResetAt.Sub(now), 0)
}

// BanChecker answers ban queries. Implementations fail open.
type BanChecker interface {
	IsOriginBanned(ctx context.Context, origin string) bans.Lookup
	IsUserBanned(ctx context.Context, userID string) bans.Lookup
}

// ViolationLogger receives window-block violations.
type ViolationLogger interface {
	Log(ctx context.Context, action string, id identity.Identity, attempts int, policy Policy)
}

// EscalationPolicy decides whether an actor has earned a ban.
type EscalationPolicy interface {
	Consider(ctx context.Context, action string, id identity.Identity, attempts int)
}

// Limiter combines the policy table, the attempt ledger and ban lookups into
// allow, block and ban decisions.
type Limiter struct {
	registry  *Registry
	ledger    Ledger
	bans      BanChecker
	recorder  ViolationLogger
	escalator EscalationPolicy
	logger    *slog.Logger
	now       func() time.Time

	states sync.Map // bucket key → LimitState of the current block
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

func WithBanChecker(b BanChecker) LimiterOption {
	return func(l *Limiter) { l.bans = b }
}

func WithViolationLogger(v ViolationLogger) LimiterOption {
	return func(l *Limiter) { l.recorder = v }
}

func WithEscalation(e EscalationPolicy) LimiterOption {
	return func(l *Limiter) { l.escalator = e }
}

func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = logger }
}

// WithLimiterClock overrides the time source.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter over registry and ledger.
func NewLimiter(registry *Registry, ledger Ledger, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		registry: registry,
		ledger:   ledger,
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the policy table the limiter enforces.
func (l *Limiter) Registry() *Registry {
	return l.registry
}

// CheckLimit decides whether id may attempt action now. It does not record
// an attempt.
func (l *Limiter) CheckLimit(ctx context.Context, action string, id identity.Identity) (LimitState, error) {
	ctx, span := traces.StartSpan(ctx, "abuse.CheckLimit",
		traces.Action(action), traces.UserID(id.UserOrAnonymous()), traces.Origin(id.Origin))
	defer span.End()

	start := time.Now()
	policy := l.registry.Get(action)
	state, err := l.check(ctx, action, id, policy)
	metrics.LimitCheckDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		traces.Fail(span, err)
		return LimitState{}, err
	}

	metrics.LimitDecisionsTotal.WithLabelValues(policy.Action, string(state.Status)).Inc()
	span.SetAttributes(traces.Decision(string(state.Status)), traces.Remaining(state.Remaining))
	return state, nil
}

func (l *Limiter) check(ctx context.Context, action string, id identity.Identity, policy Policy) (LimitState, error) {
	now := l.now()

	banState, banned, err := l.checkBans(ctx, id, now)
	if err != nil {
		return LimitState{}, fmt.Errorf("abuse: ban lookup: %w", err)
	}
	if banned {
		return banState, nil
	}

	key := identity.Key(action, id)
	windowStart := now.Add(-policy.Window)
	if err := l.ledger.Prune(ctx, key, windowStart); err != nil {
		return LimitState{}, fmt.Errorf("abuse: prune %s: %w", key, err)
	}
	count, err := l.ledger.Count(ctx, key, windowStart)
	if err != nil {
		return LimitState{}, fmt.Errorf("abuse: count %s: %w", key, err)
	}

	// An active block holds even if the window has since drained.
	if v, ok := l.states.Load(key); ok {
		cached := v.(LimitState)
		if cached.BlockedUntil.After(now) {
			if count >= policy.MaxAttempts {
				l.escalate(ctx, action, id, count)
			}
			return cached, nil
		}
		l.states.CompareAndDelete(key, v)
	}

	if count >= policy.MaxAttempts {
		blockedUntil := now.Add(policy.BlockDuration)
		resetAt := blockedUntil
		if policy.BlockDuration == 0 {
			resetAt = now.Add(policy.Window)
		}
		state := LimitState{
			Status:       StatusWindowBlocked,
			ResetAt:      resetAt,
			BlockedUntil: blockedUntil,
			Attempts:     count,
		}
		l.states.Store(key, state)

		logging.L(ctx).Info("action blocked",
			"action", action,
			logging.Actor(id.UserID, id.Origin),
			"attempts", count,
			"max_attempts", policy.MaxAttempts,
			"blocked_until", blockedUntil,
		)
		if l.recorder != nil {
			l.recorder.Log(ctx, action, id, count, policy)
		}
		l.escalate(ctx, action, id, count)
		return state, nil
	}

	return LimitState{
		Status:    StatusAllowed,
		Remaining: policy.MaxAttempts - count,
		ResetAt:   now.Add(policy.Window),
		Attempts:  count,
	}, nil
}

func (l *Limiter) escalate(ctx context.Context, action string, id identity.Identity, count int) {
	if l.escalator != nil {
		l.escalator.Consider(ctx, action, id, count)
	}
}

// checkBans looks up the origin and the user concurrently. Store failures
// are absorbed by the checker; only the caller's own cancellation is
// returned, since a lookup cut short by it says nothing about the subject.
func (l *Limiter) checkBans(ctx context.Context, id identity.Identity, now time.Time) (LimitState, bool, error) {
	if l.bans == nil {
		return LimitState{}, false, nil
	}

	var (
		g            errgroup.Group
		origin, user bans.Lookup
	)
	if id.HasOrigin() {
		g.Go(func() error {
			origin = l.bans.IsOriginBanned(ctx, id.Origin)
			return ctx.Err()
		})
	}
	if id.HasUser() {
		g.Go(func() error {
			user = l.bans.IsUserBanned(ctx, id.UserID)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return LimitState{}, false, err
	}

	if !origin.Banned && !user.Banned {
		return LimitState{}, false, nil
	}

	var resetAt time.Time
	for _, lk := range []bans.Lookup{origin, user} {
		if lk.Banned && lk.ExpiresAt.After(resetAt) {
			resetAt = lk.ExpiresAt
		}
	}
	if !resetAt.After(now) {
		resetAt = now.Add(DefaultBanRetryAfter)
	}
	return LimitState{Status: StatusBanned, ResetAt: resetAt, BlockedUntil: resetAt}, true, nil
}

// RecordAttempt appends an attempt at now and returns the state that
// follows. Call it exactly once per real attempt.
func (l *Limiter) RecordAttempt(ctx context.Context, action string, id identity.Identity) (LimitState, error) {
	a := Attempt{
		ID:       uuid.NewString(),
		At:       l.now(),
		Action:   action,
		Identity: id,
	}
	if err := l.ledger.Append(ctx, identity.Key(action, id), a); err != nil {
		return LimitState{}, fmt.Errorf("abuse: record attempt: %w", err)
	}
	return l.CheckLimit(ctx, action, id)
}

// ResetLimit clears the bucket and any active window block for id. Bans are
// untouched; revoke those through the ban oracle.
func (l *Limiter) ResetLimit(ctx context.Context, action string, id identity.Identity) error {
	key := identity.Key(action, id)
	if err := l.ledger.Reset(ctx, key); err != nil {
		return fmt.Errorf("abuse: reset %s: %w", key, err)
	}
	l.states.Delete(key)
	logging.L(ctx).Info("limit reset", "action", action, logging.Actor(id.UserID, id.Origin))
	return nil
}

// Sweep evicts ledger buckets idle since idleSince and cached blocks that
// have lifted.
func (l *Limiter) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	now := l.now()
	l.states.Range(func(k, v any) bool {
		if !v.(LimitState).BlockedUntil.After(now) {
			l.states.CompareAndDelete(k, v)
		}
		return true
	})
	return l.ledger.Sweep(ctx, idleSince)
}
