package bans

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mbd888/consignguard/internal/circuitbreaker"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/metrics"
	"github.com/mbd888/consignguard/internal/retry"
)

// BreakerDependency is the circuit breaker key used for the ban store.
const BreakerDependency = "ban_store"

// DefaultLookupTimeout bounds a single ban lookup.
const DefaultLookupTimeout = 250 * time.Millisecond

// Oracle answers ban queries for the rate limiter and creates bans for the
// escalator and the admin API.
type Oracle struct {
	store    Store
	breaker  *circuitbreaker.Breaker
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
	failOpen bool
	now      func() time.Time
	warn     rate.Sometimes
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithBreaker short-circuits lookups while the store's circuit is open.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(o *Oracle) { o.breaker = b }
}

// WithNotifier publishes ban lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(o *Oracle) { o.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.logger = l }
}

// WithLookupTimeout bounds each store read.
func WithLookupTimeout(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithFailOpen sets how store errors resolve. With failOpen false an
// unreachable store reports the subject as banned.
func WithFailOpen(failOpen bool) Option {
	return func(o *Oracle) { o.failOpen = failOpen }
}

func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// NewOracle wraps store. Lookups fail open unless configured otherwise.
func NewOracle(store Store, opts ...Option) *Oracle {
	o := &Oracle{
		store:    store,
		logger:   logging.Discard(),
		timeout:  DefaultLookupTimeout,
		failOpen: true,
		now:      time.Now,
		warn:     rate.Sometimes{Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IsOriginBanned reports whether the network origin has a ban in effect.
func (o *Oracle) IsOriginBanned(ctx context.Context, origin string) Lookup {
	return o.IsBanned(ctx, ScopeOrigin, origin)
}

// IsUserBanned reports whether the user has a ban in effect.
func (o *Oracle) IsUserBanned(ctx context.Context, userID string) Lookup {
	return o.IsBanned(ctx, ScopeUser, userID)
}

// IsBanned looks up subject under scope. It never returns an error: store
// failures resolve to the configured fail-open or fail-closed answer.
func (o *Oracle) IsBanned(ctx context.Context, scope Scope, subjectID string) Lookup {
	if subjectID == "" {
		return Lookup{}
	}

	if o.breaker != nil && !o.breaker.Allow(BreakerDependency) {
		return o.degraded(ctx, scope, subjectID, "circuit_open", nil)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ban, err := o.store.FindActive(lookupCtx, scope, subjectID, o.now())
	switch {
	case err == nil:
		o.success()
		return Lookup{Banned: true, ExpiresAt: ban.ExpiresAt, BanID: ban.ID}
	case errors.Is(err, ErrNotFound):
		o.success()
		return Lookup{}
	case errors.Is(err, ErrAccessDenied):
		// A policy refusal is not an outage; leave the breaker alone.
		return o.degraded(ctx, scope, subjectID, "access_denied", err)
	case ctx.Err() != nil:
		// The caller gave up (cancelled or its own deadline passed). That
		// says nothing about the store, so the breaker is left alone.
		return o.degraded(ctx, scope, subjectID, "cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		o.failure()
		return o.degraded(ctx, scope, subjectID, "timeout", err)
	default:
		o.failure()
		return o.degraded(ctx, scope, subjectID, "error", err)
	}
}

func (o *Oracle) degraded(ctx context.Context, scope Scope, subjectID, reason string, err error) Lookup {
	metrics.BanLookupFailuresTotal.WithLabelValues(string(scope), reason).Inc()
	o.warn.Do(func() {
		logging.L(ctx).Warn("ban lookup degraded",
			"scope", scope,
			"subject", subjectID,
			"reason", reason,
			"fail_open", o.failOpen,
			"error", err,
		)
	})
	if o.failOpen {
		return Lookup{Degraded: true}
	}
	return Lookup{Banned: true, Degraded: true}
}

func (o *Oracle) success() {
	if o.breaker != nil {
		o.breaker.Success(BreakerDependency)
	}
}

func (o *Oracle) failure() {
	if o.breaker != nil {
		o.breaker.Failure(BreakerDependency)
	}
}

// CreateBan creates a ban or extends the active ban sharing its
// (subject, scope, autoGenerated) triple. Transient store errors are retried.
func (o *Oracle) CreateBan(ctx context.Context, req CreateRequest) (*Ban, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := o.now()
	candidate := &Ban{
		ID:            "ban_" + uuid.NewString(),
		SubjectID:     req.SubjectID,
		Scope:         req.Scope,
		Reason:        req.Reason,
		Active:        true,
		AutoGenerated: req.AutoGenerated,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(req.Duration),
	}

	var (
		stored  *Ban
		created bool
	)
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		stored, created, err = o.store.Upsert(ctx, candidate)
		if errors.Is(err, ErrAccessDenied) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		o.logger.Error("ban upsert failed",
			"scope", req.Scope, "subject", req.SubjectID, "error", err)
		return nil, err
	}

	source := "manual"
	if req.AutoGenerated {
		source = "auto"
	}
	metrics.BansCreatedTotal.WithLabelValues(string(req.Scope), source).Inc()

	event := EventBanExtended
	if created {
		event = EventBanCreated
	}
	o.logger.Info("ban written",
		"event", event,
		"ban_id", stored.ID,
		"scope", stored.Scope,
		"subject", stored.SubjectID,
		"expires_at", stored.ExpiresAt,
		"source", source,
	)
	o.publish(event, stored)
	return stored, nil
}

// Revoke deactivates a ban ahead of its expiry.
func (o *Oracle) Revoke(ctx context.Context, id string) (*Ban, error) {
	b, err := o.store.Revoke(ctx, id, o.now())
	if err != nil {
		return nil, err
	}
	o.logger.Info("ban revoked", "ban_id", b.ID, "scope", b.Scope, "subject", b.SubjectID)
	o.publish(EventBanRevoked, b)
	return b, nil
}

func (o *Oracle) Get(ctx context.Context, id string) (*Ban, error) {
	return o.store.Get(ctx, id)
}

func (o *Oracle) List(ctx context.Context, f ListFilter) ([]*Ban, error) {
	return o.store.List(ctx, f)
}

// ExpireBefore deactivates up to limit bans whose expiry is at or before now.
func (o *Oracle) ExpireBefore(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := o.store.DeactivateExpired(ctx, now, limit)
	if n > 0 {
		metrics.BansExpiredTotal.Add(float64(n))
	}
	return n, err
}

// Ping checks store reachability for readiness checks.
func (o *Oracle) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

func (o *Oracle) publish(eventType string, b *Ban) {
	if o.notifier != nil {
		o.notifier.Publish(eventType, b)
	}
}
