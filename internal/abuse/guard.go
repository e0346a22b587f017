package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/consignguard/internal/identity"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/metrics"
	"github.com/mbd888/consignguard/internal/traces"
)

// ErrRateLimited matches every *RateLimitError under errors.Is.
var ErrRateLimited = errors.New("abuse: rate limited")

// RateLimitError is returned by Execute when the actor is blocked or banned.
type RateLimitError struct {
	Action     string
	Status     Status
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("abuse: %s %s, retry after %s", e.Action, e.Status, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Minutes is RetryAfter rounded up to whole minutes, at least 1.
func (e *RateLimitError) Minutes() int {
	return max(int(math.Ceil(e.RetryAfter.Minutes())), 1)
}

// UserMessage is the text shown to the end user.
func (e *RateLimitError) UserMessage() string {
	if e.Minutes() == 1 {
		return "Too many attempts. Please try again in 1 minute."
	}
	return fmt.Sprintf("Too many attempts. Please try again in %d minutes.", e.Minutes())
}

// Guard wraps operations with check, execute and record.
type Guard struct {
	limiter *Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard over limiter.
func NewGuard(limiter *Limiter, opts ...GuardOption) *Guard {
	g := &Guard{limiter: limiter, logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limiter returns the underlying limiter.
func (g *Guard) Limiter() *Limiter {
	return g.limiter
}

// admit checks the limit. A nil error means the call may proceed; a check
// that fails on its own is logged and admitted. A caller that is already
// gone gets its context error back and nothing runs.
func (g *Guard) admit(ctx context.Context, action string, id identity.Identity) error {
	state, err := g.limiter.CheckLimit(ctx, action, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logging.L(ctx).Warn("limit check failed, allowing",
			"action", action, logging.Actor(id.UserID, id.Origin), "error", err)
		return nil
	}
	if !state.Blocked() {
		return nil
	}
	return &RateLimitError{
		Action:     action,
		Status:     state.Status,
		RetryAfter: state.RetryAfter(g.now()),
		ResetAt:    state.ResetAt,
	}
}

// record logs the attempt detached from caller cancellation.
func (g *Guard) record(ctx context.Context, action string, id identity.Identity) {
	if _, err := g.limiter.RecordAttempt(context.WithoutCancel(ctx), action, id); err != nil {
		logging.L(ctx).Error("record attempt failed",
			"action", action, logging.Actor(id.UserID, id.Origin), "error", err)
	}
}

func (g *Guard) metricAction(action string) string {
	return g.limiter.Registry().Get(action).Action
}

// Execute runs op for id if action is not limited. A denied call returns a
// *RateLimitError and op never runs. Otherwise op runs once and the attempt
// is recorded afterwards whether op succeeds, fails or panics; op's result
// and error are returned unchanged.
func Execute[T any](ctx context.Context, g *Guard, action string, id identity.Identity, op func(context.Context) (T, error)) (T, error) {
	ctx, span := traces.StartSpan(ctx, "abuse.Execute",
		traces.Action(action), traces.UserID(id.UserOrAnonymous()), traces.Origin(id.Origin))
	defer span.End()

	label := g.metricAction(action)
	if err := g.admit(ctx, action, id); err != nil {
		var zero T
		outcome := deniedOutcome(err)
		metrics.GuardedOperationsTotal.WithLabelValues(label, outcome).Inc()
		span.SetAttributes(traces.Decision(outcome))
		return zero, err
	}

	outcome := "panic"
	defer func() {
		g.record(ctx, action, id)
		metrics.GuardedOperationsTotal.WithLabelValues(label, outcome).Inc()
	}()

	result, err := op(ctx)
	if err != nil {
		outcome = "error"
		traces.Fail(span, err)
	} else {
		outcome = "ok"
	}
	return result, err
}

// deniedOutcome labels a call that admit turned away.
func deniedOutcome(err error) string {
	if errors.Is(err, ErrRateLimited) {
		return "denied"
	}
	return "cancelled"
}

// Do is Execute for operations without a result.
func (g *Guard) Do(ctx context.Context, action string, id identity.Identity, op func(context.Context) error) error {
	_, err := Execute(ctx, g, action, id, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
