package abuse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/consignguard/internal/bans"
	"github.com/mbd888/consignguard/internal/identity"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/syncutil"
)

const (
	// DefaultBanDuration is how long an automatic ban lasts.
	DefaultBanDuration = 24 * time.Hour
	// DefaultEscalationTimeout bounds one escalation including retries.
	DefaultEscalationTimeout = 2 * time.Second
)

// BanCreator writes bans. *bans.Oracle implements it.
type BanCreator interface {
	CreateBan(ctx context.Context, req bans.CreateRequest) (*bans.Ban, error)
}

// Escalator turns persistent window violations into bans. A subject is
// banned once per crossing: a per-subject lock serializes escalation, a memo
// skips subjects whose automatic ban is still in effect, and the store
// upserts so that a race between instances extends rather than duplicates.
type Escalator struct {
	registry *Registry
	creator  BanCreator
	duration time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	locks *syncutil.KeyLock
	mu    sync.Mutex
	memo  map[string]time.Time // scope:subject → ban expiry
}

// EscalatorOption configures an Escalator.
type EscalatorOption func(*Escalator)

func WithBanDuration(d time.Duration) EscalatorOption {
	return func(e *Escalator) {
		if d > 0 {
			e.duration = d
		}
	}
}

func WithEscalationTimeout(d time.Duration) EscalatorOption {
	return func(e *Escalator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithEscalatorLogger(logger *slog.Logger) EscalatorOption {
	return func(e *Escalator) { e.logger = logger }
}

func WithEscalatorClock(now func() time.Time) EscalatorOption {
	return func(e *Escalator) { e.now = now }
}

// NewEscalator creates an escalator that bans through creator.
func NewEscalator(registry *Registry, creator BanCreator, opts ...EscalatorOption) *Escalator {
	e := &Escalator{
		registry: registry,
		creator:  creator,
		duration: DefaultBanDuration,
		timeout:  DefaultEscalationTimeout,
		logger:   logging.Discard(),
		now:      time.Now,
		locks:    syncutil.NewKeyLock(),
		memo:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Consider bans the origin and user behind id once attempts reaches the
// action's ban threshold. It runs detached from caller cancellation.
func (e *Escalator) Consider(ctx context.Context, action string, id identity.Identity, attempts int) {
	policy := e.registry.Get(action)
	threshold := policy.BanThreshold()
	if threshold == 0 || attempts < threshold {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	reason := "excessive " + action + " attempts"
	if id.HasOrigin() {
		e.ban(ctx, bans.ScopeOrigin, id.Origin, reason, attempts)
	}
	if id.HasUser() {
		e.ban(ctx, bans.ScopeUser, id.UserID, reason, attempts)
	}
}

func (e *Escalator) ban(ctx context.Context, scope bans.Scope, subject, reason string, attempts int) {
	key := string(scope) + ":" + subject
	if e.escalated(key) {
		return
	}

	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		e.logger.Warn("escalation lock timed out", "scope", scope, "subject", subject, "error", err)
		return
	}
	defer unlock()

	if e.escalated(key) {
		return
	}

	b, err := e.creator.CreateBan(ctx, bans.CreateRequest{
		SubjectID:     subject,
		Scope:         scope,
		Reason:        reason,
		Duration:      e.duration,
		AutoGenerated: true,
	})
	if err != nil {
		e.logger.Error("auto ban failed", "scope", scope, "subject", subject, "error", err)
		return
	}

	e.mu.Lock()
	e.memo[key] = b.ExpiresAt
	e.mu.Unlock()

	logging.L(ctx).Warn("subject auto-banned",
		"scope", scope,
		"subject", subject,
		"reason", reason,
		"attempts", attempts,
		"expires_at", b.ExpiresAt,
	)
}

func (e *Escalator) escalated(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.memo[key]
	if !ok {
		return false
	}
	if !e.now().Before(exp) {
		delete(e.memo, key)
		return false
	}
	return true
}

// Publish implements bans.Notifier. Revoking an automatic ban clears its
// memo so the subject can be escalated again.
func (e *Escalator) Publish(eventType string, data any) {
	if eventType != bans.EventBanRevoked {
		return
	}
	b, ok := data.(*bans.Ban)
	if !ok || !b.AutoGenerated {
		return
	}
	e.mu.Lock()
	delete(e.memo, string(b.Scope)+":"+b.SubjectID)
	e.mu.Unlock()
}

// Sweep drops memo entries whose bans have expired.
func (e *Escalator) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, exp := range e.memo {
		if !now.Before(exp) {
			delete(e.memo, k)
			n++
		}
	}
	return n
}

// Len reports how many subjects are memoized as banned.
func (e *Escalator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.memo)
}
