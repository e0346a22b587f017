// Package bans persists long-lived bans against users and network origins and
// answers "is this subject banned?" for the rate limiter.
//
// Lookups fail open: when the store is unreachable or refuses access, the
// subject is reported as not banned so that a store outage degrades
// protection instead of locking every customer out of the storefront.
// Ban creation is an upsert keyed by (subject, scope, autoGenerated) so that
// repeated or concurrent escalations extend one ban instead of stacking
// duplicates.
package bans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/consignguard/internal/pagination"
)

// Errors
var (
	ErrNotFound       = errors.New("bans: not found")
	ErrAccessDenied   = errors.New("bans: access denied by store")
	ErrInvalidScope   = errors.New("bans: scope must be 'user' or 'origin'")
	ErrInvalidSubject = errors.New("bans: subject is required")
	ErrInvalidTTL     = errors.New("bans: duration must be positive")
	ErrAlreadyRevoked = errors.New("bans: already revoked")
)

// Scope says what kind of subject a ban applies to.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeOrigin Scope = "origin"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeUser || s == ScopeOrigin
}

// Ban is a persisted ban record.
type Ban struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subjectId"`
	Scope         Scope      `json:"scope"`
	Reason        string     `json:"reason"`
	Active        bool       `json:"active"`
	AutoGenerated bool       `json:"autoGenerated"`
	TriggerCount  int        `json:"triggerCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
}

// InEffect reports whether the ban blocks its subject at now.
func (b *Ban) InEffect(now time.Time) bool {
	return b.Active && now.Before(b.ExpiresAt)
}

// CreateRequest describes a ban to create or extend.
type CreateRequest struct {
	SubjectID     string
	Scope         Scope
	Reason        string
	Duration      time.Duration
	AutoGenerated bool
}

// Validate checks the request fields.
func (r CreateRequest) Validate() error {
	if !r.Scope.Valid() {
		return ErrInvalidScope
	}
	if r.SubjectID == "" {
		return ErrInvalidSubject
	}
	if r.Duration <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// Lookup is the answer to a ban query.
type Lookup struct {
	Banned    bool      `json:"banned"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	BanID     string    `json:"banId,omitempty"`
	// Degraded is set when the answer came from the fail-open/fail-closed
	// path rather than from the store.
	Degraded bool `json:"degraded,omitempty"`
}

// ListFilter narrows a List call.
type ListFilter struct {
	Scope      Scope
	SubjectID  string
	ActiveOnly bool
	Cursor     *pagination.Cursor
	Limit      int
}

// Store persists bans.
type Store interface {
	// FindActive returns the in-effect ban for subject with the latest
	// expiry, or ErrNotFound.
	FindActive(ctx context.Context, scope Scope, subjectID string, now time.Time) (*Ban, error)
	// Upsert inserts ban, or extends the active ban sharing its
	// (subject, scope, autoGenerated) triple. created reports which happened.
	Upsert(ctx context.Context, ban *Ban) (stored *Ban, created bool, err error)
	Get(ctx context.Context, id string) (*Ban, error)
	List(ctx context.Context, filter ListFilter) ([]*Ban, error)
	Revoke(ctx context.Context, id string, at time.Time) (*Ban, error)
	// DeactivateExpired flips up to limit expired active bans to inactive.
	DeactivateExpired(ctx context.Context, now time.Time, limit int) (int, error)
	Ping(ctx context.Context) error
}

// Notifier receives ban lifecycle events (the admin live feed).
type Notifier interface {
	Publish(eventType string, data any)
}

// Event types published to the Notifier.
const (
	EventBanCreated  = "ban_created"
	EventBanExtended = "ban_extended"
	EventBanRevoked  = "ban_revoked"
)

func subjectKey(scope Scope, subjectID string, auto bool) string {
	return fmt.Sprintf("%s|%s|%t", scope, subjectID, auto)
}

// Fanout forwards every event to each notifier in order.
type Fanout []Notifier

func (f Fanout) Publish(eventType string, data any) {
	for _, n := range f {
		if n != nil {
			n.Publish(eventType, data)
		}
	}
}
