// Package violations is the append-only audit log of denied attempts.
// The rate limiter only ever writes to it; the admin API reads it back.
package violations

import (
	"context"
	"time"

	"github.com/mbd888/consignguard/internal/pagination"
)

// Entry is one recorded violation.
type Entry struct {
	ID                  string            `json:"id"`
	Action              string            `json:"action"`
	UserID              string            `json:"userId,omitempty"`
	Origin              string            `json:"origin"`
	AttemptsAtViolation int               `json:"attemptsAtViolation"`
	MaxAttempts         int               `json:"maxAttempts"`
	Context             map[string]string `json:"context,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
}

// ListFilter narrows a List call.
type ListFilter struct {
	Action string
	UserID string
	Origin string
	Cursor *pagination.Cursor
	Limit  int
}

// Store persists violation entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f ListFilter) ([]*Entry, error)
}
