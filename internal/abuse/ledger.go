package abuse

import (
	"context"
	"time"

	"github.com/mbd888/consignguard/internal/identity"
)

// Attempt is one recorded attempt at an action.
type Attempt struct {
	ID       string
	At       time.Time
	Action   string
	Identity identity.Identity
}

// Ledger stores attempt timestamps per bucket key. Operations on one key are
// linearizable; distinct keys share no lock.
type Ledger interface {
	// Append records an attempt under key.
	Append(ctx context.Context, key string, a Attempt) error
	// Prune drops attempts older than windowStart.
	Prune(ctx context.Context, key string, windowStart time.Time) error
	// Count returns the attempts at or after windowStart.
	Count(ctx context.Context, key string, windowStart time.Time) (int, error)
	// Reset forgets every attempt under key.
	Reset(ctx context.Context, key string) error
	// Sweep evicts buckets with no attempt since idleSince and reports how
	// many it removed.
	Sweep(ctx context.Context, idleSince time.Time) (int, error)
}
