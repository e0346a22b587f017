// Package abuse gates sensitive storefront operations. It bounds how often an
// actor may attempt an action within a sliding window, blocks actors that
// exceed the bound, escalates persistent offenders to long-lived bans, and
// records every violation for audit.
//
// The entry point is Execute (or Guard.Middleware for gin routes), which
// wraps an operation with check, execute and record. The Limiter underneath
// can also be driven directly by services that handle attempts themselves.
package abuse

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultAction names the policy used for actions without their own entry.
const DefaultAction = "default"

// Policy bounds attempts for one action.
type Policy struct {
	Action string
	// MaxAttempts is the number of attempts allowed per Window.
	MaxAttempts int
	Window      time.Duration
	// BlockDuration is how long a window block holds once MaxAttempts is
	// reached. It is independent of Window and usually longer.
	BlockDuration time.Duration
	// BanMultiplier scales MaxAttempts into the ban threshold. Zero disables
	// escalation for the action.
	BanMultiplier int
}

// BanThreshold is the attempt count at which offenders are banned, or 0.
func (p Policy) BanThreshold() int {
	return p.MaxAttempts * p.BanMultiplier
}

func (p Policy) validate() error {
	switch {
	case strings.TrimSpace(p.Action) == "":
		return &ConfigError{Action: p.Action, Field: "action", Reason: "is required"}
	case p.MaxAttempts <= 0:
		return &ConfigError{Action: p.Action, Field: "maxAttempts", Reason: "must be positive"}
	case p.Window <= 0:
		return &ConfigError{Action: p.Action, Field: "window", Reason: "must be positive"}
	case p.BlockDuration < 0:
		return &ConfigError{Action: p.Action, Field: "blockDuration", Reason: "must not be negative"}
	case p.BanMultiplier < 0:
		return &ConfigError{Action: p.Action, Field: "banMultiplier", Reason: "must not be negative"}
	}
	return nil
}

// ConfigError reports an invalid policy table. It is fatal at startup.
type ConfigError struct {
	Action string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("abuse: invalid policy %q: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("abuse: invalid policy %q: %s %s", e.Action, e.Field, e.Reason)
}

// Registry holds the policy table. The default entry is always present.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry builds a registry from policies, which must include a
// DefaultAction entry.
func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if _, ok := r.policies[DefaultAction]; !ok {
		return nil, &ConfigError{Action: DefaultAction, Reason: "a default policy is required"}
	}
	return r, nil
}

// Register adds or replaces the policy for p.Action.
func (r *Registry) Register(p Policy) error {
	p.Action = strings.TrimSpace(p.Action)
	if err := p.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.policies[p.Action] = p
	r.mu.Unlock()
	return nil
}

// Get returns the policy for action, falling back to the default policy.
func (r *Registry) Get(action string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[action]; ok {
		return p
	}
	return r.policies[DefaultAction]
}

// All returns every policy sorted by action.
func (r *Registry) All() []Policy {
	r.mu.RLock()
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Policy) int { return strings.Compare(a.Action, b.Action) })
	return out
}

// LongestWindow is the largest Window in the table. Ledger retention must
// be at least this long.
func (r *Registry) LongestWindow() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var longest time.Duration
	for _, p := range r.policies {
		longest = max(longest, p.Window)
	}
	return longest
}

// DefaultPolicies is the built-in table used when no policy file is given.
func DefaultPolicies() []Policy {
	return []Policy{
		{Action: DefaultAction, MaxAttempts: 30, Window: time.Minute, BlockDuration: 5 * time.Minute, BanMultiplier: 10},
		{Action: "login", MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute, BanMultiplier: 4},
		{Action: "signup", MaxAttempts: 3, Window: time.Hour, BlockDuration: time.Hour, BanMultiplier: 5},
		{Action: "password_reset", MaxAttempts: 3, Window: 15 * time.Minute, BlockDuration: time.Hour, BanMultiplier: 5},
		{Action: "checkout", MaxAttempts: 10, Window: 10 * time.Minute, BlockDuration: 15 * time.Minute, BanMultiplier: 3},
		{Action: "item_mutation", MaxAttempts: 60, Window: time.Minute, BlockDuration: 5 * time.Minute, BanMultiplier: 10},
		{Action: "admin_action", MaxAttempts: 30, Window: time.Minute, BlockDuration: 10 * time.Minute, BanMultiplier: 5},
	}
}
