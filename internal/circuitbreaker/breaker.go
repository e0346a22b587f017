// Package circuitbreaker guards calls to external stores (ban store, shared
// ledger) with a per-dependency closed → open → half-open state machine.
// Callers use an open circuit as the signal to take their degraded path
// immediately instead of waiting on a dependency that is known to be down.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are short-circuited
	StateHalfOpen              // one trial call in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "consignguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by dependency, from-state, and to-state.",
}, []string{"dependency", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per dependency name. Dependencies are a
// small fixed set, so one mutex over the map is enough.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(dependency string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers a callback fired (in its own goroutine) on
// every state change.
func WithTransitionHook(fn func(dependency string, from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before letting a trial call through.
func New(threshold int, openDuration time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call to dependency should be attempted.
func (b *Breaker) Allow(dependency string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dependency]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.openDuration {
			b.transition(c, dependency, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// Success records a successful call and closes a half-open circuit.
func (b *Breaker) Success(dependency string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dependency]
	if !ok {
		return
	}
	c.failures = 0
	if c.state != StateClosed {
		b.transition(c, dependency, StateClosed)
	}
}

// Failure records a failed call. A failed trial call reopens the circuit; a closed
// circuit opens once consecutive failures reach the threshold.
func (b *Breaker) Failure(dependency string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dependency]
	if !ok {
		c = &circuit{}
		b.circuits[dependency] = c
	}
	c.failures++

	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.transition(c, dependency, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.transition(c, dependency, StateOpen)
	}
}

// State returns the current state for dependency.
func (b *Breaker) State(dependency string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[dependency]; ok {
		return c.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(c *circuit, dependency string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(dependency, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(dependency, from, to)
	}
}
