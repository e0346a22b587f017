package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/consignguard/internal/circuitbreaker"
)

const (
	banStore     = "ban_store"
	sharedLedger = "shared_ledger"
)

// serviceRegistry mirrors how the server wires checks: a required database
// plus the fail-open dependencies behind one shared breaker.
func serviceRegistry(b *circuitbreaker.Breaker, dbErr error) *Registry {
	r := NewRegistry()
	r.Register("database", PingChecker("database", func(context.Context) error { return dbErr }))
	r.RegisterOptional(sharedLedger, BreakerChecker(sharedLedger, b, sharedLedger))
	r.RegisterOptional(banStore, BreakerChecker(banStore, b, banStore))
	return r
}

func byName(statuses []Status) map[string]Status {
	out := make(map[string]Status, len(statuses))
	for _, st := range statuses {
		out[st.Name] = st
	}
	return out
}

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_AllDependenciesUp(t *testing.T) {
	r := serviceRegistry(circuitbreaker.New(1, time.Hour), nil)

	healthy, statuses := r.CheckAll(context.Background())
	require.True(t, healthy)
	require.Len(t, statuses, 3)

	got := byName(statuses)
	assert.False(t, got["database"].Optional)
	assert.True(t, got[banStore].Optional)
	assert.Equal(t, "circuit closed", got[banStore].Detail)
	assert.True(t, got[sharedLedger].Optional)
}

func TestRegistry_OpenBanStoreCircuitStaysHealthy(t *testing.T) {
	b := circuitbreaker.New(1, time.Hour)
	b.Failure(banStore)
	r := serviceRegistry(b, nil)

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy, "ban lookups fail open, so the service still decides")

	got := byName(statuses)
	assert.False(t, got[banStore].Healthy)
	assert.Equal(t, "circuit open", got[banStore].Detail)
	assert.True(t, got[sharedLedger].Healthy, "circuits are tracked per dependency")
}

func TestRegistry_OpenSharedLedgerCircuitStaysHealthy(t *testing.T) {
	b := circuitbreaker.New(1, time.Hour)
	b.Failure(sharedLedger)
	b.Failure(banStore)
	r := serviceRegistry(b, nil)

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy, "the in-process ledger takes over while the shared one is down")

	got := byName(statuses)
	assert.False(t, got[sharedLedger].Healthy)
	assert.False(t, got[banStore].Healthy)
}

func TestRegistry_DatabaseDownFailsAggregate(t *testing.T) {
	r := serviceRegistry(circuitbreaker.New(1, time.Hour), errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)

	db := byName(statuses)["database"]
	assert.False(t, db.Healthy)
	assert.Contains(t, db.Detail, "connection refused")
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	b := circuitbreaker.New(3, time.Hour)
	var wg sync.WaitGroup

	for range 10 {
		wg.Go(func() {
			r.RegisterOptional(banStore, BreakerChecker(banStore, b, banStore))
			b.Failure(banStore)
		})
		wg.Go(func() {
			healthy, _ := r.CheckAll(context.Background())
			assert.True(t, healthy)
		})
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 10)
}
