package abuse

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/consignguard/internal/bans"
	"github.com/mbd888/consignguard/internal/identity"
)

// countingCreator records CreateBan calls and writes through to an oracle.
type countingCreator struct {
	oracle *bans.Oracle
	mu     sync.Mutex
	reqs   []bans.CreateRequest
	err    error
}

func (c *countingCreator) CreateBan(ctx context.Context, req bans.CreateRequest) (*bans.Ban, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.oracle.CreateBan(ctx, req)
}

func (c *countingCreator) Requests() []bans.CreateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bans.CreateRequest(nil), c.reqs...)
}

func newTestEscalator(t *testing.T, clk *testClock) (*Escalator, *countingCreator, *bans.Oracle) {
	t.Helper()
	oracle := bans.NewOracle(bans.NewMemoryStore(), bans.WithClock(clk.Now))
	creator := &countingCreator{oracle: oracle}
	esc := NewEscalator(newTestRegistry(t), creator, WithEscalatorClock(clk.Now))
	return esc, creator, oracle
}

func TestEscalator_BelowThreshold(t *testing.T) {
	clk := newTestClock()
	esc, creator, _ := newTestEscalator(t, clk)

	esc.Consider(context.Background(), "login", identity.New("u1", "1.2.3.4"), 19)
	assert.Empty(t, creator.Requests())
}

func TestEscalator_BansOriginAndUser(t *testing.T) {
	clk := newTestClock()
	esc, creator, oracle := newTestEscalator(t, clk)
	ctx := context.Background()

	esc.Consider(ctx, "login", identity.New("u1", "1.2.3.4"), 20)

	reqs := creator.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, bans.ScopeOrigin, reqs[0].Scope)
	assert.Equal(t, "1.2.3.4", reqs[0].SubjectID)
	assert.Equal(t, bans.ScopeUser, reqs[1].Scope)
	assert.Equal(t, "u1", reqs[1].SubjectID)
	for _, r := range reqs {
		assert.Equal(t, "excessive login attempts", r.Reason)
		assert.Equal(t, DefaultBanDuration, r.Duration)
		assert.True(t, r.AutoGenerated)
	}

	assert.True(t, oracle.IsOriginBanned(ctx, "1.2.3.4").Banned)
	assert.True(t, oracle.IsUserBanned(ctx, "u1").Banned)
}

func TestEscalator_SkipsUnknownOriginAndAnonymous(t *testing.T) {
	clk := newTestClock()
	esc, creator, _ := newTestEscalator(t, clk)

	esc.Consider(context.Background(), "login", identity.New("", ""), 100)
	assert.Empty(t, creator.Requests())

	esc.Consider(context.Background(), "login", identity.New("", "1.2.3.4"), 100)
	require.Len(t, creator.Requests(), 1)
	assert.Equal(t, bans.ScopeOrigin, creator.Requests()[0].Scope)
}

func TestEscalator_ZeroMultiplierNeverBans(t *testing.T) {
	clk := newTestClock()
	esc, creator, _ := newTestEscalator(t, clk)

	esc.Consider(context.Background(), "unlisted_action", identity.New("u1", "1.2.3.4"), 10_000)
	assert.Empty(t, creator.Requests())
}

func TestEscalator_FiresOncePerCrossing(t *testing.T) {
	clk := newTestClock()
	esc, creator, _ := newTestEscalator(t, clk)
	id := identity.New("u1", "1.2.3.4")

	for n := 20; n < 30; n++ {
		esc.Consider(context.Background(), "login", id, n)
	}
	assert.Len(t, creator.Requests(), 2)
	assert.Equal(t, 2, esc.Len())
}

func TestEscalator_ConcurrentConsiderCreatesOneBanPerSubject(t *testing.T) {
	clk := newTestClock()
	esc, creator, oracle := newTestEscalator(t, clk)
	id := identity.New("u1", "1.2.3.4")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			esc.Consider(context.Background(), "login", id, 25)
		}()
	}
	wg.Wait()

	assert.Len(t, creator.Requests(), 2)

	active, err := oracle.List(context.Background(), bans.ListFilter{ActiveOnly: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestEscalator_RetriesAfterFailure(t *testing.T) {
	clk := newTestClock()
	esc, creator, _ := newTestEscalator(t, clk)
	id := identity.New("", "1.2.3.4")

	creator.err = errors.New("store down")
	esc.Consider(context.Background(), "login", id, 20)
	assert.Equal(t, 0, esc.Len())

	creator.err = nil
	esc.Consider(context.Background(), "login", id, 21)
	assert.Len(t, creator.Requests(), 2)
	assert.Equal(t, 1, esc.Len())
}

func TestEscalator_RevokeClearsMemo(t *testing.T) {
	clk := newTestClock()
	esc, creator, oracle := newTestEscalator(t, clk)
	ctx := context.Background()
	id := identity.New("", "1.2.3.4")

	esc.Consider(ctx, "login", id, 20)
	require.Len(t, creator.Requests(), 1)

	ban := oracle.IsOriginBanned(ctx, "1.2.3.4")
	require.True(t, ban.Banned)
	revoked, err := oracle.Revoke(ctx, ban.BanID)
	require.NoError(t, err)
	esc.Publish(bans.EventBanRevoked, revoked)

	esc.Consider(ctx, "login", id, 20)
	assert.Len(t, creator.Requests(), 2)
}

func TestEscalator_SweepDropsExpiredMemos(t *testing.T) {
	clk := newTestClock()
	esc, _, _ := newTestEscalator(t, clk)

	esc.Consider(context.Background(), "login", identity.New("u1", "1.2.3.4"), 20)
	require.Equal(t, 2, esc.Len())

	assert.Equal(t, 0, esc.Sweep(clk.Now()))
	assert.Equal(t, 2, esc.Sweep(clk.Now().Add(DefaultBanDuration)))
	assert.Equal(t, 0, esc.Len())
}

func TestEscalator_IgnoresCallerCancellation(t *testing.T) {
	clk := newTestClock()
	esc, creator, _ := newTestEscalator(t, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	esc.Consider(ctx, "login", identity.New("u1", "1.2.3.4"), 20)
	assert.Len(t, creator.Requests(), 2)
}

func TestLimiter_EscalatesOnSevereAbuse(t *testing.T) {
	clk := newTestClock()
	esc, creator, oracle := newTestEscalator(t, clk)
	l := newTestLimiter(t, clk, WithBanChecker(oracle), WithEscalation(esc))
	id := identity.New("u1", "1.2.3.4")

	// A service recording every failed sign-in keeps counting while blocked.
	state := record(t, l, "login", id, 19)
	assert.Equal(t, StatusWindowBlocked, state.Status)
	assert.Empty(t, creator.Requests())

	state = record(t, l, "login", id, 1)
	assert.Equal(t, StatusWindowBlocked, state.Status)
	assert.Len(t, creator.Requests(), 2)

	state, err := l.CheckLimit(context.Background(), "login", id)
	require.NoError(t, err)
	assert.Equal(t, StatusBanned, state.Status)
	assert.Equal(t, clk.Now().Add(DefaultBanDuration), state.ResetAt)

	record(t, l, "login", id, 5)
	assert.Len(t, creator.Requests(), 2)
}
