package cooldown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(opts ...Option) (*Manager, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	m := NewManager(Durations{Symbol: 30 * time.Second, Trader: time.Minute, PostMerge: 5 * time.Minute}, opts...)
	return m, clk
}

func TestCooldownExpiresAfterDuration(t *testing.T) {
	m, clk := newTestManager()
	m.SetSymbol("btcusdt", 0, "burst")

	c, ok := m.IsOnCooldown("BTCUSDT", "alice")
	require.True(t, ok)
	assert.Equal(t, ScopeSymbol, c.Scope)
	assert.Equal(t, 30*time.Second, c.Remaining)

	clk.Advance(29 * time.Second)
	c, ok = m.IsOnCooldown("BTCUSDT", "alice")
	require.True(t, ok)
	assert.Equal(t, time.Second, c.Remaining)

	clk.Advance(time.Second)
	_, ok = m.IsOnCooldown("BTCUSDT", "alice")
	assert.False(t, ok)
}

func TestScopeOrder(t *testing.T) {
	m, _ := newTestManager()
	m.SetPostMerge("ETHUSDT", 0, "merged")
	m.SetTrader("ETHUSDT", "bob", 0, "conflict")

	c, ok := m.IsOnCooldown("ETHUSDT", "bob")
	require.True(t, ok)
	assert.Equal(t, ScopeTrader, c.Scope)

	// other traders only see the post-merge entry
	c, ok = m.IsOnCooldown("ETHUSDT", "carol")
	require.True(t, ok)
	assert.Equal(t, ScopePostMerge, c.Scope)

	m.SetSymbol("ETHUSDT", time.Second, "halt")
	c, ok = m.IsOnCooldown("ETHUSDT", "bob")
	require.True(t, ok)
	assert.Equal(t, ScopeSymbol, c.Scope)
}

func TestSetUntilDoesNotShorten(t *testing.T) {
	m, clk := newTestManager()
	long := m.SetPostMerge("SOLUSDT", 10*time.Minute, "merged")
	got := m.SetUntil(ScopePostMerge, "SOLUSDT", "", clk.Now().Add(time.Minute), "short")
	assert.Equal(t, long.EndTime, got.EndTime)
	assert.Equal(t, "merged", got.Reason)
}

func TestCleanupEvictsExpired(t *testing.T) {
	m, clk := newTestManager()
	m.SetSymbol("A", time.Second, "")
	m.SetSymbol("B", time.Hour, "")
	m.SetTrader("A", "t1", 2*time.Second, "")

	clk.Advance(3 * time.Second)
	assert.Equal(t, 2, m.Cleanup())
	active := m.Active("", "")
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].Symbol)
}

func TestClear(t *testing.T) {
	m, _ := newTestManager()
	m.SetTrader("A", "t1", 0, "")
	assert.True(t, m.Clear(ScopeTrader, "A", "t1"))
	assert.False(t, m.Clear(ScopeTrader, "A", "t1"))
	_, ok := m.IsOnCooldown("A", "t1")
	assert.False(t, ok)
}

type memPersister struct {
	mu    sync.Mutex
	saved map[string]Cooldown
}

func (p *memPersister) Save(_ context.Context, c Cooldown) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved[c.Key()] = c
	return nil
}

func (p *memPersister) Delete(_ context.Context, c Cooldown) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.saved, c.Key())
	return nil
}

func (p *memPersister) Load(context.Context) ([]Cooldown, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Cooldown, 0, len(p.saved))
	for _, c := range p.saved {
		out = append(out, c)
	}
	return out, nil
}

func (p *memPersister) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

func TestRestoreFromPersister(t *testing.T) {
	p := &memPersister{saved: map[string]Cooldown{}}
	m, clk := newTestManager(WithPersister(p))

	m.SetTrader("BTCUSDT", "alice", time.Minute, "conflict")
	m.SetSymbol("ETHUSDT", time.Second, "burst")
	require.Eventually(t, func() bool { return p.len() == 2 }, time.Second, 10*time.Millisecond)

	clk.Advance(2 * time.Second)
	restarted := NewManager(Durations{}, WithClock(clk.Now), WithPersister(p))
	n, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, ok := restarted.IsOnCooldown("BTCUSDT", "alice")
	require.True(t, ok)
	assert.Equal(t, 58*time.Second, c.Remaining)
	_, ok = restarted.IsOnCooldown("ETHUSDT", "")
	assert.False(t, ok)
}

// slowPersister records calls; saves take longer than deletes.
type slowPersister struct {
	memPersister
	opsMu sync.Mutex
	ops   []string
}

func (p *slowPersister) Save(ctx context.Context, c Cooldown) error {
	time.Sleep(20 * time.Millisecond)
	p.record("save " + c.Key())
	return p.memPersister.Save(ctx, c)
}

func (p *slowPersister) Delete(ctx context.Context, c Cooldown) error {
	p.record("delete " + c.Key())
	return p.memPersister.Delete(ctx, c)
}

func (p *slowPersister) record(op string) {
	p.opsMu.Lock()
	p.ops = append(p.ops, op)
	p.opsMu.Unlock()
}

func TestPersistenceFollowsChangeOrder(t *testing.T) {
	p := &slowPersister{memPersister: memPersister{saved: map[string]Cooldown{}}}
	m, clk := newTestManager(WithPersister(p))

	m.SetSymbol("BTCUSDT", time.Minute, "burst")
	require.True(t, m.Clear(ScopeSymbol, "BTCUSDT", ""))
	m.SetTrader("ETHUSDT", "alice", time.Minute, "conflict")
	require.NoError(t, m.Flush(context.Background()))

	assert.Equal(t, []string{
		"save symbol:BTCUSDT",
		"delete symbol:BTCUSDT",
		"save symbol_trader:ETHUSDT:alice",
	}, p.ops)

	restarted := NewManager(Durations{}, WithClock(clk.Now), WithPersister(p))
	n, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := restarted.IsOnCooldown("BTCUSDT", "")
	assert.False(t, ok)
}

func TestCloseDrainsPendingWrites(t *testing.T) {
	p := &slowPersister{memPersister: memPersister{saved: map[string]Cooldown{}}}
	m, _ := newTestManager(WithPersister(p))

	m.SetSymbol("BTCUSDT", time.Minute, "")
	m.SetSymbol("ETHUSDT", time.Minute, "")
	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, 2, p.len())

	m.SetSymbol("SOLUSDT", time.Minute, "")
	assert.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, 2, p.len())
}

func TestRestoreWithoutPersister(t *testing.T) {
	m, _ := newTestManager()
	n, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKeyFormat(t *testing.T) {
	p := NewRedisPersister(nil, "")
	assert.Equal(t, "ledger-sync:cooldown:symbol_trader:BTCUSDT:alice",
		p.redisKey(Cooldown{Scope: ScopeTrader, Symbol: "btcusdt", TraderID: "alice"}))
	assert.Equal(t, "ledger-sync:cooldown:post_merge:BTCUSDT",
		p.redisKey(Cooldown{Scope: ScopePostMerge, Symbol: "BTCUSDT"}))
}
