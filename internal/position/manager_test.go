package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-sync/internal/cooldown"
	"ledger-sync/internal/monitor"
	"ledger-sync/pkg/cache"
	"ledger-sync/pkg/db"
)

var base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	var tick atomic.Int64
	database.SetClock(func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) })
	return database
}

func newTestManager(t *testing.T, store Store, cfg Config, deps Deps) *Manager {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewSystemMetrics()
	}
	m, err := NewManager(store, cfg, deps)
	require.NoError(t, err)
	return m
}

func createTrade(t *testing.T, store *db.Database, trader, symbol string, side db.Side, size, entry float64) *db.Trade {
	t.Helper()
	tr := &db.Trade{TraderID: trader, Symbol: symbol, Side: side, Size: size, EntryPrice: entry}
	require.NoError(t, store.CreateTrade(context.Background(), tr))
	return tr
}

func process(t *testing.T, m *Manager, tr *db.Trade) Outcome {
	t.Helper()
	out, err := m.ProcessNewTrade(context.Background(), tradeData(tr))
	require.NoError(t, err)
	return out
}

func TestSameSideTradesMergeWithWeightedEntry(t *testing.T) {
	store := newTestDB(t)
	metrics := monitor.NewSystemMetrics()
	m := newTestManager(t, store, Config{}, Deps{Metrics: metrics})
	ctx := context.Background()

	first := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	out := process(t, m, first)
	assert.Equal(t, ActionAdmit, out.Action)

	second := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 110)
	out = process(t, m, second)
	assert.Equal(t, ActionMerge, out.Action)
	assert.Equal(t, db.StatusMerged, out.Status)
	assert.Equal(t, first.ID, out.PrimaryTradeID)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, ConflictSameSide, out.Conflict.Type)

	primary, err := store.GetTrade(ctx, first.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2, primary.Size, 1e-9)
	assert.InDelta(t, 105, primary.EntryPrice, 1e-9)
	assert.Equal(t, []string{second.ID}, primary.MergedTradeIDs)

	merged, err := store.GetTrade(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusMerged, merged.Status)
	assert.Equal(t, first.ID, merged.MergedIntoTradeID)

	positions, err := m.Positions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 2, positions[0].Size, 1e-9)
	assert.Equal(t, []string{first.ID}, positions[0].TradeIDs)
	assert.Equal(t, uint64(1), metrics.GetSnapshot().Merges)
}

func TestMergeSequenceKeepsExactAverage(t *testing.T) {
	store := newTestDB(t)
	m := newTestManager(t, store, Config{}, Deps{})

	legs := []struct{ size, price float64 }{{1, 100}, {2, 110}, {0.5, 90}}
	var first *db.Trade
	for _, l := range legs {
		tr := createTrade(t, store, "alice", "ETHUSDT", db.SideShort, l.size, l.price)
		if first == nil {
			first = tr
		}
		process(t, m, tr)
	}

	positions, err := m.Positions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 3.5, positions[0].Size, 1e-9)
	assert.InDelta(t, 365.0/3.5, positions[0].EntryPrice, 1e-9)
	assert.Equal(t, first.ID, positions[0].PrimaryTradeID)
}

func TestOppositeSideIsRejected(t *testing.T) {
	store := newTestDB(t)
	m := newTestManager(t, store, Config{}, Deps{})
	ctx := context.Background()

	long := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	process(t, m, long)
	short := createTrade(t, store, "alice", "BTCUSDT", db.SideShort, 1, 99)
	out := process(t, m, short)

	assert.Equal(t, ActionReject, out.Action)
	assert.Equal(t, ConflictOppositeSide, out.Conflict.Type)
	got, err := store.GetTrade(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRejected, got.Status)
	assert.Contains(t, got.Reason, long.ID)

	// another trader's book is independent
	other := createTrade(t, store, "bob", "BTCUSDT", db.SideShort, 1, 99)
	assert.Equal(t, ActionAdmit, process(t, m, other).Action)
}

func TestCheckIgnoresTheNewTradeItself(t *testing.T) {
	store := newTestDB(t)
	m := newTestManager(t, store, Config{}, Deps{})

	tr := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	c, err := m.CheckPositionConflict(context.Background(), "alice", "BTCUSDT", db.SideLong, tr.ID)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestPostMergeCooldownRejectsNextTrade(t *testing.T) {
	store := newTestDB(t)
	now := base
	cds := cooldown.NewManager(cooldown.Durations{PostMerge: 5 * time.Minute}, cooldown.WithClock(func() time.Time { return now }))
	m := newTestManager(t, store, Config{}, Deps{Cooldowns: cds})
	ctx := context.Background()

	process(t, m, createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100))
	out := process(t, m, createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100))
	require.Equal(t, ActionMerge, out.Action)
	require.NotNil(t, out.Cooldown)
	assert.Equal(t, cooldown.ScopePostMerge, out.Cooldown.Scope)

	third := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	out = process(t, m, third)
	assert.Equal(t, ActionCooldown, out.Action)
	assert.Equal(t, db.StatusCooldownRejected, out.Status)
	got, err := store.GetTrade(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCooldownRejected, got.Status)

	// the rejection does not extend the cooldown
	now = now.Add(5 * time.Minute)
	fourth := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	assert.Equal(t, ActionMerge, process(t, m, fourth).Action)
}

func TestCooldownActionInstallsTraderCooldown(t *testing.T) {
	store := newTestDB(t)
	cds := cooldown.NewManager(cooldown.Durations{Trader: time.Minute})
	m := newTestManager(t, store, Config{}, Deps{Cooldowns: cds})
	ctx := context.Background()

	existing := createTrade(t, store, "alice", "SOLUSDT", db.SideLong, 1, 20)
	process(t, m, existing)
	incoming := createTrade(t, store, "alice", "SOLUSDT", db.SideShort, 1, 21)

	c, err := m.CheckPositionConflict(ctx, "alice", "SOLUSDT", db.SideShort, incoming.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	c.Action = ActionCooldown

	out, err := m.HandlePositionConflict(ctx, c, tradeData(incoming))
	require.NoError(t, err)
	assert.Equal(t, db.StatusCooldownRejected, out.Status)
	cd, on := cds.IsOnCooldown("SOLUSDT", "alice")
	require.True(t, on)
	assert.Equal(t, cooldown.ScopeTrader, cd.Scope)
	_, on = cds.IsOnCooldown("SOLUSDT", "bob")
	assert.False(t, on)
}

func TestHalfMergeIsRepairedOnLoad(t *testing.T) {
	store := newTestDB(t)
	m := newTestManager(t, store, Config{}, Deps{})
	ctx := context.Background()

	primary := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	absorbed := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 110)
	// primary written, secondary mark lost
	require.NoError(t, store.ApplyMerge(ctx, primary.ID, 2, 105, absorbed.ID))

	positions, err := m.Positions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 2, positions[0].Size, 1e-9)
	assert.InDelta(t, 105, positions[0].EntryPrice, 1e-9)
	assert.Equal(t, []string{primary.ID}, positions[0].TradeIDs)

	got, err := store.GetTrade(ctx, absorbed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusMerged, got.Status)
	assert.Equal(t, primary.ID, got.MergedIntoTradeID)
	assert.Contains(t, got.Reason, "repaired")
}

type flakyStore struct {
	*db.Database
	listErr   error
	markMerge atomic.Bool
}

func (s *flakyStore) ListLiveTrades(ctx context.Context, traderID string) ([]db.Trade, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Database.ListLiveTrades(ctx, traderID)
}

func (s *flakyStore) MarkMerged(ctx context.Context, id, primaryID, reason string) error {
	if s.markMerge.Load() {
		return errors.New("disk full")
	}
	return s.Database.MarkMerged(ctx, id, primaryID, reason)
}

func TestFailedMarkMergedHealsOnNextLoad(t *testing.T) {
	database := newTestDB(t)
	store := &flakyStore{Database: database}
	m := newTestManager(t, store, Config{}, Deps{})
	ctx := context.Background()

	primary := createTrade(t, database, "alice", "BTCUSDT", db.SideLong, 1, 100)
	process(t, m, primary)
	second := createTrade(t, database, "alice", "BTCUSDT", db.SideLong, 3, 120)

	store.markMerge.Store(true)
	_, err := m.ProcessNewTrade(ctx, tradeData(second))
	require.Error(t, err)
	store.markMerge.Store(false)

	positions, err := m.Positions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 4, positions[0].Size, 1e-9)
	assert.InDelta(t, 115, positions[0].EntryPrice, 1e-9)

	got, err := database.GetTrade(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusMerged, got.Status)
}

func TestConflictCheckFailurePolicy(t *testing.T) {
	t.Run("open admits degraded", func(t *testing.T) {
		database := newTestDB(t)
		store := &flakyStore{Database: database, listErr: errors.New("db locked")}
		metrics := monitor.NewSystemMetrics()
		m := newTestManager(t, store, Config{FailurePolicy: FailOpen}, Deps{Metrics: metrics})

		tr := createTrade(t, database, "alice", "BTCUSDT", db.SideLong, 1, 100)
		out, err := m.ProcessNewTrade(context.Background(), tradeData(tr))
		require.NoError(t, err)
		assert.True(t, out.Degraded)
		assert.Equal(t, ActionAdmit, out.Action)
		assert.Equal(t, uint64(1), metrics.GetSnapshot().DegradedAdmits)

		got, err := database.GetTrade(context.Background(), tr.ID)
		require.NoError(t, err)
		assert.Equal(t, db.StatusPending, got.Status)
	})

	t.Run("closed rejects", func(t *testing.T) {
		database := newTestDB(t)
		store := &flakyStore{Database: database, listErr: errors.New("db locked")}
		m := newTestManager(t, store, Config{FailurePolicy: FailClosed}, Deps{})

		tr := createTrade(t, database, "alice", "BTCUSDT", db.SideLong, 1, 100)
		_, err := m.ProcessNewTrade(context.Background(), tradeData(tr))
		require.ErrorIs(t, err, ErrConflictCheckUnavailable)

		got, err := database.GetTrade(context.Background(), tr.ID)
		require.NoError(t, err)
		assert.Equal(t, db.StatusRejected, got.Status)
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := NewManager(newTestDB(t), Config{FailurePolicy: "maybe"}, Deps{})
		assert.Error(t, err)
	})
}

func TestConcurrentTradesLeaveOneLivePosition(t *testing.T) {
	store := newTestDB(t)
	m := newTestManager(t, store, Config{}, Deps{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := db.SideLong
			if i%3 == 0 {
				side = db.SideShort
			}
			tr := &db.Trade{TraderID: "alice", Symbol: "BTCUSDT", Side: side, Size: 1, EntryPrice: float64(100 + i)}
			if err := store.CreateTrade(ctx, tr); err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if _, err := m.ProcessNewTrade(ctx, tradeData(tr)); err != nil {
				t.Errorf("process %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	live, err := store.ListLiveTrades(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, live, 1)
	assert.Equal(t, 1, m.locks.size())
}

func TestReplaceClosesExistingAndPromotesRejected(t *testing.T) {
	store := newTestDB(t)
	prices := cache.NewMarkPriceCache()
	prices.Set("BTCUSDT", 120)
	m := newTestManager(t, store, Config{}, Deps{Prices: prices})
	ctx := context.Background()

	long := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	process(t, m, long)
	short := createTrade(t, store, "alice", "BTCUSDT", db.SideShort, 2, 118)
	require.Equal(t, ActionReject, process(t, m, short).Action)

	out, err := m.Replace(ctx, "alice", "BTCUSDT", db.SideLong, short.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionReplace, out.Action)
	assert.Equal(t, db.StatusPending, out.Status)

	closed, err := store.GetTrade(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusClosed, closed.Status)
	assert.InDelta(t, 120, closed.ExitPrice, 1e-9)
	assert.Equal(t, fmt.Sprintf("replaced by %s", short.ID), closed.Reason)

	positions, err := m.Positions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, db.SideShort, positions[0].Side)
	assert.Equal(t, short.ID, positions[0].PrimaryTradeID)

	_, err = m.Replace(ctx, "alice", "ETHUSDT", db.SideLong, short.ID)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestPositionsCarryMarkAndUnrealizedPnL(t *testing.T) {
	store := newTestDB(t)
	prices := cache.NewMarkPriceCache()
	prices.Set(cache.LastPriceKey("ETHUSDT"), 1900)
	prices.Set("BTCUSDT", 110)
	m := newTestManager(t, store, Config{}, Deps{Prices: prices})
	ctx := context.Background()

	process(t, m, createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 2, 100))
	process(t, m, createTrade(t, store, "alice", "ETHUSDT", db.SideShort, 1, 2000))

	positions, err := m.Positions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.InDelta(t, 20, positions[0].UnrealizedPnL, 1e-9)
	assert.InDelta(t, 1900, positions[1].MarkPrice, 1e-9)
	assert.InDelta(t, 100, positions[1].UnrealizedPnL, 1e-9)

	_, err = m.Positions(ctx, "")
	assert.ErrorIs(t, err, db.ErrTraderIDRequired)
}

func TestAdmitTradeRequiresPending(t *testing.T) {
	store := newTestDB(t)
	m := newTestManager(t, store, Config{}, Deps{})
	ctx := context.Background()

	tr := createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	out, err := m.AdmitTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionAdmit, out.Action)

	require.NoError(t, store.MarkStatus(ctx, tr.ID, db.StatusOpen, ""))
	_, err = m.AdmitTrade(ctx, tr.ID)
	assert.ErrorIs(t, err, ErrNotAdmissible)

	_, err = m.AdmitTrade(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestInvalidateDuringLoadIsNotServed(t *testing.T) {
	store := newTestDB(t)
	m := newTestManager(t, store, Config{CacheTTL: time.Hour}, Deps{})
	ctx := context.Background()

	_, err := m.Positions(ctx, "alice")
	require.NoError(t, err)

	// a snapshot tagged with an old generation must not be returned
	stale := &snapshot{gen: m.cache.generation("alice"), groups: map[string][]db.Trade{}}
	m.cache.cache.Set("alice", stale)
	createTrade(t, store, "alice", "BTCUSDT", db.SideLong, 1, 100)
	m.cache.mu.Lock()
	m.cache.gens["alice"]++
	m.cache.mu.Unlock()

	positions, err := m.Positions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestWeightedEntry(t *testing.T) {
	size, entry := weightedEntry(0.1, 30000, 0.2, 30300)
	assert.InDelta(t, 0.3, size, 1e-12)
	assert.InDelta(t, 30200, entry, 1e-9)

	size, entry = weightedEntry(0, 0, 0, 50)
	assert.Zero(t, size)
	assert.Equal(t, 50.0, entry)
}
