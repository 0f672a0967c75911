package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-sync/internal/balance"
	"ledger-sync/internal/cooldown"
	"ledger-sync/internal/monitor"
	"ledger-sync/internal/position"
	"ledger-sync/internal/reconciliation"
	"ledger-sync/internal/stream"
	"ledger-sync/pkg/cache"
	"ledger-sync/pkg/db"
	"ledger-sync/pkg/exchanges/binance/futures_usdt"
	"ledger-sync/pkg/exchanges/common"
)

const testSecret = "test-secret"

type fixedStream stream.Status

func (f fixedStream) Status() stream.Status { return stream.Status(f) }

type fixedVenue futures_usdt.VenueStatus

func (f fixedVenue) Status() futures_usdt.VenueStatus { return futures_usdt.VenueStatus(f) }

type fakeReconciler struct {
	opts reconciliation.Options
	err  error
}

func (f *fakeReconciler) Run(_ context.Context, opts reconciliation.Options) (*reconciliation.Report, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &reconciliation.Report{RunID: "01TEST", Examined: 3, DryRun: opts.DryRun}, nil
}

type testEnv struct {
	server     *Server
	store      *db.Database
	reconciler *fakeReconciler
	token      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, db.ApplyMigrations(store))

	positions, err := position.NewManager(store, position.Config{}, position.Deps{})
	require.NoError(t, err)

	cds := cooldown.NewManager(cooldown.Durations{})
	cds.SetSymbol("BTCUSDT", time.Minute, "manual")

	balances := balance.NewManager()
	balances.ApplySnapshot(1, []balance.Asset{{Asset: "USDT", Free: 100}})

	prices := cache.NewMarkPriceCache()
	prices.Set("BTCUSDT", 101.5)

	rec := &fakeReconciler{}
	s := NewServer(Config{JWTSecret: testSecret, RateLimit: 1000, RateBurst: 1000})
	s.Streams = []StreamStatus{fixedStream{Name: "user", State: stream.StateConnected}}
	s.Positions = positions
	s.Balances = balances
	s.Prices = prices
	s.Cooldowns = cds
	s.Reconciler = rec
	s.Ledger = store
	s.Metrics = monitor.NewSystemMetrics()
	s.Venue = fixedVenue{Weight: common.WeightUsage{Used: 600, Limit: 2400, Percent: 25}, Clock: common.ClockStatus{OffsetMs: -12}}
	s.Version = "test"

	token, err := GenerateToken("ops", testSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return &testEnv{server: s, store: store, reconciler: rec, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, payload any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.server.Router.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""
	var body map[string]any
	w := env.do(t, http.MethodGet, "/health", nil, &body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	env.server.Streams = append(env.server.Streams, fixedStream{Name: "market", Fatal: "too many errors"})
	env.do(t, http.MethodGet, "/health", nil, &body)
	assert.Equal(t, "degraded", body["status"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	env.token = ""
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/streams", nil, nil).Code)

	env.token = "garbage"
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/streams", nil, nil).Code)

	other, err := GenerateToken("ops", "other-secret", time.Now().Add(time.Hour))
	require.NoError(t, err)
	env.token = other
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/streams", nil, nil).Code)

	expired, err := GenerateToken("ops", testSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	env.token = expired
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/streams", nil, nil).Code)
}

func TestReadEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateTrade(ctx, &db.Trade{TraderID: "alice", Symbol: "BTCUSDT", Side: db.SideLong, Size: 1, EntryPrice: 100}))

	var streams struct {
		Streams []stream.Status `json:"streams"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/streams", nil, &streams).Code)
	require.Len(t, streams.Streams, 1)
	assert.Equal(t, stream.StateConnected, streams.Streams[0].State)

	var positions struct {
		Positions []position.Position `json:"positions"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/positions/alice", nil, &positions).Code)
	require.Len(t, positions.Positions, 1)
	assert.Equal(t, "BTCUSDT", positions.Positions[0].Symbol)

	var trades struct {
		Trades []db.Trade `json:"trades"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/trades?trader=alice", nil, &trades).Code)
	assert.Len(t, trades.Trades, 1)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/trades", nil, nil).Code)

	var balances struct {
		Balances []balance.Asset `json:"balances"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/balances", nil, &balances).Code)
	assert.Equal(t, "USDT", balances.Balances[0].Asset)

	var prices struct {
		Prices map[string]float64 `json:"prices"`
		Stats  cache.CacheStats   `json:"stats"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/prices", nil, &prices).Code)
	assert.InDelta(t, 101.5, prices.Prices["BTCUSDT"], 1e-9)
	assert.Equal(t, 1, prices.Stats.TotalItems)

	var cds struct {
		Cooldowns []cooldown.Cooldown `json:"cooldowns"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/cooldowns?symbol=BTCUSDT", nil, &cds).Code)
	require.Len(t, cds.Cooldowns, 1)
	assert.Equal(t, cooldown.ScopeSymbol, cds.Cooldowns[0].Scope)

	var metrics struct {
		Venue futures_usdt.VenueStatus `json:"venue"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/metrics", nil, &metrics).Code)
	assert.Equal(t, 600, metrics.Venue.Weight.Used)
	assert.Equal(t, int64(-12), metrics.Venue.Clock.OffsetMs)
}

func TestReconcileEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var rep reconciliation.Report
	w := env.do(t, http.MethodPost, "/api/reconcile", map[string]any{"lookback": "6h", "dry_run": true, "trader_id": "alice"}, &rep)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "01TEST", rep.RunID)
	assert.Equal(t, 6*time.Hour, env.reconciler.opts.Lookback)
	assert.True(t, env.reconciler.opts.DryRun)
	assert.Equal(t, "alice", env.reconciler.opts.TraderID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/reconcile", map[string]any{"lookback": "soon"}, nil).Code)

	env.reconciler.err = reconciliation.ErrRunInProgress
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/reconcile", nil, nil).Code)

	var runs map[string]any
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/reconcile/runs", nil, &runs).Code)
}

func TestAdmitAndReplaceOverrides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	long := &db.Trade{TraderID: "alice", Symbol: "ETHUSDT", Side: db.SideLong, Size: 1, EntryPrice: 2000}
	require.NoError(t, env.store.CreateTrade(ctx, long))
	var out position.Outcome
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/trades/"+long.ID+"/admit", nil, &out).Code)
	assert.Equal(t, position.ActionAdmit, out.Action)

	short := &db.Trade{TraderID: "alice", Symbol: "ETHUSDT", Side: db.SideShort, Size: 1, EntryPrice: 2010, CreatedAt: time.Now().Add(time.Second)}
	require.NoError(t, env.store.CreateTrade(ctx, short))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/trades/"+short.ID+"/admit", nil, &out).Code)
	assert.Equal(t, position.ActionReject, out.Action)

	// no longer pending
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/trades/"+short.ID+"/admit", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/trades/missing/admit", nil, nil).Code)

	body := map[string]string{"trader_id": "alice", "symbol": "ethusdt", "side": "LONG"}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/trades/"+short.ID+"/replace", body, &out).Code)
	assert.Equal(t, position.ActionReplace, out.Action)
	assert.Equal(t, db.StatusPending, out.Status)

	got, err := env.store.GetTrade(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusClosed, got.Status)

	bad := map[string]string{"trader_id": "alice", "symbol": "ETHUSDT", "side": "UP"}
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/trades/"+short.ID+"/replace", bad, nil).Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer(Config{JWTSecret: testSecret, RateLimit: 1, RateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		s.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
