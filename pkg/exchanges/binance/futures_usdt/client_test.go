package futures_usdt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenKeyLifecycleRequests(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-MBX-APIKEY"))
		assert.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		seen = append(seen, r.Method+" "+r.URL.Query().Get("listenKey"))
		switch r.Method {
		case http.MethodPost:
			_, _ = w.Write([]byte(`{"listenKey":"lk-abc"}`))
		case http.MethodPut:
			if r.URL.Query().Get("listenKey") == "stale" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":-1125,"msg":"This listenKey does not exist."}`))
				return
			}
			_, _ = w.Write([]byte(`{}`))
		case http.MethodDelete:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "key-1", APISecret: "s", BaseURL: srv.URL})
	ctx := context.Background()

	key, err := c.CreateListenKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lk-abc", key)

	require.NoError(t, c.KeepAliveListenKey(ctx, key))
	err = c.KeepAliveListenKey(ctx, "stale")
	assert.True(t, errors.Is(err, ErrListenKeyRejected), "got %v", err)
	require.NoError(t, c.CloseListenKey(ctx, key))

	assert.Equal(t, []string{"POST ", "PUT lk-abc", "PUT stale", "DELETE lk-abc"}, seen)
}

func TestBuildPositionHistoryRoundTrips(t *testing.T) {
	base := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	fills := []UserTrade{
		{ID: 1, Symbol: "BTCUSDT", Side: "BUY", PositionSide: "BOTH", Price: "100", Qty: "1", Commission: "0.04", Time: base},
		{ID: 2, Symbol: "BTCUSDT", Side: "BUY", PositionSide: "BOTH", Price: "110", Qty: "1", Commission: "0.04", Time: base + 60_000},
		{ID: 3, Symbol: "BTCUSDT", Side: "SELL", PositionSide: "BOTH", Price: "120", Qty: "2", RealizedPnl: "30", Commission: "0.1", Time: base + 600_000},
		// flip: closes nothing, opens short then a flip fill closes it and opens long
		{ID: 4, Symbol: "BTCUSDT", Side: "SELL", PositionSide: "BOTH", Price: "120", Qty: "1", Commission: "0.02", Time: base + 700_000},
		{ID: 5, Symbol: "BTCUSDT", Side: "BUY", PositionSide: "BOTH", Price: "115", Qty: "3", RealizedPnl: "5", Commission: "0.06", Time: base + 800_000},
	}

	recs := BuildPositionHistory(fills)
	require.Len(t, recs, 2)

	long := recs[0]
	assert.Equal(t, "3", long.CloseID)
	assert.Equal(t, "LONG", long.Side)
	assert.InDelta(t, 105, long.OpenPrice, 1e-9)
	assert.InDelta(t, 120, long.ClosePrice, 1e-9)
	assert.InDelta(t, 2, long.Size, 1e-9)
	assert.InDelta(t, 30, long.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.18, long.Fee, 1e-9)
	assert.Equal(t, time.UnixMilli(base).UTC(), long.OpenTime)

	short := recs[1]
	assert.Equal(t, "5", short.CloseID)
	assert.Equal(t, "SHORT", short.Side)
	assert.InDelta(t, 1, short.Size, 1e-9)
	assert.InDelta(t, 115, short.ClosePrice, 1e-9)
	// a third of fill 5's commission belongs to the closing part
	assert.InDelta(t, 0.04, short.Fee, 1e-9)
}

func TestBuildPositionHistorySkipsOpenPositions(t *testing.T) {
	fills := []UserTrade{
		{ID: 1, Symbol: "ETHUSDT", Side: "SELL", PositionSide: "SHORT", Price: "2000", Qty: "1", Time: 1},
	}
	assert.Empty(t, BuildPositionHistory(fills))
}

func TestBuildPositionHistorySkipsCloseOfEarlierPosition(t *testing.T) {
	// the window opens after an earlier long was bought; its closing sell comes first
	fills := []UserTrade{
		{ID: 1, Symbol: "BTCUSDT", Side: "SELL", PositionSide: "BOTH", Price: "95", Qty: "1", RealizedPnl: "-5", Time: 1000},
		{ID: 2, Symbol: "BTCUSDT", Side: "BUY", PositionSide: "BOTH", Price: "100", Qty: "1", Time: 2000},
		{ID: 3, Symbol: "BTCUSDT", Side: "SELL", PositionSide: "BOTH", Price: "130", Qty: "1", RealizedPnl: "30", Time: 3000},
	}

	recs := BuildPositionHistory(fills)
	require.Len(t, recs, 1)
	assert.Equal(t, "3", recs[0].CloseID)
	assert.Equal(t, "LONG", recs[0].Side)
	assert.Equal(t, time.UnixMilli(2000).UTC(), recs[0].OpenTime)
	assert.InDelta(t, 100, recs[0].OpenPrice, 1e-9)
	assert.InDelta(t, 130, recs[0].ClosePrice, 1e-9)
	assert.InDelta(t, 30, recs[0].RealizedPnL, 1e-9)
}

func TestBuildPositionHistorySkipsPartialClosesOfEarlierPosition(t *testing.T) {
	fills := []UserTrade{
		{ID: 1, Symbol: "ETHUSDT", Side: "BUY", PositionSide: "SHORT", Price: "1990", Qty: "1", RealizedPnl: "10", Time: 1000},
		{ID: 2, Symbol: "ETHUSDT", Side: "BUY", PositionSide: "SHORT", Price: "1980", Qty: "1", RealizedPnl: "20", Time: 1500},
		{ID: 3, Symbol: "ETHUSDT", Side: "SELL", PositionSide: "SHORT", Price: "2000", Qty: "2", Time: 2000},
		{ID: 4, Symbol: "ETHUSDT", Side: "BUY", PositionSide: "SHORT", Price: "1950", Qty: "2", RealizedPnl: "100", Time: 3000},
	}

	recs := BuildPositionHistory(fills)
	require.Len(t, recs, 1)
	assert.Equal(t, "4", recs[0].CloseID)
	assert.Equal(t, "SHORT", recs[0].Side)
	assert.InDelta(t, 2, recs[0].Size, 1e-9)
	assert.InDelta(t, 100, recs[0].RealizedPnL, 1e-9)
}
