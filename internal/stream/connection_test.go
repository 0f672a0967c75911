package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-sync/internal/events"
	"ledger-sync/internal/monitor"
)

type recordingHandler struct {
	mu     sync.Mutex
	frames []string
}

func (h *recordingHandler) Dispatch(_ context.Context, frame []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, string(frame))
	return 1, nil
}

func (h *recordingHandler) got() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		Name:                 "test",
		URL:                  wsURL(srv),
		PingInterval:         time.Hour,
		MaxConsecutiveErrors: 5,
		BackoffInitial:       5 * time.Millisecond,
		BackoffMax:           20 * time.Millisecond,
	}
}

func TestConnectionDispatchesAndReconnects(t *testing.T) {
	var upgrader websocket.Upgrader
	var conns atomic.Int32
	var paths sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		paths.Store(n, r.URL.Path)
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"n":`+strconv.Itoa(int(n))+`}`))
		if n == 1 {
			// drop the first session to force a reconnect
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	keys := &fakeKeys{}
	h := &recordingHandler{}
	metrics := monitor.NewSystemMetrics()
	conn := NewConnection(testConfig(srv), NewListenKeyManager(keys, ListenKeyConfig{}), h, nil, metrics)
	require.NoError(t, conn.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.got()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, h.got())
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, time.Second, 5*time.Millisecond)

	p, _ := paths.Load(int32(1))
	assert.Equal(t, "/ws/key-1", p)
	st := conn.Status()
	assert.Zero(t, st.ConsecutiveErrors)
	assert.Zero(t, st.Attempts)
	assert.GreaterOrEqual(t, metrics.GetSnapshot().Reconnects, uint64(1))

	require.NoError(t, conn.Stop(context.Background()))
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, []string{"key-1"}, keys.closed)
	assert.NoError(t, conn.Fatal())
	select {
	case <-conn.Done():
	default:
		t.Fatal("done not closed after stop")
	}
}

func TestConnectionTurnsFatalAfterConsecutiveErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.MaxConsecutiveErrors = 2
	conn := NewConnection(cfg, nil, &recordingHandler{}, nil, nil)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(context.Background())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection never gave up")
	}
	assert.True(t, errors.Is(conn.Fatal(), ErrFatal))
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, int64(3), conn.Status().ConsecutiveErrors)
}

type failingHandler struct{ calls atomic.Int32 }

func (h *failingHandler) Dispatch(context.Context, []byte) (int, error) {
	h.calls.Add(1)
	return 0, errors.New("bad frame")
}

func TestConnectionTurnsFatalOnUndecodableFrames(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for i := 0; i < 10; i++ {
			if err := c.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
				return
			}
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.MaxConsecutiveErrors = 3
	h := &failingHandler{}
	conn := NewConnection(cfg, nil, h, nil, nil)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(context.Background())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection never gave up on undecodable frames")
	}
	assert.True(t, errors.Is(conn.Fatal(), ErrFatal))
	assert.Equal(t, int64(4), conn.Status().ConsecutiveErrors)
	assert.Equal(t, int32(4), h.calls.Load())
	assert.Contains(t, conn.Status().LastError, "bad frame")
}

func TestConnectionStartFailsWithoutListenKey(t *testing.T) {
	keys := &fakeKeys{createErr: errors.New("401")}
	conn := NewConnection(Config{URL: "ws://127.0.0.1:1/ws"}, NewListenKeyManager(keys, ListenKeyConfig{}), &recordingHandler{}, nil, nil)
	err := conn.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnectionReconnectsOnMissingPong(t *testing.T) {
	var upgrader websocket.Upgrader
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		// never read, so pings are never answered
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongTimeout = 30 * time.Millisecond
	conn := NewConnection(cfg, nil, &recordingHandler{}, nil, nil)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(context.Background())

	require.Eventually(t, func() bool { return conns.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestListenKeyExpiredRotatesAndReconnects(t *testing.T) {
	var upgrader websocket.Upgrader
	pathCh := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathCh <- r.URL.Path
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if r.URL.Path == "/ws/key-1" {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"e":"listenKeyExpired","E":1}`))
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	keys := &fakeKeys{}
	d := events.NewDispatcher(nil)
	conn := NewConnection(testConfig(srv), NewListenKeyManager(keys, ListenKeyConfig{}), d, nil, nil)
	d.Register(events.KindListenKeyExpired, "rotate", conn.HandleListenKeyExpired)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(context.Background())

	assert.Equal(t, "/ws/key-1", <-pathCh)
	select {
	case p := <-pathCh:
		assert.Equal(t, "/ws/key-2", p)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect with the rotated key")
	}
	assert.Zero(t, conn.Status().ConsecutiveErrors)
}

func TestPublicStreamURL(t *testing.T) {
	conn := NewConnection(Config{URL: "wss://fstream.binance.com/stream/", Streams: []string{"BTCUSDT@markPrice", "!miniTicker@arr"}}, nil, &recordingHandler{}, nil, nil)
	u, err := conn.streamURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt@markPrice/!miniTicker@arr", u)
}
