package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/multierr"

	"ledger-sync/internal/events"
	"ledger-sync/internal/monitor"
	"ledger-sync/internal/notify"
)

var (
	// ErrFatal marks a connection that gave up after too many consecutive errors.
	ErrFatal = errors.New("stream fatal")

	errForcedReconnect = errors.New("forced reconnect")
	errGaveUp          = errors.New("gave up")
)

// FrameHandler consumes raw frames; *events.Dispatcher satisfies it.
type FrameHandler interface {
	Dispatch(ctx context.Context, frame []byte) (int, error)
}

// Config controls one websocket connection.
type Config struct {
	Name string
	// URL is the websocket base, e.g. wss://fstream.binance.com/ws for a private
	// stream or wss://fstream.binance.com/stream for combined public streams.
	URL     string
	Streams []string // public stream names; ignored for private connections

	PingInterval         time.Duration
	PongTimeout          time.Duration
	HandshakeTimeout     time.Duration
	MaxConsecutiveErrors int
	MaxMessagesPerSecond int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	BackoffMultiplier    float64
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "stream"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 60 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
}

// newBackOff builds a deterministic, capped exponential schedule.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffInitial
	b.MaxInterval = cfg.BackoffMax
	b.Multiplier = cfg.BackoffMultiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Status is a point-in-time view of a connection.
type Status struct {
	Name               string    `json:"name"`
	State              State     `json:"state"`
	Attempts           int64     `json:"attempts"`
	ConsecutiveErrors  int64     `json:"consecutive_errors"`
	WindowCount        int       `json:"window_count"`
	WindowLimit        int       `json:"window_limit"`
	NextDelay          string    `json:"next_delay,omitempty"`
	ConnectedAt        time.Time `json:"connected_at,omitempty"`
	LastPong           time.Time `json:"last_pong,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	Fatal              string    `json:"fatal,omitempty"`
	ListenKeyExpiresAt time.Time `json:"listen_key_expires_at,omitempty"`
}

// Connection keeps one websocket alive: it reconnects with backoff, pings, throttles
// inbound frames and, for private streams, keeps the listen key fresh.
type Connection struct {
	cfg      Config
	keys     *ListenKeyManager
	handler  FrameHandler
	notifier *notify.Notifier
	metrics  *monitor.SystemMetrics
	dialer   *websocket.Dialer

	sm   *stateMachine
	rate *RateWindow
	bo   *backoff.ExponentialBackOff

	attempts          atomic.Int64
	consecutiveErrors atomic.Int64
	lastPong          atomic.Int64 // unix nano
	connectedAt       atomic.Int64
	nextDelay         atomic.Int64
	forced            atomic.Bool

	mu        sync.Mutex
	conn      *websocket.Conn
	lastError string
	fatalErr  error
	cancel    context.CancelFunc
	group     *threading.RoutineGroup

	done     chan struct{}
	doneOnce sync.Once
}

// NewConnection builds a connection. keys is nil for public streams.
func NewConnection(cfg Config, keys *ListenKeyManager, handler FrameHandler, notifier *notify.Notifier, metrics *monitor.SystemMetrics) *Connection {
	cfg.withDefaults()
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	return &Connection{
		cfg:      cfg,
		keys:     keys,
		handler:  handler,
		notifier: notifier,
		metrics:  metrics,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		sm:   newStateMachine(),
		rate: NewRateWindow(cfg.MaxMessagesPerSecond),
		bo:   newBackOff(cfg),
		done: make(chan struct{}),
	}
}

// Name identifies the connection in logs and status.
func (c *Connection) Name() string { return c.cfg.Name }

// Start acquires the listen key for private streams and launches the read loop,
// heartbeat, rate-window reset and key refresh tasks. It fails when no key can be had.
func (c *Connection) Start(ctx context.Context) error {
	if c.keys != nil {
		if _, err := c.keys.Acquire(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.cfg.Name, err)
		}
		c.keys.OnRotate(func(string) { c.ForceReconnect("listen key rotated") })
	}

	runCtx, cancel := context.WithCancel(ctx)
	group := threading.NewRoutineGroup()
	c.mu.Lock()
	c.cancel = cancel
	c.group = group
	c.mu.Unlock()

	group.RunSafe(func() { c.readLoop(runCtx) })
	group.RunSafe(func() { c.heartbeat(runCtx) })
	group.RunSafe(func() { c.rate.Run(runCtx, time.Second) })
	if c.keys != nil {
		group.RunSafe(func() { c.keys.Run(runCtx) })
	}
	logx.Infof("stream: %s started", c.cfg.Name)
	return nil
}

// Stop cancels all tasks, closes the socket and releases the listen key.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, group := c.cancel, c.group
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = multierr.Append(err, ignoreClosed(conn.Close()))
	}
	_ = c.sm.Transition(StateClosed)

	waited := make(chan struct{})
	go func() {
		group.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("stop %s: %w", c.cfg.Name, ctx.Err()))
	}

	if c.keys != nil {
		c.keys.Release(ctx)
	}
	c.doneOnce.Do(func() { close(c.done) })
	logx.Infof("stream: %s stopped", c.cfg.Name)
	return err
}

// Done is closed when the connection stops or turns fatal.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Fatal returns the error that ended the connection, nil unless it gave up.
func (c *Connection) Fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.sm.Current() }

// ForceReconnect drops the current socket; the read loop reconnects.
func (c *Connection) ForceReconnect(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	logx.Infof("stream: %s forcing reconnect reason=%s", c.cfg.Name, reason)
	c.forced.Store(true)
	_ = conn.Close()
}

// HandleListenKeyExpired rotates the key; the rotation callback reconnects with it.
func (c *Connection) HandleListenKeyExpired(ctx context.Context, _ events.Event) error {
	if c.keys == nil {
		return nil
	}
	_, err := c.keys.Rotate(ctx)
	return err
}

// Status snapshots counters and state.
func (c *Connection) Status() Status {
	count, limit, _ := c.rate.Counts()
	s := Status{
		Name:              c.cfg.Name,
		State:             c.sm.Current(),
		Attempts:          c.attempts.Load(),
		ConsecutiveErrors: c.consecutiveErrors.Load(),
		WindowCount:       count,
		WindowLimit:       limit,
	}
	if d := c.nextDelay.Load(); d > 0 {
		s.NextDelay = time.Duration(d).String()
	}
	if ts := c.connectedAt.Load(); ts > 0 {
		s.ConnectedAt = time.Unix(0, ts).UTC()
	}
	if ts := c.lastPong.Load(); ts > 0 {
		s.LastPong = time.Unix(0, ts).UTC()
	}
	if c.keys != nil {
		s.ListenKeyExpiresAt = c.keys.ExpiresAt()
	}
	c.mu.Lock()
	s.LastError = c.lastError
	if c.fatalErr != nil {
		s.Fatal = c.fatalErr.Error()
	}
	c.mu.Unlock()
	return s
}

func (c *Connection) streamURL() (string, error) {
	base := strings.TrimRight(c.cfg.URL, "/")
	if c.keys != nil {
		key := c.keys.Key()
		if key == "" {
			return "", errors.New("no listen key")
		}
		return base + "/" + url.PathEscape(key), nil
	}
	if len(c.cfg.Streams) == 0 {
		return base, nil
	}
	// symbols are lowercase on the wire; the stream type after @ keeps its case
	names := make([]string, len(c.cfg.Streams))
	for i, s := range c.cfg.Streams {
		symbol, kind, ok := strings.Cut(s, "@")
		switch {
		case strings.HasPrefix(s, "!"):
			names[i] = s
		case ok:
			names[i] = strings.ToLower(symbol) + "@" + kind
		default:
			names[i] = strings.ToLower(s)
		}
	}
	return base + "?streams=" + strings.Join(names, "/"), nil
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.connect(ctx)
		if err == nil {
			err = c.consume(ctx, conn)
			c.dropConn(conn)
		}
		if ctx.Err() != nil || errors.Is(err, errGaveUp) {
			return
		}

		if errors.Is(err, errForcedReconnect) {
			_ = c.sm.Transition(StateClosed)
		} else {
			_ = c.sm.Transition(StateError)
			if c.recordError(err) {
				return
			}
		}
		_ = c.sm.Transition(StateReconnecting)
		c.metrics.IncReconnects()
		if !c.sleepBackoff(ctx) {
			return
		}
	}
}

func (c *Connection) connect(ctx context.Context) (*websocket.Conn, error) {
	if err := c.sm.Transition(StateConnecting); err != nil {
		return nil, err
	}
	c.attempts.Add(1)

	target, err := c.streamURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Name, err)
	}

	now := time.Now()
	c.lastPong.Store(now.UnixNano())
	c.connectedAt.Store(now.UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		c.rate.Allow()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.rate.Allow()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.forced.Store(false)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err := c.sm.Transition(StateConnected); err != nil {
		return nil, err
	}
	c.attempts.Store(0)
	c.nextDelay.Store(0)
	c.bo.Reset()
	logx.Infof("stream: %s connected", c.cfg.Name)
	return conn, nil
}

// consume reads until the socket fails. The consecutive error count is cleared by the
// first frame that is processed without error; frames that fail to decode before that
// count toward the ceiling like connect failures do.
func (c *Connection) consume(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	healthy := false
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.forced.Load() {
				return errForcedReconnect
			}
			return fmt.Errorf("read %s: %w", c.cfg.Name, err)
		}

		if !c.rate.Allow() {
			c.metrics.IncThrottledWaits()
			if err := c.rate.Wait(ctx, time.Second); err != nil {
				return err
			}
		}

		_, derr := c.handler.Dispatch(ctx, frame)
		switch {
		case derr == nil:
			if !healthy {
				healthy = true
				c.consecutiveErrors.Store(0)
			}
		case !healthy:
			if c.recordError(fmt.Errorf("decode %s: %w", c.cfg.Name, derr)) {
				return errGaveUp
			}
		}
	}
}

func (c *Connection) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// recordError counts err and reports whether the connection has turned fatal.
func (c *Connection) recordError(err error) bool {
	n := c.consecutiveErrors.Add(1)
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
	logx.Errorf("stream: %s error consecutive=%d err=%v", c.cfg.Name, n, err)

	if n <= int64(c.cfg.MaxConsecutiveErrors) {
		return false
	}

	fatal := fmt.Errorf("%w: %s: %d consecutive errors, last: %v", ErrFatal, c.cfg.Name, n, err)
	c.mu.Lock()
	c.fatalErr = fatal
	c.mu.Unlock()
	_ = c.sm.Transition(StateClosed)

	logx.Alert(fmt.Sprintf("stream: %s giving up: %v", c.cfg.Name, fatal))
	c.notifier.Notify(notify.Notification{
		Level:   notify.LevelCritical,
		Source:  "stream",
		Title:   c.cfg.Name + " stopped",
		Message: fatal.Error(),
		Fields:  map[string]any{"consecutive_errors": n},
	})
	c.doneOnce.Do(func() { close(c.done) })
	return true
}

func (c *Connection) sleepBackoff(ctx context.Context) bool {
	delay := c.bo.NextBackOff()
	c.nextDelay.Store(int64(delay))
	logx.Infof("stream: %s reconnecting in %s attempt=%d", c.cfg.Name, delay, c.attempts.Load()+1)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// heartbeat pings the live socket and forces a reconnect when pongs stop arriving.
func (c *Connection) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil || c.sm.Current() != StateConnected {
			continue
		}

		last := time.Unix(0, c.lastPong.Load())
		if time.Since(last) > c.cfg.PongTimeout {
			// closing without the forced flag makes the read loop count it as an error
			logx.Errorf("stream: %s pong timeout last_pong=%s", c.cfg.Name, last.Format(time.RFC3339))
			_ = conn.Close()
			continue
		}
		c.rate.Allow()
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingInterval)); err != nil {
			logx.Errorf("stream: %s ping err=%v", c.cfg.Name, err)
		}
	}
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, websocket.ErrCloseSent) || strings.Contains(err.Error(), "use of closed network connection") {
		return nil
	}
	return err
}
