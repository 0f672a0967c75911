package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/internal/notify"
	"ledger-sync/pkg/exchanges/binance/futures_usdt"
)

// KeyClient is the listen-key REST surface.
type KeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// ListenKeyConfig controls the key lifecycle.
type ListenKeyConfig struct {
	TTL                time.Duration
	RefreshBefore      time.Duration
	MaxAcquireFailures int
	RequestTimeout     time.Duration
	RetryInterval      time.Duration // wait after a failed refresh
}

func (c *ListenKeyConfig) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Minute
	}
	if c.RefreshBefore <= 0 || c.RefreshBefore >= c.TTL {
		c.RefreshBefore = 5 * time.Minute
	}
	if c.MaxAcquireFailures <= 0 {
		c.MaxAcquireFailures = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
}

// ListenKeyManager owns one listen key: acquires it, refreshes it ahead of expiry,
// replaces it when the venue rejects it and releases it on shutdown.
type ListenKeyManager struct {
	client   KeyClient
	cfg      ListenKeyConfig
	notifier *notify.Notifier

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu              sync.RWMutex
	key             string
	expiresAt       time.Time
	acquireFailures int
	onRotate        func(newKey string)
}

// ListenKeyOption configures a ListenKeyManager.
type ListenKeyOption func(*ListenKeyManager)

// WithListenKeyClock replaces time.Now and time.After.
func WithListenKeyClock(now func() time.Time, after func(time.Duration) <-chan time.Time) ListenKeyOption {
	return func(m *ListenKeyManager) {
		m.now = now
		m.after = after
	}
}

// WithListenKeyNotifier routes repeated acquisition failures to n.
func WithListenKeyNotifier(n *notify.Notifier) ListenKeyOption {
	return func(m *ListenKeyManager) { m.notifier = n }
}

// NewListenKeyManager creates a manager holding no key.
func NewListenKeyManager(client KeyClient, cfg ListenKeyConfig, opts ...ListenKeyOption) *ListenKeyManager {
	cfg.withDefaults()
	m := &ListenKeyManager{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		after:  time.After,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnRotate registers the callback invoked with the new key after a replacement.
func (m *ListenKeyManager) OnRotate(fn func(newKey string)) {
	m.mu.Lock()
	m.onRotate = fn
	m.mu.Unlock()
}

// Key returns the current key, empty when none is held.
func (m *ListenKeyManager) Key() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key
}

// ExpiresAt returns when the current key lapses without a refresh.
func (m *ListenKeyManager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiresAt
}

// NextRefreshAt is the expiry minus the refresh lead.
func (m *ListenKeyManager) NextRefreshAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.expiresAt.IsZero() {
		return time.Time{}
	}
	return m.expiresAt.Add(-m.cfg.RefreshBefore)
}

// Acquire obtains a new key and starts its expiry clock.
func (m *ListenKeyManager) Acquire(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	key, err := m.client.CreateListenKey(reqCtx)
	if err != nil {
		m.mu.Lock()
		m.acquireFailures++
		failures := m.acquireFailures
		m.mu.Unlock()

		if failures%m.cfg.MaxAcquireFailures == 0 {
			logx.Alert(fmt.Sprintf("listenkey: %d consecutive acquisition failures, last err=%v", failures, err))
			m.notifier.Notify(notify.Notification{
				Level:   notify.LevelCritical,
				Source:  "listenkey",
				Title:   "listen key unavailable",
				Message: err.Error(),
				Fields:  map[string]any{"failures": failures},
			})
		}
		return "", fmt.Errorf("acquire listen key (failure %d): %w", failures, err)
	}

	m.mu.Lock()
	m.key = key
	m.expiresAt = m.now().Add(m.cfg.TTL)
	m.acquireFailures = 0
	m.mu.Unlock()
	logx.Infof("listenkey: acquired, expires_at=%s", m.ExpiresAt().Format(time.RFC3339))
	return key, nil
}

// Refresh extends the current key. A rejected key is replaced through Acquire and the
// rotation callback fires with the new key.
func (m *ListenKeyManager) Refresh(ctx context.Context) error {
	key := m.Key()
	if key == "" {
		_, err := m.Rotate(ctx)
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	err := m.client.KeepAliveListenKey(reqCtx, key)
	cancel()
	if err == nil {
		m.mu.Lock()
		if m.key == key {
			m.expiresAt = m.now().Add(m.cfg.TTL)
		}
		m.mu.Unlock()
		return nil
	}
	if errors.Is(err, futures_usdt.ErrListenKeyRejected) {
		logx.Errorf("listenkey: keepalive rejected, rotating err=%v", err)
		_, rerr := m.Rotate(ctx)
		return rerr
	}
	return fmt.Errorf("refresh listen key: %w", err)
}

// Rotate replaces the current key unconditionally and fires the rotation callback.
func (m *ListenKeyManager) Rotate(ctx context.Context) (string, error) {
	key, err := m.Acquire(ctx)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	fn := m.onRotate
	m.mu.RUnlock()
	if fn != nil {
		fn(key)
	}
	return key, nil
}

// Run refreshes the key at NextRefreshAt until ctx is done. Failed refreshes are retried
// after RetryInterval.
func (m *ListenKeyManager) Run(ctx context.Context) {
	var wait time.Duration
	for {
		if next := m.NextRefreshAt(); !next.IsZero() && wait == 0 {
			wait = next.Sub(m.now())
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-m.after(wait):
		}

		wait = 0
		if err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logx.Errorf("listenkey: refresh failed, retry_in=%s err=%v", m.cfg.RetryInterval, err)
			wait = m.cfg.RetryInterval
		}
	}
}

// Release deletes the key on the venue. Failures are logged only.
func (m *ListenKeyManager) Release(ctx context.Context) {
	m.mu.Lock()
	key := m.key
	m.key = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
	if key == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	if err := m.client.CloseListenKey(reqCtx, key); err != nil {
		logx.Errorf("listenkey: release err=%v", err)
	}
}
