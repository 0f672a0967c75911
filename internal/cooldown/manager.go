package cooldown

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

// Scope identifies which of the independent cooldown tables an entry lives in.
type Scope string

const (
	ScopeSymbol    Scope = "symbol"
	ScopeTrader    Scope = "symbol_trader"
	ScopePostMerge Scope = "post_merge"
)

// checkOrder is the order IsOnCooldown consults the scopes in.
var checkOrder = []Scope{ScopeSymbol, ScopeTrader, ScopePostMerge}

// Cooldown is one active entry. Remaining is filled on reads.
type Cooldown struct {
	Scope     Scope         `json:"scope"`
	Symbol    string        `json:"symbol"`
	TraderID  string        `json:"trader_id,omitempty"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// Key is the scope key of the entry.
func (c Cooldown) Key() string { return key(c.Scope, c.Symbol, c.TraderID) }

func key(scope Scope, symbol, trader string) string {
	symbol = strings.ToUpper(symbol)
	if scope == ScopeTrader {
		return string(scope) + ":" + symbol + ":" + trader
	}
	return string(scope) + ":" + symbol
}

// Durations are the default lengths used when a setter is given zero.
type Durations struct {
	Symbol    time.Duration
	Trader    time.Duration
	PostMerge time.Duration
}

// Persister makes cooldowns survive restarts. Save and Delete are called off the
// caller's path, one at a time, in the order the entries changed.
type Persister interface {
	Save(ctx context.Context, c Cooldown) error
	Delete(ctx context.Context, c Cooldown) error
	Load(ctx context.Context) ([]Cooldown, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persister = p }
}

// Manager owns all cooldown state; every access goes through its methods.
type Manager struct {
	mu        sync.Mutex
	entries   map[string]Cooldown
	defaults  Durations
	now       func() time.Time
	persister Persister
	writes    *writer
}

// NewManager creates an empty, process-local cooldown table.
func NewManager(defaults Durations, opts ...Option) *Manager {
	m := &Manager{
		entries:  make(map[string]Cooldown),
		defaults: defaults,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.persister != nil {
		m.writes = newWriter(m.persister)
	}
	return m
}

// IsOnCooldown returns the first active entry in scope order symbol, symbol+trader,
// post-merge. Expired entries met on the way are evicted.
func (m *Manager) IsOnCooldown(symbol, traderID string) (Cooldown, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, scope := range checkOrder {
		if scope == ScopeTrader && traderID == "" {
			continue
		}
		k := key(scope, symbol, traderID)
		c, ok := m.entries[k]
		if !ok {
			continue
		}
		if !now.Before(c.EndTime) {
			delete(m.entries, k)
			continue
		}
		c.Remaining = c.EndTime.Sub(now)
		return c, true
	}
	return Cooldown{}, false
}

// SetSymbol installs a symbol-global cooldown.
func (m *Manager) SetSymbol(symbol string, d time.Duration, reason string) Cooldown {
	return m.set(ScopeSymbol, symbol, "", orDefault(d, m.defaults.Symbol), reason)
}

// SetTrader installs a symbol+trader cooldown.
func (m *Manager) SetTrader(symbol, traderID string, d time.Duration, reason string) Cooldown {
	return m.set(ScopeTrader, symbol, traderID, orDefault(d, m.defaults.Trader), reason)
}

// SetPostMerge installs the longer symbol cooldown that follows a merge.
func (m *Manager) SetPostMerge(symbol string, d time.Duration, reason string) Cooldown {
	return m.set(ScopePostMerge, symbol, "", orDefault(d, m.defaults.PostMerge), reason)
}

// SetUntil installs an entry with an explicit end time. An earlier end time than an
// existing entry's does not shorten it.
func (m *Manager) SetUntil(scope Scope, symbol, traderID string, end time.Time, reason string) Cooldown {
	now := m.now()
	c := Cooldown{
		Scope:    scope,
		Symbol:   strings.ToUpper(symbol),
		TraderID: traderID,
		EndTime:  end,
		Duration: end.Sub(now),
		Reason:   reason,
	}
	if scope != ScopeTrader {
		c.TraderID = ""
	}

	m.mu.Lock()
	if prev, ok := m.entries[c.Key()]; ok && prev.EndTime.After(c.EndTime) {
		m.mu.Unlock()
		prev.Remaining = prev.EndTime.Sub(now)
		return prev
	}
	m.entries[c.Key()] = c
	m.persist(persistOp{c: c})
	m.mu.Unlock()

	c.Remaining = c.Duration
	return c
}

func (m *Manager) set(scope Scope, symbol, traderID string, d time.Duration, reason string) Cooldown {
	return m.SetUntil(scope, symbol, traderID, m.now().Add(d), reason)
}

// Clear removes one entry.
func (m *Manager) Clear(scope Scope, symbol, traderID string) bool {
	k := key(scope, symbol, traderID)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.entries[k]
	delete(m.entries, k)
	if ok {
		m.persist(persistOp{c: c, delete: true})
	}
	return ok
}

// Cleanup evicts expired entries and returns how many were removed.
func (m *Manager) Cleanup() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, c := range m.entries {
		if !now.Before(c.EndTime) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Active lists unexpired entries, optionally filtered by symbol and trader.
func (m *Manager) Active(symbol, traderID string) []Cooldown {
	now := m.now()
	symbol = strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Cooldown, 0, len(m.entries))
	for _, c := range m.entries {
		if !now.Before(c.EndTime) {
			continue
		}
		if symbol != "" && c.Symbol != symbol {
			continue
		}
		if traderID != "" && c.TraderID != "" && c.TraderID != traderID {
			continue
		}
		c.Remaining = c.EndTime.Sub(now)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Run evicts expired entries every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Cleanup(); n > 0 {
				logx.Infof("cooldown: evicted %d expired entries", n)
			}
		}
	}
}

// Restore loads persisted, still-active entries. It is a no-op without a persister.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.persister == nil {
		return 0, nil
	}
	loaded, err := m.persister.Load(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	restored := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range loaded {
		if !now.Before(c.EndTime) {
			continue
		}
		if prev, ok := m.entries[c.Key()]; ok && !c.EndTime.After(prev.EndTime) {
			continue
		}
		c.Remaining = 0
		m.entries[c.Key()] = c
		restored++
	}
	return restored, nil
}

// Flush waits until every change made so far has reached the persister.
func (m *Manager) Flush(ctx context.Context) error {
	if m.writes == nil {
		return nil
	}
	return m.writes.flush(ctx)
}

// Close flushes pending writes and stops the persistence worker. Later changes stay
// in memory only.
func (m *Manager) Close(ctx context.Context) error {
	if m.writes == nil {
		return nil
	}
	err := m.writes.flush(ctx)
	m.writes.stop()
	return err
}

// persist queues op; callers hold m.mu so the queue follows the order of changes.
func (m *Manager) persist(op persistOp) {
	if m.writes != nil {
		m.writes.push(op)
	}
}

type persistOp struct {
	c      Cooldown
	delete bool
	done   chan struct{} // set on flush markers
}

// writer applies persister calls on a single goroutine in queue order.
type writer struct {
	p       Persister
	mu      sync.Mutex
	queue   []persistOp
	stopped bool
	wake    chan struct{}
}

func newWriter(p Persister) *writer {
	w := &writer{p: p, wake: make(chan struct{}, 1)}
	threading.GoSafe(w.run)
	return w
}

func (w *writer) push(op persistOp) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		logx.Errorf("cooldown: writer stopped, dropping key=%s delete=%v", op.c.Key(), op.delete)
		return false
	}
	w.queue = append(w.queue, op)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.mu.Unlock()
	return true
}

func (w *writer) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !w.push(persistOp{done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.wake)
	}
}

func (w *writer) run() {
	for range w.wake {
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			op := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			w.apply(op)
		}
	}
}

func (w *writer) apply(op persistOp) {
	if op.done != nil {
		close(op.done)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if op.delete {
		if err := w.p.Delete(ctx, op.c); err != nil {
			logx.Errorf("cooldown: delete persisted key=%s err=%v", op.c.Key(), err)
		}
		return
	}
	if err := w.p.Save(ctx, op.c); err != nil {
		logx.Errorf("cooldown: persist key=%s err=%v", op.c.Key(), err)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
