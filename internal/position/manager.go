package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"go.uber.org/multierr"

	"ledger-sync/internal/cooldown"
	"ledger-sync/internal/monitor"
	"ledger-sync/internal/notify"
	"ledger-sync/pkg/cache"
	"ledger-sync/pkg/db"
)

// Store is the ledger surface used for conflict resolution.
type Store interface {
	GetTrade(ctx context.Context, id string) (*db.Trade, error)
	ListLiveTrades(ctx context.Context, traderID string) ([]db.Trade, error)
	ApplyMerge(ctx context.Context, primaryID string, size, entryPrice float64, absorbedID string) error
	MarkMerged(ctx context.Context, id, primaryID, reason string) error
	MarkStatus(ctx context.Context, id string, status db.TradeStatus, reason string) error
	CloseTrade(ctx context.Context, id string, exitPrice float64, closedAt time.Time, reason string) error
}

// Cooldowns is the subset of the cooldown manager the position manager needs.
type Cooldowns interface {
	IsOnCooldown(symbol, traderID string) (cooldown.Cooldown, bool)
	SetTrader(symbol, traderID string, d time.Duration, reason string) cooldown.Cooldown
	SetPostMerge(symbol string, d time.Duration, reason string) cooldown.Cooldown
}

// PriceSource reads mark and last prices.
type PriceSource interface {
	Get(symbol string) (float64, bool)
}

// Deps are the optional collaborators of a Manager.
type Deps struct {
	Cooldowns Cooldowns
	Prices    PriceSource
	Notifier  *notify.Notifier
	Metrics   *monitor.SystemMetrics
}

// Manager resolves incoming trades against a trader's live positions.
type Manager struct {
	store     Store
	cfg       Config
	cooldowns Cooldowns
	prices    PriceSource
	notifier  *notify.Notifier
	metrics   *monitor.SystemMetrics
	locks     *keyedLocks
	cache     *positionCache
	now       func() time.Time
}

// NewManager builds a position manager. Missing cooldowns or prices are replaced with
// empty in-memory ones.
func NewManager(store Store, cfg Config, deps Deps) (*Manager, error) {
	if store == nil {
		return nil, errors.New("position: store is required")
	}
	switch cfg.FailurePolicy {
	case "":
		cfg.FailurePolicy = FailOpen
	case FailOpen, FailClosed:
	default:
		return nil, fmt.Errorf("position: unknown failure policy %q", cfg.FailurePolicy)
	}
	pc, err := newPositionCache(store, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	if deps.Cooldowns == nil {
		deps.Cooldowns = cooldown.NewManager(cooldown.Durations{})
	}
	if deps.Prices == nil {
		deps.Prices = cache.NewMarkPriceCache()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewSystemMetrics()
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		cooldowns: deps.Cooldowns,
		prices:    deps.Prices,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		locks:     newKeyedLocks(),
		cache:     pc,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Invalidate drops the cached positions of a trader.
func (m *Manager) Invalidate(traderID string) {
	m.cache.invalidate(traderID)
}

// Positions returns a trader's aggregated live positions with mark price and
// unrealized pnl when a price is known.
func (m *Manager) Positions(ctx context.Context, traderID string) ([]Position, error) {
	if traderID == "" {
		return nil, db.ErrTraderIDRequired
	}
	snap, err := m.cache.get(ctx, traderID)
	if err != nil {
		return nil, err
	}
	out := snap.positions(traderID)
	for i := range out {
		m.applyMark(&out[i])
	}
	return out, nil
}

func (m *Manager) markPrice(symbol string) (float64, bool) {
	if p, ok := m.prices.Get(symbol); ok && p > 0 {
		return p, true
	}
	if p, ok := m.prices.Get(cache.LastPriceKey(symbol)); ok && p > 0 {
		return p, true
	}
	return 0, false
}

func (m *Manager) applyMark(p *Position) {
	mark, ok := m.markPrice(p.Symbol)
	if !ok {
		return
	}
	p.MarkPrice = mark
	diff := mark - p.EntryPrice
	if p.Side == db.SideShort {
		diff = -diff
	}
	p.UnrealizedPnL = diff * p.Size
}

// CheckPositionConflict reports whether a new trade on (symbol, side) collides with a
// live position of the trader. The new trade itself is never counted. A same-side
// position wins over an opposite-side one.
func (m *Manager) CheckPositionConflict(ctx context.Context, traderID, symbol string, side db.Side, newTradeID string) (*Conflict, error) {
	if traderID == "" {
		return nil, db.ErrTraderIDRequired
	}
	snap, err := m.cache.get(ctx, traderID)
	if err != nil {
		return nil, err
	}

	if pos, ok := snap.position(traderID, symbol, side, newTradeID); ok {
		m.applyMark(&pos)
		return &Conflict{
			NewTradeID: newTradeID, TraderID: traderID, Symbol: symbol, Side: side,
			Existing: pos, Type: ConflictSameSide, Action: ActionMerge,
		}, nil
	}
	if pos, ok := snap.position(traderID, symbol, side.Opposite(), newTradeID); ok {
		m.applyMark(&pos)
		return &Conflict{
			NewTradeID: newTradeID, TraderID: traderID, Symbol: symbol, Side: side,
			Existing: pos, Type: ConflictOppositeSide, Action: ActionReject,
		}, nil
	}
	return nil, nil
}

// HandlePositionConflict applies the conflict's action to the new trade.
func (m *Manager) HandlePositionConflict(ctx context.Context, c *Conflict, nt NewTradeData) (Outcome, error) {
	if c == nil {
		return Outcome{}, errors.New("position: nil conflict")
	}
	switch c.Action {
	case ActionMerge:
		return m.merge(ctx, c, nt)
	case ActionReject:
		return m.reject(ctx, c, nt)
	case ActionReplace:
		return m.replace(ctx, c, nt)
	case ActionCooldown:
		reason := fmt.Sprintf("cooldown after conflict on %s %s", c.Symbol, c.Type)
		cd := m.cooldowns.SetTrader(nt.Symbol, nt.TraderID, 0, reason)
		return m.cooldownReject(ctx, nt, c, &cd)
	default:
		return Outcome{}, fmt.Errorf("position: unknown conflict action %q", c.Action)
	}
}

func (m *Manager) merge(ctx context.Context, c *Conflict, nt NewTradeData) (Outcome, error) {
	log := logx.WithContext(ctx)
	primary, err := m.store.GetTrade(ctx, c.Existing.PrimaryTradeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("position: load primary %s: %w", c.Existing.PrimaryTradeID, err)
	}
	size, entry := weightedEntry(primary.Size, primary.EntryPrice, nt.Size, nt.EntryPrice)

	if err := m.store.ApplyMerge(ctx, primary.ID, size, entry, nt.TradeID); err != nil {
		return Outcome{}, fmt.Errorf("position: merge into %s: %w", primary.ID, err)
	}
	reason := fmt.Sprintf("merged into %s", primary.ID)
	if err := m.store.MarkMerged(ctx, nt.TradeID, primary.ID, reason); err != nil {
		// The primary records the absorbed id; the next load finishes the merge.
		log.Errorf("position: half merge trade=%s primary=%s err=%v", nt.TradeID, primary.ID, err)
		m.Invalidate(nt.TraderID)
		return Outcome{}, fmt.Errorf("position: mark %s merged: %w", nt.TradeID, err)
	}

	cd := m.cooldowns.SetPostMerge(nt.Symbol, 0, fmt.Sprintf("merged %s into %s", nt.TradeID, primary.ID))
	m.Invalidate(nt.TraderID)
	m.metrics.IncMerges()
	log.Infof("position: merged trade=%s primary=%s symbol=%s side=%s size=%v entry=%v",
		nt.TradeID, primary.ID, nt.Symbol, nt.Side, size, entry)
	m.notifier.Notify(notify.Notification{
		Level:   notify.LevelInfo,
		Source:  "position",
		Title:   "Trade merged",
		Message: fmt.Sprintf("%s %s merged into %s", nt.Symbol, nt.Side, primary.ID),
		Fields:  map[string]any{"trader": nt.TraderID, "trade": nt.TradeID, "size": size, "entry": entry},
	})

	out := Outcome{
		TradeID:        nt.TradeID,
		Action:         ActionMerge,
		Status:         db.StatusMerged,
		PrimaryTradeID: primary.ID,
		Conflict:       c,
		Reason:         reason,
	}
	if cd.Remaining > 0 {
		out.Cooldown = &cd
	}
	return out, nil
}

func (m *Manager) reject(ctx context.Context, c *Conflict, nt NewTradeData) (Outcome, error) {
	reason := fmt.Sprintf("opposite %s position open on %s (primary %s)", c.Existing.Side, c.Symbol, c.Existing.PrimaryTradeID)
	if err := m.store.MarkStatus(ctx, nt.TradeID, db.StatusRejected, reason); err != nil {
		return Outcome{}, fmt.Errorf("position: reject %s: %w", nt.TradeID, err)
	}
	m.Invalidate(nt.TraderID)
	m.metrics.IncRejects()
	logx.WithContext(ctx).Infof("position: rejected trade=%s trader=%s reason=%q", nt.TradeID, nt.TraderID, reason)
	return Outcome{
		TradeID:        nt.TradeID,
		Action:         ActionReject,
		Status:         db.StatusRejected,
		PrimaryTradeID: c.Existing.PrimaryTradeID,
		Conflict:       c,
		Reason:         reason,
	}, nil
}

func (m *Manager) cooldownReject(ctx context.Context, nt NewTradeData, c *Conflict, cd *cooldown.Cooldown) (Outcome, error) {
	reason := fmt.Sprintf("%s on cooldown (%s) for %s", nt.Symbol, cd.Scope, cd.Remaining.Round(time.Second))
	if err := m.store.MarkStatus(ctx, nt.TradeID, db.StatusCooldownRejected, reason); err != nil {
		return Outcome{}, fmt.Errorf("position: cooldown reject %s: %w", nt.TradeID, err)
	}
	m.Invalidate(nt.TraderID)
	m.metrics.IncRejects()
	logx.WithContext(ctx).Infof("position: cooldown rejected trade=%s trader=%s reason=%q", nt.TradeID, nt.TraderID, reason)
	return Outcome{
		TradeID:  nt.TradeID,
		Action:   ActionCooldown,
		Status:   db.StatusCooldownRejected,
		Conflict: c,
		Cooldown: cd,
		Reason:   reason,
	}, nil
}

func (m *Manager) replace(ctx context.Context, c *Conflict, nt NewTradeData) (Outcome, error) {
	log := logx.WithContext(ctx)
	exit := c.Existing.EntryPrice
	if mark, ok := m.markPrice(c.Symbol); ok {
		exit = mark
	}
	reason := fmt.Sprintf("replaced by %s", nt.TradeID)
	now := m.now()

	var errs error
	for _, id := range c.Existing.TradeIDs {
		if id == nt.TradeID {
			continue
		}
		if err := m.store.CloseTrade(ctx, id, exit, now, reason); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		m.Invalidate(nt.TraderID)
		return Outcome{}, fmt.Errorf("position: replace %s: %w", c.Existing.PrimaryTradeID, errs)
	}

	t, err := m.store.GetTrade(ctx, nt.TradeID)
	if err != nil {
		m.Invalidate(nt.TraderID)
		return Outcome{}, fmt.Errorf("position: load replacing trade %s: %w", nt.TradeID, err)
	}
	status := t.Status
	if status == db.StatusRejected || status == db.StatusCooldownRejected {
		status = db.StatusPending
		if t.EntryFilledQty > 0 {
			status = db.StatusOpen
		}
		if err := m.store.MarkStatus(ctx, t.ID, status, "admitted by replace"); err != nil {
			m.Invalidate(nt.TraderID)
			return Outcome{}, fmt.Errorf("position: promote %s: %w", t.ID, err)
		}
	}
	m.Invalidate(nt.TraderID)

	log.Infof("position: replaced primary=%s by trade=%s exit=%v", c.Existing.PrimaryTradeID, nt.TradeID, exit)
	m.notifier.Notify(notify.Notification{
		Level:   notify.LevelWarning,
		Source:  "position",
		Title:   "Position replaced",
		Message: fmt.Sprintf("%s %s position %s closed and replaced by %s", c.Symbol, c.Existing.Side, c.Existing.PrimaryTradeID, nt.TradeID),
		Fields:  map[string]any{"trader": nt.TraderID, "closed": c.Existing.TradeIDs, "exit": exit},
	})
	return Outcome{
		TradeID:        nt.TradeID,
		Action:         ActionReplace,
		Status:         status,
		PrimaryTradeID: nt.TradeID,
		Conflict:       c,
		Reason:         reason,
	}, nil
}

// ProcessNewTrade runs the full admission path for a new trade under its trader and
// symbol lock: cooldown check, conflict check, resolution. Trades with no conflict are
// admitted unchanged.
func (m *Manager) ProcessNewTrade(ctx context.Context, nt NewTradeData) (Outcome, error) {
	if err := nt.validate(); err != nil {
		return Outcome{}, err
	}
	timer := monitor.NewTimer(m.metrics.ConflictLatency)
	defer timer.Stop()

	unlock := m.locks.lock(nt.TraderID, nt.Symbol)
	defer unlock()

	if cd, ok := m.cooldowns.IsOnCooldown(nt.Symbol, nt.TraderID); ok {
		return m.cooldownReject(ctx, nt, nil, &cd)
	}

	c, err := m.CheckPositionConflict(ctx, nt.TraderID, nt.Symbol, nt.Side, nt.TradeID)
	if err != nil {
		return m.checkFailed(ctx, nt, err)
	}
	if c == nil {
		m.Invalidate(nt.TraderID)
		return Outcome{TradeID: nt.TradeID, Action: ActionAdmit}, nil
	}
	return m.HandlePositionConflict(ctx, c, nt)
}

func (m *Manager) checkFailed(ctx context.Context, nt NewTradeData, cause error) (Outcome, error) {
	log := logx.WithContext(ctx)
	if m.cfg.FailurePolicy == FailClosed {
		reason := fmt.Sprintf("conflict check unavailable: %v", cause)
		if err := m.store.MarkStatus(ctx, nt.TradeID, db.StatusRejected, reason); err != nil {
			log.Errorf("position: reject unchecked trade=%s err=%v", nt.TradeID, err)
		}
		m.Invalidate(nt.TraderID)
		m.metrics.IncRejects()
		return Outcome{}, fmt.Errorf("%w: %w", ErrConflictCheckUnavailable, cause)
	}

	m.metrics.IncDegradedAdmits()
	log.Errorf("position: admitting trade=%s without conflict check err=%v", nt.TradeID, cause)
	m.notifier.Notify(notify.Notification{
		Level:   notify.LevelWarning,
		Source:  "position",
		Title:   "Conflict check unavailable",
		Message: fmt.Sprintf("trade %s on %s admitted without a conflict check", nt.TradeID, nt.Symbol),
		Fields:  map[string]any{"trader": nt.TraderID, "error": cause.Error()},
	})
	return Outcome{
		TradeID:  nt.TradeID,
		Action:   ActionAdmit,
		Degraded: true,
		Reason:   cause.Error(),
	}, nil
}

// AdmitTrade runs ProcessNewTrade for a stored PENDING trade.
func (m *Manager) AdmitTrade(ctx context.Context, tradeID string) (Outcome, error) {
	t, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return Outcome{}, err
	}
	if t.Status != db.StatusPending {
		return Outcome{}, fmt.Errorf("%w: trade %s is %s", ErrNotAdmissible, t.ID, t.Status)
	}
	return m.ProcessNewTrade(ctx, tradeData(t))
}

// Replace closes the trader's live position on (symbol, side) and admits newTradeID in
// its place. It is the manual override for a rejected or pending trade.
func (m *Manager) Replace(ctx context.Context, traderID, symbol string, side db.Side, newTradeID string) (Outcome, error) {
	t, err := m.store.GetTrade(ctx, newTradeID)
	if err != nil {
		return Outcome{}, err
	}
	if t.TraderID != traderID || !side.Valid() {
		return Outcome{}, fmt.Errorf("%w: trade %s does not belong to %s or side %q", ErrInvalidTrade, newTradeID, traderID, side)
	}

	unlock := m.locks.lock(traderID, symbol)
	defer unlock()

	snap, err := m.cache.get(ctx, traderID)
	if err != nil {
		return Outcome{}, err
	}
	pos, ok := snap.position(traderID, symbol, side, newTradeID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s %s %s", ErrNoPosition, traderID, symbol, side)
	}
	typ := ConflictSameSide
	if t.Side != side {
		typ = ConflictOppositeSide
	}
	c := &Conflict{
		NewTradeID: newTradeID, TraderID: traderID, Symbol: symbol, Side: t.Side,
		Existing: pos, Type: typ, Action: ActionReplace,
	}
	return m.replace(ctx, c, tradeData(t))
}
