package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/internal/balance"
	"ledger-sync/internal/events"
	"ledger-sync/internal/monitor"
	"ledger-sync/internal/notify"
	"ledger-sync/pkg/cache"
	"ledger-sync/pkg/db"
	"ledger-sync/pkg/exchanges/common"
)

// Store is the ledger surface the sync handler writes through.
type Store interface {
	GetTrade(ctx context.Context, id string) (*db.Trade, error)
	FindTradeByExternalOrderID(ctx context.Context, orderID string) (*db.Trade, error)
	ListRecentRawResponses(ctx context.Context, since time.Time, limit int) ([]db.Trade, error)
	BackfillOrderID(ctx context.Context, tradeID string, leg db.OrderLeg, orderID string) error
	UpdateTradeFill(ctx context.Context, t *db.Trade) error
}

// PositionInvalidator drops cached positions for a trader.
type PositionInvalidator interface {
	Invalidate(traderID string)
}

// SyncConfig bounds the raw-payload fallback scan and mark price throttling.
type SyncConfig struct {
	FallbackWindow       time.Duration
	FallbackLimit        int
	MarkPriceMinInterval time.Duration
}

// SyncHandler applies stream events to the ledger, the balance state and the price cache.
type SyncHandler struct {
	store     Store
	cfg       SyncConfig
	positions PositionInvalidator
	balances  *balance.Manager
	prices    *cache.MarkPriceCache
	notifier  *notify.Notifier
	metrics   *monitor.SystemMetrics
	now       func() time.Time
}

// Deps are the optional collaborators of a SyncHandler.
type Deps struct {
	Positions PositionInvalidator
	Balances  *balance.Manager
	Prices    *cache.MarkPriceCache
	Notifier  *notify.Notifier
	Metrics   *monitor.SystemMetrics
}

// NewSyncHandler wires a handler; nil balance and price stores are created.
func NewSyncHandler(store Store, cfg SyncConfig, deps Deps) *SyncHandler {
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = 24 * time.Hour
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = 200
	}
	if deps.Balances == nil {
		deps.Balances = balance.NewManager()
	}
	if deps.Prices == nil {
		deps.Prices = cache.NewMarkPriceCache()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewSystemMetrics()
	}
	return &SyncHandler{
		store:     store,
		cfg:       cfg,
		positions: deps.Positions,
		balances:  deps.Balances,
		prices:    deps.Prices,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
}

// SetPositions attaches the position cache after construction.
func (h *SyncHandler) SetPositions(p PositionInvalidator) { h.positions = p }

// Register subscribes the handler's methods on d.
func (h *SyncHandler) Register(d *events.Dispatcher) {
	d.Register(events.KindOrderUpdate, "ledger-sync", h.HandleOrderUpdate)
	d.Register(events.KindAccountSnapshot, "balances", h.HandleAccountSnapshot)
	d.Register(events.KindTicker, "prices", h.HandleTicker)
}

// HandleOrderUpdate resolves the trade an execution report belongs to and records it.
// Unknown orders are logged and ignored.
func (h *SyncHandler) HandleOrderUpdate(ctx context.Context, ev events.Event) error {
	o := ev.Order
	if o == nil {
		return nil
	}
	timer := monitor.NewTimer(h.metrics.SyncLatency)
	defer timer.Stop()

	eventTime := ev.EventTime
	if eventTime == 0 {
		eventTime = o.TradeTime
	}

	t, leg, err := h.resolve(ctx, o)
	if errors.Is(err, db.ErrNotFound) {
		h.metrics.IncFillsUnresolved()
		logx.WithContext(ctx).Infof("sync: no trade for order=%s client=%s symbol=%s status=%s",
			o.OrderID, o.ClientOrderID, o.Symbol, o.Status)
		return nil
	}
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		d := decideFill(t, leg, o, eventTime)
		if !d.apply {
			h.metrics.IncFillsDuplicate()
			logx.WithContext(ctx).Debugf("sync: skip trade=%s order=%s reason=%s", t.ID, o.OrderID, d.reason)
			return nil
		}

		tr := applyFill(t, leg, o, d, eventTime, h.now())
		err := h.store.UpdateTradeFill(ctx, t)
		if errors.Is(err, db.ErrStaleWrite) {
			// another writer got in first: re-read and decide again
			if t, err = h.store.GetTrade(ctx, t.ID); err != nil {
				return fmt.Errorf("reload trade after stale write: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}

		h.metrics.IncFillsApplied()
		h.afterApply(ctx, t, o, tr)
		return nil
	}
	return fmt.Errorf("sync trade %s order %s: %w", t.ID, o.OrderID, db.ErrStaleWrite)
}

func (h *SyncHandler) afterApply(ctx context.Context, t *db.Trade, o *events.OrderUpdate, tr transition) {
	if tr == transitionNone {
		return
	}
	logx.WithContext(ctx).Infof("sync: trade=%s trader=%s %s symbol=%s side=%s size=%.8f order=%s",
		t.ID, t.TraderID, tr, t.Symbol, t.Side, t.Size, o.OrderID)

	if (tr == transitionOpened || tr == transitionClosed) && h.positions != nil {
		h.positions.Invalidate(t.TraderID)
	}

	level := notify.LevelInfo
	if tr == transitionFailed {
		level = notify.LevelWarning
	}
	h.notifier.Notify(notify.Notification{
		Level:   level,
		Source:  "sync",
		Title:   fmt.Sprintf("trade %s %s", t.Symbol, tr),
		Message: fmt.Sprintf("trade %s %s %s", t.ID, t.Side, tr),
		Fields: map[string]any{
			"trade_id": t.ID,
			"trader":   t.TraderID,
			"size":     t.Size,
			"entry":    t.EntryPrice,
			"exit":     t.ExitPrice,
			"status":   string(t.Status),
		},
	})
}

// HandleAccountSnapshot replaces balances in memory.
func (h *SyncHandler) HandleAccountSnapshot(_ context.Context, ev events.Event) error {
	if ev.Account == nil {
		return nil
	}
	assets := make([]balance.Asset, 0, len(ev.Account.Balances))
	for _, b := range ev.Account.Balances {
		assets = append(assets, balance.Asset{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	h.balances.ApplySnapshot(ev.EventTime, assets)
	return nil
}

// HandleTicker feeds the throttled price cache.
func (h *SyncHandler) HandleTicker(_ context.Context, ev events.Event) error {
	if ev.Ticker == nil {
		return nil
	}
	key := ev.Ticker.Symbol
	if ev.Ticker.Source == events.SourceLast {
		key = cache.LastPriceKey(key)
	}
	h.prices.SetThrottled(key, ev.Ticker.Price, h.cfg.MarkPriceMinInterval)
	return nil
}

// Balances exposes the balance state.
func (h *SyncHandler) Balances() *balance.Manager { return h.balances }

// Prices exposes the price cache.
func (h *SyncHandler) Prices() *cache.MarkPriceCache { return h.prices }

// inferLeg decides which leg an order is when only the raw payload matched:
// an order on the trade's own direction opens, the other side closes.
func inferLeg(t *db.Trade, side common.Side) db.OrderLeg {
	switch {
	case t.Side == db.SideLong && side == common.SideSell,
		t.Side == db.SideShort && side == common.SideBuy:
		return db.LegExit
	default:
		return db.LegEntry
	}
}
