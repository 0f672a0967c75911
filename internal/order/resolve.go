package order

import (
	"context"
	"errors"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/internal/events"
	"ledger-sync/pkg/db"
)

// resolve finds the trade and leg an order belongs to: exact exchange id, then client
// id, then a scan of recent raw exchange payloads. A payload match backfills the id.
func (h *SyncHandler) resolve(ctx context.Context, o *events.OrderUpdate) (*db.Trade, db.OrderLeg, error) {
	for _, id := range []string{o.OrderID, o.ClientOrderID} {
		if id == "" {
			continue
		}
		t, err := h.store.FindTradeByExternalOrderID(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, db.LegEntry, err
		}
		return t, legOf(t, o), nil
	}

	t, err := h.scanRawResponses(ctx, o)
	if err != nil {
		return nil, db.LegEntry, err
	}
	leg := inferLeg(t, o.Side)
	h.metrics.IncFallbackHits()
	if o.OrderID != "" {
		if err := h.store.BackfillOrderID(ctx, t.ID, leg, o.OrderID); err != nil {
			logx.WithContext(ctx).Errorf("sync: backfill trade=%s order=%s err=%v", t.ID, o.OrderID, err)
		} else {
			logx.WithContext(ctx).Infof("sync: backfilled trade=%s order=%s leg=%d", t.ID, o.OrderID, leg)
		}
	}
	return t, leg, nil
}

func legOf(t *db.Trade, o *events.OrderUpdate) db.OrderLeg {
	if t.CloseOrderID != "" && (t.CloseOrderID == o.OrderID || t.CloseOrderID == o.ClientOrderID) {
		return db.LegExit
	}
	return db.LegEntry
}

func (h *SyncHandler) scanRawResponses(ctx context.Context, o *events.OrderUpdate) (*db.Trade, error) {
	since := h.now().Add(-h.cfg.FallbackWindow)
	recent, err := h.store.ListRecentRawResponses(ctx, since, h.cfg.FallbackLimit)
	if err != nil {
		return nil, err
	}
	for i := range recent {
		t := &recent[i]
		if o.Symbol != "" && t.Symbol != "" && !strings.EqualFold(t.Symbol, o.Symbol) {
			continue
		}
		if containsID(t.RawResponse, o.OrderID) || containsID(t.RawResponse, o.ClientOrderID) {
			return t, nil
		}
	}
	return nil, db.ErrNotFound
}

// containsID reports whether id occurs in raw as a whole token, so 123 does not match 1234.
func containsID(raw, id string) bool {
	if id == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(raw[from:], id)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(id)
		if (start == 0 || !isIDChar(raw[start-1])) && (end == len(raw) || !isIDChar(raw[end])) {
			return true
		}
		from = start + 1
	}
}

func isIDChar(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b == '_' || b == '-'
}
