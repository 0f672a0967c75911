package order

import (
	"fmt"
	"time"

	"ledger-sync/internal/events"
	"ledger-sync/pkg/db"
	"ledger-sync/pkg/exchanges/common"
)

const qtyEpsilon = 1e-12

// fillDecision is the outcome of comparing an order event with a leg's recorded progress.
type fillDecision struct {
	apply    bool
	reason   string  // why the event was skipped
	newQty   bool    // cumulative quantity strictly increased
	pnlDelta float64 // realized pnl to add, exit leg only
}

// decideFill is the idempotence guard. It never mutates t.
func decideFill(t *db.Trade, leg db.OrderLeg, o *events.OrderUpdate, eventTime int64) fillDecision {
	prevQty, prevStatus := t.EntryFilledQty, common.ParseOrderStatus(t.EntryOrderStatus)
	if leg == db.LegExit {
		prevQty, prevStatus = t.ExitFilledQty, common.ParseOrderStatus(t.ExitOrderStatus)
	}

	qty := o.CumulativeQty
	switch {
	case qty < prevQty-qtyEpsilon:
		return fillDecision{reason: fmt.Sprintf("cumulative quantity regressed %.8f < %.8f", qty, prevQty)}
	case qty <= prevQty+qtyEpsilon && o.Status.Rank() <= prevStatus.Rank():
		return fillDecision{reason: "duplicate"}
	case eventTime > 0 && eventTime < t.LastEventAt && qty <= prevQty+qtyEpsilon:
		return fillDecision{reason: "stale event"}
	}

	d := fillDecision{apply: true, newQty: qty > prevQty+qtyEpsilon}
	if leg == db.LegExit && d.newQty {
		d.pnlDelta = o.RealizedPnL
	}
	return d
}

// transition reports which lifecycle change a fill caused.
type transition string

const (
	transitionNone   transition = ""
	transitionOpened transition = "opened"
	transitionClosed transition = "closed"
	transitionFailed transition = "failed"
)

// applyFill folds o into t according to d. Rows already in a terminal status only
// record leg progress.
func applyFill(t *db.Trade, leg db.OrderLeg, o *events.OrderUpdate, d fillDecision, eventTime int64, now time.Time) transition {
	live := t.Status.Live()
	if eventTime > t.LastEventAt {
		t.LastEventAt = eventTime
	}

	if leg == db.LegExit {
		t.ExitFilledQty = o.CumulativeQty
		t.ExitOrderStatus = string(o.Status)
		if !live {
			return transitionNone
		}
		t.RealizedPnL += d.pnlDelta
		if o.Status == common.StatusFilled {
			t.Status = db.StatusClosed
			if p := o.FillPrice(); p > 0 {
				t.ExitPrice = p
			}
			t.ClosedAt = closeTime(o, eventTime, now)
			return transitionClosed
		}
		return transitionNone
	}

	prevQty := t.EntryFilledQty
	t.EntryFilledQty = o.CumulativeQty
	t.EntryOrderStatus = string(o.Status)
	if !live {
		return transitionNone
	}

	result := transitionNone
	if o.CumulativeQty > qtyEpsilon {
		if len(t.MergedTradeIDs) == 0 {
			t.Size = o.CumulativeQty
			if p := o.FillPrice(); p > 0 {
				t.EntryPrice = p
			}
		} else if prevQty > qtyEpsilon {
			growMergedEntry(t, o, o.CumulativeQty-prevQty)
		}
		if t.Status == db.StatusPending {
			t.Status = db.StatusOpen
			result = transitionOpened
		}
		return result
	}

	switch o.Status {
	case common.StatusCanceled, common.StatusExpired, common.StatusRejected:
		if t.Status == db.StatusPending {
			t.Status = db.StatusFailed
			t.Reason = fmt.Sprintf("entry order %s without fill", o.Status)
			result = transitionFailed
		}
	}
	return result
}

// growMergedEntry adds a primary's own later fills to its aggregated size. A primary
// merged before any fill already counts its requested size and is left alone.
func growMergedEntry(t *db.Trade, o *events.OrderUpdate, delta float64) {
	if delta <= qtyEpsilon {
		return
	}
	price := o.LastPrice
	if price <= 0 {
		price = o.FillPrice()
	}
	size := t.Size + delta
	if price > 0 && size > 0 {
		t.EntryPrice = (t.Size*t.EntryPrice + delta*price) / size
	}
	t.Size = size
}

func closeTime(o *events.OrderUpdate, eventTime int64, now time.Time) time.Time {
	switch {
	case o.TradeTime > 0:
		return time.UnixMilli(o.TradeTime).UTC()
	case eventTime > 0:
		return time.UnixMilli(eventTime).UTC()
	default:
		return now.UTC()
	}
}
