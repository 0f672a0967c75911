package futures_usdt

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PositionRecord is one closed round trip rebuilt from account fills.
// CloseID is the id of the fill that brought the position back to flat.
type PositionRecord struct {
	CloseID     string
	Symbol      string
	Side        string // LONG or SHORT
	OpenTime    time.Time
	CloseTime   time.Time
	OpenPrice   float64
	ClosePrice  float64
	Size        float64 // peak absolute quantity
	RealizedPnL float64 // gross, as reported per fill by the venue
	Fee         float64 // commissions paid, positive is a cost
}

// PositionHistory returns closed round trips for symbol whose fills fall in [start, end].
func (c *Client) PositionHistory(ctx context.Context, symbol string, start, end time.Time) ([]PositionRecord, error) {
	fills, err := c.GetUserTrades(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	return BuildPositionHistory(fills), nil
}

type roundTrip struct {
	side       string
	openTime   int64
	net        decimal.Decimal // signed, BUY positive
	peak       decimal.Decimal
	entryQty   decimal.Decimal
	entryValue decimal.Decimal
	exitQty    decimal.Decimal
	exitValue  decimal.Decimal
	pnl        decimal.Decimal
	fee        decimal.Decimal
}

func (r *roundTrip) open(t UserTrade, qty, price, fee decimal.Decimal, buy bool) {
	r.side = "LONG"
	r.net = qty
	if !buy {
		r.side = "SHORT"
		r.net = qty.Neg()
	}
	r.openTime = t.Time
	r.peak = qty
	r.entryQty = qty
	r.entryValue = qty.Mul(price)
	r.fee = fee
}

// BuildPositionHistory walks fills per (symbol, position side) and emits a record each time
// the running quantity returns to zero. A fill that flips the position is split: the closing
// part ends the current record and the remainder opens the next one. Fills that close a
// position opened before the first fill are skipped.
func BuildPositionHistory(fills []UserTrade) []PositionRecord {
	sorted := make([]UserTrade, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Time != sorted[j].Time {
			return sorted[i].Time < sorted[j].Time
		}
		return sorted[i].ID < sorted[j].ID
	})

	open := make(map[string]*roundTrip)
	var out []PositionRecord

	for _, f := range sorted {
		qty, err := decimal.NewFromString(f.Qty)
		if err != nil || !qty.IsPositive() {
			continue
		}
		price, _ := decimal.NewFromString(f.Price)
		fee, _ := decimal.NewFromString(f.Commission)
		pnl, _ := decimal.NewFromString(f.RealizedPnl)
		buy := f.Side == "BUY"

		key := f.Symbol + "|" + f.PositionSide
		rt, ok := open[key]
		if !ok || rt.net.IsZero() {
			// realized pnl with nothing open: reduces a position opened before the window
			if !pnl.IsZero() {
				continue
			}
			rt = &roundTrip{}
			rt.open(f, qty, price, fee, buy)
			rt.pnl = pnl
			open[key] = rt
			continue
		}

		increasing := (rt.net.IsPositive() && buy) || (rt.net.IsNegative() && !buy)
		if increasing {
			if buy {
				rt.net = rt.net.Add(qty)
			} else {
				rt.net = rt.net.Sub(qty)
			}
			if rt.net.Abs().GreaterThan(rt.peak) {
				rt.peak = rt.net.Abs()
			}
			rt.entryQty = rt.entryQty.Add(qty)
			rt.entryValue = rt.entryValue.Add(qty.Mul(price))
			rt.fee = rt.fee.Add(fee)
			rt.pnl = rt.pnl.Add(pnl)
			continue
		}

		closeQty := decimal.Min(qty, rt.net.Abs())
		share := closeQty.Div(qty)
		rt.exitQty = rt.exitQty.Add(closeQty)
		rt.exitValue = rt.exitValue.Add(closeQty.Mul(price))
		rt.pnl = rt.pnl.Add(pnl)
		rt.fee = rt.fee.Add(fee.Mul(share))
		if rt.net.IsPositive() {
			rt.net = rt.net.Sub(closeQty)
		} else {
			rt.net = rt.net.Add(closeQty)
		}
		if !rt.net.IsZero() {
			continue
		}

		out = append(out, rt.record(f))
		delete(open, key)

		if rest := qty.Sub(closeQty); rest.IsPositive() {
			next := &roundTrip{}
			next.open(f, rest, price, fee.Sub(fee.Mul(share)), buy)
			open[key] = next
		}
	}
	return out
}

func (r *roundTrip) record(closing UserTrade) PositionRecord {
	rec := PositionRecord{
		CloseID:     strconv.FormatInt(closing.ID, 10),
		Symbol:      closing.Symbol,
		Side:        r.side,
		OpenTime:    time.UnixMilli(r.openTime).UTC(),
		CloseTime:   time.UnixMilli(closing.Time).UTC(),
		Size:        r.peak.InexactFloat64(),
		RealizedPnL: r.pnl.InexactFloat64(),
		Fee:         r.fee.InexactFloat64(),
	}
	if r.entryQty.IsPositive() {
		rec.OpenPrice = r.entryValue.Div(r.entryQty).InexactFloat64()
	}
	if r.exitQty.IsPositive() {
		rec.ClosePrice = r.exitValue.Div(r.exitQty).InexactFloat64()
	}
	return rec
}
