package reconciliation

import (
	"context"
	"time"

	"ledger-sync/pkg/exchanges/binance/futures_usdt"
)

// History returns closed positions of symbol whose lifetime touches [start, end].
type History interface {
	PositionHistory(ctx context.Context, symbol string, start, end time.Time) ([]Record, error)
}

// Funding returns net funding for symbol over [start, end], positive when received.
type Funding interface {
	FundingBetween(ctx context.Context, symbol string, start, end time.Time) (float64, error)
}

type venueHistory interface {
	PositionHistory(ctx context.Context, symbol string, start, end time.Time) ([]futures_usdt.PositionRecord, error)
}

// FuturesHistory adapts the USDT-M futures client to History.
type FuturesHistory struct {
	client venueHistory
}

func NewFuturesHistory(client venueHistory) *FuturesHistory {
	return &FuturesHistory{client: client}
}

func (h *FuturesHistory) PositionHistory(ctx context.Context, symbol string, start, end time.Time) ([]Record, error) {
	recs, err := h.client.PositionHistory(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, Record{
			CloseID:     r.CloseID,
			Symbol:      r.Symbol,
			Side:        r.Side,
			OpenTime:    r.OpenTime,
			CloseTime:   r.CloseTime,
			OpenPrice:   r.OpenPrice,
			ClosePrice:  r.ClosePrice,
			Size:        r.Size,
			RealizedPnL: r.RealizedPnL,
			// rebuilt from fills, so realized pnl is always the venue's own figure
			HasRealized: true,
			Fee:         r.Fee,
		})
	}
	return out, nil
}
