package reconciliation

import (
	"github.com/shopspring/decimal"

	"ledger-sync/pkg/db"
)

// derivePnL returns the net realized pnl of a matched record: the venue's realized
// figure when present, otherwise price difference times size by side, then minus fees
// and plus funding.
func derivePnL(side db.Side, r Record, funding float64) decimal.Decimal {
	gross := decimal.NewFromFloat(r.RealizedPnL)
	if !r.HasRealized {
		diff := decimal.NewFromFloat(r.ClosePrice).Sub(decimal.NewFromFloat(r.OpenPrice))
		recSide := db.Side(r.Side)
		if !recSide.Valid() {
			recSide = side
		}
		if recSide == db.SideShort {
			diff = diff.Neg()
		}
		gross = diff.Mul(decimal.NewFromFloat(r.Size))
	}
	return gross.Sub(decimal.NewFromFloat(r.Fee)).Add(decimal.NewFromFloat(funding))
}

// material reports whether stored and derived differ by more than threshold.
func material(stored float64, derived decimal.Decimal, threshold float64) bool {
	return derived.Sub(decimal.NewFromFloat(stored)).Abs().GreaterThan(decimal.NewFromFloat(threshold))
}
