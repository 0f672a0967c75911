package reconciliation

import (
	"math"
	"strings"
	"time"

	"ledger-sync/pkg/db"
)

// Record is one closed position as reported by the venue's history.
type Record struct {
	CloseID     string
	Symbol      string
	Side        string // LONG, SHORT, or empty when the venue does not say
	OpenTime    time.Time
	CloseTime   time.Time
	OpenPrice   float64
	ClosePrice  float64
	Size        float64
	RealizedPnL float64
	HasRealized bool
	Fee         float64
	Funding     float64
	HasFunding  bool
}

// Tolerance bounds how far a record's open and close times may drift from a trade's.
type Tolerance struct {
	Open  time.Duration
	Close time.Duration
}

var (
	StrictTolerance  = Tolerance{Open: 2 * time.Minute, Close: 15 * time.Minute}
	RelaxedTolerance = Tolerance{Open: 10 * time.Minute, Close: 60 * time.Minute}
)

type score struct {
	closeDelta   time.Duration
	openDelta    time.Duration
	sideMismatch bool
	sizeDiff     float64
	closeID      string
}

func (s score) less(o score) bool {
	if s.closeDelta != o.closeDelta {
		return s.closeDelta < o.closeDelta
	}
	if s.openDelta != o.openDelta {
		return s.openDelta < o.openDelta
	}
	if s.sideMismatch != o.sideMismatch {
		return !s.sideMismatch
	}
	if s.sizeDiff != o.sizeDiff {
		return s.sizeDiff < o.sizeDiff
	}
	return s.closeID < o.closeID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func sidesAgree(trade db.Side, record string) bool {
	record = strings.ToUpper(record)
	if record != string(db.SideLong) && record != string(db.SideShort) {
		return true
	}
	if !trade.Valid() {
		return true
	}
	return record == string(trade)
}

// bestMatch picks the closest record within tol that usable accepts. Candidates are
// ranked by close time distance, then open time distance, then side agreement, then
// size difference, with the close id breaking ties. A record on the other side still
// matches when nothing better is in range.
func bestMatch(t *db.Trade, records []Record, tol Tolerance, usable func(closeID string) bool) (Record, bool) {
	var (
		best     Record
		bestRank score
		found    bool
	)
	for _, r := range records {
		if r.CloseID == "" || !usable(r.CloseID) {
			continue
		}
		if r.Symbol != "" && !strings.EqualFold(r.Symbol, t.Symbol) {
			continue
		}
		openDelta := absDuration(r.OpenTime.Sub(t.CreatedAt))
		closeDelta := absDuration(r.CloseTime.Sub(t.ClosedAt))
		if openDelta > tol.Open || closeDelta > tol.Close {
			continue
		}
		rank := score{
			closeDelta:   closeDelta,
			openDelta:    openDelta,
			sideMismatch: !sidesAgree(t.Side, r.Side),
			sizeDiff:     math.Abs(r.Size - t.Size),
			closeID:      r.CloseID,
		}
		if !found || rank.less(bestRank) {
			best, bestRank, found = r, rank, true
		}
	}
	return best, found
}
