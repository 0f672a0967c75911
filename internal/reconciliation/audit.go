package reconciliation

import (
	"ledger-sync/internal/persistence"
)

// Auditor records finished runs.
type Auditor interface {
	RecordRun(r *Report)
}

// AuditLog writes run and correction rows through a batch writer.
type AuditLog struct {
	writer *persistence.BatchWriter
}

func NewAuditLog(w *persistence.BatchWriter) *AuditLog {
	return &AuditLog{writer: w}
}

func (a *AuditLog) RecordRun(r *Report) {
	a.writer.Write(persistence.WriteOp{
		Table: "reconciliation_runs",
		Query: `INSERT INTO reconciliation_runs
			(id, started_at, finished_at, lookback_seconds, dry_run, examined, matched, updated, unmatched, failed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), int64(r.Lookback.Seconds()), boolInt(r.DryRun),
			r.Examined, r.Matched, r.Updated, r.Unmatched, r.Failed,
		},
	})
	for _, c := range r.Corrections {
		a.writer.Write(persistence.WriteOp{
			Table: "reconciliation_corrections",
			Query: `INSERT INTO reconciliation_corrections
				(run_id, trade_id, close_id, old_pnl, new_pnl, relaxed, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			Args: []any{r.RunID, c.TradeID, c.CloseID, c.OldPnL, c.NewPnL, boolInt(c.Relaxed), r.FinishedAt.UTC()},
		})
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
