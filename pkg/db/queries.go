package db

import (
	"context"
	"fmt"
	"time"
)

// ----------------------------------------
// Trader-scoped queries
// ----------------------------------------

// ListLiveTrades returns PENDING and OPEN trades of one trader, oldest first.
func (d *Database) ListLiveTrades(ctx context.Context, traderID string) ([]Trade, error) {
	if traderID == "" {
		return nil, ErrTraderIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE trader_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC
	`, traderID, string(StatusPending), string(StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("query live trades: %w", err)
	}
	return scanTrades(rows)
}

// ListTradesByTrader returns the newest trades of one trader.
func (d *Database) ListTradesByTrader(ctx context.Context, traderID string, limit int) ([]Trade, error) {
	if traderID == "" {
		return nil, ErrTraderIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE trader_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, traderID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return scanTrades(rows)
}

// ListLiveTraders returns every trader id that has at least one live trade.
func (d *Database) ListLiveTraders(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT DISTINCT trader_id FROM trades WHERE status IN (?, ?) ORDER BY trader_id
	`, string(StatusPending), string(StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("query live traders: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan trader: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Reconciliation queries
// ----------------------------------------

// ListClosedTrades returns CLOSED trades whose closed_at is at or after since.
// An empty traderID selects every trader.
func (d *Database) ListClosedTrades(ctx context.Context, traderID string, since time.Time) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ? AND closed_at IS NOT NULL AND closed_at >= ?`
	args := []any{string(StatusClosed), since.UTC()}
	if traderID != "" {
		query += ` AND trader_id = ?`
		args = append(args, traderID)
	}
	query += ` ORDER BY closed_at ASC, id ASC`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	return scanTrades(rows)
}

// ReconciliationRun is one audit row of a finished reconciliation pass.
type ReconciliationRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Lookback   time.Duration
	DryRun     bool
	Examined   int
	Matched    int
	Updated    int
	Unmatched  int
	Failed     int
}

// ListReconciliationRuns returns the newest audit rows.
func (d *Database) ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, started_at, finished_at, lookback_seconds, dry_run, examined, matched, updated, unmatched, failed
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationRun
	for rows.Next() {
		var (
			r       ReconciliationRun
			seconds int64
			dryRun  int
		)
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &seconds, &dryRun,
			&r.Examined, &r.Matched, &r.Updated, &r.Unmatched, &r.Failed); err != nil {
			return nil, fmt.Errorf("scan reconciliation run: %w", err)
		}
		r.Lookback = time.Duration(seconds) * time.Second
		r.DryRun = dryRun != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
