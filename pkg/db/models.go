package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrTraderIDRequired = errors.New("trader_id is required for data isolation")
	// ErrStaleWrite is returned when an optimistic update lost the race on version.
	ErrStaleWrite = errors.New("trade row changed since it was read")
)

// Side is the position direction of a trade.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Valid reports whether s is LONG or SHORT.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// TradeStatus is the lifecycle state of a ledger row.
type TradeStatus string

const (
	StatusPending          TradeStatus = "PENDING"
	StatusOpen             TradeStatus = "OPEN"
	StatusClosed           TradeStatus = "CLOSED"
	StatusMerged           TradeStatus = "MERGED"
	StatusRejected         TradeStatus = "REJECTED"
	StatusCooldownRejected TradeStatus = "COOLDOWN_REJECTED"
	StatusFailed           TradeStatus = "FAILED"
)

// Live reports whether the trade still contributes to a position.
func (s TradeStatus) Live() bool { return s == StatusPending || s == StatusOpen }

// Trade is one ledger row. Rows are never deleted; terminal statuses are markers.
type Trade struct {
	ID                string
	TraderID          string
	Symbol            string
	Side              Side
	Size              float64
	EntryPrice        float64
	ExitPrice         float64
	RealizedPnL       float64
	Status            TradeStatus
	MergedIntoTradeID string
	MergedTradeIDs    []string // trades absorbed into this primary
	Reason            string

	ExchangeOrderID string
	ClientOrderID   string
	CloseOrderID    string
	RawResponse     string

	EntryFilledQty   float64
	EntryOrderStatus string
	ExitFilledQty    float64
	ExitOrderStatus  string
	LastEventAt      int64 // exchange event time, ms
	Version          int64

	ReconciledCloseID string
	ReconciledAt      time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  time.Time
}

// HasAbsorbed reports whether id was merged into this trade.
func (t *Trade) HasAbsorbed(id string) bool {
	for _, m := range t.MergedTradeIDs {
		if m == id {
			return true
		}
	}
	return false
}

const tradeColumns = `id, trader_id, symbol, side, size, entry_price, exit_price, realized_pnl, status,
	COALESCE(merged_into_trade_id, ''), merged_trade_ids, reason,
	exchange_order_id, client_order_id, close_order_id, raw_response,
	entry_filled_qty, entry_order_status, exit_filled_qty, exit_order_status, last_event_at, version,
	reconciled_close_id, reconciled_at, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (*Trade, error) {
	var (
		t            Trade
		side, status string
		merged       string
		reconciledAt sql.NullTime
		closedAt     sql.NullTime
	)
	err := r.Scan(&t.ID, &t.TraderID, &t.Symbol, &side, &t.Size, &t.EntryPrice, &t.ExitPrice, &t.RealizedPnL, &status,
		&t.MergedIntoTradeID, &merged, &t.Reason,
		&t.ExchangeOrderID, &t.ClientOrderID, &t.CloseOrderID, &t.RawResponse,
		&t.EntryFilledQty, &t.EntryOrderStatus, &t.ExitFilledQty, &t.ExitOrderStatus, &t.LastEventAt, &t.Version,
		&t.ReconciledCloseID, &reconciledAt, &t.CreatedAt, &t.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	t.Side = Side(side)
	t.Status = TradeStatus(status)
	t.MergedTradeIDs = splitIDs(merged)
	if reconciledAt.Valid {
		t.ReconciledAt = reconciledAt.Time
	}
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]Trade, error) {
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// CreateTrade inserts a new trade row. ID and timestamps are filled when empty.
func (d *Database) CreateTrade(ctx context.Context, t *Trade) error {
	if t.TraderID == "" {
		return ErrTraderIDRequired
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := d.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = now
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, trader_id, symbol, side, size, entry_price, exit_price, realized_pnl, status,
			merged_into_trade_id, merged_trade_ids, reason,
			exchange_order_id, client_order_id, close_order_id, raw_response,
			created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.TraderID, t.Symbol, string(t.Side), t.Size, t.EntryPrice, t.ExitPrice, t.RealizedPnL, string(t.Status),
		t.MergedIntoTradeID, strings.Join(t.MergedTradeIDs, ","), t.Reason,
		t.ExchangeOrderID, t.ClientOrderID, t.CloseOrderID, t.RawResponse,
		t.CreatedAt, t.UpdatedAt, nullTime(t.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetTrade loads a trade by internal id.
func (d *Database) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

// FindTradeByExternalOrderID matches the entry, client or close order id exactly.
func (d *Database) FindTradeByExternalOrderID(ctx context.Context, orderID string) (*Trade, error) {
	if orderID == "" {
		return nil, ErrNotFound
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE exchange_order_id = ? OR client_order_id = ? OR close_order_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID, orderID, orderID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trade by order %s: %w", orderID, err)
	}
	return t, nil
}

// ListRecentRawResponses returns the newest trades created since `since` that carry a raw
// exchange payload, capped at limit rows.
func (d *Database) ListRecentRawResponses(ctx context.Context, since time.Time, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE created_at >= ? AND raw_response != ''
		ORDER BY created_at DESC
		LIMIT ?
	`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent raw responses: %w", err)
	}
	return scanTrades(rows)
}

// OrderLeg identifies which order id column of a trade an exchange order belongs to.
type OrderLeg int

const (
	LegEntry OrderLeg = iota
	LegExit
)

// BackfillOrderID records an exchange order id that was not known at creation time.
// An existing non-empty id is left untouched.
func (d *Database) BackfillOrderID(ctx context.Context, tradeID string, leg OrderLeg, orderID string) error {
	col := "exchange_order_id"
	if leg == LegExit {
		col = "close_order_id"
	}
	_, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET `+col+` = ?, updated_at = ?
		WHERE id = ? AND `+col+` = ''
	`, orderID, d.now(), tradeID)
	if err != nil {
		return fmt.Errorf("backfill %s on %s: %w", col, tradeID, err)
	}
	return nil
}

// UpdateTradeFill writes the sync-owned columns of t if its version is still current.
// On success t.Version is advanced.
func (d *Database) UpdateTradeFill(ctx context.Context, t *Trade) error {
	now := d.now()
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET
			size = ?, entry_price = ?, exit_price = ?, realized_pnl = ?, status = ?, reason = ?,
			entry_filled_qty = ?, entry_order_status = ?, exit_filled_qty = ?, exit_order_status = ?,
			last_event_at = ?, closed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		t.Size, t.EntryPrice, t.ExitPrice, t.RealizedPnL, string(t.Status), t.Reason,
		t.EntryFilledQty, t.EntryOrderStatus, t.ExitFilledQty, t.ExitOrderStatus,
		t.LastEventAt, nullTime(t.ClosedAt), now,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update trade fill %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trade fill %s: %w", t.ID, err)
	}
	if n == 0 {
		return ErrStaleWrite
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

// MarkStatus moves a trade to status with a human-readable reason.
func (d *Database) MarkStatus(ctx context.Context, id string, status TradeStatus, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET status = ?, reason = ?, updated_at = ?, version = version + 1
		WHERE id = ?
	`, string(status), reason, d.now(), id)
	if err != nil {
		return fmt.Errorf("mark trade %s %s: %w", id, status, err)
	}
	return requireRow(res, id)
}

// ApplyMerge rewrites the primary's size and entry and records absorbedID as merged into it.
// Recording the id is idempotent.
func (d *Database) ApplyMerge(ctx context.Context, primaryID string, size, entryPrice float64, absorbedID string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET
			size = ?, entry_price = ?,
			merged_trade_ids = CASE
				WHEN merged_trade_ids = '' THEN ?
				WHEN instr(',' || merged_trade_ids || ',', ',' || ? || ',') > 0 THEN merged_trade_ids
				ELSE merged_trade_ids || ',' || ?
			END,
			updated_at = ?, version = version + 1
		WHERE id = ?
	`, size, entryPrice, absorbedID, absorbedID, absorbedID, d.now(), primaryID)
	if err != nil {
		return fmt.Errorf("apply merge on %s: %w", primaryID, err)
	}
	return requireRow(res, primaryID)
}

// MarkMerged marks id as folded into primaryID.
func (d *Database) MarkMerged(ctx context.Context, id, primaryID, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET status = ?, merged_into_trade_id = ?, reason = ?, updated_at = ?, version = version + 1
		WHERE id = ?
	`, string(StatusMerged), primaryID, reason, d.now(), id)
	if err != nil {
		return fmt.Errorf("mark trade %s merged: %w", id, err)
	}
	return requireRow(res, id)
}

// CloseTrade marks a live trade CLOSED at closedAt.
func (d *Database) CloseTrade(ctx context.Context, id string, exitPrice float64, closedAt time.Time, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET status = ?, exit_price = ?, closed_at = ?, reason = ?, updated_at = ?, version = version + 1
		WHERE id = ?
	`, string(StatusClosed), exitPrice, closedAt.UTC(), reason, d.now(), id)
	if err != nil {
		return fmt.Errorf("close trade %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateReconciledPnL stores a corrected realized pnl sourced from exchange history.
func (d *Database) UpdateReconciledPnL(ctx context.Context, id string, pnl float64, closeID string, at time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET realized_pnl = ?, reconciled_close_id = ?, reconciled_at = ?, updated_at = ?, version = version + 1
		WHERE id = ?
	`, pnl, closeID, at.UTC(), d.now(), id)
	if err != nil {
		return fmt.Errorf("update reconciled pnl %s: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return nil
}
