package position

import (
	"errors"
	"time"

	"ledger-sync/internal/cooldown"
	"ledger-sync/pkg/db"
)

var (
	// ErrConflictCheckUnavailable is returned under the closed failure policy when
	// the current positions could not be read.
	ErrConflictCheckUnavailable = errors.New("position conflict check unavailable")
	// ErrNotAdmissible is returned when a trade is not in a state that can be admitted.
	ErrNotAdmissible = errors.New("trade is not admissible")
	ErrInvalidTrade  = errors.New("invalid trade data")
	ErrNoPosition    = errors.New("no open position")
)

// Position is the aggregate of a trader's live trades on one symbol and side.
type Position struct {
	TraderID       string    `json:"trader_id"`
	Symbol         string    `json:"symbol"`
	Side           db.Side   `json:"side"`
	Size           float64   `json:"size"`
	EntryPrice     float64   `json:"entry_price"`
	MarkPrice      float64   `json:"mark_price"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	TradeIDs       []string  `json:"trade_ids"`
	PrimaryTradeID string    `json:"primary_trade_id"`
	OpenedAt       time.Time `json:"opened_at"`
}

// ConflictType says how an incoming trade relates to an existing position.
type ConflictType string

const (
	ConflictSameSide     ConflictType = "same_side"
	ConflictOppositeSide ConflictType = "opposite_side"
)

// Action is the resolution applied to an incoming trade.
type Action string

const (
	ActionAdmit    Action = "ADMIT"
	ActionMerge    Action = "MERGE"
	ActionReject   Action = "REJECT"
	ActionReplace  Action = "REPLACE"
	ActionCooldown Action = "COOLDOWN"
)

// Conflict describes an incoming trade that collides with a live position.
type Conflict struct {
	NewTradeID string       `json:"new_trade_id"`
	TraderID   string       `json:"trader_id"`
	Symbol     string       `json:"symbol"`
	Side       db.Side      `json:"side"`
	Existing   Position     `json:"existing"`
	Type       ConflictType `json:"type"`
	Action     Action       `json:"action"`
}

// NewTradeData is the incoming trade as seen by the conflict resolver.
type NewTradeData struct {
	TradeID    string  `json:"trade_id"`
	TraderID   string  `json:"trader_id"`
	Symbol     string  `json:"symbol"`
	Side       db.Side `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

func (d NewTradeData) validate() error {
	switch {
	case d.TradeID == "":
		return errors.Join(ErrInvalidTrade, errors.New("trade id is empty"))
	case d.TraderID == "":
		return errors.Join(ErrInvalidTrade, db.ErrTraderIDRequired)
	case d.Symbol == "":
		return errors.Join(ErrInvalidTrade, errors.New("symbol is empty"))
	case !d.Side.Valid():
		return errors.Join(ErrInvalidTrade, errors.New("side must be LONG or SHORT"))
	}
	return nil
}

func tradeData(t *db.Trade) NewTradeData {
	return NewTradeData{
		TradeID:    t.ID,
		TraderID:   t.TraderID,
		Symbol:     t.Symbol,
		Side:       t.Side,
		Size:       t.Size,
		EntryPrice: t.EntryPrice,
	}
}

// Outcome is the explicit result of processing one incoming trade.
type Outcome struct {
	TradeID        string             `json:"trade_id"`
	Action         Action             `json:"action"`
	Status         db.TradeStatus     `json:"status"`
	PrimaryTradeID string             `json:"primary_trade_id,omitempty"`
	Conflict       *Conflict          `json:"conflict,omitempty"`
	Cooldown       *cooldown.Cooldown `json:"cooldown,omitempty"`
	// Degraded is set when the trade was admitted without a conflict check.
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// FailurePolicy decides what happens to a trade when the conflict check itself fails.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
)

// Config tunes the position manager.
type Config struct {
	CacheTTL      time.Duration
	FailurePolicy FailurePolicy
}
