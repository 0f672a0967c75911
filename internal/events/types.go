package events

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"

	"ledger-sync/pkg/exchanges/common"
)

// Kind enumerates the event variants the dispatcher routes.
type Kind string

const (
	KindOrderUpdate      Kind = "order_update"
	KindAccountSnapshot  Kind = "account_snapshot"
	KindTicker           Kind = "ticker"
	KindListenKeyExpired Kind = "listen_key_expired"
)

// Event is a decoded stream event. Exactly one payload pointer is set, matching Kind;
// ListenKeyExpired carries none.
type Event struct {
	Kind      Kind
	Type      string // venue event name, e.g. ORDER_TRADE_UPDATE
	EventTime int64  // ms
	Stream    string // multiplexed stream name, if any

	Order   *OrderUpdate
	Account *AccountSnapshot
	Ticker  *Ticker
}

// OrderUpdate is an execution report from either the spot or the futures user stream.
type OrderUpdate struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          common.Side
	PositionSide  string
	Status        common.OrderStatus
	ExecutionType string
	CumulativeQty float64
	AvgPrice      float64
	LastPrice     float64
	LastQty       float64
	Commission    float64
	RealizedPnL   float64 // futures only; per-fill realized profit
	TradeTime     int64
	Futures       bool
}

// FillPrice is the best available average price for the cumulative quantity.
func (o *OrderUpdate) FillPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.LastPrice
}

// Balance is one asset row of an account snapshot.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// AccountSnapshot is a full or partial balance snapshot.
type AccountSnapshot struct {
	Balances []Balance
}

// TickerSource tells whether a price came from the 24h ticker or the mark price stream.
type TickerSource string

const (
	SourceLast TickerSource = "last"
	SourceMark TickerSource = "mark"
)

// Ticker is a last or mark price update.
type Ticker struct {
	Symbol string
	Price  float64
	Source TickerSource
}

// flexFloat accepts either a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexInt accepts either a JSON integer or a numeric string.
type flexInt int64

func (i *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*i = flexInt(v)
	return nil
}

// flexID keeps an order id as text whether it was sent as a number or a string.
type flexID string

func (s *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexID(v)
		return nil
	}
	if string(b) == "null" {
		*s = ""
		return nil
	}
	*s = flexID(b)
	return nil
}
