package events

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"ledger-sync/pkg/exchanges/common"
)

var (
	// ErrMalformed marks a frame that is not a JSON object or array.
	ErrMalformed = errors.New("malformed frame")
	// ErrInvalidEvent marks a known event missing a required field.
	ErrInvalidEvent = errors.New("invalid event")
)

// probe reads only what routing needs.
type probe struct {
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	Type      json.RawMessage `json:"e"`
	EventTime flexInt         `json:"E"`
}

// Decode turns one websocket frame into zero or more events. It accepts a direct event,
// a multiplexed {"stream","data"} envelope whose data is an object or an array, and a
// bare array. Frames without an event type (subscription acks) and unknown types yield
// nothing. Bad elements are reported in the combined error while good ones are kept.
func Decode(frame []byte) ([]Event, error) {
	var out []Event
	err := decodeInto(bytes.TrimSpace(frame), "", &out)
	return out, err
}

func decodeInto(frame []byte, stream string, out *[]Event) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	switch frame[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(frame, &items); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		var errs error
		for _, item := range items {
			errs = multierr.Append(errs, decodeInto(bytes.TrimSpace(item), stream, out))
		}
		return errs
	case '{':
	default:
		return fmt.Errorf("%w: unexpected %q", ErrMalformed, frame[0])
	}

	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(p.Type) == 0 && len(p.Data) > 0 {
		return decodeInto(bytes.TrimSpace(p.Data), p.Stream, out)
	}

	var eventType string
	if len(p.Type) == 0 || json.Unmarshal(p.Type, &eventType) != nil || eventType == "" {
		return nil
	}

	ev, ok, err := decodeEvent(eventType, frame)
	if err != nil {
		return fmt.Errorf("%s: %w", eventType, err)
	}
	if !ok {
		return nil
	}
	ev.Type = eventType
	ev.EventTime = int64(p.EventTime)
	ev.Stream = stream
	*out = append(*out, ev)
	return nil
}

func decodeEvent(eventType string, frame []byte) (Event, bool, error) {
	switch eventType {
	case "executionReport":
		o, err := decodeSpotExecution(frame)
		return Event{Kind: KindOrderUpdate, Order: o}, err == nil, err
	case "ORDER_TRADE_UPDATE":
		o, err := decodeFuturesOrder(frame)
		return Event{Kind: KindOrderUpdate, Order: o}, err == nil, err
	case "outboundAccountPosition":
		a, err := decodeSpotAccount(frame)
		return Event{Kind: KindAccountSnapshot, Account: a}, err == nil, err
	case "ACCOUNT_UPDATE":
		a, err := decodeFuturesAccount(frame)
		return Event{Kind: KindAccountSnapshot, Account: a}, err == nil, err
	case "24hrTicker", "24hrMiniTicker":
		t, err := decodeTicker(frame, "c", SourceLast)
		return Event{Kind: KindTicker, Ticker: t}, err == nil, err
	case "markPriceUpdate":
		t, err := decodeTicker(frame, "p", SourceMark)
		return Event{Kind: KindTicker, Ticker: t}, err == nil, err
	case "listenKeyExpired":
		return Event{Kind: KindListenKeyExpired}, true, nil
	default:
		return Event{}, false, nil
	}
}

func decodeSpotExecution(frame []byte) (*OrderUpdate, error) {
	// keys differing only in case are all listed so none falls through to a
	// case-insensitive match on its sibling
	var r struct {
		Symbol          string          `json:"s"`
		ClientOrderID   string          `json:"c"`
		OrigClientID    string          `json:"C"`
		Side            string          `json:"S"`
		Status          string          `json:"X"`
		ExecutionType   string          `json:"x"`
		OrderID         flexID          `json:"i"`
		Ignore          json.RawMessage `json:"I"`
		CumQty          flexFloat       `json:"z"`
		CumQuote        flexFloat       `json:"Z"`
		LastPrice       flexFloat       `json:"L"`
		LastQty         flexFloat       `json:"l"`
		Commission      flexFloat       `json:"n"`
		CommissionAsset string          `json:"N"`
		TransactTime    flexInt         `json:"T"`
		TradeID         flexInt         `json:"t"`
	}
	if err := json.Unmarshal(frame, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	o := &OrderUpdate{
		Symbol:        strings.ToUpper(r.Symbol),
		OrderID:       string(r.OrderID),
		ClientOrderID: r.ClientOrderID,
		Side:          common.Side(strings.ToUpper(r.Side)),
		Status:        common.ParseOrderStatus(r.Status),
		ExecutionType: strings.ToUpper(r.ExecutionType),
		CumulativeQty: float64(r.CumQty),
		LastPrice:     float64(r.LastPrice),
		LastQty:       float64(r.LastQty),
		Commission:    float64(r.Commission),
		TradeTime:     int64(r.TransactTime),
	}
	// a cancel report carries the cancel request id in c and the order's own id in C
	if r.OrigClientID != "" {
		o.ClientOrderID = r.OrigClientID
	}
	if r.CumQty > 0 {
		o.AvgPrice = float64(r.CumQuote) / float64(r.CumQty)
	}
	return o, validateOrder(o)
}

func decodeFuturesOrder(frame []byte) (*OrderUpdate, error) {
	var r struct {
		TransactTime flexInt `json:"T"`
		Order        *struct {
			Symbol          string    `json:"s"`
			ClientOrderID   string    `json:"c"`
			Side            string    `json:"S"`
			Status          string    `json:"X"`
			ExecutionType   string    `json:"x"`
			OrderID         flexID    `json:"i"`
			AvgPrice        flexFloat `json:"ap"`
			ActivatePrice   flexFloat `json:"AP"`
			CumQty          flexFloat `json:"z"`
			LastPrice       flexFloat `json:"L"`
			LastQty         flexFloat `json:"l"`
			Commission      flexFloat `json:"n"`
			CommissionAsset string    `json:"N"`
			RealizedPnL     flexFloat `json:"rp"`
			TradeTime       flexInt   `json:"T"`
			TradeID         flexInt   `json:"t"`
			PositionSide    string    `json:"ps"`
		} `json:"o"`
	}
	if err := json.Unmarshal(frame, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if r.Order == nil {
		return nil, fmt.Errorf("%w: missing order object", ErrInvalidEvent)
	}
	d := r.Order
	o := &OrderUpdate{
		Symbol:        strings.ToUpper(d.Symbol),
		OrderID:       string(d.OrderID),
		ClientOrderID: d.ClientOrderID,
		Side:          common.Side(strings.ToUpper(d.Side)),
		PositionSide:  strings.ToUpper(d.PositionSide),
		Status:        common.ParseOrderStatus(d.Status),
		ExecutionType: strings.ToUpper(d.ExecutionType),
		CumulativeQty: float64(d.CumQty),
		AvgPrice:      float64(d.AvgPrice),
		LastPrice:     float64(d.LastPrice),
		LastQty:       float64(d.LastQty),
		Commission:    float64(d.Commission),
		RealizedPnL:   float64(d.RealizedPnL),
		TradeTime:     int64(d.TradeTime),
		Futures:       true,
	}
	if o.TradeTime == 0 {
		o.TradeTime = int64(r.TransactTime)
	}
	return o, validateOrder(o)
}

func validateOrder(o *OrderUpdate) error {
	switch {
	case o.Symbol == "":
		return fmt.Errorf("%w: symbol required", ErrInvalidEvent)
	case o.OrderID == "" && o.ClientOrderID == "":
		return fmt.Errorf("%w: order id required", ErrInvalidEvent)
	case o.Status == common.StatusUnknown:
		return fmt.Errorf("%w: unknown order status", ErrInvalidEvent)
	case o.CumulativeQty < 0:
		return fmt.Errorf("%w: negative cumulative quantity", ErrInvalidEvent)
	}
	return nil
}

func decodeSpotAccount(frame []byte) (*AccountSnapshot, error) {
	var r struct {
		Balances []struct {
			Asset  string    `json:"a"`
			Free   flexFloat `json:"f"`
			Locked flexFloat `json:"l"`
		} `json:"B"`
	}
	if err := json.Unmarshal(frame, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	snap := &AccountSnapshot{Balances: make([]Balance, 0, len(r.Balances))}
	for _, b := range r.Balances {
		if b.Asset == "" {
			continue
		}
		snap.Balances = append(snap.Balances, Balance{Asset: b.Asset, Free: float64(b.Free), Locked: float64(b.Locked)})
	}
	return snap, nil
}

func decodeFuturesAccount(frame []byte) (*AccountSnapshot, error) {
	var r struct {
		Account struct {
			Balances []struct {
				Asset         string    `json:"a"`
				WalletBalance flexFloat `json:"wb"`
				CrossWallet   flexFloat `json:"cw"`
			} `json:"B"`
		} `json:"a"`
	}
	if err := json.Unmarshal(frame, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	snap := &AccountSnapshot{Balances: make([]Balance, 0, len(r.Account.Balances))}
	for _, b := range r.Account.Balances {
		if b.Asset == "" {
			continue
		}
		free := float64(b.CrossWallet)
		locked := float64(b.WalletBalance) - free
		if locked < 0 {
			locked = 0
		}
		snap.Balances = append(snap.Balances, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return snap, nil
}

func decodeTicker(frame []byte, priceField string, source TickerSource) (*Ticker, error) {
	var r map[string]json.RawMessage
	if err := json.Unmarshal(frame, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var symbol string
	if raw, ok := r["s"]; ok {
		_ = json.Unmarshal(raw, &symbol)
	}
	var price flexFloat
	if raw, ok := r[priceField]; ok {
		if err := price.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("%w: price: %v", ErrInvalidEvent, err)
		}
	}
	if symbol == "" || price <= 0 {
		return nil, fmt.Errorf("%w: symbol and positive price required", ErrInvalidEvent)
	}
	return &Ticker{Symbol: strings.ToUpper(symbol), Price: float64(price), Source: source}, nil
}
