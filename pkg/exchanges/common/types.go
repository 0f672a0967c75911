package common

import "strings"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// ParseOrderStatus maps venue spellings onto OrderStatus.
func ParseOrderStatus(s string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED", "PARTIAL":
		return StatusPartiallyFilled
	case "FILLED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PENDING_CANCEL":
		return StatusCanceled
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	case "REJECTED":
		return StatusRejected
	default:
		return StatusUnknown
	}
}

// Rank orders statuses by how far along the order lifecycle they are.
// Terminal statuses share the highest rank.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusNew:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool { return s.Rank() == 3 }
