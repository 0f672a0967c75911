package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOrderStatus(t *testing.T) {
	cases := map[string]OrderStatus{
		"NEW":              StatusNew,
		"partially_filled": StatusPartiallyFilled,
		"FILLED":           StatusFilled,
		"CANCELLED":        StatusCanceled,
		"EXPIRED_IN_MATCH": StatusExpired,
		"REJECTED":         StatusRejected,
		"TRADE":            StatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseOrderStatus(in), in)
	}
}

func TestOrderStatusRank(t *testing.T) {
	assert.Less(t, StatusNew.Rank(), StatusPartiallyFilled.Rank())
	assert.Less(t, StatusPartiallyFilled.Rank(), StatusFilled.Rank())
	assert.Equal(t, StatusFilled.Rank(), StatusCanceled.Rank())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusPartiallyFilled.Terminal())
}
