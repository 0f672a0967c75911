package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerClockUsesRoundTripMidpoint(t *testing.T) {
	local := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	// the fetch takes 200ms of local time; the venue is 1.5s ahead at the midpoint
	venue := local.Add(100*time.Millisecond + 1500*time.Millisecond)
	c := NewServerClock(func(context.Context) (int64, error) {
		local = local.Add(200 * time.Millisecond)
		return venue.UnixMilli(), nil
	}, 0)
	c.SetLocalClock(func() time.Time { return local })

	require.NoError(t, c.Sync(context.Background()))
	assert.Equal(t, 1500*time.Millisecond, c.Offset())
	assert.Equal(t, local.Add(1500*time.Millisecond).UnixMilli(), c.NowMillis())
	assert.Equal(t, ClockStatus{OffsetMs: 1500, LastSync: local}, c.Status())
}

func TestServerClockKeepsOffsetOnFailure(t *testing.T) {
	local := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	fail := false
	c := NewServerClock(func(context.Context) (int64, error) {
		if fail {
			return 0, errors.New("timeout")
		}
		return local.Add(-300 * time.Millisecond).UnixMilli(), nil
	}, time.Minute)
	c.SetLocalClock(func() time.Time { return local })

	require.NoError(t, c.Sync(context.Background()))
	fail = true
	require.Error(t, c.Sync(context.Background()))
	assert.Equal(t, -300*time.Millisecond, c.Offset())
}
