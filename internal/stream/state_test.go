package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateError, true},
		{StateConnected, StateError, true},
		{StateConnected, StateReconnecting, false},
		{StateError, StateReconnecting, true},
		{StateError, StateConnecting, false},
		{StateClosed, StateReconnecting, true},
		{StateReconnecting, StateConnecting, true},
		{StateReconnecting, StateConnected, false},
		{StateConnecting, StateClosed, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	m := newStateMachine()
	err := m.Transition(StateConnected)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateDisconnected, m.Current())
}

func TestBackOffIsMonotonicCappedAndResets(t *testing.T) {
	b := newBackOff(Config{BackoffInitial: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond, BackoffMultiplier: 2})

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond,
	}, got)

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestRateWindowWaitsForReset(t *testing.T) {
	w := NewRateWindow(2)
	assert.True(t, w.Allow())
	assert.True(t, w.Allow())
	assert.False(t, w.Allow())

	released := make(chan struct{})
	go func() {
		_ = w.Wait(context.Background(), 5*time.Second)
		close(released)
	}()
	time.Sleep(10 * time.Millisecond)
	w.Reset()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("waiter not released by reset")
	}
	count, limit, _ := w.Counts()
	assert.Zero(t, count)
	assert.Equal(t, 2, limit)
	assert.True(t, w.Allow())
}

func TestRateWindowUnlimited(t *testing.T) {
	w := NewRateWindow(0)
	for i := 0; i < 100; i++ {
		require.True(t, w.Allow())
	}
}

func TestRateWindowWaitHonoursContext(t *testing.T) {
	w := NewRateWindow(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Wait(ctx, time.Minute), context.Canceled)
}
