package stream

import (
	"context"
	"sync"
	"time"
)

// RateWindow counts inbound frames in fixed windows. A caller over the limit waits for
// the next reset rather than dropping the frame.
type RateWindow struct {
	mu      sync.Mutex
	limit   int
	count   int
	started time.Time
	resetCh chan struct{}
	now     func() time.Time
}

// NewRateWindow creates a window; limit <= 0 disables throttling.
func NewRateWindow(limit int) *RateWindow {
	return &RateWindow{
		limit:   limit,
		started: time.Now(),
		resetCh: make(chan struct{}),
		now:     time.Now,
	}
}

// Allow counts one frame and reports whether it is within the limit.
func (w *RateWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	return w.limit <= 0 || w.count <= w.limit
}

// Reset starts a new window and releases every waiter.
func (w *RateWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count = 0
	w.started = w.now()
	close(w.resetCh)
	w.resetCh = make(chan struct{})
}

// Wait blocks until the next reset, maxWait, or ctx, whichever is first.
func (w *RateWindow) Wait(ctx context.Context, maxWait time.Duration) error {
	w.mu.Lock()
	ch := w.resetCh
	w.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts returns the frames seen in the current window and the limit.
func (w *RateWindow) Counts() (count, limit int, started time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count, w.limit, w.started
}

// Run resets the window every interval until ctx is done.
func (w *RateWindow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Reset()
		}
	}
}
