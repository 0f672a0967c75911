package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// WeightUsage is the REST request weight the venue last reported for the current window.
type WeightUsage struct {
	Used       int       `json:"used"`
	Limit      int       `json:"limit"`
	Percent    float64   `json:"percent"`
	WindowEnds time.Time `json:"window_ends,omitempty"`
}

// WeightTracker mirrors the venue's used-weight header. The venue is authoritative: the
// tracker never estimates weight itself, it only holds requests back once the reported
// usage crosses the pause threshold, until the window the report belongs to has ended.
type WeightTracker struct {
	limit     int
	window    time.Duration
	pauseAt   float64 // percent
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
	mu        sync.Mutex
	used      int
	windowEnd time.Time
	warned    bool
}

// NewWeightTracker tracks a venue limit of limit weight per window (2400/min for USDT-M).
func NewWeightTracker(limit int, window time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:   limit,
		window:  window,
		pauseAt: 90,
		now:     time.Now,
		after:   time.After,
	}
}

// SetClock replaces time.Now and time.After; used by tests.
func (w *WeightTracker) SetClock(now func() time.Time, after func(time.Duration) <-chan time.Time) {
	w.now = now
	w.after = after
}

// Observe records a used-weight header value. Empty or malformed values are ignored.
func (w *WeightTracker) Observe(header string) {
	used, err := strconv.Atoi(header)
	if err != nil || used < 0 {
		return
	}
	now := w.now()

	w.mu.Lock()
	if now.After(w.windowEnd) {
		w.windowEnd = now.Truncate(w.window).Add(w.window)
		w.warned = false
	}
	w.used = used
	pct := w.percentLocked()
	warn := pct >= 80 && !w.warned
	if warn {
		w.warned = true
	}
	w.mu.Unlock()

	if warn {
		logx.Infof("ratelimit: weight high used=%d limit=%d pct=%.1f", used, w.limit, pct)
	}
}

func (w *WeightTracker) percentLocked() float64 {
	if w.limit <= 0 {
		return 0
	}
	return float64(w.used) / float64(w.limit) * 100
}

// Usage reports the weight of the current window; a finished window reads as empty.
func (w *WeightTracker) Usage() WeightUsage {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.now().Before(w.windowEnd) {
		return WeightUsage{Limit: w.limit}
	}
	return WeightUsage{Used: w.used, Limit: w.limit, Percent: w.percentLocked(), WindowEnds: w.windowEnd}
}

// Wait blocks while the current window is at or above the pause threshold and returns once
// the window has rolled over or ctx is done.
func (w *WeightTracker) Wait(ctx context.Context) error {
	u := w.Usage()
	if u.Percent < w.pauseAt {
		return nil
	}
	wait := u.WindowEnds.Sub(w.now())
	logx.Errorf("ratelimit: pausing signed requests used=%d limit=%d wait=%s", u.Used, u.Limit, wait)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.after(wait):
		return nil
	}
}
