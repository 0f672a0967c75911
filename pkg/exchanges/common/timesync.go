package common

import (
	"context"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// ServerClock estimates the venue clock from the local one. Signed requests carry a
// timestamp the venue rejects when it drifts past the receive window.
type ServerClock struct {
	fetch    func(ctx context.Context) (int64, error) // venue time in ms
	interval time.Duration
	local    func() time.Time

	mu       sync.RWMutex
	offset   time.Duration // venue minus local
	lastSync time.Time
}

// ClockStatus is the last known offset of the venue clock.
type ClockStatus struct {
	OffsetMs int64     `json:"offset_ms"`
	LastSync time.Time `json:"last_sync,omitempty"`
}

// NewServerClock resynchronizes through fetch every interval (30m when zero).
func NewServerClock(fetch func(ctx context.Context) (int64, error), interval time.Duration) *ServerClock {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &ServerClock{fetch: fetch, interval: interval, local: time.Now}
}

// SetLocalClock replaces time.Now; used by tests.
func (c *ServerClock) SetLocalClock(now func() time.Time) { c.local = now }

// Run syncs immediately and then every interval until ctx is done. Failures keep the
// previous offset.
func (c *ServerClock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.Sync(ctx); err != nil && ctx.Err() == nil {
			logx.Errorf("timesync: sync failed, keeping offset=%s err=%v", c.Offset(), err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync measures the offset once, taking the venue time as observed at the midpoint of
// the round trip.
func (c *ServerClock) Sync(ctx context.Context) error {
	sent := c.local()
	venueMs, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	received := c.local()
	mid := sent.Add(received.Sub(sent) / 2)
	offset := time.UnixMilli(venueMs).Sub(mid).Truncate(time.Millisecond)

	c.mu.Lock()
	c.offset = offset
	c.lastSync = received
	c.mu.Unlock()
	logx.Infof("timesync: offset=%s rtt=%s", offset, received.Sub(sent))
	return nil
}

// Offset returns venue time minus local time.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// NowMillis returns the estimated venue time in ms.
func (c *ServerClock) NowMillis() int64 {
	return c.local().Add(c.Offset()).UnixMilli()
}

// Status snapshots the offset and when it was measured.
func (c *ServerClock) Status() ClockStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClockStatus{OffsetMs: c.offset.Milliseconds(), LastSync: c.lastSync}
}
