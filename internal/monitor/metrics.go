package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks stream, sync and reconciliation counters.
type SystemMetrics struct {
	// Latency histograms
	DispatchLatency *LatencyHistogram
	SyncLatency     *LatencyHistogram
	ConflictLatency *LatencyHistogram

	// Stream
	framesReceived uint64
	reconnects     uint64
	throttledWaits uint64

	// Dispatch
	eventsDispatched uint64
	decodeErrors     uint64
	handlerErrors    uint64

	// Ledger sync
	fillsApplied    uint64
	fillsDuplicate  uint64
	fillsUnresolved uint64
	fallbackHits    uint64

	// Positions
	merges        uint64
	rejects       uint64
	degradedAdmit uint64

	// Reconciliation
	reconcileUpdates  uint64
	reconcileFailures uint64

	notificationsDropped uint64
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		DispatchLatency: NewLatencyHistogram(1000),
		SyncLatency:     NewLatencyHistogram(1000),
		ConflictLatency: NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncFrames() { atomic.AddUint64(&m.framesReceived, 1) }
func (m *SystemMetrics) IncReconnects() { atomic.AddUint64(&m.reconnects, 1) }
func (m *SystemMetrics) IncThrottledWaits() { atomic.AddUint64(&m.throttledWaits, 1) }
func (m *SystemMetrics) IncEvents() { atomic.AddUint64(&m.eventsDispatched, 1) }
func (m *SystemMetrics) IncDecodeErrors() { atomic.AddUint64(&m.decodeErrors, 1) }
func (m *SystemMetrics) IncHandlerErrors() { atomic.AddUint64(&m.handlerErrors, 1) }
func (m *SystemMetrics) IncFillsApplied() { atomic.AddUint64(&m.fillsApplied, 1) }
func (m *SystemMetrics) IncFillsDuplicate() { atomic.AddUint64(&m.fillsDuplicate, 1) }
func (m *SystemMetrics) IncFillsUnresolved() { atomic.AddUint64(&m.fillsUnresolved, 1) }
func (m *SystemMetrics) IncFallbackHits() { atomic.AddUint64(&m.fallbackHits, 1) }
func (m *SystemMetrics) IncMerges() { atomic.AddUint64(&m.merges, 1) }
func (m *SystemMetrics) IncRejects() { atomic.AddUint64(&m.rejects, 1) }
func (m *SystemMetrics) IncDegradedAdmits() { atomic.AddUint64(&m.degradedAdmit, 1) }
func (m *SystemMetrics) IncNotificationsDropped() { atomic.AddUint64(&m.notificationsDropped, 1) }

// AddReconcile records the outcome counts of one reconciliation run.
func (m *SystemMetrics) AddReconcile(updated, failed int) {
	atomic.AddUint64(&m.reconcileUpdates, uint64(updated))
	atomic.AddUint64(&m.reconcileFailures, uint64(failed))
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	DispatchLatency      LatencyStats `json:"dispatch_latency"`
	SyncLatency          LatencyStats `json:"sync_latency"`
	ConflictLatency      LatencyStats `json:"conflict_latency"`
	FramesReceived       uint64       `json:"frames_received"`
	Reconnects           uint64       `json:"reconnects"`
	ThrottledWaits       uint64       `json:"throttled_waits"`
	EventsDispatched     uint64       `json:"events_dispatched"`
	DecodeErrors         uint64       `json:"decode_errors"`
	HandlerErrors        uint64       `json:"handler_errors"`
	FillsApplied         uint64       `json:"fills_applied"`
	FillsDuplicate       uint64       `json:"fills_duplicate"`
	FillsUnresolved      uint64       `json:"fills_unresolved"`
	FallbackHits         uint64       `json:"fallback_hits"`
	Merges               uint64       `json:"merges"`
	Rejects              uint64       `json:"rejects"`
	DegradedAdmits       uint64       `json:"degraded_admits"`
	ReconcileUpdates     uint64       `json:"reconcile_updates"`
	ReconcileFailures    uint64       `json:"reconcile_failures"`
	NotificationsDropped uint64       `json:"notifications_dropped"`
	GoroutineCount       int          `json:"goroutine_count"`
	HeapAlloc            uint64       `json:"heap_alloc_bytes"`
	Timestamp            time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		DispatchLatency:      m.DispatchLatency.Stats(),
		SyncLatency:          m.SyncLatency.Stats(),
		ConflictLatency:      m.ConflictLatency.Stats(),
		FramesReceived:       atomic.LoadUint64(&m.framesReceived),
		Reconnects:           atomic.LoadUint64(&m.reconnects),
		ThrottledWaits:       atomic.LoadUint64(&m.throttledWaits),
		EventsDispatched:     atomic.LoadUint64(&m.eventsDispatched),
		DecodeErrors:         atomic.LoadUint64(&m.decodeErrors),
		HandlerErrors:        atomic.LoadUint64(&m.handlerErrors),
		FillsApplied:         atomic.LoadUint64(&m.fillsApplied),
		FillsDuplicate:       atomic.LoadUint64(&m.fillsDuplicate),
		FillsUnresolved:      atomic.LoadUint64(&m.fillsUnresolved),
		FallbackHits:         atomic.LoadUint64(&m.fallbackHits),
		Merges:               atomic.LoadUint64(&m.merges),
		Rejects:              atomic.LoadUint64(&m.rejects),
		DegradedAdmits:       atomic.LoadUint64(&m.degradedAdmit),
		ReconcileUpdates:     atomic.LoadUint64(&m.reconcileUpdates),
		ReconcileFailures:    atomic.LoadUint64(&m.reconcileFailures),
		NotificationsDropped: atomic.LoadUint64(&m.notificationsDropped),
		GoroutineCount:       runtime.NumGoroutine(),
		HeapAlloc:            memStats.HeapAlloc,
		Timestamp:            time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
