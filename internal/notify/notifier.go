package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/internal/monitor"
)

// Level is the urgency of a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notification is a structured, unformatted message for an operator-facing sink.
type Notification struct {
	Level   Level          `json:"level"`
	Source  string         `json:"source"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

// Sink delivers notifications. Implementations may be slow or fail; the Notifier
// never lets either reach its callers.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Notifier is a bounded queue drained by a fixed set of workers. When the queue is
// full the newest notification is dropped and counted.
type Notifier struct {
	sink        Sink
	queue       chan Notification
	sendTimeout time.Duration
	metrics     *monitor.SystemMetrics

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64
}

// New starts a notifier with the given queue capacity and worker count.
func New(sink Sink, queueSize, workers int, metrics *monitor.SystemMetrics) *Notifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	n := &Notifier{
		sink:        sink,
		queue:       make(chan Notification, queueSize),
		sendTimeout: 5 * time.Second,
		metrics:     metrics,
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Notify enqueues without blocking and reports whether the notification was accepted.
// A nil Notifier accepts nothing.
func (n *Notifier) Notify(note Notification) bool {
	if n == nil {
		return false
	}
	if note.Time.IsZero() {
		note.Time = time.Now().UTC()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- note:
		return true
	default:
		n.dropped.Add(1)
		n.metrics.IncNotificationsDropped()
		logx.Errorf("notify: queue full, dropping level=%s title=%q", note.Level, note.Title)
		return false
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for note := range n.queue {
		n.deliver(note)
	}
}

func (n *Notifier) deliver(note Notification) {
	defer func() {
		if r := recover(); r != nil {
			n.failed.Add(1)
			logx.Errorf("notify: sink panic title=%q err=%v", note.Title, r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
	defer cancel()
	if err := n.sink.Send(ctx, note); err != nil {
		n.failed.Add(1)
		logx.Errorf("notify: send failed title=%q err=%v", note.Title, err)
		return
	}
	n.sent.Add(1)
}

// Close stops accepting notifications and waits for queued ones to be delivered.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}

// Stats reports delivery counters.
type Stats struct {
	Queued  int    `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns a snapshot of delivery counters.
func (n *Notifier) Stats() Stats {
	if n == nil {
		return Stats{}
	}
	return Stats{
		Queued:  len(n.queue),
		Sent:    n.sent.Load(),
		Failed:  n.failed.Load(),
		Dropped: n.dropped.Load(),
	}
}
