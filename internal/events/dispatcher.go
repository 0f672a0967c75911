package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"ledger-sync/internal/monitor"
)

// Handler consumes one event. Returned errors are logged and counted by the dispatcher.
type Handler func(ctx context.Context, ev Event) error

type namedHandler struct {
	name string
	fn   Handler
}

// Dispatcher routes decoded events to the handlers registered for their kind.
// A failing or panicking handler never affects the others or the caller.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind][]namedHandler
	metrics  *monitor.SystemMetrics
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(metrics *monitor.SystemMetrics) *Dispatcher {
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	return &Dispatcher{
		handlers: make(map[Kind][]namedHandler),
		metrics:  metrics,
	}
}

// Register adds a handler for kind. Handlers run in registration order.
func (d *Dispatcher) Register(kind Kind, name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], namedHandler{name: name, fn: h})
}

// Handlers returns the number of handlers registered for kind.
func (d *Dispatcher) Handlers(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// Dispatch decodes frame and publishes every event in it. It returns the number of
// events published and the decode error, if any. Events decoded before a bad element
// are still published.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte) (int, error) {
	d.metrics.IncFrames()
	evs, err := Decode(frame)
	if err != nil {
		d.metrics.IncDecodeErrors()
		logx.WithContext(ctx).Errorf("dispatcher: decode frame err=%v", err)
	}
	for _, ev := range evs {
		d.Publish(ctx, ev)
	}
	return len(evs), err
}

// Publish fans an already-decoded event out to its handlers.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	timer := monitor.NewTimer(d.metrics.DispatchLatency)
	defer timer.Stop()

	d.mu.RLock()
	hs := d.handlers[ev.Kind]
	d.mu.RUnlock()

	d.metrics.IncEvents()
	for _, h := range hs {
		if err := d.invoke(ctx, h, ev); err != nil {
			d.metrics.IncHandlerErrors()
			logx.WithContext(ctx).Errorf("dispatcher: handler=%s kind=%s type=%s err=%v", h.name, ev.Kind, ev.Type, err)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h namedHandler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logx.WithContext(ctx).Errorf("dispatcher: handler=%s panic stack=%s", h.name, debug.Stack())
		}
	}()
	start := time.Now()
	err = h.fn(ctx, ev)
	if elapsed := time.Since(start); elapsed > time.Second {
		logx.WithContext(ctx).Slowf("dispatcher: handler=%s took %s", h.name, elapsed)
	}
	return err
}
