package publish

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cardsentry/monitoring/internal/engine"
	"github.com/cardsentry/monitoring/internal/metrics"
)

// Async decouples the request path from publish latency. Enqueue never
// blocks: when the buffer is full the decision is dropped with a warning.
// Publishing decisions is best-effort on the request path; the durable path
// is the outbox.
type Async struct {
	inner   Publisher
	queue   chan *engine.Decision
	metrics *metrics.Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewAsync starts the publish worker. bufferSize defaults to 1024.
func NewAsync(inner Publisher, bufferSize int, m *metrics.Metrics) *Async {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan *engine.Decision, bufferSize),
		metrics: m,
		stop:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Enqueue hands a decision to the worker without blocking.
func (a *Async) Enqueue(d *engine.Decision) {
	select {
	case a.queue <- d:
	default:
		slog.Warn("[Publisher] Queue full, decision dropped", "transaction_id", d.TransactionID)
		a.observe("dropped")
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		select {
		case d := <-a.queue:
			a.deliver(d)
		case <-a.stop:
			// Drain whatever is already buffered.
			for {
				select {
				case d := <-a.queue:
					a.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(d *engine.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.inner.Publish(ctx, d); err != nil {
		slog.Warn("[Publisher] Publish failed", "transaction_id", d.TransactionID, "error", err)
		a.observe("failed")
		return
	}
	a.observe("ok")
}

// Drain stops the worker and waits up to timeout for buffered decisions to
// flush. Entries still queued after the deadline are counted and logged.
func (a *Async) Drain(timeout time.Duration) {
	a.stopOnce.Do(func() { close(a.stop) })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("[Publisher] Drain timeout, decisions abandoned", "remaining", len(a.queue))
	}
}

func (a *Async) observe(outcome string) {
	if a.metrics != nil {
		a.metrics.PublishTotal.WithLabelValues(outcome).Inc()
	}
}
