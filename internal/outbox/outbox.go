// Package outbox is the durable queue that drives derived MONITORING
// evaluations from upstream AUTH events. Delivery is at-least-once through a
// single consumer group; the worker acks only after its publishes succeed.
package outbox

import (
	"context"
	"time"

	"github.com/cardsentry/monitoring/internal/engine"
	"github.com/cardsentry/monitoring/internal/transaction"
)

// Event is one outbox payload: the transaction plus the upstream AUTH
// decision that triggers the derivative evaluation.
type Event struct {
	Transaction      *transaction.Transaction `json:"transaction"`
	UpstreamDecision *engine.Decision         `json:"upstream_decision"`
}

// Entry is a delivered outbox record. Event is nil when the stored payload
// could not be decoded.
type Entry struct {
	ID    string
	Event *Event
}

// PendingSummary describes undelivered backlog for operators.
type PendingSummary struct {
	TotalPending int64 `json:"total_pending"`
	OldestIdleMs int64 `json:"oldest_idle_ms"`
}

// Outbox is the queue facade shared by the in-memory and stream backends.
type Outbox interface {
	// Append durably enqueues an event and returns its monotonic entry id.
	Append(ctx context.Context, ev *Event) (string, error)
	// ReadBatch pulls up to the backend's batch size for this consumer,
	// blocking up to the backend's block interval when the queue is empty.
	ReadBatch(ctx context.Context) ([]Entry, error)
	// Ack marks an entry delivered.
	Ack(ctx context.Context, entryID string) error
	// EnsureGroup idempotently creates the consumer group.
	EnsureGroup(ctx context.Context) error
	// Claim takes over entries another consumer left idle beyond minIdle.
	Claim(ctx context.Context, minIdle time.Duration) ([]Entry, error)
	// PendingSummary reports the undelivered backlog.
	PendingSummary(ctx context.Context) (PendingSummary, error)
}
