// Package publish delivers finished decisions to downstream consumers. The
// request path enqueues through the async wrapper; the outbox worker calls a
// Publisher synchronously so acks can wait on delivery.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cardsentry/monitoring/internal/engine"
)

// Publisher delivers one decision. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, d *engine.Decision) error
	Close() error
}

// StreamPublisher appends decisions to a Redis stream.
type StreamPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewStreamPublisher builds a stream publisher. maxLen bounds the stream via
// approximate trimming; 0 disables trimming.
func NewStreamPublisher(client redis.UniversalClient, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, d *engine.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.TransactionID, err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"transaction_id": d.TransactionID,
			"payload":        string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *StreamPublisher) Close() error { return nil }
