package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream is the Redis Streams backend: one stream key, one consumer group,
// consumer-group semantics give at-least-once delivery with a pending list
// for crash recovery.
type Stream struct {
	client    redis.UniversalClient
	stream    string
	group     string
	consumer  string
	batchSize int64
	block     time.Duration
	maxLen    int64
}

// StreamConfig tunes the stream backend.
type StreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
	// MaxLen bounds the stream with approximate trimming; 0 disables.
	MaxLen int64
}

// NewStream builds a stream outbox over an existing Redis client.
func NewStream(client redis.UniversalClient, cfg StreamConfig) *Stream {
	if cfg.Stream == "" {
		cfg.Stream = "fraudmon:outbox"
	}
	if cfg.Group == "" {
		cfg.Group = "monitoring-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &Stream{
		client:    client,
		stream:    cfg.Stream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		batchSize: cfg.BatchSize,
		block:     cfg.Block,
		maxLen:    cfg.MaxLen,
	}
}

func (s *Stream) Append(ctx context.Context, ev *Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal outbox event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return id, nil
}

func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.group, s.stream, err)
	}
	return nil
}

func (s *Stream) ReadBatch(ctx context.Context) ([]Entry, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    s.batchSize,
		Block:    s.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", s.stream, err)
	}
	var out []Entry
	for _, st := range streams {
		for _, msg := range st.Messages {
			out = append(out, s.decode(msg))
		}
	}
	return out, nil
}

func (s *Stream) Ack(ctx context.Context, entryID string) error {
	if err := s.client.XAck(ctx, s.stream, s.group, entryID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", entryID, err)
	}
	// Delivered entries are of no further use; trim them eagerly.
	if err := s.client.XDel(ctx, s.stream, entryID).Err(); err != nil {
		slog.Warn("[Outbox] XDEL after ack failed", "entry_id", entryID, "error", err)
	}
	return nil
}

func (s *Stream) Claim(ctx context.Context, minIdle time.Duration) ([]Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    s.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", s.stream, err)
	}
	var out []Entry
	for _, msg := range msgs {
		out = append(out, s.decode(msg))
	}
	return out, nil
}

func (s *Stream) PendingSummary(ctx context.Context) (PendingSummary, error) {
	var summary PendingSummary
	p, err := s.client.XPending(ctx, s.stream, s.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return summary, nil
		}
		return summary, fmt.Errorf("xpending %s: %w", s.stream, err)
	}
	summary.TotalPending = p.Count
	if p.Count == 0 {
		return summary, nil
	}
	ext, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err == nil && len(ext) > 0 {
		summary.OldestIdleMs = ext[0].Idle.Milliseconds()
	}
	return summary, nil
}

// decode unwraps a stream message. A payload that does not parse yields a
// nil Event so the worker can ack it as poison instead of looping.
func (s *Stream) decode(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID}
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return e
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		slog.Warn("[Outbox] Undecodable entry", "entry_id", msg.ID, "error", err)
		return e
	}
	e.Event = &ev
	return e
}
