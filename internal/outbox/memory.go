package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is the in-process backend used by tests and single-node setups.
// Entries move queued → in-flight on read and leave on ack; claimed entries
// are in-flight records whose consumer went quiet.
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	queued   []Entry
	inFlight map[string]inFlightEntry
	arrival  chan struct{}

	batchSize int
	block     time.Duration
}

type inFlightEntry struct {
	entry       Entry
	deliveredAt time.Time
}

// NewMemory builds an in-memory outbox. batchSize defaults to 16, block to
// 100 ms.
func NewMemory(batchSize int, block time.Duration) *Memory {
	if batchSize <= 0 {
		batchSize = 16
	}
	if block <= 0 {
		block = 100 * time.Millisecond
	}
	return &Memory{
		inFlight:  map[string]inFlightEntry{},
		arrival:   make(chan struct{}, 1),
		batchSize: batchSize,
		block:     block,
	}
}

func (m *Memory) Append(_ context.Context, ev *Event) (string, error) {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("%d-0", m.nextID)
	m.queued = append(m.queued, Entry{ID: id, Event: ev})
	m.mu.Unlock()

	select {
	case m.arrival <- struct{}{}:
	default:
	}
	return id, nil
}

func (m *Memory) ReadBatch(ctx context.Context) ([]Entry, error) {
	batch := m.take()
	if batch != nil {
		return batch, nil
	}
	select {
	case <-m.arrival:
		return m.take(), nil
	case <-time.After(m.block):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) take() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queued) == 0 {
		return nil
	}
	n := len(m.queued)
	if n > m.batchSize {
		n = m.batchSize
	}
	batch := make([]Entry, n)
	copy(batch, m.queued[:n])
	m.queued = m.queued[n:]
	now := time.Now()
	for _, e := range batch {
		m.inFlight[e.ID] = inFlightEntry{entry: e, deliveredAt: now}
	}
	return batch
}

func (m *Memory) Ack(_ context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, entryID)
	return nil
}

func (m *Memory) EnsureGroup(context.Context) error { return nil }

func (m *Memory) Claim(_ context.Context, minIdle time.Duration) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var claimed []Entry
	for id, f := range m.inFlight {
		if now.Sub(f.deliveredAt) >= minIdle {
			claimed = append(claimed, f.entry)
			m.inFlight[id] = inFlightEntry{entry: f.entry, deliveredAt: now}
		}
	}
	return claimed, nil
}

func (m *Memory) PendingSummary(context.Context) (PendingSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := PendingSummary{TotalPending: int64(len(m.inFlight))}
	now := time.Now()
	for _, f := range m.inFlight {
		if idle := now.Sub(f.deliveredAt).Milliseconds(); idle > s.OldestIdleMs {
			s.OldestIdleMs = idle
		}
	}
	return s, nil
}
