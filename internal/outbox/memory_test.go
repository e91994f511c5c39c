package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsentry/monitoring/internal/engine"
	"github.com/cardsentry/monitoring/internal/rules"
	"github.com/cardsentry/monitoring/internal/transaction"
)

func testEvent(id string) *Event {
	return &Event{
		Transaction: &transaction.Transaction{TransactionID: id, Amount: "10"},
		UpstreamDecision: &engine.Decision{
			TransactionID: id,
			Decision:      rules.ActionApprove,
			EngineMode:    engine.ModeNormal,
		},
	}
}

func TestMemoryAppendReadAck(t *testing.T) {
	m := NewMemory(16, 50*time.Millisecond)
	ctx := context.Background()

	id1, err := m.Append(ctx, testEvent("txn-1"))
	require.NoError(t, err)
	id2, err := m.Append(ctx, testEvent("txn-2"))
	require.NoError(t, err)
	assert.Less(t, id1, id2)

	batch, err := m.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "txn-1", batch[0].Event.Transaction.TransactionID)

	// Unacked entries count as pending.
	sum, err := m.PendingSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.TotalPending)

	require.NoError(t, m.Ack(ctx, id1))
	require.NoError(t, m.Ack(ctx, id2))
	sum, err = m.PendingSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.TotalPending)
}

func TestMemoryReadBlocksUntilTimeout(t *testing.T) {
	m := NewMemory(16, 30*time.Millisecond)

	start := time.Now()
	batch, err := m.ReadBatch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryBatchSizeBounds(t *testing.T) {
	m := NewMemory(2, 10*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.Append(ctx, testEvent("txn"))
		require.NoError(t, err)
	}

	batch, err := m.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestMemoryClaimRedeliversIdleEntries(t *testing.T) {
	m := NewMemory(16, 10*time.Millisecond)
	ctx := context.Background()
	id, err := m.Append(ctx, testEvent("txn-1"))
	require.NoError(t, err)

	_, err = m.ReadBatch(ctx)
	require.NoError(t, err)

	// Nothing idle long enough yet.
	claimed, err := m.Claim(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// With a zero idle floor the unacked entry is claimable.
	claimed, err = m.Claim(ctx, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)

	require.NoError(t, m.Ack(ctx, id))
	claimed, err = m.Claim(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
