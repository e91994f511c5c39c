package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsentry/monitoring/internal/engine"
	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/registry"
	"github.com/cardsentry/monitoring/internal/rules"
	"github.com/cardsentry/monitoring/internal/transaction"
	"github.com/cardsentry/monitoring/internal/velocity"
)

// recordingPublisher captures publishes and can fail on demand.
type recordingPublisher struct {
	mu        sync.Mutex
	published []*engine.Decision
	failNext  int
}

func (p *recordingPublisher) Publish(_ context.Context, d *engine.Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("stream unavailable")
	}
	p.published = append(p.published, d)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) transactionIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, d := range p.published {
		out[i] = d.TransactionID
	}
	return out
}

type rulesetTable struct {
	rulesets map[string]*rules.Ruleset
}

func (s *rulesetTable) LoadCompiled(_ context.Context, key string, _ int) (*rules.Ruleset, error) {
	rs, ok := s.rulesets[key]
	if !ok {
		return nil, fmt.Errorf("ruleset %s not found", key)
	}
	return rs, nil
}

func (s *rulesetTable) LoadLatest(ctx context.Context, key string) (*rules.Ruleset, error) {
	return s.LoadCompiled(ctx, key, 0)
}

type nullCounter struct{}

func (nullCounter) Incr(context.Context, string, time.Duration) (int64, error) { return 1, nil }
func (nullCounter) Reset(context.Context, string) error                        { return nil }

func newWorkerFixture(t *testing.T, pub *recordingPublisher) (*Worker, *Memory) {
	t.Helper()
	rs, err := rules.CompileRuleset(&rules.RulesetArtifact{
		Key: transaction.DefaultRulesetKey, Version: 1, EvaluationType: "MONITORING",
		Rules: []rules.RuleArtifact{
			{ID: 1, Name: "high-amount", Action: "REVIEW", Priority: 10, Enabled: true,
				Conditions: []rules.Condition{{Field: "amount", Op: fields.OpGT, Value: json.Number("100")}}},
		},
	}, fields.Builtin())
	require.NoError(t, err)

	fieldSvc := fields.NewService(fields.Builtin())
	loader := &rulesetTable{rulesets: map[string]*rules.Ruleset{rs.Key: rs}}
	reg := registry.New(loader, fieldSvc)
	require.True(t, reg.LoadAndRegister(context.Background(), registry.GlobalCountry, rs.Key, 1))

	checker := velocity.NewChecker(nullCounter{}, "test", velocity.Defaults{}, 0)
	ev := engine.New(reg, fieldSvc, checker, engine.DebugConfig{}, nil)

	ob := NewMemory(16, 10*time.Millisecond)
	w := NewWorker(ob, pub, ev, fieldSvc, WorkerConfig{}, nil)
	return w, ob
}

func appendEvent(t *testing.T, ob *Memory, ev *Event) string {
	t.Helper()
	id, err := ob.Append(context.Background(), ev)
	require.NoError(t, err)
	return id
}

func pendingCount(t *testing.T, ob *Memory) int64 {
	t.Helper()
	sum, err := ob.PendingSummary(context.Background())
	require.NoError(t, err)
	return sum.TotalPending
}

func TestWorkerProcessHappyPath(t *testing.T) {
	pub := &recordingPublisher{}
	w, ob := newWorkerFixture(t, pub)
	ctx := context.Background()

	ev := &Event{
		Transaction: &transaction.Transaction{TransactionID: "txn-1", Amount: "150", CountryCode: "US"},
		UpstreamDecision: &engine.Decision{
			TransactionID:  "txn-1",
			EvaluationType: rules.EvalAuth,
			Decision:       rules.ActionDecline,
			EngineMode:     engine.ModeNormal,
		},
	}
	appendEvent(t, ob, ev)

	batch, err := ob.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	w.process(ctx, batch[0])

	// Upstream decision then derived decision, in order.
	require.Len(t, pub.published, 2)
	assert.Equal(t, rules.EvalAuth, pub.published[0].EvaluationType)
	derived := pub.published[1]
	assert.Equal(t, rules.EvalMonitoring, derived.EvaluationType)
	assert.Equal(t, rules.ActionDecline, derived.Decision)
	require.Len(t, derived.MatchedRules, 1)
	assert.Equal(t, "high-amount", derived.MatchedRules[0].Name)

	assert.Equal(t, int64(0), pendingCount(t, ob))
}

func TestWorkerPublishFailureLeavesUnacked(t *testing.T) {
	pub := &recordingPublisher{failNext: 1}
	w, ob := newWorkerFixture(t, pub)
	ctx := context.Background()

	appendEvent(t, ob, testEvent("txn-1"))
	batch, err := ob.ReadBatch(ctx)
	require.NoError(t, err)
	w.process(ctx, batch[0])

	// Upstream publish failed: nothing published, entry still pending.
	assert.Empty(t, pub.published)
	assert.Equal(t, int64(1), pendingCount(t, ob))

	// Redelivery via claim retries the whole sequence.
	claimed, err := ob.Claim(ctx, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	w.process(ctx, claimed[0])
	assert.Equal(t, []string{"txn-1", "txn-1"}, pub.transactionIDs())
	assert.Equal(t, int64(0), pendingCount(t, ob))
}

func TestWorkerDerivedPublishFailureLeavesUnacked(t *testing.T) {
	pub := &recordingPublisher{}
	w, ob := newWorkerFixture(t, pub)
	ctx := context.Background()

	appendEvent(t, ob, testEvent("txn-2"))
	batch, err := ob.ReadBatch(ctx)
	require.NoError(t, err)

	// First publish (upstream) succeeds, second (derived) fails.
	pub.mu.Lock()
	pub.failNext = 0
	pub.mu.Unlock()
	failAfterFirst := &sequencePublisher{inner: pub, failAt: 2}
	w.publisher = failAfterFirst
	w.process(ctx, batch[0])

	assert.Equal(t, int64(1), pendingCount(t, ob))
}

// sequencePublisher fails the n-th publish.
type sequencePublisher struct {
	inner  *recordingPublisher
	calls  int
	failAt int
}

func (s *sequencePublisher) Publish(ctx context.Context, d *engine.Decision) error {
	s.calls++
	if s.calls == s.failAt {
		return errors.New("stream unavailable")
	}
	return s.inner.Publish(ctx, d)
}

func (s *sequencePublisher) Close() error { return nil }

func TestWorkerDegenerateEntriesAckedAsPoison(t *testing.T) {
	pub := &recordingPublisher{}
	w, ob := newWorkerFixture(t, pub)
	ctx := context.Background()

	appendEvent(t, ob, nil)
	appendEvent(t, ob, &Event{Transaction: nil, UpstreamDecision: testEvent("x").UpstreamDecision})
	appendEvent(t, ob, &Event{Transaction: testEvent("y").Transaction, UpstreamDecision: nil})

	batch, err := ob.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for _, e := range batch {
		w.process(ctx, e)
	}

	// All acked, nothing published, no redelivery loop.
	assert.Empty(t, pub.published)
	assert.Equal(t, int64(0), pendingCount(t, ob))
}

func TestWorkerRunDrivesEndToEnd(t *testing.T) {
	pub := &recordingPublisher{}
	w, ob := newWorkerFixture(t, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	appendEvent(t, ob, testEvent("txn-run"))

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.published) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
