package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cardsentry/monitoring/internal/engine"
	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/metrics"
	"github.com/cardsentry/monitoring/internal/publish"
)

// Worker consumes the outbox and runs the derivative MONITORING evaluation
// for each upstream AUTH event. Per entry the sequence is publish(upstream) →
// evaluate → publish(derived) → ack; a publish failure leaves the entry
// unacked so the stream redelivers it.
type Worker struct {
	outbox    Outbox
	publisher publish.Publisher
	evaluator *engine.Evaluator
	fieldSvc  *fields.Service
	metrics   *metrics.Metrics

	claimInterval time.Duration
	claimMinIdle  time.Duration
}

// WorkerConfig tunes pending recovery.
type WorkerConfig struct {
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
}

// NewWorker builds an outbox worker. metrics may be nil in tests.
func NewWorker(ob Outbox, pub publish.Publisher, ev *engine.Evaluator, fieldSvc *fields.Service, cfg WorkerConfig, m *metrics.Metrics) *Worker {
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	return &Worker{
		outbox:        ob,
		publisher:     pub,
		evaluator:     ev,
		fieldSvc:      fieldSvc,
		metrics:       m,
		claimInterval: cfg.ClaimInterval,
		claimMinIdle:  cfg.ClaimMinIdle,
	}
}

// Run consumes until ctx is cancelled. Entries a crashed sibling left pending
// are claimed at startup and then periodically.
func (w *Worker) Run(ctx context.Context) {
	if err := w.outbox.EnsureGroup(ctx); err != nil {
		slog.Error("[OutboxWorker] Consumer group setup failed", "error", err)
		return
	}
	w.recoverPending(ctx)

	claimTicker := time.NewTicker(w.claimInterval)
	defer claimTicker.Stop()
	slog.Info("[OutboxWorker] Started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("[OutboxWorker] Stopped")
			return
		case <-claimTicker.C:
			w.recoverPending(ctx)
		default:
		}

		batch, err := w.outbox.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[OutboxWorker] Read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, entry := range batch {
			w.process(ctx, entry)
		}
	}
}

func (w *Worker) recoverPending(ctx context.Context) {
	claimed, err := w.outbox.Claim(ctx, w.claimMinIdle)
	if err != nil {
		slog.Warn("[OutboxWorker] Pending claim failed", "error", err)
		return
	}
	if len(claimed) > 0 {
		slog.Info("[OutboxWorker] Claimed idle entries", "count", len(claimed))
	}
	for _, entry := range claimed {
		w.process(ctx, entry)
	}
}

// process handles one entry end to end. Returns with the entry unacked when
// any publish fails, so redelivery retries the whole sequence.
func (w *Worker) process(ctx context.Context, entry Entry) {
	ev := entry.Event
	if ev == nil || ev.Transaction == nil || ev.UpstreamDecision == nil {
		slog.Warn("[OutboxWorker] Degenerate entry acked and skipped", "entry_id", entry.ID)
		if w.metrics != nil {
			w.metrics.OutboxPoison.Inc()
		}
		w.ack(ctx, entry.ID, "poison")
		return
	}

	if err := w.publisher.Publish(ctx, ev.UpstreamDecision); err != nil {
		slog.Warn("[OutboxWorker] Upstream publish failed, entry left for redelivery",
			"entry_id", entry.ID, "transaction_id", ev.Transaction.TransactionID, "error", err)
		w.observe("redelivered")
		return
	}

	derived := w.evaluate(ctx, ev)

	if err := w.publisher.Publish(ctx, derived); err != nil {
		slog.Warn("[OutboxWorker] Derived publish failed, entry left for redelivery",
			"entry_id", entry.ID, "transaction_id", derived.TransactionID, "error", err)
		w.observe("redelivered")
		return
	}

	w.ack(ctx, entry.ID, "acked")
}

// evaluate runs the derivative MONITORING evaluation. Evaluation is
// fail-open, so this always yields a decision.
func (w *Worker) evaluate(ctx context.Context, ev *Event) *engine.Decision {
	txn := ev.Transaction
	reg := w.fieldSvc.Current()
	rec, err := txn.ToRecord(reg)
	if err != nil {
		slog.Warn("[OutboxWorker] Record projection failed",
			"transaction_id", txn.TransactionID, "error", err)
		return engine.Degraded(txn.TransactionID, ev.UpstreamDecision.Decision, txn.RulesetKey(), engine.ErrCodeInternal)
	}
	return w.evaluator.EvaluateMonitoring(ctx, engine.Request{
		TransactionID:  txn.TransactionID,
		Record:         rec,
		CallerDecision: ev.UpstreamDecision.Decision,
		Country:        txn.CountryCode,
		RulesetKey:     txn.RulesetKey(),
	})
}

func (w *Worker) ack(ctx context.Context, entryID, outcome string) {
	if err := w.outbox.Ack(ctx, entryID); err != nil {
		slog.Warn("[OutboxWorker] Ack failed", "entry_id", entryID, "error", err)
		return
	}
	w.observe(outcome)
}

func (w *Worker) observe(outcome string) {
	if w.metrics != nil {
		w.metrics.OutboxProcessed.WithLabelValues(outcome).Inc()
	}
}
