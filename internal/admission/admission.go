// Package admission bounds evaluation parallelism. When the gate is full the
// request is answered immediately with a degraded decision that preserves the
// caller's input, and neither Redis nor the outbox is touched.
package admission

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/cardsentry/monitoring/internal/engine"
	"github.com/cardsentry/monitoring/internal/metrics"
	"github.com/cardsentry/monitoring/internal/rules"
	"github.com/cardsentry/monitoring/internal/transaction"
)

// HeaderLoadShed marks responses produced by the shed path.
const HeaderLoadShed = "X-Load-Shed"

// Controller is the bounded-parallelism gate.
type Controller struct {
	sem     *semaphore.Weighted
	max     int64
	metrics *metrics.Metrics
}

// New builds a controller admitting up to maxConcurrent requests.
// maxConcurrent <= 0 sheds everything, which is the drain switch.
func New(maxConcurrent int64, m *metrics.Metrics) *Controller {
	c := &Controller{max: maxConcurrent, metrics: m}
	if maxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return c
}

// Acquire attempts admission without blocking.
func (c *Controller) Acquire() bool {
	if c.sem == nil {
		return false
	}
	return c.sem.TryAcquire(1)
}

// Release returns a slot. Must be called exactly once per successful Acquire.
func (c *Controller) Release() {
	if c.sem != nil {
		c.sem.Release(1)
	}
}

// Middleware gates the evaluation route. A shed request still returns 200
// with a degraded decision; the slot is released when the handler finishes,
// panics included.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Acquire() {
			c.shed(w, r)
			return
		}
		defer c.Release()
		next.ServeHTTP(w, r)
	})
}

// shedRequest is the minimal slice of the body needed to compose a degraded
// response. Nothing else is parsed on the shed path.
type shedRequest struct {
	TransactionID   string `json:"transaction_id"`
	Decision        string `json:"decision"`
	TransactionType string `json:"transaction_type"`
}

func (c *Controller) shed(w http.ResponseWriter, r *http.Request) {
	if c.metrics != nil {
		c.metrics.LoadShedTotal.Inc()
	}

	var req shedRequest
	// Best effort: an unparsable body still gets a degraded response.
	_ = json.NewDecoder(r.Body).Decode(&req)

	caller, err := rules.NormalizeDecision(req.Decision)
	if err != nil {
		caller = rules.ActionApprove
	}
	key := (&transaction.Transaction{TransactionType: req.TransactionType}).RulesetKey()
	d := engine.Degraded(req.TransactionID, caller, key, engine.ErrCodeLoadShedding)

	slog.Warn("[Admission] Request shed", "transaction_id", req.TransactionID)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderLoadShed, "true")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(d); err != nil {
		slog.Warn("[Admission] Shed response write failed", "error", err)
	}
}
