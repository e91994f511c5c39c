package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/metrics"
	"github.com/cardsentry/monitoring/internal/record"
	"github.com/cardsentry/monitoring/internal/registry"
	"github.com/cardsentry/monitoring/internal/rules"
	"github.com/cardsentry/monitoring/internal/velocity"
)

// Request carries one evaluation's inputs.
type Request struct {
	TransactionID  string
	Record         *record.Record
	CallerDecision rules.Action // normalized before it reaches the engine
	Country        string
	RulesetKey     string
}

// Evaluator runs rule evaluation against the live registry. Stateless apart
// from injected collaborators; safe for concurrent use.
type Evaluator struct {
	registry *registry.Registry
	fieldSvc *fields.Service
	velocity *velocity.Checker
	debug    DebugConfig
	metrics  *metrics.Metrics
}

// New creates an evaluator. metrics may be nil in tests.
func New(reg *registry.Registry, fieldSvc *fields.Service, vel *velocity.Checker, debug DebugConfig, m *metrics.Metrics) *Evaluator {
	return &Evaluator{registry: reg, fieldSvc: fieldSvc, velocity: vel, debug: debug, metrics: m}
}

// EvaluateMonitoring runs the MONITORING hot path: resolve the ruleset,
// collect every matching enabled rule, run velocity checks for matched rules
// that carry one, and compose the decision. The final decision is always the
// caller's; matches are informational. Faults never surface as errors — the
// decision degrades instead (fail-open).
func (e *Evaluator) EvaluateMonitoring(ctx context.Context, req Request) *Decision {
	start := time.Now()

	rs := e.registry.GetWithFallback(req.Country, req.RulesetKey)
	lookupDone := time.Now()

	if rs == nil {
		slog.Warn("[Evaluator] No ruleset installed",
			"country", req.Country, "key", req.RulesetKey, "transaction_id", req.TransactionID)
		d := Degraded(req.TransactionID, req.CallerDecision, req.RulesetKey, ErrCodeInternal)
		d.Timing = timing(start, lookupDone, lookupDone, lookupDone)
		e.observe(d)
		return d
	}

	dec := &Decision{
		TransactionID:  req.TransactionID,
		EvaluationType: rules.EvalMonitoring,
		Decision:       req.CallerDecision,
		RulesetKey:     rs.Key,
		RulesetVersion: rs.Version,
		EngineMode:     ModeNormal,
		MatchedRules:   []MatchedRule{},
	}

	var capture *debugCapture
	if e.debug.sampled() {
		capture = newDebugCapture(e.debug)
	}

	var matched []*rules.Rule
	for _, r := range rs.ApplicableRules(req.Record) {
		if !r.Enabled {
			continue
		}
		var hit bool
		if capture != nil {
			hit = e.matchWithCapture(capture, r, req.Record)
		} else {
			hit = r.Matches(req.Record)
		}
		if hit {
			matched = append(matched, r)
			dec.MatchedRules = append(dec.MatchedRules, MatchedRule{
				ID:            r.ID,
				Name:          r.Name,
				Action:        r.Action,
				Priority:      r.Priority,
				ConditionsMet: r.ConditionCount(),
			})
		}
	}
	evalDone := time.Now()

	reg := e.fieldSvc.Current()
	for _, r := range matched {
		if r.Velocity == nil {
			continue
		}
		res := e.velocity.Check(ctx, req.Record, reg, r.Velocity)
		if dec.VelocityResults == nil {
			dec.VelocityResults = make(map[string]velocity.Result, 2)
		}
		dec.VelocityResults[r.Name] = res
		if res.Error != "" {
			// Diagnostic data only: mark the engine degraded and keep going.
			dec.EngineMode = ModeDegraded
		}
		e.observeVelocity(res)
	}
	velocityDone := time.Now()

	if capture != nil {
		dec.Debug = &capture.info
	}
	dec.Timing = timing(start, lookupDone, evalDone, velocityDone)
	e.observe(dec)
	return dec
}

// EvaluateAuth is the first-match reference semantics of the upstream AUTH
// engine: iteration stops at the first matching enabled rule and its action
// becomes the decision. Used by tooling and tests, never on the MONITORING
// request path.
func (e *Evaluator) EvaluateAuth(ctx context.Context, req Request) *Decision {
	start := time.Now()
	rs := e.registry.GetWithFallback(req.Country, req.RulesetKey)
	lookupDone := time.Now()

	if rs == nil {
		d := Degraded(req.TransactionID, rules.ActionApprove, req.RulesetKey, ErrCodeInternal)
		d.EvaluationType = rules.EvalAuth
		d.Timing = timing(start, lookupDone, lookupDone, lookupDone)
		return d
	}

	dec := &Decision{
		TransactionID:  req.TransactionID,
		EvaluationType: rules.EvalAuth,
		Decision:       rules.ActionApprove,
		RulesetKey:     rs.Key,
		RulesetVersion: rs.Version,
		EngineMode:     ModeNormal,
		MatchedRules:   []MatchedRule{},
	}

	for _, r := range rs.ApplicableRules(req.Record) {
		if !r.Enabled {
			continue
		}
		if r.Matches(req.Record) {
			dec.Decision = r.Action
			dec.MatchedRules = append(dec.MatchedRules, MatchedRule{
				ID: r.ID, Name: r.Name, Action: r.Action, Priority: r.Priority, ConditionsMet: r.ConditionCount(),
			})
			break
		}
	}
	evalDone := time.Now()
	dec.Timing = timing(start, lookupDone, evalDone, evalDone)
	return dec
}

func (e *Evaluator) matchWithCapture(capture *debugCapture, r *rules.Rule, rec *record.Record) bool {
	for _, p := range r.Predicates() {
		t0 := time.Now()
		ok := p.Eval(rec)
		capture.record(r, p, rec, ok, time.Since(t0).Nanoseconds())
		if !ok {
			return false
		}
	}
	return true
}

func (e *Evaluator) observe(d *Decision) {
	if e.metrics == nil {
		return
	}
	e.metrics.EvaluationsTotal.WithLabelValues(d.EngineMode, string(d.Decision)).Inc()
	e.metrics.MatchedRules.Observe(float64(len(d.MatchedRules)))
	e.metrics.EvaluationDuration.WithLabelValues("lookup").Observe(d.Timing.RulesetLookupMs / 1000)
	e.metrics.EvaluationDuration.WithLabelValues("rules").Observe(d.Timing.RuleEvaluationMs / 1000)
	e.metrics.EvaluationDuration.WithLabelValues("velocity").Observe(d.Timing.VelocityMs / 1000)
	e.metrics.EvaluationDuration.WithLabelValues("total").Observe(d.Timing.TotalMs / 1000)
}

func (e *Evaluator) observeVelocity(res velocity.Result) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case res.Error != "":
		outcome = "error"
	case res.Exceeded:
		outcome = "exceeded"
	}
	e.metrics.VelocityChecks.WithLabelValues(outcome).Inc()
}

func timing(start, lookupDone, evalDone, velocityDone time.Time) Timing {
	return Timing{
		RulesetLookupMs:  ms(lookupDone.Sub(start)),
		RuleEvaluationMs: ms(evalDone.Sub(lookupDone)),
		VelocityMs:       ms(velocityDone.Sub(evalDone)),
		TotalMs:          ms(velocityDone.Sub(start)),
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
