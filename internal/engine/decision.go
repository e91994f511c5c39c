// Package engine evaluates compiled rulesets against transaction records and
// composes the published Decision. MONITORING is the hot path: all-match,
// with the final decision supplied by the caller.
package engine

import (
	"github.com/cardsentry/monitoring/internal/rules"
	"github.com/cardsentry/monitoring/internal/velocity"
)

// Engine modes carried on every decision.
const (
	ModeNormal   = "NORMAL"
	ModeDegraded = "DEGRADED"
	ModeFailOpen = "FAIL_OPEN"
)

// Engine error codes.
const (
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeLoadShedding = "LOAD_SHEDDING"
)

// MatchedRule is one all-match hit, informational only in MONITORING mode.
type MatchedRule struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	Action        rules.Action `json:"action"`
	Priority      int          `json:"priority"`
	ConditionsMet int          `json:"conditions_met"`
}

// Timing is the per-stage latency breakdown, measured on the monotonic
// clock.
type Timing struct {
	RulesetLookupMs  float64 `json:"ruleset_lookup_ms"`
	RuleEvaluationMs float64 `json:"rule_evaluation_ms"`
	VelocityMs       float64 `json:"velocity_ms"`
	TotalMs          float64 `json:"total_ms"`
}

// Decision is the evaluation outcome. Immutable once published.
type Decision struct {
	TransactionID   string                     `json:"transaction_id"`
	EvaluationType  rules.EvaluationType       `json:"evaluation_type"`
	Decision        rules.Action               `json:"decision"`
	RulesetKey      string                     `json:"ruleset_key"`
	RulesetVersion  int                        `json:"ruleset_version,omitempty"`
	EngineMode      string                     `json:"engine_mode"`
	EngineErrorCode string                     `json:"engine_error_code,omitempty"`
	MatchedRules    []MatchedRule              `json:"matched_rules"`
	VelocityResults map[string]velocity.Result `json:"velocity_results,omitempty"`
	Timing          Timing                     `json:"timing_breakdown"`
	ContextSnapshot map[string]interface{}     `json:"transaction_context_snapshot,omitempty"`
	Debug           *DebugInfo                 `json:"debug_info,omitempty"`
}

// Degraded builds the fail-open decision shape used whenever evaluation
// cannot run: the caller-supplied decision is preserved and the response is
// still a 200.
func Degraded(txnID string, callerDecision rules.Action, rulesetKey, errorCode string) *Decision {
	if callerDecision == "" {
		callerDecision = rules.ActionApprove
	}
	return &Decision{
		TransactionID:   txnID,
		EvaluationType:  rules.EvalMonitoring,
		Decision:        callerDecision,
		RulesetKey:      rulesetKey,
		EngineMode:      ModeDegraded,
		EngineErrorCode: errorCode,
		MatchedRules:    []MatchedRule{},
	}
}
