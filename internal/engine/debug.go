package engine

import (
	"math/rand"

	"github.com/google/uuid"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/record"
	"github.com/cardsentry/monitoring/internal/rules"
)

// DebugConfig is fixed at process start. When Enabled is false the evaluator
// takes the tight-loop path and allocates nothing for capture.
type DebugConfig struct {
	Enabled                 bool
	SampleRate              int // 0–100; 0 means never, 100 means always
	IncludeFieldValues      bool
	MaxConditionEvaluations int
}

// DefaultMaxConditionEvaluations caps capture memory per evaluation.
const DefaultMaxConditionEvaluations = 100

// sampled reports whether this evaluation should capture debug data.
func (d DebugConfig) sampled() bool {
	if !d.Enabled {
		return false
	}
	if d.SampleRate >= 100 {
		return true
	}
	if d.SampleRate <= 0 {
		return false
	}
	return rand.Intn(100) < d.SampleRate
}

// ConditionEvaluation is one captured predicate application.
type ConditionEvaluation struct {
	RuleID   int64           `json:"rule_id"`
	Field    string          `json:"field"`
	Operator fields.Operator `json:"operator"`
	Expected string          `json:"expected"`
	Actual   interface{}     `json:"actual,omitempty"`
	Matched  bool            `json:"matched"`
	Nanos    int64           `json:"nanos"`
}

// DebugInfo is attached to a decision when debug capture ran. TraceID
// correlates the capture with downstream log lines and published decisions.
type DebugInfo struct {
	TraceID              string                `json:"trace_id"`
	ConditionEvaluations []ConditionEvaluation `json:"condition_evaluations"`
	Truncated            bool                  `json:"truncated,omitempty"`
}

type debugCapture struct {
	cfg  DebugConfig
	info DebugInfo
}

func newDebugCapture(cfg DebugConfig) *debugCapture {
	return &debugCapture{cfg: cfg, info: DebugInfo{TraceID: uuid.NewString()}}
}

func (dc *debugCapture) record(r *rules.Rule, p *rules.Predicate, rec *record.Record, matched bool, nanos int64) {
	max := dc.cfg.MaxConditionEvaluations
	if max <= 0 {
		max = DefaultMaxConditionEvaluations
	}
	if len(dc.info.ConditionEvaluations) >= max {
		dc.info.Truncated = true
		return
	}
	ce := ConditionEvaluation{
		RuleID:   r.ID,
		Field:    p.FieldKey,
		Operator: p.Op,
		Expected: p.Expected(),
		Matched:  matched,
		Nanos:    nanos,
	}
	if dc.cfg.IncludeFieldValues {
		ce.Actual = rec.Get(p.FieldID).Display()
	}
	dc.info.ConditionEvaluations = append(dc.info.ConditionEvaluations, ce)
}
