package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/record"
)

func amountRule(id int64, priority int, threshold string) RuleArtifact {
	return RuleArtifact{
		ID:       id,
		Name:     "rule-" + threshold,
		Action:   "REVIEW",
		Priority: priority,
		Enabled:  true,
		Conditions: []Condition{
			{Field: "amount", Op: fields.OpGT, Value: json.Number(threshold)},
		},
	}
}

func TestCompileRulesetRejectsBadConditions(t *testing.T) {
	_, err := CompileRuleset(&RulesetArtifact{
		Key:            "CARD_MONITORING",
		Version:        1,
		EvaluationType: "MONITORING",
		Rules: []RuleArtifact{
			{ID: 1, Name: "bad", Action: "REVIEW", Enabled: true,
				Conditions: []Condition{{Field: "ghost_field", Op: fields.OpEQ, Value: "x"}}},
		},
	}, fields.Builtin())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestCompileRulesetRejectsUnknownVelocityDimension(t *testing.T) {
	_, err := CompileRuleset(&RulesetArtifact{
		Key:            "CARD_MONITORING",
		Version:        1,
		EvaluationType: "MONITORING",
		Rules: []RuleArtifact{
			{ID: 1, Name: "v", Action: "REVIEW", Enabled: true,
				Velocity: &VelocityConfig{DimensionFieldID: 999, WindowSeconds: 60, Threshold: 5}},
		},
	}, fields.Builtin())
	assert.Error(t, err)
}

func TestPriorityOrdering(t *testing.T) {
	rs, err := CompileRuleset(&RulesetArtifact{
		Key:            "CARD_MONITORING",
		Version:        1,
		EvaluationType: "MONITORING",
		Rules: []RuleArtifact{
			amountRule(3, 50, "10"),
			amountRule(1, 100, "20"),
			amountRule(2, 100, "30"), // same priority as rule 1: id breaks the tie
		},
	}, fields.Builtin())
	require.NoError(t, err)

	ordered := rs.RulesByPriority()
	require.Len(t, ordered, 3)
	assert.Equal(t, int64(1), ordered[0].ID)
	assert.Equal(t, int64(2), ordered[1].ID)
	assert.Equal(t, int64(3), ordered[2].ID)
}

func TestScopeIndexPartitioning(t *testing.T) {
	rs, err := CompileRuleset(&RulesetArtifact{
		Key:            "CARD_MONITORING",
		Version:        2,
		EvaluationType: "MONITORING",
		Rules: []RuleArtifact{
			{ID: 1, Name: "global", Action: "REVIEW", Priority: 10, Enabled: true,
				Conditions: []Condition{{Field: "amount", Op: fields.OpGT, Value: json.Number("0")}}},
			{ID: 2, Name: "visa-only", Action: "REVIEW", Priority: 90, Enabled: true,
				Scope:      &ScopeArtifact{CardNetwork: "VISA"},
				Conditions: []Condition{{Field: "amount", Op: fields.OpGT, Value: json.Number("0")}}},
			{ID: 3, Name: "visa-bin", Action: "DECLINE", Priority: 50, Enabled: true,
				Scope:      &ScopeArtifact{CardNetwork: "visa", BINPrefix: "411111"},
				Conditions: []Condition{{Field: "amount", Op: fields.OpGT, Value: json.Number("0")}}},
			{ID: 4, Name: "mc-only", Action: "REVIEW", Priority: 70, Enabled: true,
				Scope:      &ScopeArtifact{CardNetwork: "mastercard"},
				Conditions: []Condition{{Field: "amount", Op: fields.OpGT, Value: json.Number("0")}}},
		},
	}, fields.Builtin())
	require.NoError(t, err)

	reg := fields.Builtin()

	// Visa card with the indexed BIN: visa bucket + visa-bin bucket + global.
	rec := record.New(reg)
	network, _ := reg.ByID(fields.FieldCardNetwork)
	rec.SetString(network, "VISA")
	rec.Set(fields.FieldCardBIN, record.String("4111111111"))

	got := rs.ApplicableRules(rec)
	ids := make([]int64, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{2, 3, 1}, ids, "(priority desc, id asc), mastercard bucket excluded")

	// No scope fields at all: only the global bucket.
	bare := record.New(reg)
	got = rs.ApplicableRules(bare)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
}

func TestApplicableRulesDeterministic(t *testing.T) {
	rs, err := CompileRuleset(&RulesetArtifact{
		Key:            "CARD_MONITORING",
		Version:        1,
		EvaluationType: "MONITORING",
		Rules: []RuleArtifact{
			amountRule(5, 10, "1"),
			amountRule(4, 20, "1"),
			amountRule(9, 20, "1"),
		},
	}, fields.Builtin())
	require.NoError(t, err)

	rec := record.New(fields.Builtin())
	first := rs.ApplicableRules(rec)
	for i := 0; i < 10; i++ {
		again := rs.ApplicableRules(rec)
		require.Equal(t, first, again)
	}
}

func TestShortCircuitEvaluation(t *testing.T) {
	// Second condition reads an absent field; the first already fails, so
	// the conjunction is false without a type surprise.
	rs, err := CompileRuleset(&RulesetArtifact{
		Key:            "CARD_MONITORING",
		Version:        1,
		EvaluationType: "MONITORING",
		Rules: []RuleArtifact{
			{ID: 1, Name: "and", Action: "REVIEW", Enabled: true, Conditions: []Condition{
				{Field: "country_code", Op: fields.OpEQ, Value: "GB"},
				{Field: "amount", Op: fields.OpGT, Value: json.Number("100")},
			}},
		},
	}, fields.Builtin())
	require.NoError(t, err)

	rec := record.New(fields.Builtin())
	rec.Set(fields.FieldCountryCode, record.String("US"))
	assert.False(t, rs.RulesByPriority()[0].Matches(rec))
}

func TestNormalizeDecision(t *testing.T) {
	for _, in := range []string{"APPROVE", "approved", "Allow"} {
		a, err := NormalizeDecision(in)
		require.NoError(t, err, in)
		assert.Equal(t, ActionApprove, a)
	}
	for _, in := range []string{"DECLINE", "declined", "BLOCK"} {
		a, err := NormalizeDecision(in)
		require.NoError(t, err, in)
		assert.Equal(t, ActionDecline, a)
	}
	for _, in := range []string{"MAYBE", "", "REVIEW"} {
		_, err := NormalizeDecision(in)
		assert.Error(t, err, in)
	}
}
