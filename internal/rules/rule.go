package rules

import (
	"strings"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/record"
)

// VelocityConfig is a rate-counter check attached to a rule. Non-positive
// window or threshold values are replaced by process defaults at check time.
type VelocityConfig struct {
	DimensionFieldID int    `json:"dimension_field_id"`
	WindowSeconds    int    `json:"window_seconds"`
	Threshold        int64  `json:"threshold"`
	Action           Action `json:"action"`
}

// ScopeKey partitions rules into buckets keyed by card-scope field values.
// The empty key is the global bucket.
type ScopeKey string

// ScopeBINPrefixLen is the BIN prefix length scope keys are derived from.
const ScopeBINPrefixLen = 6

// MakeScopeKey builds a bucket key from a card network and BIN prefix.
// Either component may be empty.
func MakeScopeKey(network, binPrefix string) ScopeKey {
	network = strings.ToLower(strings.TrimSpace(network))
	binPrefix = strings.TrimSpace(binPrefix)
	if len(binPrefix) > ScopeBINPrefixLen {
		binPrefix = binPrefix[:ScopeBINPrefixLen]
	}
	if network == "" && binPrefix == "" {
		return ""
	}
	return ScopeKey(network + "|" + binPrefix)
}

// RecordScopeKeys returns the bucket keys a record's scope values select, in
// most-specific-first order. The global bucket is implicit and not included.
func RecordScopeKeys(rec *record.Record) []ScopeKey {
	network, _ := rec.Get(fields.FieldCardNetwork).Str()
	bin, _ := rec.Get(fields.FieldCardBIN).Str()
	if len(bin) > ScopeBINPrefixLen {
		bin = bin[:ScopeBINPrefixLen]
	}

	var keys []ScopeKey
	if network != "" && bin != "" {
		keys = append(keys, MakeScopeKey(network, bin))
	}
	if network != "" {
		keys = append(keys, MakeScopeKey(network, ""))
	}
	if bin != "" {
		keys = append(keys, MakeScopeKey("", bin))
	}
	return keys
}

// Rule is a compiled, immutable rule. Predicates AND together and are
// evaluated left-to-right with short-circuit.
type Rule struct {
	ID       int64
	Name     string
	Action   Action
	Priority int
	Enabled  bool
	Velocity *VelocityConfig
	Scope    ScopeKey

	predicates []*Predicate
}

// Matches evaluates the rule's predicate conjunction against a record.
func (r *Rule) Matches(rec *record.Record) bool {
	for _, p := range r.predicates {
		if !p.Eval(rec) {
			return false
		}
	}
	return true
}

// Predicates exposes the compiled conditions for debug capture. The returned
// slice must not be mutated.
func (r *Rule) Predicates() []*Predicate { return r.predicates }

// ConditionCount returns the number of compiled conditions.
func (r *Rule) ConditionCount() int { return len(r.predicates) }

// less orders rules by (priority desc, id asc).
func less(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}
