package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/record"
)

// EvaluationType distinguishes the two rule-evaluation modes.
type EvaluationType string

const (
	EvalAuth       EvaluationType = "AUTH"
	EvalMonitoring EvaluationType = "MONITORING"
)

// Ruleset is a compiled, immutable set of rules partitioned into scope
// buckets. Built off the hot path by CompileRuleset and installed into the
// registry by atomic publication; in-flight evaluations keep their snapshot.
type Ruleset struct {
	Key                  string
	Version              int
	EvalType             EvaluationType
	FieldRegistryVersion *int
	CreatedAt            time.Time

	byPriority []*Rule              // all rules, (priority desc, id asc)
	scopeIndex map[ScopeKey][]*Rule // buckets, each pre-sorted
}

// RulesByPriority returns all rules in (priority desc, id asc) order. The
// slice is the cached internal one; callers must not mutate it.
func (rs *Ruleset) RulesByPriority() []*Rule { return rs.byPriority }

// Len returns the number of rules.
func (rs *Ruleset) Len() int { return len(rs.byPriority) }

// ApplicableRules returns the rules applicable to a record: the buckets keyed
// by the record's scope values plus the global bucket, deduplicated, in
// (priority desc, id asc) order.
func (rs *Ruleset) ApplicableRules(rec *record.Record) []*Rule {
	scoped := RecordScopeKeys(rec)
	global := rs.scopeIndex[ScopeKey("")]
	if len(scoped) == 0 {
		return global
	}

	total := len(global)
	buckets := make([][]*Rule, 0, len(scoped)+1)
	for _, k := range scoped {
		if b := rs.scopeIndex[k]; len(b) > 0 {
			buckets = append(buckets, b)
			total += len(b)
		}
	}
	if len(buckets) == 0 {
		return global
	}
	buckets = append(buckets, global)

	merged := make([]*Rule, 0, total)
	seen := make(map[int64]struct{}, total)
	for _, b := range buckets {
		for _, r := range b {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return less(merged[i], merged[j]) })
	return merged
}

// ---- artifact compilation ----

// RulesetArtifact is the JSON shape of a compiled-ruleset blob.
type RulesetArtifact struct {
	Key                  string         `json:"key"`
	Version              int            `json:"version"`
	EvaluationType       string         `json:"evaluation_type"`
	FieldRegistryVersion *int           `json:"field_registry_version,omitempty"`
	CreatedAt            string         `json:"created_at,omitempty"`
	Rules                []RuleArtifact `json:"rules"`
}

// RuleArtifact is a single declarative rule inside a ruleset artifact.
type RuleArtifact struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Action     string          `json:"action"`
	Priority   int             `json:"priority"`
	Enabled    bool            `json:"enabled"`
	Conditions []Condition     `json:"conditions"`
	Velocity   *VelocityConfig `json:"velocity,omitempty"`
	Scope      *ScopeArtifact  `json:"scope,omitempty"`
}

// ScopeArtifact restricts a rule to a card-scope bucket.
type ScopeArtifact struct {
	CardNetwork string `json:"card_network,omitempty"`
	BINPrefix   string `json:"bin_prefix,omitempty"`
}

// CompileRuleset compiles an artifact against a field registry. Any condition
// failure rejects the entire ruleset; a compiled ruleset only ever references
// field IDs present in the registry it was compiled with.
func CompileRuleset(a *RulesetArtifact, reg *fields.Registry) (*Ruleset, error) {
	if a.Key == "" {
		return nil, fmt.Errorf("ruleset artifact has empty key")
	}
	evalType := EvaluationType(a.EvaluationType)
	switch evalType {
	case EvalAuth, EvalMonitoring:
	case "":
		evalType = EvalMonitoring
	default:
		return nil, fmt.Errorf("ruleset %q: unknown evaluation_type %q", a.Key, a.EvaluationType)
	}

	rs := &Ruleset{
		Key:                  a.Key,
		Version:              a.Version,
		EvalType:             evalType,
		FieldRegistryVersion: a.FieldRegistryVersion,
		CreatedAt:            time.Now().UTC(),
		scopeIndex:           make(map[ScopeKey][]*Rule),
	}
	if a.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, a.CreatedAt); err == nil {
			rs.CreatedAt = ts
		}
	}

	for _, ra := range a.Rules {
		action, err := NormalizeAction(ra.Action)
		if err != nil {
			return nil, fmt.Errorf("ruleset %q rule %d: %w", a.Key, ra.ID, err)
		}
		r := &Rule{
			ID:       ra.ID,
			Name:     ra.Name,
			Action:   action,
			Priority: ra.Priority,
			Enabled:  ra.Enabled,
			Velocity: ra.Velocity,
		}
		if ra.Velocity != nil {
			if _, ok := reg.ByID(ra.Velocity.DimensionFieldID); !ok {
				return nil, fmt.Errorf("ruleset %q rule %d: velocity dimension field %d not in registry v%d",
					a.Key, ra.ID, ra.Velocity.DimensionFieldID, reg.Version)
			}
			if ra.Velocity.Action != "" {
				va, err := NormalizeAction(string(ra.Velocity.Action))
				if err != nil {
					return nil, fmt.Errorf("ruleset %q rule %d: velocity action: %w", a.Key, ra.ID, err)
				}
				vc := *ra.Velocity
				vc.Action = va
				r.Velocity = &vc
			}
		}
		if ra.Scope != nil {
			r.Scope = MakeScopeKey(ra.Scope.CardNetwork, ra.Scope.BINPrefix)
		}
		for _, c := range ra.Conditions {
			p, err := Compile(c, reg)
			if err != nil {
				return nil, fmt.Errorf("ruleset %q rule %d: %w", a.Key, ra.ID, err)
			}
			r.predicates = append(r.predicates, p)
		}
		rs.byPriority = append(rs.byPriority, r)
		rs.scopeIndex[r.Scope] = append(rs.scopeIndex[r.Scope], r)
	}

	sort.SliceStable(rs.byPriority, func(i, j int) bool { return less(rs.byPriority[i], rs.byPriority[j]) })
	for k := range rs.scopeIndex {
		b := rs.scopeIndex[k]
		sort.SliceStable(b, func(i, j int) bool { return less(b[i], b[j]) })
	}
	return rs, nil
}
