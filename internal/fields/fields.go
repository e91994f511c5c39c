// Package fields defines the versioned field registry that gives every
// transaction attribute a stable integer ID, a datatype, and the set of
// operators rules may apply to it.
//
// Compiled predicates address the transaction record by field ID only; the
// registry is the single place where string keys are resolved. It is swapped
// atomically by the hot-reload coordinator, so readers always see a complete,
// coherent version.
package fields

import (
	"fmt"
	"strings"
)

// DataType classifies a field's values.
type DataType string

const (
	TypeString  DataType = "STRING"
	TypeNumber  DataType = "NUMBER"
	TypeBoolean DataType = "BOOLEAN"
)

// Operator is a comparison a condition may apply to a field.
type Operator string

const (
	OpEQ         Operator = "EQ"
	OpNE         Operator = "NE"
	OpGT         Operator = "GT"
	OpGTE        Operator = "GTE"
	OpLT         Operator = "LT"
	OpLTE        Operator = "LTE"
	OpIn         Operator = "IN"
	OpNotIn      Operator = "NOT_IN"
	OpBetween    Operator = "BETWEEN"
	OpContains   Operator = "CONTAINS"
	OpStartsWith Operator = "STARTS_WITH"
	OpEndsWith   Operator = "ENDS_WITH"
	OpIsNull     Operator = "IS_NULL"
	OpIsNotNull  Operator = "IS_NOT_NULL"
)

var stringOps = []Operator{OpEQ, OpNE, OpIn, OpNotIn, OpContains, OpStartsWith, OpEndsWith, OpIsNull, OpIsNotNull}
var numberOps = []Operator{OpEQ, OpNE, OpGT, OpGTE, OpLT, OpLTE, OpIn, OpNotIn, OpBetween, OpIsNull, OpIsNotNull}
var booleanOps = []Operator{OpEQ, OpNE, OpIsNull, OpIsNotNull}

// OperatorsFor returns the operator set allowed for a datatype.
func OperatorsFor(t DataType) []Operator {
	switch t {
	case TypeNumber:
		return numberOps
	case TypeBoolean:
		return booleanOps
	default:
		return stringOps
	}
}

// Definition describes a single addressable transaction field.
type Definition struct {
	ID          int        `json:"id"`
	Key         string     `json:"key"`
	DisplayName string     `json:"display_name"`
	Type        DataType   `json:"type"`
	Operators   []Operator `json:"operators,omitempty"`
	PII         bool       `json:"pii,omitempty"`
	// ScopeIndexed marks fields whose values participate in ruleset
	// scope-bucket keys (card network, BIN).
	ScopeIndexed bool `json:"scope_indexed,omitempty"`
	// Normalized fields are lowercased both at record construction and at
	// condition compile time, so comparisons stay case-insensitive.
	Normalized bool `json:"normalized,omitempty"`
}

// AllowsOperator reports whether op is valid for this field's datatype.
func (d Definition) AllowsOperator(op Operator) bool {
	ops := d.Operators
	if len(ops) == 0 {
		ops = OperatorsFor(d.Type)
	}
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// Registry is an immutable, versioned set of field definitions with
// bidirectional lookup. Build one with NewRegistry and never mutate it.
type Registry struct {
	Version int
	defs    []Definition
	byID    map[int]Definition
	byKey   map[string]Definition
	maxID   int
}

// NewRegistry builds a registry from definitions. Duplicate IDs or keys are
// rejected; keys are normalized to lowercase.
func NewRegistry(version int, defs []Definition) (*Registry, error) {
	r := &Registry{
		Version: version,
		defs:    make([]Definition, 0, len(defs)),
		byID:    make(map[int]Definition, len(defs)),
		byKey:   make(map[string]Definition, len(defs)),
	}
	for _, d := range defs {
		d.Key = strings.ToLower(strings.TrimSpace(d.Key))
		if d.Key == "" {
			return nil, fmt.Errorf("field %d has empty key", d.ID)
		}
		if d.ID <= 0 {
			return nil, fmt.Errorf("field %q has non-positive id %d", d.Key, d.ID)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate field id %d", d.ID)
		}
		if _, dup := r.byKey[d.Key]; dup {
			return nil, fmt.Errorf("duplicate field key %q", d.Key)
		}
		if len(d.Operators) == 0 {
			d.Operators = OperatorsFor(d.Type)
		}
		r.byID[d.ID] = d
		r.byKey[d.Key] = d
		r.defs = append(r.defs, d)
		if d.ID > r.maxID {
			r.maxID = d.ID
		}
	}
	return r, nil
}

// ByID looks a definition up by its integer ID.
func (r *Registry) ByID(id int) (Definition, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// ByKey looks a definition up by key, case-insensitively.
func (r *Registry) ByKey(key string) (Definition, bool) {
	d, ok := r.byKey[strings.ToLower(strings.TrimSpace(key))]
	return d, ok
}

// Definitions returns the field definitions in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// MaxID returns the highest field ID, used to size record slot arrays.
func (r *Registry) MaxID() int { return r.maxID }

// Len returns the number of fields.
func (r *Registry) Len() int { return len(r.defs) }
