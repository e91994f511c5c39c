// Package record holds the field-indexed transaction record evaluated on the
// hot path. Slots are addressed by field ID; a distinguished absent value
// stands in for both missing and null inputs.
package record

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cardsentry/monitoring/internal/fields"
)

type kind uint8

const (
	kindAbsent kind = iota
	kindString
	kindNumber
	kindBool
)

// Value is a typed slot value. The zero Value is absent.
type Value struct {
	k kind
	s string
	n decimal.Decimal
	b bool
}

// Absent is the distinguished missing/null value.
var Absent = Value{}

func String(s string) Value          { return Value{k: kindString, s: s} }
func Number(d decimal.Decimal) Value { return Value{k: kindNumber, n: d} }
func Bool(b bool) Value              { return Value{k: kindBool, b: b} }

// IsAbsent reports whether the slot holds no value.
func (v Value) IsAbsent() bool { return v.k == kindAbsent }

// Str returns the string value. ok is false for absent or mismatched slots;
// a mismatch is a compile-stage bug, never a runtime condition.
func (v Value) Str() (string, bool) {
	return v.s, v.k == kindString
}

// Num returns the decimal value.
func (v Value) Num() (decimal.Decimal, bool) {
	return v.n, v.k == kindNumber
}

// Bool returns the boolean value.
func (v Value) Bool() (bool, bool) {
	return v.b, v.k == kindBool
}

// Display renders the value for serialization and debug output.
func (v Value) Display() interface{} {
	switch v.k {
	case kindString:
		return v.s
	case kindNumber:
		return v.n.String()
	case kindBool:
		return v.b
	default:
		return nil
	}
}

// Record is a fixed-arity slot array indexed by field ID. Allocated per
// request and discarded with the response.
type Record struct {
	slots []Value
}

// New allocates a record sized for the given registry.
func New(reg *fields.Registry) *Record {
	return &Record{slots: make([]Value, reg.MaxID()+1)}
}

// Get returns the slot for a field ID, or Absent when out of range or unset.
func (r *Record) Get(fieldID int) Value {
	if fieldID <= 0 || fieldID >= len(r.slots) {
		return Absent
	}
	return r.slots[fieldID]
}

// Set stores a value. Normalized string fields must be lowercased by the
// builder before this call.
func (r *Record) Set(fieldID int, v Value) {
	if fieldID <= 0 || fieldID >= len(r.slots) {
		return
	}
	r.slots[fieldID] = v
}

// SetString stores a string, applying the definition's normalization.
func (r *Record) SetString(def fields.Definition, s string) {
	if def.Normalized {
		s = strings.ToLower(s)
	}
	r.Set(def.ID, String(s))
}

// AsMap renders the record as a key → value map. Serialization and debug
// only; never used on the evaluation path.
func (r *Record) AsMap(reg *fields.Registry) map[string]interface{} {
	out := make(map[string]interface{})
	for _, d := range reg.Definitions() {
		v := r.Get(d.ID)
		if v.IsAbsent() {
			continue
		}
		out[d.Key] = v.Display()
	}
	return out
}
