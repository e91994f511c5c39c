// Package rules holds the declarative condition model, the compiler that
// turns conditions into closed predicates, and the compiled ruleset with its
// scope index. Everything here is immutable after compile; the evaluation
// path allocates nothing.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/record"
)

// Compile error kinds. Rulesets carrying any failing condition are rejected
// at load time; evaluation never sees an uncompiled condition.
var (
	ErrUnknownField    = errors.New("UNKNOWN_FIELD")
	ErrInvalidOperator = errors.New("INVALID_OPERATOR")
	ErrInvalidValue    = errors.New("INVALID_VALUE")
)

// Condition is the declarative form carried in ruleset artifacts.
type Condition struct {
	Field  string          `json:"field"`
	Op     fields.Operator `json:"op"`
	Value  interface{}     `json:"value,omitempty"`
	Values []interface{}   `json:"values,omitempty"`
	Low    interface{}     `json:"low,omitempty"`
	High   interface{}     `json:"high,omitempty"`
}

// Predicate is a closed function over a transaction record, produced by
// Compile. It carries the field it reads and a human-readable description.
type Predicate struct {
	FieldID  int
	FieldKey string
	Op       fields.Operator
	expected string
	eval     func(record.Value) bool
}

// Eval applies the predicate to the record.
func (p *Predicate) Eval(r *record.Record) bool {
	return p.eval(r.Get(p.FieldID))
}

// Expected renders the comparison operand for debug capture.
func (p *Predicate) Expected() string { return p.expected }

// Describe returns a short human-readable explanation.
func (p *Predicate) Describe() string {
	if p.expected == "" {
		return fmt.Sprintf("%s %s", p.FieldKey, p.Op)
	}
	return fmt.Sprintf("%s %s %s", p.FieldKey, p.Op, p.expected)
}

type compilerKey struct {
	op fields.Operator
	dt fields.DataType
}

type compilerFunc func(def fields.Definition, c Condition) (evalFn func(record.Value) bool, expected string, err error)

// compilers is the (operator, datatype) jump table. Compile selects exactly
// one entry and closes over the coerced operands; nothing is re-coerced at
// evaluation time.
var compilers map[compilerKey]compilerFunc

func init() {
	compilers = map[compilerKey]compilerFunc{}

	// String comparisons. Case-sensitive unless the field is normalized, in
	// which case both sides were lowercased before comparison.
	for _, e := range []struct {
		op fields.Operator
		fn func(have, want string) bool
	}{
		{fields.OpEQ, func(h, w string) bool { return h == w }},
		{fields.OpNE, func(h, w string) bool { return h != w }},
		{fields.OpContains, strings.Contains},
		{fields.OpStartsWith, strings.HasPrefix},
		{fields.OpEndsWith, strings.HasSuffix},
	} {
		cmp := e.fn
		compilers[compilerKey{e.op, fields.TypeString}] = func(def fields.Definition, c Condition) (func(record.Value) bool, string, error) {
			want, err := coerceString(def, c.Value)
			if err != nil {
				return nil, "", err
			}
			return func(v record.Value) bool {
				s, ok := v.Str()
				if !ok {
					// Absent stays false even for NE; only IS_NULL treats
					// absence as a match.
					return false
				}
				return cmp(s, want)
			}, strconv.Quote(want), nil
		}
	}

	compilers[compilerKey{fields.OpIn, fields.TypeString}] = compileStringSet(false)
	compilers[compilerKey{fields.OpNotIn, fields.TypeString}] = compileStringSet(true)

	// Numeric comparisons on decimals.
	for _, e := range []struct {
		op fields.Operator
		fn func(cmp int) bool
	}{
		{fields.OpEQ, func(c int) bool { return c == 0 }},
		{fields.OpNE, func(c int) bool { return c != 0 }},
		{fields.OpGT, func(c int) bool { return c > 0 }},
		{fields.OpGTE, func(c int) bool { return c >= 0 }},
		{fields.OpLT, func(c int) bool { return c < 0 }},
		{fields.OpLTE, func(c int) bool { return c <= 0 }},
	} {
		accept := e.fn
		compilers[compilerKey{e.op, fields.TypeNumber}] = func(def fields.Definition, c Condition) (func(record.Value) bool, string, error) {
			want, err := coerceNumber(c.Value)
			if err != nil {
				return nil, "", err
			}
			return func(v record.Value) bool {
				n, ok := v.Num()
				if !ok {
					return false
				}
				return accept(n.Cmp(want))
			}, want.String(), nil
		}
	}

	compilers[compilerKey{fields.OpIn, fields.TypeNumber}] = compileNumberSet(false)
	compilers[compilerKey{fields.OpNotIn, fields.TypeNumber}] = compileNumberSet(true)

	compilers[compilerKey{fields.OpBetween, fields.TypeNumber}] = func(def fields.Definition, c Condition) (func(record.Value) bool, string, error) {
		low, high, err := betweenBounds(c)
		if err != nil {
			return nil, "", err
		}
		return func(v record.Value) bool {
			n, ok := v.Num()
			if !ok {
				return false
			}
			return n.Cmp(low) >= 0 && n.Cmp(high) <= 0
		}, fmt.Sprintf("[%s, %s]", low, high), nil
	}

	// Boolean comparisons.
	for _, e := range []struct {
		op  fields.Operator
		neg bool
	}{
		{fields.OpEQ, false},
		{fields.OpNE, true},
	} {
		neg := e.neg
		compilers[compilerKey{e.op, fields.TypeBoolean}] = func(def fields.Definition, c Condition) (func(record.Value) bool, string, error) {
			want, err := coerceBool(c.Value)
			if err != nil {
				return nil, "", err
			}
			return func(v record.Value) bool {
				b, ok := v.Bool()
				if !ok {
					return false
				}
				return (b == want) != neg
			}, strconv.FormatBool(want), nil
		}
	}

	// Null checks apply to every datatype.
	for _, dt := range []fields.DataType{fields.TypeString, fields.TypeNumber, fields.TypeBoolean} {
		compilers[compilerKey{fields.OpIsNull, dt}] = func(fields.Definition, Condition) (func(record.Value) bool, string, error) {
			return func(v record.Value) bool { return v.IsAbsent() }, "", nil
		}
		compilers[compilerKey{fields.OpIsNotNull, dt}] = func(fields.Definition, Condition) (func(record.Value) bool, string, error) {
			return func(v record.Value) bool { return !v.IsAbsent() }, "", nil
		}
	}
}

// Compile resolves, validates, and specializes a condition against the given
// field registry.
func Compile(c Condition, reg *fields.Registry) (*Predicate, error) {
	def, ok := reg.ByKey(c.Field)
	if !ok {
		return nil, fmt.Errorf("%w: %q (registry v%d)", ErrUnknownField, c.Field, reg.Version)
	}
	if !def.AllowsOperator(c.Op) {
		return nil, fmt.Errorf("%w: %s not applicable to %s field %q", ErrInvalidOperator, c.Op, def.Type, def.Key)
	}
	fn, ok := compilers[compilerKey{c.Op, def.Type}]
	if !ok {
		return nil, fmt.Errorf("%w: %s not applicable to %s field %q", ErrInvalidOperator, c.Op, def.Type, def.Key)
	}
	eval, expected, err := fn(def, c)
	if err != nil {
		return nil, fmt.Errorf("field %q op %s: %w", def.Key, c.Op, err)
	}
	return &Predicate{
		FieldID:  def.ID,
		FieldKey: def.Key,
		Op:       c.Op,
		expected: expected,
		eval:     eval,
	}, nil
}

// ---- coercion ----

func coerceString(def fields.Definition, v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected string literal, got %T", ErrInvalidValue, v)
	}
	if def.Normalized {
		s = strings.ToLower(s)
	}
	return s, nil
}

func coerceNumber(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q is not numeric", ErrInvalidValue, n)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case nil:
		return decimal.Zero, fmt.Errorf("%w: missing numeric literal", ErrInvalidValue)
	default:
		return decimal.Zero, fmt.Errorf("%w: expected numeric literal, got %T", ErrInvalidValue, v)
	}
}

func coerceBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(b) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: expected boolean literal, got %v", ErrInvalidValue, v)
}

func betweenBounds(c Condition) (decimal.Decimal, decimal.Decimal, error) {
	lowRaw, highRaw := c.Low, c.High
	if lowRaw == nil && highRaw == nil {
		if len(c.Values) != 2 {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: BETWEEN requires (low, high)", ErrInvalidValue)
		}
		lowRaw, highRaw = c.Values[0], c.Values[1]
	}
	if lowRaw == nil || highRaw == nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: BETWEEN requires (low, high)", ErrInvalidValue)
	}
	low, err := coerceNumber(lowRaw)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	high, err := coerceNumber(highRaw)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if low.Cmp(high) > 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: BETWEEN low > high", ErrInvalidValue)
	}
	return low, high, nil
}

func compileStringSet(negate bool) compilerFunc {
	return func(def fields.Definition, c Condition) (func(record.Value) bool, string, error) {
		if len(c.Values) == 0 {
			return nil, "", fmt.Errorf("%w: %s requires a non-empty list", ErrInvalidValue, c.Op)
		}
		set := make(map[string]struct{}, len(c.Values))
		parts := make([]string, 0, len(c.Values))
		for _, raw := range c.Values {
			s, err := coerceString(def, raw)
			if err != nil {
				return nil, "", err
			}
			set[s] = struct{}{}
			parts = append(parts, s)
		}
		return func(v record.Value) bool {
			s, ok := v.Str()
			if !ok {
				return false
			}
			_, in := set[s]
			return in != negate
		}, "[" + strings.Join(parts, ", ") + "]", nil
	}
}

func compileNumberSet(negate bool) compilerFunc {
	return func(def fields.Definition, c Condition) (func(record.Value) bool, string, error) {
		if len(c.Values) == 0 {
			return nil, "", fmt.Errorf("%w: %s requires a non-empty list", ErrInvalidValue, c.Op)
		}
		// Decimal equality is scale-insensitive, so membership goes through
		// Cmp over a small slice rather than a string-keyed set.
		wants := make([]decimal.Decimal, 0, len(c.Values))
		parts := make([]string, 0, len(c.Values))
		for _, raw := range c.Values {
			d, err := coerceNumber(raw)
			if err != nil {
				return nil, "", err
			}
			wants = append(wants, d)
			parts = append(parts, d.String())
		}
		return func(v record.Value) bool {
			n, ok := v.Num()
			if !ok {
				return false
			}
			in := false
			for _, w := range wants {
				if n.Cmp(w) == 0 {
					in = true
					break
				}
			}
			return in != negate
		}, "[" + strings.Join(parts, ", ") + "]", nil
	}
}
