package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// MaxConditionDepth bounds the nesting of condition groups.
const MaxConditionDepth = 8

// Logic joins the children of a condition group.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator compares a resolved attribute with a literal value.
type Operator string

const (
	OpEq       Operator = "="
	OpNe       Operator = "!="
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpGte      Operator = ">="
	OpLte      Operator = "<="
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpLt: {}, OpGte: {}, OpLte: {},
	OpIn: {}, OpNotIn: {}, OpContains: {},
}

// Condition is a predicate tree node. A node is either a group (Logic set,
// Conditions non-empty) or a leaf (Field, Operator, Value set), never both.
type Condition struct {
	Logic      Logic       `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	Field      string      `json:"field,omitempty"`
	Operator   Operator    `json:"operator,omitempty"`
	Value      any         `json:"value,omitempty"`
}

// IsGroup reports whether the node joins child conditions.
func (c Condition) IsGroup() bool { return c.Logic != "" }

// ParseCondition decodes and validates a condition payload.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return Condition{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if err := c.Validate(); err != nil {
		return Condition{}, err
	}
	return c, nil
}

// Validate checks the tree against the fixed condition schema.
func (c Condition) Validate() error {
	return c.validate("$", 0)
}

func (c Condition) validate(path string, depth int) error {
	if depth > MaxConditionDepth {
		return fmt.Errorf("%w: %s nested deeper than %d", ErrInvalidRules, path, MaxConditionDepth)
	}
	if c.IsGroup() {
		if c.Field != "" || c.Operator != "" || c.Value != nil {
			return fmt.Errorf("%w: %s mixes group and leaf fields", ErrInvalidRules, path)
		}
		if c.Logic != LogicAnd && c.Logic != LogicOr {
			return fmt.Errorf("%w: %s unknown logic %q", ErrInvalidRules, path, c.Logic)
		}
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%w: %s group has no conditions", ErrInvalidRules, path)
		}
		for i, child := range c.Conditions {
			if err := child.validate(fmt.Sprintf("%s.conditions[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if len(c.Conditions) > 0 {
		return fmt.Errorf("%w: %s leaf has child conditions", ErrInvalidRules, path)
	}
	if !validField(c.Field) {
		return fmt.Errorf("%w: %s field %q must start with subject., resource. or env.", ErrInvalidRules, path, c.Field)
	}
	if _, ok := operators[c.Operator]; !ok {
		return fmt.Errorf("%w: %s unknown operator %q", ErrInvalidRules, path, c.Operator)
	}
	if c.Value == nil {
		return fmt.Errorf("%w: %s value required", ErrInvalidRules, path)
	}
	switch c.Operator {
	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return fmt.Errorf("%w: %s operator %s needs a non-empty list", ErrInvalidRules, path, c.Operator)
		}
	case OpGt, OpLt, OpGte, OpLte:
		if _, ok := toFloat(c.Value); !ok {
			if _, ok := c.Value.(string); !ok {
				return fmt.Errorf("%w: %s operator %s needs a number or string", ErrInvalidRules, path, c.Operator)
			}
		}
	default:
		if _, ok := c.Value.([]any); ok {
			return fmt.Errorf("%w: %s operator %s needs a scalar", ErrInvalidRules, path, c.Operator)
		}
	}
	return nil
}

func validField(field string) bool {
	for _, prefix := range []string{"subject.", "resource.", "env."} {
		if strings.HasPrefix(field, prefix) && len(field) > len(prefix) {
			return true
		}
	}
	return false
}

// Evaluate resolves the tree against the context. Missing attributes never match.
func (c Condition) Evaluate(pc Context) bool {
	if c.IsGroup() {
		if c.Logic == LogicOr {
			for _, child := range c.Conditions {
				if child.Evaluate(pc) {
					return true
				}
			}
			return false
		}
		for _, child := range c.Conditions {
			if !child.Evaluate(pc) {
				return false
			}
		}
		return len(c.Conditions) > 0
	}
	actual, ok := resolveField(pc, c.Field)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEq:
		return equal(actual, c.Value)
	case OpNe:
		return !equal(actual, c.Value)
	case OpGt:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp > 0
	case OpLt:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp < 0
	case OpGte:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp >= 0
	case OpLte:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp <= 0
	case OpIn:
		return inList(actual, c.Value)
	case OpNotIn:
		return !inList(actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	}
	return false
}

func resolveField(pc Context, field string) (any, bool) {
	switch {
	case strings.HasPrefix(field, "subject."):
		key := strings.TrimPrefix(field, "subject.")
		if key == "id" {
			return pc.SubjectID, true
		}
		v, ok := pc.Subject[key]
		return v, ok && v != nil
	case strings.HasPrefix(field, "resource."):
		v, ok := pc.Resource[strings.TrimPrefix(field, "resource.")]
		return v, ok && v != nil
	case strings.HasPrefix(field, "env."):
		key := strings.TrimPrefix(field, "env.")
		switch key {
		case "ip":
			return pc.IP, pc.IP != ""
		case "country":
			return pc.Country, pc.Country != ""
		}
		v, ok := pc.Environment[key]
		return v, ok && v != nil
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func inList(actual, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(actual, item) {
			return true
		}
	}
	return false
}

func contains(actual, value any) bool {
	switch av := actual.(type) {
	case string:
		s, ok := value.(string)
		return ok && strings.Contains(av, s)
	case []string:
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, item := range av {
			if item == s {
				return true
			}
		}
	case []any:
		for _, item := range av {
			if equal(item, value) {
				return true
			}
		}
	}
	return false
}
