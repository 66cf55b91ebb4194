package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// Evaluate checks the predicate against the context. A field that is not
// present evaluates to false for every operator.
func (c *Condition) Evaluate(ectx *ExecutionContext) bool {
	if c == nil {
		return true
	}
	actual, ok := ectx.Lookup(c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpGreaterThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		return okA && okB && a < b
	default:
		return false
	}
}

// valuesEqual 比较两个值；数字按数值比较（YAML 中 1 与 1.0 视为相等）
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			s = fmt.Sprint(item)
		}
		return strings.Contains(c, s)
	case []any:
		for _, v := range c {
			if valuesEqual(v, item) {
				return true
			}
		}
		return false
	case []string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		for _, v := range c {
			if v == s {
				return true
			}
		}
		return false
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false
		}
		_, found := c[s]
		return found
	default:
		return false
	}
}

// toFloat converts numeric values only; bools and strings are not numbers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// toInt reads an integer parameter, accepting numeric strings.
func toInt(v any, def int) int {
	if f, ok := toFloat(v); ok {
		return int(f)
	}
	if s, ok := v.(string); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i
		}
	}
	return def
}

func toBool(v any, def bool) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}
