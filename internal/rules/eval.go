package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUndefinedField is returned when a condition references a field the
	// context does not contain.
	ErrUndefinedField = errors.New("undefined field")
	// ErrTypeMismatch is returned when operand types do not support the operator.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Eval evaluates the expression against fields and reports its truthiness.
func (e *Expression) Eval(fields map[string]any) (bool, error) {
	v, err := e.root.eval(fields)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (n *literalNode) eval(map[string]any) (any, error) {
	return n.value, nil
}

func (n *listNode) eval(fields map[string]any) (any, error) {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(fields)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *fieldNode) eval(fields map[string]any) (any, error) {
	var cur any = fields
	for _, key := range n.path {
		m, ok := asMap(cur)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefinedField, n.src)
		}
		v, ok := m[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefinedField, n.src)
		}
		cur = v
	}
	return normalize(cur), nil
}

func (n *notNode) eval(fields map[string]any) (any, error) {
	v, err := n.operand.eval(fields)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func (n *logicalNode) eval(fields map[string]any) (any, error) {
	l, err := n.left.eval(fields)
	if err != nil {
		return nil, err
	}
	lt := truthy(l)
	if n.and && !lt {
		return false, nil
	}
	if !n.and && lt {
		return true, nil
	}
	r, err := n.right.eval(fields)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

func (n *compareNode) eval(fields map[string]any) (any, error) {
	l, err := n.left.eval(fields)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(fields)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return valuesEqual(l, r), nil
	case tokNe:
		return !valuesEqual(l, r), nil
	}

	cmp, err := order(l, r)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokLt:
		return cmp < 0, nil
	case tokLe:
		return cmp <= 0, nil
	case tokGt:
		return cmp > 0, nil
	default:
		return cmp >= 0, nil
	}
}

func (n *membershipNode) eval(fields map[string]any) (any, error) {
	needle, err := n.left.eval(fields)
	if err != nil {
		return nil, err
	}
	haystack, err := n.right.eval(fields)
	if err != nil {
		return nil, err
	}

	var found bool
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if valuesEqual(needle, item) {
				found = true
				break
			}
		}
	case string:
		s, ok := needle.(string)
		if !ok {
			return nil, fmt.Errorf("%w: 'in <string>' requires a string operand, got %T", ErrTypeMismatch, needle)
		}
		found = strings.Contains(h, s)
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return nil, fmt.Errorf("%w: 'in <mapping>' requires a string key, got %T", ErrTypeMismatch, needle)
		}
		_, found = h[s]
	default:
		return nil, fmt.Errorf("%w: cannot test membership in %T", ErrTypeMismatch, haystack)
	}
	if n.negate {
		return !found, nil
	}
	return found, nil
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := a.(float64); ok {
		bf, ok := b.(float64)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !valuesEqual(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

// order compares two numbers or two strings.
func order(a, b any) (int, error) {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			}
			return 0, nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), nil
		}
	}
	return 0, fmt.Errorf("%w: cannot order %T and %T", ErrTypeMismatch, a, b)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// normalize converts context values into the evaluator's value domain:
// float64, string, bool, nil, []any and map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]string:
		m, _ := asMap(t)
		return m
	}
	return v
}
