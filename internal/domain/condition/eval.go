package condition

import (
	"fmt"
	"strings"
)

// Eval evaluates a parsed expression against vars.
// Missing variables are null and every comparison involving null is false.
func Eval(e Expr, vars map[string]any) (bool, error) {
	switch n := e.(type) {
	case And:
		for _, t := range n.Terms {
			ok, err := Eval(t, vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case Compare:
		l, lok := resolve(n.Left, vars)
		r, rok := resolve(n.Right, vars)
		if !lok || !rok || l == nil || r == nil {
			return false, nil
		}
		eq := equal(l, r)
		if n.Op == OpNeq {
			return !eq, nil
		}
		return eq, nil

	case Ident, Literal:
		v, _ := resolve(n, vars)
		b, ok := v.(bool)
		return ok && b, nil

	case nil:
		return false, fmt.Errorf("%w: nil expression", ErrSyntax)
	}
	return false, fmt.Errorf("%w: unsupported node %T", ErrSyntax, e)
}

// Evaluate parses and evaluates src in one step
func Evaluate(src string, vars map[string]any) (bool, error) {
	e, err := Parse(src)
	if err != nil {
		return false, err
	}
	return Eval(e, vars)
}

func resolve(e Expr, vars map[string]any) (any, bool) {
	switch n := e.(type) {
	case Literal:
		return n.Value, true
	case Ident:
		return lookup(vars, n.Name)
	}
	return nil, false
}

// lookup prefers an exact key and otherwise walks dotted paths through nested maps
func lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}

	var cur any = vars
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
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
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
