package hooks

import (
	"strconv"
	"strings"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

// PredicateOp is a comparison operator supported by the small predicate
// sublanguage.
type PredicateOp string

const (
	OpEq PredicateOp = "=="
	OpGe PredicateOp = ">="
	OpLe PredicateOp = "<="
)

// CompiledPredicate is a parsed `var OP literal` or `var OP var`
// expression ready to evaluate against a case's variable bindings.
type CompiledPredicate struct {
	LeftVar   string
	Op        PredicateOp
	RightVar  string // non-empty for var-to-var comparisons
	RightLit  kerntypes.Value
	HasRightLit bool
}

// CompilePredicate parses a predicate expression. Unparseable
// expressions fail closed: Compile returns ok=false rather than an
// error, matching spec.md's "unparseable predicates fail closed" rule —
// evaluation of a failed-closed predicate always returns false.
func CompilePredicate(expr string) (CompiledPredicate, bool) {
	expr = strings.TrimSpace(expr)
	for _, op := range []PredicateOp{OpEq, OpGe, OpLe} {
		idx := strings.Index(expr, string(op))
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		if left == "" || right == "" {
			return CompiledPredicate{}, false
		}
		cp := CompiledPredicate{LeftVar: left, Op: op}
		if lit, ok := parseLiteral(right); ok {
			cp.RightLit = lit
			cp.HasRightLit = true
		} else {
			cp.RightVar = right
		}
		return cp, true
	}
	return CompiledPredicate{}, false
}

func parseLiteral(s string) (kerntypes.Value, bool) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return kerntypes.String(s[1 : len(s)-1]), true
	}
	if s == "true" {
		return kerntypes.Bool(true), true
	}
	if s == "false" {
		return kerntypes.Bool(false), true
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return kerntypes.I64(i), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return kerntypes.F64(f), true
	}
	return kerntypes.Value{}, false
}

// Eval evaluates the compiled predicate against vars. A missing variable
// or a kind mismatch fails closed (returns false), never panics.
func (p CompiledPredicate) Eval(vars map[string]kerntypes.Value) bool {
	left, ok := vars[p.LeftVar]
	if !ok {
		return false
	}
	var right kerntypes.Value
	if p.HasRightLit {
		right = p.RightLit
	} else {
		right, ok = vars[p.RightVar]
		if !ok {
			return false
		}
	}

	switch p.Op {
	case OpEq:
		return left.Equal(right)
	case OpGe:
		cmp, ok := left.Compare(right)
		return ok && cmp >= 0
	case OpLe:
		cmp, ok := left.Compare(right)
		return ok && cmp <= 0
	default:
		return false
	}
}

// AsGuardFunc adapts a predicate compiled over case variables into a
// GuardFunc operating on a triple's object position, the common case for
// hot-path guards that gate on a single literal comparison against the
// incoming triple.
func (p CompiledPredicate) AsGuardFunc() GuardFunc {
	return func(t kerntypes.Triple) bool {
		vars := map[string]kerntypes.Value{p.LeftVar: kerntypes.String(t.Object)}
		return p.Eval(vars)
	}
}
