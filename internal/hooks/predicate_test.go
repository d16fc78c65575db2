package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

func TestCompilePredicateFailsClosedOnGarbage(t *testing.T) {
	_, ok := CompilePredicate("not a predicate at all")
	assert.False(t, ok)
}

func TestCompileAndEvalEqLiteral(t *testing.T) {
	cp, ok := CompilePredicate(`status == "approved"`)
	require.True(t, ok)
	assert.True(t, cp.Eval(map[string]kerntypes.Value{"status": kerntypes.String("approved")}))
	assert.False(t, cp.Eval(map[string]kerntypes.Value{"status": kerntypes.String("pending")}))
}

func TestCompileAndEvalNumericComparison(t *testing.T) {
	cp, ok := CompilePredicate("amount >= 100")
	require.True(t, ok)
	assert.True(t, cp.Eval(map[string]kerntypes.Value{"amount": kerntypes.I64(150)}))
	assert.False(t, cp.Eval(map[string]kerntypes.Value{"amount": kerntypes.I64(50)}))
}

func TestEvalMissingVariableFailsClosed(t *testing.T) {
	cp, ok := CompilePredicate("amount <= 100")
	require.True(t, ok)
	assert.False(t, cp.Eval(map[string]kerntypes.Value{}))
}

func TestEvalVarToVarComparison(t *testing.T) {
	cp, ok := CompilePredicate("a == b")
	require.True(t, ok)
	assert.True(t, cp.Eval(map[string]kerntypes.Value{"a": kerntypes.I64(5), "b": kerntypes.I64(5)}))
	assert.False(t, cp.Eval(map[string]kerntypes.Value{"a": kerntypes.I64(5), "b": kerntypes.I64(6)}))
}
