package executor

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdzesseis/knhkd/internal/executor/workerstealing"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/receipts"
)

// miSpec builds a single multi-instance task wired between start/end
// conditions, with no outgoing flow, so runMultiInstance can be driven
// directly through the public Executor API without hand-constructing a
// caseRuntime.
func miSpec(id string, patternID int, completion kerntypes.Completion, n int) *kerntypes.WorkflowSpec {
	task := &kerntypes.Task{
		ID:            kerntypes.TaskID("mi"),
		Kind:          "mi",
		MultiInstance: true,
		MIPatternID:   patternID,
		MICreation:    kerntypes.CreationStrategy{Kind: "Static", Static: n},
		MICompletion:  completion,
		Incoming:      []kerntypes.FlowID{"f-in"},
	}
	return &kerntypes.WorkflowSpec{
		ID:             id,
		StartCondition: "start",
		EndCondition:   "end",
		Tasks:          map[kerntypes.TaskID]*kerntypes.Task{"mi": task},
		Conditions: map[kerntypes.ConditionID]*kerntypes.Condition{
			"start": {ID: "start", Outgoing: []kerntypes.FlowID{"f-in"}},
			"end":   {ID: "end"},
		},
		Flows: map[kerntypes.FlowID]*kerntypes.Flow{
			"f-in": {ID: "f-in", From: "start", To: "mi"},
		},
	}
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	log, err := receipts.Open(t.TempDir(), "immediate", 1<<20, receipts.NoopSigner{}, nil)
	require.NoError(t, err)
	pool := workerstealing.New(workerstealing.Config{Workers: 4}, logrus.New())
	pool.Start()
	t.Cleanup(func() { pool.Stop(0); _ = log.Close() })
	return New(Config{MaxVisitedNodes: 100}, log, nil, pool, logrus.New())
}

func TestPattern12SkipsGateAndContinuesImmediately(t *testing.T) {
	e := newTestExecutor(t)
	spec := miSpec("s12", 12, kerntypes.Completion{Mode: kerntypes.CompletionAll}, 3)
	require.NoError(t, e.RegisterWorkflow(spec))

	e.RegisterHandler("mi", func(ctx context.Context, c *kerntypes.Case, tk *kerntypes.Task) (map[string]kerntypes.Value, error) {
		return map[string]kerntypes.Value{"v": kerntypes.I64(1)}, nil
	})

	caseID, err := e.CreateCase("s12", nil)
	require.NoError(t, err)
	require.NoError(t, e.StartCase(caseID))
	require.NoError(t, e.ExecuteCase(context.Background(), caseID))

	snap, err := e.CaseSnapshot(caseID)
	require.NoError(t, err)
	assert.Equal(t, kerntypes.CaseCompleted, snap.State)
}

func TestPattern13OpensOnlyWhenAllComplete(t *testing.T) {
	e := newTestExecutor(t)
	spec := miSpec("s13", 13, kerntypes.Completion{Mode: kerntypes.CompletionAll}, 3)
	require.NoError(t, e.RegisterWorkflow(spec))

	e.RegisterHandler("mi", func(ctx context.Context, c *kerntypes.Case, tk *kerntypes.Task) (map[string]kerntypes.Value, error) {
		return map[string]kerntypes.Value{"v": kerntypes.I64(1)}, nil
	})

	caseID, err := e.CreateCase("s13", nil)
	require.NoError(t, err)
	require.NoError(t, e.StartCase(caseID))
	require.NoError(t, e.ExecuteCase(context.Background(), caseID))

	snap, err := e.CaseSnapshot(caseID)
	require.NoError(t, err)
	list, ok := snap.Variables["v"].AsList()
	require.True(t, ok)
	assert.Len(t, list, 3)
}

func TestPattern14OpensOnFirstCompletion(t *testing.T) {
	e := newTestExecutor(t)
	spec := miSpec("s14", 14, kerntypes.Completion{Mode: kerntypes.CompletionOne}, 5)
	require.NoError(t, e.RegisterWorkflow(spec))

	e.RegisterHandler("mi", func(ctx context.Context, c *kerntypes.Case, tk *kerntypes.Task) (map[string]kerntypes.Value, error) {
		return map[string]kerntypes.Value{"v": kerntypes.I64(1)}, nil
	})

	caseID, err := e.CreateCase("s14", nil)
	require.NoError(t, err)
	require.NoError(t, e.StartCase(caseID))
	require.NoError(t, e.ExecuteCase(context.Background(), caseID))

	snap, err := e.CaseSnapshot(caseID)
	require.NoError(t, err)
	assert.Equal(t, kerntypes.CaseCompleted, snap.State)
}

func TestPattern15ThresholdOpensAtN(t *testing.T) {
	e := newTestExecutor(t)
	spec := miSpec("s15", 15, kerntypes.Completion{Mode: kerntypes.CompletionThreshold, Param: 2}, 4)
	require.NoError(t, e.RegisterWorkflow(spec))

	e.RegisterHandler("mi", func(ctx context.Context, c *kerntypes.Case, tk *kerntypes.Task) (map[string]kerntypes.Value, error) {
		return map[string]kerntypes.Value{"v": kerntypes.I64(1)}, nil
	})

	caseID, err := e.CreateCase("s15", nil)
	require.NoError(t, err)
	require.NoError(t, e.StartCase(caseID))
	require.NoError(t, e.ExecuteCase(context.Background(), caseID))

	snap, err := e.CaseSnapshot(caseID)
	require.NoError(t, err)
	assert.Equal(t, kerntypes.CaseCompleted, snap.State)
}

func TestPercentageCompletionOpensAtThreshold(t *testing.T) {
	e := newTestExecutor(t)
	spec := miSpec("spct", 15, kerntypes.Completion{Mode: kerntypes.CompletionPercentage, Param: 50}, 4)
	require.NoError(t, e.RegisterWorkflow(spec))

	e.RegisterHandler("mi", func(ctx context.Context, c *kerntypes.Case, tk *kerntypes.Task) (map[string]kerntypes.Value, error) {
		return map[string]kerntypes.Value{"v": kerntypes.I64(1)}, nil
	})

	caseID, err := e.CreateCase("spct", nil)
	require.NoError(t, err)
	require.NoError(t, e.StartCase(caseID))
	require.NoError(t, e.ExecuteCase(context.Background(), caseID))

	snap, err := e.CaseSnapshot(caseID)
	require.NoError(t, err)
	assert.Equal(t, kerntypes.CaseCompleted, snap.State)
}

func TestAllModeNeverOpensWhenAnInstancePermanentlyFails(t *testing.T) {
	set := &kerntypes.MultiInstanceSet{Total: 3, Completion: kerntypes.Completion{Mode: kerntypes.CompletionAll}}
	gate := newSyncGate(set)

	set.Completed = 2
	set.Failed = 1
	gate.notify()

	select {
	case <-gate.Done():
		t.Fatal("gate opened with completed_count != total")
	default:
	}
	assert.False(t, gate.satisfied())
}

func TestSyncGateSatisfiedExactlyAtCompletedEqualsTotal(t *testing.T) {
	set := &kerntypes.MultiInstanceSet{Total: 3, Completion: kerntypes.Completion{Mode: kerntypes.CompletionAll}}
	gate := newSyncGate(set)

	set.Completed = 2
	assert.False(t, gate.satisfied())
	set.Completed = 3
	assert.True(t, gate.satisfied())
}

func TestMergeInstanceOutputsPreservesIndexOrder(t *testing.T) {
	set := &kerntypes.MultiInstanceSet{
		Total: 3,
		Instances: map[kerntypes.InstanceID]*kerntypes.InstanceContext{
			"a": {Index: 2, Output: map[string]kerntypes.Value{"v": kerntypes.I64(20)}},
			"b": {Index: 0, Output: map[string]kerntypes.Value{"v": kerntypes.I64(0)}},
			"c": {Index: 1, Output: map[string]kerntypes.Value{"v": kerntypes.I64(10)}},
		},
	}
	merged := mergeInstanceOutputs(set)
	list, ok := merged["v"].AsList()
	require.True(t, ok)
	require.Len(t, list, 3)
	for i, want := range []int64{0, 10, 20} {
		got, ok := list[i].AsI64()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestInstanceCountRejectsUnboundDynamicVariable(t *testing.T) {
	rt := &caseRuntime{c: &kerntypes.Case{Variables: map[string]kerntypes.Value{}}}
	task := &kerntypes.Task{MICreation: kerntypes.CreationStrategy{Kind: "Dynamic", Variable: "n"}}
	_, err := instanceCount(rt, task)
	assert.Error(t, err)
}

func TestInstanceCountResolvesStaticAndDynamic(t *testing.T) {
	rt := &caseRuntime{c: &kerntypes.Case{Variables: map[string]kerntypes.Value{"n": kerntypes.I64(7)}}}

	n, err := instanceCount(rt, &kerntypes.Task{MICreation: kerntypes.CreationStrategy{Kind: "Static", Static: 4}})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = instanceCount(rt, &kerntypes.Task{MICreation: kerntypes.CreationStrategy{Kind: "Dynamic", Variable: "n"}})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
