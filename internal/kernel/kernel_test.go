package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/router"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New("")
	require.NoError(t, err)
	k.config.WALDirectory = t.TempDir()
	require.NoError(t, k.initialize())
	t.Cleanup(func() { _ = k.Stop() })
	return k
}

func TestNewWiresEveryComponent(t *testing.T) {
	k := newTestKernel(t)
	assert.NotNil(t, k.Scheduler())
	assert.NotNil(t, k.Router())
	assert.NotNil(t, k.Executor())
	assert.NotNil(t, k.Registry())
	assert.NotNil(t, k.ReceiptLog())
	assert.NotNil(t, k.Store())
	assert.NotNil(t, k.Promoter())
}

func TestSubmitAdmitsSimpleDelta(t *testing.T) {
	k := newTestKernel(t)
	delta := kerntypes.Delta{Triples: []kerntypes.Triple{{Subject: "s", Predicate: "p", Object: "o"}}}

	decision, err := k.Submit(delta, "default")
	require.NoError(t, err)
	assert.True(t, decision.Admitted)
	assert.Equal(t, router.TierR1, decision.Tier)
}

func TestSubmitParksConstructRequiredDelta(t *testing.T) {
	k := newTestKernel(t)
	delta := kerntypes.Delta{Operation: kerntypes.OpConstruct}

	decision, err := k.Submit(delta, "default")
	require.NoError(t, err)
	assert.False(t, decision.Admitted)
}

func TestStartAndStopAreIdempotentAcrossLifecycle(t *testing.T) {
	k := newTestKernel(t)
	require.NoError(t, k.Start())
	assert.Error(t, k.Start())
	require.NoError(t, k.Stop())
	assert.NoError(t, k.Stop())
}

func TestMapeLoopsOnePerConfiguredDomain(t *testing.T) {
	k := newTestKernel(t)
	k.config.Domains = []string{"orders", "payroll"}
	require.NoError(t, k.initialize())
	assert.Len(t, k.mapeLoops, 2)
}

// TestSubmitDrivesAdmittedDeltaThroughToCaseExecution exercises the full
// admission -> scheduler -> beat flush -> executor pipeline: a registered
// workflow is run to completion purely as a side effect of Submit plus
// the domain's running Clock, with no direct executor call from the
// test itself.
func TestSubmitDrivesAdmittedDeltaThroughToCaseExecution(t *testing.T) {
	k := newTestKernel(t)
	k.config.Domains = []string{"default"}
	k.config.BeatTicksPerCycle = 1
	k.config.BeatTickIntervalMS = 5
	require.NoError(t, k.initialize())

	spec := &kerntypes.WorkflowSpec{
		ID:             "default",
		StartCondition: "start",
		EndCondition:   "end",
		Tasks: map[kerntypes.TaskID]*kerntypes.Task{
			"only": {ID: "only", Kind: "only", Incoming: []kerntypes.FlowID{"f0"}, Outgoing: []kerntypes.FlowID{"f1"}},
		},
		Conditions: map[kerntypes.ConditionID]*kerntypes.Condition{
			"start": {ID: "start", Outgoing: []kerntypes.FlowID{"f0"}},
			"end":   {ID: "end", Incoming: []kerntypes.FlowID{"f1"}},
		},
		Flows: map[kerntypes.FlowID]*kerntypes.Flow{
			"f0": {ID: "f0", From: "start", To: "only"},
			"f1": {ID: "f1", From: "only", To: "end"},
		},
	}
	require.NoError(t, k.Executor().RegisterWorkflow(spec))

	ran := make(chan struct{}, 1)
	k.Executor().RegisterHandler("only", func(ctx context.Context, c *kerntypes.Case, tk *kerntypes.Task) (map[string]kerntypes.Value, error) {
		ran <- struct{}{}
		return nil, nil
	})

	require.NoError(t, k.Start())

	delta := kerntypes.Delta{Triples: []kerntypes.Triple{{Subject: "s", Predicate: "p", Object: "o"}}}
	decision, err := k.Submit(delta, "default")
	require.NoError(t, err)
	require.True(t, decision.Admitted)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("flushed delta never reached the executor")
	}
}
