package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdzesseis/knhkd/internal/executor/workerstealing"
	"github.com/mdzesseis/knhkd/internal/kernelerr"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/receipts"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
	"github.com/mdzesseis/knhkd/internal/telemetry/tracing"
)

// syncGate is the multi-instance completion primitive (patterns 13/14/15):
// it opens once set's Completed count satisfies set.Completion. Counters
// live on the shared MultiInstanceSet per spec.md's "instance set counters
// are atomic" requirement; the gate itself only decides when to close its
// done channel, which it does at most once.
type syncGate struct {
	set       *kerntypes.MultiInstanceSet
	done      chan struct{}
	closeOnce sync.Once
}

func newSyncGate(set *kerntypes.MultiInstanceSet) *syncGate {
	return &syncGate{set: set, done: make(chan struct{})}
}

// notify re-checks the completion condition after an instance finishes
// and opens the gate if it is now satisfied.
func (g *syncGate) notify() {
	if g.satisfied() {
		g.closeOnce.Do(func() { close(g.done) })
	}
}

// satisfied implements spec.md §8's quantified invariant precisely for
// completion=All: the gate opens iff completed_count == total, not
// merely once every instance has finished (a set where every instance
// fails never opens — a stuck MI set is a diagnosable case state, not a
// silent pass).
func (g *syncGate) satisfied() bool {
	completed := atomic.LoadInt64(&g.set.Completed)
	total := int64(g.set.Total)
	switch g.set.Completion.Mode {
	case kerntypes.CompletionOne:
		return completed >= 1
	case kerntypes.CompletionThreshold:
		return completed >= int64(g.set.Completion.Param)
	case kerntypes.CompletionPercentage:
		if total == 0 {
			return true
		}
		return float64(completed)/float64(total)*100 >= g.set.Completion.Param
	case kerntypes.CompletionAll:
		fallthrough
	default:
		return completed >= total
	}
}

func (g *syncGate) Done() <-chan struct{} { return g.done }

// instanceCount resolves task's creation strategy against the case's
// current variables into a concrete instance count.
func instanceCount(rt *caseRuntime, task *kerntypes.Task) (int, error) {
	switch task.MICreation.Kind {
	case "Static":
		if task.MICreation.Static <= 0 {
			return 0, kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "multi_instance", "static instance count must be > 0")
		}
		return task.MICreation.Static, nil
	case "Dynamic":
		v, ok := rt.c.Variables[task.MICreation.Variable]
		if !ok {
			return 0, kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "multi_instance", "dynamic instance count variable not bound").WithMetadata("variable", task.MICreation.Variable)
		}
		n, ok := v.AsI64()
		if !ok || n <= 0 {
			return 0, kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "multi_instance", "dynamic instance count variable is not a positive integer")
		}
		return int(n), nil
	case "OnDemand":
		// OnDemand instances are conceptually created lazily as work
		// arrives; this synchronous executor has no notion of a later
		// arrival; it spawns up to the configured ceiling immediately,
		// which upper-bounds OnDemand's behavior without over-claiming
		// true on-demand semantics.
		if task.MICreation.Max <= 0 {
			return 0, kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "multi_instance", "on-demand instance ceiling must be > 0")
		}
		return task.MICreation.Max, nil
	default:
		return 0, kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "multi_instance", "unknown creation strategy").WithMetadata("kind", task.MICreation.Kind)
	}
}

// sliceInput derives instance i of n's seed input from the case's
// current variables. Each variable that is a List is split by index
// (instance i receives element i, or the last element if the list is
// shorter than n); scalar variables are passed through unchanged to
// every instance.
func sliceInput(vars map[string]kerntypes.Value, i, n int) map[string]kerntypes.Value {
	out := make(map[string]kerntypes.Value, len(vars))
	for k, v := range vars {
		if list, ok := v.AsList(); ok && len(list) > 0 {
			idx := i
			if idx >= len(list) {
				idx = len(list) - 1
			}
			out[k] = list[idx]
			continue
		}
		out[k] = v
	}
	return out
}

// runMultiInstance implements the spec.md §4.F multi-instance
// sub-executor for patterns 12-15: it allocates a MultiInstanceSet,
// spawns up to n InstanceContexts onto the work-stealing pool, and for
// 13/14/15 blocks on a SyncGate before merging instance outputs back
// into the case's variables. Pattern 12 skips the gate and returns as
// soon as every instance has been submitted.
func (e *Executor) runMultiInstance(ctx context.Context, rt *caseRuntime, task *kerntypes.Task) error {
	n, err := instanceCount(rt, task)
	if err != nil {
		return err
	}
	if e.pool == nil {
		return kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "multi_instance", "no work-stealing pool configured")
	}

	setID := fmt.Sprintf("%s:%s:%d", rt.c.ID, task.ID, rt.totalVisited)
	set := &kerntypes.MultiInstanceSet{
		SetID:      setID,
		TaskID:     task.ID,
		PatternID:  task.MIPatternID,
		Total:      n,
		Instances:  make(map[kerntypes.InstanceID]*kerntypes.InstanceContext),
		Completion: task.MICompletion,
	}
	rt.miSets[setID] = set

	gate := newSyncGate(set)
	handler := e.handlers[task.Kind]
	if handler == nil {
		handler = e.defaultHandler
	}

	baseVars := copyVariables(rt.c.Variables)
	for i := 0; i < n; i++ {
		idx := i
		instanceID := kerntypes.InstanceID(fmt.Sprintf("%s#%d", setID, idx))
		inst := &kerntypes.InstanceContext{Index: idx, Input: sliceInput(baseVars, idx, n)}
		set.Instances[instanceID] = inst

		e.pool.Submit(workerstealing.Task{
			ID: string(instanceID),
			Execute: func(pctx context.Context) error {
				instCase := rt.c.Clone()
				for k, v := range inst.Input {
					instCase.Variables[k] = v
				}
				out, herr := handler(pctx, instCase, task)
				if herr != nil {
					inst.Failed = true
					inst.Err = herr.Error()
					atomic.AddInt64(&set.Failed, 1)
				} else {
					inst.Output = out
					inst.Done = true
					atomic.AddInt64(&set.Completed, 1)
				}
				e.appendInstanceReceipt(rt, task, inst)
				gate.notify()
				return herr
			},
		})
	}

	if task.MIPatternID == 12 {
		return nil
	}

	span, _ := tracing.Start(ctx, tracer, "knhkd.executor.sync_gate")
	span.SetAttribute("pattern_id", task.MIPatternID)
	span.SetAttribute("total_instances", n)
	waitStart := time.Now()

	select {
	case <-gate.Done():
	case <-ctx.Done():
		span.SetError(ctx.Err())
		span.End()
		return kernelerr.New(kernelerr.CodeDeadlineExceeded, "executor", "multi_instance", "context cancelled while awaiting sync gate")
	}

	metrics.RecordSyncGateWait(task.MIPatternID, time.Since(waitStart))
	span.End()

	merged := mergeInstanceOutputs(set)
	for k, v := range merged {
		rt.c.Variables[k] = v
	}
	e.appendSyncGateReceipt(rt, task, set)
	return nil
}

// mergeInstanceOutputs aggregates each output key across instances into
// an instance_index-ordered list, the shape patterns 13-15's downstream
// joins expect.
func mergeInstanceOutputs(set *kerntypes.MultiInstanceSet) map[string]kerntypes.Value {
	ordered := make([]*kerntypes.InstanceContext, 0, len(set.Instances))
	for _, inst := range set.Instances {
		ordered = append(ordered, inst)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	keys := map[string]bool{}
	for _, inst := range ordered {
		for k := range inst.Output {
			keys[k] = true
		}
	}

	merged := make(map[string]kerntypes.Value, len(keys))
	for k := range keys {
		list := make([]kerntypes.Value, 0, len(ordered))
		for _, inst := range ordered {
			if v, ok := inst.Output[k]; ok {
				list = append(list, v)
			} else {
				list = append(list, kerntypes.Null())
			}
		}
		merged[k] = kerntypes.List(list)
	}
	return merged
}

func (e *Executor) appendInstanceReceipt(rt *caseRuntime, task *kerntypes.Task, inst *kerntypes.InstanceContext) {
	if e.receiptLog == nil {
		return
	}
	r := &kerntypes.Receipt{
		CaseID:    rt.c.ID,
		PatternID: task.MIPatternID,
		StateHash: receipts.ComputeStateHash(rt.c.ID, task.MIPatternID, inst.Input),
		Inputs:    inst.Input,
		Decisions: []kerntypes.Decision{{Description: fmt.Sprintf("instance %d", inst.Index), Taken: !inst.Failed}},
		Kind:      kerntypes.ReceiptStep,
	}
	if inst.Failed {
		r.Kind = kerntypes.ReceiptError
		r.ErrorCode = "INSTANCE_FAILED"
	}
	if _, err := e.receiptLog.Append(r); err != nil {
		e.log.WithError(err).Warn("failed to append instance receipt")
	}
}

func (e *Executor) appendSyncGateReceipt(rt *caseRuntime, task *kerntypes.Task, set *kerntypes.MultiInstanceSet) {
	if e.receiptLog == nil {
		return
	}
	r := &kerntypes.Receipt{
		CaseID:    rt.c.ID,
		PatternID: task.MIPatternID,
		StateHash: receipts.ComputeStateHash(rt.c.ID, task.MIPatternID, rt.c.Variables),
		Inputs:    copyVariables(rt.c.Variables),
		Decisions: []kerntypes.Decision{{Description: fmt.Sprintf("sync gate opened for set %s", set.SetID), Taken: true}},
		Kind:      kerntypes.ReceiptSyncGate,
	}
	if _, err := e.receiptLog.Append(r); err != nil {
		e.log.WithError(err).Warn("failed to append sync-gate receipt")
	}
}
