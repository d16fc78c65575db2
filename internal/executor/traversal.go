package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mdzesseis/knhkd/internal/executor/resource"
	"github.com/mdzesseis/knhkd/internal/kernelerr"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/receipts"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
	"github.com/mdzesseis/knhkd/internal/telemetry/tracing"
)

var tracer = otel.Tracer("knhkd.executor")

// ExecuteCase runs the breadth-first traversal to completion, blocks on
// an external milestone (returning nil with the case left Running), or
// fails with a typed error. It is bounded by maxVisitedNodes per
// spec.md's execute_case termination guarantee.
func (e *Executor) ExecuteCase(ctx context.Context, caseID string) error {
	rt, err := e.getCaseRuntime(caseID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.c.State == kerntypes.CaseReady {
		return kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "execute_case", "case has not been started")
	}
	if rt.c.State != kerntypes.CaseRunning {
		return nil
	}

	e.resumeMilestones(rt)

	for len(rt.frontier) > 0 {
		if rt.totalVisited >= e.maxVisitedNodes {
			rt.c.State = kerntypes.CaseCancelled
			rt.c.Reason = "max_case_visited_nodes exceeded"
			e.emitErrorReceipt(rt, "", "MAX_VISITED_NODES_EXCEEDED")
			return kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "execute_case", "max_case_visited_nodes exceeded").WithMetadata("case_id", caseID)
		}

		taskID := rt.frontier[0]
		rt.frontier = rt.frontier[1:]
		rt.queued[taskID] = false
		rt.totalVisited++

		task, ok := rt.spec.spec.Tasks[taskID]
		if !ok {
			continue
		}

		if rt.cancelled[taskID] {
			e.emitCancelReceipt(rt, taskID)
			continue
		}

		if task.MultiInstance {
			if err := e.runMultiInstance(ctx, rt, task); err != nil {
				return err
			}
			if task.Join == kerntypes.JoinDiscriminator {
				rt.received[taskID] = 0
			}
			continue
		}

		span, spanCtx := tracing.Start(ctx, tracer, "knhkd.executor.step")
		span.SetAttribute("task_id", string(task.ID))
		span.SetAttribute("pattern_id", task.PatternID)
		output, outcome, rerr := e.runTask(spanCtx, rt, task)
		span.SetAttribute("outcome", outcome)
		if rerr != nil {
			span.SetError(rerr)
		}
		span.End()
		metrics.RecordPatternExecution(task.PatternID, outcome)

		switch outcome {
		case "parked":
			rt.enqueue(taskID)
			continue
		case "compensated":
			continue
		case "escalated":
			return nil
		case "fatal":
			return rerr
		}

		for k, v := range output {
			rt.c.Variables[k] = v
		}
		if task.Join == kerntypes.JoinDiscriminator {
			rt.received[taskID] = 0
		}

		fired := e.fireOutgoing(rt, task)
		if len(fired) == 0 {
			if task.Milestone {
				rt.pendingMilestones[taskID] = true
				continue
			}
			rt.c.State = kerntypes.CaseCompleted
			rt.c.Reason = fmt.Sprintf("task %s produced no outgoing flow", taskID)
			e.appendStepReceipt(rt, task, nil)
			return nil
		}

		e.applyCancellation(rt, task)
		e.appendStepReceipt(rt, task, fired)
		e.propagate(rt, task, fired)
		rt.c.UpdatedAt = time.Now()
	}

	if len(rt.pendingMilestones) > 0 {
		return nil
	}
	if rt.c.State == kerntypes.CaseRunning {
		rt.c.State = kerntypes.CaseCompleted
		rt.c.Reason = "flow drained"
	}
	return nil
}

// resumeMilestones re-evaluates every task suspended awaiting an
// external signal; one whose outgoing predicate now holds resumes
// traversal from that point.
func (e *Executor) resumeMilestones(rt *caseRuntime) {
	for taskID := range rt.pendingMilestones {
		task, ok := rt.spec.spec.Tasks[taskID]
		if !ok {
			delete(rt.pendingMilestones, taskID)
			continue
		}
		fired := e.fireOutgoing(rt, task)
		if len(fired) == 0 {
			continue
		}
		delete(rt.pendingMilestones, taskID)
		e.applyCancellation(rt, task)
		e.appendStepReceipt(rt, task, fired)
		e.propagate(rt, task, fired)
	}
}

// fireOutgoing evaluates task's outgoing flows against the case's
// current variables and returns the flows the split type actually
// takes.
func (e *Executor) fireOutgoing(rt *caseRuntime, task *kerntypes.Task) []*kerntypes.Flow {
	var fired []*kerntypes.Flow
	switch task.Split {
	case kerntypes.SplitXOR:
		for _, fid := range task.Outgoing {
			flow, ok := rt.spec.spec.Flows[fid]
			if !ok {
				continue
			}
			if rt.spec.eval(fid, rt.c.Variables) {
				return []*kerntypes.Flow{flow}
			}
		}
		return nil
	case kerntypes.SplitOR:
		for _, fid := range task.Outgoing {
			flow, ok := rt.spec.spec.Flows[fid]
			if !ok {
				continue
			}
			if rt.spec.eval(fid, rt.c.Variables) {
				fired = append(fired, flow)
			}
		}
		return fired
	default: // AND
		for _, fid := range task.Outgoing {
			if flow, ok := rt.spec.spec.Flows[fid]; ok {
				fired = append(fired, flow)
			}
		}
		return fired
	}
}

// applyCancellation injects cancel tokens into task.CancelSet once its
// flow is taken, per the cancellation-pattern family (19/20).
func (e *Executor) applyCancellation(rt *caseRuntime, task *kerntypes.Task) {
	for _, cancelled := range task.CancelSet {
		if rt.cancelled[cancelled] {
			continue
		}
		rt.cancelled[cancelled] = true
	}
}

func (e *Executor) propagate(rt *caseRuntime, task *kerntypes.Task, fired []*kerntypes.Flow) {
	for _, flow := range fired {
		for _, targetTaskID := range rt.spec.resolveTargets(string(flow.To), map[string]bool{}) {
			e.activateIncoming(rt, targetTaskID, flow.ID)
		}
	}
}

// runTask executes task's simulation (including resource allocation and
// timeout), applying its failure policy on error. outcome is one of
// "ok", "parked" (resource unavailable, task requeued, case unaffected),
// "compensated" (a backward-flow target was enqueued instead), "escalated"
// (case transitioned to Cancelled), or "fatal" (err should propagate).
func (e *Executor) runTask(ctx context.Context, rt *caseRuntime, task *kerntypes.Task) (map[string]kerntypes.Value, string, error) {
	if task.ResourcePolicy != "" && e.allocator != nil {
		_, err := e.allocator.Allocate(resource.Request{
			TaskID: string(task.ID),
			SpecID: rt.c.SpecID,
			Policy: resource.Policy(task.ResourcePolicy),
		})
		var unavailable *resource.ErrResourceUnavailable
		if errors.As(err, &unavailable) {
			e.emitErrorReceipt(rt, task.ID, "RESOURCE_UNAVAILABLE")
			return nil, "parked", nil
		}
		if err != nil {
			return nil, "fatal", err
		}
	}

	out, err := e.dispatchOnce(ctx, rt, task)
	if err == nil {
		return out, "ok", nil
	}

	switch task.Failure {
	case kerntypes.FailureRetry:
		for attempt := 0; attempt < task.MaxRetries; attempt++ {
			if task.RetryBackoffMS > 0 {
				time.Sleep(time.Duration(task.RetryBackoffMS) * time.Millisecond)
			}
			out, err = e.dispatchOnce(ctx, rt, task)
			if err == nil {
				return out, "ok", nil
			}
		}
		e.emitErrorReceipt(rt, task.ID, "RETRY_EXHAUSTED")
		return nil, "fatal", err

	case kerntypes.FailureCompensate:
		target, ok := compensationTarget(rt.spec.spec, task)
		if !ok {
			e.emitErrorReceipt(rt, task.ID, "COMPENSATE_TARGET_NOT_FOUND")
			return nil, "fatal", err
		}
		e.emitErrorReceipt(rt, task.ID, "COMPENSATED")
		rt.enqueue(target)
		return nil, "compensated", nil

	case kerntypes.FailureEscalate:
		rt.c.State = kerntypes.CaseCancelled
		rt.c.Reason = fmt.Sprintf("escalated: %v", err)
		e.emitErrorReceipt(rt, task.ID, "ESCALATED")
		return nil, "escalated", nil

	default: // Fatal
		e.emitErrorReceipt(rt, task.ID, "FATAL")
		return nil, "fatal", err
	}
}

// compensationTarget finds the nearest backward-flow edge touching task,
// preferring an outgoing one (task explicitly compensates forward to a
// named earlier step) before an incoming one (walk back the way we came).
func compensationTarget(spec *kerntypes.WorkflowSpec, task *kerntypes.Task) (kerntypes.TaskID, bool) {
	for _, fid := range task.Outgoing {
		if flow, ok := spec.Flows[fid]; ok && flow.Backward {
			return kerntypes.TaskID(flow.To), true
		}
	}
	for _, fid := range task.Incoming {
		if flow, ok := spec.Flows[fid]; ok && flow.Backward {
			return flow.From, true
		}
	}
	return "", false
}

func (e *Executor) dispatchOnce(ctx context.Context, rt *caseRuntime, task *kerntypes.Task) (map[string]kerntypes.Value, error) {
	handler := e.handlers[task.Kind]
	if handler == nil {
		handler = e.defaultHandler
	}
	if handler == nil {
		return nil, kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "dispatch", "no handler registered for task kind").WithMetadata("kind", task.Kind)
	}

	callCtx := ctx
	if task.TimeoutMS > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	out, err := handler(callCtx, rt.c, task)
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		e.emitErrorReceipt(rt, task.ID, "DEADLINE_EXCEEDED")
		return nil, kernelerr.New(kernelerr.CodeDeadlineExceeded, "executor", "dispatch", "task deadline exceeded").Wrap(err).WithMetadata("task_id", string(task.ID))
	}
	return out, err
}

func (e *Executor) appendStepReceipt(rt *caseRuntime, task *kerntypes.Task, fired []*kerntypes.Flow) {
	if e.receiptLog == nil {
		return
	}
	decisions := make([]kerntypes.Decision, 0, len(fired))
	for _, flow := range fired {
		decisions = append(decisions, kerntypes.Decision{Description: "flow fired", FlowID: flow.ID, Taken: true})
	}
	r := &kerntypes.Receipt{
		CaseID:      rt.c.ID,
		PatternID:   task.PatternID,
		StateHash:   receipts.ComputeStateHash(rt.c.ID, task.PatternID, rt.c.Variables),
		Inputs:      copyVariables(rt.c.Variables),
		Decisions:   decisions,
		Kind:        kerntypes.ReceiptStep,
	}
	if _, err := e.receiptLog.Append(r); err != nil {
		e.log.WithError(err).Warn("failed to append step receipt")
	}
}

func (e *Executor) emitErrorReceipt(rt *caseRuntime, taskID kerntypes.TaskID, code string) {
	if e.receiptLog == nil {
		return
	}
	r := &kerntypes.Receipt{
		CaseID:    rt.c.ID,
		StateHash: receipts.ComputeStateHash(rt.c.ID, 0, rt.c.Variables),
		Inputs:    copyVariables(rt.c.Variables),
		Kind:      kerntypes.ReceiptError,
		ErrorCode: code,
	}
	if taskID != "" {
		r.Decisions = []kerntypes.Decision{{Description: fmt.Sprintf("task %s", taskID)}}
	}
	if _, err := e.receiptLog.Append(r); err != nil {
		e.log.WithError(err).Warn("failed to append error receipt")
	}
}

func (e *Executor) emitCancelReceipt(rt *caseRuntime, taskID kerntypes.TaskID) {
	if e.receiptLog == nil {
		return
	}
	r := &kerntypes.Receipt{
		CaseID:    rt.c.ID,
		StateHash: receipts.ComputeStateHash(rt.c.ID, 0, rt.c.Variables),
		Decisions: []kerntypes.Decision{{Description: fmt.Sprintf("cancelled task %s", taskID)}},
		Kind:      kerntypes.ReceiptCancel,
	}
	if _, err := e.receiptLog.Append(r); err != nil {
		e.log.WithError(err).Warn("failed to append cancel receipt")
	}
}
