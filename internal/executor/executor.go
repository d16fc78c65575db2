// Package executor implements the van-der-Aalst-style pattern executor:
// register_workflow pre-compiles each task's pattern id from the
// permutation matrix, create_case/start_case/execute_case drive a case
// through a breadth-first traversal of its flow graph, consulting the
// split/join semantics, the resource allocator, and (for patterns
// 12-15) the multi-instance sub-executor and its work-stealing pool.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/knhkd/internal/executor/resource"
	"github.com/mdzesseis/knhkd/internal/executor/workerstealing"
	"github.com/mdzesseis/knhkd/internal/hooks"
	"github.com/mdzesseis/knhkd/internal/kernelerr"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/patterns"
	"github.com/mdzesseis/knhkd/internal/receipts"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
)

// compiledSpec is a WorkflowSpec plus its registration-time derived
// state: each flow's compiled predicate, cached once since flows are
// immutable for the lifetime of the spec.
type compiledSpec struct {
	spec       *kerntypes.WorkflowSpec
	predicates map[kerntypes.FlowID]hooks.CompiledPredicate
}

// eval returns whether flow's predicate currently holds against vars.
// An empty predicate expression is unconditional (always true).
func (cs *compiledSpec) eval(flowID kerntypes.FlowID, vars map[string]kerntypes.Value) bool {
	cp, ok := cs.predicates[flowID]
	if !ok {
		return true
	}
	passed := cp.Eval(vars)
	metrics.RecordGuardEvaluation(xxhash.Sum64String(string(flowID)), passed)
	return passed
}

// resolveTargets follows a flow endpoint to the task(s) it ultimately
// reaches, transparently walking through any chain of pass-through
// Conditions. nodeID is compared against both the Tasks and Conditions
// maps since Flow.From/To are typed TaskID but may in fact name a
// Condition — the two ID types share a string representation.
func (cs *compiledSpec) resolveTargets(nodeID string, visited map[string]bool) []kerntypes.TaskID {
	if visited[nodeID] {
		return nil
	}
	visited[nodeID] = true

	if _, ok := cs.spec.Tasks[kerntypes.TaskID(nodeID)]; ok {
		return []kerntypes.TaskID{kerntypes.TaskID(nodeID)}
	}

	cond, ok := cs.spec.Conditions[kerntypes.ConditionID(nodeID)]
	if !ok {
		return nil
	}
	var out []kerntypes.TaskID
	for _, fid := range cond.Outgoing {
		flow, ok := cs.spec.Flows[fid]
		if !ok {
			continue
		}
		out = append(out, cs.resolveTargets(string(flow.To), visited)...)
	}
	return out
}

// caseRuntime is the executor's mutable per-case traversal state, kept
// separate from kerntypes.Case (which is the durable, exported record)
// so the BFS bookkeeping never leaks into the audited case shape.
type caseRuntime struct {
	mu   sync.Mutex
	c    *kerntypes.Case
	spec *compiledSpec

	required   map[kerntypes.TaskID]int
	received   map[kerntypes.TaskID]int
	orActive   map[kerntypes.TaskID]map[kerntypes.FlowID]bool
	cancelled  map[kerntypes.TaskID]bool
	queued     map[kerntypes.TaskID]bool
	frontier   []kerntypes.TaskID

	pendingMilestones map[kerntypes.TaskID]bool
	miSets            map[string]*kerntypes.MultiInstanceSet

	totalVisited int
}

func newCaseRuntime(c *kerntypes.Case, spec *compiledSpec) *caseRuntime {
	return &caseRuntime{
		c:                 c,
		spec:              spec,
		required:          make(map[kerntypes.TaskID]int),
		received:          make(map[kerntypes.TaskID]int),
		orActive:          make(map[kerntypes.TaskID]map[kerntypes.FlowID]bool),
		cancelled:         make(map[kerntypes.TaskID]bool),
		queued:            make(map[kerntypes.TaskID]bool),
		pendingMilestones: make(map[kerntypes.TaskID]bool),
		miSets:            make(map[string]*kerntypes.MultiInstanceSet),
	}
}

func (rt *caseRuntime) enqueue(taskID kerntypes.TaskID) {
	if rt.cancelled[taskID] || rt.queued[taskID] {
		return
	}
	rt.frontier = append(rt.frontier, taskID)
	rt.queued[taskID] = true
}

// Executor is the pattern executor: it owns registered workflow specs,
// live cases, task handlers, and the supporting resource allocator /
// work-stealing pool used by the multi-instance sub-executor.
type Executor struct {
	mu    sync.RWMutex
	specs map[string]*compiledSpec
	cases map[string]*caseRuntime

	handlers       map[string]TaskHandler
	defaultHandler TaskHandler

	receiptLog *receipts.Log
	allocator  *resource.Allocator
	pool       *workerstealing.Pool
	log        *logrus.Logger

	maxVisitedNodes int
	fallbackIsError bool
}

// Config configures an Executor.
type Config struct {
	MaxVisitedNodes int
	FallbackIsError bool
}

// New returns an Executor wired to its supporting collaborators. pool
// may be nil if no workflow in use has multi-instance tasks; allocator
// may be nil if none has a resource policy.
func New(cfg Config, receiptLog *receipts.Log, allocator *resource.Allocator, pool *workerstealing.Pool, log *logrus.Logger) *Executor {
	if cfg.MaxVisitedNodes <= 0 {
		cfg.MaxVisitedNodes = 1000
	}
	if log == nil {
		log = logrus.New()
	}
	return &Executor{
		specs:           make(map[string]*compiledSpec),
		cases:           make(map[string]*caseRuntime),
		handlers:        make(map[string]TaskHandler),
		defaultHandler:  NoopHandler,
		receiptLog:      receiptLog,
		allocator:       allocator,
		pool:            pool,
		log:             log,
		maxVisitedNodes: cfg.MaxVisitedNodes,
		fallbackIsError: cfg.FallbackIsError,
	}
}

// RegisterHandler binds a TaskHandler to every task whose Kind matches.
func (e *Executor) RegisterHandler(kind string, h TaskHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// RegisterWorkflow pre-compiles each task's pattern id from the
// permutation matrix and caches each flow's compiled predicate.
func (e *Executor) RegisterWorkflow(spec *kerntypes.WorkflowSpec) error {
	if spec == nil || spec.ID == "" {
		return kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "register_workflow", "workflow spec must have a non-empty id")
	}
	if _, ok := spec.Conditions[spec.StartCondition]; !ok {
		return kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "register_workflow", "start condition not found").WithMetadata("spec_id", spec.ID)
	}
	if _, ok := spec.Conditions[spec.EndCondition]; !ok {
		return kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "register_workflow", "end condition not found").WithMetadata("spec_id", spec.ID)
	}

	cs := &compiledSpec{spec: spec, predicates: make(map[kerntypes.FlowID]hooks.CompiledPredicate)}

	for _, flow := range spec.Flows {
		if flow.Predicate == "" {
			continue
		}
		cp, ok := hooks.CompilePredicate(flow.Predicate)
		if ok {
			cs.predicates[flow.ID] = cp
		}
		// An unparseable predicate fails closed at evaluation time (eval
		// treats a missing compiled entry... no: a missing entry means
		// unconditional). To preserve fail-closed semantics for a
		// genuinely present-but-broken predicate, register an
		// always-false compiled predicate instead of leaving it absent.
		if !ok {
			cs.predicates[flow.ID] = hooks.CompiledPredicate{LeftVar: "__unparseable__", Op: hooks.OpEq, RightLit: kerntypes.Bool(true), HasRightLit: true}
		}
	}

	for _, task := range spec.Tasks {
		if task.MultiInstance {
			if task.MIPatternID < 12 || task.MIPatternID > 15 {
				return kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "register_workflow", "multi-instance task must carry pattern id in [12,15]").WithMetadata("task_id", string(task.ID))
			}
			task.PatternID = task.MIPatternID
			continue
		}

		key := patterns.Key{
			Split:        task.Split,
			Join:         task.Join,
			HasPredicate: taskHasPredicate(spec, task),
			HasBackward:  taskHasBackward(spec, task),
			HasCancel:    len(task.CancelSet) > 0,
			HasMilestone: task.Milestone,
		}
		id, ok := patterns.Identify(key, e.fallbackIsError, e.log)
		if !ok {
			return kernelerr.New(kernelerr.CodeInvalidSpecification, "executor", "register_workflow", "no pattern matches task's split/join/modifier combination").WithMetadata("task_id", string(task.ID))
		}
		task.PatternID = id
	}

	e.mu.Lock()
	e.specs[spec.ID] = cs
	e.mu.Unlock()
	return nil
}

func taskHasPredicate(spec *kerntypes.WorkflowSpec, task *kerntypes.Task) bool {
	for _, fid := range task.Outgoing {
		if flow, ok := spec.Flows[fid]; ok && flow.Predicate != "" {
			return true
		}
	}
	return false
}

func taskHasBackward(spec *kerntypes.WorkflowSpec, task *kerntypes.Task) bool {
	for _, fid := range append(append([]kerntypes.FlowID{}, task.Incoming...), task.Outgoing...) {
		if flow, ok := spec.Flows[fid]; ok && flow.Backward {
			return true
		}
	}
	return false
}

// CreateCase instantiates a new, not-yet-started case of specID seeded
// with data.
func (e *Executor) CreateCase(specID string, data map[string]any) (string, error) {
	e.mu.RLock()
	cs, ok := e.specs[specID]
	e.mu.RUnlock()
	if !ok {
		return "", kernelerr.New(kernelerr.CodeWorkflowNotRegistered, "executor", "create_case", "workflow not registered").WithMetadata("spec_id", specID)
	}

	now := time.Now()
	c := &kerntypes.Case{
		ID:        uuid.New().String(),
		SpecID:    specID,
		State:     kerntypes.CaseReady,
		Variables: coerceData(data),
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rt := newCaseRuntime(c, cs)

	e.mu.Lock()
	e.cases[c.ID] = rt
	e.mu.Unlock()

	e.ReportCasesActive()
	return c.ID, nil
}

// ReportCasesActive recomputes the current case count per lifecycle
// state and publishes it via metrics.SetCasesActive. The executor has no
// transition-level observer of its own, so callers (create_case,
// start_case, and execute_case's caller) invoke this directly after a
// state change; it always reports all four states so a state that just
// emptied out still resets its gauge to zero.
func (e *Executor) ReportCasesActive() {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts := make(map[kerntypes.CaseState]int, 4)
	for _, rt := range e.cases {
		rt.mu.Lock()
		counts[rt.c.State]++
		rt.mu.Unlock()
	}
	for _, state := range []kerntypes.CaseState{kerntypes.CaseReady, kerntypes.CaseRunning, kerntypes.CaseCompleted, kerntypes.CaseCancelled} {
		metrics.SetCasesActive(string(state), counts[state])
	}
}

// StartCase transitions a Ready case to Running and activates the tasks
// reachable from the workflow's start condition. Starting an
// already-started case is a no-op.
func (e *Executor) StartCase(caseID string) error {
	rt, err := e.getCaseRuntime(caseID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.c.State != kerntypes.CaseReady {
		return nil
	}
	rt.c.State = kerntypes.CaseRunning
	rt.c.UpdatedAt = time.Now()

	for _, taskID := range rt.spec.resolveTargets(string(rt.spec.spec.StartCondition), map[string]bool{}) {
		e.activateIncoming(rt, taskID, "")
	}
	return nil
}

func (e *Executor) getCaseRuntime(caseID string) (*caseRuntime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.cases[caseID]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeCaseNotFound, "executor", "get_case", "case not found").WithMetadata("case_id", caseID)
	}
	return rt, nil
}

// CaseSnapshot returns a defensive copy of a case's current state.
func (e *Executor) CaseSnapshot(caseID string) (*kerntypes.Case, error) {
	rt, err := e.getCaseRuntime(caseID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.c.Clone(), nil
}

// activateIncoming registers one incoming-flow arrival at targetTaskID
// and enqueues it onto the frontier once enabled. flowID is empty when
// the activation comes directly from the start condition rather than a
// named flow.
func (e *Executor) activateIncoming(rt *caseRuntime, targetTaskID kerntypes.TaskID, flowID kerntypes.FlowID) {
	task, ok := rt.spec.spec.Tasks[targetTaskID]
	if !ok || rt.cancelled[targetTaskID] {
		return
	}

	switch task.Join {
	case kerntypes.JoinOR:
		active := rt.orActive[targetTaskID]
		if active == nil {
			active = make(map[kerntypes.FlowID]bool)
			rt.orActive[targetTaskID] = active
		}
		if flowID != "" {
			active[flowID] = true
		}
		rt.required[targetTaskID] = len(active)
		if rt.required[targetTaskID] == 0 {
			rt.required[targetTaskID] = 1
		}
		rt.received[targetTaskID]++
	case kerntypes.JoinXOR, kerntypes.JoinDiscriminator:
		rt.required[targetTaskID] = 1
		rt.received[targetTaskID]++
	default: // AND
		req := len(task.Incoming)
		if req == 0 {
			req = 1
		}
		rt.required[targetTaskID] = req
		rt.received[targetTaskID]++
	}

	if rt.received[targetTaskID] >= rt.required[targetTaskID] {
		rt.enqueue(targetTaskID)
	}
}

func coerceData(data map[string]any) map[string]kerntypes.Value {
	vars := make(map[string]kerntypes.Value, len(data))
	for k, v := range data {
		vars[k] = coerceValue(v)
	}
	return vars
}

func coerceValue(v any) kerntypes.Value {
	switch x := v.(type) {
	case nil:
		return kerntypes.Null()
	case bool:
		return kerntypes.Bool(x)
	case int:
		return kerntypes.I64(int64(x))
	case int64:
		return kerntypes.I64(x)
	case float64:
		return kerntypes.F64(x)
	case string:
		return kerntypes.String(x)
	case []any:
		list := make([]kerntypes.Value, len(x))
		for i, item := range x {
			list[i] = coerceValue(item)
		}
		return kerntypes.List(list)
	default:
		return kerntypes.String(fmt.Sprintf("%v", x))
	}
}

func copyVariables(vars map[string]kerntypes.Value) map[string]kerntypes.Value {
	cp := make(map[string]kerntypes.Value, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return cp
}
