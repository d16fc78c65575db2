package kerntypes

import "time"

// SplitType is the outgoing-flow semantics of a task.
type SplitType string

const (
	SplitAND SplitType = "AND"
	SplitOR  SplitType = "OR"
	SplitXOR SplitType = "XOR"
)

// JoinType is the incoming-flow semantics of a task.
type JoinType string

const (
	JoinAND           JoinType = "AND"
	JoinOR            JoinType = "OR"
	JoinXOR           JoinType = "XOR"
	JoinDiscriminator JoinType = "Discriminator"
)

// FlowID, TaskID, and ConditionID identify workflow graph nodes/edges by
// string key rather than pointer, per the arena-with-indices discipline:
// no owning cycles, back-references are lookups.
type FlowID string
type TaskID string
type ConditionID string

// Flow is a directed edge from a task or condition to another, carrying
// an optional guard predicate expression and a backward-annotation flag
// used for arbitrary-cycle patterns (pattern 11).
type Flow struct {
	ID        FlowID
	From      TaskID
	To        TaskID
	Predicate string // empty means unconditional
	Backward  bool
}

// CompletionMode describes when a multi-instance sync gate opens.
type CompletionMode string

const (
	CompletionAll        CompletionMode = "All"
	CompletionOne        CompletionMode = "One"
	CompletionThreshold  CompletionMode = "Threshold"
	CompletionPercentage CompletionMode = "Percentage"
)

// Completion pairs a CompletionMode with its parameter (N for Threshold,
// percentage 0-100 for Percentage; unused otherwise).
type Completion struct {
	Mode  CompletionMode
	Param float64
}

// CreationStrategy describes how a multi-instance task determines its
// instance count.
type CreationStrategy struct {
	Kind     string // "Static", "Dynamic", "OnDemand"
	Static   int
	Variable string // case variable name, for Dynamic
	Max      int    // for OnDemand
}

// ResourcePolicy is the allocation policy for human/agent tasks.
type ResourcePolicy string

const (
	ResourceFourEyes        ResourcePolicy = "FourEyes"
	ResourceChained         ResourcePolicy = "Chained"
	ResourceRoundRobin      ResourcePolicy = "RoundRobin"
	ResourceShortestQueue   ResourcePolicy = "ShortestQueue"
	ResourceRoleBased       ResourcePolicy = "RoleBased"
	ResourceCapabilityBased ResourcePolicy = "CapabilityBased"
)

// FailurePolicy is the behavior applied when a task's simulation fails.
type FailurePolicy string

const (
	FailureRetry      FailurePolicy = "Retry"
	FailureCompensate FailurePolicy = "Compensate"
	FailureEscalate   FailurePolicy = "Escalate"
	FailureFatal      FailurePolicy = "Fatal"
)

// Task is a single workflow node.
type Task struct {
	ID        TaskID
	Kind      string // handler key dispatched to a TaskHandler
	Split     SplitType
	Join      JoinType
	PatternID int // pre-compiled, in [1,43]
	Incoming  []FlowID
	Outgoing  []FlowID

	Milestone bool // pattern 27: awaits external signal if no flow fires

	MultiInstance    bool
	MIPatternID      int // one of 12,13,14,15
	MICreation       CreationStrategy
	MICompletion     Completion

	ResourcePolicy ResourcePolicy
	TimeoutMS      int64
	Failure        FailurePolicy
	MaxRetries     int
	RetryBackoffMS int64

	CancelSet []TaskID // tasks cancelled when this task's cancel flow fires
}

// Condition is a pass-through routing node in the workflow graph (start/
// end conditions, intermediate places).
type Condition struct {
	ID       ConditionID
	Incoming []FlowID
	Outgoing []FlowID
}

// WorkflowSpec is an immutable workflow definition.
type WorkflowSpec struct {
	ID             string
	StartCondition ConditionID
	EndCondition   ConditionID
	Tasks          map[TaskID]*Task
	Conditions     map[ConditionID]*Condition
	Flows          map[FlowID]*Flow
}

// CaseState is the lifecycle state of a running workflow instance.
type CaseState string

const (
	CaseReady     CaseState = "Ready"
	CaseRunning   CaseState = "Running"
	CaseCompleted CaseState = "Completed"
	CaseCancelled CaseState = "Cancelled"
)

// Case is a running workflow instance.
type Case struct {
	ID        string // uuid
	SpecID    string
	State     CaseState
	Variables map[string]Value
	Data      map[string]any // opaque payload, e.g. decoded JSON
	Reason    string         // completion/cancellation reason

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep-enough copy of the case's mutable maps so callers
// can snapshot state without racing the executor's exclusive ownership.
func (c *Case) Clone() *Case {
	cp := *c
	cp.Variables = make(map[string]Value, len(c.Variables))
	for k, v := range c.Variables {
		cp.Variables[k] = v
	}
	cp.Data = make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		cp.Data[k] = v
	}
	return &cp
}
