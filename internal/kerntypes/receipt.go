package kerntypes

import "time"

// InstanceID identifies one child instance of a multi-instance set.
type InstanceID string

// InstanceContext is the per-instance state tracked by the multi-instance
// sub-executor.
type InstanceContext struct {
	Index   int
	Input   map[string]Value
	Output  map[string]Value
	Done    bool
	Failed  bool
	Err     string
}

// MultiInstanceSet tracks a spawned set of task instances for patterns
// 12-15.
type MultiInstanceSet struct {
	SetID      string
	TaskID     TaskID
	PatternID  int // 12, 13, 14, or 15
	Total      int
	Completed  int64 // atomic
	Failed     int64 // atomic
	Instances  map[InstanceID]*InstanceContext
	Completion Completion
}

// Receipt is the append-only, content-addressed, chain-linked audit
// record emitted for every completed (or failed) step.
type Receipt struct {
	ID              uint64 // monotonic within a process lifetime
	CaseID          string
	PatternID       int
	Timestamp       time.Time
	StateHash       uint64
	Inputs          map[string]Value
	GuardsEvaluated []GuardEvaluation
	Decisions       []Decision
	TimingTicks     int
	ParentReceipt   *uint64
	Signature       []byte
	CRC32           uint32
	Kind            ReceiptKind
	ErrorCode       string // set when Kind == ReceiptError
}

// ReceiptKind classifies what a receipt records, beyond the base
// step-completion case.
type ReceiptKind string

const (
	ReceiptStep      ReceiptKind = "step"
	ReceiptError     ReceiptKind = "error"
	ReceiptCancel    ReceiptKind = "cancel"
	ReceiptTimeout   ReceiptKind = "timeout"
	ReceiptTamper    ReceiptKind = "tamper"
	ReceiptPromotion ReceiptKind = "promotion"
	ReceiptSyncGate  ReceiptKind = "sync_gate"
)

// GuardEvaluation records one guard's outcome during admission or
// traversal.
type GuardEvaluation struct {
	PredicateID uint64
	Passed      bool
}

// Decision records one routing or split/join decision made while
// processing a step.
type Decision struct {
	Description string
	FlowID      FlowID
	Taken       bool
}
