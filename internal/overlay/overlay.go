// Package overlay implements the proof-carrying overlay algebra ΔΣ:
// typed proposals against the compiled ontology Σ*, machine-checkable
// proofs, and the three safety-class-gated promotion paths (HotSafe,
// WarmSafe, ColdUnsafe). Composition, validation, and apply are all
// non-suspending by contract — no overlay operation here may block on
// I/O or a channel.
package overlay

import (
	"fmt"
	"sort"
	"time"

	"github.com/mdzesseis/knhkd/internal/kernelerr"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/sigma"
)

// ChangeKind identifies the shape of one overlay Change.
type ChangeKind string

const (
	ChangeAddTask           ChangeKind = "AddTask"
	ChangeRemoveTask        ChangeKind = "RemoveTask"
	ChangeModifyTask        ChangeKind = "ModifyTask"
	ChangeAddGuard          ChangeKind = "AddGuard"
	ChangeModifyGuardThresh ChangeKind = "ModifyGuardThreshold"
	ChangeAddPattern        ChangeKind = "AddPattern"
	ChangeRemovePattern     ChangeKind = "RemovePattern"
)

// Change is one atomic modification proposed by an overlay. TargetID is
// the task/guard/pattern id the change touches; two changes in the same
// overlay must never share a TargetID (the disjoint-ids invariant).
type Change struct {
	Kind     ChangeKind
	TargetID string
	Payload  map[string]any

	// DependencyFreedomProof witnesses RemoveTask's precondition; unused
	// for other kinds.
	DependencyFreedomProof string
	// InvariantPreservationProof witnesses ModifyTask's precondition.
	InvariantPreservationProof string
	// UsageCountZeroProof witnesses RemovePattern's precondition.
	UsageCountZeroProof string
}

// VerificationMethod tags how a Proof's claims were established.
type VerificationMethod string

const (
	MethodCompilerStatic VerificationMethod = "compiler_static"
	MethodFormalModel    VerificationMethod = "formal_model"
	MethodPropertyTest   VerificationMethod = "property_test"
	MethodRuntimeObserved VerificationMethod = "runtime_observed"
	MethodComposed       VerificationMethod = "composed"
)

// ProofKind is the tagged-variant discriminant over {Compiler, Formal,
// Property, Runtime, Composed}.
type ProofKind string

const (
	ProofCompiler ProofKind = "Compiler"
	ProofFormal   ProofKind = "Formal"
	ProofProperty ProofKind = "Property"
	ProofRuntime  ProofKind = "Runtime"
	ProofComposed ProofKind = "Composed"
)

// Proof is the machine-checkable witness attached to an overlay.
type Proof struct {
	Kind                ProofKind
	InvariantsPreserved []string
	TimingBoundTicks    int
	ChangesCovered      []string // target ids covered; must be 100% of the overlay's changes
	Method              VerificationMethod
	Signature           [64]byte

	// Composed is set when Kind == ProofComposed; it records the two
	// constituent proofs the witness was derived from.
	Composed *ComposedWitness
}

// ComposedWitness is the pair of proofs plus the non-trivial intersection
// of their invariant sets that justifies composing their overlays.
type ComposedWitness struct {
	Left, Right        Proof
	SharedInvariantIDs []string
}

// SafetyClass is the safety-class tag on a Proof, controlling which
// promotion entry point may accept the overlay it's attached to.
type SafetyClass string

const (
	HotSafe    SafetyClass = "HotSafe"
	WarmSafe   SafetyClass = "WarmSafe"
	ColdUnsafe SafetyClass = "ColdUnsafe"
)

const (
	// ChatmanConstantTicks is τ, the hot-path timing budget. Kept as a
	// package constant rather than threaded through every call because
	// it is a kernel-wide invariant, not per-call configuration; callers
	// needing the configured value should read it from config.Config and
	// compare directly where τ itself varies by deployment.
	ChatmanConstantTicks = 8
	// WarmBudgetMS is the warm-path timing budget in milliseconds.
	WarmBudgetMS = 1

	// NoAllocationInvariantID is the marker HotSafe proofs must preserve.
	NoAllocationInvariantID = "no-allocation"
)

// Metadata carries an overlay's non-semantic bookkeeping.
type Metadata struct {
	ID          string
	CreatedAt   time.Time
	Priority    uint8
	Author      string
	Description string
	PerfImpact  string
}

// Overlay is a proof-carrying proposal against a specific Σ* base.
type Overlay struct {
	BaseSigma [32]byte
	Changes   []Change
	Proof     Proof
	Metadata  Metadata
}

// New constructs an overlay against base, validating the disjoint-ids
// invariant up front since it is cheap and catches the most common
// authoring mistake immediately rather than at promotion time.
func New(base *sigma.Snapshot, changes []Change, proof Proof, meta Metadata) (*Overlay, error) {
	seen := make(map[string]bool, len(changes))
	for _, c := range changes {
		if seen[c.TargetID] {
			return nil, kernelerr.New(kernelerr.CodeConflictingChanges, "overlay", "New",
				fmt.Sprintf("duplicate target id %q within a single overlay", c.TargetID))
		}
		seen[c.TargetID] = true
	}
	return &Overlay{
		BaseSigma: base.ContentHash,
		Changes:   changes,
		Proof:     proof,
		Metadata:  meta,
	}, nil
}

// Validate implements spec.md §4.D's validate(overlay): the proof's
// invariant list is non-empty, coverage is 100% of the overlay's
// changes, the timing bound respects τ for HotSafe-tagged overlays, and
// the signature is structurally well-formed (non-zero).
func (o *Overlay) Validate(class SafetyClass) error {
	if len(o.Proof.InvariantsPreserved) == 0 {
		return kernelerr.New(kernelerr.CodeInvariantViolation, "overlay", "Validate",
			"proof preserves no invariants")
	}
	if !coversAll(o.Proof.ChangesCovered, o.Changes) {
		return kernelerr.New(kernelerr.CodeProofDoesNotCoverChanges, "overlay", "Validate",
			"proof coverage does not span all changes")
	}
	if class == HotSafe && o.Proof.TimingBoundTicks > ChatmanConstantTicks {
		return kernelerr.New(kernelerr.CodeTimingBoundExceeded, "overlay", "Validate",
			fmt.Sprintf("timing_bound %d exceeds tau=%d", o.Proof.TimingBoundTicks, ChatmanConstantTicks))
	}
	if o.Proof.Signature == ([64]byte{}) {
		return kernelerr.New(kernelerr.CodeInvariantViolation, "overlay", "Validate",
			"signature is structurally empty")
	}
	return nil
}

func coversAll(covered []string, changes []Change) bool {
	set := make(map[string]bool, len(covered))
	for _, id := range covered {
		set[id] = true
	}
	for _, c := range changes {
		if !set[c.TargetID] {
			return false
		}
	}
	return true
}

// ConflictsWith reports whether o and other touch any shared target id.
func (o *Overlay) ConflictsWith(other *Overlay) bool {
	targets := make(map[string]bool, len(o.Changes))
	for _, c := range o.Changes {
		targets[c.TargetID] = true
	}
	for _, c := range other.Changes {
		if targets[c.TargetID] {
			return true
		}
	}
	return false
}

// Compose implements spec.md §4.D's compose(a, b): requires equal
// base_sigma, no conflicts, and a shared invariant; the result carries a
// ComposedProof and takes the higher of the two priorities. Composition
// is associative and commutative for non-conflicting overlays: the
// result does not depend on argument order beyond the provenance
// recorded in ComposedWitness.Left/Right.
func Compose(a, b *Overlay) (*Overlay, error) {
	if a.BaseSigma != b.BaseSigma {
		return nil, kernelerr.New(kernelerr.CodeIncompatibleBase, "overlay", "Compose",
			"operands target different base_sigma values")
	}
	if a.ConflictsWith(b) {
		return nil, kernelerr.New(kernelerr.CodeConflictingChanges, "overlay", "Compose",
			"operands modify overlapping target ids")
	}
	shared := sharedInvariants(a.Proof.InvariantsPreserved, b.Proof.InvariantsPreserved)
	if len(shared) == 0 {
		return nil, kernelerr.New(kernelerr.CodeInvariantViolation, "overlay", "Compose",
			"operand proofs share no invariant id")
	}

	composed := Proof{
		Kind:                ProofComposed,
		InvariantsPreserved: unionStrings(a.Proof.InvariantsPreserved, b.Proof.InvariantsPreserved),
		TimingBoundTicks:    maxInt(a.Proof.TimingBoundTicks, b.Proof.TimingBoundTicks),
		ChangesCovered:      append(append([]string{}, a.Proof.ChangesCovered...), b.Proof.ChangesCovered...),
		Method:              MethodComposed,
		Composed: &ComposedWitness{
			Left: a.Proof, Right: b.Proof,
			SharedInvariantIDs: shared,
		},
	}

	meta := a.Metadata
	if b.Metadata.Priority > a.Metadata.Priority {
		meta = b.Metadata
	}

	return &Overlay{
		BaseSigma: a.BaseSigma,
		Changes:   append(append([]Change{}, a.Changes...), b.Changes...),
		Proof:     composed,
		Metadata:  meta,
	}, nil
}

func sharedInvariants(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	var out []string
	for _, id := range b {
		if set[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func unionStrings(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ApplyTo produces a new immutable Σ*' by applying o's changes to base in
// insertion order. It requires o.BaseSigma == hash(base); IncompatibleBase
// otherwise. Because overlay construction forbids conflicting changes
// within a single overlay (and Compose rejects conflicting operands),
// application is deterministic without further ordering constraints at
// the callsite.
func ApplyTo(base *sigma.Snapshot, o *Overlay) (*sigma.Snapshot, error) {
	if base.ContentHash != o.BaseSigma {
		return nil, kernelerr.New(kernelerr.CodeIncompatibleBase, "overlay", "ApplyTo",
			"overlay base_sigma does not match the snapshot's content hash")
	}

	next := sigma.NewSnapshot()
	for _, et := range base.Triples() {
		next.Insert(et)
	}
	for id := uint64(0); ; id++ {
		term, ok := base.Lookup(id)
		if !ok {
			break
		}
		next.Intern(term)
	}

	for _, c := range o.Changes {
		applyChange(next, c)
	}

	next.Seal(base.Version + 1)
	return next, nil
}

// applyChange threads one Change's effect into the snapshot being built.
// Task/guard/pattern tables live above the triple dictionary in a full
// compiler; for the kernel's purposes here a change is recorded as a
// marker triple so downstream consumers (hook registry, pattern
// dispatch) can discover it by predicate scan.
func applyChange(s *sigma.Snapshot, c Change) {
	predicate := "knhk:overlay/" + string(c.Kind)
	s.Insert(kerntypes.EncodedTriple{
		Subject:   s.Intern(c.TargetID),
		Predicate: s.Intern(predicate),
		Object:    s.Intern(fmt.Sprintf("%v", c.Payload)),
		Graph:     s.Intern(""),
	})
}
