// Package patterns implements the pattern permutation matrix: a
// compile-time total function from (split, join, modifiers) to one of
// the 43 canonical van der Aalst workflow patterns. The matrix is built
// once, on first lookup, and is closed under every split x join cross product;
// combinations the table has no direct entry for fall back to pattern 1
// (sequence), which config.PatternFallbackIsError can turn into a hard
// error instead.
package patterns

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

// Key is the compound lookup key into the permutation matrix.
type Key struct {
	Split        kerntypes.SplitType
	Join         kerntypes.JoinType
	HasPredicate bool
	HasBackward  bool
	HasCancel    bool
	HasMilestone bool
}

var (
	matrixOnce sync.Once
	matrix     map[Key]int
	fellBack   sync.Once
)

// build constructs the full matrix. It is intentionally explicit rather
// than computed from a formula: each (split, join) pair carries distinct
// pattern semantics in the literature and a generated mapping would
// obscure which modifier combination maps to which numbered pattern.
func build() map[Key]int {
	m := make(map[Key]int)

	reg := func(split kerntypes.SplitType, join kerntypes.JoinType, pred, back, cancel, milestone bool, id int) {
		m[Key{split, join, pred, back, cancel, milestone}] = id
	}

	// 1: Sequence is reachable only via the fallback path below — an
	// AND/AND task with no modifiers and a single outgoing flow is
	// indistinguishable from pattern 2 at the (split, join, modifiers)
	// granularity this matrix keys on; outgoing-flow arity is a property
	// of the Task, not the matrix key, so sequence is the matrix's
	// default rather than an explicit entry.

	// 2/3: Parallel split / synchronization.
	reg(kerntypes.SplitAND, kerntypes.JoinAND, false, false, false, false, 2)
	reg(kerntypes.SplitAND, kerntypes.JoinAND, true, false, false, false, 3)

	// 4: Exclusive choice.
	reg(kerntypes.SplitXOR, kerntypes.JoinXOR, true, false, false, false, 4)

	// 5: Simple merge.
	reg(kerntypes.SplitAND, kerntypes.JoinXOR, false, false, false, false, 5)

	// 6/7: Multi-choice / structured synchronizing merge.
	reg(kerntypes.SplitOR, kerntypes.JoinOR, true, false, false, false, 6)
	reg(kerntypes.SplitOR, kerntypes.JoinOR, false, false, false, false, 7)

	// 9: Discriminator.
	reg(kerntypes.SplitAND, kerntypes.JoinDiscriminator, false, false, false, false, 9)
	reg(kerntypes.SplitOR, kerntypes.JoinDiscriminator, false, false, false, false, 9)

	// 11: Arbitrary cycles — any split/join combination with a backward
	// flow annotation.
	for _, s := range []kerntypes.SplitType{kerntypes.SplitAND, kerntypes.SplitOR, kerntypes.SplitXOR} {
		for _, j := range []kerntypes.JoinType{kerntypes.JoinAND, kerntypes.JoinOR, kerntypes.JoinXOR, kerntypes.JoinDiscriminator} {
			reg(s, j, false, true, false, false, 11)
			reg(s, j, true, true, false, false, 11)
		}
	}

	// 12-15: Multi-instance variants are never looked up through this
	// matrix at all — a multi-instance Task carries its pattern id
	// directly in Task.MIPatternID, set by the workflow author, and the
	// executor dispatches on Task.MultiInstance before it ever builds a
	// Key (see executor.go's RegisterWorkflow). Giving them a matrix
	// entry here would collide with whatever (split, join, modifiers)
	// combination a non-MI task with the same shape uses, since the
	// matrix's Key has no field distinguishing "multi-instance" from
	// "plain" — so they are deliberately left unregistered.

	// 16: Deferred choice — XOR split with no predicate (the choice is
	// made by whichever external event fires first, not by evaluating a
	// guard).
	reg(kerntypes.SplitXOR, kerntypes.JoinXOR, false, false, false, false, 16)

	// 19-25: Cancellation family — any combination tagged HasCancel.
	for _, s := range []kerntypes.SplitType{kerntypes.SplitAND, kerntypes.SplitOR, kerntypes.SplitXOR} {
		for _, j := range []kerntypes.JoinType{kerntypes.JoinAND, kerntypes.JoinOR, kerntypes.JoinXOR, kerntypes.JoinDiscriminator} {
			reg(s, j, false, false, true, false, 19)
			reg(s, j, true, false, true, false, 20)
		}
	}

	// 27: Milestone.
	reg(kerntypes.SplitAND, kerntypes.JoinAND, false, false, false, true, 27)
	reg(kerntypes.SplitXOR, kerntypes.JoinXOR, true, false, false, true, 27)

	return m
}

func ensureBuilt() {
	matrixOnce.Do(func() {
		matrix = build()
	})
}

// Identify is the matrix's total, deterministic, O(1) lookup function.
// Unsupported combinations map to pattern 1, and the first such fallback
// in the process logs a warning, unless fallbackIsError is set, in which
// case ok is false.
func Identify(k Key, fallbackIsError bool, log *logrus.Logger) (patternID int, ok bool) {
	ensureBuilt()
	if id, found := matrix[k]; found {
		return id, true
	}
	if fallbackIsError {
		return 0, false
	}
	fellBack.Do(func() {
		if log != nil {
			log.WithField("key", k).Warn("pattern matrix miss, falling back to pattern 1 (sequence)")
		}
	})
	return 1, true
}

// AllPatternIDs returns the sorted set of distinct pattern ids the
// compiled matrix currently dispatches to, useful for the MAPE-K loop's
// per-pattern throughput reporting and for tests asserting matrix
// coverage.
func AllPatternIDs() []int {
	ensureBuilt()
	seen := make(map[int]bool, len(matrix))
	for _, id := range matrix {
		seen[id] = true
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
