package router

import (
	"container/list"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

const (
	constructComplexityWeight  = 20
	blankNodeComplexityWeight  = 5
	linearScaleSimple          = 1
	constructBaselineEstimate  = 200
)

// Predictor estimates a delta's cost in ticks and caches the estimate
// keyed by the delta's complexity signature, so repeated submissions of
// structurally identical deltas don't re-derive the same estimate. The
// cache is an LRU of bounded size; concurrent estimation of the same key
// is collapsed through singleflight so a cache stampede on a cold key
// produces exactly one computation.
type Predictor struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element

	group singleflight.Group

	// poisoned models a predictor whose lock was left in an inconsistent
	// state by a panicking goroutine (Rust's "poisoned mutex"). Go's
	// sync.Mutex has no such concept natively, so this is modeled
	// explicitly: any panic recovered inside estimate() sets poisoned,
	// and every subsequent call fails safe without attempting to take
	// the lock in a possibly-corrupted state again.
	poisoned bool
}

type predictorEntry struct {
	key   uint64
	ticks int
}

// NewPredictor returns a Predictor with the given LRU capacity.
func NewPredictor(capacity int) *Predictor {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Predictor{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint64]*list.Element),
	}
}

// Estimate returns the predicted tick cost for delta, and whether the
// predictor is poisoned (in which case the estimate is meaningless and
// callers must fail to the warm path).
func (p *Predictor) Estimate(delta kerntypes.Delta) (ticks int, poisoned bool) {
	p.mu.Lock()
	if p.poisoned {
		p.mu.Unlock()
		return 0, true
	}
	p.mu.Unlock()

	key := complexitySignature(delta)

	if ticks, ok := p.lookup(key); ok {
		return ticks, false
	}

	// singleflight collapses concurrent cold-key estimation; the
	// callback itself may panic (a malformed delta reaching a coercion
	// bug), which recover() below converts into a poisoned predictor
	// rather than propagating a panic past the router — a routine
	// failure mode must never crash the ingress path.
	v, err, _ := p.group.Do(keyString(key), func() (any, error) {
		defer func() {
			if rec := recover(); rec != nil {
				p.mu.Lock()
				p.poisoned = true
				p.mu.Unlock()
			}
		}()
		est := estimateTicks(delta)
		p.store(key, est)
		return est, nil
	})

	p.mu.Lock()
	if p.poisoned {
		p.mu.Unlock()
		return 0, true
	}
	p.mu.Unlock()

	if err != nil {
		return 0, true
	}
	return v.(int), false
}

func (p *Predictor) lookup(key uint64) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.items[key]
	if !ok {
		return 0, false
	}
	p.ll.MoveToFront(el)
	return el.Value.(*predictorEntry).ticks, true
}

func (p *Predictor) store(key uint64, ticks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.items[key]; ok {
		el.Value.(*predictorEntry).ticks = ticks
		p.ll.MoveToFront(el)
		return
	}
	el := p.ll.PushFront(&predictorEntry{key: key, ticks: ticks})
	p.items[key] = el
	if p.ll.Len() > p.capacity {
		oldest := p.ll.Back()
		if oldest != nil {
			p.ll.Remove(oldest)
			delete(p.items, oldest.Value.(*predictorEntry).key)
		}
	}
}

// Reset clears the poisoned flag and the cache, so an operator can
// recover a predictor after diagnosing the underlying cause. Nothing in
// the kernel calls it automatically.
func (p *Predictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poisoned = false
	p.ll.Init()
	p.items = make(map[uint64]*list.Element)
}

// estimateTicks implements spec.md §4.H's complexity formula:
// triple_count + 20*construct + 5*blank_nodes, scaled by kind.
func estimateTicks(delta kerntypes.Delta) int {
	tripleCount := len(delta.Triples) + len(delta.EncodedTriples)
	blankNodes := countBlankNodes(delta)
	constructFlag := 0
	if delta.Operation == kerntypes.OpConstruct || delta.Operation == kerntypes.OpTemplate {
		constructFlag = 1
	}

	if constructFlag == 1 {
		return constructBaselineEstimate
	}

	raw := tripleCount + constructComplexityWeight*constructFlag + blankNodeComplexityWeight*blankNodes
	return raw * linearScaleSimple
}

func countBlankNodes(delta kerntypes.Delta) int {
	n := 0
	for _, t := range delta.Triples {
		if isBlank(t.Subject) || isBlank(t.Object) || isBlank(t.Graph) {
			n++
		}
	}
	return n
}

func isBlank(s string) bool {
	return len(s) >= 2 && s[0] == '_' && s[1] == ':'
}

// complexitySignature derives the predictor's cache key from the shape
// of delta that actually drives estimateTicks: triple/blank-node counts
// and operation kind, not the triple contents themselves (two
// structurally identical deltas should share one cached estimate).
func complexitySignature(delta kerntypes.Delta) uint64 {
	tripleCount := uint64(len(delta.Triples) + len(delta.EncodedTriples))
	blanks := uint64(countBlankNodes(delta))
	op := uint64(len(delta.Operation))
	if delta.Operation == kerntypes.OpConstruct || delta.Operation == kerntypes.OpTemplate {
		// Operation names of equal length ("template", "validate") would
		// otherwise share a key despite different estimates.
		op |= 0x80
	}
	return (tripleCount << 16) | (blanks << 8) | op
}

func keyString(key uint64) string {
	buf := make([]byte, 0, 20)
	if key == 0 {
		return "0"
	}
	for key > 0 {
		buf = append([]byte{byte('0' + key%10)}, buf...)
		key /= 10
	}
	return string(buf)
}
