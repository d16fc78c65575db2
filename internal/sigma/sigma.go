// Package sigma manages Σ*, the compiled ontology snapshot against which
// admission-router predicates and overlay proofs are evaluated. A
// Snapshot is immutable once built; callers swap to a new one by
// constructing it and atomically publishing it through a Store.
package sigma

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

// Snapshot is one compiled, content-addressed view of the dictionary-
// encoded triple store.
type Snapshot struct {
	// Version increases monotonically; receipts record the Version that
	// was active when a step was evaluated.
	Version uint64
	// ContentHash is the blake3 digest of the snapshot's canonical byte
	// encoding, used as the base_sigma identity overlays compose against.
	ContentHash [32]byte

	// terms is the dictionary: term string -> id. ids is the inverse.
	terms map[string]uint64
	ids   map[uint64]string
	next  uint64

	triples []kerntypes.EncodedTriple
}

// NewSnapshot returns an empty Snapshot at version 0.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		terms: make(map[string]uint64),
		ids:   make(map[uint64]string),
	}
}

// Intern assigns (or looks up) the dictionary id for term.
func (s *Snapshot) Intern(term string) uint64 {
	if id, ok := s.terms[term]; ok {
		return id
	}
	id := s.next
	s.next++
	s.terms[term] = id
	s.ids[id] = term
	return id
}

// Lookup returns the interned term for id, if any.
func (s *Snapshot) Lookup(id uint64) (string, bool) {
	if id == kerntypes.UnboundTermID {
		return "", false
	}
	t, ok := s.ids[id]
	return t, ok
}

// Encode dictionary-encodes a raw Triple against this snapshot, interning
// any term not yet seen. A blank-node or empty graph is preserved as-is;
// callers needing variable slots should build an EncodedTriple directly
// with kerntypes.UnboundTermID.
func (s *Snapshot) Encode(t kerntypes.Triple) kerntypes.EncodedTriple {
	graph := t.Graph
	var gid uint64
	if graph == "" {
		gid = s.Intern("")
	} else {
		gid = s.Intern(graph)
	}
	return kerntypes.EncodedTriple{
		Subject:   s.Intern(t.Subject),
		Predicate: s.Intern(t.Predicate),
		Object:    s.Intern(t.Object),
		Graph:     gid,
	}
}

// Insert adds an already-encoded triple to the snapshot's working set.
// Callers finish with Seal to freeze the content hash.
func (s *Snapshot) Insert(et kerntypes.EncodedTriple) {
	s.triples = append(s.triples, et)
}

// Count returns the number of encoded triples held.
func (s *Snapshot) Count() int { return len(s.triples) }

// Triples returns the snapshot's encoded triples. The returned slice must
// not be mutated by callers.
func (s *Snapshot) Triples() []kerntypes.EncodedTriple { return s.triples }

// Seal computes the snapshot's content hash from its canonical byte
// encoding (monotonic term ids in insertion order, then triples in
// insertion order) and assigns version. Seal is idempotent for a fixed
// set of inserts; it must be called before the snapshot is published via
// a Store or used as an overlay base_sigma.
func (s *Snapshot) Seal(version uint64) {
	s.Version = version

	h := blake3.New(32, nil)
	var buf [8]byte
	for id := uint64(0); id < s.next; id++ {
		binary.LittleEndian.PutUint64(buf[:], id)
		h.Write(buf[:])
		h.Write([]byte(s.ids[id]))
	}
	for _, t := range s.triples {
		binary.LittleEndian.PutUint64(buf[:], t.Subject)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], t.Predicate)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], t.Object)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], t.Graph)
		h.Write(buf[:])
	}
	sum := h.Sum(nil)
	copy(s.ContentHash[:], sum)
}

// CacheKey returns the xxhash of the snapshot's content hash, a fast
// non-cryptographic 64-bit key for lookup tables. The admission router's
// locality predictor does not use it; that cache is keyed by each
// delta's complexity signature.
func (s *Snapshot) CacheKey() uint64 {
	return xxhash.Sum64(s.ContentHash[:])
}

// Store holds the currently-active Snapshot and publishes new ones
// atomically. Readers never block behind a writer building the next
// snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serializes publishers only
}

// NewStore returns a Store seeded with an empty, sealed Snapshot.
func NewStore() *Store {
	st := &Store{}
	s := NewSnapshot()
	s.Seal(0)
	st.current.Store(s)
	return st
}

// Current returns the active snapshot.
func (st *Store) Current() *Snapshot {
	return st.current.Load()
}

// Publish atomically swaps in next, provided next.Version is strictly
// greater than the currently active snapshot's version. It returns false
// (without error — concurrent publishers racing a generation bump is a
// routine outcome) if next is stale.
func (st *Store) Publish(next *Snapshot) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur := st.current.Load()
	if next.Version <= cur.Version {
		return false
	}
	st.current.Store(next)
	return true
}
