package sigma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

func TestSnapshotInternIsStable(t *testing.T) {
	s := NewSnapshot()
	a := s.Intern("http://example.org/alice")
	b := s.Intern("http://example.org/alice")
	assert.Equal(t, a, b)

	term, ok := s.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "http://example.org/alice", term)
}

func TestSnapshotLookupUnboundIsAlwaysMissing(t *testing.T) {
	s := NewSnapshot()
	_, ok := s.Lookup(kerntypes.UnboundTermID)
	assert.False(t, ok)
}

func TestSealIsDeterministicForSameInserts(t *testing.T) {
	build := func() *Snapshot {
		s := NewSnapshot()
		et := s.Encode(kerntypes.Triple{Subject: "s", Predicate: "p", Object: "o"})
		s.Insert(et)
		s.Seal(1)
		return s
	}
	a := build()
	b := build()
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, a.CacheKey(), b.CacheKey())
}

func TestSealChangesWithContent(t *testing.T) {
	s1 := NewSnapshot()
	s1.Insert(s1.Encode(kerntypes.Triple{Subject: "s1", Predicate: "p", Object: "o"}))
	s1.Seal(1)

	s2 := NewSnapshot()
	s2.Insert(s2.Encode(kerntypes.Triple{Subject: "s2", Predicate: "p", Object: "o"}))
	s2.Seal(1)

	assert.NotEqual(t, s1.ContentHash, s2.ContentHash)
}

func TestStorePublishRejectsStaleVersions(t *testing.T) {
	st := NewStore()

	next := NewSnapshot()
	next.Seal(1)
	require.True(t, st.Publish(next))
	assert.Equal(t, uint64(1), st.Current().Version)

	stale := NewSnapshot()
	stale.Seal(1)
	assert.False(t, st.Publish(stale))
	assert.Equal(t, uint64(1), st.Current().Version)

	newer := NewSnapshot()
	newer.Seal(2)
	assert.True(t, st.Publish(newer))
	assert.Equal(t, uint64(2), st.Current().Version)
}
