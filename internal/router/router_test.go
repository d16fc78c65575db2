package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

func newTestRouter() *Router {
	return New(NewPredictor(16), nil)
}

func TestAdmitParksConstructRequired(t *testing.T) {
	r := newTestRouter()
	d := kerntypes.Delta{Operation: kerntypes.OpConstruct}
	dec := r.Admit(d, 0)
	assert.False(t, dec.Admitted)
	assert.Equal(t, TierW1, dec.Tier)
	assert.Equal(t, ReasonWarmPathRequired, dec.Reason)
}

func TestAdmitParksBudgetExceeded(t *testing.T) {
	r := newTestRouter()
	triples := make([]kerntypes.Triple, 50)
	d := kerntypes.Delta{Triples: triples}
	dec := r.Admit(d, 0)
	assert.False(t, dec.Admitted)
	assert.Equal(t, ReasonBudgetExceeded, dec.Reason)
}

func TestAdmitParksColdCache(t *testing.T) {
	r := newTestRouter()
	encoded := make([]kerntypes.EncodedTriple, 8)
	d := kerntypes.Delta{EncodedTriples: encoded}
	dec := r.Admit(d, 0)
	assert.False(t, dec.Admitted)
	assert.Equal(t, ReasonColdCache, dec.Reason)
}

func TestAdmitAllowsSmallSimpleDelta(t *testing.T) {
	r := newTestRouter()
	d := kerntypes.Delta{Triples: []kerntypes.Triple{{Subject: "s", Predicate: "p", Object: "o"}}, Operation: kerntypes.OpAsk}
	dec := r.Admit(d, 0)
	assert.True(t, dec.Admitted)
	assert.Equal(t, TierR1, dec.Tier)
}

func TestPredictorCachesByComplexitySignature(t *testing.T) {
	p := NewPredictor(4)
	d := kerntypes.Delta{Triples: []kerntypes.Triple{{Subject: "a"}}}
	e1, poisoned1 := p.Estimate(d)
	e2, poisoned2 := p.Estimate(d)
	assert.False(t, poisoned1)
	assert.False(t, poisoned2)
	assert.Equal(t, e1, e2)
}

func TestPredictorEvictsLRU(t *testing.T) {
	p := NewPredictor(2)
	d1 := kerntypes.Delta{Triples: make([]kerntypes.Triple, 1)}
	d2 := kerntypes.Delta{Triples: make([]kerntypes.Triple, 2)}
	d3 := kerntypes.Delta{Triples: make([]kerntypes.Triple, 3)}

	p.Estimate(d1)
	p.Estimate(d2)
	p.Estimate(d3) // evicts d1's entry

	assert.Equal(t, 2, p.ll.Len())
}

func TestPredictorResetClearsPoisonAndCache(t *testing.T) {
	p := NewPredictor(4)
	p.poisoned = true
	p.Reset()
	_, poisoned := p.Estimate(kerntypes.Delta{})
	assert.False(t, poisoned)
}
