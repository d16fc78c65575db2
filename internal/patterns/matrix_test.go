package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

func TestIdentifyBaseANDCombination(t *testing.T) {
	id, ok := Identify(Key{Split: kerntypes.SplitAND, Join: kerntypes.JoinAND}, false, nil)
	assert.True(t, ok)
	assert.Equal(t, 2, id)
}

func TestIdentifyExclusiveChoice(t *testing.T) {
	id, ok := Identify(Key{Split: kerntypes.SplitXOR, Join: kerntypes.JoinXOR, HasPredicate: true}, false, nil)
	assert.True(t, ok)
	assert.Equal(t, 4, id)
}

func TestIdentifyDiscriminator(t *testing.T) {
	id, ok := Identify(Key{Split: kerntypes.SplitAND, Join: kerntypes.JoinDiscriminator}, false, nil)
	assert.True(t, ok)
	assert.Equal(t, 9, id)
}

func TestIdentifyArbitraryCycle(t *testing.T) {
	id, ok := Identify(Key{Split: kerntypes.SplitAND, Join: kerntypes.JoinAND, HasBackward: true}, false, nil)
	assert.True(t, ok)
	assert.Equal(t, 11, id)
}

func TestIdentifyCancelFamily(t *testing.T) {
	id, ok := Identify(Key{Split: kerntypes.SplitOR, Join: kerntypes.JoinOR, HasCancel: true}, false, nil)
	assert.True(t, ok)
	assert.Equal(t, 19, id)
}

func TestIdentifyMilestone(t *testing.T) {
	id, ok := Identify(Key{Split: kerntypes.SplitAND, Join: kerntypes.JoinAND, HasMilestone: true}, false, nil)
	assert.True(t, ok)
	assert.Equal(t, 27, id)
}

func TestIdentifyUnsupportedFallsBackToSequence(t *testing.T) {
	weird := Key{Split: kerntypes.SplitOR, Join: kerntypes.JoinXOR, HasBackward: false, HasCancel: false, HasMilestone: false, HasPredicate: false}
	id, ok := Identify(weird, false, nil)
	assert.True(t, ok)
	assert.Equal(t, 1, id)
}

func TestIdentifyUnsupportedIsErrorWhenConfigured(t *testing.T) {
	weird := Key{Split: kerntypes.SplitOR, Join: kerntypes.JoinXOR}
	_, ok := Identify(weird, true, nil)
	assert.False(t, ok)
}

func TestIdentifyIsDeterministic(t *testing.T) {
	k := Key{Split: kerntypes.SplitXOR, Join: kerntypes.JoinXOR, HasPredicate: true}
	a, _ := Identify(k, false, nil)
	b, _ := Identify(k, false, nil)
	assert.Equal(t, a, b)
}
