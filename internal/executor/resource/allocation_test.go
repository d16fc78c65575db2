package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approver(name string) Resource {
	return Resource{
		ID:        NewID(),
		Name:      name,
		Roles:     []Role{{ID: "approver", Name: "Approver"}},
		Available: true,
	}
}

func TestFourEyesRequiresTwoDistinctResources(t *testing.T) {
	a := NewAllocator()
	a.Register(approver("r1"))
	a.Register(approver("r2"))

	res, err := a.Allocate(Request{TaskID: "t1", Policy: PolicyFourEyes, RequiredRoles: []string{"approver"}})
	require.NoError(t, err)
	require.Len(t, res.ResourceIDs, 2)
	assert.NotEqual(t, res.ResourceIDs[0], res.ResourceIDs[1])
}

func TestFourEyesFailsWithOnlyOneCandidate(t *testing.T) {
	a := NewAllocator()
	a.Register(approver("solo"))

	_, err := a.Allocate(Request{TaskID: "t1", Policy: PolicyFourEyes, RequiredRoles: []string{"approver"}})
	assert.Error(t, err)
	var target *ErrResourceUnavailable
	assert.ErrorAs(t, err, &target)
}

func TestRoundRobinRotatesThroughAllCandidates(t *testing.T) {
	a := NewAllocator()
	for i := 0; i < 3; i++ {
		a.Register(Resource{ID: NewID(), Available: true})
	}
	req := Request{TaskID: "t1", SpecID: "s1", Policy: PolicyRoundRobin}

	seen := map[ID]int{}
	for i := 0; i < 6; i++ {
		res, err := a.Allocate(req)
		require.NoError(t, err)
		require.Len(t, res.ResourceIDs, 1)
		seen[res.ResourceIDs[0]]++
	}
	assert.Len(t, seen, 3)
	for _, count := range seen {
		assert.Equal(t, 2, count)
	}
}

func TestChainedHandsOffToNextResource(t *testing.T) {
	a := NewAllocator()
	for i := 0; i < 2; i++ {
		a.Register(Resource{ID: NewID(), Available: true})
	}
	req := Request{TaskID: "t1", SpecID: "s1", Policy: PolicyChained}

	first, err := a.Allocate(req)
	require.NoError(t, err)
	second, err := a.Allocate(req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ResourceIDs[0], second.ResourceIDs[0])
}

func TestShortestQueuePicksLowestQueueLength(t *testing.T) {
	a := NewAllocator()
	busy := Resource{ID: NewID(), Available: true, QueueLength: 5}
	idle := Resource{ID: NewID(), Available: true, QueueLength: 1}
	a.Register(busy)
	a.Register(idle)

	res, err := a.Allocate(Request{TaskID: "t1", Policy: PolicyShortestQueue})
	require.NoError(t, err)
	assert.Equal(t, idle.ID, res.ResourceIDs[0])
}

func TestRoleBasedFiltersByAnyRequiredRole(t *testing.T) {
	a := NewAllocator()
	a.Register(Resource{ID: NewID(), Available: true, Roles: []Role{{ID: "clerk"}}})
	wanted := approver("approver-1")
	a.Register(wanted)

	res, err := a.Allocate(Request{TaskID: "t1", Policy: PolicyRoleBased, RequiredRoles: []string{"approver"}})
	require.NoError(t, err)
	assert.Equal(t, wanted.ID, res.ResourceIDs[0])
}

func TestCapabilityBasedRequiresAllCapabilitiesAndPicksHighestScore(t *testing.T) {
	a := NewAllocator()
	weak := Resource{
		ID: NewID(), Available: true,
		Capabilities: []Capability{{ID: "rust", Level: 10}, {ID: "go", Level: 10}},
	}
	strong := Resource{
		ID: NewID(), Available: true,
		Capabilities: []Capability{{ID: "rust", Level: 80}, {ID: "go", Level: 90}},
	}
	missing := Resource{
		ID: NewID(), Available: true,
		Capabilities: []Capability{{ID: "rust", Level: 100}},
	}
	a.Register(weak)
	a.Register(strong)
	a.Register(missing)

	res, err := a.Allocate(Request{TaskID: "t1", Policy: PolicyCapabilityBased, RequiredCapabilities: []string{"rust", "go"}})
	require.NoError(t, err)
	assert.Equal(t, strong.ID, res.ResourceIDs[0])
}

func TestManualPolicyAlwaysFails(t *testing.T) {
	a := NewAllocator()
	_, err := a.Allocate(Request{TaskID: "t1", Policy: PolicyManual})
	assert.Error(t, err)
}

func TestUpdateWorkloadFloorsAtZero(t *testing.T) {
	a := NewAllocator()
	id := NewID()
	a.Register(Resource{ID: id, Available: true})

	a.UpdateWorkload(id, -5)
	r, err := a.Get(id)
	require.NoError(t, err)
	assert.Zero(t, r.Workload)
	assert.Zero(t, r.QueueLength)
}

func TestSetAvailabilityExcludesResourceFromAllocation(t *testing.T) {
	a := NewAllocator()
	id := NewID()
	a.Register(Resource{ID: id, Available: true})
	a.SetAvailability(id, false)

	_, err := a.Allocate(Request{TaskID: "t1", Policy: PolicyShortestQueue})
	assert.Error(t, err)
}
