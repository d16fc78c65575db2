// Package resource implements YAWL-style resource allocation policies for
// the pattern executor: four-eyes (dual approval), chained, round-robin,
// shortest-queue, role-based, and capability-based assignment. It is
// grounded on original_source/rust/knhk-workflow-engine/src/resource's
// ResourceAllocator, ported to Go's sync.RWMutex-guarded-map idiom the
// teacher's pkg/tenant.TenantManager uses for its own registries.
package resource

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID identifies a resource (user, system, or agent).
type ID uuid.UUID

// NewID returns a fresh random resource ID.
func NewID() ID {
	return ID(uuid.New())
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Role is a named role a resource may hold.
type Role struct {
	ID   string
	Name string
}

// Capability is a named, leveled skill a resource may have.
type Capability struct {
	ID    string
	Name  string
	Level uint8 // 0-100
}

// Resource is an allocatable actor: a user, system, or agent.
type Resource struct {
	ID           ID
	Name         string
	Roles        []Role
	Capabilities []Capability
	Workload     uint32
	QueueLength  uint32
	Available    bool
}

// Policy selects the allocation algorithm.
type Policy string

const (
	PolicyFourEyes         Policy = "FourEyes"
	PolicyChained          Policy = "Chained"
	PolicyRoundRobin       Policy = "RoundRobin"
	PolicyShortestQueue    Policy = "ShortestQueue"
	PolicyRoleBased        Policy = "RoleBased"
	PolicyCapabilityBased  Policy = "CapabilityBased"
	PolicyManual           Policy = "Manual"
)

// Request is a request to allocate one or more resources to a task.
type Request struct {
	TaskID               string
	SpecID               string
	RequiredRoles        []string
	RequiredCapabilities []string
	Policy               Policy
	Priority             uint8
}

// Result is the outcome of a successful allocation.
type Result struct {
	ResourceIDs []ID
	AllocatedAt time.Time
	Policy      Policy
}

// ErrResourceUnavailable is returned when a request cannot be satisfied;
// the executor parks the task on this error rather than failing the case.
type ErrResourceUnavailable struct {
	Reason string
}

func (e *ErrResourceUnavailable) Error() string {
	return fmt.Sprintf("resource unavailable: %s", e.Reason)
}

// Allocator tracks registered resources and the per-policy rotation state
// chained/round-robin allocation needs across calls.
type Allocator struct {
	mu        sync.RWMutex
	resources map[ID]*Resource

	roundRobinMu sync.Mutex
	roundRobin   map[string][]ID

	chainedMu sync.Mutex
	chained   map[string][]ID
}

// NewAllocator returns an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		resources:  make(map[ID]*Resource),
		roundRobin: make(map[string][]ID),
		chained:    make(map[string][]ID),
	}
}

// Register adds or replaces a resource.
func (a *Allocator) Register(r Resource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := r
	a.resources[r.ID] = &cp
}

// Get returns a copy of the named resource.
func (a *Allocator) Get(id ID) (Resource, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.resources[id]
	if !ok {
		return Resource{}, &ErrResourceUnavailable{Reason: fmt.Sprintf("resource %s not found", id)}
	}
	return *r, nil
}

// SetAvailability flips a resource's availability, e.g. on shift change.
func (a *Allocator) SetAvailability(id ID, available bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.resources[id]; ok {
		r.Available = available
	}
}

// UpdateWorkload adjusts a resource's workload and queue length by delta
// (negative to decrement on task completion), floored at zero.
func (a *Allocator) UpdateWorkload(id ID, delta int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.resources[id]
	if !ok {
		return
	}
	if delta >= 0 {
		r.Workload += uint32(delta)
		r.QueueLength += uint32(delta)
		return
	}
	dec := uint32(-delta)
	if dec > r.Workload {
		r.Workload = 0
	} else {
		r.Workload -= dec
	}
	if dec > r.QueueLength {
		r.QueueLength = 0
	} else {
		r.QueueLength -= dec
	}
}

// Allocate dispatches to the policy-specific allocation function.
func (a *Allocator) Allocate(req Request) (Result, error) {
	switch req.Policy {
	case PolicyFourEyes:
		return a.allocateFourEyes(req)
	case PolicyChained:
		return a.allocateChained(req)
	case PolicyRoundRobin:
		return a.allocateRoundRobin(req)
	case PolicyShortestQueue:
		return a.allocateShortestQueue(req)
	case PolicyRoleBased:
		return a.allocateRoleBased(req)
	case PolicyCapabilityBased:
		return a.allocateCapabilityBased(req)
	case PolicyManual:
		return Result{}, &ErrResourceUnavailable{Reason: "manual allocation required"}
	default:
		return Result{}, &ErrResourceUnavailable{Reason: fmt.Sprintf("unknown policy %q", req.Policy)}
	}
}

func (a *Allocator) candidates(req Request) []*Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*Resource
	for _, r := range a.resources {
		if !r.Available {
			continue
		}
		if !matchesRoles(r, req.RequiredRoles) {
			continue
		}
		if !matchesCapabilities(r, req.RequiredCapabilities) {
			continue
		}
		out = append(out, r)
	}
	// Stable order so Chained/RoundRobin rotation is deterministic across
	// calls for an unchanged resource set.
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (a *Allocator) allocateFourEyes(req Request) (Result, error) {
	cands := a.candidates(req)
	if len(cands) < 2 {
		return Result{}, &ErrResourceUnavailable{Reason: "four-eyes allocation needs at least 2 matching resources"}
	}
	return Result{
		ResourceIDs: []ID{cands[0].ID, cands[1].ID},
		AllocatedAt: time.Now(),
		Policy:      PolicyFourEyes,
	}, nil
}

func (a *Allocator) allocateChained(req Request) (Result, error) {
	cands := a.candidates(req)
	if len(cands) == 0 {
		return Result{}, &ErrResourceUnavailable{Reason: "no available resources for chained allocation"}
	}

	key := req.SpecID + ":" + req.TaskID
	a.chainedMu.Lock()
	defer a.chainedMu.Unlock()

	// Hand off to the candidate after the one this task was last given,
	// wrapping around; the first allocation starts at cands[0].
	chosen := cands[0].ID
	if chain := a.chained[key]; len(chain) > 0 {
		last := chain[len(chain)-1]
		for i, r := range cands {
			if r.ID == last {
				chosen = cands[(i+1)%len(cands)].ID
				break
			}
		}
	}
	a.chained[key] = []ID{chosen}

	return Result{ResourceIDs: []ID{chosen}, AllocatedAt: time.Now(), Policy: PolicyChained}, nil
}

func (a *Allocator) allocateRoundRobin(req Request) (Result, error) {
	cands := a.candidates(req)
	if len(cands) == 0 {
		return Result{}, &ErrResourceUnavailable{Reason: "no available resources for round-robin allocation"}
	}

	key := req.SpecID + ":" + req.TaskID
	a.roundRobinMu.Lock()
	defer a.roundRobinMu.Unlock()

	queue := a.roundRobin[key]
	if len(queue) == 0 {
		for _, r := range cands {
			queue = append(queue, r.ID)
		}
	}

	chosen := queue[0]
	queue = append(queue[1:], chosen)
	a.roundRobin[key] = queue

	return Result{ResourceIDs: []ID{chosen}, AllocatedAt: time.Now(), Policy: PolicyRoundRobin}, nil
}

func (a *Allocator) allocateShortestQueue(req Request) (Result, error) {
	cands := a.candidates(req)
	if len(cands) == 0 {
		return Result{}, &ErrResourceUnavailable{Reason: "no available resources for shortest-queue allocation"}
	}
	best := cands[0]
	for _, r := range cands[1:] {
		if r.QueueLength < best.QueueLength {
			best = r
		}
	}
	return Result{ResourceIDs: []ID{best.ID}, AllocatedAt: time.Now(), Policy: PolicyShortestQueue}, nil
}

func (a *Allocator) allocateRoleBased(req Request) (Result, error) {
	a.mu.RLock()
	var cands []*Resource
	for _, r := range a.resources {
		if r.Available && matchesRoles(r, req.RequiredRoles) {
			cands = append(cands, r)
		}
	}
	a.mu.RUnlock()
	if len(cands) == 0 {
		return Result{}, &ErrResourceUnavailable{Reason: "no resources with required roles"}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ID.String() < cands[j].ID.String() })
	return Result{ResourceIDs: []ID{cands[0].ID}, AllocatedAt: time.Now(), Policy: PolicyRoleBased}, nil
}

func (a *Allocator) allocateCapabilityBased(req Request) (Result, error) {
	a.mu.RLock()
	type scored struct {
		id    ID
		score int
	}
	var cands []scored
	for _, r := range a.resources {
		if !r.Available || !matchesCapabilities(r, req.RequiredCapabilities) {
			continue
		}
		score := 0
		for _, c := range r.Capabilities {
			if containsStr(req.RequiredCapabilities, c.ID) {
				score += int(c.Level)
			}
		}
		cands = append(cands, scored{id: r.ID, score: score})
	}
	a.mu.RUnlock()

	if len(cands) == 0 {
		return Result{}, &ErrResourceUnavailable{Reason: "no resources with required capabilities"}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].id.String() < cands[j].id.String()
	})
	return Result{ResourceIDs: []ID{cands[0].id}, AllocatedAt: time.Now(), Policy: PolicyCapabilityBased}, nil
}

func matchesRoles(r *Resource, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, have := range r.Roles {
			if have.ID == want {
				return true
			}
		}
	}
	return false
}

func matchesCapabilities(r *Resource, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		found := false
		for _, have := range r.Capabilities {
			if have.ID == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsID(rs []*Resource, id ID) bool {
	for _, r := range rs {
		if r.ID == id {
			return true
		}
	}
	return false
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
