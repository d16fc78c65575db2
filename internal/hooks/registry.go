// Package hooks implements the hook registry: a predicate-indexed table
// of validation kernels and guard functions, bounded at tau <= 8 ticks
// and enforced at ingress. One hook is registered per predicate id.
package hooks

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/knhkd/internal/kernelerr"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

// KernelKind identifies which validation kernel a hook dispatches to.
type KernelKind string

const (
	KernelAskSp      KernelKind = "AskSp"
	KernelCountSpGe  KernelKind = "CountSpGe"
	KernelValidateSp KernelKind = "ValidateSp"
)

// GuardFunc is a pure predicate over a triple. Guards must never carry
// side effects. The registry does not check a guard's tick budget at
// registration; proving that bound is the caller's responsibility (the
// compiler proof attached to a HotSafe overlay), since this registry
// cannot verify it without executing the guard.
type GuardFunc func(t kerntypes.Triple) bool

// Hook is one registered predicate's validation and guard configuration.
type Hook struct {
	ID          string
	PredicateID uint64
	Kernel      KernelKind
	Guard       GuardFunc
	Invariants  []string
	CompiledAt  int64
	Hash        [32]byte
}

// Registry is the hook table. Reads (GetKernel, CheckGuard, ListHooks)
// are concurrent; Register/Unregister take the exclusive write lock.
type Registry struct {
	log *logrus.Logger

	mu      sync.RWMutex
	hooks   map[uint64]*Hook
	default_ KernelKind
}

// NewRegistry returns an empty Registry that falls back to
// defaultKernel for any predicate with no registered hook.
func NewRegistry(log *logrus.Logger, defaultKernel KernelKind) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		log:      log,
		hooks:    make(map[uint64]*Hook),
		default_: defaultKernel,
	}
}

// Register adds a hook for predicateID. It fails with DuplicatePredicate
// if one is already registered.
func (r *Registry) Register(predicateID uint64, kernel KernelKind, guard GuardFunc, invariants []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hooks[predicateID]; exists {
		return "", kernelerr.New(kernelerr.CodeDuplicatePredicate, "hooks", "Register",
			"a hook is already registered for this predicate id")
	}

	id := hookID(predicateID)
	h := &Hook{
		ID:          id,
		PredicateID: predicateID,
		Kernel:      kernel,
		Guard:       guard,
		Invariants:  append([]string{}, invariants...),
		CompiledAt:  nowTick(),
		Hash:        hashHook(predicateID, kernel, invariants),
	}
	r.hooks[predicateID] = h

	r.log.WithFields(logrus.Fields{
		"predicate_id": predicateID,
		"kernel":       kernel,
		"hook_id":      id,
	}).Debug("hook registered")

	return id, nil
}

// Unregister removes the hook for predicateID, if any.
func (r *Registry) Unregister(predicateID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, predicateID)
}

// GetKernel returns the registered kernel for predicateID, or the
// registry's default if none is registered.
func (r *Registry) GetKernel(predicateID uint64) KernelKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.hooks[predicateID]; ok {
		return h.Kernel
	}
	return r.default_
}

// CheckGuard evaluates the guard registered for predicateID against t.
// It is conservative: an unregistered predicate always returns false.
func (r *Registry) CheckGuard(predicateID uint64, t kerntypes.Triple) bool {
	r.mu.RLock()
	h, ok := r.hooks[predicateID]
	r.mu.RUnlock()
	if !ok || h.Guard == nil {
		return false
	}
	return h.Guard(t)
}

// Get returns the full hook record for predicateID, or NoHookFound.
func (r *Registry) Get(predicateID uint64) (*Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[predicateID]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeNoHookFound, "hooks", "Get",
			"no hook registered for this predicate id")
	}
	return h, nil
}

// ListHooks returns a snapshot slice of all registered hooks.
func (r *Registry) ListHooks() []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	return out
}

// And combines two guards: both must pass.
func And(a, b GuardFunc) GuardFunc {
	return func(t kerntypes.Triple) bool { return a(t) && b(t) }
}

// Or combines two guards: either may pass.
func Or(a, b GuardFunc) GuardFunc {
	return func(t kerntypes.Triple) bool { return a(t) || b(t) }
}
