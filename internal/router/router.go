// Package router implements the admission router: the decision tree that
// classifies an incoming delta as R1 (hot), W1 (warm), or C1 (cold),
// consulting the hook registry and a locality predictor. It is grounded
// on the teacher's pkg/circuit breaker's three-phase lock discipline
// (pre-check under lock, execute without holding it, post-register
// under lock) adapted to the admission decision tree.
package router

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/mdzesseis/knhkd/internal/hooks"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
	"github.com/mdzesseis/knhkd/internal/telemetry/tracing"
)

var tracer = otel.Tracer("knhkd.router")

// Tier is the placement decision's target tier.
type Tier string

const (
	TierR1 Tier = "R1" // hot
	TierW1 Tier = "W1" // warm
	TierC1 Tier = "C1" // cold
)

// ParkReason explains why a delta was parked rather than admitted.
type ParkReason string

const (
	ReasonWarmPathRequired ParkReason = "WarmPathRequired"
	ReasonBudgetExceeded   ParkReason = "BudgetExceeded"
	ReasonColdCache        ParkReason = "ColdCache"
	ReasonPoisonedPredictor ParkReason = "PoisonedPredictor"
)

// Decision is the router's admit/park outcome.
type Decision struct {
	Admitted bool
	Tier     Tier
	Reason   ParkReason // zero value when Admitted
	Tick     int
	EstTicks int
}

// ChatmanConstantTicks is tau, the hot-path budget (kept in sync with
// overlay.ChatmanConstantTicks; duplicated here rather than imported to
// avoid a router->overlay dependency the router doesn't otherwise need).
const ChatmanConstantTicks = 8

const (
	warmBaselineTicks     = 200
	coldCachePenaltyTicks = 50
	coldCacheThreshold    = 8 // fewer than this many encoded triples is still warm, not cold
)

// Router holds the predictor and makes admission decisions. It carries
// no mutable state of its own beyond what Predictor owns and the
// per-tier admit/park counters used to report ParkRatio.
type Router struct {
	predictor *Predictor
	registry  *hooks.Registry
	log       *logrus.Logger

	admitted map[Tier]*int64
	parked   map[Tier]*int64
}

// New returns a Router backed by predictor.
func New(predictor *Predictor, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.New()
	}
	r := &Router{
		predictor: predictor,
		log:       log,
		admitted:  make(map[Tier]*int64),
		parked:    make(map[Tier]*int64),
	}
	for _, t := range []Tier{TierR1, TierW1, TierC1} {
		r.admitted[t] = new(int64)
		r.parked[t] = new(int64)
	}
	return r
}

// SetHookRegistry wires the hook registry that Admit consults for each
// triple's predicate (see consultHookRegistry). A nil registry (the default)
// skips hook consultation entirely rather than treating it as failure.
func (r *Router) SetHookRegistry(registry *hooks.Registry) {
	r.registry = registry
}

// Admit runs the spec.md §4.H decision tree against delta, at the
// current tick.
func (r *Router) Admit(delta kerntypes.Delta, tick int) Decision {
	span, _ := tracing.Start(context.Background(), tracer, "knhkd.router.admit")
	defer span.End()

	r.consultHookRegistry(delta)

	dec := r.admit(delta, tick)

	span.SetAttribute("tier", string(dec.Tier))
	span.SetAttribute("admitted", dec.Admitted)
	r.recordOutcome(dec)
	return dec
}

func (r *Router) admit(delta kerntypes.Delta, tick int) Decision {
	if delta.RequiresConstruct() {
		return Decision{Tier: TierW1, Reason: ReasonWarmPathRequired, Tick: tick, EstTicks: warmBaselineTicks}
	}

	est, poisoned := r.predictor.Estimate(delta)
	if poisoned {
		// Fail safe: an un-proved delta may never reach R1.
		return Decision{Tier: TierW1, Reason: ReasonPoisonedPredictor, Tick: tick, EstTicks: warmBaselineTicks}
	}

	if est > ChatmanConstantTicks {
		return Decision{Tier: TierW1, Reason: ReasonBudgetExceeded, Tick: tick, EstTicks: est}
	}

	if len(delta.EncodedTriples) >= coldCacheThreshold {
		return Decision{Tier: TierW1, Reason: ReasonColdCache, Tick: tick, EstTicks: est + coldCachePenaltyTicks}
	}

	return Decision{Admitted: true, Tier: TierR1, Tick: tick, EstTicks: est}
}

// consultHookRegistry looks up the registered kernel for every triple's
// predicate and records each lookup as a hook invocation. It does not
// evaluate guards, and the admission decision does not depend on it.
func (r *Router) consultHookRegistry(delta kerntypes.Delta) {
	if r.registry == nil {
		return
	}
	for _, t := range delta.Triples {
		predicateID := xxhash.Sum64String(t.Predicate)
		kernel := r.registry.GetKernel(predicateID)
		metrics.RecordHookInvocation(strconv.FormatUint(predicateID, 10), string(kernel))
	}
}

func (r *Router) recordOutcome(d Decision) {
	if d.Admitted {
		atomic.AddInt64(r.admitted[d.Tier], 1)
	} else {
		atomic.AddInt64(r.parked[d.Tier], 1)
	}
	admitted := atomic.LoadInt64(r.admitted[d.Tier])
	parked := atomic.LoadInt64(r.parked[d.Tier])
	total := admitted + parked
	if total == 0 {
		return
	}
	metrics.SetParkRatio(string(d.Tier), float64(parked)/float64(total))
}
