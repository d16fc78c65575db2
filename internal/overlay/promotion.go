package overlay

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/mdzesseis/knhkd/internal/kernelerr"
	"github.com/mdzesseis/knhkd/internal/sigma"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
	"github.com/mdzesseis/knhkd/internal/telemetry/tracing"
)

var tracer = otel.Tracer("knhkd.overlay")

// HotSafeOverlay, WarmSafeOverlay, and ColdUnsafeOverlay are distinct
// wrapper types standing in for Rust's SafeProof<Class, P> phantom type.
// Go has no phantom types, so the safety-class tag is encoded as three
// distinct types with three distinct promotion entry points below: no
// well-typed caller can construct a ColdUnsafeOverlay and hand it to
// PromoteHot, because PromoteHot's parameter type is HotSafeOverlay.
// AsHotSafe and AsWarmSafe validate the overlay against its class before
// wrapping it; the promotion entry points do not validate again, so a
// wrapper built directly inside this package bypasses that check.
type HotSafeOverlay struct{ inner *Overlay }

type WarmSafeOverlay struct{ inner *Overlay }

type ColdUnsafeOverlay struct{ inner *Overlay }

// AsHotSafe validates o against the HotSafe class and wraps it if it
// qualifies: timing_bound <= tau and the "no-allocation" invariant is
// present.
func AsHotSafe(o *Overlay) (HotSafeOverlay, error) {
	if err := o.Validate(HotSafe); err != nil {
		return HotSafeOverlay{}, err
	}
	if !containsString(o.Proof.InvariantsPreserved, NoAllocationInvariantID) {
		return HotSafeOverlay{}, kernelerr.New(kernelerr.CodeInvariantViolation, "overlay", "AsHotSafe",
			"HotSafe overlay must preserve the no-allocation invariant")
	}
	return HotSafeOverlay{inner: o}, nil
}

// AsWarmSafe validates o with Validate(WarmSafe): a non-empty invariant
// list, full change coverage, and a non-empty signature. It does not
// compare the proof's timing bound with the warm budget; only HotSafe
// has a timing check.
func AsWarmSafe(o *Overlay) (WarmSafeOverlay, error) {
	if err := o.Validate(WarmSafe); err != nil {
		return WarmSafeOverlay{}, err
	}
	return WarmSafeOverlay{inner: o}, nil
}

// AsColdUnsafe wraps o with no safety guarantee. ColdUnsafe overlays are
// lab-only and LoadCold refuses them outside debug builds.
func AsColdUnsafe(o *Overlay) ColdUnsafeOverlay {
	return ColdUnsafeOverlay{inner: o}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// RolloutKind enumerates WarmSafe promotion rollout strategies.
type RolloutKind string

const (
	RolloutImmediate RolloutKind = "Immediate"
	RolloutCanary    RolloutKind = "Canary"
	RolloutBlueGreen RolloutKind = "BlueGreen"
	RolloutABTest    RolloutKind = "ABTest"
)

// Rollout is the rollout policy parameter for PromoteWarm.
type Rollout struct {
	Kind RolloutKind

	// Canary
	InitPct float64
	StepPct float64
	WaitS   int64

	// BlueGreen
	BlueGreenWaitS int64

	// ABTest
	TreatmentPct float64
	DurS         int64
}

// Promoter owns the live Σ* store and the in-flight rollout state. It is
// the only component permitted to swap Σ*; everything else reads through
// sigma.Store.Current().
type Promoter struct {
	store *sigma.Store

	// AllowCold mirrors config.Config.AllowColdInProduction; LoadCold
	// refuses unless this is true (a stand-in for "outside debug
	// builds" — a production KHK deployment sets this false).
	AllowCold bool

	mu        sync.Mutex
	inCanary  bool
	canaryPct float64
}

// NewPromoter returns a Promoter bound to store.
func NewPromoter(store *sigma.Store, allowCold bool) *Promoter {
	return &Promoter{store: store, AllowCold: allowCold}
}

// PromoteHot performs an atomic Σ* pointer swap. It is total on
// HotSafeOverlay and accepts no other type, per spec.md §4.D's
// requirement that the safety class be enforced at the type level.
func (p *Promoter) PromoteHot(o HotSafeOverlay) error {
	span, _ := tracing.Start(context.Background(), tracer, "knhkd.overlay.promote")
	span.SetAttribute("class", string(HotSafe))
	defer span.End()

	base := p.store.Current()
	next, err := ApplyTo(base, o.inner)
	if err != nil {
		span.SetError(err)
		metrics.RecordOverlayPromotion(string(HotSafe), "error")
		return err
	}
	if !p.store.Publish(next) {
		err := kernelerr.New(kernelerr.CodeIncompatibleBase, "overlay", "PromoteHot",
			"base_sigma is stale; another promotion already advanced Sigma*")
		span.SetError(err)
		metrics.RecordOverlayPromotion(string(HotSafe), "error")
		return err
	}
	metrics.RecordOverlayPromotion(string(HotSafe), "ok")
	return nil
}

// PromoteWarm applies a WarmSafeOverlay under the given rollout policy.
// During a Canary or ABTest rollout, both Σ* and Σ*' remain live; this
// implementation models that by publishing Σ*' immediately (since
// sigma.Store itself has no traffic-splitting concept) while recording
// the rollout's fractional state for callers (e.g. the router) that want
// to consult RolloutFraction before deciding which snapshot to evaluate
// a delta against.
func (p *Promoter) PromoteWarm(o WarmSafeOverlay, rollout Rollout) error {
	span, _ := tracing.Start(context.Background(), tracer, "knhkd.overlay.promote")
	span.SetAttribute("class", string(WarmSafe))
	span.SetAttribute("rollout", describeRollout(rollout))
	defer span.End()

	base := p.store.Current()
	next, err := ApplyTo(base, o.inner)
	if err != nil {
		span.SetError(err)
		metrics.RecordOverlayPromotion(string(WarmSafe), "error")
		return err
	}

	p.mu.Lock()
	switch rollout.Kind {
	case RolloutCanary:
		p.inCanary = true
		p.canaryPct = rollout.InitPct
	case RolloutABTest:
		p.inCanary = true
		p.canaryPct = rollout.TreatmentPct
	default:
		p.inCanary = false
		p.canaryPct = 100
	}
	canaryPct := p.canaryPct
	p.mu.Unlock()
	metrics.SetCanaryRolloutFraction(canaryPct)

	if !p.store.Publish(next) {
		p.mu.Lock()
		p.inCanary = false
		p.mu.Unlock()
		err := kernelerr.New(kernelerr.CodeIncompatibleBase, "overlay", "PromoteWarm",
			"base_sigma is stale; rebase the overlay onto the current Sigma*")
		span.SetError(err)
		metrics.RecordOverlayPromotion(string(WarmSafe), "error")
		return err
	}
	metrics.RecordOverlayPromotion(string(WarmSafe), "ok")
	return nil
}

// AdvanceCanary steps an in-flight canary forward by stepPct, or
// completes it once the fraction reaches 100. Nothing in the kernel calls
// it: MAPE-K's Execute stage starts a canary through PromoteWarm but does
// not advance it.
func (p *Promoter) AdvanceCanary(stepPct float64) (done bool) {
	p.mu.Lock()
	if !p.inCanary {
		p.mu.Unlock()
		return true
	}
	p.canaryPct += stepPct
	if p.canaryPct >= 100 {
		p.canaryPct = 100
		p.inCanary = false
		done = true
	}
	canaryPct := p.canaryPct
	p.mu.Unlock()

	metrics.SetCanaryRolloutFraction(canaryPct)
	return done
}

// RolloutFraction reports the current traffic fraction routed to Σ*'
// during an in-flight canary/AB-test rollout, or 100 when none is active.
func (p *Promoter) RolloutFraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inCanary {
		return 100
	}
	return p.canaryPct
}

// RollbackCanary aborts an in-flight canary, restoring full traffic to
// the pre-canary Σ* is the caller's responsibility (it must Publish a
// snapshot with a higher version carrying the rollback); this method
// only clears the Promoter's bookkeeping.
func (p *Promoter) RollbackCanary() {
	p.mu.Lock()
	p.inCanary = false
	p.canaryPct = 0
	p.mu.Unlock()
	metrics.SetCanaryRolloutFraction(0)
}

// LoadCold applies a ColdUnsafeOverlay with no safety guarantee. It
// refuses unless AllowCold is set, which a production deployment never
// sets.
func (p *Promoter) LoadCold(o ColdUnsafeOverlay) error {
	span, _ := tracing.Start(context.Background(), tracer, "knhkd.overlay.promote")
	span.SetAttribute("class", string(ColdUnsafe))
	defer span.End()

	if !p.AllowCold {
		err := kernelerr.New(kernelerr.CodeColdNotAllowedInProd, "overlay", "LoadCold",
			"cold overlays are refused outside debug builds")
		span.SetError(err)
		metrics.RecordOverlayPromotion(string(ColdUnsafe), "error")
		return err
	}
	base := p.store.Current()
	next, err := ApplyTo(base, o.inner)
	if err != nil {
		span.SetError(err)
		metrics.RecordOverlayPromotion(string(ColdUnsafe), "error")
		return err
	}
	if !p.store.Publish(next) {
		err := kernelerr.New(kernelerr.CodeIncompatibleBase, "overlay", "LoadCold",
			"base_sigma is stale")
		span.SetError(err)
		metrics.RecordOverlayPromotion(string(ColdUnsafe), "error")
		return err
	}
	metrics.RecordOverlayPromotion(string(ColdUnsafe), "ok")
	return nil
}

// describeRollout is used by structured logging call sites to render a
// rollout policy without leaking internal field layout.
func describeRollout(r Rollout) string {
	switch r.Kind {
	case RolloutCanary:
		return fmt.Sprintf("Canary{init=%.1f%%,step=%.1f%%,wait=%ds}", r.InitPct, r.StepPct, r.WaitS)
	case RolloutBlueGreen:
		return fmt.Sprintf("BlueGreen{wait=%ds}", r.BlueGreenWaitS)
	case RolloutABTest:
		return fmt.Sprintf("ABTest{treatment=%.1f%%,dur=%ds}", r.TreatmentPct, r.DurS)
	default:
		return "Immediate"
	}
}
