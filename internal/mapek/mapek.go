// Package mapek implements the Monitor/Analyze/Plan/Execute/Knowledge
// feedback loop (spec.md §4.I): it tails Γ for SLO-relevant signals,
// compares them against a moving baseline, proposes promotion-ready
// overlays, drives them through the promotion API at the right safety
// class, and records the outcome to retrain its own thresholds. Monitor
// and Analyze generalize the teacher's pkg/slo.SLOManager (SLI/SLO
// evaluation against a moving baseline, alert-on-breach); Plan/Execute/
// Knowledge are new, grounded on the Rust kernel's knowledge-integration
// and coordination modules.
package mapek

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/overlay"
	"github.com/mdzesseis/knhkd/internal/receipts"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
)

// Signals is the Monitor stage's output: the tail-of-Γ statistics Analyze
// compares against the moving baseline.
type Signals struct {
	WindowReceipts    int
	ParkRatio         float64
	GuardViolations   int
	ErrorRatio        int
	LatencyP50Ticks   float64
	LatencyP99Ticks   float64
	PerPatternCount   map[int]int
}

// Baseline is Analyze's moving reference point, updated by Knowledge via
// an exponential moving average once per executed plan (a cycle whose
// regressions produce no plan leaves it unchanged) — the same shape
// the teacher's SLO manager keeps per-SLI, generalized across the whole
// signal vector instead of one query result per SLI.
type Baseline struct {
	ParkRatio       float64
	ErrorRatio      float64
	LatencyP99Ticks float64
}

func (b *Baseline) update(s Signals, alpha float64) {
	b.ParkRatio = ewma(b.ParkRatio, s.ParkRatio, alpha)
	b.ErrorRatio = ewma(b.ErrorRatio, float64(s.ErrorRatio), alpha)
	b.LatencyP99Ticks = ewma(b.LatencyP99Ticks, s.LatencyP99Ticks, alpha)
}

func ewma(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

// Regression is Analyze's verdict: which signal breached its threshold
// relative to the baseline, and by how much.
type Regression struct {
	Kind      string // "park_ratio", "error_ratio", "latency_p99"
	Observed  float64
	Baseline  float64
	Threshold float64
}

// Plan is Plan's output: a proposed overlay plus the rollout policy
// Execute should use, chosen from the regression that triggered it.
type Plan struct {
	Overlay  *overlay.Overlay
	Class    overlay.SafetyClass
	Rollout  overlay.Rollout
	Reason   string
}

// Outcome is what Knowledge records after Execute runs: the regression
// that triggered Plan, whether the overlay was promoted, and any
// promotion error. Knowledge retrains only the SLO baseline.
type Outcome struct {
	Regression Regression
	Promoted   bool
	Err        error
	ObservedAt time.Time
}

// PlanFunc proposes an overlay addressing regression; it is supplied by
// the caller since overlay authorship (compiler-derived or
// property-derived proof construction) is deployment-specific. A nil
// return means Plan declined to act this cycle.
type PlanFunc func(ctx context.Context, regression Regression, signals Signals) *Plan

// Loop drives one domain's MAPE-K cycle. It is single-threaded
// cooperative within a domain per spec.md §4.I; an operator runs one
// Loop per domain, and domains run concurrently via independent Loops.
type Loop struct {
	log        *logrus.Logger
	receiptLog *receipts.Log
	promoter   *overlay.Promoter
	planFn     PlanFunc
	interval   time.Duration
	alpha      float64

	mu        sync.Mutex
	baseline  Baseline
	lastPos   int // index into ReadAll already consumed
	history   []Outcome

	// ParkRatioThreshold and friends gate Analyze's regression checks;
	// zero values fall back to the defaults below.
	ParkRatioThreshold  float64
	ErrorRatioThreshold float64
	LatencyP99Threshold float64
}

// Config configures a Loop.
type Config struct {
	IntervalMS int64
	Alpha      float64 // EWMA smoothing factor for the baseline, default 0.2

	ParkRatioThreshold  float64
	ErrorRatioThreshold float64
	LatencyP99Threshold float64
}

// New returns a Loop wired to its collaborators. planFn may be nil, in
// which case Plan never proposes an overlay (Analyze regressions are
// still detected and recorded, useful for dry-run monitoring).
func New(cfg Config, receiptLog *receipts.Log, promoter *overlay.Promoter, planFn PlanFunc, log *logrus.Logger) *Loop {
	if cfg.IntervalMS <= 0 {
		cfg.IntervalMS = 5000
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.2
	}
	if cfg.ParkRatioThreshold <= 0 {
		cfg.ParkRatioThreshold = 0.3
	}
	if cfg.ErrorRatioThreshold <= 0 {
		cfg.ErrorRatioThreshold = 5
	}
	if cfg.LatencyP99Threshold <= 0 {
		cfg.LatencyP99Threshold = float64(overlay.ChatmanConstantTicks) * 4
	}
	if log == nil {
		log = logrus.New()
	}
	return &Loop{
		log:                 log,
		receiptLog:          receiptLog,
		promoter:            promoter,
		planFn:              planFn,
		interval:            time.Duration(cfg.IntervalMS) * time.Millisecond,
		alpha:               cfg.Alpha,
		ParkRatioThreshold:  cfg.ParkRatioThreshold,
		ErrorRatioThreshold: cfg.ErrorRatioThreshold,
		LatencyP99Threshold: cfg.LatencyP99Threshold,
	}
}

// Run executes one RunOnce cycle per tick of l.interval until ctx is
// cancelled. Cycles run one after another; a cycle never overlaps the
// next.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.log.WithError(err).Warn("mape-k cycle failed")
			}
		}
	}
}

// RunOnce drives exactly one Monitor -> Analyze -> Plan -> Execute ->
// Knowledge cycle, synchronously. Exported so tests and callers that
// want deterministic cycles (rather than a ticker) can drive it
// directly.
func (l *Loop) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RecordMapeKCycle(time.Since(start)) }()

	g, gctx := errgroup.WithContext(ctx)

	var signals Signals
	var regressions []Regression

	g.Go(func() error {
		signals = l.monitor()
		regressions = l.analyze(signals)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	_ = gctx

	for _, reg := range regressions {
		plan := l.plan(ctx, reg, signals)
		if plan == nil {
			continue
		}
		outcome := l.execute(plan, reg)
		l.knowledge(signals, outcome)
	}
	return nil
}

// monitor reads the unread tail of Γ and derives the signal vector
// Analyze consumes, mirroring the teacher's evaluationLoop's
// per-evaluation read-and-aggregate shape but sourced from receipts
// instead of a Prometheus range query.
func (l *Loop) monitor() Signals {
	all := l.receiptLog.ReadAll()

	l.mu.Lock()
	start := l.lastPos
	if start > len(all) {
		start = 0
	}
	window := all[start:]
	l.lastPos = len(all)
	l.mu.Unlock()

	sig := Signals{PerPatternCount: make(map[int]int)}
	if len(window) == 0 {
		return sig
	}

	var parked, errored int
	ticks := make([]int, 0, len(window))
	for _, r := range window {
		sig.WindowReceipts++
		sig.PerPatternCount[r.PatternID]++
		if r.Kind == kerntypes.ReceiptError {
			errored++
			if r.ErrorCode == "RESOURCE_UNAVAILABLE" {
				parked++
			}
		}
		for _, ge := range r.GuardsEvaluated {
			if !ge.Passed {
				sig.GuardViolations++
			}
		}
		ticks = append(ticks, r.TimingTicks)
	}

	sig.ParkRatio = float64(parked) / float64(len(window))
	sig.ErrorRatio = errored
	sig.LatencyP50Ticks = percentile(ticks, 50)
	sig.LatencyP99Ticks = percentile(ticks, 99)
	return sig
}

func percentile(samples []int, p int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int{}, samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	// Nearest rank: the smallest sample with at least p% of the samples
	// at or below it.
	idx := (p*len(sorted)+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return float64(sorted[idx])
}

// analyze compares signals against the moving baseline and returns every
// regression found; the baseline itself is only advanced in Knowledge,
// after Execute has had a chance to act on this cycle's regressions.
func (l *Loop) analyze(signals Signals) []Regression {
	l.mu.Lock()
	baseline := l.baseline
	l.mu.Unlock()

	var out []Regression
	if signals.ParkRatio > baseline.ParkRatio+l.ParkRatioThreshold {
		out = append(out, Regression{Kind: "park_ratio", Observed: signals.ParkRatio, Baseline: baseline.ParkRatio, Threshold: l.ParkRatioThreshold})
	}
	if float64(signals.ErrorRatio) > baseline.ErrorRatio+l.ErrorRatioThreshold {
		out = append(out, Regression{Kind: "error_ratio", Observed: float64(signals.ErrorRatio), Baseline: baseline.ErrorRatio, Threshold: l.ErrorRatioThreshold})
	}
	if signals.LatencyP99Ticks > baseline.LatencyP99Ticks+l.LatencyP99Threshold {
		out = append(out, Regression{Kind: "latency_p99", Observed: signals.LatencyP99Ticks, Baseline: baseline.LatencyP99Ticks, Threshold: l.LatencyP99Threshold})
	}
	for _, reg := range out {
		metrics.RecordMapeKRegression(reg.Kind)
	}
	return out
}

// plan delegates overlay authorship to planFn; Plan's own job is just to
// log the decision to act (or not).
func (l *Loop) plan(ctx context.Context, reg Regression, signals Signals) *Plan {
	if l.planFn == nil {
		l.log.WithField("kind", reg.Kind).Debug("no plan function configured, skipping")
		return nil
	}
	p := l.planFn(ctx, reg, signals)
	if p == nil {
		l.log.WithField("kind", reg.Kind).Debug("plan declined to propose an overlay this cycle")
	}
	return p
}

// execute submits plan's overlay through the promotion API at its
// safety class: immediate swap for HotSafe, canary by default for
// WarmSafe per spec.md §4.I.
func (l *Loop) execute(plan *Plan, reg Regression) Outcome {
	outcome := Outcome{Regression: reg, ObservedAt: time.Now()}

	switch plan.Class {
	case overlay.HotSafe:
		hot, err := overlay.AsHotSafe(plan.Overlay)
		if err != nil {
			outcome.Err = err
			break
		}
		if err := l.promoter.PromoteHot(hot); err != nil {
			outcome.Err = err
			break
		}
		outcome.Promoted = true
	case overlay.WarmSafe:
		warm, err := overlay.AsWarmSafe(plan.Overlay)
		if err != nil {
			outcome.Err = err
			break
		}
		rollout := plan.Rollout
		if rollout.Kind == "" {
			rollout = overlay.Rollout{Kind: overlay.RolloutCanary, InitPct: 5, StepPct: 10, WaitS: 60}
		}
		if err := l.promoter.PromoteWarm(warm, rollout); err != nil {
			outcome.Err = err
			break
		}
		outcome.Promoted = true
	default:
		// ColdUnsafe overlays are never auto-promoted by the feedback
		// loop; they require an operator invoking LoadCold directly.
		outcome.Err = nil
	}

	if outcome.Err != nil {
		l.log.WithError(outcome.Err).WithFields(logrus.Fields{
			"kind":  reg.Kind,
			"class": plan.Class,
		}).Warn("overlay promotion failed")
	} else if outcome.Promoted {
		l.log.WithFields(logrus.Fields{
			"kind":   reg.Kind,
			"class":  plan.Class,
			"reason": plan.Reason,
		}).Info("overlay promoted in response to regression")
	}
	return outcome
}

// knowledge records the cycle's outcome and retrains the baseline via
// EWMA, the teacher's moving-average approach to SLO baselining
// generalized from a single compliance percentage to the whole signal
// vector.
func (l *Loop) knowledge(signals Signals, outcome Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.baseline.update(signals, l.alpha)
	l.history = append(l.history, outcome)
	if len(l.history) > 1000 {
		l.history = l.history[len(l.history)-1000:]
	}
}

// History returns a defensive copy of every recorded Outcome, most
// recent last.
func (l *Loop) History() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outcome{}, l.history...)
}

// BaselineSnapshot returns the current moving baseline.
func (l *Loop) BaselineSnapshot() Baseline {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseline
}
