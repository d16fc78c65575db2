// Package kernel wires the kernel's components into a single runnable
// process: config, Σ*, the hook/guard registry, the overlay promotion
// API, the beat scheduler, the admission router, the pattern executor,
// the receipt log, the MAPE-K feedback loop, and the telemetry surface.
// Grounded on internal/app/app.go's New/initializeComponents/Start/Stop/
// Run lifecycle shape, generalized from a log-pipeline application to
// the workflow kernel's own component graph.
package kernel

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/mdzesseis/knhkd/internal/config"
	"github.com/mdzesseis/knhkd/internal/executor"
	"github.com/mdzesseis/knhkd/internal/executor/resource"
	"github.com/mdzesseis/knhkd/internal/executor/workerstealing"
	"github.com/mdzesseis/knhkd/internal/hooks"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/mapek"
	"github.com/mdzesseis/knhkd/internal/overlay"
	"github.com/mdzesseis/knhkd/internal/receipts"
	"github.com/mdzesseis/knhkd/internal/router"
	"github.com/mdzesseis/knhkd/internal/scheduler"
	"github.com/mdzesseis/knhkd/internal/sigma"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
	"github.com/mdzesseis/knhkd/internal/telemetry/tracing"
)

var tracer = otel.Tracer("knhkd.kernel")

// Kernel is the top-level process: the fully wired component graph plus
// its lifecycle.
type Kernel struct {
	config *config.Config
	logger *logrus.Logger

	store     *sigma.Store
	registry  *hooks.Registry
	promoter  *overlay.Promoter
	scheduler *scheduler.Scheduler
	predictor *router.Predictor
	router    *router.Router
	pool      *workerstealing.Pool
	allocator *resource.Allocator
	receiptLog *receipts.Log
	executor  *executor.Executor
	mapeLoops map[string]*mapek.Loop

	tracingMgr   *tracing.Manager
	metricsServer *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New loads configFile, validates it, and wires every component. No
// goroutines are started until Start is called.
func New(configFile string) (*Kernel, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := context.WithCancel(context.Background())

	k := &Kernel{
		config:    cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		mapeLoops: make(map[string]*mapek.Loop),
	}

	if err := k.initialize(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel: %w", err)
	}

	return k, nil
}

func (k *Kernel) initialize() error {
	k.store = sigma.NewStore()
	k.registry = hooks.NewRegistry(k.logger, hooks.KernelKind(k.config.DefaultKernel))
	k.promoter = overlay.NewPromoter(k.store, k.config.AllowColdInProduction)

	k.scheduler = scheduler.New(k.config.RingCapacityPerDomain, k.config.BeatTicksPerCycle, k.logger)
	k.predictor = router.NewPredictor(4096)
	k.router = router.New(k.predictor, k.logger)
	k.router.SetHookRegistry(k.registry)

	k.pool = workerstealing.New(workerstealing.Config{Workers: 0}, k.logger)
	k.allocator = resource.NewAllocator()

	// Pre-create every configured domain's ring now, so the Clock built
	// in Start() for a domain is the same *Domain instance Submit's
	// scheduler.Enqueue call writes into.
	for _, domain := range k.config.Domains {
		k.scheduler.Domain(domain)
	}

	receiptLog, err := receipts.Open(k.config.WALDirectory, string(k.config.WALSyncMode), k.config.WALSegmentBytes, receipts.NoopSigner{}, k.logger)
	if err != nil {
		return fmt.Errorf("failed to open receipt log: %w", err)
	}
	k.receiptLog = receiptLog

	k.executor = executor.New(executor.Config{MaxVisitedNodes: k.config.MaxCaseVisitedNodes, FallbackIsError: k.config.PatternFallbackIsError}, k.receiptLog, k.allocator, k.pool, k.logger)

	for _, domain := range k.config.Domains {
		k.mapeLoops[domain] = mapek.New(mapek.Config{IntervalMS: k.config.MapeKIntervalMS}, k.receiptLog, k.promoter, nil, k.logger)
	}

	tracingMgr, err := tracing.NewManager(tracing.Config{
		Enabled:        k.config.Telemetry.Enabled,
		ServiceName:    k.config.Telemetry.ServiceName,
		ServiceVersion: k.config.Telemetry.ServiceVersion,
		Endpoint:       k.config.Telemetry.OTLPEndpoint,
		SampleRate:     k.config.Telemetry.SampleRate,
		BatchTimeout:   k.config.Telemetry.BatchTimeout,
	}, k.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	k.tracingMgr = tracingMgr

	if k.config.Telemetry.MetricsAddr != "" {
		k.metricsServer = metrics.NewServer(k.config.Telemetry.MetricsAddr, k.logger)
	}

	return nil
}

// Scheduler, Router, Executor, Registry, ReceiptLog, and Store expose
// the wired components for callers that need direct access (the
// admission/ingest path, an operator CLI, tests).
func (k *Kernel) Scheduler() *scheduler.Scheduler { return k.scheduler }
func (k *Kernel) Router() *router.Router           { return k.router }
func (k *Kernel) Executor() *executor.Executor     { return k.executor }
func (k *Kernel) Registry() *hooks.Registry         { return k.registry }
func (k *Kernel) ReceiptLog() *receipts.Log         { return k.receiptLog }
func (k *Kernel) Store() *sigma.Store               { return k.store }
func (k *Kernel) Promoter() *overlay.Promoter       { return k.promoter }

// Submit runs one delta through the router, then into the scheduler's
// admission ring if accepted, and records the decision in the admission
// metrics. No receipt is written for the decision, and the metric is
// skipped when Enqueue fails.
func (k *Kernel) Submit(delta kerntypes.Delta, domain string) (router.Decision, error) {
	tick := 0
	decision := k.router.Admit(delta, tick)

	if decision.Admitted {
		if _, err := k.scheduler.Enqueue(domain, delta); err != nil {
			return decision, err
		}
	}

	metrics.RecordAdmission(string(decision.Tier), admissionOutcome(decision))
	return decision, nil
}

func admissionOutcome(d router.Decision) string {
	if d.Admitted {
		return "admit"
	}
	return "park"
}

// flushDomain drives one domain's flushed batch into the executor: each
// stamped delta becomes a case of the workflow registered under the
// domain's own name (RegisterWorkflow(spec) where spec.ID == domain — a
// domain and the workflow it runs share one name, the same convention
// internal/mapek's one-loop-per-domain wiring already uses), started and
// run to completion. A domain with no workflow registered under its name
// yet is not an error: RegisterWorkflow is an operator action performed
// after the kernel starts, so flushes simply log and drop until it is.
func (k *Kernel) flushDomain(domain string, batch []scheduler.StampedDelta) {
	for _, sd := range batch {
		data := map[string]any{
			"triples":   sd.Delta.Triples,
			"operation": string(sd.Delta.Operation),
			"cycle_id":  sd.CycleID,
			"tick":      sd.Tick,
		}

		caseID, err := k.executor.CreateCase(domain, data)
		if err != nil {
			k.logger.WithError(err).WithField("domain", domain).Debug("flushed delta has no registered workflow for its domain, dropping")
			continue
		}

		err = tracing.Instrumented(k.ctx, tracer, "knhkd.kernel.flush_case", func(ctx context.Context, span *tracing.Span) error {
			span.SetAttribute("domain", domain)
			span.SetAttribute("case_id", caseID)
			if err := k.executor.StartCase(caseID); err != nil {
				return err
			}
			k.executor.ReportCasesActive()
			defer k.executor.ReportCasesActive()
			return k.executor.ExecuteCase(ctx, caseID)
		})
		if err != nil {
			k.logger.WithError(err).WithField("case_id", caseID).Warn("flushed case failed to start or execute")
		}
	}
}

// Start begins the scheduler's clock, the MAPE-K loops, and the
// telemetry servers. It does not block.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	k.logger.Info("starting knhkd kernel")

	k.pool.Start()

	tickInterval := time.Duration(k.config.BeatTickIntervalMS) * time.Millisecond
	for _, domain := range k.config.Domains {
		domain := domain
		clock := &scheduler.Clock{
			Domain:   k.scheduler.Domain(domain),
			Interval: tickInterval,
			OnFlush: func(batch []scheduler.StampedDelta) {
				k.flushDomain(domain, batch)
			},
		}
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			clock.Run(k.ctx)
		}()
	}

	if k.metricsServer != nil {
		if err := k.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	for name, loop := range k.mapeLoops {
		loop := loop
		name := name
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			if err := loop.Run(k.ctx); err != nil && err != context.Canceled {
				k.logger.WithError(err).WithField("domain", name).Warn("mape-k loop stopped")
			}
		}()
	}

	k.running = true
	k.logger.Info("knhkd kernel started")
	return nil
}

// Stop cancels every background goroutine and releases held resources.
func (k *Kernel) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return nil
	}

	k.logger.Info("stopping knhkd kernel")
	k.cancel()
	k.wg.Wait()

	k.pool.Stop(10 * time.Second)

	if k.metricsServer != nil {
		if err := k.metricsServer.Stop(); err != nil {
			k.logger.WithError(err).Error("failed to stop metrics server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.tracingMgr.Shutdown(shutdownCtx); err != nil {
		k.logger.WithError(err).Error("failed to shutdown tracing manager")
	}

	if err := k.receiptLog.Close(); err != nil {
		k.logger.WithError(err).Error("failed to close receipt log")
	}

	k.running = false
	k.logger.Info("knhkd kernel stopped")
	return nil
}

// Run starts the kernel and blocks until SIGINT/SIGTERM, then shuts
// down gracefully.
func (k *Kernel) Run() error {
	if err := k.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	k.logger.Info("shutdown signal received")
	return k.Stop()
}
