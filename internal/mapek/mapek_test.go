package mapek

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/overlay"
	"github.com/mdzesseis/knhkd/internal/receipts"
	"github.com/mdzesseis/knhkd/internal/sigma"
)

func newTestLog(t *testing.T) *receipts.Log {
	t.Helper()
	log, err := receipts.Open(t.TempDir(), "immediate", 1<<20, receipts.NoopSigner{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func appendErrorReceipts(t *testing.T, log *receipts.Log, n int, errCode string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(&kerntypes.Receipt{
			CaseID:      "c1",
			PatternID:   1,
			StateHash:   uint64(i + 1),
			Kind:        kerntypes.ReceiptError,
			ErrorCode:   errCode,
			TimingTicks: 3,
		})
		require.NoError(t, err)
	}
}

func appendStepReceipts(t *testing.T, log *receipts.Log, n int, ticks int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(&kerntypes.Receipt{
			CaseID:      "c1",
			PatternID:   1,
			StateHash:   uint64(i + 1000),
			Kind:        kerntypes.ReceiptStep,
			TimingTicks: ticks,
		})
		require.NoError(t, err)
	}
}

func TestMonitorAggregatesOnlyUnreadTail(t *testing.T) {
	log := newTestLog(t)
	appendStepReceipts(t, log, 5, 2)

	loop := New(Config{}, log, nil, nil, logrus.New())
	sig := loop.monitor()
	assert.Equal(t, 5, sig.WindowReceipts)

	// a second call with no new receipts sees an empty window
	sig2 := loop.monitor()
	assert.Equal(t, 0, sig2.WindowReceipts)

	appendStepReceipts(t, log, 2, 2)
	sig3 := loop.monitor()
	assert.Equal(t, 2, sig3.WindowReceipts)
}

func TestMonitorComputesParkRatioFromResourceUnavailableErrors(t *testing.T) {
	log := newTestLog(t)
	appendErrorReceipts(t, log, 3, "RESOURCE_UNAVAILABLE")
	appendStepReceipts(t, log, 7, 1)

	loop := New(Config{}, log, nil, nil, logrus.New())
	sig := loop.monitor()
	assert.Equal(t, 10, sig.WindowReceipts)
	assert.InDelta(t, 0.3, sig.ParkRatio, 1e-9)
	assert.Equal(t, 3, sig.ErrorRatio)
}

func TestMonitorComputesLatencyPercentiles(t *testing.T) {
	log := newTestLog(t)
	for _, ticks := range []int{1, 2, 3, 4, 100} {
		appendStepReceipts(t, log, 1, ticks)
	}

	loop := New(Config{}, log, nil, nil, logrus.New())
	sig := loop.monitor()
	assert.Equal(t, float64(3), sig.LatencyP50Ticks)
	assert.Equal(t, float64(100), sig.LatencyP99Ticks)
}

func TestAnalyzeDetectsParkRatioRegressionAboveBaseline(t *testing.T) {
	loop := New(Config{ParkRatioThreshold: 0.1}, newTestLog(t), nil, nil, logrus.New())
	regressions := loop.analyze(Signals{ParkRatio: 0.5})
	require.Len(t, regressions, 1)
	assert.Equal(t, "park_ratio", regressions[0].Kind)
}

func TestAnalyzeFindsNoRegressionWithinThreshold(t *testing.T) {
	loop := New(Config{ParkRatioThreshold: 0.5, ErrorRatioThreshold: 100, LatencyP99Threshold: 1000}, newTestLog(t), nil, nil, logrus.New())
	regressions := loop.analyze(Signals{ParkRatio: 0.1, ErrorRatio: 1, LatencyP99Ticks: 5})
	assert.Empty(t, regressions)
}

func TestKnowledgeUpdatesBaselineTowardObservedSignal(t *testing.T) {
	loop := New(Config{Alpha: 0.5}, newTestLog(t), nil, nil, logrus.New())
	loop.knowledge(Signals{ParkRatio: 1.0}, Outcome{})
	assert.InDelta(t, 0.5, loop.BaselineSnapshot().ParkRatio, 1e-9)

	loop.knowledge(Signals{ParkRatio: 1.0}, Outcome{})
	assert.InDelta(t, 0.75, loop.BaselineSnapshot().ParkRatio, 1e-9)
}

func TestKnowledgeRecordsOutcomeHistory(t *testing.T) {
	loop := New(Config{}, newTestLog(t), nil, nil, logrus.New())
	loop.knowledge(Signals{}, Outcome{Regression: Regression{Kind: "park_ratio"}, Promoted: true})
	history := loop.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Promoted)
}

func testOverlay(t *testing.T, store *sigma.Store, class overlay.SafetyClass) *overlay.Overlay {
	t.Helper()
	base := store.Current()
	proof := overlay.Proof{
		Kind:                overlay.ProofProperty,
		InvariantsPreserved: []string{"no-allocation"},
		TimingBoundTicks:    4,
		ChangesCovered:      []string{"g1"},
		Method:              overlay.MethodPropertyTest,
		Signature:           [64]byte{1},
	}
	changes := []overlay.Change{{Kind: overlay.ChangeModifyGuardThresh, TargetID: "g1"}}
	ov, err := overlay.New(base, changes, proof, overlay.Metadata{ID: "test-overlay"})
	require.NoError(t, err)
	require.NoError(t, ov.Validate(class))
	return ov
}

func TestExecutePromotesHotSafeImmediately(t *testing.T) {
	store := sigma.NewStore()
	promoter := overlay.NewPromoter(store, false)
	loop := New(Config{}, newTestLog(t), promoter, nil, logrus.New())

	ov := testOverlay(t, store, overlay.HotSafe)
	plan := &Plan{Overlay: ov, Class: overlay.HotSafe, Reason: "test"}

	outcome := loop.execute(plan, Regression{Kind: "park_ratio"})
	assert.NoError(t, outcome.Err)
	assert.True(t, outcome.Promoted)
}

func TestExecutePromotesWarmSafeViaCanaryByDefault(t *testing.T) {
	store := sigma.NewStore()
	promoter := overlay.NewPromoter(store, false)
	loop := New(Config{}, newTestLog(t), promoter, nil, logrus.New())

	ov := testOverlay(t, store, overlay.WarmSafe)
	plan := &Plan{Overlay: ov, Class: overlay.WarmSafe, Reason: "test"}

	outcome := loop.execute(plan, Regression{Kind: "latency_p99"})
	assert.NoError(t, outcome.Err)
	assert.True(t, outcome.Promoted)
	assert.True(t, promoter.RolloutFraction() > 0)
}

func TestExecuteNeverAutoPromotesColdUnsafe(t *testing.T) {
	store := sigma.NewStore()
	promoter := overlay.NewPromoter(store, true)
	loop := New(Config{}, newTestLog(t), promoter, nil, logrus.New())

	ov := testOverlay(t, store, overlay.ColdUnsafe)
	plan := &Plan{Overlay: ov, Class: overlay.ColdUnsafe, Reason: "test"}

	outcome := loop.execute(plan, Regression{Kind: "error_ratio"})
	assert.NoError(t, outcome.Err)
	assert.False(t, outcome.Promoted)
}

func TestRunOnceInvokesPlanOnlyForDetectedRegressions(t *testing.T) {
	log := newTestLog(t)
	appendErrorReceipts(t, log, 9, "RESOURCE_UNAVAILABLE")
	appendStepReceipts(t, log, 1, 1)

	var called int
	planFn := func(ctx context.Context, reg Regression, sig Signals) *Plan {
		called++
		return nil
	}

	loop := New(Config{ParkRatioThreshold: 0.05}, log, nil, planFn, logrus.New())
	require.NoError(t, loop.RunOnce(context.Background()))
	assert.GreaterOrEqual(t, called, 1)
}

func TestRunOnceSkipsPlanWhenNoRegressionDetected(t *testing.T) {
	log := newTestLog(t)
	appendStepReceipts(t, log, 3, 1)

	var called int
	planFn := func(ctx context.Context, reg Regression, sig Signals) *Plan {
		called++
		return nil
	}

	loop := New(Config{ParkRatioThreshold: 0.9, ErrorRatioThreshold: 100, LatencyP99Threshold: 1000}, log, nil, planFn, logrus.New())
	require.NoError(t, loop.RunOnce(context.Background()))
	assert.Equal(t, 0, called)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	log := newTestLog(t)
	loop := New(Config{IntervalMS: 10}, log, nil, nil, logrus.New())

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
