package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordAdmissionIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(AdmissionsTotal.WithLabelValues("R1", "admit"))
	RecordAdmission("R1", "admit")
	after := testutil.ToFloat64(AdmissionsTotal.WithLabelValues("R1", "admit"))
	assert.Equal(t, before+1, after)
}

func TestSetParkRatioSetsGauge(t *testing.T) {
	SetParkRatio("W1", 0.42)
	assert.Equal(t, 0.42, testutil.ToFloat64(ParkRatio.WithLabelValues("W1")))
}

func TestRecordPatternExecutionUsesPatternIDLabel(t *testing.T) {
	before := testutil.ToFloat64(PatternExecutionsTotal.WithLabelValues("13", "ok"))
	RecordPatternExecution(13, "ok")
	after := testutil.ToFloat64(PatternExecutionsTotal.WithLabelValues("13", "ok"))
	assert.Equal(t, before+1, after)
}

func TestRecordReceiptAppendUpdatesCounterAndHistogram(t *testing.T) {
	before := testutil.ToFloat64(ReceiptsAppendedTotal.WithLabelValues("step"))
	RecordReceiptAppend("step", 2*time.Millisecond)
	after := testutil.ToFloat64(ReceiptsAppendedTotal.WithLabelValues("step"))
	assert.Equal(t, before+1, after)
}

func TestSetCasesActiveReflectsLatestValue(t *testing.T) {
	SetCasesActive("running", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(CasesActive.WithLabelValues("running")))
	SetCasesActive("running", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(CasesActive.WithLabelValues("running")))
}

func TestRecordGuardEvaluationLabelsByPassed(t *testing.T) {
	before := testutil.ToFloat64(GuardEvaluationsTotal.WithLabelValues("42", "false"))
	RecordGuardEvaluation(42, false)
	after := testutil.ToFloat64(GuardEvaluationsTotal.WithLabelValues("42", "false"))
	assert.Equal(t, before+1, after)
}

func TestRecordOverlayPromotionLabelsByClassAndResult(t *testing.T) {
	before := testutil.ToFloat64(OverlayPromotionsTotal.WithLabelValues("HotSafe", "ok"))
	RecordOverlayPromotion("HotSafe", "ok")
	after := testutil.ToFloat64(OverlayPromotionsTotal.WithLabelValues("HotSafe", "ok"))
	assert.Equal(t, before+1, after)
}

func TestSetCanaryRolloutFraction(t *testing.T) {
	SetCanaryRolloutFraction(35.5)
	assert.Equal(t, 35.5, testutil.ToFloat64(CanaryRolloutFraction))
}

func TestRecordMapeKRegressionIncrementsByKind(t *testing.T) {
	before := testutil.ToFloat64(MapeKRegressionsTotal.WithLabelValues("latency_p99"))
	RecordMapeKRegression("latency_p99")
	after := testutil.ToFloat64(MapeKRegressionsTotal.WithLabelValues("latency_p99"))
	assert.Equal(t, before+1, after)
}
