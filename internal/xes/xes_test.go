package xes

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

func sampleChain() CaseChain {
	return CaseChain{
		Case: &kerntypes.Case{
			ID:     "case-1",
			SpecID: "payroll",
			State:  kerntypes.CaseCompleted,
		},
		Receipts: []*kerntypes.Receipt{
			{ID: 1, CaseID: "case-1", PatternID: 1, Timestamp: time.Now(), Kind: kerntypes.ReceiptStep, TimingTicks: 2},
			{ID: 2, CaseID: "case-1", PatternID: 4, Timestamp: time.Now(), Kind: kerntypes.ReceiptStep, TimingTicks: 1,
				GuardsEvaluated: []kerntypes.GuardEvaluation{{PredicateID: 7, Passed: true}}},
			{ID: 3, CaseID: "case-1", PatternID: 5, Timestamp: time.Now(), Kind: kerntypes.ReceiptStep, TimingTicks: 1},
		},
	}
}

func TestWriteLogProducesWellFormedXML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, []CaseChain{sampleChain()}))
	assert.Contains(t, buf.String(), `xes.version="2.0"`)
	assert.Contains(t, buf.String(), "case-1")
}

func TestWriteThenReadRoundTripsActivityNamesAndOrder(t *testing.T) {
	chain := sampleChain()
	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, []CaseChain{chain}))

	summaries, err := ReadLog(&buf)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	assert.Equal(t, "case-1", summaries[0].CaseID)
	assert.Equal(t, []string{"pattern:1", "pattern:4", "pattern:5"}, summaries[0].ActivityNames)
}

func TestWriteLogMultipleCasesProducesOneTracePerCase(t *testing.T) {
	chainA := sampleChain()
	chainB := sampleChain()
	chainB.Case.ID = "case-2"
	chainB.Receipts = chainB.Receipts[:1]

	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, []CaseChain{chainA, chainB}))

	summaries, err := ReadLog(&buf)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "case-1", summaries[0].CaseID)
	assert.Equal(t, "case-2", summaries[1].CaseID)
	assert.Len(t, summaries[1].ActivityNames, 1)
}

func TestEventRecordsErrorCodeOnErrorReceipts(t *testing.T) {
	chain := CaseChain{
		Case: &kerntypes.Case{ID: "case-err", SpecID: "s", State: kerntypes.CaseCancelled},
		Receipts: []*kerntypes.Receipt{
			{ID: 1, CaseID: "case-err", PatternID: 1, Timestamp: time.Now(), Kind: kerntypes.ReceiptError, ErrorCode: "MAX_VISITED_NODES_EXCEEDED"},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, []CaseChain{chain}))
	assert.Contains(t, buf.String(), "MAX_VISITED_NODES_EXCEEDED")
	assert.Contains(t, buf.String(), `value="ate_abort"`)
}
