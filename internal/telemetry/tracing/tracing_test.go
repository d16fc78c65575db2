package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerDisabledReturnsNoopTracer(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, logrus.New())
	require.NoError(t, err)
	require.NotNil(t, m.Tracer())

	s, ctx := Start(context.Background(), m.Tracer(), "knhkd.test.op")
	require.NotNil(t, ctx)
	s.SetAttribute("case_id", "c1")
	s.End()
}

func TestShutdownOnDisabledManagerIsNoop(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, logrus.New())
	require.NoError(t, err)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestInstrumentedPropagatesError(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, logrus.New())
	require.NoError(t, err)

	wantErr := errors.New("boom")
	err = Instrumented(context.Background(), m.Tracer(), "knhkd.test.fails", func(ctx context.Context, s *Span) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestInstrumentedReturnsNilOnSuccess(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, logrus.New())
	require.NoError(t, err)

	ran := false
	err = Instrumented(context.Background(), m.Tracer(), "knhkd.test.ok", func(ctx context.Context, s *Span) error {
		ran = true
		s.AddEvent("did_thing")
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestExtractTraceIDsOnEmptyContextReturnsEmpty(t *testing.T) {
	traceID, spanID := ExtractTraceIDs(context.Background())
	assert.Equal(t, "", traceID)
	assert.Equal(t, "", spanID)
}

func TestDefaultConfigIsDisabledByDefault(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "knhkd", cfg.ServiceName)
}
