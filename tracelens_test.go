package tracelens

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(
		WithStorePath(filepath.Join(t.TempDir(), "trace.db")),
		WithBufferCapacity(1024),
		WithEmptyWait(2*time.Millisecond),
	)
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

func span(traceID uuid.UUID, spanID uint64, name string, startNs, endNs uint64, attrs map[string]string) Span {
	return Span{
		TraceID: traceID,
		SpanID:  spanID,
		Name:    name,
		Kind:    KindSyscall,
		StartNs: startNs,
		EndNs:   endNs,
		Attrs:   attrs,
	}
}

func drainAndEnd(t *testing.T, eng *Engine, traceID uuid.UUID) {
	t.Helper()
	// Wait for the consumer to persist the trace before ending it, so no
	// submission from this test can be rejected as late.
	require.Eventually(t, func() bool {
		_, err := eng.GetTrace(context.Background(), traceID)
		return err == nil
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, eng.EndTrace(context.Background(), traceID))
}

func TestEngineIngestCompressRetrieve(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	id := uuid.New()

	// Three structurally identical writes differing only in timing.
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, eng.Submit(span(id, 1, "write", i*100, i*100+100,
			map[string]string{"fd": "3", "payload": "X"})))
	}
	drainAndEnd(t, eng, id)

	sum, err := eng.Summary(ctx, id)
	require.NoError(t, err)
	require.Len(t, sum.Rows, 1)
	assert.Equal(t, "write", sum.Rows[0].Name)
	assert.Equal(t, uint64(3), sum.Rows[0].Count)
	assert.Equal(t, uint64(300), sum.Rows[0].TotalNs)

	tr, err := eng.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Len(t, tr.Spans, 3)
}

func TestEngineRejectsAfterEndTrace(t *testing.T) {
	eng := newTestEngine(t)
	id := uuid.New()

	require.NoError(t, eng.Submit(span(id, 1, "read", 0, 100, map[string]string{"fd": "3"})))
	drainAndEnd(t, eng, id)

	err := eng.Submit(span(id, 2, "read", 200, 300, map[string]string{"fd": "3"}))
	require.ErrorIs(t, err, ErrTerminated)
	assert.Positive(t, eng.Stats().LateRejected)
}

func TestEngineRejectsMalformed(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.Submit(Span{TraceID: uuid.New(), SpanID: 1, Name: "x", Kind: "bogus", StartNs: 0, EndNs: 1})
	require.ErrorIs(t, err, ErrMalformed)

	err = eng.Submit(span(uuid.New(), 1, "", 0, 100, nil))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEngineUnknownTrace(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.GetTrace(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngineCriticalPathAndCentrality(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, eng.Submit(span(id, 1, "open", 0, 100, map[string]string{"fd": "3"})))
	require.NoError(t, eng.Submit(span(id, 2, "write", 200, 500, map[string]string{"fd": "3", "payload": "x"})))
	require.NoError(t, eng.Submit(span(id, 3, "close", 600, 700, map[string]string{"fd": "3"})))
	drainAndEnd(t, eng, id)

	cp, err := eng.CriticalPath(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, cp.Steps)
	assert.Equal(t, "close", cp.Steps[len(cp.Steps)-1].Name)
	assert.Equal(t, uint64(500), cp.TotalNs)

	ranks, err := eng.Centrality(ctx, id)
	require.NoError(t, err)
	assert.Len(t, ranks, 3)
}

func TestEngineDiffSemanticBufferedWrites(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, eng.Submit(span(a, 1, "open", 0, 10, map[string]string{"fd": "3"})))
	require.NoError(t, eng.Submit(span(a, 2, "write", 20, 30, map[string]string{"fd": "3", "payload": "A"})))
	require.NoError(t, eng.Submit(span(a, 3, "write", 40, 50, map[string]string{"fd": "3", "payload": "B"})))
	drainAndEnd(t, eng, a)

	require.NoError(t, eng.Submit(span(b, 1, "open", 0, 10, map[string]string{"fd": "3"})))
	require.NoError(t, eng.Submit(span(b, 2, "write", 20, 30, map[string]string{"fd": "3", "payload": "AB"})))
	drainAndEnd(t, eng, b)

	rep, err := eng.DiffSemantic(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, rep.Equivalent)
	assert.InDelta(t, 2.0, rep.OpCountRatio, 1e-9)
}

func TestEngineCompareStoredTraces(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	submitRun := func(durNs uint64) uuid.UUID {
		id := uuid.New()
		require.NoError(t, eng.Submit(span(id, 1, "workload", 0, durNs, nil)))
		drainAndEnd(t, eng, id)
		return id
	}

	var baseline, current []uuid.UUID
	base := []uint64{100_000, 105_000, 95_000}
	cur := []uint64{200_000, 210_000, 190_000}
	for i := 0; i < 3; i++ {
		baseline = append(baseline, submitRun(base[i]))
		current = append(current, submitRun(cur[i]))
	}

	rep, err := eng.Compare(ctx, baseline, current, "refactor")
	require.NoError(t, err)
	assert.Equal(t, "unjustified_regression", rep.Verdict)
	assert.Equal(t, "dynamic_threshold", rep.Method)

	rep, err = eng.Compare(ctx, baseline, current, "expected cost of checksumming")
	require.NoError(t, err)
	assert.Equal(t, "justified_regression", rep.Verdict)
}

func TestEngineStopIsIdempotent(t *testing.T) {
	eng, err := New(WithStorePath(filepath.Join(t.TempDir(), "trace.db")))
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	require.Error(t, eng.Start(context.Background()))
	require.NoError(t, eng.Stop(context.Background()))
	require.NoError(t, eng.Stop(context.Background()))
}

func TestEngineAnalysisEmitsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	eng := newTestEngine(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, eng.Submit(span(id, 1, "write", 0, 100, map[string]string{"fd": "3"})))
	drainAndEnd(t, eng, id)

	_, err := eng.CriticalPath(ctx, id)
	require.NoError(t, err)
	_, err = eng.Antipatterns(ctx, id)
	require.NoError(t, err)
	_, err = eng.DiffSemantic(ctx, id, id)
	require.NoError(t, err)
	_, err = eng.Compare(ctx, []uuid.UUID{id}, []uuid.UUID{id}, "")
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "tracelens.CriticalPath")
	assert.Contains(t, names, "tracelens.Antipatterns")
	assert.Contains(t, names, "tracelens.DiffSemantic")
	assert.Contains(t, names, "tracelens.Compare")
}
