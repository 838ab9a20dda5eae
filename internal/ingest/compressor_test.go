package ingest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelens/tracelens/internal/model"
)

func writeSpan(traceID uuid.UUID, spanID uint64, parent *uint64, start, end uint64, attrs ...model.Attr) model.SpanEvent {
	return model.SpanEvent{
		TraceID: traceID, SpanID: spanID, ParentSpanID: parent,
		Name: "write", Kind: model.KindSyscall,
		StartNs: start, EndNs: end, Attrs: attrs,
	}
}

func collectRuns(c *Compressor, spans []model.SpanEvent) []model.CompressedSpanRun {
	var runs []model.CompressedSpanRun
	for _, s := range spans {
		if r := c.Push(s); r != nil {
			runs = append(runs, *r)
		}
	}
	if r := c.Flush(); r != nil {
		runs = append(runs, *r)
	}
	return runs
}

func TestIdenticalSpansMergeIntoOneRun(t *testing.T) {
	// Three identical 100ns write(fd=3,"X",1) spans with the same parent
	// compress into one run with repetition count 3 and total 300ns.
	traceID := uuid.New()
	parent := uint64(1)
	attrs := []model.Attr{{Key: "fd", Value: "3"}, {Key: "payload", Value: "X"}, {Key: "bytes", Value: "1"}}

	spans := []model.SpanEvent{
		writeSpan(traceID, 2, &parent, 0, 100, attrs...),
		writeSpan(traceID, 3, &parent, 100, 200, attrs...),
		writeSpan(traceID, 4, &parent, 200, 300, attrs...),
	}

	runs := collectRuns(NewCompressor(true, nil), spans)
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(3), runs[0].Count)
	assert.Equal(t, uint64(300), runs[0].TotalNs)
	assert.Equal(t, uint64(0), runs[0].FirstNs)
	assert.Equal(t, uint64(300), runs[0].LastNs)
}

func TestDistinctPayloadsNeverMerge(t *testing.T) {
	// Same name and parent but different file paths must stay separate runs.
	traceID := uuid.New()
	a := model.SpanEvent{TraceID: traceID, SpanID: 1, Name: "open", Kind: model.KindSyscall,
		StartNs: 0, EndNs: 10, Attrs: []model.Attr{{Key: "path", Value: "/tmp/a"}}}
	b := model.SpanEvent{TraceID: traceID, SpanID: 2, Name: "open", Kind: model.KindSyscall,
		StartNs: 10, EndNs: 20, Attrs: []model.Attr{{Key: "path", Value: "/tmp/b"}}}

	runs := collectRuns(NewCompressor(true, nil), []model.SpanEvent{a, b})
	require.Len(t, runs, 2)
	assert.Equal(t, uint32(1), runs[0].Count)
	assert.Equal(t, uint32(1), runs[1].Count)
}

func TestTimingAttrsDoNotBreakRuns(t *testing.T) {
	traceID := uuid.New()
	a := writeSpan(traceID, 1, nil, 0, 100, model.Attr{Key: "fd", Value: "3"}, model.Attr{Key: "duration_ns", Value: "100"})
	b := writeSpan(traceID, 2, nil, 100, 250, model.Attr{Key: "fd", Value: "3"}, model.Attr{Key: "duration_ns", Value: "150"})

	runs := collectRuns(NewCompressor(true, nil), []model.SpanEvent{a, b})
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(2), runs[0].Count)
	assert.Equal(t, uint64(250), runs[0].TotalNs)
	assert.Equal(t, uint64(100), runs[0].MinNs)
	assert.Equal(t, uint64(150), runs[0].MaxNs)
}

func TestCompressionDisabled(t *testing.T) {
	traceID := uuid.New()
	attrs := []model.Attr{{Key: "fd", Value: "3"}}
	spans := []model.SpanEvent{
		writeSpan(traceID, 1, nil, 0, 100, attrs...),
		writeSpan(traceID, 2, nil, 100, 200, attrs...),
	}

	runs := collectRuns(NewCompressor(false, nil), spans)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, uint32(1), r.Count)
	}
}

func TestRecompressionIsIdempotent(t *testing.T) {
	// Compressing the expansion of a run set reproduces the same run set:
	// name, attrs, count and total duration all survive the round trip.
	traceID := uuid.New()
	attrs := []model.Attr{{Key: "fd", Value: "3"}}
	var spans []model.SpanEvent
	for i := uint64(0); i < 10; i++ {
		spans = append(spans, writeSpan(traceID, i+1, nil, i*100, i*100+100, attrs...))
	}

	first := collectRuns(NewCompressor(true, nil), spans)
	require.Len(t, first, 1)

	var expanded []model.SpanEvent
	for _, r := range first {
		expanded = append(expanded, r.Expand()...)
	}
	second := collectRuns(NewCompressor(true, nil), expanded)

	require.Len(t, second, 1)
	assert.Equal(t, first[0].Count, second[0].Count)
	assert.Equal(t, first[0].TotalNs, second[0].TotalNs)
	assert.Equal(t, first[0].FirstNs, second[0].FirstNs)
	assert.Equal(t, first[0].LastNs, second[0].LastNs)
	assert.Equal(t, first[0].Template.Name, second[0].Template.Name)
}

func TestLosslessTotalDuration(t *testing.T) {
	// Sum of run totals equals the sum of original span durations, for a
	// mixed stream of repeated and unique spans.
	traceID := uuid.New()
	var spans []model.SpanEvent
	var want uint64
	add := func(name string, start, end uint64, attrs ...model.Attr) {
		spans = append(spans, model.SpanEvent{
			TraceID: traceID, SpanID: uint64(len(spans) + 1), Name: name,
			Kind: model.KindSyscall, StartNs: start, EndNs: end, Attrs: attrs,
		})
		want += end - start
	}
	add("open", 0, 50, model.Attr{Key: "path", Value: "/tmp/x"})
	for i := uint64(0); i < 5; i++ {
		add("read", 50+i*30, 50+i*30+30, model.Attr{Key: "fd", Value: "3"})
	}
	add("close", 500, 520, model.Attr{Key: "fd", Value: "3"})

	runs := collectRuns(NewCompressor(true, nil), spans)
	var got uint64
	for _, r := range runs {
		got += r.TotalNs
	}
	assert.Equal(t, want, got)
}

func TestRatio(t *testing.T) {
	traceID := uuid.New()
	c := NewCompressor(true, nil)
	attrs := []model.Attr{{Key: "fd", Value: "3"}}
	for i := uint64(0); i < 20; i++ {
		c.Push(writeSpan(traceID, i+1, nil, i*10, i*10+10, attrs...))
	}
	assert.InDelta(t, 20.0, c.Ratio(), 0.01)
}
