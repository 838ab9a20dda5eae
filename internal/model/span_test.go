package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	id := uuid.New()

	ok := SpanEvent{TraceID: id, SpanID: 1, Name: "read", StartNs: 10, EndNs: 20}
	require.NoError(t, ok.Validate())

	missingTrace := ok
	missingTrace.TraceID = uuid.Nil
	assert.Error(t, missingTrace.Validate())

	missingName := ok
	missingName.Name = ""
	assert.Error(t, missingName.Validate())

	backwards := ok
	backwards.StartNs, backwards.EndNs = 20, 10
	assert.Error(t, backwards.Validate())

	dup := ok
	dup.Attrs = []Attr{{Key: "fd", Value: "3"}, {Key: "fd", Value: "4"}}
	assert.Error(t, dup.Validate())
}

func TestFingerprintIgnoresTiming(t *testing.T) {
	exclude := map[string]struct{}{"duration_ns": {}}

	a := SpanEvent{
		TraceID: uuid.New(), SpanID: 1, Name: "write",
		StartNs: 0, EndNs: 100,
		Attrs: []Attr{{Key: "fd", Value: "3"}, {Key: "duration_ns", Value: "100"}},
	}
	b := a
	b.SpanID = 2
	b.StartNs, b.EndNs = 200, 350
	b.Attrs = []Attr{{Key: "duration_ns", Value: "150"}, {Key: "fd", Value: "3"}}

	assert.Equal(t, a.Fingerprint(exclude), b.Fingerprint(exclude))
	assert.True(t, a.StructuralEqual(b, exclude))
}

func TestFingerprintDistinguishesPayload(t *testing.T) {
	exclude := map[string]struct{}{}

	a := SpanEvent{Name: "open", Attrs: []Attr{{Key: "path", Value: "/tmp/a"}}}
	b := SpanEvent{Name: "open", Attrs: []Attr{{Key: "path", Value: "/tmp/b"}}}

	assert.NotEqual(t, a.Fingerprint(exclude), b.Fingerprint(exclude))
	assert.False(t, a.StructuralEqual(b, exclude))
}

func TestStructuralEqualParent(t *testing.T) {
	p1, p2 := uint64(7), uint64(8)
	a := SpanEvent{Name: "read", ParentSpanID: &p1}
	b := SpanEvent{Name: "read", ParentSpanID: &p2}
	c := SpanEvent{Name: "read"}

	assert.False(t, a.StructuralEqual(b, nil))
	assert.False(t, a.StructuralEqual(c, nil))
	b.ParentSpanID = &p1
	assert.True(t, a.StructuralEqual(b, nil))
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []SpanKind{KindSyscall, KindGpuKernel, KindGpuTransfer, KindComputeBlock, KindDecision} {
		parsed, err := KindFromString(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := KindFromString("bogus")
	assert.Error(t, err)
}

func TestExpandUniformRun(t *testing.T) {
	run := CompressedSpanRun{
		Template: SpanEvent{TraceID: uuid.New(), SpanID: 1, Name: "write", StartNs: 0, EndNs: 100},
		Count:    3,
		FirstNs:  0,
		LastNs:   300,
		TotalNs:  300,
		MinNs:    100,
		MaxNs:    100,
	}

	spans := run.Expand()
	require.Len(t, spans, 3)
	assert.Equal(t, uint64(0), spans[0].StartNs)
	assert.Equal(t, uint64(100), spans[0].EndNs)
	assert.Equal(t, uint64(300), spans[2].EndNs)

	var total uint64
	for _, s := range spans {
		total += s.DurationNs()
	}
	assert.Equal(t, run.TotalNs, total)
}

func TestExpandSingle(t *testing.T) {
	run := CompressedSpanRun{
		Template: SpanEvent{TraceID: uuid.New(), SpanID: 9, Name: "open", StartNs: 50, EndNs: 80},
		Count:    1,
		FirstNs:  50,
		LastNs:   80,
		TotalNs:  30,
		MinNs:    30,
		MaxNs:    30,
	}
	spans := run.Expand()
	require.Len(t, spans, 1)
	assert.Equal(t, run.Template.StartNs, spans[0].StartNs)
	assert.Equal(t, run.Template.EndNs, spans[0].EndNs)
}
