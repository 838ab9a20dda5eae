package graph

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelens/tracelens/internal/model"
)

func run(traceID uuid.UUID, spanID uint64, parent *uint64, name string, kind model.SpanKind, startNs, endNs uint64, attrs ...model.Attr) model.CompressedSpanRun {
	ev := model.SpanEvent{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parent,
		Name:         name,
		Kind:         kind,
		StartNs:      startNs,
		EndNs:        endNs,
		Attrs:        attrs,
	}
	return model.CompressedSpanRun{
		Template: ev,
		Count:    1,
		FirstNs:  startNs,
		LastNs:   endNs,
		TotalNs:  endNs - startNs,
		MinNs:    endNs - startNs,
		MaxNs:    endNs - startNs,
	}
}

func ptr(v uint64) *uint64 { return &v }

func edgesOfType(g *Graph, t EdgeType) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestBuildParentChildEdges(t *testing.T) {
	id := uuid.New()
	runs := []model.CompressedSpanRun{
		run(id, 1, nil, "root", model.KindComputeBlock, 0, 1000),
		run(id, 2, ptr(1), "read", model.KindSyscall, 100, 200),
		run(id, 3, ptr(1), "write", model.KindSyscall, 300, 400),
	}

	g, err := Build(runs, Config{})
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)

	pc := edgesOfType(g, ParentChild)
	require.Len(t, pc, 2)
	for _, e := range pc {
		assert.Equal(t, uint64(1), g.Nodes[e.From].Run.Template.SpanID)
	}
}

func TestBuildRejectsMixedTraces(t *testing.T) {
	runs := []model.CompressedSpanRun{
		run(uuid.New(), 1, nil, "a", model.KindSyscall, 0, 10),
		run(uuid.New(), 2, nil, "b", model.KindSyscall, 20, 30),
	}
	_, err := Build(runs, Config{})
	require.Error(t, err)
}

func TestHappensBeforeSkipsOverlap(t *testing.T) {
	id := uuid.New()
	runs := []model.CompressedSpanRun{
		run(id, 1, nil, "a", model.KindSyscall, 0, 100),
		run(id, 2, nil, "b", model.KindSyscall, 50, 150), // overlaps a
		run(id, 3, nil, "c", model.KindSyscall, 200, 300),
	}

	g, err := Build(runs, Config{})
	require.NoError(t, err)

	hb := edgesOfType(g, HappensBefore)
	require.Len(t, hb, 1)
	assert.Equal(t, "b", g.Nodes[hb[0].From].Run.Template.Name)
	assert.Equal(t, "c", g.Nodes[hb[0].To].Run.Template.Name)
}

func TestHappensBeforeMinGapWithoutClocks(t *testing.T) {
	id := uuid.New()
	runs := []model.CompressedSpanRun{
		run(id, 1, nil, "a", model.KindSyscall, 0, 100),
		run(id, 2, nil, "b", model.KindSyscall, 105, 200), // 5ns gap
	}

	g, err := Build(runs, Config{MinGapNs: 50})
	require.NoError(t, err)
	assert.Empty(t, edgesOfType(g, HappensBefore))

	g, err = Build(runs, Config{MinGapNs: 1})
	require.NoError(t, err)
	assert.Len(t, edgesOfType(g, HappensBefore), 1)
}

func TestHappensBeforeLogicalClockOrder(t *testing.T) {
	id := uuid.New()
	a := run(id, 1, nil, "a", model.KindSyscall, 0, 100)
	a.Template.LogicalClock = ptr(2)
	b := run(id, 2, nil, "b", model.KindSyscall, 200, 300)
	b.Template.LogicalClock = ptr(1)

	// Clocks invert the wall-clock order, which would make the edge point
	// backward in time. b overlaps nothing but a's window ends before b
	// starts, so the clocked order b -> a fails the temporal gate and no
	// edge is asserted.
	g, err := Build([]model.CompressedSpanRun{a, b}, Config{})
	require.NoError(t, err)
	assert.Empty(t, edgesOfType(g, HappensBefore))
}

func TestDataFlowLastWriterToReader(t *testing.T) {
	id := uuid.New()
	runs := []model.CompressedSpanRun{
		run(id, 1, nil, "write", model.KindSyscall, 0, 10, model.Attr{Key: "fd", Value: "3"}),
		run(id, 2, nil, "write", model.KindSyscall, 20, 30, model.Attr{Key: "fd", Value: "3"}),
		run(id, 3, nil, "read", model.KindSyscall, 40, 50,
			model.Attr{Key: "fd", Value: "3"}, model.Attr{Key: "bytes", Value: "4096"}),
		run(id, 4, nil, "read", model.KindSyscall, 60, 70, model.Attr{Key: "fd", Value: "9"}),
	}

	g, err := Build(runs, Config{})
	require.NoError(t, err)

	df := edgesOfType(g, DataFlow)
	require.Len(t, df, 1)
	assert.Equal(t, uint64(2), g.Nodes[df[0].From].Run.Template.SpanID)
	assert.Equal(t, uint64(3), g.Nodes[df[0].To].Run.Template.SpanID)
	assert.Equal(t, 4096.0, df[0].Weight)
}

func TestDataFlowGpuTransfers(t *testing.T) {
	id := uuid.New()
	runs := []model.CompressedSpanRun{
		run(id, 1, nil, "memcpy", model.KindGpuTransfer, 0, 10,
			model.Attr{Key: "direction", Value: "h2d"}, model.Attr{Key: "device", Value: "0"}),
		run(id, 2, nil, "memcpy", model.KindGpuTransfer, 20, 30,
			model.Attr{Key: "direction", Value: "d2h"}, model.Attr{Key: "device", Value: "0"}),
	}

	g, err := Build(runs, Config{})
	require.NoError(t, err)
	assert.Len(t, edgesOfType(g, DataFlow), 1)
}

func TestBuildDetectsCycle(t *testing.T) {
	id := uuid.New()
	// The parent starts after its child ends: ParentChild points backward
	// in time while HappensBefore points forward, closing a loop.
	runs := []model.CompressedSpanRun{
		run(id, 2, ptr(1), "child", model.KindSyscall, 0, 100),
		run(id, 1, nil, "parent", model.KindComputeBlock, 200, 300),
	}

	_, err := Build(runs, Config{})
	require.ErrorIs(t, err, ErrCycle)
}

func TestBuildEmpty(t *testing.T) {
	g, err := Build(nil, Config{})
	require.NoError(t, err)
	assert.Empty(t, g.Nodes)
	assert.Empty(t, FindCriticalPath(g).Steps)
	assert.Empty(t, PageRank(g))
}
