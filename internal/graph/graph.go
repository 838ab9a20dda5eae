// Package graph builds and analyzes the causal graph of one trace.
//
// Nodes are compressed span runs in a dense arena ordered by start time;
// edges are ephemeral, rebuilt per analysis request and never persisted.
// Temporal and data-flow edges always point forward in time; parent links
// follow the recorded structure even when a parent starts after its child.
// A post-construction cycle check turns any clock-skew artifact into a
// typed error instead of a silently broken ordering.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tracelens/tracelens/internal/model"
)

// ErrCycle reports a cycle in a built graph: a clock or timestamp invariant
// was violated upstream. Fatal for the one analysis request only.
var ErrCycle = errors.New("graph: cycle detected, clock invariant violated")

// EdgeType classifies a causal edge.
type EdgeType uint8

const (
	// ParentChild is the explicit structural edge from parent_span_id.
	ParentChild EdgeType = iota
	// HappensBefore is the temporal edge between non-overlapping neighbors.
	HappensBefore
	// DataFlow is the last-writer-to-reader edge over a shared resource.
	DataFlow
)

func (t EdgeType) String() string {
	switch t {
	case ParentChild:
		return "parent_child"
	case HappensBefore:
		return "happens_before"
	case DataFlow:
		return "data_flow"
	}
	return "unknown"
}

// Node is one compressed run in the arena. WeightNs is the run's total
// duration: per-event duration summed over every repetition.
type Node struct {
	Index    int
	Run      model.CompressedSpanRun
	WeightNs uint64
}

// Edge points from one node to a later one.
type Edge struct {
	From   int
	To     int
	Type   EdgeType
	Weight float64 // bytes for DataFlow, 0 otherwise
}

// Graph is the arena-plus-index representation: dense node array, edge
// list, and adjacency indices. Read-only after Build.
type Graph struct {
	Nodes []Node
	Edges []Edge

	out [][]int // edge indices by source node
	in  [][]int // edge indices by target node
}

// Config tunes graph construction.
type Config struct {
	// MinGapNs is the minimum gap required for a HappensBefore edge between
	// two spans when either side lacks a logical clock. With clocks on both
	// sides the order is known and no gap is required.
	MinGapNs uint64
}

// Build constructs the causal graph for one trace's runs.
func Build(runs []model.CompressedSpanRun, cfg Config) (*Graph, error) {
	g := &Graph{}
	if len(runs) == 0 {
		return g, nil
	}

	traceID := runs[0].Template.TraceID
	for _, r := range runs {
		if r.Template.TraceID != traceID {
			return nil, fmt.Errorf("graph: mixed trace ids %s and %s", traceID, r.Template.TraceID)
		}
	}

	// Arena in start-time order.
	ordered := make([]model.CompressedSpanRun, len(runs))
	copy(ordered, runs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].FirstNs < ordered[j].FirstNs })

	g.Nodes = make([]Node, len(ordered))
	bySpanID := make(map[uint64]int, len(ordered))
	for i, r := range ordered {
		g.Nodes[i] = Node{Index: i, Run: r, WeightNs: r.TotalNs}
		bySpanID[r.Template.SpanID] = i
	}

	// ParentChild edges from resolvable parents in the same trace.
	for i, n := range g.Nodes {
		pid := n.Run.Template.ParentSpanID
		if pid == nil {
			continue
		}
		if parent, ok := bySpanID[*pid]; ok && parent != i {
			g.addEdge(Edge{From: parent, To: i, Type: ParentChild})
		}
	}

	g.happensBefore(cfg)
	g.dataFlow()

	if g.hasCycle() {
		return nil, ErrCycle
	}
	return g, nil
}

// happensBefore links temporal neighbors in logical-clock order when both
// sides carry a clock, otherwise start-time order. An edge is added only
// when the later span starts at or after the earlier one ends: concurrent
// spans never get a false causal assertion.
func (g *Graph) happensBefore(cfg Config) {
	order := make([]int, len(g.Nodes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		na, nb := g.Nodes[order[a]].Run.Template, g.Nodes[order[b]].Run.Template
		if na.LogicalClock != nil && nb.LogicalClock != nil {
			return *na.LogicalClock < *nb.LogicalClock
		}
		return g.Nodes[order[a]].Run.FirstNs < g.Nodes[order[b]].Run.FirstNs
	})

	for i := 0; i+1 < len(order); i++ {
		cur, next := g.Nodes[order[i]], g.Nodes[order[i+1]]
		if next.Run.FirstNs < cur.Run.LastNs {
			continue // temporal overlap: order unknown
		}
		clocked := cur.Run.Template.LogicalClock != nil && next.Run.Template.LogicalClock != nil
		if !clocked && next.Run.FirstNs-cur.Run.LastNs < cfg.MinGapNs {
			continue // too close to assert order from wall clocks alone
		}
		g.addEdge(Edge{From: cur.Index, To: next.Index, Type: HappensBefore})
	}
}

// dataFlow tracks the last writer per resource and links it to each
// subsequent reader. Edge weight is the transfer size in bytes when known.
func (g *Graph) dataFlow() {
	lastWriter := make(map[string]int)

	for i, n := range g.Nodes {
		res, dir := resourceAccess(n.Run.Template)
		if res == "" {
			continue
		}
		switch dir {
		case accessWrite:
			lastWriter[res] = i
		case accessRead:
			if w, ok := lastWriter[res]; ok && w != i {
				g.addEdge(Edge{From: w, To: i, Type: DataFlow, Weight: bytesAttr(n.Run.Template)})
			}
		}
	}
}

type accessDir uint8

const (
	accessNone accessDir = iota
	accessRead
	accessWrite
)

var (
	writeNames = map[string]struct{}{
		"write": {}, "pwrite": {}, "pwrite64": {}, "writev": {},
		"send": {}, "sendto": {}, "sendmsg": {},
	}
	readNames = map[string]struct{}{
		"read": {}, "pread": {}, "pread64": {}, "readv": {},
		"recv": {}, "recvfrom": {}, "recvmsg": {},
	}
)

// resourceAccess classifies a span as a read or write of a named resource.
// The switch is exhaustive over the closed kind set.
func resourceAccess(ev model.SpanEvent) (string, accessDir) {
	switch ev.Kind {
	case model.KindSyscall:
		res, ok := ev.Attr("fd")
		if !ok {
			res, ok = ev.Attr("path")
		}
		if !ok {
			return "", accessNone
		}
		if _, w := writeNames[ev.Name]; w {
			return res, accessWrite
		}
		if _, r := readNames[ev.Name]; r {
			return res, accessRead
		}
		return "", accessNone
	case model.KindGpuTransfer:
		// Host-to-device populates device memory; device-to-host consumes it.
		dev, ok := ev.Attr("device")
		if !ok {
			dev = "0"
		}
		switch dir, _ := ev.Attr("direction"); dir {
		case "h2d":
			return "device:" + dev, accessWrite
		case "d2h":
			return "device:" + dev, accessRead
		}
		return "", accessNone
	case model.KindGpuKernel, model.KindComputeBlock, model.KindDecision:
		return "", accessNone
	}
	return "", accessNone
}

func bytesAttr(ev model.SpanEvent) float64 {
	v, ok := ev.Attr("bytes")
	if !ok {
		return 0
	}
	var n float64
	if _, err := fmt.Sscanf(v, "%g", &n); err != nil {
		return 0
	}
	return n
}

func (g *Graph) addEdge(e Edge) {
	if g.out == nil {
		g.out = make([][]int, len(g.Nodes))
		g.in = make([][]int, len(g.Nodes))
	}
	idx := len(g.Edges)
	g.Edges = append(g.Edges, e)
	g.out[e.From] = append(g.out[e.From], idx)
	g.in[e.To] = append(g.in[e.To], idx)
}

// Out returns the edges leaving node i.
func (g *Graph) Out(i int) []Edge {
	if g.out == nil {
		return nil
	}
	edges := make([]Edge, 0, len(g.out[i]))
	for _, idx := range g.out[i] {
		edges = append(edges, g.Edges[idx])
	}
	return edges
}

// In returns the edges entering node i.
func (g *Graph) In(i int) []Edge {
	if g.in == nil {
		return nil
	}
	edges := make([]Edge, 0, len(g.in[i]))
	for _, idx := range g.in[i] {
		edges = append(edges, g.Edges[idx])
	}
	return edges
}

// OutDegree counts edges of one type leaving node i.
func (g *Graph) OutDegree(i int, t EdgeType) int {
	if g.out == nil {
		return 0
	}
	n := 0
	for _, idx := range g.out[i] {
		if g.Edges[idx].Type == t {
			n++
		}
	}
	return n
}

// hasCycle runs an iterative three-color DFS over the edge list.
func (g *Graph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]byte, len(g.Nodes))

	for start := range g.Nodes {
		if color[start] != white {
			continue
		}
		type frame struct {
			node int
			next int
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			var advanced bool
			for f.next < len(g.outEdges(f.node)) {
				e := g.outEdges(f.node)[f.next]
				f.next++
				to := g.Edges[e].To
				switch color[to] {
				case gray:
					return true
				case white:
					color[to] = gray
					stack = append(stack, frame{node: to})
					advanced = true
				}
				if advanced {
					break
				}
			}
			if !advanced && f.next >= len(g.outEdges(f.node)) {
				color[f.node] = black
				stack = stack[:len(stack)-1]
			}
		}
	}
	return false
}

func (g *Graph) outEdges(i int) []int {
	if g.out == nil {
		return nil
	}
	return g.out[i]
}
