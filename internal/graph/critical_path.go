package graph

// PathStep is one node on the critical path.
type PathStep struct {
	Node       int
	Name       string
	SpanID     uint64
	StartNs    uint64
	DurationNs uint64
	Count      uint32
}

// CriticalPath is the longest-duration causally dependent chain of spans.
type CriticalPath struct {
	Steps   []PathStep
	TotalNs uint64
}

// FindCriticalPath computes the dominant causal chain with one dynamic
// programming pass in topological order, so each node is seen after all of
// its predecessors even when a parent starts later than its child and its
// edge points backward in the time-ordered arena:
//
//	dist[v] = max over incoming (u -> v) of dist[u] + duration[u]
//
// Ties are broken by larger edge weight, then earlier start time, making the
// result deterministic for identical inputs.
func FindCriticalPath(g *Graph) CriticalPath {
	n := len(g.Nodes)
	if n == 0 {
		return CriticalPath{}
	}

	dist := make([]uint64, n)
	parent := make([]int, n)
	parentWeight := make([]float64, n)
	for i := range parent {
		parent[i] = -1
	}

	for _, v := range g.topoOrder() {
		for _, e := range g.In(v) {
			u := e.From
			cand := dist[u] + g.Nodes[u].WeightNs
			better := cand > dist[v]
			if !better && cand == dist[v] && parent[v] != -1 {
				if e.Weight > parentWeight[v] {
					better = true
				} else if e.Weight == parentWeight[v] &&
					g.Nodes[u].Run.FirstNs < g.Nodes[parent[v]].Run.FirstNs {
					better = true
				}
			}
			if better {
				dist[v] = cand
				parent[v] = u
				parentWeight[v] = e.Weight
			}
		}
	}

	// The chain ends at the node maximizing dist + own duration; earlier
	// start wins a tie so the answer is stable.
	end, best := 0, dist[0]+g.Nodes[0].WeightNs
	for v := 1; v < n; v++ {
		total := dist[v] + g.Nodes[v].WeightNs
		if total > best {
			end, best = v, total
		}
	}

	var rev []int
	for v := end; v != -1; v = parent[v] {
		rev = append(rev, v)
	}

	cp := CriticalPath{TotalNs: best, Steps: make([]PathStep, 0, len(rev))}
	for i := len(rev) - 1; i >= 0; i-- {
		node := g.Nodes[rev[i]]
		cp.Steps = append(cp.Steps, PathStep{
			Node:       node.Index,
			Name:       node.Run.Template.Name,
			SpanID:     node.Run.Template.SpanID,
			StartNs:    node.Run.FirstNs,
			DurationNs: node.WeightNs,
			Count:      node.Run.Count,
		})
	}
	return cp
}

// topoOrder returns the nodes in a deterministic topological order. Build
// rejects cyclic graphs, so every node is emitted.
func (g *Graph) topoOrder() []int {
	n := len(g.Nodes)
	indeg := make([]int, n)
	for _, e := range g.Edges {
		indeg[e.To]++
	}

	queue := make([]int, 0, n)
	for v := 0; v < n; v++ {
		if indeg[v] == 0 {
			queue = append(queue, v)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, idx := range g.outEdges(v) {
			to := g.Edges[idx].To
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	return order
}
