package graph

import "sort"

const (
	pagerankDamping    = 0.85
	pagerankIterations = 20
	pagerankTolerance  = 1e-6
)

// Rank pairs a node with its centrality score.
type Rank struct {
	Node  int
	Score float64
}

// PageRank ranks nodes by structural centrality with power iteration.
// Dangling mass is redistributed uniformly so scores stay a distribution.
// Iteration stops early once the L1 delta drops under the tolerance; both
// the traversal and the result ordering are deterministic for one input.
func PageRank(g *Graph) []Rank {
	n := len(g.Nodes)
	if n == 0 {
		return nil
	}

	scores := make([]float64, n)
	next := make([]float64, n)
	for i := range scores {
		scores[i] = 1.0 / float64(n)
	}

	outDeg := make([]int, n)
	for _, e := range g.Edges {
		outDeg[e.From]++
	}

	base := (1 - pagerankDamping) / float64(n)
	for iter := 0; iter < pagerankIterations; iter++ {
		var dangling float64
		for i := range next {
			next[i] = base
		}
		for i, d := range outDeg {
			if d == 0 {
				dangling += scores[i]
			}
		}
		share := pagerankDamping * dangling / float64(n)
		for i := range next {
			next[i] += share
		}
		for _, e := range g.Edges {
			next[e.To] += pagerankDamping * scores[e.From] / float64(outDeg[e.From])
		}

		var delta float64
		for i := range scores {
			d := next[i] - scores[i]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		scores, next = next, scores
		if delta < pagerankTolerance {
			break
		}
	}

	ranks := make([]Rank, n)
	for i, s := range scores {
		ranks[i] = Rank{Node: i, Score: s}
	}
	sort.SliceStable(ranks, func(a, b int) bool {
		if ranks[a].Score != ranks[b].Score {
			return ranks[a].Score > ranks[b].Score
		}
		return ranks[a].Node < ranks[b].Node
	})
	return ranks
}
