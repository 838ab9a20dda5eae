package graph

import (
	"fmt"

	"github.com/tracelens/tracelens/internal/model"
)

// Severity grades a finding.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Pattern names a detected anti-pattern shape.
type Pattern uint8

const (
	// GodProcess flags a node whose structural fan-out exceeds the threshold.
	GodProcess Pattern = iota
	// TightLoop flags the same span name recurring densely in time order.
	TightLoop
	// TransferBottleneck flags a kernel dominated by its memory transfers.
	TransferBottleneck
)

func (p Pattern) String() string {
	switch p {
	case GodProcess:
		return "god_process"
	case TightLoop:
		return "tight_loop"
	case TransferBottleneck:
		return "transfer_bottleneck"
	}
	return "unknown"
}

// Finding is one detector hit. Value and Threshold carry the measured
// quantity and the limit it crossed so the result is auditable.
type Finding struct {
	Pattern   Pattern
	Severity  Severity
	Node      int
	SpanName  string
	Value     float64
	Threshold float64
	Detail    string
}

// Thresholds tunes the detectors. Zero values fall back to defaults.
type Thresholds struct {
	GodProcessDegree int     // ParentChild out-degree limit, default 100
	TightLoopWindow  int     // sliding window length, default 10
	TightLoopCount   int     // max same-name occurrences per window, default 5
	TransferRatio    float64 // transfer/compute duration ratio, default 5
}

func (t Thresholds) withDefaults() Thresholds {
	if t.GodProcessDegree <= 0 {
		t.GodProcessDegree = 100
	}
	if t.TightLoopWindow <= 0 {
		t.TightLoopWindow = 10
	}
	if t.TightLoopCount <= 0 {
		t.TightLoopCount = 5
	}
	if t.TransferRatio <= 0 {
		t.TransferRatio = 5
	}
	return t
}

// DetectAntipatterns runs every detector over a built graph and returns the
// combined findings in node order. Detectors are independent: a node can
// appear in more than one finding.
func DetectAntipatterns(g *Graph, th Thresholds) []Finding {
	th = th.withDefaults()
	var findings []Finding
	findings = append(findings, detectGodProcess(g, th)...)
	findings = append(findings, detectTightLoops(g, th)...)
	findings = append(findings, detectTransferBottlenecks(g, th)...)
	return findings
}

// detectGodProcess flags nodes whose ParentChild fan-out exceeds the
// threshold. Severity scales with how far past the limit the node is.
func detectGodProcess(g *Graph, th Thresholds) []Finding {
	var findings []Finding
	for i := range g.Nodes {
		deg := g.OutDegree(i, ParentChild)
		if deg <= th.GodProcessDegree {
			continue
		}
		ratio := float64(deg) / float64(th.GodProcessDegree)
		sev := SeverityLow
		switch {
		case ratio > 3:
			sev = SeverityCritical
		case ratio > 2:
			sev = SeverityHigh
		case ratio > 1.5:
			sev = SeverityMedium
		}
		findings = append(findings, Finding{
			Pattern:   GodProcess,
			Severity:  sev,
			Node:      i,
			SpanName:  g.Nodes[i].Run.Template.Name,
			Value:     float64(deg),
			Threshold: float64(th.GodProcessDegree),
			Detail:    fmt.Sprintf("%d child spans fan out from %q", deg, g.Nodes[i].Run.Template.Name),
		})
	}
	return findings
}

// detectTightLoops flags dense repetition of one span name. Compressed runs
// already collapse back-to-back repetitions, so a single run whose count
// exceeds the count threshold is a loop on its own; the sliding window then
// catches repetitions interleaved with other work.
func detectTightLoops(g *Graph, th Thresholds) []Finding {
	var findings []Finding
	reported := make(map[int]bool)

	for i, n := range g.Nodes {
		if int(n.Run.Count) <= th.TightLoopCount {
			continue
		}
		findings = append(findings, Finding{
			Pattern:   TightLoop,
			Severity:  loopSeverity(int(n.Run.Count)),
			Node:      i,
			SpanName:  n.Run.Template.Name,
			Value:     float64(n.Run.Count),
			Threshold: float64(th.TightLoopCount),
			Detail:    fmt.Sprintf("%q repeated %d times back to back", n.Run.Template.Name, n.Run.Count),
		})
		reported[i] = true
	}

	// Sliding window over the time-ordered arena. Repetition counts weigh
	// each node by how many events it stands for. Names are examined in
	// window node order so findings come back in a fixed order.
	for start := 0; start+th.TightLoopWindow <= len(g.Nodes); start++ {
		counts := make(map[string]int)
		first := make(map[string]int)
		for i := start; i < start+th.TightLoopWindow; i++ {
			name := g.Nodes[i].Run.Template.Name
			counts[name] += int(g.Nodes[i].Run.Count)
			if _, ok := first[name]; !ok {
				first[name] = i
			}
		}
		for i := start; i < start+th.TightLoopWindow; i++ {
			name := g.Nodes[i].Run.Template.Name
			node := first[name]
			if node != i {
				continue // name already examined at its first window node
			}
			c := counts[name]
			if c <= th.TightLoopCount || reported[node] {
				continue
			}
			reported[node] = true
			findings = append(findings, Finding{
				Pattern:   TightLoop,
				Severity:  loopSeverity(c),
				Node:      node,
				SpanName:  name,
				Value:     float64(c),
				Threshold: float64(th.TightLoopCount),
				Detail:    fmt.Sprintf("%q occurred %d times within %d consecutive spans", name, c, th.TightLoopWindow),
			})
		}
	}
	return findings
}

func loopSeverity(count int) Severity {
	switch {
	case count >= 1000:
		return SeverityCritical
	case count >= 100:
		return SeverityHigh
	case count >= 20:
		return SeverityMedium
	}
	return SeverityLow
}

// detectTransferBottlenecks flags kernel nodes whose associated transfer
// time dwarfs their compute time. The transfer duration rides on the kernel
// span as an attribute recorded by the GPU tracer.
func detectTransferBottlenecks(g *Graph, th Thresholds) []Finding {
	var findings []Finding
	for i, n := range g.Nodes {
		ev := n.Run.Template
		if ev.Kind != model.KindGpuKernel {
			continue
		}
		v, ok := ev.Attr("transfer_ns")
		if !ok {
			continue
		}
		var transferNs float64
		if _, err := fmt.Sscanf(v, "%g", &transferNs); err != nil || transferNs <= 0 {
			continue
		}
		computeNs := float64(ev.DurationNs())
		if computeNs <= 0 {
			continue
		}
		ratio := transferNs / computeNs
		if ratio <= th.TransferRatio {
			continue
		}
		sev := SeverityMedium
		switch {
		case ratio > 4*th.TransferRatio:
			sev = SeverityCritical
		case ratio > 2*th.TransferRatio:
			sev = SeverityHigh
		}
		findings = append(findings, Finding{
			Pattern:   TransferBottleneck,
			Severity:  sev,
			Node:      i,
			SpanName:  ev.Name,
			Value:     ratio,
			Threshold: th.TransferRatio,
			Detail:    fmt.Sprintf("kernel %q spends %.1fx its compute time moving memory", ev.Name, ratio),
		})
	}
	return findings
}
