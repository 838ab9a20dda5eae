package tracelens

import (
	"sort"

	"github.com/google/uuid"

	"github.com/tracelens/tracelens/internal/graph"
	"github.com/tracelens/tracelens/internal/model"
	"github.com/tracelens/tracelens/internal/regression"
	"github.com/tracelens/tracelens/internal/semantic"
)

// Kind classifies a span. The set is closed: anything else is malformed.
type Kind string

const (
	KindSyscall      Kind = "syscall"
	KindGpuKernel    Kind = "gpu_kernel"
	KindGpuTransfer  Kind = "gpu_transfer"
	KindComputeBlock Kind = "compute_block"
	KindDecision     Kind = "decision"
)

// Span is the public representation of one traced event. It is a curated
// view of the internal span model for use at the API boundary.
type Span struct {
	TraceID      uuid.UUID
	SpanID       uint64
	ParentSpanID *uint64
	Name         string
	Kind         Kind
	StartNs      uint64
	EndNs        uint64
	Attrs        map[string]string
	LogicalClock *uint64
}

// Trace is an expanded trace: every compressed run unrolled back into
// individual spans, ordered by start time.
type Trace struct {
	ID    uuid.UUID
	Spans []Span
}

// PathStep is one span on the critical path.
type PathStep struct {
	Name       string
	SpanID     uint64
	StartNs    uint64
	DurationNs uint64
	Count      uint32
}

// CriticalPath is the dominant causally-dependent chain of one trace.
type CriticalPath struct {
	Steps   []PathStep
	TotalNs uint64
}

// Finding is one anti-pattern detector hit.
type Finding struct {
	Pattern   string
	Severity  string
	SpanName  string
	Value     float64
	Threshold float64
	Detail    string
}

// Rank pairs a span with its structural centrality score.
type Rank struct {
	SpanName string
	SpanID   uint64
	Score    float64
}

// RegressionReport is the auditable outcome of a baseline/current
// comparison. Verdict is one of pass, improvement, justified_regression,
// unjustified_regression.
type RegressionReport struct {
	Verdict        string
	Method         string
	PValue         float64
	Threshold      float64
	Confidence     float64
	BaselineMeanNs float64
	CurrentMeanNs  float64
	ChangeRatio    float64
	FilteredNames  []string
	NewCritical    []Finding
	Justification  string
}

// SemanticMismatch is one divergence between two traces.
type SemanticMismatch struct {
	Resource string
	Kind     string
	Severity string
	Detail   string
}

// SemanticReport is the outcome of a semantic equivalence comparison.
// The operation-count ratio is informational and never affects Equivalent.
type SemanticReport struct {
	Equivalent   bool
	Mismatches   []SemanticMismatch
	OpsA         int
	OpsB         int
	OpCountRatio float64
}

// SummaryRow aggregates one span name within a trace.
type SummaryRow struct {
	Name    string
	Count   uint64 // expanded event count, repetitions included
	TotalNs uint64
	MinNs   uint64
	MaxNs   uint64
	MeanNs  float64
	Share   float64 // fraction of the summed trace duration
}

// Summary is the per-trace aggregate view.
type Summary struct {
	TraceID     uuid.UUID
	WallClockNs uint64
	Rows        []SummaryRow
}

// Stats is a point-in-time snapshot of the engine's fault counters.
type Stats struct {
	BufferLen    int
	Dropped      int64
	Rejected     int64
	LateRejected int64
	SkippedRows  int64
}

// toModelSpan converts a public span. Attribute maps iterate in random
// order, so keys are sorted before conversion to keep fingerprints stable.
func toModelSpan(s Span) (model.SpanEvent, error) {
	kind, err := model.KindFromString(string(s.Kind))
	if err != nil {
		return model.SpanEvent{}, err
	}
	ev := model.SpanEvent{
		TraceID:      s.TraceID,
		SpanID:       s.SpanID,
		ParentSpanID: s.ParentSpanID,
		Name:         s.Name,
		Kind:         kind,
		StartNs:      s.StartNs,
		EndNs:        s.EndNs,
		LogicalClock: s.LogicalClock,
	}
	if len(s.Attrs) > 0 {
		keys := make([]string, 0, len(s.Attrs))
		for k := range s.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ev.Attrs = make([]model.Attr, 0, len(keys))
		for _, k := range keys {
			ev.Attrs = append(ev.Attrs, model.Attr{Key: k, Value: s.Attrs[k]})
		}
	}
	return ev, nil
}

func toPublicSpan(ev model.SpanEvent) Span {
	s := Span{
		TraceID:      ev.TraceID,
		SpanID:       ev.SpanID,
		ParentSpanID: ev.ParentSpanID,
		Name:         ev.Name,
		Kind:         Kind(ev.Kind.String()),
		StartNs:      ev.StartNs,
		EndNs:        ev.EndNs,
		LogicalClock: ev.LogicalClock,
	}
	if len(ev.Attrs) > 0 {
		s.Attrs = make(map[string]string, len(ev.Attrs))
		for _, a := range ev.Attrs {
			s.Attrs[a.Key] = a.Value
		}
	}
	return s
}

func toPublicFinding(f graph.Finding) Finding {
	return Finding{
		Pattern:   f.Pattern.String(),
		Severity:  f.Severity.String(),
		SpanName:  f.SpanName,
		Value:     f.Value,
		Threshold: f.Threshold,
		Detail:    f.Detail,
	}
}

func toPublicRegression(r regression.Result) RegressionReport {
	rep := RegressionReport{
		Verdict:        r.Verdict.String(),
		Method:         r.Basis.Method.String(),
		PValue:         r.Basis.PValue,
		Threshold:      r.Basis.Threshold,
		Confidence:     r.Basis.Confidence,
		BaselineMeanNs: r.BaselineMeanNs,
		CurrentMeanNs:  r.CurrentMeanNs,
		ChangeRatio:    r.ChangeRatio,
		FilteredNames:  r.FilteredNames,
		Justification:  r.Justification,
	}
	for _, f := range r.NewCritical {
		rep.NewCritical = append(rep.NewCritical, toPublicFinding(f))
	}
	return rep
}

func toPublicSemantic(r semantic.Report) SemanticReport {
	rep := SemanticReport{
		Equivalent:   r.Equivalent,
		OpsA:         r.OpsA,
		OpsB:         r.OpsB,
		OpCountRatio: r.OpCountRatio,
	}
	for _, m := range r.Mismatches {
		rep.Mismatches = append(rep.Mismatches, SemanticMismatch{
			Resource: m.Resource,
			Kind:     m.Kind.String(),
			Severity: m.Severity.String(),
			Detail:   m.Detail,
		})
	}
	return rep
}
