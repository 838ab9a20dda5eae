package model

// CompressedSpanRun is a run of consecutive structurally identical spans
// collapsed into one record. Count == 1 means no compression occurred.
// A run is immutable once flushed to the trace store.
type CompressedSpanRun struct {
	Template SpanEvent `json:"template"`
	Count    uint32    `json:"count"`
	FirstNs  uint64    `json:"first_ns"`
	LastNs   uint64    `json:"last_ns"`

	// TotalNs is the exact sum of per-event durations across the run, so the
	// trace's total time survives compression even when repeats vary.
	TotalNs uint64 `json:"total_ns"`

	// MinNs and MaxNs bound the per-event durations, for variance analysis.
	MinNs uint64 `json:"min_ns"`
	MaxNs uint64 `json:"max_ns"`
}

// AvgNs returns the mean per-event duration.
func (r CompressedSpanRun) AvgNs() uint64 {
	if r.Count == 0 {
		return 0
	}
	return r.TotalNs / uint64(r.Count)
}

// SpreadNs is the max-min duration spread across the run, a cheap stand-in
// for variance when deciding whether a tight loop ran uniformly.
func (r CompressedSpanRun) SpreadNs() uint64 {
	return r.MaxNs - r.MinNs
}

// Expand reconstructs the run as Count individual spans. Span timing is
// synthesized from the run bounds and the mean duration; structural fields
// are copied from the template. Re-compressing the expansion reproduces the
// run exactly when the original repeats were uniform.
func (r CompressedSpanRun) Expand() []SpanEvent {
	spans := make([]SpanEvent, 0, r.Count)
	avg := r.AvgNs()
	// Space starts so the first span begins at FirstNs and the last ends at
	// LastNs; every event keeps the mean duration.
	var stride uint64
	if r.Count > 1 && r.LastNs >= r.FirstNs+avg {
		stride = (r.LastNs - avg - r.FirstNs) / uint64(r.Count-1)
	}
	for i := uint32(0); i < r.Count; i++ {
		ev := r.Template
		ev.StartNs = r.FirstNs + uint64(i)*stride
		ev.EndNs = ev.StartNs + avg
		if r.Template.LogicalClock != nil {
			lc := *r.Template.LogicalClock + uint64(i)
			ev.LogicalClock = &lc
		}
		spans = append(spans, ev)
	}
	if n := len(spans); n > 0 {
		spans[n-1].EndNs = r.LastNs
		if r.LastNs >= avg {
			spans[n-1].StartNs = r.LastNs - avg
		}
	}
	return spans
}

// GoldenTrace is one captured execution: the ordered spans sharing a trace
// identifier. The regression and semantic engines only ever read it.
type GoldenTrace struct {
	Spans []SpanEvent
}

// TotalDurationNs sums every span duration in the trace.
func (t GoldenTrace) TotalDurationNs() uint64 {
	var total uint64
	for _, s := range t.Spans {
		total += s.DurationNs()
	}
	return total
}
