package ingest

import (
	"github.com/tracelens/tracelens/internal/model"
)

// DefaultTimingKeys are the attribute keys excluded from structural identity
// by default. Producers that introduce new timing-like attributes extend the
// set through configuration rather than a code change.
var DefaultTimingKeys = []string{"duration_ns", "start_ns", "end_ns", "timestamp"}

// Compressor run-length-encodes consecutive structurally identical spans.
// It holds at most one open run; a structurally different span flushes the
// open run and starts a new one. Not safe for concurrent use — it belongs to
// the single pipeline consumer.
type Compressor struct {
	enabled bool
	timing  map[string]struct{}

	open   *model.CompressedSpanRun
	openFP uint64

	emitted  uint64 // runs flushed so far
	absorbed uint64 // spans pushed so far
}

// NewCompressor creates a compressor. timingKeys lists the attribute keys
// excluded from structural comparison; nil means DefaultTimingKeys. With
// enabled false every span becomes its own run (Count == 1).
func NewCompressor(enabled bool, timingKeys []string) *Compressor {
	if timingKeys == nil {
		timingKeys = DefaultTimingKeys
	}
	timing := make(map[string]struct{}, len(timingKeys))
	for _, k := range timingKeys {
		timing[k] = struct{}{}
	}
	return &Compressor{enabled: enabled, timing: timing}
}

// Push feeds one span. If it extends the open run, nothing is emitted.
// Otherwise the open run is returned (flushed) and the span opens a new run.
// The fast path compares precomputed fingerprints; only on a match does the
// full structural comparison run, so a fingerprint collision can never merge
// spans whose payload differs.
func (c *Compressor) Push(span model.SpanEvent) *model.CompressedSpanRun {
	c.absorbed++
	fp := c.exclusionKeys(span.Kind)
	spanFP := span.Fingerprint(fp)

	if c.open != nil && c.enabled &&
		c.open.Template.TraceID == span.TraceID &&
		spanFP == c.openFP &&
		c.open.Template.StructuralEqual(span, fp) {
		c.open.Count++
		c.open.LastNs = span.EndNs
		d := span.DurationNs()
		c.open.TotalNs += d
		if d < c.open.MinNs {
			c.open.MinNs = d
		}
		if d > c.open.MaxNs {
			c.open.MaxNs = d
		}
		return nil
	}

	flushed := c.Flush()
	d := span.DurationNs()
	c.open = &model.CompressedSpanRun{
		Template: span,
		Count:    1,
		FirstNs:  span.StartNs,
		LastNs:   span.EndNs,
		TotalNs:  d,
		MinNs:    d,
		MaxNs:    d,
	}
	c.openFP = spanFP
	return flushed
}

// Flush emits the open run unconditionally, or nil if none is open.
// Used at trace end and by the pipeline's idle flush.
func (c *Compressor) Flush() *model.CompressedSpanRun {
	if c.open == nil {
		return nil
	}
	run := c.open
	c.open = nil
	c.emitted++
	return run
}

// Ratio reports spans absorbed per run emitted so far — the effective
// compression ratio, counting the open run as one pending emission.
func (c *Compressor) Ratio() float64 {
	pending := c.emitted
	if c.open != nil {
		pending++
	}
	if pending == 0 {
		return 1.0
	}
	return float64(c.absorbed) / float64(pending)
}

// exclusionKeys returns the timing-key set for a span kind. The switch is
// exhaustive over the closed kind set: every kind currently shares the
// configured base keys, and a new kind must be given an arm here.
func (c *Compressor) exclusionKeys(kind model.SpanKind) map[string]struct{} {
	switch kind {
	case model.KindSyscall,
		model.KindGpuKernel,
		model.KindGpuTransfer,
		model.KindComputeBlock,
		model.KindDecision:
		return c.timing
	}
	return c.timing
}
