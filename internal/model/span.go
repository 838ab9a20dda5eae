// Package model defines the core trace data types shared by the ingestion
// pipeline, the trace store, and the analysis engines.
package model

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// SpanKind identifies the producer that emitted a span. The set is closed:
// the compressor and the graph builder switch exhaustively over it.
type SpanKind uint8

const (
	KindSyscall SpanKind = iota
	KindGpuKernel
	KindGpuTransfer
	KindComputeBlock
	KindDecision
)

// String returns the wire name of the kind.
func (k SpanKind) String() string {
	switch k {
	case KindSyscall:
		return "syscall"
	case KindGpuKernel:
		return "gpu_kernel"
	case KindGpuTransfer:
		return "gpu_transfer"
	case KindComputeBlock:
		return "compute_block"
	case KindDecision:
		return "decision"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// KindFromString parses a wire kind name. Unknown names report an error so a
// corrupted store row is skipped rather than misclassified.
func KindFromString(s string) (SpanKind, error) {
	switch s {
	case "syscall":
		return KindSyscall, nil
	case "gpu_kernel":
		return KindGpuKernel, nil
	case "gpu_transfer":
		return KindGpuTransfer, nil
	case "compute_block":
		return KindComputeBlock, nil
	case "decision":
		return KindDecision, nil
	}
	return 0, fmt.Errorf("model: unknown span kind %q", s)
}

// Attr is one key/value pair in a span's ordered attribute mapping.
// Keys are unique within a span; order is the producer's emission order.
type Attr struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SpanEvent is one timed operation record emitted by a producer.
// It is immutable once created; the pipeline only ever copies it.
type SpanEvent struct {
	TraceID      uuid.UUID `json:"trace_id"`
	SpanID       uint64    `json:"span_id"`
	ParentSpanID *uint64   `json:"parent_span_id,omitempty"`
	Name         string    `json:"name"`
	Kind         SpanKind  `json:"kind"`
	StartNs      uint64    `json:"start_ns"`
	EndNs        uint64    `json:"end_ns"`
	Attrs        []Attr    `json:"attrs,omitempty"`
	LogicalClock *uint64   `json:"logical_clock,omitempty"`
}

// DurationNs returns the span's wall-clock duration in nanoseconds.
func (s SpanEvent) DurationNs() uint64 {
	return s.EndNs - s.StartNs
}

// Attr returns the value of the named attribute and whether it was present.
func (s SpanEvent) Attr(key string) (string, bool) {
	for _, a := range s.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Validate reports why a span cannot be ingested, or nil.
func (s SpanEvent) Validate() error {
	if s.TraceID == uuid.Nil {
		return fmt.Errorf("model: span missing trace id")
	}
	if s.Name == "" {
		return fmt.Errorf("model: span missing name")
	}
	if s.EndNs < s.StartNs {
		return fmt.Errorf("model: span %q ends before it starts (%d < %d)", s.Name, s.EndNs, s.StartNs)
	}
	seen := make(map[string]struct{}, len(s.Attrs))
	for _, a := range s.Attrs {
		if _, dup := seen[a.Key]; dup {
			return fmt.Errorf("model: span %q has duplicate attribute %q", s.Name, a.Key)
		}
		seen[a.Key] = struct{}{}
	}
	return nil
}

// Fingerprint hashes the span's structural identity: name, parent, and every
// attribute except the keys in exclude (timing-like attributes). Two spans
// with equal fingerprints are candidates for run-length merging; the
// compressor still verifies attribute equality field by field, so a hash
// collision can never merge spans whose payload differs.
func (s SpanEvent) Fingerprint(exclude map[string]struct{}) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(s.Name)
	_, _ = h.Write([]byte{0, byte(s.Kind)})
	if s.ParentSpanID != nil {
		var buf [8]byte
		putUint64(buf[:], *s.ParentSpanID)
		_, _ = h.Write(buf[:])
	}
	// Attribute order is producer-defined but not structural: hash in sorted
	// key order so reordered-but-equal attribute lists still merge.
	keys := make([]string, 0, len(s.Attrs))
	vals := make(map[string]string, len(s.Attrs))
	for _, a := range s.Attrs {
		if _, skip := exclude[a.Key]; skip {
			continue
		}
		keys = append(keys, a.Key)
		vals[a.Key] = a.Value
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{1})
		_, _ = h.WriteString(vals[k])
	}
	return h.Sum64()
}

// StructuralEqual reports whether other is structurally identical to s:
// same name, kind, and parent, and identical attributes excluding the given
// timing keys. Timing fields (StartNs, EndNs, LogicalClock) never participate.
func (s SpanEvent) StructuralEqual(other SpanEvent, exclude map[string]struct{}) bool {
	if s.Name != other.Name || s.Kind != other.Kind {
		return false
	}
	if (s.ParentSpanID == nil) != (other.ParentSpanID == nil) {
		return false
	}
	if s.ParentSpanID != nil && *s.ParentSpanID != *other.ParentSpanID {
		return false
	}
	return attrsEqual(s.Attrs, other.Attrs, exclude)
}

func attrsEqual(a, b []Attr, exclude map[string]struct{}) bool {
	am := filterAttrs(a, exclude)
	bm := filterAttrs(b, exclude)
	if len(am) != len(bm) {
		return false
	}
	for k, v := range am {
		if bv, ok := bm[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func filterAttrs(attrs []Attr, exclude map[string]struct{}) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		if _, skip := exclude[a.Key]; skip {
			continue
		}
		m[a.Key] = a.Value
	}
	return m
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
