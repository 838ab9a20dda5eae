// Package semantic decides whether two traces performed the same
// observable I/O, regardless of how the work was batched.
package semantic

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/tracelens/tracelens/internal/model"
)

// Severity grades a mismatch.
type Severity uint8

const (
	// SeverityHigh marks a resource touched by only one trace.
	SeverityHigh Severity = iota
	// SeverityCritical marks diverging payload content on a shared resource.
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "high"
}

// MismatchKind classifies a divergence.
type MismatchKind uint8

const (
	// MissingResource means one trace never touched the resource.
	MissingResource MismatchKind = iota
	// WriteDivergence means the concatenated write payloads differ.
	WriteDivergence
	// ReadDivergence means the concatenated read payloads differ.
	ReadDivergence
)

func (k MismatchKind) String() string {
	switch k {
	case MissingResource:
		return "missing_resource"
	case WriteDivergence:
		return "write_divergence"
	case ReadDivergence:
		return "read_divergence"
	}
	return "unknown"
}

// Mismatch is one detected divergence between two traces.
type Mismatch struct {
	Resource string
	Kind     MismatchKind
	Severity Severity
	Detail   string
}

// Report is the outcome of one comparison. OpsA and OpsB count
// payload-bearing operations (reads and writes); OpCountRatio is
// informational only, since buffered and unbuffered I/O legitimately
// differ in operation count while moving identical bytes.
type Report struct {
	Equivalent   bool
	Mismatches   []Mismatch
	OpsA         int
	OpsB         int
	OpCountRatio float64 // OpsA / OpsB, 0 when OpsB is 0
}

// resourceIO accumulates streamed digests for one resource. Write and read
// payloads hash as byte streams, so two writes of "A" then "B" digest
// identically to one write of "AB".
type resourceIO struct {
	write *xxhash.Digest
	read  *xxhash.Digest
	ops   int
}

var (
	openNames  = map[string]struct{}{"open": {}, "openat": {}, "creat": {}, "openat2": {}}
	writeNames = map[string]struct{}{
		"write": {}, "pwrite": {}, "pwrite64": {}, "writev": {},
		"send": {}, "sendto": {}, "sendmsg": {},
	}
	readNames = map[string]struct{}{
		"read": {}, "pread": {}, "pread64": {}, "readv": {},
		"recv": {}, "recvfrom": {}, "recvmsg": {},
	}
)

// Compare reports whether two traces are observably equivalent: for every
// resource either trace touched, the write payload streams match and the
// read payload streams match. Mismatches come back in first-appearance
// order of the resource, trace A first.
func Compare(a, b model.GoldenTrace) Report {
	resA, orderA, opsA := extract(a)
	resB, orderB, opsB := extract(b)

	rep := Report{Equivalent: true, OpsA: opsA, OpsB: opsB}
	if opsB > 0 {
		rep.OpCountRatio = float64(opsA) / float64(opsB)
	}

	seen := make(map[string]struct{}, len(orderA)+len(orderB))
	order := make([]string, 0, len(orderA)+len(orderB))
	for _, r := range append(append([]string{}, orderA...), orderB...) {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		order = append(order, r)
	}

	for _, res := range order {
		ioA, inA := resA[res]
		ioB, inB := resB[res]
		switch {
		case !inA:
			rep.add(Mismatch{
				Resource: res, Kind: MissingResource, Severity: SeverityHigh,
				Detail: "resource touched only by the second trace",
			})
		case !inB:
			rep.add(Mismatch{
				Resource: res, Kind: MissingResource, Severity: SeverityHigh,
				Detail: "resource touched only by the first trace",
			})
		default:
			if ioA.write.Sum64() != ioB.write.Sum64() {
				rep.add(Mismatch{
					Resource: res, Kind: WriteDivergence, Severity: SeverityCritical,
					Detail: "write payload streams differ",
				})
			}
			if ioA.read.Sum64() != ioB.read.Sum64() {
				rep.add(Mismatch{
					Resource: res, Kind: ReadDivergence, Severity: SeverityCritical,
					Detail: "read payload streams differ",
				})
			}
		}
	}
	return rep
}

func (r *Report) add(m Mismatch) {
	r.Equivalent = false
	r.Mismatches = append(r.Mismatches, m)
}

// extract builds the per-resource digest map for one trace, returning
// resources in first-appearance order and the count of payload-bearing
// operations.
func extract(tr model.GoldenTrace) (map[string]*resourceIO, []string, int) {
	res := make(map[string]*resourceIO)
	var order []string
	var ops int

	for _, sp := range tr.Spans {
		if sp.Kind != model.KindSyscall {
			continue
		}
		name := baseSyscallName(sp.Name)
		_, isOpen := openNames[name]
		_, isWrite := writeNames[name]
		_, isRead := readNames[name]
		if !isOpen && !isWrite && !isRead {
			continue
		}

		id := resourceID(sp)
		if id == "" {
			continue
		}
		io, ok := res[id]
		if !ok {
			io = &resourceIO{write: xxhash.New(), read: xxhash.New()}
			res[id] = io
			order = append(order, id)
		}
		// Opens establish resource presence but move no bytes, so only
		// reads and writes count as observable operations.
		payload, _ := sp.Attr("payload")
		switch {
		case isWrite:
			io.ops++
			ops++
			io.write.WriteString(payload)
		case isRead:
			io.ops++
			ops++
			io.read.WriteString(payload)
		}
	}
	return res, order, ops
}

// resourceID prefers the stable path over the reusable descriptor number.
func resourceID(sp model.SpanEvent) string {
	if path, ok := sp.Attr("path"); ok && path != "" {
		return path
	}
	if fd, ok := sp.Attr("fd"); ok && fd != "" {
		return "fd:" + fd
	}
	return ""
}

// baseSyscallName strips rendered arguments, as in "write(fd=3)".
func baseSyscallName(name string) string {
	if i := strings.IndexByte(name, '('); i > 0 {
		return name[:i]
	}
	return name
}
