// Package storage provides the append-only trace store.
//
// Two implementations share the Store interface: an embedded SQLite store
// (the default — the engine usually runs inside or next to the process being
// measured) and a Postgres store for shared CI archives of golden traces.
// Both are append-only with snapshot-isolated reads: an in-flight query sees
// a consistent view as of its start regardless of concurrent append/vacuum.
package storage

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/tracelens/tracelens/internal/model"
)

// ErrNotFound is returned when a requested trace does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store persists compressed span runs per trace.
type Store interface {
	// AppendRuns persists a batch of runs. Rows are never updated in place.
	AppendRuns(ctx context.Context, runs []model.CompressedSpanRun) error

	// Query returns the runs of one trace ordered by start_ns as a lazy,
	// restartable sequence: each range over it opens a fresh snapshot read.
	// A persisted row failing schema validation is skipped and counted, not
	// fatal to the enclosing query.
	Query(ctx context.Context, traceID uuid.UUID) iter.Seq2[model.CompressedSpanRun, error]

	// Traces lists the distinct trace IDs currently stored, oldest first.
	Traces(ctx context.Context) ([]uuid.UUID, error)

	// Vacuum removes runs ingested before the cutoff and reports how many
	// rows were deleted. In-flight queries keep their snapshot.
	Vacuum(ctx context.Context, olderThan time.Time) (int64, error)

	// SkippedRows is the total persisted rows skipped as corrupt on read.
	SkippedRows() int64

	Close(ctx context.Context) error
}
