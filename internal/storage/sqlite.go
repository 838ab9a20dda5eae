package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tracelens/tracelens/internal/model"
)

// SQLite is the embedded trace store. It runs in WAL mode so a read
// transaction opened by Query keeps a stable snapshot while the pipeline
// appends and the retention loop vacuums.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	skipped atomic.Int64
}

// OpenSQLite opens (or creates) the store at path and applies migrations.
// Pass ":memory:" for an ephemeral store in tests.
func OpenSQLite(ctx context.Context, path string, migrationsFS fs.FS, logger *slog.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		// A shared in-memory database so the pool's connections see one store.
		dsn = "file:tracelens?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(ctx, migrationsFS); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate executes unapplied .sql files from migrationsFS in name order,
// tracking applied versions in schema_migrations so each runs at most once.
func (s *SQLite) migrate(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		s.logger.Info("storage: running migration", "file", name)
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			name, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// AppendRuns inserts a batch of runs inside one transaction.
func (s *SQLite) AppendRuns(ctx context.Context, runs []model.CompressedSpanRun) error {
	if len(runs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO span_runs (
			trace_id, span_id, parent_span_id, name, kind,
			start_ns, end_ns, repetition_count,
			first_ns, last_ns, total_ns, min_ns, max_ns,
			logical_clock, attributes, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare append: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, run := range runs {
		attrs, err := json.Marshal(run.Template.Attrs)
		if err != nil {
			return fmt.Errorf("storage: marshal attributes: %w", err)
		}
		var parent, clock any
		if run.Template.ParentSpanID != nil {
			parent = int64(*run.Template.ParentSpanID)
		}
		if run.Template.LogicalClock != nil {
			clock = int64(*run.Template.LogicalClock)
		}
		if _, err := stmt.ExecContext(ctx,
			run.Template.TraceID[:], int64(run.Template.SpanID), parent,
			run.Template.Name, run.Template.Kind.String(),
			int64(run.Template.StartNs), int64(run.Template.EndNs), int64(run.Count),
			int64(run.FirstNs), int64(run.LastNs), int64(run.TotalNs),
			int64(run.MinNs), int64(run.MaxNs),
			clock, string(attrs), now,
		); err != nil {
			return fmt.Errorf("storage: insert run: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit append: %w", err)
	}
	return nil
}

// Query returns the trace's runs ordered by start_ns. Each range over the
// returned sequence opens its own read transaction, so the iteration is
// restartable and snapshot-isolated from concurrent append/vacuum.
func (s *SQLite) Query(ctx context.Context, traceID uuid.UUID) iter.Seq2[model.CompressedSpanRun, error] {
	return func(yield func(model.CompressedSpanRun, error) bool) {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			yield(model.CompressedSpanRun{}, fmt.Errorf("storage: begin query: %w", err))
			return
		}
		defer tx.Rollback() //nolint:errcheck // read-only

		rows, err := tx.QueryContext(ctx, `
			SELECT trace_id, span_id, parent_span_id, name, kind,
			       start_ns, end_ns, repetition_count,
			       first_ns, last_ns, total_ns, min_ns, max_ns,
			       logical_clock, attributes
			FROM span_runs
			WHERE trace_id = ?
			ORDER BY start_ns, id`, traceID[:])
		if err != nil {
			yield(model.CompressedSpanRun{}, fmt.Errorf("storage: query trace: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rawTrace      []byte
				spanID        int64
				parent, clock sql.NullInt64
				name, kind    string
				startNs       int64
				endNs         int64
				count         int64
				firstNs       int64
				lastNs        int64
				totalNs       int64
				minNs, maxNs  int64
				attrsJSON     string
			)
			if err := rows.Scan(&rawTrace, &spanID, &parent, &name, &kind,
				&startNs, &endNs, &count, &firstNs, &lastNs, &totalNs,
				&minNs, &maxNs, &clock, &attrsJSON); err != nil {
				yield(model.CompressedSpanRun{}, fmt.Errorf("storage: scan run: %w", err))
				return
			}

			run, err := buildRun(rawTrace, spanID, parent, name, kind,
				startNs, endNs, count, firstNs, lastNs, totalNs, minNs, maxNs,
				clock, []byte(attrsJSON))
			if err != nil {
				// Corrupt row: skip and count, never fail the query.
				s.skipped.Add(1)
				s.logger.Warn("storage: skipping corrupt run row", "error", err)
				continue
			}
			if !yield(run, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.CompressedSpanRun{}, fmt.Errorf("storage: iterate runs: %w", err))
		}
	}
}

// Traces lists distinct trace IDs, oldest first.
func (s *SQLite) Traces(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id FROM span_runs GROUP BY trace_id ORDER BY MIN(ingested_at)`)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan trace id: %w", err)
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			s.skipped.Add(1)
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Vacuum deletes runs ingested before olderThan. Readers holding a snapshot
// keep their view; WAL mode makes the delete invisible to them.
func (s *SQLite) Vacuum(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM span_runs WHERE ingested_at < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("storage: vacuum: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: vacuum rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("storage: vacuum removed runs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// SkippedRows reports rows skipped as corrupt on read since open.
func (s *SQLite) SkippedRows() int64 { return s.skipped.Load() }

// Close shuts down the database handle.
func (s *SQLite) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: close sqlite: %w", err)
	}
	return nil
}

// buildRun validates a persisted row and reconstructs the run. Any schema
// violation is a corruption signal for the caller to skip and count.
func buildRun(rawTrace []byte, spanID int64, parent sql.NullInt64, name, kind string,
	startNs, endNs, count, firstNs, lastNs, totalNs, minNs, maxNs int64,
	clock sql.NullInt64, attrsJSON []byte,
) (model.CompressedSpanRun, error) {
	var run model.CompressedSpanRun

	traceID, err := uuid.FromBytes(rawTrace)
	if err != nil {
		return run, fmt.Errorf("bad trace id: %w", err)
	}
	k, err := model.KindFromString(kind)
	if err != nil {
		return run, err
	}
	if name == "" {
		return run, fmt.Errorf("empty span name")
	}
	if count < 1 {
		return run, fmt.Errorf("repetition count %d < 1", count)
	}
	if endNs < startNs || lastNs < firstNs {
		return run, fmt.Errorf("span ends before it starts")
	}
	var attrs []model.Attr
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &attrs); err != nil {
			return run, fmt.Errorf("bad attributes: %w", err)
		}
	}

	run = model.CompressedSpanRun{
		Template: model.SpanEvent{
			TraceID: traceID,
			SpanID:  uint64(spanID),
			Name:    name,
			Kind:    k,
			StartNs: uint64(startNs),
			EndNs:   uint64(endNs),
			Attrs:   attrs,
		},
		Count:   uint32(count),
		FirstNs: uint64(firstNs),
		LastNs:  uint64(lastNs),
		TotalNs: uint64(totalNs),
		MinNs:   uint64(minNs),
		MaxNs:   uint64(maxNs),
	}
	if parent.Valid {
		p := uint64(parent.Int64)
		run.Template.ParentSpanID = &p
	}
	if clock.Valid {
		c := uint64(clock.Int64)
		run.Template.LogicalClock = &c
	}
	return run, nil
}
