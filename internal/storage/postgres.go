package storage

import (
	"context"
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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tracelens/tracelens/internal/model"
)

// Postgres is the shared trace store used when golden traces are archived
// centrally (CI baselines shared across machines). Batch appends go through
// the COPY protocol; query snapshots use REPEATABLE READ transactions.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	skipped atomic.Int64
}

// OpenPostgres connects a pool, pings it, and applies migrations.
func OpenPostgres(ctx context.Context, dsn string, migrationsFS fs.FS, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger}
	if err := p.migrate(ctx, migrationsFS); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
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
		p.logger.Info("storage: running migration", "file", name)
		if _, err := p.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// AppendRuns inserts a batch using the COPY protocol. A dedicated COPY
// timeout prevents a hung server from stalling the pipeline flush.
func (p *Postgres) AppendRuns(ctx context.Context, runs []model.CompressedSpanRun) error {
	if len(runs) == 0 {
		return nil
	}

	columns := []string{
		"trace_id", "span_id", "parent_span_id", "name", "kind",
		"start_ns", "end_ns", "repetition_count",
		"first_ns", "last_ns", "total_ns", "min_ns", "max_ns",
		"logical_clock", "attributes",
	}

	rows := make([][]any, len(runs))
	for i, run := range runs {
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
		rows[i] = []any{
			run.Template.TraceID, int64(run.Template.SpanID), parent,
			run.Template.Name, run.Template.Kind.String(),
			int64(run.Template.StartNs), int64(run.Template.EndNs), int64(run.Count),
			int64(run.FirstNs), int64(run.LastNs), int64(run.TotalNs),
			int64(run.MinNs), int64(run.MaxNs),
			clock, string(attrs),
		}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := p.pool.CopyFrom(copyCtx,
		pgx.Identifier{"span_runs"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy runs: %w", err)
	}
	return nil
}

// Query returns the trace's runs ordered by start_ns. Each range opens a
// REPEATABLE READ transaction so the iteration sees one snapshot.
func (p *Postgres) Query(ctx context.Context, traceID uuid.UUID) iter.Seq2[model.CompressedSpanRun, error] {
	return func(yield func(model.CompressedSpanRun, error) bool) {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{
			IsoLevel:   pgx.RepeatableRead,
			AccessMode: pgx.ReadOnly,
		})
		if err != nil {
			yield(model.CompressedSpanRun{}, fmt.Errorf("storage: begin query: %w", err))
			return
		}
		defer tx.Rollback(ctx) //nolint:errcheck // read-only

		rows, err := tx.Query(ctx, `
			SELECT trace_id, span_id, parent_span_id, name, kind,
			       start_ns, end_ns, repetition_count,
			       first_ns, last_ns, total_ns, min_ns, max_ns,
			       logical_clock, attributes
			FROM span_runs
			WHERE trace_id = $1
			ORDER BY start_ns, id`, traceID)
		if err != nil {
			yield(model.CompressedSpanRun{}, fmt.Errorf("storage: query trace: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rowTrace      uuid.UUID
				spanID        int64
				parent, clock *int64
				name, kind    string
				startNs       int64
				endNs         int64
				count         int64
				firstNs       int64
				lastNs        int64
				totalNs       int64
				minNs, maxNs  int64
				attrsJSON     []byte
			)
			if err := rows.Scan(&rowTrace, &spanID, &parent, &name, &kind,
				&startNs, &endNs, &count, &firstNs, &lastNs, &totalNs,
				&minNs, &maxNs, &clock, &attrsJSON); err != nil {
				yield(model.CompressedSpanRun{}, fmt.Errorf("storage: scan run: %w", err))
				return
			}

			run, err := buildPgRun(rowTrace, spanID, parent, name, kind,
				startNs, endNs, count, firstNs, lastNs, totalNs, minNs, maxNs,
				clock, attrsJSON)
			if err != nil {
				p.skipped.Add(1)
				p.logger.Warn("storage: skipping corrupt run row", "error", err)
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
func (p *Postgres) Traces(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT trace_id FROM span_runs GROUP BY trace_id ORDER BY MIN(ingested_at)`)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan trace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Vacuum deletes runs ingested before olderThan.
func (p *Postgres) Vacuum(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM span_runs WHERE ingested_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("storage: vacuum: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		p.logger.Info("storage: vacuum removed runs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// SkippedRows reports rows skipped as corrupt on read since open.
func (p *Postgres) SkippedRows() int64 { return p.skipped.Load() }

// Close shuts down the connection pool.
func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

func buildPgRun(traceID uuid.UUID, spanID int64, parent *int64, name, kind string,
	startNs, endNs, count, firstNs, lastNs, totalNs, minNs, maxNs int64,
	clock *int64, attrsJSON []byte,
) (model.CompressedSpanRun, error) {
	var run model.CompressedSpanRun

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
	if parent != nil {
		pv := uint64(*parent)
		run.Template.ParentSpanID = &pv
	}
	if clock != nil {
		c := uint64(*clock)
		run.Template.LogicalClock = &c
	}
	return run, nil
}
