// Package tracelens is the public API for embedding the trace analysis
// engine in a tracer or a CI gate.
//
// A typical embedding:
//
//	eng, err := tracelens.New(
//	    tracelens.WithStorePath("trace.db"),
//	    tracelens.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(context.Background())
//
//	_ = eng.Submit(span)          // hot path, never blocks
//	_ = eng.EndTrace(ctx, traceID)
//	cp, err := eng.CriticalPath(ctx, traceID)
//
// The import graph enforces a strict no-cycle rule: tracelens (root)
// imports internal/*, but internal/* never imports the root. Public types
// (Span, Finding, RegressionReport, ...) are standalone structs; the
// conversion helpers live in types.go because the root is the only package
// that sees both sides of the boundary.
package tracelens

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tracelens/tracelens/internal/config"
	"github.com/tracelens/tracelens/internal/graph"
	"github.com/tracelens/tracelens/internal/ingest"
	"github.com/tracelens/tracelens/internal/model"
	"github.com/tracelens/tracelens/internal/regression"
	"github.com/tracelens/tracelens/internal/semantic"
	"github.com/tracelens/tracelens/internal/storage"
	"github.com/tracelens/tracelens/internal/telemetry"
	"github.com/tracelens/tracelens/migrations"
)

// Sentinel errors surfaced at the API boundary.
var (
	// ErrDropped reports a span lost to a full buffer. Non-fatal; counted.
	ErrDropped = ingest.ErrDropped
	// ErrMalformed reports a span that failed validation.
	ErrMalformed = ingest.ErrMalformed
	// ErrTerminated reports a span arriving after its trace ended.
	ErrTerminated = ingest.ErrTerminated
	// ErrCycle reports a causal graph cycle: a clock invariant was violated.
	ErrCycle = graph.ErrCycle
	// ErrNotFound reports an unknown trace ID.
	ErrNotFound = storage.ErrNotFound
)

// Engine is the tracing and analysis engine lifecycle. Construct with
// New(), start the consumer with Start(), stop with Stop().
type Engine struct {
	cfg        config.Config
	thresholds config.Thresholds

	store storage.Store
	buf   *ingest.Buffer
	pipe  *ingest.Pipeline
	reg   *regression.Engine

	otelShutdown telemetry.Shutdown
	tracer       oteltrace.Tracer
	logger       *slog.Logger
	version      string

	mu        sync.Mutex
	eg        *errgroup.Group
	cancel    context.CancelFunc
	started   bool
	closeOnce sync.Once
}

// New wires the engine: opens the store, applies migrations, and builds the
// ingestion pipeline. It does NOT start any goroutines — call Start().
func New(opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.storePath != "" {
		cfg.StorePath = o.storePath
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.bufferCapacity != 0 {
		cfg.BufferCapacity = o.bufferCapacity
	}
	if o.batchSize != 0 {
		cfg.BatchSize = o.batchSize
	}
	if o.emptyWait != 0 {
		cfg.EmptyWait = o.emptyWait
	}
	if o.compressionSet {
		cfg.CompressionEnabled = o.compression
	}
	if o.timingKeys != nil {
		cfg.TimingKeys = o.timingKeys
	}
	if o.thresholdsPath != "" {
		cfg.ThresholdsPath = o.thresholdsPath
	}
	if o.retentionWindow != 0 {
		cfg.RetentionWindow = o.retentionWindow
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tracelens starting", "version", version, "store", cfg.StorePath)

	thresholds, err := config.LoadThresholds(cfg.ThresholdsPath)
	if err != nil {
		return nil, err
	}

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	buf := ingest.NewBuffer(cfg.BufferCapacity)
	buf.RegisterMetrics()

	pipe := ingest.NewPipeline(buf, store, logger, ingest.PipelineConfig{
		BatchSize:          cfg.BatchSize,
		EmptyWait:          cfg.EmptyWait,
		CompressionEnabled: cfg.CompressionEnabled,
		TimingKeys:         cfg.TimingKeys,
	})

	reg := regression.NewEngine(regression.Config{
		ConfidenceLevel:   thresholds.Regression.ConfidenceLevel,
		MinSampleSize:     thresholds.Regression.MinSampleSize,
		FallbackThreshold: thresholds.Regression.FallbackThreshold,
		NoiseSigma:        thresholds.Regression.NoiseSigma,
		Justifications:    thresholds.Regression.Justifications,
	}, logger)

	return &Engine{
		cfg:          cfg,
		thresholds:   thresholds,
		store:        store,
		buf:          buf,
		pipe:         pipe,
		reg:          reg,
		otelShutdown: otelShutdown,
		tracer:       telemetry.Tracer("tracelens"),
		logger:       logger,
		version:      version,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		sub, err := fs.Sub(migrations.FS, "postgres")
		if err != nil {
			return nil, fmt.Errorf("migrations subtree: %w", err)
		}
		return storage.OpenPostgres(ctx, cfg.DatabaseURL, sub, logger)
	}
	sub, err := fs.Sub(migrations.FS, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations subtree: %w", err)
	}
	return storage.OpenSQLite(ctx, cfg.StorePath, sub, logger)
}

// Start launches the background consumer and, when retention is
// configured, the vacuum loop. Idempotent start is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("tracelens: engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return e.pipe.Run(runCtx) })
	if e.cfg.RetentionWindow > 0 {
		eg.Go(func() error { return e.retentionLoop(runCtx) })
	}

	e.eg = eg
	e.cancel = cancel
	e.started = true
	return nil
}

// Stop drains the buffer, flushes open runs, marks all traces terminal,
// and releases the store. Safe to call more than once, and valid without a
// prior Start for read-only embeddings.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.started {
		e.started = false
		e.cancel()
		err = e.eg.Wait()
	}
	e.closeOnce.Do(func() {
		if closeErr := e.store.Close(ctx); err == nil {
			err = closeErr
		}
		if shutdownErr := e.otelShutdown(ctx); err == nil {
			err = shutdownErr
		}
	})
	return err
}

// retentionLoop vacuums expired runs every quarter window.
func (e *Engine) retentionLoop(ctx context.Context) error {
	interval := e.cfg.RetentionWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.RetentionWindow)
			if _, err := e.store.Vacuum(ctx, cutoff); err != nil && ctx.Err() == nil {
				e.logger.Error("tracelens: retention vacuum failed", "error", err)
			}
		}
	}
}

// Submit hands one span to the engine. It never blocks: a full buffer
// returns ErrDropped, an invalid span ErrMalformed, a span for an ended
// trace ErrTerminated. All three are counted and visible via Stats.
func (e *Engine) Submit(span Span) error {
	ev, err := toModelSpan(span)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if e.pipe.Terminal(ev.TraceID) {
		e.pipe.RejectLate(ev.TraceID, ev.Name)
		return ErrTerminated
	}
	return e.buf.Submit(ev)
}

// EndTrace flushes the trace's open compression run and marks it terminal.
// Later events for it are rejected, logged, and counted.
func (e *Engine) EndTrace(ctx context.Context, traceID uuid.UUID) error {
	return e.pipe.EndTrace(ctx, traceID)
}

// Traces lists stored trace IDs, oldest first.
func (e *Engine) Traces(ctx context.Context) ([]uuid.UUID, error) {
	return e.store.Traces(ctx)
}

// GetTrace returns the fully expanded trace: compressed runs unrolled back
// into individual spans in start order.
func (e *Engine) GetTrace(ctx context.Context, traceID uuid.UUID) (Trace, error) {
	runs, err := e.loadRuns(ctx, traceID)
	if err != nil {
		return Trace{}, err
	}
	tr := Trace{ID: traceID}
	for _, run := range runs {
		for _, ev := range run.Expand() {
			tr.Spans = append(tr.Spans, toPublicSpan(ev))
		}
	}
	return tr, nil
}

// CriticalPath computes the dominant causal chain of one trace.
func (e *Engine) CriticalPath(ctx context.Context, traceID uuid.UUID) (CriticalPath, error) {
	ctx, span := e.startSpan(ctx, "CriticalPath", traceID)
	defer span.End()

	g, err := e.buildGraph(ctx, traceID)
	if err != nil {
		return CriticalPath{}, err
	}
	cp := graph.FindCriticalPath(g)
	out := CriticalPath{TotalNs: cp.TotalNs, Steps: make([]PathStep, 0, len(cp.Steps))}
	for _, s := range cp.Steps {
		out.Steps = append(out.Steps, PathStep{
			Name:       s.Name,
			SpanID:     s.SpanID,
			StartNs:    s.StartNs,
			DurationNs: s.DurationNs,
			Count:      s.Count,
		})
	}
	return out, nil
}

// Antipatterns runs every detector over the trace's causal graph.
func (e *Engine) Antipatterns(ctx context.Context, traceID uuid.UUID) ([]Finding, error) {
	ctx, span := e.startSpan(ctx, "Antipatterns", traceID)
	defer span.End()

	g, err := e.buildGraph(ctx, traceID)
	if err != nil {
		return nil, err
	}
	raw := graph.DetectAntipatterns(g, e.antipatternThresholds())
	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, toPublicFinding(f))
	}
	return findings, nil
}

// Centrality ranks the trace's spans by structural centrality.
func (e *Engine) Centrality(ctx context.Context, traceID uuid.UUID) ([]Rank, error) {
	ctx, span := e.startSpan(ctx, "Centrality", traceID)
	defer span.End()

	g, err := e.buildGraph(ctx, traceID)
	if err != nil {
		return nil, err
	}
	ranks := graph.PageRank(g)
	out := make([]Rank, 0, len(ranks))
	for _, r := range ranks {
		node := g.Nodes[r.Node]
		out = append(out, Rank{
			SpanName: node.Run.Template.Name,
			SpanID:   node.Run.Template.SpanID,
			Score:    r.Score,
		})
	}
	return out, nil
}

// Compare classifies the performance delta between two sets of stored
// traces. changeContext is the free-text description of the change under
// test; a recognizable justification token in it downgrades a significant
// slowdown to JustifiedRegression unless a new critical finding appears.
func (e *Engine) Compare(ctx context.Context, baseline, current []uuid.UUID, changeContext string) (RegressionReport, error) {
	ctx, span := e.tracer.Start(ctx, "tracelens.Compare", oteltrace.WithAttributes(
		attribute.Int("baseline_traces", len(baseline)),
		attribute.Int("current_traces", len(current)),
	))
	defer span.End()

	baseTraces, baseFindings, err := e.loadSet(ctx, baseline)
	if err != nil {
		return RegressionReport{}, err
	}
	curTraces, curFindings, err := e.loadSet(ctx, current)
	if err != nil {
		return RegressionReport{}, err
	}

	res, err := e.reg.Compare(baseTraces, curTraces, changeContext, baseFindings, curFindings)
	if err != nil {
		return RegressionReport{}, err
	}
	return toPublicRegression(res), nil
}

// DiffSemantic reports whether two stored traces performed the same
// observable I/O.
func (e *Engine) DiffSemantic(ctx context.Context, a, b uuid.UUID) (SemanticReport, error) {
	ctx, span := e.startSpan(ctx, "DiffSemantic", a)
	defer span.End()

	ta, err := e.loadGolden(ctx, a)
	if err != nil {
		return SemanticReport{}, err
	}
	tb, err := e.loadGolden(ctx, b)
	if err != nil {
		return SemanticReport{}, err
	}
	return toPublicSemantic(semantic.Compare(ta, tb)), nil
}

// Summary aggregates the trace per span name: event counts with
// repetitions expanded, duration extrema, and each name's share of the
// summed duration. Rows come back largest share first.
func (e *Engine) Summary(ctx context.Context, traceID uuid.UUID) (Summary, error) {
	ctx, span := e.startSpan(ctx, "Summary", traceID)
	defer span.End()

	runs, err := e.loadRuns(ctx, traceID)
	if err != nil {
		return Summary{}, err
	}

	type agg struct {
		count   uint64
		totalNs uint64
		minNs   uint64
		maxNs   uint64
	}
	byName := make(map[string]*agg)
	var names []string
	var grandTotal uint64
	firstNs, lastNs := runs[0].FirstNs, runs[0].LastNs

	for _, run := range runs {
		a, ok := byName[run.Template.Name]
		if !ok {
			a = &agg{minNs: run.MinNs}
			byName[run.Template.Name] = a
			names = append(names, run.Template.Name)
		}
		a.count += uint64(run.Count)
		a.totalNs += run.TotalNs
		if run.MinNs < a.minNs {
			a.minNs = run.MinNs
		}
		if run.MaxNs > a.maxNs {
			a.maxNs = run.MaxNs
		}
		grandTotal += run.TotalNs
		if run.FirstNs < firstNs {
			firstNs = run.FirstNs
		}
		if run.LastNs > lastNs {
			lastNs = run.LastNs
		}
	}

	sum := Summary{TraceID: traceID, WallClockNs: lastNs - firstNs}
	for _, name := range names {
		a := byName[name]
		row := SummaryRow{
			Name:    name,
			Count:   a.count,
			TotalNs: a.totalNs,
			MinNs:   a.minNs,
			MaxNs:   a.maxNs,
			MeanNs:  float64(a.totalNs) / float64(a.count),
		}
		if grandTotal > 0 {
			row.Share = float64(a.totalNs) / float64(grandTotal)
		}
		sum.Rows = append(sum.Rows, row)
	}
	sortSummaryRows(sum.Rows)
	return sum, nil
}

// startSpan opens a telemetry span around one analysis request. With no
// exporter configured the global provider is a no-op and this costs nothing.
func (e *Engine) startSpan(ctx context.Context, op string, traceID uuid.UUID) (context.Context, oteltrace.Span) {
	return e.tracer.Start(ctx, "tracelens."+op,
		oteltrace.WithAttributes(attribute.String("trace_id", traceID.String())))
}

// Stats returns the engine's fault counters.
func (e *Engine) Stats() Stats {
	return Stats{
		BufferLen:    e.buf.Len(),
		Dropped:      e.buf.Dropped(),
		Rejected:     e.buf.Rejected(),
		LateRejected: e.pipe.LateRejected(),
		SkippedRows:  e.store.SkippedRows(),
	}
}

func (e *Engine) loadRuns(ctx context.Context, traceID uuid.UUID) ([]model.CompressedSpanRun, error) {
	var runs []model.CompressedSpanRun
	for run, err := range e.store.Query(ctx, traceID) {
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("tracelens: trace %s: %w", traceID, ErrNotFound)
	}
	return runs, nil
}

func (e *Engine) buildGraph(ctx context.Context, traceID uuid.UUID) (*graph.Graph, error) {
	runs, err := e.loadRuns(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return graph.Build(runs, graph.Config{MinGapNs: e.thresholds.Graph.MinGapNs})
}

func (e *Engine) loadGolden(ctx context.Context, traceID uuid.UUID) (model.GoldenTrace, error) {
	runs, err := e.loadRuns(ctx, traceID)
	if err != nil {
		return model.GoldenTrace{}, err
	}
	var tr model.GoldenTrace
	for _, run := range runs {
		tr.Spans = append(tr.Spans, run.Expand()...)
	}
	return tr, nil
}

// loadSet loads a trace set with each trace's anti-pattern findings, in
// the caller's ID order so aggregate iteration stays deterministic.
func (e *Engine) loadSet(ctx context.Context, ids []uuid.UUID) ([]model.GoldenTrace, []graph.Finding, error) {
	var traces []model.GoldenTrace
	var findings []graph.Finding
	for _, id := range ids {
		runs, err := e.loadRuns(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		var tr model.GoldenTrace
		for _, run := range runs {
			tr.Spans = append(tr.Spans, run.Expand()...)
		}
		traces = append(traces, tr)

		g, err := graph.Build(runs, graph.Config{MinGapNs: e.thresholds.Graph.MinGapNs})
		if err != nil {
			return nil, nil, err
		}
		findings = append(findings, graph.DetectAntipatterns(g, e.antipatternThresholds())...)
	}
	return traces, findings, nil
}

func (e *Engine) antipatternThresholds() graph.Thresholds {
	return graph.Thresholds{
		GodProcessDegree: e.thresholds.Antipatterns.GodProcessDegree,
		TightLoopWindow:  e.thresholds.Antipatterns.TightLoopWindow,
		TightLoopCount:   e.thresholds.Antipatterns.TightLoopCount,
		TransferRatio:    e.thresholds.Antipatterns.TransferRatio,
	}
}

func sortSummaryRows(rows []SummaryRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TotalNs != rows[j].TotalNs {
			return rows[i].TotalNs > rows[j].TotalNs
		}
		return rows[i].Name < rows[j].Name
	})
}
