package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tracelens/tracelens/internal/model"
	"github.com/tracelens/tracelens/internal/storage"
)

const (
	defaultBatchSize = 256
	defaultEmptyWait = 10 * time.Millisecond
)

// PipelineConfig tunes the background consumer.
type PipelineConfig struct {
	BatchSize          int           // events pulled per drain, default 256
	EmptyWait          time.Duration // bounded wait on an empty queue, default 10ms
	CompressionEnabled bool
	TimingKeys         []string // attribute keys excluded from structural identity
}

// Pipeline is the single background consumer: it drains the buffer, feeds
// each trace's compressor, and appends flushed runs to the store. Exactly
// one Pipeline runs per engine.
type Pipeline struct {
	buf    *Buffer
	store  storage.Store
	logger *slog.Logger
	cfg    PipelineConfig

	mu       sync.Mutex
	comps    map[uuid.UUID]*Compressor
	terminal map[uuid.UUID]struct{}

	late atomic.Int64 // events rejected after trace termination
}

// NewPipeline wires a consumer over the buffer and store.
func NewPipeline(buf *Buffer, store storage.Store, logger *slog.Logger, cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.EmptyWait <= 0 {
		cfg.EmptyWait = defaultEmptyWait
	}
	return &Pipeline{
		buf:      buf,
		store:    store,
		logger:   logger,
		cfg:      cfg,
		comps:    make(map[uuid.UUID]*Compressor),
		terminal: make(map[uuid.UUID]struct{}),
	}
}

// Run consumes until ctx is cancelled, then drains the buffer, flushes every
// open run and marks all traces terminal. It never busy-spins: an empty
// queue costs one bounded wait, after which open runs are flushed so data
// is never stuck behind a quiet producer.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		default:
		}

		batch := p.buf.Drain(ctx, p.cfg.BatchSize, p.cfg.EmptyWait)
		if len(batch) == 0 {
			// Idle: push open runs out so a stalled producer cannot delay
			// queries indefinitely.
			p.flushOpen(ctx, uuid.Nil)
			continue
		}
		p.process(ctx, batch)
	}
}

// shutdown performs the final drain and flush with a fresh deadline, since
// the run context is already cancelled.
func (p *Pipeline) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		batch := p.buf.Drain(ctx, p.cfg.BatchSize, 0)
		if len(batch) == 0 {
			break
		}
		p.process(ctx, batch)
	}
	p.flushOpen(ctx, uuid.Nil)

	p.mu.Lock()
	for id := range p.comps {
		p.terminal[id] = struct{}{}
	}
	p.mu.Unlock()
}

// process feeds a drained batch through the per-trace compressors and
// appends every flushed run to the store in one call.
func (p *Pipeline) process(ctx context.Context, batch []model.SpanEvent) {
	var flushed []model.CompressedSpanRun

	p.mu.Lock()
	for _, ev := range batch {
		if _, dead := p.terminal[ev.TraceID]; dead {
			p.late.Add(1)
			p.logger.Warn("ingest: event after trace termination",
				"trace_id", ev.TraceID, "span", ev.Name)
			continue
		}
		comp, ok := p.comps[ev.TraceID]
		if !ok {
			comp = NewCompressor(p.cfg.CompressionEnabled, p.cfg.TimingKeys)
			p.comps[ev.TraceID] = comp
		}
		if run := comp.Push(ev); run != nil {
			flushed = append(flushed, *run)
		}
	}
	p.mu.Unlock()

	p.append(ctx, flushed)
}

// flushOpen flushes open runs to the store: all of them when traceID is
// uuid.Nil, otherwise just that trace's.
func (p *Pipeline) flushOpen(ctx context.Context, traceID uuid.UUID) {
	var flushed []model.CompressedSpanRun

	p.mu.Lock()
	if traceID == uuid.Nil {
		for _, comp := range p.comps {
			if run := comp.Flush(); run != nil {
				flushed = append(flushed, *run)
			}
		}
	} else if comp, ok := p.comps[traceID]; ok {
		if run := comp.Flush(); run != nil {
			flushed = append(flushed, *run)
		}
	}
	p.mu.Unlock()

	p.append(ctx, flushed)
}

func (p *Pipeline) append(ctx context.Context, runs []model.CompressedSpanRun) {
	if len(runs) == 0 {
		return
	}
	if err := p.store.AppendRuns(ctx, runs); err != nil {
		// Ingestion faults recover locally; the runs are lost but the
		// pipeline keeps consuming so producers stay unblocked.
		p.logger.Error("ingest: append runs failed", "error", err, "runs", len(runs))
	}
}

// EndTrace processes anything still buffered, flushes the trace's open run
// and marks it terminal. Later events for the trace are rejected, logged,
// and counted.
func (p *Pipeline) EndTrace(ctx context.Context, traceID uuid.UUID) error {
	if traceID == uuid.Nil {
		return fmt.Errorf("ingest: end trace: missing trace id")
	}
	// Drain synchronously so events submitted before the stop request are
	// compressed rather than rejected as late.
	for {
		batch := p.buf.Drain(ctx, p.cfg.BatchSize, 0)
		if len(batch) == 0 {
			break
		}
		p.process(ctx, batch)
	}
	p.flushOpen(ctx, traceID)
	p.mu.Lock()
	p.terminal[traceID] = struct{}{}
	p.mu.Unlock()
	return nil
}

// Terminal reports whether the trace has been marked terminal.
func (p *Pipeline) Terminal(traceID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, dead := p.terminal[traceID]
	return dead
}

// RejectLate records a submission refused before buffering because its
// trace already ended, keeping the late counter complete.
func (p *Pipeline) RejectLate(traceID uuid.UUID, name string) {
	p.late.Add(1)
	p.logger.Warn("ingest: submission after trace termination",
		"trace_id", traceID, "span", name)
}

// LateRejected is the total events that arrived after their trace ended.
func (p *Pipeline) LateRejected() int64 { return p.late.Load() }
