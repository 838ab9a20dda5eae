// Package ingest provides the event ingestion pipeline: a bounded
// non-blocking hand-off buffer, the run-length span compressor, and the
// single background consumer that feeds the trace store.
//
// The contract throughout is that the observer must never perturb the
// observed: producers never block, never panic, and never wait on storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/tracelens/tracelens/internal/model"
	"github.com/tracelens/tracelens/internal/telemetry"
)

// Sentinel errors surfaced to producers. Both are non-fatal: the event is
// counted and the producer carries on.
var (
	// ErrDropped means the buffer was full and the event was discarded.
	ErrDropped = errors.New("ingest: buffer full, event dropped")
	// ErrMalformed means the event failed validation and was rejected.
	ErrMalformed = errors.New("ingest: malformed span rejected")
	// ErrTerminated means the event arrived after its trace was marked terminal.
	ErrTerminated = errors.New("ingest: trace is terminal")
)

// Buffer is the bounded multi-producer/single-consumer hand-off between
// tracer contexts and the background pipeline. Submit never blocks; on a
// full queue the new event is dropped and counted.
type Buffer struct {
	ch chan model.SpanEvent

	dropped  atomic.Int64
	rejected atomic.Int64
}

// NewBuffer creates a buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 8192
	}
	return &Buffer{ch: make(chan model.SpanEvent, capacity)}
}

// Submit hands an event to the consumer. It validates the event, then
// enqueues without ever blocking: a full queue drops the event and returns
// ErrDropped. Safe for concurrent use from any number of producers.
func (b *Buffer) Submit(ev model.SpanEvent) error {
	if err := ev.Validate(); err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	select {
	case b.ch <- ev:
		return nil
	default:
		b.dropped.Add(1)
		return ErrDropped
	}
}

// Drain pulls up to max events for the consumer. When the queue is empty it
// waits at most wait for the first event — a bounded sleep, never a spin and
// never an indefinite block — then drains whatever else is immediately
// available. Returns nil on timeout or context cancellation.
func (b *Buffer) Drain(ctx context.Context, max int, wait time.Duration) []model.SpanEvent {
	var first model.SpanEvent
	select {
	case first = <-b.ch:
	default:
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case first = <-b.ch:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}

	batch := make([]model.SpanEvent, 1, max)
	batch[0] = first
	for len(batch) < max {
		select {
		case ev := <-b.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

// Len returns the current queue depth.
func (b *Buffer) Len() int { return len(b.ch) }

// Dropped returns the total events discarded because the queue was full.
func (b *Buffer) Dropped() int64 { return b.dropped.Load() }

// Rejected returns the total events rejected as malformed.
func (b *Buffer) Rejected() int64 { return b.rejected.Load() }

// RegisterMetrics registers observable gauges for buffer health. Call once
// after the global meter provider has been initialized.
func (b *Buffer) RegisterMetrics() {
	meter := telemetry.Meter("tracelens/ingest")

	_, _ = meter.Int64ObservableGauge("tracelens.buffer.depth",
		metric.WithDescription("Current number of events waiting in the ingestion buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tracelens.buffer.dropped_total",
		metric.WithDescription("Total events dropped on buffer overflow"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tracelens.buffer.rejected_total",
		metric.WithDescription("Total malformed events rejected at ingestion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Rejected())
			return nil
		}),
	)
}
