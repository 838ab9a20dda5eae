package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelens/tracelens/internal/model"
)

func makeSpan(traceID uuid.UUID, spanID uint64, name string, start, end uint64) model.SpanEvent {
	return model.SpanEvent{TraceID: traceID, SpanID: spanID, Name: name, StartNs: start, EndNs: end}
}

func TestSubmitOverflowDropsExactly(t *testing.T) {
	// Capacity 10, 15 concurrent submissions, no consumer: exactly 5 drops,
	// and no producer ever blocks.
	buf := NewBuffer(10)
	traceID := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var dropErrs int

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 15; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := buf.Submit(makeSpan(traceID, uint64(i), "write", 0, 100))
				if err != nil {
					mu.Lock()
					dropErrs++
					mu.Unlock()
					assert.ErrorIs(t, err, ErrDropped)
				}
			}(i)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producers blocked on a full buffer")
	}

	assert.Equal(t, 5, dropErrs)
	assert.Equal(t, int64(5), buf.Dropped())
	assert.Equal(t, 10, buf.Len())
}

func TestSubmitRejectsMalformed(t *testing.T) {
	buf := NewBuffer(4)

	err := buf.Submit(makeSpan(uuid.Nil, 1, "read", 0, 10))
	require.ErrorIs(t, err, ErrMalformed)

	err = buf.Submit(makeSpan(uuid.New(), 1, "", 0, 10))
	require.ErrorIs(t, err, ErrMalformed)

	err = buf.Submit(makeSpan(uuid.New(), 1, "read", 10, 5))
	require.ErrorIs(t, err, ErrMalformed)

	assert.Equal(t, int64(3), buf.Rejected())
	assert.Equal(t, 0, buf.Len())
}

func TestDrainBatches(t *testing.T) {
	buf := NewBuffer(16)
	traceID := uuid.New()
	for i := 0; i < 7; i++ {
		require.NoError(t, buf.Submit(makeSpan(traceID, uint64(i), "read", uint64(i*10), uint64(i*10+5))))
	}

	ctx := context.Background()
	batch := buf.Drain(ctx, 5, time.Millisecond)
	assert.Len(t, batch, 5)
	batch = buf.Drain(ctx, 5, time.Millisecond)
	assert.Len(t, batch, 2)

	// Empty queue: bounded wait, then nil.
	start := time.Now()
	batch = buf.Drain(ctx, 5, 20*time.Millisecond)
	assert.Nil(t, batch)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDrainRespectsContext(t *testing.T) {
	buf := NewBuffer(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := buf.Drain(ctx, 5, time.Hour)
	assert.Nil(t, batch)
}

func TestDrainPreservesFIFO(t *testing.T) {
	buf := NewBuffer(8)
	traceID := uuid.New()
	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Submit(makeSpan(traceID, uint64(i), "read", uint64(i), uint64(i+1))))
	}

	batch := buf.Drain(context.Background(), 8, time.Millisecond)
	require.Len(t, batch, 4)
	for i, ev := range batch {
		assert.Equal(t, uint64(i), ev.SpanID)
	}
}
