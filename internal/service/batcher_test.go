package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reportSink struct {
	mu      sync.Mutex
	reports []BatchReport
}

func (s *reportSink) record(report BatchReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
}

func (s *reportSink) Reports() []BatchReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BatchReport, len(s.reports))
	copy(out, s.reports)
	return out
}

func runWorker(t *testing.T, q *Queue, store ResultStore, engine Engine, maxBatch int) *reportSink {
	t.Helper()
	sink := &reportSink{}
	w := newWorker(q, store, engine, nil, WorkerConfig{MaxBatchSize: maxBatch, OnBatch: sink.record})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.run(ctx))
	return sink
}

func TestWorkerRespectsMaxBatchSize(t *testing.T) {
	q := NewQueue(0)
	for idx := range 25 {
		require.NoError(t, q.Put(textTask(fmt.Sprintf("t%02d", idx))))
	}
	q.putControl()

	engine := &recordingEngine{}
	store := NewMemoryStore(MemoryStoreConfig{})
	runWorker(t, q, store, engine, 10)

	assert.Equal(t, []int{10, 10, 5}, engine.Sizes())
	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}

func TestWorkerMapsOutputsToTasksByPosition(t *testing.T) {
	q := NewQueue(0)
	var ids []string
	for idx := range 9 {
		id := fmt.Sprintf("mixed-%d", idx)
		ids = append(ids, id)
		if idx%3 == 0 {
			require.NoError(t, q.Put(imageTask(id)))
		} else {
			require.NoError(t, q.Put(textTask(id)))
		}
	}
	q.putControl()

	engine := &recordingEngine{}
	store := NewMemoryStore(MemoryStoreConfig{})
	runWorker(t, q, store, engine, 16)

	batches := engine.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Images, 3)
	assert.Len(t, batches[0].Texts, 6)

	for idx, id := range ids {
		result, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, fingerprint(id), result.Embedding, id)
		assert.False(t, result.Failed())
		assert.Equal(t, uint64(1), result.Batch)
		if idx%3 == 0 {
			assert.Equal(t, KindImage, result.Kind)
			assert.Equal(t, float32(7), result.Aesthetic)
		} else {
			assert.Equal(t, KindText, result.Kind)
			assert.Zero(t, result.Aesthetic)
		}
	}
}

func TestWorkerIsolatesPerTaskErrors(t *testing.T) {
	q := NewQueue(0)
	for _, id := range []string{"ok-1", "bad", "ok-2"} {
		require.NoError(t, q.Put(textTask(id)))
	}
	q.putControl()

	engine := &recordingEngine{failIDs: map[string]error{"bad": errors.New("tokenizer rejected input")}}
	store := NewMemoryStore(MemoryStoreConfig{})
	sink := runWorker(t, q, store, engine, 10)

	bad, err := store.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.True(t, bad.Failed())
	assert.Contains(t, bad.Error, "tokenizer rejected input")
	assert.Empty(t, bad.Embedding)

	for _, id := range []string{"ok-1", "ok-2"} {
		result, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, result.Failed(), id)
	}

	reports := sink.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].TaskErrors)
	assert.NoError(t, reports[0].Err)
}

func TestWorkerBatchErrorFailsEveryTask(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Put(imageTask("i1")))
	require.NoError(t, q.Put(textTask("t1")))
	q.putControl()

	engine := &recordingEngine{batchErr: fmt.Errorf("%w: device lost", ErrEngineInference)}
	store := NewMemoryStore(MemoryStoreConfig{})
	sink := runWorker(t, q, store, engine, 10)

	for _, id := range []string{"i1", "t1"} {
		result, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, result.Failed())
		assert.Contains(t, result.Error, "device lost")
	}
	require.Len(t, sink.Reports(), 1)
	assert.ErrorIs(t, sink.Reports()[0].Err, ErrEngineInference)
}

func TestWorkerRecoversEnginePanic(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Put(textTask("first")))
	q.putControl()

	engine := &recordingEngine{panicOnce: true}
	store := NewMemoryStore(MemoryStoreConfig{})
	sink := runWorker(t, q, store, engine, 10)

	result, err := store.Get(context.Background(), "first")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Contains(t, result.Error, "engine panicked")
	assert.ErrorIs(t, sink.Reports()[0].Err, ErrEngineInference)
}

func TestWorkerOutputCountMismatchIsProtocolError(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Put(imageTask("i1")))
	require.NoError(t, q.Put(imageTask("i2")))
	require.NoError(t, q.Put(textTask("t1")))
	q.putControl()

	engine := &recordingEngine{dropImage: true}
	store := NewMemoryStore(MemoryStoreConfig{})
	sink := runWorker(t, q, store, engine, 10)

	for _, id := range []string{"i1", "i2"} {
		result, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, result.Failed(), id)
	}
	text, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, text.Failed())
	assert.ErrorIs(t, sink.Reports()[0].Err, ErrEngineProtocol)
}

func TestWorkerShutdownMidFillStopsAfterBatch(t *testing.T) {
	q := NewQueue(0)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(textTask(id)))
	}
	q.putControl()
	// queued behind the shutdown signal; never processed
	require.NoError(t, q.Put(textTask("late")))

	engine := &recordingEngine{}
	store := NewMemoryStore(MemoryStoreConfig{})
	runWorker(t, q, store, engine, 10)

	assert.Equal(t, []int{3}, engine.Sizes())
	assert.Equal(t, 1, q.Len())
	_, err := store.Get(context.Background(), "late")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkerShutdownFirstProcessesNothing(t *testing.T) {
	q := NewQueue(0)
	q.putControl()
	engine := &recordingEngine{}
	runWorker(t, q, NewMemoryStore(MemoryStoreConfig{}), engine, 10)
	assert.Empty(t, engine.Sizes())
}

func TestWorkerRetriesPublish(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Put(textTask("a")))
	q.putControl()

	store := &failingStore{MemoryStore: NewMemoryStore(MemoryStoreConfig{}), failures: 2}
	sink := runWorker(t, q, store, &recordingEngine{}, 10)

	assert.Equal(t, 3, store.calls)
	assert.NoError(t, sink.Reports()[0].Err)
	_, err := store.Get(context.Background(), "a")
	assert.NoError(t, err)
}

func TestWorkerReportsQueueWait(t *testing.T) {
	q := NewQueue(0)
	task := textTask("waited")
	task.SubmittedAt = time.Now().Add(-50 * time.Millisecond)
	require.NoError(t, q.Put(task))
	q.putControl()

	sink := runWorker(t, q, NewMemoryStore(MemoryStoreConfig{}), &recordingEngine{}, 10)
	reports := sink.Reports()
	require.Len(t, reports, 1)
	assert.GreaterOrEqual(t, reports[0].AvgQueueWait, 50*time.Millisecond)
	assert.Equal(t, []string{"waited"}, reports[0].IDs)
	assert.Equal(t, uint64(1), reports[0].Seq)
}

func TestWorkerEngineTimeout(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Put(textTask("slow")))
	q.putControl()

	engine := &recordingEngine{gate: make(chan struct{})}
	store := NewMemoryStore(MemoryStoreConfig{})
	sink := &reportSink{}
	w := newWorker(q, store, engine, nil, WorkerConfig{
		MaxBatchSize:  10,
		EngineTimeout: 20 * time.Millisecond,
		OnBatch:       sink.record,
	})
	require.NoError(t, w.run(context.Background()))

	result, err := store.Get(context.Background(), "slow")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.ErrorIs(t, sink.Reports()[0].Err, context.DeadlineExceeded)
}
