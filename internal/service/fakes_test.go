package service

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingEngine echoes a fingerprint of every task so tests can check that
// outputs land on the right id.
type recordingEngine struct {
	mu      sync.Mutex
	batches []PartitionedBatch
	closed  int

	// gate, when set, is received from before each batch runs.
	gate      chan struct{}
	warmupErr error
	batchErr  error
	failIDs   map[string]error
	panicOnce bool
	dropImage bool
}

func (e *recordingEngine) Name() string { return "recording" }

func (e *recordingEngine) Warmup(context.Context) error { return e.warmupErr }

func (e *recordingEngine) Infer(ctx context.Context, batch PartitionedBatch) (BatchOutput, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return BatchOutput{}, ctx.Err()
		}
	}
	e.mu.Lock()
	e.batches = append(e.batches, batch)
	shouldPanic := e.panicOnce
	e.panicOnce = false
	e.mu.Unlock()

	if shouldPanic {
		panic("engine exploded")
	}
	if e.batchErr != nil {
		return BatchOutput{}, e.batchErr
	}
	out := BatchOutput{
		Images: make([]Output, 0, len(batch.Images)),
		Texts:  make([]Output, 0, len(batch.Texts)),
	}
	for _, task := range batch.Images {
		out.Images = append(out.Images, e.outputFor(task))
	}
	for _, task := range batch.Texts {
		out.Texts = append(out.Texts, e.outputFor(task))
	}
	if e.dropImage && len(out.Images) > 0 {
		out.Images = out.Images[:len(out.Images)-1]
	}
	return out, nil
}

func (e *recordingEngine) outputFor(task Task) Output {
	if err, ok := e.failIDs[task.ID]; ok {
		return Output{Err: err}
	}
	return Output{Embedding: fingerprint(task.ID), Aesthetic: 7}
}

func (e *recordingEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

func (e *recordingEngine) Sizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	sizes := make([]int, len(e.batches))
	for idx, batch := range e.batches {
		sizes[idx] = batch.Len()
	}
	return sizes
}

func (e *recordingEngine) Batches() []PartitionedBatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PartitionedBatch, len(e.batches))
	copy(out, e.batches)
	return out
}

func fingerprint(id string) []float32 {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id))
	return []float32{float32(hasher.Sum32() % 100000), float32(len(id))}
}

func factoryFor(engine Engine) EngineFactory {
	return func(context.Context) (Engine, error) { return engine, nil }
}

// failingStore fails PutAll a fixed number of times before delegating.
type failingStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *failingStore) PutAll(ctx context.Context, results []Result) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.PutAll(ctx, results)
}

func textTask(id string) Task {
	return Task{ID: id, Text: "text " + id, SubmittedAt: time.Now()}
}

func imageTask(id string) Task {
	return Task{ID: id, Image: []byte("img-" + id), SubmittedAt: time.Now()}
}

func startController(t *testing.T, engine Engine, store ResultStore, cfg ControllerConfig) *Controller {
	t.Helper()
	controller, err := NewController(factoryFor(engine), store, cfg)
	require.NoError(t, err)
	require.NoError(t, controller.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = controller.Stop(ctx)
	})
	return controller
}

func stopController(t *testing.T, controller *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, controller.Stop(ctx))
	require.Equal(t, StateStopped, controller.State())
}
