package service

import "context"

// Engine is the model behind the worker. Implementations are used by one
// goroutine at a time and must return one Output per input task, aligned by
// position within each kind.
type Engine interface {
	Name() string
	Warmup(ctx context.Context) error
	Infer(ctx context.Context, batch PartitionedBatch) (BatchOutput, error)
	Close() error
}

// EngineFactory builds a fresh engine. It runs on the worker goroutine before
// anything is dequeued, and again on every supervised restart.
type EngineFactory func(ctx context.Context) (Engine, error)
