package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxBatchSize = 10

	publishAttempts = 3
	publishBackoff  = 50 * time.Millisecond
)

type WorkerConfig struct {
	MaxBatchSize  int
	EngineTimeout time.Duration
	Logger        *zap.Logger
	OnBatch       func(report BatchReport)
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// worker owns the engine for its whole life. Every engine call happens on the
// goroutine running run.
type worker struct {
	queue  *Queue
	store  ResultStore
	engine Engine
	cfg    WorkerConfig
	seq    *atomic.Uint64
	logger *zap.Logger
}

func newWorker(queue *Queue, store ResultStore, engine Engine, seq *atomic.Uint64, cfg WorkerConfig) *worker {
	cfg = cfg.withDefaults()
	if seq == nil {
		seq = &atomic.Uint64{}
	}
	return &worker{
		queue:  queue,
		store:  store,
		engine: engine,
		cfg:    cfg,
		seq:    seq,
		logger: cfg.Logger.With(zap.String("engine", engine.Name())),
	}
}

// run returns nil once the shutdown signal is observed with no batch pending.
func (w *worker) run(ctx context.Context) error {
	for {
		batch, stop, err := w.nextBatch(ctx)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		w.processBatch(ctx, batch)
	}
}

// nextBatch blocks for the first message, then drains without blocking. A
// shutdown seen mid-fill goes back to the head of the queue so the tasks
// already taken are processed before the worker stops.
func (w *worker) nextBatch(ctx context.Context) ([]Task, bool, error) {
	first, err := w.queue.get(ctx)
	if err != nil {
		return nil, false, err
	}
	if first.shutdown {
		return nil, true, nil
	}
	batch := make([]Task, 0, w.cfg.MaxBatchSize)
	batch = append(batch, first.task)
	for len(batch) < w.cfg.MaxBatchSize {
		next, ok := w.queue.tryGet()
		if !ok {
			break
		}
		if next.shutdown {
			w.queue.requeue(next)
			break
		}
		batch = append(batch, next.task)
	}
	return batch, false, nil
}

func (w *worker) processBatch(ctx context.Context, batch []Task) BatchReport {
	seq := w.seq.Add(1)
	batchStart := time.Now()
	queueWaitTotal := time.Duration(0)
	ids := make([]string, len(batch))
	for idx, task := range batch {
		ids[idx] = task.ID
		wait := batchStart.Sub(task.SubmittedAt)
		if wait < 0 {
			wait = 0
		}
		queueWaitTotal += wait
	}
	avgQueueWait := queueWaitTotal / time.Duration(len(batch))

	partitioned := Partition(batch)
	inferenceStart := time.Now()
	output, inferErr := w.infer(ctx, partitioned)
	inferenceTime := time.Since(inferenceStart)

	completedAt := time.Now()
	results := make([]Result, 0, len(batch))
	imageResults, imageErr := collectResults(KindImage, partitioned.Images, output.Images, inferErr, seq, completedAt)
	textResults, textErr := collectResults(KindText, partitioned.Texts, output.Texts, inferErr, seq, completedAt)
	results = append(results, imageResults...)
	results = append(results, textResults...)

	batchErr := inferErr
	if batchErr == nil {
		batchErr = errors.Join(imageErr, textErr)
	}
	taskErrors := 0
	for _, result := range results {
		if result.Failed() {
			taskErrors++
		}
	}

	if publishErr := w.publish(ctx, results); publishErr != nil {
		w.logger.Error(
			"result_publish_failed",
			zap.Uint64("batch", seq),
			zap.Strings("ids", ids),
			zap.Error(publishErr),
		)
		batchErr = errors.Join(batchErr, publishErr)
	}

	fields := []zap.Field{
		zap.Uint64("batch", seq),
		zap.Int("batch_size", len(batch)),
		zap.Int("images", len(partitioned.Images)),
		zap.Int("texts", len(partitioned.Texts)),
		zap.Int("task_errors", taskErrors),
		zap.Float64("queue_wait_ms", durationMillis(avgQueueWait)),
		zap.Float64("inference_ms", durationMillis(inferenceTime)),
	}
	if batchErr != nil {
		w.logger.Error("batch_inference_failed", append(fields, zap.Error(batchErr))...)
	} else {
		w.logger.Info("batch_inference_done", fields...)
	}

	report := BatchReport{
		Seq:           seq,
		Size:          len(batch),
		Images:        len(partitioned.Images),
		Texts:         len(partitioned.Texts),
		TaskErrors:    taskErrors,
		AvgQueueWait:  avgQueueWait,
		InferenceTime: inferenceTime,
		IDs:           ids,
		Err:           batchErr,
	}
	if w.cfg.OnBatch != nil {
		w.cfg.OnBatch(report)
	}
	return report
}

func (w *worker) infer(ctx context.Context, batch PartitionedBatch) (output BatchOutput, err error) {
	if w.cfg.EngineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.EngineTimeout)
		defer cancel()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			output = BatchOutput{}
			err = fmt.Errorf("%w: engine panicked: %v", ErrEngineInference, recovered)
		}
	}()
	return w.engine.Infer(ctx, batch)
}

func (w *worker) publish(ctx context.Context, results []Result) error {
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = w.store.PutAll(ctx, results); err == nil {
			return nil
		}
		if attempt < publishAttempts {
			w.logger.Warn("result_publish_retry", zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(time.Duration(attempt) * publishBackoff)
		}
	}
	return err
}

// collectResults maps engine outputs back onto tasks by position. A batch
// error or a length mismatch turns every task of the kind into an error
// result rather than guessing an alignment.
func collectResults(
	kind Kind,
	tasks []Task,
	outputs []Output,
	batchErr error,
	seq uint64,
	completedAt time.Time,
) ([]Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	taskErr := batchErr
	var mismatchErr error
	if taskErr == nil && len(outputs) != len(tasks) {
		mismatchErr = fmt.Errorf(
			"%w: engine returned %d %s outputs for %d tasks",
			ErrEngineProtocol,
			len(outputs),
			kind,
			len(tasks),
		)
		taskErr = mismatchErr
	}
	results := make([]Result, len(tasks))
	for idx, task := range tasks {
		result := Result{
			ID:          task.ID,
			Kind:        kind,
			Batch:       seq,
			CompletedAt: completedAt,
		}
		switch {
		case taskErr != nil:
			result.Error = (&EngineError{ID: task.ID, Err: taskErr}).Error()
		case outputs[idx].Err != nil:
			result.Error = (&EngineError{ID: task.ID, Err: outputs[idx].Err}).Error()
		case len(outputs[idx].Embedding) == 0:
			result.Error = (&EngineError{
				ID:  task.ID,
				Err: fmt.Errorf("%w: empty embedding", ErrEngineProtocol),
			}).Error()
		default:
			result.Embedding = outputs[idx].Embedding
			if kind == KindImage {
				result.Aesthetic = outputs[idx].Aesthetic
			}
		}
		results[idx] = result
	}
	return results, mismatchErr
}

func durationMillis(value time.Duration) float64 {
	if value < 0 {
		return 0.0
	}
	return float64(value) / float64(time.Millisecond)
}
