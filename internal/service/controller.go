package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type ControllerConfig struct {
	EngineName     string
	MaxBatchSize   int
	MaxQueueDepth  int
	EngineTimeout  time.Duration
	MaxRestarts    int
	RestartBackoff time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
	Hooks          TelemetryHooks
	// OnBatch observes every processed batch after results are published.
	OnBatch func(report BatchReport)
}

// Controller owns the single worker: it starts it, gates submissions on its
// state, delivers the shutdown signal and supervises restarts.
type Controller struct {
	factory EngineFactory
	store   ResultStore
	queue   *Queue
	cfg     ControllerConfig
	logger  *zap.Logger
	metrics *Metrics
	hooks   TelemetryHooks

	mu           sync.RWMutex
	state        State
	started      bool
	engineName   string
	err          error
	lastBatchErr error

	pendingMu sync.Mutex
	pending   map[string]struct{}

	seq  atomic.Uint64
	done chan struct{}
}

func NewController(factory EngineFactory, store ResultStore, cfg ControllerConfig) (*Controller, error) {
	if factory == nil {
		return nil, errors.New("engine factory must not be nil")
	}
	if store == nil {
		return nil, errors.New("result store must not be nil")
	}
	if cfg.MaxBatchSize < 0 {
		return nil, fmt.Errorf("max batch size must be >= 0, got %d", cfg.MaxBatchSize)
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 500 * time.Millisecond
	}
	if cfg.EngineName == "" {
		cfg.EngineName = "engine"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}
	c := &Controller{
		factory:    factory,
		store:      store,
		queue:      NewQueue(cfg.MaxQueueDepth),
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "controller")),
		metrics:    cfg.Metrics,
		hooks:      hooks,
		state:      StateStarting,
		engineName: cfg.EngineName,
		pending:    make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	if c.metrics != nil {
		c.metrics.observeController(c)
	}
	return c, nil
}

// Start blocks until the engine is warmed up or startup has failed for good.
// ctx bounds only the startup phase.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("controller already started (state %s)", state)
	}
	c.started = true
	c.mu.Unlock()

	ready := make(chan error, 1)
	go c.supervise(ctx, ready)
	return <-ready
}

// Stop enqueues the shutdown signal and waits for the worker to finish the
// tasks accepted before it. ctx bounds the wait only; the worker keeps
// draining if ctx expires first.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStarting, StateRunning:
		if !c.started {
			c.started = true
			c.state = StateStopped
			c.mu.Unlock()
			close(c.done)
			return nil
		}
		c.state = StateDraining
		c.queue.putControl()
		c.logger.Info("worker_draining", zap.Int("queue_depth", c.queue.Len()))
	case StateFailed:
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker to drain: %w", ctx.Err())
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateFailed {
		return c.err
	}
	return nil
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the worker has exited for good.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, a *FatalError when the worker failed.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Controller) LastBatchError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastBatchErr
}

func (c *Controller) EngineName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engineName
}

func (c *Controller) QueueDepth() int {
	return c.queue.Len()
}

func (c *Controller) supervise(startCtx context.Context, ready chan<- error) {
	defer close(c.done)

	restarts := 0
	notified := false
	engineCtx := startCtx
	fail := func(err error) {
		fatal := &FatalError{Engine: c.cfg.EngineName, Attempts: restarts + 1, Err: err}
		c.transitionFailed(fatal)
		if !notified {
			ready <- fatal
		}
	}

	for {
		engine, err := c.startEngine(engineCtx)
		if err != nil {
			c.logger.Error(
				"worker_start_failed",
				zap.Int("attempt", restarts+1),
				zap.Int("max_restarts", c.cfg.MaxRestarts),
				zap.Error(err),
			)
			if restarts >= c.cfg.MaxRestarts || engineCtx.Err() != nil {
				fail(err)
				return
			}
			restarts++
			if c.metrics != nil {
				c.metrics.RecordWorkerRestart()
			}
			if sleepErr := sleepContext(engineCtx, time.Duration(restarts)*c.cfg.RestartBackoff); sleepErr != nil {
				fail(errors.Join(err, sleepErr))
				return
			}
			continue
		}

		if !notified {
			c.transitionRunning(engine.Name())
			notified = true
			ready <- nil
			engineCtx = context.Background()
		}

		runErr := c.runWorker(engine)
		if closeErr := engine.Close(); closeErr != nil {
			c.logger.Warn("engine_close_failed", zap.String("engine", engine.Name()), zap.Error(closeErr))
		}
		if runErr == nil {
			c.transitionStopped()
			return
		}

		c.logger.Error("worker_crashed", zap.Int("restarts", restarts), zap.Error(runErr))
		if restarts >= c.cfg.MaxRestarts {
			fail(runErr)
			return
		}
		restarts++
		if c.metrics != nil {
			c.metrics.RecordWorkerRestart()
		}
		_ = sleepContext(engineCtx, time.Duration(restarts)*c.cfg.RestartBackoff)
	}
}

func (c *Controller) startEngine(ctx context.Context) (Engine, error) {
	engine, err := c.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("construct engine: %w", err)
	}
	if engine == nil {
		return nil, errors.New("construct engine: factory returned nil engine")
	}
	if err := engine.Warmup(ctx); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("warm up engine %s: %w", engine.Name(), err)
	}
	return engine, nil
}

func (c *Controller) runWorker(engine Engine) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("worker panicked: %v", recovered)
		}
	}()
	w := newWorker(c.queue, c.store, engine, &c.seq, WorkerConfig{
		MaxBatchSize:  c.cfg.MaxBatchSize,
		EngineTimeout: c.cfg.EngineTimeout,
		Logger:        c.logger,
		OnBatch:       c.observeBatch,
	})
	c.logger.Info(
		"worker_running",
		zap.String("engine", engine.Name()),
		zap.Int("max_batch_size", c.cfg.MaxBatchSize),
		zap.Int("max_queue_depth", c.cfg.MaxQueueDepth),
	)
	return w.run(context.Background())
}

func (c *Controller) observeBatch(report BatchReport) {
	c.release(report.IDs...)
	if c.metrics != nil {
		c.metrics.RecordBatchStats(report)
	}
	c.hooks.OnBatch(context.Background(), report.Size, report.AvgQueueWait, report.InferenceTime, report.Err)
	if report.Err != nil {
		c.mu.Lock()
		c.lastBatchErr = report.Err
		c.mu.Unlock()
	}
	if c.cfg.OnBatch != nil {
		c.cfg.OnBatch(report)
	}
}

func (c *Controller) transitionRunning(engineName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engineName = engineName
	if c.state == StateStarting {
		c.state = StateRunning
	}
	c.logger.Info("worker_started", zap.String("engine", engineName), zap.String("state", c.state.String()))
}

func (c *Controller) transitionStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
	c.logger.Info("worker_stopped", zap.Uint64("batches", c.seq.Load()))
}

func (c *Controller) transitionFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFailed
	c.err = err
	c.logger.Error("worker_failed", zap.Error(err))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
