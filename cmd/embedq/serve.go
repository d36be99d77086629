package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apex-x/embedq/internal/config"
	"github.com/apex-x/embedq/internal/observability"
	"github.com/apex-x/embedq/internal/service"
)

type serveFlags struct {
	addr           string
	engine         string
	modelPath      string
	engineCommand  string
	maxBatchSize   int
	maxQueueDepth  int
	resultsBackend string
	logLevel       string
}

func newServeCommand(opts *cliOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the batch worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			applyServeFlags(cmd, flags, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&flags.engine, "engine", "", "inference engine: hash|bridge")
	cmd.Flags().StringVar(&flags.modelPath, "model-path", "", "model artifact for the bridge engine")
	cmd.Flags().StringVar(&flags.engineCommand, "engine-command", "", "bridge engine command line")
	cmd.Flags().IntVar(&flags.maxBatchSize, "max-batch-size", 0, "maximum tasks per batch")
	cmd.Flags().IntVar(&flags.maxQueueDepth, "max-queue-depth", 0, "intake queue bound (0 disables)")
	cmd.Flags().StringVar(&flags.resultsBackend, "results-backend", "", "result store: memory|redis")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug|info|warn|error")
	return cmd
}

// applyServeFlags overrides config values only for flags set on the command
// line.
func applyServeFlags(cmd *cobra.Command, flags *serveFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Server.Addr = flags.addr
	}
	if changed("engine") {
		cfg.Engine.Name = flags.engine
	}
	if changed("model-path") {
		cfg.Engine.ModelPath = flags.modelPath
	}
	if changed("engine-command") {
		cfg.Engine.Command = flags.engineCommand
	}
	if changed("max-batch-size") {
		cfg.Batch.MaxBatchSize = flags.maxBatchSize
	}
	if changed("max-queue-depth") {
		cfg.Batch.MaxQueueDepth = flags.maxQueueDepth
	}
	if changed("results-backend") {
		cfg.Results.Backend = flags.resultsBackend
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var metrics *service.Metrics
	if cfg.Telemetry.Metrics {
		metrics = service.NewMetrics(cfg.Telemetry.MetricsNamespace)
	}
	hooks, shutdownTelemetry, err := buildHooks(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry_shutdown_failed", zap.Error(err))
		}
	}()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("result_store_close_failed", zap.Error(closeErr))
		}
	}()

	factory, err := buildEngineFactory(cfg.Engine)
	if err != nil {
		return err
	}
	controller, err := service.NewController(factory, store, service.ControllerConfig{
		EngineName:     cfg.Engine.Name,
		MaxBatchSize:   cfg.Batch.MaxBatchSize,
		MaxQueueDepth:  cfg.Batch.MaxQueueDepth,
		EngineTimeout:  cfg.Engine.Timeout,
		MaxRestarts:    cfg.Lifecycle.MaxRestarts,
		RestartBackoff: cfg.Lifecycle.RestartBackoff,
		Logger:         logger,
		Metrics:        metrics,
		Hooks:          hooks,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, cfg.Lifecycle.StartTimeout)
	startErr := controller.Start(startCtx)
	cancelStart()
	if startErr != nil {
		return fmt.Errorf("failed to start worker: %w", startErr)
	}

	httpService, err := service.NewHTTPService(controller, service.HTTPServiceConfig{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
		Metrics:      metrics,
		Hooks:        hooks,
	})
	if err != nil {
		return fmt.Errorf("failed to create http service: %w", err)
	}
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpService.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(
			"embedq_server_start",
			zap.String("addr", cfg.Server.Addr),
			zap.String("engine", controller.EngineName()),
			zap.Int("max_batch_size", cfg.Batch.MaxBatchSize),
			zap.Int("max_queue_depth", cfg.Batch.MaxQueueDepth),
			zap.String("results_backend", cfg.Results.Backend),
			zap.Duration("results_ttl", cfg.Results.TTL),
			zap.String("version", version),
		)
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http serve failed: %w", serveErr)
		}
		return nil
	})
	g.Go(func() error {
		var workerErr error
		select {
		case <-gctx.Done():
		case <-controller.Done():
			workerErr = controller.Err()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http_shutdown_failed", zap.Error(shutdownErr))
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Lifecycle.DrainTimeout)
		defer cancelDrain()
		if stopErr := controller.Stop(drainCtx); stopErr != nil && workerErr == nil {
			workerErr = stopErr
		}
		logger.Info("embedq_server_stopped", zap.Int("queue_depth", controller.QueueDepth()))
		return workerErr
	})
	return g.Wait()
}

func buildHooks(
	ctx context.Context,
	cfg *config.Config,
	metrics *service.Metrics,
) (service.TelemetryHooks, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Telemetry.OTel {
		return service.NopTelemetryHooks{}, noop, nil
	}
	var registerer prometheus.Registerer
	if metrics != nil {
		registerer = metrics.Registry()
	}
	telemetry, err := observability.SetupTelemetry(ctx, cfg.Telemetry, registerer, version)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	hooks, err := service.NewOTelHooks(telemetry.TracerProvider(), telemetry.MeterProvider())
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, noop, fmt.Errorf("failed to create otel hooks: %w", err)
	}
	return hooks, telemetry.Shutdown, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (service.ResultStore, error) {
	switch cfg.Results.Backend {
	case "memory":
		return service.NewMemoryStore(service.MemoryStoreConfig{TTL: cfg.Results.TTL}), nil
	case "redis":
		store, err := service.NewRedisStore(ctx, service.RedisStoreConfig{
			Addr:      cfg.Results.Redis.Addr,
			Password:  cfg.Results.Redis.Password,
			DB:        cfg.Results.Redis.DB,
			PoolSize:  cfg.Results.Redis.PoolSize,
			KeyPrefix: cfg.Results.Redis.KeyPrefix,
			TTL:       cfg.Results.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect result store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported results backend %q", cfg.Results.Backend)
	}
}

func buildEngineFactory(cfg config.EngineConfig) (service.EngineFactory, error) {
	switch cfg.Name {
	case service.HashEngineName:
		return func(context.Context) (service.Engine, error) {
			engine, err := service.NewHashEngine(service.HashEngineConfig{Dimension: cfg.Dimension})
			if err != nil {
				return nil, err
			}
			return engine, nil
		}, nil
	case service.BridgeEngineName:
		return func(context.Context) (service.Engine, error) {
			engine, err := service.NewBridgeEngine(service.BridgeEngineConfig{
				Command:   cfg.Command,
				ModelPath: cfg.ModelPath,
				Dimension: cfg.Dimension,
			})
			if err != nil {
				return nil, err
			}
			return engine, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported engine %q", cfg.Name)
	}
}
