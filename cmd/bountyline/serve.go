package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/daimoniac/bountyline/internal/api"
	"github.com/daimoniac/bountyline/internal/config"
	"github.com/daimoniac/bountyline/internal/coordinator"
	"github.com/daimoniac/bountyline/internal/gate"
	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/policy"
	"github.com/daimoniac/bountyline/internal/producer"
	"github.com/daimoniac/bountyline/internal/queue"
	"github.com/daimoniac/bountyline/internal/statestore"
	"github.com/daimoniac/bountyline/internal/worker"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll sources, triage candidates and run the analysis workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cancel)
		},
	}
}

func serve(ctx context.Context, cancel context.CancelFunc) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	cfg, logger := rt.cfg, rt.logger
	logger.Info("starting bountyline",
		"version", version,
		"pipeline_path", cfg.PipelinePath,
		"sources", len(cfg.Pipeline.Sources),
		"log_level", cfg.Observability.LogLevel)

	_ = observability.GetMetrics()

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.RegisterComponent("config")
	healthChecker.RegisterComponent("database")
	healthChecker.RegisterComponent("queue")
	healthChecker.RegisterComponent("worker")
	healthChecker.RegisterOptionalComponent("coordinator")
	healthChecker.UpdateComponentHealth("config", observability.StatusHealthy, "")
	healthChecker.UpdateComponentHealth("database", observability.StatusHealthy, "")

	obsServer := observability.NewServer(
		cfg.Observability.MetricsPort,
		cfg.Observability.HealthCheckPort,
		logger,
		healthChecker,
		nil,
	)
	go func() {
		if err := obsServer.Start(ctx); err != nil {
			logger.Error("observability server error", "error", err.Error())
		}
	}()
	go healthChecker.StartPeriodicChecks(ctx, 30*time.Second, map[string]observability.HealthCheckFunc{
		"database": rt.store.Ping,
	})

	logger.Debug("initializing queue", "backend", cfg.Queue.Backend)
	triageQueue, err := openQueue(ctx, cfg.Queue, rt.store)
	if err != nil {
		healthChecker.UpdateComponentHealth("queue", observability.StatusUnhealthy, err.Error())
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer triageQueue.Close()
	healthChecker.UpdateComponentHealth("queue", observability.StatusHealthy, "")

	filterGate, err := newGate(rt, cfg.Pipeline)
	if err != nil {
		return err
	}

	coord := coordinator.New(rt.store, filterGate, triageQueue, gateOptions(cfg.Pipeline), logger)
	producers := newProducers(cfg.Pipeline, rt)
	watcher := coordinator.NewWatcher(coord, producers, cfg.Pipeline.MinimumAmount, cfg.Ingestion.PollInterval, logger)
	healthChecker.UpdateComponentHealth("coordinator", observability.StatusHealthy, "")

	workerInstance := worker.NewCandidateWorker(triageQueue, rt.store, rt.context, rt.machine, worker.Config{
		PollInterval:    cfg.Worker.PollInterval,
		RetryAttempts:   cfg.Worker.RetryAttempts,
		RetryBackoff:    cfg.Worker.RetryBackoff,
		Concurrency:     cfg.Worker.Concurrency,
		ShutdownTimeout: 30 * time.Second,
	}, logger)
	healthChecker.UpdateComponentHealth("worker", observability.StatusHealthy, "")

	var apiServer *api.APIServer
	if cfg.API.Enabled {
		apiServer = api.NewAPIServer(&cfg.API, rt.store, triageQueue, logger)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if len(producers) == 0 {
			logger.Warn("no sources configured, ingestion disabled")
			return
		}
		if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("coordinator error: %w", err)
		}
		logger.Debug("coordinator stopped")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := workerInstance.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("worker error: %w", err)
		}
		logger.Debug("worker stopped")
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("API server error: %w", err)
			}
			logger.Debug("API server stopped")
		}()
	}

	logger.Info("all components started successfully")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errChan:
		logger.Error("component error, initiating shutdown", "error", err.Error())
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}

	if depth, err := triageQueue.Size(shutdownCtx); err == nil && depth > 0 {
		logger.Info("candidates left queued for the next run", "remaining", depth)
	}

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down observability server", "error", err.Error())
	}

	logger.Info("shutdown complete")
	return nil
}

// openQueue builds the queue backend. Durable backends share the store's
// database so queued work survives restarts.
func openQueue(ctx context.Context, cfg config.QueueConfig, store statestore.Store) (queue.PriorityQueue, error) {
	switch cfg.Backend {
	case "memory":
		return queue.NewMemoryQueue(), nil
	case "sqlite":
		s, ok := store.(*statestore.SQLiteStore)
		if !ok {
			return nil, fmt.Errorf("sqlite queue requires the sqlite state store")
		}
		q, err := queue.NewSQLiteQueue(ctx, s.DB())
		if err != nil {
			return nil, err
		}
		return q, nil
	case "postgres":
		s, ok := store.(*statestore.PostgresStore)
		if !ok {
			return nil, fmt.Errorf("postgres queue requires the postgres state store")
		}
		return queue.NewPostgresQueue(s.Pool()), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}

func newGate(rt *runtime, pipeline *config.PipelineConfig) (*gate.Gate, error) {
	if pipeline.Gate.Policy == nil || pipeline.Gate.Policy.Expression == "" {
		return gate.New(rt.oracle, nil, rt.logger), nil
	}

	engine, err := policy.NewEngine(rt.logger, policy.PolicyConfig{
		Expression:     pipeline.Gate.Policy.Expression,
		FailureMessage: pipeline.Gate.Policy.FailureMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize admission policy: %w", err)
	}
	return gate.New(rt.oracle, engine, rt.logger), nil
}

func gateOptions(pipeline *config.PipelineConfig) []gate.Option {
	var opts []gate.Option
	if t := pipeline.Gate.ConfidenceThreshold; t > 0 {
		opts = append(opts, gate.WithConfidenceThreshold(t))
	}
	if m := pipeline.Gate.MaxEstimatedMinutes; m > 0 {
		opts = append(opts, gate.WithMaxEstimatedMinutes(m))
	}
	return opts
}

func newProducers(pipeline *config.PipelineConfig, rt *runtime) []producer.Producer {
	producers := make([]producer.Producer, 0, len(pipeline.Sources))
	for _, src := range pipeline.Sources {
		producers = append(producers, producer.NewHTTPFeed(producer.FeedConfig{
			Name:              src.Name,
			URL:               src.URL,
			Token:             src.Token,
			Platform:          src.Platform,
			RequestsPerMinute: src.RequestsPerMinute,
		}, rt.logger))
	}
	return producers
}
