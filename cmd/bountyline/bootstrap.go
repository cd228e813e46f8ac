package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/daimoniac/bountyline/internal/codebase"
	"github.com/daimoniac/bountyline/internal/config"
	"github.com/daimoniac/bountyline/internal/findings"
	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/oracle"
	"github.com/daimoniac/bountyline/internal/statestore"
)

// runtime holds the components shared by serve and analyze-commit
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     statestore.Store
	oracle    oracle.Oracle
	machine   *findings.Machine
	context   *codebase.Cache
}

func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser := observability.NewLoggerWithFile(cfg.Observability.LogLevel, observability.LogFileOptions{
		Path: cfg.Observability.LogFile,
	})

	rt := &runtime{cfg: cfg, logger: logger, logCloser: logCloser}

	logger.Debug("initializing state store", "type", cfg.StateStore.Type)
	rt.store, err = openStore(ctx, cfg.StateStore, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	if err := seedPatterns(ctx, rt.store, cfg.Pipeline, logger); err != nil {
		rt.close()
		return nil, err
	}

	logger.Debug("initializing oracle", "provider", cfg.Oracle.Provider, "model", cfg.Oracle.Model)
	rt.oracle, err = oracle.New(ctx, cfg.Oracle, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to initialize oracle: %w", err)
	}

	rules := cfg.Pipeline.Findings
	rt.machine = findings.NewMachine(rt.oracle, rt.store, findings.Config{
		RootCauseThreshold:  rules.RootCauseThreshold,
		FixConfirmThreshold: rules.FixConfirmThreshold,
		FixReviewThreshold:  rules.FixReviewThreshold,
		CommitConcurrency:   rules.CommitConcurrency,
	}, logger)

	rt.context = codebase.NewCache(
		codebase.NewGitHubProvider(cfg.GitHub.Token, cfg.GitHub.MaxFiles, nil, logger),
		cfg.GitHub.ContextTTL,
	)

	return rt, nil
}

func openStore(ctx context.Context, cfg config.StateStoreConfig, logger *slog.Logger) (statestore.Store, error) {
	switch cfg.Type {
	case "sqlite":
		store, err := statestore.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := statestore.OpenPostgres(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported state store type: %s", cfg.Type)
	}
}

// seedPatterns upserts the catalog entries declared in the pipeline file
func seedPatterns(ctx context.Context, store statestore.PatternStore, pipeline *config.PipelineConfig, logger *slog.Logger) error {
	for i := range pipeline.Patterns {
		p := pipeline.Patterns[i]
		if err := store.UpsertPattern(ctx, &p); err != nil {
			return fmt.Errorf("failed to seed pattern %s/%s: %w", p.CVEID, p.Language, err)
		}
	}
	if n := len(pipeline.Patterns); n > 0 {
		logger.Info("vulnerability patterns seeded", "count", n)
	}
	return nil
}

func (rt *runtime) close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Error("error closing state store", "error", err.Error())
		}
	}
	if rt.logCloser != nil {
		_ = rt.logCloser.Close()
	}
}
