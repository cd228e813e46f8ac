// Package oracle provides the text-completion capability the gate and the
// finding machine reason with, plus tolerant extraction of the JSON objects
// its answers are expected to contain.
package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/daimoniac/bountyline/internal/config"
	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/observability"
	"github.com/daimoniac/bountyline/internal/resilience"
)

// Oracle sends a prompt and returns free text
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to the Oracle interface
type Func func(ctx context.Context, prompt string) (string, error)

// Complete calls f
func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// New builds the configured provider wrapped in the resilient call policy
func New(ctx context.Context, cfg config.OracleConfig, logger *slog.Logger) (Oracle, error) {
	var inner Oracle
	switch cfg.Provider {
	case "anthropic":
		inner = NewAnthropic(cfg.AnthropicKey, cfg.Model, cfg.BaseURL, logger)
	case "gemini":
		g, err := NewGemini(ctx, cfg.GeminiKey, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		inner = g
	default:
		return nil, errors.NewPermanentf("unknown oracle provider: %s", cfg.Provider)
	}

	policy := resilience.DefaultConfig()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.Timeout = cfg.Timeout
	policy.MaxConcurrentCalls = int64(cfg.MaxConcurrency)
	policy.MinInterval = cfg.MinInterval

	return NewResilient(cfg.Provider, inner, resilience.NewCaller("oracle-"+cfg.Provider, policy, logger)), nil
}

// Resilient wraps an Oracle with retries, a circuit breaker and metrics
type Resilient struct {
	provider string
	inner    Oracle
	caller   *resilience.Caller
}

// NewResilient wraps inner with caller
func NewResilient(provider string, inner Oracle, caller *resilience.Caller) *Resilient {
	return &Resilient{provider: provider, inner: inner, caller: caller}
}

// Complete implements Oracle
func (r *Resilient) Complete(ctx context.Context, prompt string) (string, error) {
	metrics := observability.GetMetrics()
	start := time.Now()

	var text string
	err := r.caller.Do(ctx, "complete", func(ctx context.Context) error {
		out, err := r.inner.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		text = out
		return nil
	})

	metrics.OracleDuration.WithLabelValues(r.provider).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleRequests.WithLabelValues(r.provider, errors.ClassifyError(err).String()).Inc()
		return "", err
	}
	metrics.OracleRequests.WithLabelValues(r.provider, "success").Inc()
	return text, nil
}
