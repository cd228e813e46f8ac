// Package resilience wraps calls to external dependencies with per-attempt
// timeouts, bounded exponential backoff, a circuit breaker, a concurrency
// cap and optional fixed-interval pacing.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/daimoniac/bountyline/internal/errors"
)

// Config holds the call policy for one upstream
type Config struct {
	MaxAttempts       int           // total attempts including the first (default: 3)
	InitialBackoff    time.Duration // default: 1s
	MaxBackoff        time.Duration // default: 30s
	BackoffMultiplier float64       // default: 2.0
	Timeout           time.Duration // per attempt (default: 60s)

	CircuitBreakerEnabled bool
	FailureThreshold      int           // default: 5
	SuccessThreshold      int           // default: 2
	OpenTimeout           time.Duration // default: 30s

	MaxConcurrentCalls int64         // 0 = unlimited
	MinInterval        time.Duration // minimum delay between requests, 0 = unpaced
}

// DefaultConfig returns the default call policy
func DefaultConfig() Config {
	return Config{
		MaxAttempts:           3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               60 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    3,
	}
}

// Caller applies a Config to every call it runs
type Caller struct {
	name    string
	cfg     Config
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewCaller creates a caller for the named upstream
func NewCaller(name string, cfg Config, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("upstream", name)

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}

	c := &Caller{name: name, cfg: cfg, logger: logger}
	if cfg.CircuitBreakerEnabled {
		c.breaker = NewCircuitBreaker(name, cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout, logger)
	}
	if cfg.MaxConcurrentCalls > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxConcurrentCalls)
	}
	if cfg.MinInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return c
}

// Breaker exposes the circuit breaker, nil when disabled
func (c *Caller) Breaker() *CircuitBreaker {
	return c.breaker
}

// Do runs fn under the call policy. Only transient errors are retried and
// counted by the breaker; anything else is returned after the first attempt.
// Exhausted retries come back wrapped as a TransientError.
func (c *Caller) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%s: acquire concurrency slot: %w", operation, err)
		}
		defer c.sem.Release(1)
	}

	var lastErr error
	backoff := c.cfg.InitialBackoff

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				c.logger.Warn("call blocked by circuit breaker", "operation", operation)
				return fmt.Errorf("%s: %w", operation, err)
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: wait for rate limiter: %w", operation, err)
			}
		}

		err := c.attempt(ctx, fn)
		if err == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			if attempt > 1 {
				c.logger.Info("call succeeded after retry", "operation", operation, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		}

		if !errors.Retryable(err) {
			c.logger.Debug("call failed with non-retryable error",
				"operation", operation,
				"error", err.Error(),
				"class", errors.ClassifyError(err).String())
			return err
		}
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}

		c.logger.Warn("call failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"backoff", backoff.String(),
			"error", err.Error())

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: cancelled during backoff: %w", operation, ctx.Err())
		}

		backoff = time.Duration(float64(backoff) * c.cfg.BackoffMultiplier)
		if c.cfg.MaxBackoff > 0 && backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	return errors.NewTransientf("%s failed after %d attempts: %w", operation, c.cfg.MaxAttempts, lastErr)
}

func (c *Caller) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.cfg.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return fn(attemptCtx)
}
