package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/espagent/internal/config"
	apperrors "github.com/mark3labs/espagent/internal/errors"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/tools"
)

// jitterFactor spreads each delay over ±25% of its nominal value.
const jitterFactor = 0.25

// Retry re-runs failed tool calls with exponential backoff.
type Retry struct {
	Config config.RetryConfig
	// Sleep waits d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a float in [0, 1) for jitter. Defaults to the backoff
	// library's own randomization.
	Rand func() float64
}

// NewRetry creates a retry middleware for cfg.
func NewRetry(cfg config.RetryConfig) *Retry {
	return &Retry{Config: cfg}
}

func (r *Retry) Name() string { return "retry" }

// backOff returns a fresh delay schedule for one tool call.
func (r *Retry) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: r.Config.InitialDelay,
		Multiplier:      r.Config.BackoffFactor,
		MaxInterval:     r.Config.MaxDelay,
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	if r.Config.Jitter && r.Rand == nil {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	return b
}

// next returns the following delay of b, jittered with Rand when set.
func (r *Retry) next(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	if r.Config.Jitter && r.Rand != nil {
		d = time.Duration(float64(d) * (1 + (r.Rand()*2-1)*jitterFactor))
	}
	return d
}

// Delay returns the wait before retry number n (1-based).
func (r *Retry) Delay(n int) time.Duration {
	b := r.backOff()
	var d time.Duration
	for range max(n, 1) {
		d = r.next(b)
	}
	return d
}

func (r *Retry) applies(tool string) bool {
	return len(r.Config.Tools) == 0 || slices.Contains(r.Config.Tools, tool)
}

// retryable reports whether err may be retried. Every failure is, unless
// its class is listed in SkipErrors.
func (r *Retry) retryable(err error) bool {
	for _, class := range r.Config.SkipErrors {
		switch class {
		case config.ErrorClassArgument:
			var argErr *tools.ArgError
			if errors.As(err, &argErr) {
				return false
			}
		case config.ErrorClassPanic:
			var panicErr *apperrors.PanicError
			if errors.As(err, &panicErr) {
				return false
			}
		}
	}
	return true
}

func (r *Retry) WrapTool(ctx context.Context, req *ToolRequest, next ToolHandler) (*ToolResult, error) {
	name := req.Call.Name
	maxAttempts := 1
	if r.applies(name) {
		maxAttempts += max(r.Config.MaxRetries, 0)
	}

	b := r.backOff()
	var lastErr error
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		res, err := next(ctx, req)
		if err == nil {
			res.Attempts = attempts
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !r.retryable(err) || attempts == maxAttempts {
			break
		}

		delay := r.next(b)
		kind := "failed"
		if apperrors.IsTransient(err) {
			kind = "lost its connection"
		}
		logger.Warn("Tool %s %s (attempt %d/%d), retrying in %s: %v", name, kind, attempts, maxAttempts, delay, err)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if r.Config.FailurePolicy(name) == config.FailureError {
		return nil, fmt.Errorf("tool %s failed after %d attempts: %w", name, attempts, lastErr)
	}
	logger.Error("Tool %s failed after %d attempts: %v", name, attempts, lastErr)
	return &ToolResult{
		Content:  fmt.Sprintf("Tool '%s' failed after %d attempts: %v", name, attempts, lastErr),
		Status:   session.StatusError,
		Attempts: attempts,
	}, nil
}

func (r *Retry) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
