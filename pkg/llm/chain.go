package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"rlm/pkg/logx"
)

// Middleware wraps an LLMClient with additional behavior.
type Middleware func(next LLMClient) LLMClient

type clientFunc struct {
	complete  func(context.Context, CompletionRequest) (CompletionResponse, error)
	modelName func() string
}

func (f clientFunc) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f.complete(ctx, req)
}

func (f clientFunc) GetModelName() string {
	return f.modelName()
}

// WrapClient builds an LLMClient from plain functions.
func WrapClient(
	complete func(context.Context, CompletionRequest) (CompletionResponse, error),
	modelName func() string,
) LLMClient {
	return clientFunc{complete: complete, modelName: modelName}
}

// Chain composes middlewares around base. Earlier middlewares are outermost:
// Chain(c, a, b) calls a -> b -> c.
func Chain(base LLMClient, middlewares ...Middleware) LLMClient {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}

// RetryConfig controls the retry middleware.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// DefaultRetryConfig is used by the runner when nothing else is configured.
//
//nolint:gochecknoglobals // default config
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Delay returns the backoff before attempt (1-based). The first attempt has none.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-2)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && delay > 0 {
		// +/-10%
		delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	}
	return delay
}

// ShouldRetry reports whether err is worth another attempt.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return false
}

// Retry repeats retryable failures with exponential backoff. When every
// attempt fails with a retryable error the result is ErrorTypeServiceUnavailable.
func Retry(cfg RetryConfig) Middleware {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	logger := logx.NewLogger("llm-retry")
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				var lastErr error
				for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
					if delay := cfg.Delay(attempt); delay > 0 {
						timer := time.NewTimer(delay)
						select {
						case <-ctx.Done():
							timer.Stop()
							return CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
						case <-timer.C:
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err
					if !ShouldRetry(err) {
						return CompletionResponse{}, err
					}
					if attempt < cfg.MaxAttempts {
						logger.Warn("Attempt %d/%d for %s failed: %v", attempt, cfg.MaxAttempts, next.GetModelName(), err)
					}
				}
				return CompletionResponse{}, &Error{
					Type:    ErrorTypeServiceUnavailable,
					Err:     lastErr,
					Message: fmt.Sprintf("service unavailable after %d attempts", cfg.MaxAttempts),
				}
			},
			next.GetModelName,
		)
	}
}

// Timeout bounds each call to d.
func Timeout(d time.Duration) Middleware {
	return func(next LLMClient) LLMClient {
		if d <= 0 {
			return next
		}
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				callCtx, cancel := context.WithTimeout(ctx, d)
				defer cancel()
				resp, err := next.Complete(callCtx, req)
				if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					return CompletionResponse{}, NewErrorWithCause(ErrorTypeTransient, err, fmt.Sprintf("request exceeded %s", d))
				}
				return resp, err
			},
			next.GetModelName,
		)
	}
}

// RejectEmpty turns a response with neither content nor tool calls into an
// ErrorTypeEmptyResponse so Retry can repeat it.
func RejectEmpty() Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err
				}
				if resp.Content == "" && len(resp.ToolCalls) == 0 && resp.StopReason != StopMaxTokens {
					return resp, NewError(ErrorTypeEmptyResponse, "model returned no content and no tool calls")
				}
				return resp, nil
			},
			next.GetModelName,
		)
	}
}
