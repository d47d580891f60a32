package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/convoy/internal/tracing"
	"github.com/rs/zerolog/log"
)

// RetryingClient retries retryable failures with exponential backoff
// (1s, 2s, 4s by default).
type RetryingClient struct {
	inner      ModelClient
	maxRetries int
	baseDelay  time.Duration
}

// NewRetryingClient wraps inner. maxRetries counts attempts; values below
// one default to three.
func NewRetryingClient(inner ModelClient, maxRetries int, baseDelay time.Duration) *RetryingClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &RetryingClient{inner: inner, maxRetries: maxRetries, baseDelay: baseDelay}
}

func (c *RetryingClient) Name() string { return c.inner.Name() }

func (c *RetryingClient) Complete(ctx context.Context, request ModelRequest) (*ModelResponse, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		response, err := c.inner.Complete(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		// Don't retry on permanent errors
		if !IsRetryableError(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == c.maxRetries-1 {
			break
		}

		delay := c.baseDelay * time.Duration(1<<attempt)
		logger.Info().
			Str("client", c.inner.Name()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}
