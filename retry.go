package safenest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// RetryConfig configures retry behavior for failed requests. Only network failures, timeouts,
// server errors and rate limits are retried; everything else fails on the first attempt.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 means no retry)
	MaxRetries uint64
	// InitialInterval is the delay before the first retry. Each further retry doubles it and
	// adds jitter.
	InitialInterval time.Duration
	// MaxInterval is the maximum backoff interval between retries. A Retry-After hint from the
	// API may still exceed it.
	MaxInterval time.Duration
	// OnRetry, if set, is called before every wait with the attempt that just failed, its error
	// and the delay about to be slept.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns our recommended retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// retryState is where a logical call stands between attempts.
type retryState struct {
	attempt   int
	lastErr   error
	nextDelay time.Duration
}

// retryCall runs fn until it succeeds, fails with an error that is not worth retrying, or the
// retry budget is spent. Attempts run one after another, never concurrently. The error of the
// last attempt is returned unchanged.
func retryCall(
	ctx context.Context,
	config RetryConfig,
	logger *slog.Logger,
	fn func(ctx context.Context, attempt int) error,
) error {
	b := createBackoff(config)
	var st retryState

	for {
		st.attempt++
		err := fn(ctx, st.attempt)
		if err == nil {
			return nil
		}
		st.lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			return st.lastErr
		}

		st.nextDelay = b.NextBackOff()
		if st.nextDelay == backoff.Stop {
			return st.lastErr
		}
		if hint := retryAfterHint(err); hint > st.nextDelay {
			st.nextDelay = hint
		}

		logger.Debug("retrying request",
			"attempt", st.attempt,
			"kind", KindOf(err),
			"delay", st.nextDelay,
			"error", err,
		)
		if config.OnRetry != nil {
			config.OnRetry(st.attempt, err, st.nextDelay)
		}

		if !sleep(ctx, st.nextDelay) {
			return st.lastErr
		}
	}
}

func retryAfterHint(err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Kind == KindRateLimit {
		return apiErr.RetryAfter
	}
	return 0
}

// sleep waits for d and reports whether it ran to completion.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// send runs req through the retry loop and decodes a successful response into a new T.
func send[T any](ctx context.Context, c *Client, req *request) (*T, error) {
	req.clientRequestID = uuid.NewString()

	var out *T
	err := retryCall(ctx, c.config.retryConfig, c.config.logger, func(ctx context.Context, attempt int) error {
		req.attempt = attempt
		out = new(T)
		return c.execute(ctx, req, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
