package table

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// Default retry configuration for table service requests
	defaultMaxRetries   = 4
	defaultInitialDelay = 500 * time.Millisecond
)

// retryWithBackoff executes fn with exponential backoff while it returns retryable errors.
// The wait between attempts is aborted when ctx is done.
func retryWithBackoff(ctx context.Context, logger *zap.Logger, maxRetries int, initialDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying table request",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", maxRetries+1),
				zap.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !isRetryableError(lastErr) {
			return lastErr
		}

		if attempt < maxRetries {
			logger.Warn("retryable table error", zap.Int("attempt", attempt+1), zap.Error(lastErr))
		}
	}

	logger.Warn("table request failed after retries", zap.Int("attempts", maxRetries+1), zap.Error(lastErr))
	return lastErr
}

// isRetryableError reports whether err is a transient failure: rate limiting,
// server errors, or a dropped connection.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"eof",
		"timeout",
		"connection refused",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
