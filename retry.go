package blockshim

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// retryableError is implemented by smithy-go's API error types for requests the
// AWS SDK believes are safe to retry (throttling, 5xx, connection resets).
type retryableError interface {
	Retryable() bool
}

// ShouldRetry reports whether err is retryable (non-nil and not a known permanent
// failure). Context cancellation is always permanent; SDK errors defer to the
// smithy-go Retryable classification when available.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	// Unclassified errors (e.g. from memstore) are treated as transient so
	// callers retry them the same way a network hiccup would be retried.
	return true
}
