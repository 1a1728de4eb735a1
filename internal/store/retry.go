package store

import (
	"context"
	"errors"

	"tableside/internal/metrics"
)

const StaleWriteAttempts = 3

// RetryStale runs fn again when it fails with ErrStaleWrite, up to
// StaleWriteAttempts times in total. Any other outcome is returned as is.
func RetryStale(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= StaleWriteAttempts; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, ErrStaleWrite) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if attempt < StaleWriteAttempts {
			metrics.StaleWriteRetries.WithLabelValues(operation).Inc()
		}
	}
	return err
}
