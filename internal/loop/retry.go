package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// retryOracle retries an Oracle call with exponential backoff. Context
// cancellation aborts immediately; exhausting retries wraps the last error
// in ErrOracleUnavailable.
func retryOracle[T any](ctx context.Context, cfg RetryConfig, logger *zap.Logger, op string, call func(ctx context.Context) (T, error)) (T, error) {
	cfg.ApplyDefaults()

	var zero T
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := call(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("oracle call recovered after retries",
					zap.String("op", op),
					zap.Int("attempts", attempt),
				)
			}
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller's deadline governs; do not keep retrying into it.
			return zero, err
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}
		logger.Warn("oracle call failed, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return zero, fmt.Errorf("%w: %s failed after %d attempts: %v", ErrOracleUnavailable, op, cfg.MaxRetries+1, lastErr)
}
