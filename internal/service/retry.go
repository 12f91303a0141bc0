package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
)

// withRetry runs fn up to retryAttempts times with exponential backoff,
// retrying only UNAVAILABLE errors. Callers must pass idempotent operations;
// writes that may duplicate are never routed through here.
func withRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrUnavailable) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		logger.Warn("retrying after unavailable upstream",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
