package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// NewExponentialBackoff creates the backoff used for infrastructure
// reconnects (ClickHouse, websocket log tail).
func NewExponentialBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxElapsed
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	return b
}

// Retry runs op with exponential backoff until it succeeds, returns a
// backoff.Permanent error, ctx ends or maxElapsed passes. Each failed attempt
// is logged with the wait before the next one.
func Retry(ctx context.Context, log *zap.SugaredLogger, what string, maxElapsed time.Duration, op func() error) error {
	b := backoff.WithContext(NewExponentialBackoff(maxElapsed), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.Warnw("Retrying after error",
			"operation", what,
			"error", err,
			"retry_in", wait,
		)
	})
}
