package plexus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LockContention is implemented by store errors caused by database deadlock
// or lock-wait timeout. Such failures are safe to retry after backing off.
type LockContention interface {
	LockContention() bool
}

// IsLockContention reports whether err (or anything it wraps) is a deadlock
// or lock-wait failure.
func IsLockContention(err error) bool {
	var lc LockContention
	return errors.As(err, &lc) && lc.LockContention()
}

// WithRetry runs fn, retrying on lock contention with exponential backoff and
// jitter. Other errors return immediately. maxTries <= 0 disables retries.
func WithRetry(ctx context.Context, maxTries int, logger *slog.Logger, fn func() error) error {
	if logger == nil {
		logger = nopLogger
	}
	if maxTries <= 0 {
		return fn()
	}
	attempt := 0
	op := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !IsLockContention(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		attempt++
		logger.Warn("retrying on lock contention", "attempt", attempt, "err", err)
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxTries)),
	)
	return err
}
