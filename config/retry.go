package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// dialWithRetry calls dial until it succeeds, ctx ends, or maxAttempts is
// reached. maxAttempts <= 0 retries until ctx ends.
func dialWithRetry(ctx context.Context, what string, maxAttempts int, fields logrus.Fields, dial func() error) error {
	logger := GetLogger().WithFields(fields).WithField("dependency", what)
	var err error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		if err = dial(); err == nil {
			logger.WithField("attempt", attempt).Info("connected")
			return nil
		}
		sleep := retrySleep(attempt)
		logger.WithField("attempt", attempt).Warnf("connect failed: %v; retrying in %s", err, sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", what, maxAttempts, err)
}

// retrySleep is 2^attempt seconds, capped at 30s.
func retrySleep(attempt int) time.Duration {
	if attempt > 5 {
		return 30 * time.Second
	}
	return min(time.Second<<attempt, 30*time.Second)
}
