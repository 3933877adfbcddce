package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
)

const DefaultSerializationRetries = 3

// RetrySerializable runs fn until it succeeds, fails with something other than
// a serialization conflict, or attempts run out. Exhaustion is reported as
// models.ErrConflict so callers see one conflict error regardless of cause;
// the last store error stays in the chain.
func RetrySerializable(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultSerializationRetries
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, models.ErrSerializationConflict) {
			return err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 5 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %w", models.ErrConflict, attempts, err)
}
