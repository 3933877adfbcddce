package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/cespare/xxhash/v2"
	"github.com/mmdatafocus/tenant_core/models"
)

// Locker grants short-lived exclusive access to a key. The returned release
// func is idempotent and must be called (deferred) by the holder.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

const DefaultSlotCount = 1024

// SlotLocker is an in-process Locker. Keys hash onto a fixed table of slots;
// two keys sharing a slot merely serialize, they never deadlock because a
// holder only ever takes one slot.
type SlotLocker struct {
	slots   []chan struct{}
	timeout time.Duration
}

func NewSlotLocker(slotCount int, timeout time.Duration) *SlotLocker {
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	slots := make([]chan struct{}, slotCount)
	for i := range slots {
		slots[i] = make(chan struct{}, 1)
	}
	return &SlotLocker{slots: slots, timeout: timeout}
}

func (l *SlotLocker) Acquire(ctx context.Context, key string) (func(), error) {
	slot := l.slots[xxhash.Sum64String(key)%uint64(len(l.slots))]

	var timeout <-chan time.Time
	if l.timeout > 0 {
		t := time.NewTimer(l.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case slot <- struct{}{}:
	case <-timeout:
		return nil, fmt.Errorf("%w: key %s", models.ErrLockTimeout, key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

// RedisLocker shares key locks across processes through redislock. The TTL
// bounds how long a crashed holder can keep a key.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	timeout time.Duration
	backoff time.Duration
	prefix  string
}

func NewRedisLocker(client *redislock.Client, ttl, timeout time.Duration) *RedisLocker {
	return &RedisLocker{
		client:  client,
		ttl:     ttl,
		timeout: timeout,
		backoff: 25 * time.Millisecond,
		prefix:  "dedup:",
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	obtainCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		obtainCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	lockKey := fmt.Sprintf("%s%016x", l.prefix, xxhash.Sum64String(key))
	lock, err := l.client.Obtain(obtainCtx, lockKey, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: key %s", models.ErrLockTimeout, key)
		}
		return nil, fmt.Errorf("%w: obtain lock: %v", models.ErrStoreUnavailable, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release on a fresh context: the caller's may already be done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lock.Release(releaseCtx)
		})
	}, nil
}
