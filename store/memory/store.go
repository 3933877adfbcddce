// Package memory is an in-process store.Store. A single mutex serializes every
// operation, which makes each call (and each transaction closure) trivially
// atomic. Transaction closures must not call back into the store.
package memory

import (
	"context"
	"sync"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
)

var _ store.Store = (*Store)(nil)

type queueRow struct {
	item models.QueueItem
	seq  int64
}

type Store struct {
	mu sync.Mutex

	contacts     map[string]models.Contact
	queue        map[string]*queueRow
	queueSeq     int64
	resources    map[string]models.Resource
	reservations map[string]models.Reservation
	policies     map[string]models.UsagePolicy
	periods      map[string]models.UsagePeriod
	transactions map[string]models.UsageTransaction

	closed bool
}

func New() *Store {
	return &Store{
		contacts:     make(map[string]models.Contact),
		queue:        make(map[string]*queueRow),
		resources:    make(map[string]models.Resource),
		reservations: make(map[string]models.Reservation),
		policies:     make(map[string]models.UsagePolicy),
		periods:      make(map[string]models.UsagePeriod),
		transactions: make(map[string]models.UsageTransaction),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.ErrStoreUnavailable
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// lock acquires the store mutex and reports ErrStoreUnavailable once closed.
func (s *Store) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrStoreUnavailable
	}
	return nil
}

func strPtr(s string) *string { return &s }

func sameKey(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}
