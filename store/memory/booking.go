package memory

import (
	"context"
	"sort"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
)

func (s *Store) CreateResource(ctx context.Context, r *models.Resource) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.resources[r.ID]; ok {
		return models.ErrConflict
	}
	s.resources[r.ID] = *r
	return nil
}

func (s *Store) GetResource(ctx context.Context, tenantId, id string) (*models.Resource, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok || r.TenantId != tenantId {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (s *Store) GetReservation(ctx context.Context, tenantId, id string) (*models.Reservation, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.TenantId != tenantId {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListReservations(ctx context.Context, tenantId, resourceId string, window models.Interval) ([]models.Reservation, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return liveOverlapping(s.reservations, nil, tenantId, resourceId, window), nil
}

func liveOverlapping(base, overlay map[string]models.Reservation, tenantId, resourceId string, window models.Interval) []models.Reservation {
	out := make([]models.Reservation, 0)
	consider := func(r models.Reservation) {
		if r.TenantId == tenantId && r.ResourceId == resourceId && r.IsLive() && r.Interval().Overlaps(window) {
			out = append(out, r)
		}
	}
	for id, r := range base {
		if o, ok := overlay[id]; ok {
			r = o
		}
		consider(r)
	}
	for id, r := range overlay {
		if _, ok := base[id]; !ok {
			consider(r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

// bookingTx stages reservation writes and applies them on commit.
type bookingTx struct {
	s        *Store
	tenantId string
	staged   map[string]models.Reservation
}

func (s *Store) RunBookingTx(ctx context.Context, tenantId string, fn func(tx store.BookingTx) error) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	tx := &bookingTx{s: s, tenantId: tenantId, staged: make(map[string]models.Reservation)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, r := range tx.staged {
		s.reservations[id] = r
	}
	return nil
}

func (tx *bookingTx) LockResource(id string) (*models.Resource, error) {
	r, ok := tx.s.resources[id]
	if !ok || r.TenantId != tx.tenantId {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (tx *bookingTx) LockResourceClass(class string) ([]models.Resource, error) {
	out := make([]models.Resource, 0)
	for _, r := range tx.s.resources {
		if r.TenantId == tx.tenantId && r.ResourceClass == class {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capacity != out[j].Capacity {
			return out[i].Capacity < out[j].Capacity
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *bookingTx) LiveReservations(resourceId string, window models.Interval) ([]models.Reservation, error) {
	return liveOverlapping(tx.s.reservations, tx.staged, tx.tenantId, resourceId, window), nil
}

func (tx *bookingTx) get(id string) (models.Reservation, bool) {
	if r, ok := tx.staged[id]; ok {
		return r, true
	}
	r, ok := tx.s.reservations[id]
	return r, ok
}

func (tx *bookingTx) FindReservation(id string) (*models.Reservation, error) {
	r, ok := tx.get(id)
	if !ok || r.TenantId != tx.tenantId {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (tx *bookingTx) FindReservationByKey(idempotencyKey string) (*models.Reservation, error) {
	key := &idempotencyKey
	for id := range tx.s.reservations {
		if r, _ := tx.get(id); r.TenantId == tx.tenantId && sameKey(r.IdempotencyKey, key) {
			return &r, nil
		}
	}
	for _, r := range tx.staged {
		if r.TenantId == tx.tenantId && sameKey(r.IdempotencyKey, key) {
			return &r, nil
		}
	}
	return nil, models.ErrNotFound
}

func (tx *bookingTx) InsertReservation(r *models.Reservation) error {
	if _, ok := tx.get(r.ID); ok {
		return models.ErrConflict
	}
	if r.IdempotencyKey != nil {
		if _, err := tx.FindReservationByKey(*r.IdempotencyKey); err == nil {
			return models.ErrConflict
		}
	}
	tx.staged[r.ID] = *r
	return nil
}

func (tx *bookingTx) SaveReservation(r *models.Reservation) error {
	if _, ok := tx.get(r.ID); !ok {
		return models.ErrNotFound
	}
	tx.staged[r.ID] = *r
	return nil
}
