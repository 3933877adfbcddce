package memory

import (
	"context"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
)

func (s *Store) FindLiveContact(ctx context.Context, tenantId string, key models.NaturalKey) (*models.Contact, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	if c, ok := s.liveContactLocked(tenantId, key); ok {
		return &c, nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) liveContactLocked(tenantId string, key models.NaturalKey) (models.Contact, bool) {
	for _, c := range s.contacts {
		if c.TenantId == tenantId && c.KeyKind == key.Kind && c.LiveKey != nil && *c.LiveKey == key.Value {
			return c, true
		}
	}
	return models.Contact{}, false
}

func (s *Store) FindDeletedContact(ctx context.Context, tenantId string, key models.NaturalKey) (*models.Contact, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var found *models.Contact
	for _, c := range s.contacts {
		if c.TenantId != tenantId || c.KeyKind != key.Kind || c.NaturalKey != key.Value || c.DeletedAt == nil {
			continue
		}
		if found == nil || c.DeletedAt.After(*found.DeletedAt) {
			cc := c
			found = &cc
		}
	}
	if found == nil {
		return nil, models.ErrNotFound
	}
	return found, nil
}

func (s *Store) InsertContact(ctx context.Context, c *models.Contact) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.contacts[c.ID]; ok {
		return models.ErrConflict
	}
	if c.LiveKey != nil {
		if _, ok := s.liveContactLocked(c.TenantId, models.NaturalKey{Kind: c.KeyKind, Value: *c.LiveKey}); ok {
			return models.ErrConflict
		}
	}
	s.contacts[c.ID] = *c
	return nil
}

func (s *Store) ReactivateContact(ctx context.Context, c *models.Contact) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.contacts[c.ID]; !ok {
		return models.ErrNotFound
	}
	if live, ok := s.liveContactLocked(c.TenantId, c.Key()); ok && live.ID != c.ID {
		return models.ErrConflict
	}
	s.contacts[c.ID] = *c
	return nil
}

func (s *Store) GetContact(ctx context.Context, tenantId, id string) (*models.Contact, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok || c.TenantId != tenantId {
		return nil, models.ErrNotFound
	}
	return &c, nil
}

func (s *Store) SoftDeleteContactCascade(ctx context.Context, tenantId, id, reason string, at time.Time) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok || c.TenantId != tenantId {
		return 0, models.ErrNotFound
	}
	if !c.IsLive() {
		return 0, nil
	}
	c.MarkDeleted(at, reason)
	c.UpdatedAt = at
	s.contacts[id] = c

	cancelled := 0
	for rid, r := range s.reservations {
		if r.TenantId != tenantId || r.RequesterId != id || !r.IsLive() || !r.EndAt.After(at) {
			continue
		}
		r.Cancel(at, "contact deleted")
		r.UpdatedAt = at
		s.reservations[rid] = r
		cancelled++
	}
	return cancelled, nil
}
