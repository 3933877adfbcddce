// Package mysqlstore implements store.Store on MySQL (InnoDB) through gorm.
package mysqlstore

import (
	"context"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ store.Store = (*Store)(nil)

var lockForUpdate = clause.Locking{Strength: "UPDATE"}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return models.MigrateTable(s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) FindLiveContact(ctx context.Context, tenantId string, key models.NaturalKey) (*models.Contact, error) {
	var c models.Contact
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND key_kind = ? AND live_key = ?", tenantId, key.Kind, key.Value).
		Take(&c).Error
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

func (s *Store) FindDeletedContact(ctx context.Context, tenantId string, key models.NaturalKey) (*models.Contact, error) {
	var c models.Contact
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND key_kind = ? AND natural_key = ? AND deleted_at IS NOT NULL", tenantId, key.Kind, key.Value).
		Order("deleted_at DESC").
		Take(&c).Error
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

func (s *Store) InsertContact(ctx context.Context, c *models.Contact) error {
	return classify(s.db.WithContext(ctx).Create(c).Error)
}

func (s *Store) ReactivateContact(ctx context.Context, c *models.Contact) error {
	res := s.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND tenant_id = ?", c.ID, c.TenantId).
		Updates(map[string]interface{}{
			"live_key":      c.LiveKey,
			"deleted_at":    nil,
			"delete_reason": "",
			"name":          c.Name,
			"updated_at":    c.UpdatedAt,
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Store) GetContact(ctx context.Context, tenantId, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantId).Take(&c).Error; err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

func (s *Store) SoftDeleteContactCascade(ctx context.Context, tenantId, id, reason string, at time.Time) (int, error) {
	cancelled := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Contact
		if err := tx.Clauses(lockForUpdate).Where("id = ? AND tenant_id = ?", id, tenantId).Take(&c).Error; err != nil {
			return err
		}
		if !c.IsLive() {
			return nil
		}
		c.MarkDeleted(at, reason)
		if err := tx.Model(&models.Contact{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
			"live_key":      nil,
			"deleted_at":    c.DeletedAt,
			"delete_reason": c.DeleteReason,
			"updated_at":    at,
		}).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Reservation{}).
			Where("tenant_id = ? AND requester_id = ? AND status <> ? AND end_at > ?", tenantId, id, models.ReservationStatusCancelled, at).
			Updates(map[string]interface{}{
				"status":        models.ReservationStatusCancelled,
				"cancel_reason": "contact deleted",
				"cancelled_at":  at,
				"updated_at":    at,
			})
		if res.Error != nil {
			return res.Error
		}
		cancelled = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return cancelled, nil
}
