package mysqlstore

import (
	"context"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) EnqueueItem(ctx context.Context, item *models.QueueItem) (*models.QueueItem, bool, error) {
	db := s.db.WithContext(ctx)
	err := db.Create(item).Error
	if err == nil {
		out := *item
		return &out, true, nil
	}
	if !isDuplicateKeyErr(err) || item.IdempotencyKey == nil {
		return nil, false, classify(err)
	}

	var existing models.QueueItem
	if err := db.Where("tenant_id = ? AND idempotency_key = ?", item.TenantId, *item.IdempotencyKey).
		Take(&existing).Error; err != nil {
		return nil, false, classify(err)
	}
	return &existing, false, nil
}

// ClaimQueueItems selects and leases in one transaction. SKIP LOCKED lets
// concurrent claimers pass over each other's rows instead of waiting.
func (s *Store) ClaimQueueItems(ctx context.Context, p store.ClaimParams) ([]models.QueueItem, error) {
	if p.Limit <= 0 {
		return nil, nil
	}
	var claimed []models.QueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status IN ? AND next_eligible_at <= ?", models.ClaimableQueueItemStatuses, p.Now).
			Order("FIELD(status, 'queued', 'pending')").
			Order("created_at ASC").
			Order("id ASC").
			Limit(p.Limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		owner := p.WorkerId
		now := p.Now
		until := p.LeaseUntil
		if err := tx.Model(&models.QueueItem{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":                models.QueueItemStatusProcessing,
			"lease_owner":           owner,
			"lease_expires_at":      until,
			"processing_started_at": now,
			"updated_at":            now,
		}).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].Status = models.QueueItemStatusProcessing
			claimed[i].LeaseOwner = &owner
			claimed[i].LeaseExpiresAt = &until
			claimed[i].ProcessingStartedAt = &now
			claimed[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return claimed, nil
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, classify(err)
	}
	return &item, nil
}

func (s *Store) TransitionQueueItem(ctx context.Context, id string, fn func(item *models.QueueItem) error) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(lockForUpdate).Where("id = ?", id).Take(&item).Error; err != nil {
			return err
		}
		if err := fn(&item); err != nil {
			return err
		}
		return tx.Save(&item).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	return &item, nil
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error) {
	var items []models.QueueItem
	q := s.db.WithContext(ctx).
		Where("status = ? AND lease_expires_at <= ?", models.QueueItemStatusProcessing, now).
		Order("lease_expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (s *Store) ListQueueItems(ctx context.Context, tenantId string, status models.QueueItemStatus, limit int) ([]models.QueueItem, error) {
	var items []models.QueueItem
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}
