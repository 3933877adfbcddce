package mysqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"gorm.io/gorm"
)

func (s *Store) GetUsagePolicy(ctx context.Context, tenantId string) (*models.UsagePolicy, error) {
	var p models.UsagePolicy
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantId).Take(&p).Error; err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) GetUsagePeriod(ctx context.Context, tenantId string, periodStart time.Time) (*models.UsagePeriod, error) {
	var p models.UsagePeriod
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND period_start = ?", tenantId, periodStart).Take(&p).Error; err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) ListUsageTransactions(ctx context.Context, tenantId, periodId string) ([]models.UsageTransaction, error) {
	var ts []models.UsageTransaction
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if periodId != "" {
		q = q.Where("period_id = ?", periodId)
	}
	if err := q.Order("created_at ASC").Order("id ASC").Find(&ts).Error; err != nil {
		return nil, classify(err)
	}
	return ts, nil
}

// RunUsageTx serializes ledger mutations per tenant: the first thing every
// closure does is lock the policy row.
func (s *Store) RunUsageTx(ctx context.Context, tenantId string, fn func(tx store.UsageTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&usageTx{db: tx, tenantId: tenantId})
	})
	return classify(err)
}

type usageTx struct {
	db       *gorm.DB
	tenantId string
}

func (tx *usageTx) Policy() (*models.UsagePolicy, error) {
	var p models.UsagePolicy
	if err := tx.db.Clauses(lockForUpdate).Where("tenant_id = ?", tx.tenantId).Take(&p).Error; err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (tx *usageTx) SavePolicy(p *models.UsagePolicy) error {
	if p.TenantId != tx.tenantId {
		return models.ErrForbidden
	}
	return classify(tx.db.Save(p).Error)
}

func (tx *usageTx) Period(start, end time.Time) (*models.UsagePeriod, error) {
	var p models.UsagePeriod
	err := tx.db.Clauses(lockForUpdate).Where("tenant_id = ? AND period_start = ?", tx.tenantId, start).Take(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, classify(err)
	}
	p = models.UsagePeriod{
		ID:          uuid.NewString(),
		TenantId:    tx.tenantId,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if err := tx.db.Create(&p).Error; err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (tx *usageTx) SavePeriod(p *models.UsagePeriod) error {
	if p.TenantId != tx.tenantId {
		return models.ErrForbidden
	}
	return classify(tx.db.Save(p).Error)
}

func (tx *usageTx) FindTransaction(sourceEventId string) (*models.UsageTransaction, error) {
	var t models.UsageTransaction
	if err := tx.db.Where("tenant_id = ? AND source_event_id = ?", tx.tenantId, sourceEventId).Take(&t).Error; err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

func (tx *usageTx) InsertTransaction(t *models.UsageTransaction) error {
	return classify(tx.db.Create(t).Error)
}
