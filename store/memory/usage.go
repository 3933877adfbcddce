package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
)

func (s *Store) GetUsagePolicy(ctx context.Context, tenantId string) (*models.UsagePolicy, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	p, ok := s.policies[tenantId]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetUsagePeriod(ctx context.Context, tenantId string, periodStart time.Time) (*models.UsagePeriod, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	for _, p := range s.periods {
		if p.TenantId == tenantId && p.PeriodStart.Equal(periodStart) {
			return &p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) ListUsageTransactions(ctx context.Context, tenantId, periodId string) ([]models.UsageTransaction, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]models.UsageTransaction, 0)
	for _, t := range s.transactions {
		if t.TenantId == tenantId && (periodId == "" || t.PeriodId == periodId) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type usageTx struct {
	s        *Store
	tenantId string

	policy       *models.UsagePolicy
	periods      map[string]models.UsagePeriod
	transactions map[string]models.UsageTransaction
}

func (s *Store) RunUsageTx(ctx context.Context, tenantId string, fn func(tx store.UsageTx) error) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	tx := &usageTx{
		s:            s,
		tenantId:     tenantId,
		periods:      make(map[string]models.UsagePeriod),
		transactions: make(map[string]models.UsageTransaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.policy != nil {
		s.policies[tenantId] = *tx.policy
	}
	for id, p := range tx.periods {
		s.periods[id] = p
	}
	for id, t := range tx.transactions {
		s.transactions[id] = t
	}
	return nil
}

func (tx *usageTx) Policy() (*models.UsagePolicy, error) {
	if tx.policy != nil {
		p := *tx.policy
		return &p, nil
	}
	p, ok := tx.s.policies[tx.tenantId]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (tx *usageTx) SavePolicy(p *models.UsagePolicy) error {
	if p.TenantId != tx.tenantId {
		return models.ErrForbidden
	}
	cp := *p
	tx.policy = &cp
	return nil
}

func (tx *usageTx) Period(start, end time.Time) (*models.UsagePeriod, error) {
	for _, p := range tx.periods {
		if p.PeriodStart.Equal(start) {
			return &p, nil
		}
	}
	for _, p := range tx.s.periods {
		if p.TenantId == tx.tenantId && p.PeriodStart.Equal(start) {
			return &p, nil
		}
	}
	p := models.UsagePeriod{
		ID:          uuid.NewString(),
		TenantId:    tx.tenantId,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   start,
	}
	tx.periods[p.ID] = p
	return &p, nil
}

func (tx *usageTx) SavePeriod(p *models.UsagePeriod) error {
	if p.TenantId != tx.tenantId {
		return models.ErrForbidden
	}
	tx.periods[p.ID] = *p
	return nil
}

func (tx *usageTx) FindTransaction(sourceEventId string) (*models.UsageTransaction, error) {
	for _, t := range tx.transactions {
		if t.SourceEventId == sourceEventId {
			return &t, nil
		}
	}
	for _, t := range tx.s.transactions {
		if t.TenantId == tx.tenantId && t.SourceEventId == sourceEventId {
			return &t, nil
		}
	}
	return nil, models.ErrNotFound
}

func (tx *usageTx) InsertTransaction(t *models.UsageTransaction) error {
	if _, err := tx.FindTransaction(t.SourceEventId); err == nil {
		return models.ErrConflict
	}
	tx.transactions[t.ID] = *t
	return nil
}
