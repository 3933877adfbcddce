package memory

import (
	"context"
	"sort"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
)

func (s *Store) EnqueueItem(ctx context.Context, item *models.QueueItem) (*models.QueueItem, bool, error) {
	if err := s.lock(ctx); err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()
	if item.IdempotencyKey != nil {
		for _, row := range s.queue {
			if row.item.TenantId == item.TenantId && sameKey(row.item.IdempotencyKey, item.IdempotencyKey) {
				existing := row.item
				return &existing, false, nil
			}
		}
	}
	if _, ok := s.queue[item.ID]; ok {
		return nil, false, models.ErrConflict
	}
	s.queueSeq++
	s.queue[item.ID] = &queueRow{item: *item, seq: s.queueSeq}
	out := *item
	return &out, true, nil
}

func claimRank(status models.QueueItemStatus) int {
	if status == models.QueueItemStatusQueued {
		return 0
	}
	return 1
}

func (s *Store) ClaimQueueItems(ctx context.Context, p store.ClaimParams) ([]models.QueueItem, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	if p.Limit <= 0 {
		return nil, nil
	}

	candidates := make([]*queueRow, 0)
	for _, row := range s.queue {
		if row.item.Claimable(p.Now) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := claimRank(a.item.Status), claimRank(b.item.Status); ra != rb {
			return ra < rb
		}
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.seq < b.seq
	})
	if len(candidates) > p.Limit {
		candidates = candidates[:p.Limit]
	}

	claimed := make([]models.QueueItem, 0, len(candidates))
	for _, row := range candidates {
		now := p.Now
		until := p.LeaseUntil
		row.item.Status = models.QueueItemStatusProcessing
		row.item.LeaseOwner = strPtr(p.WorkerId)
		row.item.LeaseExpiresAt = &until
		row.item.ProcessingStartedAt = &now
		row.item.UpdatedAt = now
		claimed = append(claimed, row.item)
	}
	return claimed, nil
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	row, ok := s.queue[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := row.item
	return &out, nil
}

func (s *Store) TransitionQueueItem(ctx context.Context, id string, fn func(item *models.QueueItem) error) (*models.QueueItem, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	row, ok := s.queue[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	work := row.item
	if err := fn(&work); err != nil {
		return nil, err
	}
	row.item = work
	out := work
	return &out, nil
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]models.QueueItem, 0)
	for _, row := range s.queue {
		if row.item.LeaseExpired(now) {
			out = append(out, row.item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListQueueItems(ctx context.Context, tenantId string, status models.QueueItemStatus, limit int) ([]models.QueueItem, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	rows := make([]*queueRow, 0)
	for _, row := range s.queue {
		if row.item.TenantId == tenantId && (status == "" || row.item.Status == status) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]models.QueueItem, len(rows))
	for i, row := range rows {
		out[i] = row.item
	}
	return out, nil
}
