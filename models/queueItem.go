package models

import (
	"time"

	"gorm.io/datatypes"
)

type QueueItemStatus string

const (
	QueueItemStatusPending    QueueItemStatus = "pending"
	QueueItemStatusQueued     QueueItemStatus = "queued"
	QueueItemStatusProcessing QueueItemStatus = "processing"
	QueueItemStatusProcessed  QueueItemStatus = "processed"
	QueueItemStatusFailed     QueueItemStatus = "failed"
	QueueItemStatusDeadLetter QueueItemStatus = "dead_letter"
)

// Claimable statuses, in claim priority order.
var ClaimableQueueItemStatuses = []QueueItemStatus{QueueItemStatusQueued, QueueItemStatusPending}

func (s QueueItemStatus) IsTerminal() bool {
	return s == QueueItemStatusProcessed || s == QueueItemStatusFailed
}

// QueueItem is a unit of work owned by the core.
// Unique constraint: (tenant_id, idempotency_key).
type QueueItem struct {
	ID                  string          `gorm:"primary_key;size:36" json:"id"`
	TenantId            string          `gorm:"size:64;not null;index:uniq_queue_idem,unique;index" json:"tenant_id"`
	IdempotencyKey      *string         `gorm:"size:255;index:uniq_queue_idem,unique" json:"idempotency_key"`
	Kind                string          `gorm:"size:100;not null" json:"kind"`
	Payload             datatypes.JSON  `json:"payload"`
	Status              QueueItemStatus `gorm:"size:20;not null;index:idx_queue_claim" json:"status"`
	AttemptCount        int             `gorm:"not null;default:0" json:"attempt_count"`
	NextEligibleAt      time.Time       `gorm:"not null;index:idx_queue_claim" json:"next_eligible_at"`
	LeaseOwner          *string         `gorm:"size:128" json:"lease_owner"`
	LeaseExpiresAt      *time.Time      `gorm:"index" json:"lease_expires_at"`
	LastError           *string         `gorm:"type:text" json:"last_error"`
	FailureReason       *string         `gorm:"type:text" json:"failure_reason"`
	QueuedAt            *time.Time      `json:"queued_at"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at"`
	ProcessedAt         *time.Time      `json:"processed_at"`
	DeadLetteredAt      *time.Time      `json:"dead_lettered_at"`
	CreatedAt           time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// HoldsLease reports whether workerId owns a lease that is still live at now.
func (q *QueueItem) HoldsLease(workerId string, now time.Time) bool {
	if q.Status != QueueItemStatusProcessing || q.LeaseOwner == nil || q.LeaseExpiresAt == nil {
		return false
	}
	return *q.LeaseOwner == workerId && now.Before(*q.LeaseExpiresAt)
}

// ClaimedAt reports whether the current lease is the claim that started at t.
func (q *QueueItem) ClaimedAt(t time.Time) bool {
	return q.ProcessingStartedAt != nil && q.ProcessingStartedAt.Truncate(time.Millisecond).Equal(t.Truncate(time.Millisecond))
}

func (q *QueueItem) LeaseExpired(now time.Time) bool {
	return q.Status == QueueItemStatusProcessing && q.LeaseExpiresAt != nil && !now.Before(*q.LeaseExpiresAt)
}

func (q *QueueItem) ClearLease() {
	q.LeaseOwner = nil
	q.LeaseExpiresAt = nil
}

// Claimable reports whether the item may be handed to a worker at now.
func (q *QueueItem) Claimable(now time.Time) bool {
	return (q.Status == QueueItemStatusPending || q.Status == QueueItemStatusQueued) && !q.NextEligibleAt.After(now)
}
