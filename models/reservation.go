package models

import "time"

// Resource is a reservable unit: a staff member at a branch, a table, a court.
type Resource struct {
	ID            string    `gorm:"primary_key;size:36" json:"id"`
	TenantId      string    `gorm:"size:64;not null;index:idx_resource_class" json:"tenant_id"`
	ResourceClass string    `gorm:"size:100;not null;index:idx_resource_class" json:"resource_class"`
	Name          string    `gorm:"size:255" json:"name"`
	Capacity      int       `gorm:"not null;default:1" json:"capacity"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type ReservationStatus string

const (
	ReservationStatusScheduled ReservationStatus = "scheduled"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// Reservation occupies [StartAt, EndAt) on one resource. Rows are never
// physically deleted; cancelling frees the interval.
// Unique constraint: (tenant_id, idempotency_key).
type Reservation struct {
	ID                string            `gorm:"primary_key;size:36" json:"id"`
	TenantId          string            `gorm:"size:64;not null;index:uniq_reservation_idem,unique;index" json:"tenant_id"`
	ResourceId        string            `gorm:"size:36;not null;index:idx_reservation_window" json:"resource_id"`
	RequesterId       string            `gorm:"size:64;index" json:"requester_id"`
	IdempotencyKey    *string           `gorm:"size:255;index:uniq_reservation_idem,unique" json:"idempotency_key"`
	StartAt           time.Time         `gorm:"not null;index:idx_reservation_window" json:"start_at"`
	EndAt             time.Time         `gorm:"not null;index:idx_reservation_window" json:"end_at"`
	PartySize         int               `gorm:"not null;default:1" json:"party_size"`
	Status            ReservationStatus `gorm:"size:20;not null;index" json:"status"`
	RescheduledFromId *string           `gorm:"size:36" json:"rescheduled_from_id"`
	CancelReason      string            `gorm:"size:255" json:"cancel_reason,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *Reservation) Interval() Interval {
	return Interval{Start: r.StartAt, End: r.EndAt}
}

func (r *Reservation) IsLive() bool {
	return r.Status != ReservationStatusCancelled
}

func (r *Reservation) Cancel(at time.Time, reason string) {
	r.Status = ReservationStatusCancelled
	r.CancelReason = reason
	r.CancelledAt = &at
}
