// Package store defines the persistence contract for the coordination core.
//
// Two implementations exist: store/memory (tests, single-process dev) and
// store/mysqlstore (production). Every multi-row mutation goes through a
// transaction closure so the backing store stays the arbiter of atomicity.
package store

import (
	"context"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
)

// Store is the union of all component stores.
type Store interface {
	ContactStore
	QueueStore
	BookingStore
	UsageStore

	Ping(ctx context.Context) error
	Close() error
}

type ContactStore interface {
	// FindLiveContact returns the live contact for the key or models.ErrNotFound.
	FindLiveContact(ctx context.Context, tenantId string, key models.NaturalKey) (*models.Contact, error)
	// FindDeletedContact returns the most recently deleted contact for the key.
	FindDeletedContact(ctx context.Context, tenantId string, key models.NaturalKey) (*models.Contact, error)
	// InsertContact returns models.ErrConflict when a live contact already holds the key.
	InsertContact(ctx context.Context, c *models.Contact) error
	// ReactivateContact returns models.ErrConflict when a live contact already holds the key.
	ReactivateContact(ctx context.Context, c *models.Contact) error
	GetContact(ctx context.Context, tenantId, id string) (*models.Contact, error)
	// SoftDeleteContactCascade marks the contact deleted and cancels its live
	// reservations in one transaction. It returns the number of cancelled reservations.
	SoftDeleteContactCascade(ctx context.Context, tenantId, id, reason string, at time.Time) (int, error)
}

type ClaimParams struct {
	WorkerId   string
	Limit      int
	Now        time.Time
	LeaseUntil time.Time
}

type QueueStore interface {
	// EnqueueItem inserts the item unless (tenant, idempotency key) already exists,
	// in which case the existing item is returned with created=false.
	EnqueueItem(ctx context.Context, item *models.QueueItem) (*models.QueueItem, bool, error)
	// ClaimQueueItems atomically leases up to Limit claimable items without
	// waiting on rows another claimer holds.
	ClaimQueueItems(ctx context.Context, p ClaimParams) ([]models.QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	// TransitionQueueItem locks the item, applies fn and persists the result
	// only when fn returns nil.
	TransitionQueueItem(ctx context.Context, id string, fn func(item *models.QueueItem) error) (*models.QueueItem, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error)
	ListQueueItems(ctx context.Context, tenantId string, status models.QueueItemStatus, limit int) ([]models.QueueItem, error)
}

type BookingStore interface {
	CreateResource(ctx context.Context, r *models.Resource) error
	GetResource(ctx context.Context, tenantId, id string) (*models.Resource, error)
	GetReservation(ctx context.Context, tenantId, id string) (*models.Reservation, error)
	// ListReservations returns live reservations of a resource overlapping window.
	ListReservations(ctx context.Context, tenantId, resourceId string, window models.Interval) ([]models.Reservation, error)
	// RunBookingTx runs fn in a serializable transaction. Writes are discarded
	// when fn returns an error.
	RunBookingTx(ctx context.Context, tenantId string, fn func(tx BookingTx) error) error
}

type BookingTx interface {
	// LockResource takes an exclusive row lock on the resource.
	LockResource(id string) (*models.Resource, error)
	// LockResourceClass locks every resource of the class, smallest capacity first.
	LockResourceClass(class string) ([]models.Resource, error)
	LiveReservations(resourceId string, window models.Interval) ([]models.Reservation, error)
	FindReservation(id string) (*models.Reservation, error)
	FindReservationByKey(idempotencyKey string) (*models.Reservation, error)
	InsertReservation(r *models.Reservation) error
	SaveReservation(r *models.Reservation) error
}

type UsageStore interface {
	GetUsagePolicy(ctx context.Context, tenantId string) (*models.UsagePolicy, error)
	GetUsagePeriod(ctx context.Context, tenantId string, periodStart time.Time) (*models.UsagePeriod, error)
	ListUsageTransactions(ctx context.Context, tenantId, periodId string) ([]models.UsageTransaction, error)
	// RunUsageTx runs fn in a transaction serialized per tenant by the policy row lock.
	RunUsageTx(ctx context.Context, tenantId string, fn func(tx UsageTx) error) error
}

type UsageTx interface {
	// Policy locks and returns the tenant policy or models.ErrNotFound.
	Policy() (*models.UsagePolicy, error)
	SavePolicy(p *models.UsagePolicy) error
	// Period returns the period starting at start, creating it when missing.
	Period(start, end time.Time) (*models.UsagePeriod, error)
	SavePeriod(p *models.UsagePeriod) error
	FindTransaction(sourceEventId string) (*models.UsageTransaction, error)
	InsertTransaction(t *models.UsageTransaction) error
}
