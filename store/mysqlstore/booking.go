package mysqlstore

import (
	"context"
	"database/sql"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"gorm.io/gorm"
)

func (s *Store) CreateResource(ctx context.Context, r *models.Resource) error {
	return classify(s.db.WithContext(ctx).Create(r).Error)
}

func (s *Store) GetResource(ctx context.Context, tenantId, id string) (*models.Resource, error) {
	var r models.Resource
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantId).Take(&r).Error; err != nil {
		return nil, classify(err)
	}
	return &r, nil
}

func (s *Store) GetReservation(ctx context.Context, tenantId, id string) (*models.Reservation, error) {
	var r models.Reservation
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantId).Take(&r).Error; err != nil {
		return nil, classify(err)
	}
	return &r, nil
}

func (s *Store) ListReservations(ctx context.Context, tenantId, resourceId string, window models.Interval) ([]models.Reservation, error) {
	rs, err := liveOverlapping(s.db.WithContext(ctx), tenantId, resourceId, window)
	return rs, classify(err)
}

// liveOverlapping uses half-open overlap: start < window.End AND end > window.Start.
func liveOverlapping(db *gorm.DB, tenantId, resourceId string, window models.Interval) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := db.
		Where("tenant_id = ? AND resource_id = ? AND status <> ?", tenantId, resourceId, models.ReservationStatusCancelled).
		Where("start_at < ? AND end_at > ?", window.End, window.Start).
		Order("start_at ASC").
		Find(&rs).Error
	return rs, err
}

// RunBookingTx runs fn under SERIALIZABLE isolation. InnoDB turns the overlap
// SELECT into a locking read, so two overlapping inserts cannot both commit.
func (s *Store) RunBookingTx(ctx context.Context, tenantId string, fn func(tx store.BookingTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&bookingTx{db: tx, tenantId: tenantId})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	return classify(err)
}

type bookingTx struct {
	db       *gorm.DB
	tenantId string
}

func (tx *bookingTx) LockResource(id string) (*models.Resource, error) {
	var r models.Resource
	if err := tx.db.Clauses(lockForUpdate).Where("id = ? AND tenant_id = ?", id, tx.tenantId).Take(&r).Error; err != nil {
		return nil, classify(err)
	}
	return &r, nil
}

func (tx *bookingTx) LockResourceClass(class string) ([]models.Resource, error) {
	var rs []models.Resource
	err := tx.db.Clauses(lockForUpdate).
		Where("tenant_id = ? AND resource_class = ?", tx.tenantId, class).
		Order("capacity ASC").
		Order("id ASC").
		Find(&rs).Error
	if err != nil {
		return nil, classify(err)
	}
	return rs, nil
}

func (tx *bookingTx) LiveReservations(resourceId string, window models.Interval) ([]models.Reservation, error) {
	rs, err := liveOverlapping(tx.db, tx.tenantId, resourceId, window)
	return rs, classify(err)
}

func (tx *bookingTx) FindReservation(id string) (*models.Reservation, error) {
	var r models.Reservation
	if err := tx.db.Clauses(lockForUpdate).Where("id = ? AND tenant_id = ?", id, tx.tenantId).Take(&r).Error; err != nil {
		return nil, classify(err)
	}
	return &r, nil
}

func (tx *bookingTx) FindReservationByKey(idempotencyKey string) (*models.Reservation, error) {
	var r models.Reservation
	if err := tx.db.Where("tenant_id = ? AND idempotency_key = ?", tx.tenantId, idempotencyKey).Take(&r).Error; err != nil {
		return nil, classify(err)
	}
	return &r, nil
}

func (tx *bookingTx) InsertReservation(r *models.Reservation) error {
	return classify(tx.db.Create(r).Error)
}

func (tx *bookingTx) SaveReservation(r *models.Reservation) error {
	return classify(tx.db.Save(r).Error)
}
