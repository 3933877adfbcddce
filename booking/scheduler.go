// Package booking allocates time windows on reservable resources. Overlap
// detection and insert run as one serializable unit per resource.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/tenant_core/metrics"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tenant_core/booking")

const (
	maxReservationLength = 7 * 24 * time.Hour
	maxAvailabilitySlots = 1000
)

type ReserveRequest struct {
	TenantId       string        `json:"tenant_id" validate:"required,max=64"`
	ResourceId     string        `json:"resource_id" validate:"required,max=36"`
	RequesterId    string        `json:"requester_id" validate:"max=64"`
	Start          time.Time     `json:"start"`
	Duration       time.Duration `json:"duration" validate:"gt=0"`
	IdempotencyKey string        `json:"idempotency_key" validate:"max=255"`
	PartySize      int           `json:"party_size" validate:"gte=0"`
}

type CapacityRequest struct {
	TenantId       string        `json:"tenant_id" validate:"required,max=64"`
	ResourceClass  string        `json:"resource_class" validate:"required,max=100"`
	RequesterId    string        `json:"requester_id" validate:"max=64"`
	Start          time.Time     `json:"start"`
	Duration       time.Duration `json:"duration" validate:"gt=0"`
	IdempotencyKey string        `json:"idempotency_key" validate:"max=255"`
	PartySize      int           `json:"party_size" validate:"required,gt=0"`
}

type Scheduler struct {
	store   store.BookingStore
	retries int
	logger  *logrus.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func NewScheduler(st store.BookingStore, retries int, logger *logrus.Logger) *Scheduler {
	if retries <= 0 {
		retries = store.DefaultSerializationRetries
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		store:   st,
		retries: retries,
		logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func requestWindow(start time.Time, d time.Duration) (models.Interval, error) {
	if start.IsZero() {
		return models.Interval{}, models.ValidationError{Field: "start", Message: "is required"}
	}
	if d > maxReservationLength {
		return models.Interval{}, models.ValidationError{Field: "duration", Message: "must be at most " + maxReservationLength.String()}
	}
	return models.NewInterval(start.UTC(), d), nil
}

func optionalKey(key string) *string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return &key
}

// firstOverlap returns the first live reservation on resourceId overlapping
// window, ignoring the ids in skip.
func firstOverlap(tx store.BookingTx, resourceId string, window models.Interval, skip string) (*models.Reservation, error) {
	live, err := tx.LiveReservations(resourceId, window)
	if err != nil {
		return nil, err
	}
	for i := range live {
		if live[i].ID == skip {
			continue
		}
		if live[i].Interval().Overlaps(window) {
			return &live[i], nil
		}
	}
	return nil, nil
}

func slotConflict(resourceId string, window models.Interval, other *models.Reservation) *models.SlotConflictError {
	e := &models.SlotConflictError{ResourceId: resourceId, Requested: window}
	if other != nil {
		e.Conflicting = other.Interval()
		e.ConflictingId = other.ID
	}
	return e
}

// runSerializable retries the booking transaction on store-level aborts and
// turns exhaustion into the same SlotConflictError an explicit overlap gives.
func (s *Scheduler) runSerializable(ctx context.Context, tenantId string, fn func(tx store.BookingTx) error, exhausted func() error) error {
	err := store.RetrySerializable(ctx, s.retries, func() error {
		return s.store.RunBookingTx(ctx, tenantId, fn)
	})
	if err != nil && errors.Is(err, models.ErrSerializationConflict) {
		return exhausted()
	}
	return err
}

// Reserve books [Start, Start+Duration) on one resource. A repeat of the same
// idempotency key returns the reservation the first call made.
func (s *Scheduler) Reserve(ctx context.Context, req ReserveRequest) (*models.Reservation, error) {
	if err := utils.RequireTenantScope(ctx, req.TenantId); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	window, err := requestWindow(req.Start, req.Duration)
	if err != nil {
		return nil, err
	}
	partySize := req.PartySize
	if partySize == 0 {
		partySize = 1
	}
	key := optionalKey(req.IdempotencyKey)

	ctx, span := tracer.Start(ctx, "booking.Reserve")
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantId),
		attribute.String("resource_id", req.ResourceId),
	)
	defer span.End()
	defer metrics.ObserveSince("booking", "reserve", time.Now())

	var (
		out      *models.Reservation
		replayed bool
	)
	err = s.runSerializable(ctx, req.TenantId, func(tx store.BookingTx) error {
		out, replayed = nil, false
		if key != nil {
			existing, err := tx.FindReservationByKey(*key)
			if err == nil {
				out, replayed = existing, true
				return nil
			}
			if !errors.Is(err, models.ErrNotFound) {
				return err
			}
		}
		resource, err := tx.LockResource(req.ResourceId)
		if err != nil {
			return err
		}
		if partySize > resource.Capacity {
			return models.ValidationError{Field: "party_size", Message: fmt.Sprintf("must be at most %d for this resource", resource.Capacity)}
		}
		other, err := firstOverlap(tx, resource.ID, window, "")
		if err != nil {
			return err
		}
		if other != nil {
			return slotConflict(resource.ID, window, other)
		}
		r := s.newReservation(req.TenantId, resource.ID, req.RequesterId, window, partySize, key)
		if err := tx.InsertReservation(r); err != nil {
			return err
		}
		out = r
		return nil
	}, func() error { return slotConflict(req.ResourceId, window, nil) })
	if err != nil && key != nil && isDuplicateKey(err) {
		// A concurrent retry of the same request committed first.
		if existing, ferr := s.findByKey(ctx, req.TenantId, *key); ferr == nil {
			out, replayed, err = existing, true, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		s.recordFailure(err)
		return nil, err
	}
	if replayed {
		metrics.BookingOutcomes.WithLabelValues("duplicate").Inc()
		return out, nil
	}
	metrics.BookingOutcomes.WithLabelValues("reserved").Inc()
	s.logger.WithFields(utils.LogFields(ctx)).WithFields(logrus.Fields{
		"field":          "BookingScheduler",
		"tenant_id":      req.TenantId,
		"resource_id":    out.ResourceId,
		"reservation_id": out.ID,
	}).Info("reservation created " + window.String())
	return out, nil
}

// ReserveCapacity books the smallest free unit of ResourceClass whose capacity
// fits the party, keeping larger units for larger parties.
func (s *Scheduler) ReserveCapacity(ctx context.Context, req CapacityRequest) (*models.Reservation, error) {
	if err := utils.RequireTenantScope(ctx, req.TenantId); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	window, err := requestWindow(req.Start, req.Duration)
	if err != nil {
		return nil, err
	}
	key := optionalKey(req.IdempotencyKey)

	ctx, span := tracer.Start(ctx, "booking.ReserveCapacity")
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantId),
		attribute.String("resource_class", req.ResourceClass),
		attribute.Int("party_size", req.PartySize),
	)
	defer span.End()
	defer metrics.ObserveSince("booking", "reserve_capacity", time.Now())

	var (
		out      *models.Reservation
		replayed bool
	)
	err = s.runSerializable(ctx, req.TenantId, func(tx store.BookingTx) error {
		out, replayed = nil, false
		if key != nil {
			existing, err := tx.FindReservationByKey(*key)
			if err == nil {
				out, replayed = existing, true
				return nil
			}
			if !errors.Is(err, models.ErrNotFound) {
				return err
			}
		}
		units, err := tx.LockResourceClass(req.ResourceClass)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			return fmt.Errorf("%w: resource class %s", models.ErrNotFound, req.ResourceClass)
		}
		var firstBusy *models.Reservation
		fits := false
		for _, unit := range units {
			if unit.Capacity < req.PartySize {
				continue
			}
			fits = true
			other, err := firstOverlap(tx, unit.ID, window, "")
			if err != nil {
				return err
			}
			if other != nil {
				if firstBusy == nil {
					firstBusy = other
				}
				continue
			}
			r := s.newReservation(req.TenantId, unit.ID, req.RequesterId, window, req.PartySize, key)
			if err := tx.InsertReservation(r); err != nil {
				return err
			}
			out = r
			return nil
		}
		if !fits {
			return models.ValidationError{Field: "party_size", Message: "no unit in this class is large enough"}
		}
		return slotConflict(req.ResourceClass, window, firstBusy)
	}, func() error { return slotConflict(req.ResourceClass, window, nil) })
	if err != nil && key != nil && isDuplicateKey(err) {
		if existing, ferr := s.findByKey(ctx, req.TenantId, *key); ferr == nil {
			out, replayed, err = existing, true, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		s.recordFailure(err)
		return nil, err
	}
	if replayed {
		metrics.BookingOutcomes.WithLabelValues("duplicate").Inc()
		return out, nil
	}
	metrics.BookingOutcomes.WithLabelValues("reserved").Inc()
	s.logger.WithFields(utils.LogFields(ctx)).WithFields(logrus.Fields{
		"field":          "BookingScheduler",
		"tenant_id":      req.TenantId,
		"resource_id":    out.ResourceId,
		"reservation_id": out.ID,
		"party_size":     req.PartySize,
	}).Info("capacity reservation created " + window.String())
	return out, nil
}

// Cancel frees the reservation's interval. Cancelling twice is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, tenantId, reservationId, reason string) (*models.Reservation, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "booking.Cancel")
	defer span.End()

	var out *models.Reservation
	err := store.RetrySerializable(ctx, s.retries, func() error {
		return s.store.RunBookingTx(ctx, tenantId, func(tx store.BookingTx) error {
			r, err := tx.FindReservation(reservationId)
			if err != nil {
				return err
			}
			out = r
			if !r.IsLive() {
				return nil
			}
			r.Cancel(s.Now(), strings.TrimSpace(reason))
			return tx.SaveReservation(r)
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.BookingOutcomes.WithLabelValues("cancelled").Inc()
	return out, nil
}

func (s *Scheduler) Confirm(ctx context.Context, tenantId, reservationId string) (*models.Reservation, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "booking.Confirm")
	defer span.End()

	var out *models.Reservation
	err := store.RetrySerializable(ctx, s.retries, func() error {
		return s.store.RunBookingTx(ctx, tenantId, func(tx store.BookingTx) error {
			r, err := tx.FindReservation(reservationId)
			if err != nil {
				return err
			}
			out = r
			switch r.Status {
			case models.ReservationStatusConfirmed:
				return nil
			case models.ReservationStatusCancelled:
				return fmt.Errorf("%w: reservation %s is cancelled", models.ErrConflict, r.ID)
			}
			r.Status = models.ReservationStatusConfirmed
			return tx.SaveReservation(r)
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.BookingOutcomes.WithLabelValues("confirmed").Inc()
	return out, nil
}

// Reschedule moves a live reservation to a new window on the same resource.
// The old row is cancelled and a new one linked to it is created in the same
// transaction; the old interval does not count against the new one.
func (s *Scheduler) Reschedule(ctx context.Context, tenantId, reservationId string, newStart time.Time, newDuration time.Duration) (*models.Reservation, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	if newDuration <= 0 {
		return nil, models.ValidationError{Field: "duration", Message: "must be greater than 0"}
	}
	window, err := requestWindow(newStart, newDuration)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "booking.Reschedule")
	defer span.End()

	var (
		out        *models.Reservation
		resourceId string
	)
	err = s.runSerializable(ctx, tenantId, func(tx store.BookingTx) error {
		old, err := tx.FindReservation(reservationId)
		if err != nil {
			return err
		}
		if !old.IsLive() {
			return fmt.Errorf("%w: reservation %s is cancelled", models.ErrConflict, old.ID)
		}
		resourceId = old.ResourceId
		if _, err := tx.LockResource(old.ResourceId); err != nil {
			return err
		}
		other, err := firstOverlap(tx, old.ResourceId, window, old.ID)
		if err != nil {
			return err
		}
		if other != nil {
			return slotConflict(old.ResourceId, window, other)
		}
		// The moved booking keeps its confirmation.
		status := old.Status
		old.Cancel(s.Now(), "rescheduled")
		if err := tx.SaveReservation(old); err != nil {
			return err
		}
		r := s.newReservation(tenantId, old.ResourceId, old.RequesterId, window, old.PartySize, nil)
		r.Status = status
		r.RescheduledFromId = &old.ID
		if err := tx.InsertReservation(r); err != nil {
			return err
		}
		out = r
		return nil
	}, func() error { return slotConflict(resourceId, window, nil) })
	if err != nil {
		span.RecordError(err)
		s.recordFailure(err)
		return nil, err
	}
	metrics.BookingOutcomes.WithLabelValues("rescheduled").Inc()
	s.logger.WithFields(utils.LogFields(ctx)).WithFields(logrus.Fields{
		"field":          "BookingScheduler",
		"tenant_id":      tenantId,
		"resource_id":    resourceId,
		"reservation_id": out.ID,
		"rescheduled_id": reservationId,
	}).Info("reservation rescheduled " + window.String())
	return out, nil
}

// Availability lists the free slot-sized windows on a resource in [from, to).
func (s *Scheduler) Availability(ctx context.Context, tenantId, resourceId string, from, to time.Time, slot time.Duration) ([]models.Interval, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	if slot <= 0 {
		return nil, models.ValidationError{Field: "slot", Message: "must be at least 1s"}
	}
	window := models.Interval{Start: from.UTC(), End: to.UTC()}
	if !window.Valid() {
		return nil, models.ValidationError{Field: "to", Message: "must be after from"}
	}
	if window.Duration()/slot > maxAvailabilitySlots {
		return nil, models.ValidationError{Field: "slot", Message: fmt.Sprintf("window holds more than %d slots", maxAvailabilitySlots)}
	}
	ctx, span := tracer.Start(ctx, "booking.Availability")
	defer span.End()

	if _, err := s.store.GetResource(ctx, tenantId, resourceId); err != nil {
		return nil, err
	}
	taken, err := s.store.ListReservations(ctx, tenantId, resourceId, window)
	if err != nil {
		return nil, err
	}
	free := make([]models.Interval, 0)
	for start := window.Start; !start.Add(slot).After(window.End); start = start.Add(slot) {
		candidate := models.NewInterval(start, slot)
		busy := false
		for i := range taken {
			if taken[i].Interval().Overlaps(candidate) {
				busy = true
				break
			}
		}
		if !busy {
			free = append(free, candidate)
		}
	}
	return free, nil
}

func (s *Scheduler) CreateResource(ctx context.Context, r models.Resource) (*models.Resource, error) {
	if err := utils.RequireTenantScope(ctx, r.TenantId); err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.ResourceClass) == "" {
		return nil, models.ValidationError{Field: "resource_class", Message: "is required"}
	}
	if r.Capacity <= 0 {
		r.Capacity = 1
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := s.store.CreateResource(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Scheduler) Get(ctx context.Context, tenantId, reservationId string) (*models.Reservation, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	return s.store.GetReservation(ctx, tenantId, reservationId)
}

func (s *Scheduler) newReservation(tenantId, resourceId, requesterId string, window models.Interval, partySize int, key *string) *models.Reservation {
	now := s.Now()
	return &models.Reservation{
		ID:             uuid.NewString(),
		TenantId:       tenantId,
		ResourceId:     resourceId,
		RequesterId:    requesterId,
		IdempotencyKey: key,
		StartAt:        window.Start,
		EndAt:          window.End,
		PartySize:      partySize,
		Status:         models.ReservationStatusScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Scheduler) findByKey(ctx context.Context, tenantId, key string) (*models.Reservation, error) {
	var out *models.Reservation
	err := s.store.RunBookingTx(ctx, tenantId, func(tx store.BookingTx) error {
		r, err := tx.FindReservationByKey(key)
		out = r
		return err
	})
	return out, err
}

// isDuplicateKey reports a unique-index conflict as opposed to an overlap.
func isDuplicateKey(err error) bool {
	var sc *models.SlotConflictError
	return errors.Is(err, models.ErrConflict) && !errors.As(err, &sc)
}

func (s *Scheduler) recordFailure(err error) {
	if errors.Is(err, models.ErrConflict) {
		metrics.BookingOutcomes.WithLabelValues("conflict").Inc()
		return
	}
	metrics.BookingOutcomes.WithLabelValues("error").Inc()
}
