// Package dedup maps a tenant-scoped natural key (phone, email, external id)
// to exactly one live contact, however many callers race on the same key.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/tenant_core/metrics"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("tenant_core/dedup")

type Resolver struct {
	store      store.ContactStore
	locker     Locker
	normalizer Normalizer
	logger     *logrus.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func NewResolver(st store.ContactStore, locker Locker, normalizer Normalizer, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		store:      st,
		locker:     locker,
		normalizer: normalizer,
		logger:     logger,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

type resolveOptions struct {
	reactivate bool
}

type Option func(*resolveOptions)

// WithReactivation restores the most recently soft-deleted contact for the key
// instead of creating a fresh one.
func WithReactivation() Option {
	return func(o *resolveOptions) { o.reactivate = true }
}

func lockKey(tenantId string, key models.NaturalKey) string {
	return tenantId + "|" + string(key.Kind) + "|" + key.Value
}

// ResolveOrCreate returns the live contact for key, creating it from defaults
// when none exists. created reports whether this call made a live contact
// appear (new row or reactivation).
func (r *Resolver) ResolveOrCreate(ctx context.Context, tenantId string, key models.NaturalKey, defaults models.ContactDefaults, opts ...Option) (contact *models.Contact, created bool, err error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, false, err
	}
	key, err = r.normalizer.Normalize(key)
	if err != nil {
		return nil, false, err
	}

	ctx, span := tracer.Start(ctx, "dedup.ResolveOrCreate")
	span.SetAttributes(attribute.String("tenant_id", tenantId), attribute.String("key_kind", string(key.Kind)))
	defer span.End()
	defer metrics.ObserveSince("dedup", "resolve", time.Now())

	outcome := "error"
	defer func() { metrics.DedupResolutions.WithLabelValues(string(key.Kind), outcome).Inc() }()

	waitStart := time.Now()
	release, err := r.locker.Acquire(ctx, lockKey(tenantId, key))
	metrics.DedupLockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("resolve %s: %w", key.Kind, err)
	}
	defer release()

	live, err := r.store.FindLiveContact(ctx, tenantId, key)
	if err == nil {
		outcome = "existing"
		return live, false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}

	now := r.Now()
	if o.reactivate {
		revived, rerr := r.reactivate(ctx, tenantId, key, now)
		if rerr == nil {
			outcome = "reactivated"
			return revived, true, nil
		}
		if !errors.Is(rerr, models.ErrNotFound) {
			return nil, false, rerr
		}
	}

	value := key.Value
	c := &models.Contact{
		ID:         uuid.NewString(),
		TenantId:   tenantId,
		KeyKind:    key.Kind,
		NaturalKey: key.Value,
		LiveKey:    &value,
		Name:       defaults.Name,
		Attributes: datatypes.JSONMap(defaults.Attributes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.InsertContact(ctx, c); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return nil, false, err
		}
		// Another process (outside this lock's reach) won the insert; the unique index decided.
		live, ferr := r.store.FindLiveContact(ctx, tenantId, key)
		if ferr != nil {
			return nil, false, ferr
		}
		outcome = "existing"
		return live, false, nil
	}

	r.logger.WithFields(utils.LogFields(ctx)).WithFields(logrus.Fields{
		"field":      "DedupResolver",
		"tenant_id":  tenantId,
		"contact_id": c.ID,
		"key_kind":   key.Kind,
	}).Info("contact created")
	outcome = "created"
	return c, true, nil
}

func (r *Resolver) reactivate(ctx context.Context, tenantId string, key models.NaturalKey, now time.Time) (*models.Contact, error) {
	deleted, err := r.store.FindDeletedContact(ctx, tenantId, key)
	if err != nil {
		return nil, err
	}
	deleted.Reactivate()
	deleted.UpdatedAt = now
	if err := r.store.ReactivateContact(ctx, deleted); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return r.store.FindLiveContact(ctx, tenantId, key)
		}
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{
		"field":      "DedupResolver",
		"tenant_id":  tenantId,
		"contact_id": deleted.ID,
	}).Info("contact reactivated")
	return deleted, nil
}

func (r *Resolver) Get(ctx context.Context, tenantId, contactId string) (*models.Contact, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	return r.store.GetContact(ctx, tenantId, contactId)
}

// SoftDelete marks the contact deleted and cancels its upcoming reservations in
// one transaction. It holds the key lock so a concurrent resolve cannot hand
// out the contact halfway through. Deleting an already deleted contact is a no-op.
func (r *Resolver) SoftDelete(ctx context.Context, tenantId, contactId, reason string) (cancelled int, err error) {
	if err := utils.RequireAdminScope(ctx, tenantId); err != nil {
		return 0, err
	}
	ctx, span := tracer.Start(ctx, "dedup.SoftDelete")
	defer span.End()

	c, err := r.store.GetContact(ctx, tenantId, contactId)
	if err != nil {
		return 0, err
	}
	release, err := r.locker.Acquire(ctx, lockKey(tenantId, c.Key()))
	if err != nil {
		return 0, fmt.Errorf("soft delete: %w", err)
	}
	defer release()

	cancelled, err = r.store.SoftDeleteContactCascade(ctx, tenantId, contactId, reason, r.Now())
	if err != nil {
		return 0, err
	}
	r.logger.WithFields(utils.LogFields(ctx)).WithFields(logrus.Fields{
		"field":                  "DedupResolver",
		"tenant_id":              tenantId,
		"contact_id":             contactId,
		"cancelled_reservations": cancelled,
	}).Info("contact soft deleted")
	return cancelled, nil
}
