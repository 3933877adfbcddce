// Package queue hands out exclusive, time-bounded leases over batches of work
// items, tracks their completion and dead-letters items that keep failing.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
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

var tracer = otel.Tracer("tenant_core/queue")

// errLeaseMoved aborts a reclaim transition for an item whose lease was
// completed or renewed between listing and locking.
var errLeaseMoved = errors.New("lease no longer expired")

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetriable OutcomeKind = "retriable"
	OutcomePermanent OutcomeKind = "permanent"
)

type Outcome struct {
	Kind   OutcomeKind
	Reason string
	// ClaimedAt fences the completion to one claim. When set it must match the
	// item's processing_started_at, so a worker id that re-claimed the item
	// cannot complete it with a result from an older, expired claim.
	ClaimedAt time.Time
}

// From fences o to the claim that handed out item.
func (o Outcome) From(item models.QueueItem) Outcome {
	if item.ProcessingStartedAt != nil {
		o.ClaimedAt = *item.ProcessingStartedAt
	}
	return o
}

func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }
func Retriable(reason string) Outcome { return Outcome{Kind: OutcomeRetriable, Reason: reason} }
func Failed(reason string) Outcome { return Outcome{Kind: OutcomePermanent, Reason: reason} }

type EnqueueRequest struct {
	Kind           string `json:"kind" validate:"required,max=100"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=255"`
	Payload        any    `json:"payload"`
}

// DeadLetterHook is called after an item has been committed as dead_letter.
type DeadLetterHook func(ctx context.Context, item models.QueueItem)

type Manager struct {
	store  store.QueueStore
	logger *logrus.Logger

	mu           sync.RWMutex
	cfg          Config
	onDeadLetter []DeadLetterHook

	// Now is overridable in tests.
	Now func() time.Time
}

func NewManager(st store.QueueStore, cfg Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:  st,
		logger: logger,
		cfg:    cfg.withDefaults(),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetLeaseTimeout changes the default lease for subsequent claims.
func (m *Manager) SetLeaseTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.LeaseDuration = d
	m.mu.Unlock()
}

func (m *Manager) OnDeadLetter(h DeadLetterHook) {
	m.mu.Lock()
	m.onDeadLetter = append(m.onDeadLetter, h)
	m.mu.Unlock()
}

// Enqueue adds a pending item. A repeat of the same (tenant, idempotency key)
// returns the existing item with created=false.
func (m *Manager) Enqueue(ctx context.Context, tenantId string, req EnqueueRequest) (*models.QueueItem, bool, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, false, err
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, false, err
	}
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, false, models.ValidationError{Field: "payload", Message: err.Error()}
	}

	now := m.Now()
	item := &models.QueueItem{
		ID:             uuid.NewString(),
		TenantId:       tenantId,
		Kind:           req.Kind,
		Payload:        payload,
		Status:         models.QueueItemStatusPending,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		item.IdempotencyKey = &key
	}

	out, created, err := m.store.EnqueueItem(ctx, item)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.QueueTransitions.WithLabelValues(out.Kind, string(models.QueueItemStatusPending)).Inc()
	}
	return out, created, nil
}

func encodePayload(p any) (datatypes.JSON, error) {
	switch v := p.(type) {
	case nil:
		return datatypes.JSON("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return datatypes.JSON(v), nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return datatypes.JSON(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(b), nil
	}
}

// ClaimBatch leases up to maxItems claimable items to workerId. It never waits
// on items held by other claimers and may return an empty batch.
func (m *Manager) ClaimBatch(ctx context.Context, workerId string, maxItems int, leaseDuration time.Duration) ([]models.QueueItem, error) {
	if strings.TrimSpace(workerId) == "" {
		return nil, models.ValidationError{Field: "worker_id", Message: "is required"}
	}
	if maxItems <= 0 {
		return nil, nil
	}
	if leaseDuration <= 0 {
		leaseDuration = m.config().LeaseDuration
	}
	ctx, span := tracer.Start(ctx, "queue.ClaimBatch")
	defer span.End()
	defer metrics.ObserveSince("queue", "claim", time.Now())

	// Millisecond precision matches the stored column, so claim fences compare equal.
	now := m.Now().Truncate(time.Millisecond)
	items, err := m.store.ClaimQueueItems(utils.SetSkipTenantScopeInContext(ctx, true), store.ClaimParams{
		WorkerId:   workerId,
		Limit:      maxItems,
		Now:        now,
		LeaseUntil: now.Add(leaseDuration),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("claimed", len(items)))
	metrics.QueueClaimBatch.Observe(float64(len(items)))
	for _, it := range items {
		metrics.QueueTransitions.WithLabelValues(it.Kind, string(models.QueueItemStatusProcessing)).Inc()
	}
	return items, nil
}

// Complete records the outcome of a leased item. The caller must still hold a
// live lease, otherwise models.ErrLeaseExpired is returned and nothing changes.
func (m *Manager) Complete(ctx context.Context, itemId, workerId string, outcome Outcome) (*models.QueueItem, error) {
	switch outcome.Kind {
	case OutcomeSuccess, OutcomeRetriable, OutcomePermanent:
	default:
		return nil, models.ValidationError{Field: "outcome", Message: "must be one of [success retriable permanent]"}
	}
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()

	cfg := m.config()
	now := m.Now()
	item, err := m.store.TransitionQueueItem(utils.SetSkipTenantScopeInContext(ctx, true), itemId, func(item *models.QueueItem) error {
		if !item.HoldsLease(workerId, now) {
			return fmt.Errorf("%w: item %s is not leased to %s", models.ErrLeaseExpired, item.ID, workerId)
		}
		if !outcome.ClaimedAt.IsZero() && !item.ClaimedAt(outcome.ClaimedAt) {
			return fmt.Errorf("%w: item %s was re-claimed since this attempt started", models.ErrLeaseExpired, item.ID)
		}
		item.UpdatedAt = now
		switch outcome.Kind {
		case OutcomeSuccess:
			item.Status = models.QueueItemStatusProcessed
			item.ProcessedAt = &now
			item.ClearLease()
		case OutcomeRetriable:
			item.AttemptCount++
			item.LastError = &outcome.Reason
			if item.AttemptCount >= cfg.MaxAttempts {
				deadLetter(item, fmt.Sprintf("max attempts reached (%d): %s", cfg.MaxAttempts, outcome.Reason), now)
				return nil
			}
			requeue(item, now.Add(cfg.Backoff(item.AttemptCount)), now)
		case OutcomePermanent:
			item.AttemptCount++
			item.LastError = &outcome.Reason
			deadLetter(item, outcome.Reason, now)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	m.afterTransition(ctx, item)
	return item, nil
}

func requeue(item *models.QueueItem, eligibleAt, now time.Time) {
	item.Status = models.QueueItemStatusQueued
	item.NextEligibleAt = eligibleAt
	item.QueuedAt = &now
	item.ClearLease()
}

func deadLetter(item *models.QueueItem, reason string, now time.Time) {
	item.Status = models.QueueItemStatusDeadLetter
	item.FailureReason = &reason
	item.DeadLetteredAt = &now
	item.ClearLease()
}

func (m *Manager) afterTransition(ctx context.Context, item *models.QueueItem) {
	metrics.QueueTransitions.WithLabelValues(item.Kind, string(item.Status)).Inc()
	if item.Status != models.QueueItemStatusDeadLetter {
		return
	}
	reason := ""
	if item.FailureReason != nil {
		reason = *item.FailureReason
	}
	m.logger.WithFields(logrus.Fields{
		"field":     "QueueManager",
		"tenant_id": item.TenantId,
		"item_id":   item.ID,
		"kind":      item.Kind,
		"attempt":   item.AttemptCount,
	}).Warn("queue item moved to dead_letter: " + reason)

	m.mu.RLock()
	hooks := append([]DeadLetterHook(nil), m.onDeadLetter...)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, *item)
	}
}

// ReclaimExpiredLeases returns items whose lease ran out to the queue, counting
// the lost lease as an attempt. It returns how many items it moved.
func (m *Manager) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "queue.ReclaimExpiredLeases")
	defer span.End()
	defer metrics.ObserveSince("queue", "reclaim", time.Now())

	cfg := m.config()
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	now := m.Now()
	reclaimed := 0
	for {
		expired, err := m.store.ListExpiredLeases(ctx, now, cfg.ReclaimBatch)
		if err != nil {
			return reclaimed, err
		}
		for _, candidate := range expired {
			item, err := m.store.TransitionQueueItem(ctx, candidate.ID, func(item *models.QueueItem) error {
				if !item.LeaseExpired(now) {
					return errLeaseMoved
				}
				item.AttemptCount++
				reason := fmt.Sprintf("lease held by %s expired", derefString(item.LeaseOwner))
				item.LastError = &reason
				item.UpdatedAt = now
				if item.AttemptCount >= cfg.MaxAttempts {
					deadLetter(item, fmt.Sprintf("max attempts reached (%d): %s", cfg.MaxAttempts, reason), now)
					return nil
				}
				requeue(item, now, now)
				return nil
			})
			if errors.Is(err, errLeaseMoved) {
				continue
			}
			if err != nil {
				return reclaimed, err
			}
			reclaimed++
			m.afterTransition(ctx, item)
		}
		if len(expired) < cfg.ReclaimBatch {
			break
		}
	}
	if reclaimed > 0 {
		m.logger.WithFields(logrus.Fields{
			"field":     "QueueManager",
			"reclaimed": reclaimed,
		}).Info("reclaimed expired leases")
	}
	span.SetAttributes(attribute.Int("reclaimed", reclaimed))
	return reclaimed, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (m *Manager) Get(ctx context.Context, tenantId, itemId string) (*models.QueueItem, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	item, err := m.store.GetQueueItem(ctx, itemId)
	if err != nil {
		return nil, err
	}
	if item.TenantId != tenantId {
		return nil, models.ErrNotFound
	}
	return item, nil
}

// RequeueDeadLetter moves a dead-lettered item back to queued with a fresh
// attempt budget. Failure history (last error, failure reason, dead-lettered
// time) is kept on the row.
func (m *Manager) RequeueDeadLetter(ctx context.Context, tenantId, itemId string) (*models.QueueItem, error) {
	if err := utils.RequireAdminScope(ctx, tenantId); err != nil {
		return nil, err
	}
	now := m.Now()
	item, err := m.store.TransitionQueueItem(ctx, itemId, func(item *models.QueueItem) error {
		if item.TenantId != tenantId {
			return models.ErrNotFound
		}
		if item.Status != models.QueueItemStatusDeadLetter {
			return fmt.Errorf("%w: item %s is %s, not dead_letter", models.ErrConflict, item.ID, item.Status)
		}
		item.AttemptCount = 0
		item.UpdatedAt = now
		requeue(item, now, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"field":     "QueueManager",
		"tenant_id": tenantId,
		"item_id":   itemId,
	}).Info("dead letter requeued")
	metrics.QueueTransitions.WithLabelValues(item.Kind, string(item.Status)).Inc()
	return item, nil
}

// DiscardDeadLetter closes a dead-lettered item as failed. The row is kept.
func (m *Manager) DiscardDeadLetter(ctx context.Context, tenantId, itemId, reason string) (*models.QueueItem, error) {
	if err := utils.RequireAdminScope(ctx, tenantId); err != nil {
		return nil, err
	}
	now := m.Now()
	item, err := m.store.TransitionQueueItem(ctx, itemId, func(item *models.QueueItem) error {
		if item.TenantId != tenantId {
			return models.ErrNotFound
		}
		if item.Status != models.QueueItemStatusDeadLetter {
			return fmt.Errorf("%w: item %s is %s, not dead_letter", models.ErrConflict, item.ID, item.Status)
		}
		note := "discarded"
		if r := strings.TrimSpace(reason); r != "" {
			note += ": " + r
		}
		item.Status = models.QueueItemStatusFailed
		item.LastError = &note
		item.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.QueueTransitions.WithLabelValues(item.Kind, string(item.Status)).Inc()
	return item, nil
}

func (m *Manager) ListDeadLetters(ctx context.Context, tenantId string, limit int) ([]models.QueueItem, error) {
	if err := utils.RequireAdminScope(ctx, tenantId); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.store.ListQueueItems(ctx, tenantId, models.QueueItemStatusDeadLetter, limit)
}
