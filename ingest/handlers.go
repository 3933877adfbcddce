// Package ingest turns queued webhook and chat events into core operations.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/tenant_core/booking"
	"github.com/mmdatafocus/tenant_core/dedup"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/queue"
	"github.com/mmdatafocus/tenant_core/usage"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	KindChatInbound    = "chat.inbound"
	KindUsageReport    = "usage.report"
	KindBookingRequest = "booking.request"
)

type ChatInbound struct {
	Key        models.NaturalKey `json:"key" validate:"required"`
	Name       string            `json:"name" validate:"max=255"`
	Attributes map[string]any    `json:"attributes"`
	Reactivate bool              `json:"reactivate"`
}

type UsageReport struct {
	SourceEventId string          `json:"source_event_id" validate:"required,max=255"`
	Amount        decimal.Decimal `json:"amount"`
}

type BookingRequest struct {
	ResourceId      string    `json:"resource_id" validate:"required_without=ResourceClass"`
	ResourceClass   string    `json:"resource_class"`
	RequesterId     string    `json:"requester_id" validate:"max=64"`
	Start           time.Time `json:"start"`
	DurationSeconds int       `json:"duration_seconds" validate:"gt=0"`
	PartySize       int       `json:"party_size" validate:"gte=0"`
	IdempotencyKey  string    `json:"idempotency_key" validate:"max=255"`
}

type Handlers struct {
	Resolver  *dedup.Resolver
	Ledger    *usage.Ledger
	Scheduler *booking.Scheduler
	Logger    *logrus.Logger
}

// Register binds every ingest kind to p.
func (h *Handlers) Register(p *queue.Processor) {
	p.Handle(KindChatInbound, h.ChatInbound)
	p.Handle(KindUsageReport, h.UsageReport)
	p.Handle(KindBookingRequest, h.BookingRequest)
}

func decode(item models.QueueItem, v any) error {
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return queue.Permanent(models.ValidationError{Field: "payload", Message: err.Error()})
	}
	return utils.ValidateStruct(v)
}

// permanentOutcome marks errors that no retry can fix.
func permanentOutcome(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
		return queue.Permanent(err)
	}
	return err
}

func (h *Handlers) ChatInbound(ctx context.Context, item models.QueueItem) error {
	var msg ChatInbound
	if err := decode(item, &msg); err != nil {
		return err
	}
	var opts []dedup.Option
	if msg.Reactivate {
		opts = append(opts, dedup.WithReactivation())
	}
	contact, created, err := h.Resolver.ResolveOrCreate(ctx, item.TenantId, msg.Key,
		models.ContactDefaults{Name: msg.Name, Attributes: msg.Attributes}, opts...)
	if err != nil {
		return err
	}
	h.Logger.WithFields(logrus.Fields{
		"field":      "Ingest",
		"tenant_id":  item.TenantId,
		"item_id":    item.ID,
		"contact_id": contact.ID,
		"created":    created,
	}).Debug("chat message resolved")
	return nil
}

func (h *Handlers) UsageReport(ctx context.Context, item models.QueueItem) error {
	var msg UsageReport
	if err := decode(item, &msg); err != nil {
		return err
	}
	_, err := h.Ledger.RecordUsage(ctx, item.TenantId, msg.SourceEventId, msg.Amount)
	return permanentOutcome(err)
}

func (h *Handlers) BookingRequest(ctx context.Context, item models.QueueItem) error {
	var msg BookingRequest
	if err := decode(item, &msg); err != nil {
		return err
	}
	key := msg.IdempotencyKey
	if key == "" {
		// The queue item is already unique per delivery.
		key = "queue:" + item.ID
	}
	duration := time.Duration(msg.DurationSeconds) * time.Second

	var (
		r   *models.Reservation
		err error
	)
	if msg.ResourceId != "" {
		r, err = h.Scheduler.Reserve(ctx, booking.ReserveRequest{
			TenantId:       item.TenantId,
			ResourceId:     msg.ResourceId,
			RequesterId:    msg.RequesterId,
			Start:          msg.Start,
			Duration:       duration,
			IdempotencyKey: key,
			PartySize:      msg.PartySize,
		})
	} else {
		r, err = h.Scheduler.ReserveCapacity(ctx, booking.CapacityRequest{
			TenantId:       item.TenantId,
			ResourceClass:  msg.ResourceClass,
			RequesterId:    msg.RequesterId,
			Start:          msg.Start,
			Duration:       duration,
			IdempotencyKey: key,
			PartySize:      max(msg.PartySize, 1),
		})
	}
	if err != nil {
		return permanentOutcome(fmt.Errorf("booking request %s: %w", item.ID, err))
	}
	h.Logger.WithFields(logrus.Fields{
		"field":          "Ingest",
		"tenant_id":      item.TenantId,
		"item_id":        item.ID,
		"reservation_id": r.ID,
	}).Info("booking request reserved")
	return nil
}
