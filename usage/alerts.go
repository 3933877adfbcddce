package usage

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// UsageAlert is emitted once per threshold per period, after the usage that
// crossed it has been committed.
type UsageAlert struct {
	TenantId      string               `json:"tenant_id"`
	Threshold     int                  `json:"threshold"`
	UsagePercent  decimal.Decimal      `json:"usage_percent"`
	SourceEventId string               `json:"source_event_id"`
	Snapshot      models.UsageSnapshot `json:"snapshot"`
	At            time.Time            `json:"at"`
}

type AlertPublisher interface {
	PublishUsageAlert(ctx context.Context, alert UsageAlert) error
}

type LogPublisher struct {
	Logger *logrus.Logger
}

func (p LogPublisher) PublishUsageAlert(_ context.Context, alert UsageAlert) error {
	p.Logger.WithFields(logrus.Fields{
		"field":         "UsageLedger",
		"tenant_id":     alert.TenantId,
		"threshold":     alert.Threshold,
		"usage_percent": alert.UsagePercent.String(),
		"period_start":  alert.Snapshot.PeriodStart,
	}).Warn("usage threshold crossed")
	return nil
}

// Publishers fans an alert out to every publisher and joins their errors.
type Publishers []AlertPublisher

func (ps Publishers) PublishUsageAlert(ctx context.Context, alert UsageAlert) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.PublishUsageAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
