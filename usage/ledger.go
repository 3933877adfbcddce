// Package usage meters consumption per tenant per billing period and applies
// the tenant's overage policy, alert thresholds and overage cap.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/tenant_core/metrics"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/store"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tenant_core/usage")

type LimitStatus struct {
	CanProceed        bool                 `json:"can_proceed"`
	RemainingIncluded decimal.Decimal      `json:"remaining_included"`
	Policy            models.OveragePolicy `json:"policy"`
	UsagePercent      decimal.Decimal      `json:"usage_percent"`
	Snapshot          models.UsageSnapshot `json:"snapshot"`
}

type UsageResult struct {
	TransactionId         string               `json:"transaction_id"`
	IncludedApplied       decimal.Decimal      `json:"included_applied"`
	OverageApplied        decimal.Decimal      `json:"overage_applied"`
	ChargeIncurred        decimal.Decimal      `json:"charge_incurred"`
	AlertThresholdCrossed *int                 `json:"alert_threshold_crossed"`
	Blocked               bool                 `json:"blocked"`
	Duplicate             bool                 `json:"duplicate"`
	Snapshot              models.UsageSnapshot `json:"snapshot"`
}

type PolicyUpdate struct {
	Policy           models.OveragePolicy `json:"policy" validate:"required,oneof=block charge notify_only"`
	IncludedUnits    decimal.Decimal      `json:"included_units"`
	OverageUnitPrice decimal.Decimal      `json:"overage_unit_price"`
	OverageCap       decimal.Decimal      `json:"overage_cap"`
	AlertThresholds  []int                `json:"alert_thresholds"`
	// ExpectedVersion, when set, rejects the update if the stored policy moved on.
	ExpectedVersion int `json:"expected_version" validate:"gte=0"`
}

func (u PolicyUpdate) validate() error {
	if err := utils.ValidateStruct(u); err != nil {
		return err
	}
	if u.IncludedUnits.IsNegative() {
		return models.ValidationError{Field: "included_units", Message: "must not be negative"}
	}
	if u.OverageUnitPrice.IsNegative() {
		return models.ValidationError{Field: "overage_unit_price", Message: "must not be negative"}
	}
	if u.OverageCap.IsNegative() {
		return models.ValidationError{Field: "overage_cap", Message: "must not be negative"}
	}
	if u.Policy == models.OveragePolicyCharge && !u.OverageCap.IsPositive() {
		return models.ValidationError{Field: "overage_cap", Message: "is required for the charge policy"}
	}
	prev := 0
	for _, t := range u.AlertThresholds {
		if t <= prev || t > 1000 {
			return models.ValidationError{Field: "alert_thresholds", Message: "must be strictly increasing percentages between 1 and 1000"}
		}
		prev = t
	}
	return nil
}

type Ledger struct {
	store     store.UsageStore
	publisher AlertPublisher
	logger    *logrus.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func NewLedger(st store.UsageStore, publisher AlertPublisher, logger *logrus.Logger) *Ledger {
	if logger == nil {
		logger = logrus.New()
	}
	if publisher == nil {
		publisher = LogPublisher{Logger: logger}
	}
	return &Ledger{
		store:     st,
		publisher: publisher,
		logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// snapshot reads the policy and the current period outside a transaction.
// A period nobody has reported usage into yet reads as empty.
func (l *Ledger) snapshot(ctx context.Context, tenantId string) (*models.UsagePolicy, models.UsageSnapshot, error) {
	policy, err := l.store.GetUsagePolicy(ctx, tenantId)
	if err != nil {
		return nil, models.UsageSnapshot{}, err
	}
	start, end := periodBounds(l.Now())
	period, err := l.store.GetUsagePeriod(ctx, tenantId, start)
	if errors.Is(err, models.ErrNotFound) {
		period = &models.UsagePeriod{TenantId: tenantId, PeriodStart: start, PeriodEnd: end}
		err = nil
	}
	if err != nil {
		return nil, models.UsageSnapshot{}, err
	}
	return policy, models.NewUsageSnapshot(policy, period), nil
}

func limitStatus(policy *models.UsagePolicy, snap models.UsageSnapshot) LimitStatus {
	remaining := snap.RemainingIncluded()
	canProceed := !snap.Blocked()
	if policy.Policy == models.OveragePolicyBlock && !remaining.IsPositive() {
		canProceed = false
	}
	return LimitStatus{
		CanProceed:        canProceed,
		RemainingIncluded: remaining,
		Policy:            policy.Policy,
		UsagePercent:      snap.UsagePercent(),
		Snapshot:          snap,
	}
}

// CheckLimit evaluates whether the tenant may consume more. It never writes.
func (l *Ledger) CheckLimit(ctx context.Context, tenantId string) (*LimitStatus, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "usage.CheckLimit")
	defer span.End()

	policy, snap, err := l.snapshot(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	status := limitStatus(policy, snap)
	return &status, nil
}

// EnsureCanProceed is CheckLimit as an error: an admin block yields
// models.ErrBlocked, an exhausted allotment or reached cap yields
// models.ErrLimitExceeded, both wrapped in a *models.UsageLimitError.
func (l *Ledger) EnsureCanProceed(ctx context.Context, tenantId string) (*LimitStatus, error) {
	status, err := l.CheckLimit(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	if status.CanProceed {
		return status, nil
	}
	cause := models.ErrLimitExceeded
	if status.Snapshot.AdminBlocked {
		cause = models.ErrBlocked
	}
	return status, &models.UsageLimitError{Err: cause, Snapshot: status.Snapshot}
}

// RecordUsage applies amount for sourceEventId. Replaying an event returns the
// original split with Duplicate set and changes nothing.
func (l *Ledger) RecordUsage(ctx context.Context, tenantId, sourceEventId string, amount decimal.Decimal) (*UsageResult, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	sourceEventId = strings.TrimSpace(sourceEventId)
	if sourceEventId == "" || len(sourceEventId) > 255 {
		return nil, models.ValidationError{Field: "source_event_id", Message: "is required and at most 255 characters"}
	}
	if !amount.IsPositive() {
		return nil, models.ValidationError{Field: "amount", Message: "must be greater than 0"}
	}

	ctx, span := tracer.Start(ctx, "usage.RecordUsage")
	span.SetAttributes(attribute.String("tenant_id", tenantId), attribute.String("source_event_id", sourceEventId))
	defer span.End()
	defer metrics.ObserveSince("usage", "record", time.Now())

	var (
		result      UsageResult
		policyKind  models.OveragePolicy
		newlyBlock  models.BlockReason
		now         = l.Now()
		start, end  = periodBounds(now)
		publishable *UsageAlert
	)
	err := store.RetrySerializable(ctx, store.DefaultSerializationRetries, func() error {
		result, newlyBlock, publishable = UsageResult{}, models.BlockReasonNone, nil
		return l.store.RunUsageTx(ctx, tenantId, func(tx store.UsageTx) error {
			policy, err := tx.Policy()
			if err != nil {
				return err
			}
			policyKind = policy.Policy
			period, err := tx.Period(start, end)
			if err != nil {
				return err
			}

			if prior, err := tx.FindTransaction(sourceEventId); err == nil {
				result = UsageResult{
					TransactionId:         prior.ID,
					IncludedApplied:       prior.IncludedApplied,
					OverageApplied:        prior.OverageApplied,
					ChargeIncurred:        prior.Charge,
					AlertThresholdCrossed: prior.AlertThreshold,
					Duplicate:             true,
				}
				snap := models.NewUsageSnapshot(policy, period)
				result.Blocked = snap.Blocked()
				result.Snapshot = snap
				return nil
			} else if !errors.Is(err, models.ErrNotFound) {
				return err
			}

			a := allocate(policy, period, amount)
			period.IncludedUsed = period.IncludedUsed.Add(a.IncludedApplied)
			period.OverageUsed = period.OverageUsed.Add(a.OverageApplied)
			period.OverageCharge = period.OverageCharge.Add(a.Charge)
			if a.Block != models.BlockReasonNone && !period.IsBlocked {
				period.Block(a.Block)
				newlyBlock = a.Block
			}
			period.UpdatedAt = now

			snap := models.NewUsageSnapshot(policy, period)
			var alertAt *int
			if t := crossedThreshold(policy.Thresholds(), period.LastAlertThreshold, snap.TotalUsed(), snap.IncludedUnits); t > 0 {
				period.LastAlertThreshold = t
				alertAt = &t
				snap.LastAlertThreshold = t
			}

			txn := &models.UsageTransaction{
				ID:              uuid.NewString(),
				PeriodId:        period.ID,
				TenantId:        tenantId,
				SourceEventId:   sourceEventId,
				Amount:          amount,
				IncludedApplied: a.IncludedApplied,
				OverageApplied:  a.OverageApplied,
				IsOverage:       a.OverageApplied.IsPositive(),
				Charge:          a.Charge,
				AlertThreshold:  alertAt,
				CreatedAt:       now,
			}
			if err := tx.InsertTransaction(txn); err != nil {
				return err
			}
			if err := tx.SavePeriod(period); err != nil {
				return err
			}

			result = UsageResult{
				TransactionId:         txn.ID,
				IncludedApplied:       a.IncludedApplied,
				OverageApplied:        a.OverageApplied,
				ChargeIncurred:        a.Charge,
				AlertThresholdCrossed: alertAt,
				Blocked:               snap.Blocked(),
				Snapshot:              snap,
			}
			if alertAt != nil {
				publishable = &UsageAlert{
					TenantId:      tenantId,
					Threshold:     *alertAt,
					UsagePercent:  snap.UsagePercent(),
					SourceEventId: sourceEventId,
					Snapshot:      snap,
					At:            now,
				}
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if result.Duplicate {
		metrics.UsageRecorded.WithLabelValues(string(policyKind), "duplicate").Inc()
		return &result, nil
	}
	outcome := "included"
	if result.OverageApplied.IsPositive() {
		outcome = "overage"
	}
	metrics.UsageRecorded.WithLabelValues(string(policyKind), outcome).Inc()

	logger := l.logger.WithFields(utils.LogFields(ctx)).WithFields(logrus.Fields{
		"field":           "UsageLedger",
		"tenant_id":       tenantId,
		"source_event_id": sourceEventId,
	})
	if newlyBlock != models.BlockReasonNone {
		metrics.UsageRecorded.WithLabelValues(string(policyKind), "blocked").Inc()
		logger.WithField("block_reason", newlyBlock).Warn("tenant blocked for the current period")
	}
	if publishable != nil {
		metrics.UsageAlerts.WithLabelValues(strconv.Itoa(publishable.Threshold)).Inc()
		if err := l.publisher.PublishUsageAlert(ctx, *publishable); err != nil {
			// The usage is committed; a lost alert must not fail the call.
			logger.Error("publish usage alert: " + err.Error())
		}
	}
	return &result, nil
}

// UpdatePolicy replaces the tenant's metering policy and bumps its version.
// Blocks the ledger set for limit or overage cap are lifted when the new
// policy no longer implies them; admin blocks are left alone.
func (l *Ledger) UpdatePolicy(ctx context.Context, tenantId string, update PolicyUpdate) (*models.UsagePolicy, error) {
	if err := utils.RequireAdminScope(ctx, tenantId); err != nil {
		return nil, err
	}
	if err := update.validate(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "usage.UpdatePolicy")
	defer span.End()

	var (
		out      *models.UsagePolicy
		released bool
	)
	now := l.Now()
	start, end := periodBounds(now)
	err := store.RetrySerializable(ctx, store.DefaultSerializationRetries, func() error {
		released = false
		return l.store.RunUsageTx(ctx, tenantId, func(tx store.UsageTx) error {
			old, err := tx.Policy()
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return err
			}
			next := &models.UsagePolicy{TenantId: tenantId, CreatedAt: now}
			if old != nil {
				cp := *old
				next = &cp
			}
			if update.ExpectedVersion > 0 && next.Version != update.ExpectedVersion {
				return fmt.Errorf("%w: policy is at version %d, not %d", models.ErrConflict, next.Version, update.ExpectedVersion)
			}
			next.Version++
			next.Policy = update.Policy
			next.IncludedUnits = update.IncludedUnits
			next.OverageUnitPrice = update.OverageUnitPrice
			next.OverageCap = update.OverageCap
			next.AlertThresholds = append([]int(nil), update.AlertThresholds...)
			next.UpdatedAt = now
			if err := tx.SavePolicy(next); err != nil {
				return err
			}

			period, err := tx.Period(start, end)
			if err != nil {
				return err
			}
			if releasesBlock(old, next, period) {
				period.Unblock()
				period.UpdatedAt = now
				if err := tx.SavePeriod(period); err != nil {
					return err
				}
				released = true
			}
			out = next
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{
		"field":         "UsageLedger",
		"tenant_id":     tenantId,
		"policy":        out.Policy,
		"version":       out.Version,
		"block_cleared": released,
	}).Info("usage policy updated")
	return out, nil
}

// SetAdminBlock sets or clears the administrative block, which outranks any
// allotment and survives policy updates.
func (l *Ledger) SetAdminBlock(ctx context.Context, tenantId string, blocked bool, reason string) (*models.UsagePolicy, error) {
	if err := utils.RequireAdminScope(ctx, tenantId); err != nil {
		return nil, err
	}
	var out *models.UsagePolicy
	now := l.Now()
	err := store.RetrySerializable(ctx, store.DefaultSerializationRetries, func() error {
		return l.store.RunUsageTx(ctx, tenantId, func(tx store.UsageTx) error {
			policy, err := tx.Policy()
			if err != nil {
				return err
			}
			policy.AdminBlocked = blocked
			policy.AdminBlockReason = ""
			if blocked {
				policy.AdminBlockReason = strings.TrimSpace(reason)
			}
			policy.Version++
			policy.UpdatedAt = now
			if err := tx.SavePolicy(policy); err != nil {
				return err
			}
			out = policy
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{
		"field":     "UsageLedger",
		"tenant_id": tenantId,
		"blocked":   blocked,
	}).Info("admin block updated")
	return out, nil
}

func (l *Ledger) GetPolicy(ctx context.Context, tenantId string) (*models.UsagePolicy, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	return l.store.GetUsagePolicy(ctx, tenantId)
}

// ListTransactions returns the audit trail of the period starting at
// periodStart, or of the current period when periodStart is zero.
func (l *Ledger) ListTransactions(ctx context.Context, tenantId string, periodStart time.Time) ([]models.UsageTransaction, error) {
	if err := utils.RequireTenantScope(ctx, tenantId); err != nil {
		return nil, err
	}
	if periodStart.IsZero() {
		periodStart = l.Now()
	}
	start, _ := periodBounds(periodStart)
	period, err := l.store.GetUsagePeriod(ctx, tenantId, start)
	if errors.Is(err, models.ErrNotFound) {
		return []models.UsageTransaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	txns, err := l.store.ListUsageTransactions(ctx, tenantId, period.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(txns, func(i, j int) bool { return txns[i].CreatedAt.Before(txns[j].CreatedAt) })
	return txns, nil
}
