package usage

import (
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/shopspring/decimal"
)

// allocation is how one usage event splits over the period.
type allocation struct {
	IncludedApplied decimal.Decimal
	OverageApplied  decimal.Decimal
	Charge          decimal.Decimal
	// Block is set when this event should leave the period blocked.
	Block models.BlockReason
}

// allocate applies amount against the remaining included allotment first and
// the rest as overage. Under charge, the overage charge is clamped to what is
// left under the cap, and reaching the cap blocks the period.
func allocate(policy *models.UsagePolicy, period *models.UsagePeriod, amount decimal.Decimal) allocation {
	remaining := policy.IncludedUnits.Sub(period.IncludedUsed)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	a := allocation{
		IncludedApplied: decimal.Min(amount, remaining),
		Charge:          decimal.Zero,
	}
	a.OverageApplied = amount.Sub(a.IncludedApplied)

	switch policy.Policy {
	case models.OveragePolicyCharge:
		if !a.OverageApplied.IsPositive() {
			break
		}
		room := policy.OverageCap.Sub(period.OverageCharge)
		if room.IsNegative() {
			room = decimal.Zero
		}
		a.Charge = decimal.Min(a.OverageApplied.Mul(policy.OverageUnitPrice), room)
		if !period.OverageCharge.Add(a.Charge).LessThan(policy.OverageCap) {
			a.Block = models.BlockReasonOverageCap
		}
	case models.OveragePolicyBlock:
		if !period.IncludedUsed.Add(a.IncludedApplied).LessThan(policy.IncludedUnits) {
			a.Block = models.BlockReasonLimit
		}
	}
	return a
}

// crossedThreshold returns the highest threshold above last that used has
// reached, or 0. The comparison is exact (used*100 >= t*included); the
// rounded percentage is for display only. With no allotment any usage
// reaches every threshold up to 100.
func crossedThreshold(thresholds []int, last int, used, included decimal.Decimal) int {
	hundred := decimal.NewFromInt(100)
	reached := func(t int) bool {
		if !included.IsPositive() {
			return used.IsPositive() && t <= 100
		}
		return used.Mul(hundred).GreaterThanOrEqual(included.Mul(decimal.NewFromInt(int64(t))))
	}
	crossed := 0
	for _, t := range thresholds {
		if t > last && t > crossed && reached(t) {
			crossed = t
		}
	}
	return crossed
}

// periodBounds returns the UTC calendar month containing t.
func periodBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// releasesBlock reports whether moving from old to next lifts the period's
// block. Only blocks the ledger itself set are considered; admin blocks live on
// the policy and are never touched here.
func releasesBlock(old, next *models.UsagePolicy, period *models.UsagePeriod) bool {
	if !period.IsBlocked {
		return false
	}
	switch period.BlockReason {
	case models.BlockReasonLimit, models.BlockReasonOverageCap:
	default:
		return false
	}
	if old != nil && old.Policy == models.OveragePolicyBlock && next.Policy != models.OveragePolicyBlock {
		return true
	}
	if period.BlockReason == models.BlockReasonLimit {
		return next.Policy != models.OveragePolicyBlock || next.IncludedUnits.GreaterThan(period.IncludedUsed)
	}
	return next.Policy != models.OveragePolicyCharge || next.OverageCap.GreaterThan(period.OverageCharge)
}
