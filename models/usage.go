package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OveragePolicy string

const (
	OveragePolicyBlock      OveragePolicy = "block"
	OveragePolicyCharge     OveragePolicy = "charge"
	OveragePolicyNotifyOnly OveragePolicy = "notify_only"
)

func (p OveragePolicy) IsValid() bool {
	switch p {
	case OveragePolicyBlock, OveragePolicyCharge, OveragePolicyNotifyOnly:
		return true
	}
	return false
}

type BlockReason string

const (
	BlockReasonNone       BlockReason = ""
	BlockReasonLimit      BlockReason = "limit"
	BlockReasonOverageCap BlockReason = "overage_cap"
)

var DefaultAlertThresholds = []int{70, 85, 95, 100}

// UsagePolicy is the versioned per-tenant metering configuration.
// It is re-read at the start of every ledger operation.
type UsagePolicy struct {
	TenantId         string                   `gorm:"primary_key;size:64" json:"tenant_id"`
	Version          int                      `gorm:"not null;default:1" json:"version"`
	IncludedUnits    decimal.Decimal          `gorm:"type:decimal(20,4);default:0" json:"included_units"`
	Policy           OveragePolicy            `gorm:"size:20;not null" json:"policy"`
	OverageUnitPrice decimal.Decimal          `gorm:"type:decimal(20,4);default:0" json:"overage_unit_price"`
	OverageCap       decimal.Decimal          `gorm:"type:decimal(20,4);default:0" json:"overage_cap"`
	AlertThresholds  datatypes.JSONSlice[int] `json:"alert_thresholds"`
	AdminBlocked     bool                     `gorm:"not null;default:false" json:"admin_blocked"`
	AdminBlockReason string                   `gorm:"size:255" json:"admin_block_reason,omitempty"`
	CreatedAt        time.Time                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *UsagePolicy) Thresholds() []int {
	if len(p.AlertThresholds) == 0 {
		return DefaultAlertThresholds
	}
	return p.AlertThresholds
}

// UsagePeriod accumulates one tenant's consumption for one billing period.
// Unique constraint: (tenant_id, period_start).
type UsagePeriod struct {
	ID                 string          `gorm:"primary_key;size:36" json:"id"`
	TenantId           string          `gorm:"size:64;not null;index:uniq_usage_period,unique" json:"tenant_id"`
	PeriodStart        time.Time       `gorm:"not null;index:uniq_usage_period,unique" json:"period_start"`
	PeriodEnd          time.Time       `gorm:"not null" json:"period_end"`
	IncludedUsed       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"included_used"`
	OverageUsed        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"overage_used"`
	OverageCharge      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"overage_charge"`
	IsBlocked          bool            `gorm:"not null;default:false" json:"is_blocked"`
	BlockReason        BlockReason     `gorm:"size:20" json:"block_reason,omitempty"`
	LastAlertThreshold int             `gorm:"not null;default:0" json:"last_alert_threshold"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *UsagePeriod) Block(reason BlockReason) {
	p.IsBlocked = true
	p.BlockReason = reason
}

func (p *UsagePeriod) Unblock() {
	p.IsBlocked = false
	p.BlockReason = BlockReasonNone
}

// UsageTransaction is the immutable record of one usage event.
// Unique constraint: (tenant_id, source_event_id).
type UsageTransaction struct {
	ID              string          `gorm:"primary_key;size:36" json:"id"`
	PeriodId        string          `gorm:"size:36;not null;index" json:"period_id"`
	TenantId        string          `gorm:"size:64;not null;index:uniq_usage_event,unique" json:"tenant_id"`
	SourceEventId   string          `gorm:"size:255;not null;index:uniq_usage_event,unique" json:"source_event_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	IncludedApplied decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"included_applied"`
	OverageApplied  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"overage_applied"`
	IsOverage       bool            `gorm:"not null;default:false" json:"is_overage"`
	Charge          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"charge"`
	AlertThreshold  *int            `json:"alert_threshold"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// UsageSnapshot is a point-in-time view of a tenant's usage in the current period.
type UsageSnapshot struct {
	TenantId           string          `json:"tenant_id"`
	PolicyVersion      int             `json:"policy_version"`
	Policy             OveragePolicy   `json:"policy"`
	PeriodStart        time.Time       `json:"period_start"`
	PeriodEnd          time.Time       `json:"period_end"`
	IncludedUnits      decimal.Decimal `json:"included_units"`
	IncludedUsed       decimal.Decimal `json:"included_used"`
	OverageUsed        decimal.Decimal `json:"overage_used"`
	OverageCharge      decimal.Decimal `json:"overage_charge"`
	OverageCap         decimal.Decimal `json:"overage_cap"`
	IsBlocked          bool            `json:"is_blocked"`
	BlockReason        BlockReason     `json:"block_reason,omitempty"`
	AdminBlocked       bool            `json:"admin_blocked"`
	LastAlertThreshold int             `json:"last_alert_threshold"`
}

func NewUsageSnapshot(policy *UsagePolicy, period *UsagePeriod) UsageSnapshot {
	return UsageSnapshot{
		TenantId:           policy.TenantId,
		PolicyVersion:      policy.Version,
		Policy:             policy.Policy,
		PeriodStart:        period.PeriodStart,
		PeriodEnd:          period.PeriodEnd,
		IncludedUnits:      policy.IncludedUnits,
		IncludedUsed:       period.IncludedUsed,
		OverageUsed:        period.OverageUsed,
		OverageCharge:      period.OverageCharge,
		OverageCap:         policy.OverageCap,
		IsBlocked:          period.IsBlocked,
		BlockReason:        period.BlockReason,
		AdminBlocked:       policy.AdminBlocked,
		LastAlertThreshold: period.LastAlertThreshold,
	}
}

func (s UsageSnapshot) TotalUsed() decimal.Decimal {
	return s.IncludedUsed.Add(s.OverageUsed)
}

func (s UsageSnapshot) RemainingIncluded() decimal.Decimal {
	r := s.IncludedUnits.Sub(s.IncludedUsed)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// UsagePercent is total usage over the included allotment. With no allotment,
// any usage counts as 100%.
func (s UsageSnapshot) UsagePercent() decimal.Decimal {
	total := s.TotalUsed()
	if !s.IncludedUnits.IsPositive() {
		if total.IsPositive() {
			return decimal.NewFromInt(100)
		}
		return decimal.Zero
	}
	return total.Div(s.IncludedUnits).Mul(decimal.NewFromInt(100)).Round(2)
}

// Blocked reports whether either the admin or the period has stopped usage.
func (s UsageSnapshot) Blocked() bool {
	return s.AdminBlocked || s.IsBlocked
}
