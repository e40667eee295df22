// Package domain contains the cost model catalog used by rating.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// BillingPeriod is the apportionment window for included usage and base cost.
type BillingPeriod string

const (
	PeriodHourly  BillingPeriod = "hourly"
	PeriodDaily   BillingPeriod = "daily"
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// ValidBillingPeriod reports whether the value is a known period.
func ValidBillingPeriod(value BillingPeriod) bool {
	switch value {
	case PeriodHourly, PeriodDaily, PeriodMonthly, PeriodYearly:
		return true
	}
	return false
}

// Start truncates t to the beginning of the period containing it.
func (p BillingPeriod) Start(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodYearly:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the period following the one starting at t.
func (p BillingPeriod) Next(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHourly:
		return t.Add(time.Hour)
	case PeriodDaily:
		return t.AddDate(0, 0, 1)
	case PeriodMonthly:
		return t.AddDate(0, 1, 0)
	case PeriodYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// CostModel prices one resource type. A model with a customer id is a
// customer-scoped override and beats the global model at resolution.
type CostModel struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	ModelName     string          `gorm:"type:text;not null;uniqueIndex" json:"modelName"`
	ResourceType  string          `gorm:"type:text;not null;index" json:"resourceType"`
	CustomerID    *string         `gorm:"type:text;index" json:"customerId,omitempty"`
	BillingPeriod BillingPeriod   `gorm:"type:text;not null" json:"billingPeriod"`
	BaseCost      decimal.Decimal `gorm:"type:numeric;not null" json:"baseCost"`
	OverageRate   decimal.Decimal `gorm:"type:numeric;not null" json:"overageRate"`
	IncludedUsage decimal.Decimal `gorm:"type:numeric;not null" json:"includedUsage"`
	Currency      string          `gorm:"type:text;not null" json:"currency"`
	Active        bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (CostModel) TableName() string { return "cost_models" }

// HasAllowance reports whether the model distinguishes included from billable
// usage. Models without an allowance rate everything as the generic RATED.
func (m CostModel) HasAllowance() bool {
	return m.IncludedUsage.IsPositive()
}
