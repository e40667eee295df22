// Package domain contains cost calculation snapshots served to monitoring.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
)

// CalculationStatus is the snapshot lifecycle. DRAFT recalculates freely;
// FINAL and INVOICED are frozen.
type CalculationStatus string

const (
	StatusDraft    CalculationStatus = "DRAFT"
	StatusFinal    CalculationStatus = "FINAL"
	StatusInvoiced CalculationStatus = "INVOICED"
)

// ValidStatus reports whether the value is a known calculation status.
func ValidStatus(value CalculationStatus) bool {
	switch value {
	case StatusDraft, StatusFinal, StatusInvoiced:
		return true
	}
	return false
}

// Frozen reports whether the snapshot may no longer be recalculated.
func (s CalculationStatus) Frozen() bool {
	return s == StatusFinal || s == StatusInvoiced
}

// CostCalculation is the cost breakdown for one customer, resource type and
// billing period window. One row per (customer, resourceType, periodStart).
type CostCalculation struct {
	ID            snowflake.ID                 `gorm:"primaryKey" json:"id"`
	CustomerID    string                       `gorm:"type:text;not null;uniqueIndex:ux_costcalc,priority:1" json:"customerId"`
	ResourceType  string                       `gorm:"type:text;not null;uniqueIndex:ux_costcalc,priority:2" json:"resourceType"`
	BillingPeriod costmodeldomain.BillingPeriod `gorm:"type:text;not null" json:"billingPeriod"`
	PeriodStart   time.Time                    `gorm:"not null;uniqueIndex:ux_costcalc,priority:3" json:"periodStart"`
	PeriodEnd     time.Time                    `gorm:"not null" json:"periodEnd"`
	TotalUsage    decimal.Decimal              `gorm:"type:numeric;not null" json:"totalUsage"`
	BaseCost      decimal.Decimal              `gorm:"type:numeric;not null" json:"baseCost"`
	OverageCost   decimal.Decimal              `gorm:"type:numeric;not null" json:"overageCost"`
	TotalCost     decimal.Decimal              `gorm:"type:numeric;not null" json:"totalCost"`
	Currency      string                       `gorm:"type:text;not null" json:"currency"`
	Status        CalculationStatus            `gorm:"type:text;not null;index" json:"status"`
	CreatedAt     time.Time                    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt     time.Time                    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (CostCalculation) TableName() string { return "cost_calculations" }
