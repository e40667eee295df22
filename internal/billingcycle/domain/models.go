// Package domain contains the billing cycle model and its state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CycleStatus is the lifecycle state of a billing cycle.
type CycleStatus string

const (
	StatusPending    CycleStatus = "PENDING"
	StatusScheduled  CycleStatus = "SCHEDULED"
	StatusProcessing CycleStatus = "PROCESSING"
	StatusCompleted  CycleStatus = "COMPLETED"
	StatusFailed     CycleStatus = "FAILED"
	StatusCancelled  CycleStatus = "CANCELLED"
)

// ValidStatus reports whether the value is a known cycle status.
func ValidStatus(value CycleStatus) bool {
	switch value {
	case StatusPending, StatusScheduled, StatusProcessing,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a cycle in this status can never move again.
// FAILED is not terminal: a failed cycle may be reprocessed.
func (s CycleStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AllowedTransitions is the closed transition table of the cycle state
// machine. Everything not listed here is rejected with ErrInvalidTransition.
func AllowedTransitions() map[CycleStatus][]CycleStatus {
	return map[CycleStatus][]CycleStatus{
		StatusPending:    {StatusScheduled, StatusCancelled},
		StatusScheduled:  {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusCompleted, StatusFailed},
		StatusFailed:     {StatusProcessing},
	}
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to CycleStatus) bool {
	for _, next := range AllowedTransitions()[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata keys recorded on a cycle during processing.
const (
	MetaDeferredRecordIDs = "deferredRecordIds"
	MetaUnratedRecordIDs  = "unratedRecordIds"
	MetaFailureReason     = "failureReason"
)

// BillingCycle is one billing period for a customer. Cycles are contiguous
// and non-overlapping per customer, and at most one may be PROCESSING at a
// time.
type BillingCycle struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	CustomerID     string            `gorm:"type:text;not null;uniqueIndex:ux_cycle_number,priority:1;index" json:"customerId"`
	CycleNumber    int64             `gorm:"not null;uniqueIndex:ux_cycle_number,priority:2" json:"cycleNumber"`
	StartDate      time.Time         `gorm:"not null" json:"startDate"`
	EndDate        time.Time         `gorm:"not null" json:"endDate"`
	DueDate        *time.Time        `json:"dueDate,omitempty"`
	Status         CycleStatus       `gorm:"type:text;not null;index" json:"status"`
	TotalUsage     decimal.Decimal   `gorm:"type:numeric;not null" json:"totalUsage"`
	TotalCost      decimal.Decimal   `gorm:"type:numeric;not null" json:"totalCost"`
	TotalRatedCost decimal.Decimal   `gorm:"type:numeric;not null" json:"totalRatedCost"`
	Currency       string            `gorm:"type:text;not null" json:"currency"`
	InvoiceID      *string           `gorm:"type:text" json:"invoiceId,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (BillingCycle) TableName() string { return "billing_cycles" }
