// Package domain contains the invoice emitted when a billing cycle closes.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
)

type InvoiceStatus string

const (
	StatusIssued InvoiceStatus = "ISSUED"
)

// Invoice is the charge document for one completed billing cycle. One
// invoice per cycle, enforced by the unique index on cycle_id.
type Invoice struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	CycleID    snowflake.ID    `gorm:"not null;uniqueIndex" json:"cycleId"`
	CustomerID string          `gorm:"type:text;not null;index" json:"customerId"`
	Amount     decimal.Decimal `gorm:"type:numeric;not null" json:"amount"`
	Currency   string          `gorm:"type:text;not null" json:"currency"`
	Status     InvoiceStatus   `gorm:"type:text;not null" json:"status"`
	IssuedAt   time.Time       `gorm:"not null" json:"issuedAt"`
	CreatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

type Service interface {
	// GenerateForCycle issues the invoice for a cycle being completed and
	// returns its id. Generating twice for the same cycle returns the
	// existing invoice id.
	GenerateForCycle(ctx context.Context, cycle *billingcycledomain.BillingCycle) (string, error)

	GetByID(ctx context.Context, id string) (*Invoice, error)
}

var ErrInvoiceNotFound = errors.New("invoice_not_found")
