package domain

import (
	"context"
	"errors"
	"time"

	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	"github.com/telcobss/meterbill/pkg/db/pagination"
)

type CalculateRequest struct {
	CustomerID    string                        `json:"customerId"`
	ResourceType  string                        `json:"resourceType"`
	BillingPeriod costmodeldomain.BillingPeriod `json:"billingPeriod"`
	PeriodStart   time.Time                     `json:"periodStart"`
}

type ListRequest struct {
	CustomerID   string
	ResourceType string
	Status       CalculationStatus
	Page         pagination.Params
}

type Service interface {
	// Calculate builds or refreshes the DRAFT snapshot for the window.
	// An existing FINAL or INVOICED snapshot for the same window is
	// returned untouched with ErrCalculationFrozen.
	Calculate(context.Context, CalculateRequest) (*CostCalculation, error)

	// Recalculate recomputes an existing DRAFT from current rated usage.
	Recalculate(ctx context.Context, id string) (*CostCalculation, error)

	// Finalize freezes a DRAFT as FINAL, making it forecast input.
	Finalize(ctx context.Context, id string) (*CostCalculation, error)

	// MarkInvoiced moves FINAL to INVOICED once billed.
	MarkInvoiced(ctx context.Context, id string) (*CostCalculation, error)

	GetByID(ctx context.Context, id string) (*CostCalculation, error)
	List(context.Context, ListRequest) (pagination.Page[CostCalculation], error)
}

var (
	ErrCalculationNotFound = errors.New("cost_calculation_not_found")
	ErrCalculationFrozen   = errors.New("cost_calculation_frozen")
	ErrInvalidCustomer     = errors.New("invalid_customer_id")
	ErrInvalidResourceType = errors.New("invalid_resource_type")
	ErrInvalidPeriod       = errors.New("invalid_billing_period")
	ErrInvalidPeriodStart  = errors.New("invalid_period_start")
	ErrInvalidStatus       = errors.New("invalid_calculation_status")
)
