package domain

import (
	"context"
	"errors"
	"time"

	"github.com/telcobss/meterbill/pkg/db/pagination"
)

type CreateRequest struct {
	CustomerID string     `json:"customerId"`
	StartDate  time.Time  `json:"startDate"`
	EndDate    time.Time  `json:"endDate"`
	DueDate    *time.Time `json:"dueDate"`
	Currency   string     `json:"currency"`
}

type ListRequest struct {
	CustomerID string
	Status     CycleStatus
	Page       pagination.Params
}

type Service interface {
	Create(context.Context, CreateRequest) (*BillingCycle, error)

	// Schedule moves PENDING to SCHEDULED, defaulting the due date to the
	// end date plus the configured payment terms.
	Schedule(ctx context.Context, id string) (*BillingCycle, error)

	// StartProcessing moves SCHEDULED (or FAILED, on retry) to PROCESSING.
	// At most one cycle per customer may be PROCESSING; losers get
	// ErrCycleConflict.
	StartProcessing(ctx context.Context, id string) (*BillingCycle, error)

	// Process runs the full close workflow: StartProcessing, aggregate
	// rated usage in [startDate, endDate), retry stragglers within the
	// grace period, then Complete or fail. Processing failures are
	// recorded on the cycle, not returned as errors.
	Process(ctx context.Context, id string) (*BillingCycle, error)

	// Complete moves PROCESSING to COMPLETED and records the invoice id.
	// Completing an already-COMPLETED cycle returns the stored result.
	Complete(ctx context.Context, id string) (*BillingCycle, error)

	Cancel(ctx context.Context, id string) (*BillingCycle, error)
	GetByID(ctx context.Context, id string) (*BillingCycle, error)
	List(context.Context, ListRequest) (pagination.Page[BillingCycle], error)
}

var (
	ErrCycleNotFound      = errors.New("billing_cycle_not_found")
	ErrCycleConflict      = errors.New("billing_cycle_conflict")
	ErrInvalidTransition  = errors.New("invalid_cycle_transition")
	ErrInvalidCustomer    = errors.New("invalid_customer_id")
	ErrInvalidDates       = errors.New("invalid_cycle_dates")
	ErrCycleNotContiguous = errors.New("cycle_not_contiguous")
	ErrInvoiceGeneration  = errors.New("invoice_generation_failed")
)
