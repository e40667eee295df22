package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/telcobss/meterbill/pkg/db/pagination"
)

type CreateRequest struct {
	ModelName     string          `json:"modelName"`
	ResourceType  string          `json:"resourceType"`
	CustomerID    *string         `json:"customerId"`
	BillingPeriod BillingPeriod   `json:"billingPeriod"`
	BaseCost      decimal.Decimal `json:"baseCost"`
	OverageRate   decimal.Decimal `json:"overageRate"`
	IncludedUsage decimal.Decimal `json:"includedUsage"`
	Currency      string          `json:"currency"`
	Active        *bool           `json:"active"`
}

type UpdateRequest struct {
	ID            string           `json:"id"`
	ModelName     *string          `json:"modelName"`
	BillingPeriod *BillingPeriod   `json:"billingPeriod"`
	BaseCost      *decimal.Decimal `json:"baseCost"`
	OverageRate   *decimal.Decimal `json:"overageRate"`
	IncludedUsage *decimal.Decimal `json:"includedUsage"`
	Currency      *string          `json:"currency"`
	Active        *bool            `json:"active"`
}

type ListRequest struct {
	ResourceType string
	CustomerID   string
	ActiveOnly   bool
	Page         pagination.Params
}

type Service interface {
	Create(context.Context, CreateRequest) (*CostModel, error)
	Update(context.Context, UpdateRequest) (*CostModel, error)
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*CostModel, error)
	List(context.Context, ListRequest) (pagination.Page[CostModel], error)

	// ResolveActive picks the model rating should apply for a customer and
	// resource type: a customer-scoped override first, then the global model.
	ResolveActive(ctx context.Context, customerID, resourceType string) (*CostModel, error)
}

var (
	ErrModelNotFound       = errors.New("cost_model_not_found")
	ErrDuplicateModelName  = errors.New("duplicate_model_name")
	ErrInvalidModelName    = errors.New("invalid_model_name")
	ErrInvalidResourceType = errors.New("invalid_resource_type")
	ErrInvalidPeriod       = errors.New("invalid_billing_period")
	ErrInvalidBaseCost     = errors.New("invalid_base_cost")
	ErrInvalidOverageRate  = errors.New("invalid_overage_rate")
	ErrInvalidIncluded     = errors.New("invalid_included_usage")
	ErrInvalidCurrency     = errors.New("invalid_currency")
)
