package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/telcobss/meterbill/pkg/db/pagination"
)

type IngestRequest struct {
	CustomerID     string          `json:"customerId"`
	SubscriptionID *string         `json:"subscriptionId"`
	UsageType      UsageType       `json:"usageType"`
	UsageAmount    decimal.Decimal `json:"usageAmount"`
	Unit           string          `json:"unit"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         string          `json:"source"`
	Destination    *string         `json:"destination"`
	Currency       string          `json:"currency"`
	Metadata       map[string]any  `json:"metadata"`
}

type ListUsageRequest struct {
	CustomerID     string
	SubscriptionID string
	UsageType      string
	Unrated        *bool
	Page           pagination.Params
}

type Service interface {
	Ingest(context.Context, IngestRequest) (*UsageRecord, error)
	List(context.Context, ListUsageRequest) (pagination.Page[UsageRecord], error)
	GetByID(ctx context.Context, id string) (*UsageRecord, error)
}

var (
	ErrInvalidCustomer   = errors.New("invalid_customer")
	ErrInvalidUsageType  = errors.New("invalid_usage_type")
	ErrInvalidAmount     = errors.New("invalid_usage_amount")
	ErrInvalidUnit       = errors.New("invalid_unit")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrInvalidTimestamp  = errors.New("invalid_timestamp")
	ErrTimestampInFuture = errors.New("timestamp_in_future")
	ErrInvalidSource     = errors.New("invalid_source")
	ErrRecordNotFound    = errors.New("usage_record_not_found")
)
