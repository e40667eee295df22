// Package domain contains cost forecast projections.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	"github.com/telcobss/meterbill/pkg/db/pagination"
)

type ForecastModel string

const (
	ModelLinearRegression ForecastModel = "LINEAR_REGRESSION"
	ModelMovingAverage    ForecastModel = "MOVING_AVERAGE"
)

// ValidForecastModel reports whether the value is a known model.
func ValidForecastModel(value ForecastModel) bool {
	return value == ModelLinearRegression || value == ModelMovingAverage
}

type TrendDirection string

const (
	TrendIncreasing TrendDirection = "INCREASING"
	TrendDecreasing TrendDirection = "DECREASING"
	TrendStable     TrendDirection = "STABLE"
)

// CostForecast is one projected billing period for a customer and resource
// type, with a confidence band around the prediction.
type CostForecast struct {
	ID              snowflake.ID                  `gorm:"primaryKey" json:"id"`
	CustomerID      string                        `gorm:"type:text;not null;index" json:"customerId"`
	ResourceType    string                        `gorm:"type:text;not null;index" json:"resourceType"`
	BillingPeriod   costmodeldomain.BillingPeriod `gorm:"type:text;not null" json:"billingPeriod"`
	PeriodStart     time.Time                     `gorm:"not null;index" json:"periodStart"`
	PeriodEnd       time.Time                     `gorm:"not null" json:"periodEnd"`
	PredictedCost   decimal.Decimal               `gorm:"type:numeric;not null" json:"predictedCost"`
	LowerBound      decimal.Decimal               `gorm:"type:numeric;not null" json:"lowerBound"`
	UpperBound      decimal.Decimal               `gorm:"type:numeric;not null" json:"upperBound"`
	Currency        string                        `gorm:"type:text;not null" json:"currency"`
	TrendDirection  TrendDirection                `gorm:"type:text;not null" json:"trendDirection"`
	ConfidenceLevel float64                       `gorm:"not null" json:"confidenceLevel"`
	ForecastModel   ForecastModel                 `gorm:"type:text;not null" json:"forecastModel"`
	CreatedAt       time.Time                     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt       time.Time                     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (CostForecast) TableName() string { return "cost_forecasts" }

type GenerateRequest struct {
	CustomerID       string                        `json:"customerId"`
	ResourceType     string                        `json:"resourceType"`
	BillingPeriod    costmodeldomain.BillingPeriod `json:"billingPeriod"`
	ForecastStart    time.Time                     `json:"forecastStartDate"`
	ForecastEnd      time.Time                     `json:"forecastEndDate"`
	HistoricalMonths int                           `json:"historicalMonths"`
	Model            ForecastModel                 `json:"forecastModel"`
}

type ListRequest struct {
	CustomerID   string
	ResourceType string
	Model        ForecastModel
	PeriodStart  *time.Time
	Page         pagination.Params
}

type Service interface {
	// Generate projects one forecast per billing period over the window,
	// fitted on FINAL cost calculations in the lookback range. Fewer than
	// two historical points degrades to a single flat low-confidence
	// forecast, never an error.
	Generate(context.Context, GenerateRequest) ([]CostForecast, error)

	GetByID(ctx context.Context, id string) (*CostForecast, error)
	List(context.Context, ListRequest) (pagination.Page[CostForecast], error)
}

var (
	ErrForecastNotFound    = errors.New("cost_forecast_not_found")
	ErrInvalidCustomer     = errors.New("invalid_customer_id")
	ErrInvalidResourceType = errors.New("invalid_resource_type")
	ErrInvalidPeriod       = errors.New("invalid_billing_period")
	ErrInvalidWindow       = errors.New("invalid_forecast_window")
	ErrUnknownModel        = errors.New("unknown_forecast_model")
)
