// Package domain contains the rating accumulator model and error codes.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// RatingErrorCode is recorded on a usage record when rating cannot proceed.
type RatingErrorCode string

const (
	RatingErrorNoCostModel RatingErrorCode = "NO_COST_MODEL"
	RatingErrorUnrateable  RatingErrorCode = "UNRATEABLE"
)

// UsagePeriodAccumulator is the running counter behind included-usage
// apportionment. One row per (customer, resource type, period start); all
// mutation happens under the period lease so concurrent rating cannot
// double-count the allowance or the base cost.
type UsagePeriodAccumulator struct {
	ID               snowflake.ID    `gorm:"primaryKey"`
	CustomerID       string          `gorm:"type:text;not null;uniqueIndex:ux_usage_period,priority:1"`
	ResourceType     string          `gorm:"type:text;not null;uniqueIndex:ux_usage_period,priority:2"`
	PeriodStart      time.Time       `gorm:"not null;uniqueIndex:ux_usage_period,priority:3"`
	ConsumedIncluded decimal.Decimal `gorm:"type:numeric;not null"`
	BaseCostApplied  bool            `gorm:"not null;default:false"`
	Currency         string          `gorm:"type:text;not null"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsagePeriodAccumulator) TableName() string { return "usage_period_accumulators" }
