// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageType classifies the metered telecom activity.
type UsageType string

const (
	UsageTypeVoice   UsageType = "VOICE"
	UsageTypeSMS     UsageType = "SMS"
	UsageTypeData    UsageType = "DATA"
	UsageTypeService UsageType = "SERVICE"
)

// ValidUsageType reports whether the value is a known usage type.
func ValidUsageType(value UsageType) bool {
	switch value {
	case UsageTypeVoice, UsageTypeSMS, UsageTypeData, UsageTypeService:
		return true
	}
	return false
}

// RatingStatus tracks a record through the rating lifecycle.
type RatingStatus string

const (
	RatingStatusPending   RatingStatus = "PENDING"
	RatingStatusProcessed RatingStatus = "PROCESSED"
	RatingStatusRated     RatingStatus = "RATED"
	RatingStatusBillable  RatingStatus = "BILLABLE"
	RatingStatusIncluded  RatingStatus = "INCLUDED"
)

// Terminal reports whether the status means the record has been rated.
func (s RatingStatus) Terminal() bool {
	switch s {
	case RatingStatusRated, RatingStatusBillable, RatingStatusIncluded:
		return true
	}
	return false
}

// UsageRecord stores a single unit of metered activity. Records are
// append-only: rating mutates them exactly once, nothing deletes them.
type UsageRecord struct {
	ID             snowflake.ID        `gorm:"primaryKey" json:"id"`
	CustomerID     string              `gorm:"type:text;not null;uniqueIndex:ux_usage_dedup,priority:2" json:"customerId"`
	SubscriptionID *string             `gorm:"type:text" json:"subscriptionId,omitempty"`
	UsageType      UsageType           `gorm:"type:text;not null;uniqueIndex:ux_usage_dedup,priority:4" json:"usageType"`
	UsageAmount    decimal.Decimal     `gorm:"type:numeric;not null" json:"usageAmount"`
	Unit           string              `gorm:"type:text;not null" json:"unit"`
	Timestamp      time.Time           `gorm:"not null;uniqueIndex:ux_usage_dedup,priority:3" json:"timestamp"`
	Source         string              `gorm:"type:text;not null;uniqueIndex:ux_usage_dedup,priority:1" json:"source"`
	Destination    *string             `gorm:"type:text" json:"destination,omitempty"`
	IsRated        bool                `gorm:"not null;default:false" json:"isRated"`
	RatingStatus   RatingStatus        `gorm:"type:text;not null" json:"ratingStatus"`
	RatedAmount    decimal.NullDecimal `gorm:"type:numeric" json:"ratedAmount,omitempty"`
	Currency       string              `gorm:"type:text;not null" json:"currency"`
	Cost           decimal.NullDecimal `gorm:"type:numeric" json:"cost,omitempty"`
	RatingError    *string             `gorm:"type:text" json:"ratingError,omitempty"`
	Metadata       datatypes.JSONMap   `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt      time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
