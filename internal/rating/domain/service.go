package domain

import (
	"context"
	"errors"

	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
)

type Service interface {
	// RateRecord rates one PENDING usage record. Rating an already-rated
	// record returns it unchanged.
	RateRecord(ctx context.Context, recordID string) (*usagedomain.UsageRecord, error)

	// SweepPending rates the oldest PENDING records in one batch and
	// returns how many were rated.
	SweepPending(ctx context.Context, batchSize int) (int, error)
}

var (
	ErrRecordNotFound = errors.New("usage_record_not_found")
	ErrNoCostModel    = errors.New("no_cost_model")
	ErrUnrateable     = errors.New("unrateable")
	ErrLeaseHeld      = errors.New("rating_lease_held")
)
