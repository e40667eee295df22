package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/telcobss/meterbill/internal/clock"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	"github.com/telcobss/meterbill/internal/money"
	obsmetrics "github.com/telcobss/meterbill/internal/observability/metrics"
	ratingdomain "github.com/telcobss/meterbill/internal/rating/domain"
	"github.com/telcobss/meterbill/internal/ratelimit"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const leaseTTL = 30 * time.Second

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	CostModels costmodeldomain.Service
	Locker     *ratelimit.Locker     `optional:"true"`
	KeyedMutex *ratelimit.KeyedMutex `optional:"true"`
	Metrics    *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	costModels costmodeldomain.Service
	locker     *ratelimit.Locker
	keyed      *ratelimit.KeyedMutex
	metrics    *obsmetrics.Metrics
}

func NewService(p ServiceParam) ratingdomain.Service {
	keyed := p.KeyedMutex
	if keyed == nil {
		keyed = ratelimit.NewKeyedMutex()
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("rating.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		costModels: p.CostModels,
		locker:     p.Locker,
		keyed:      keyed,
		metrics:    p.Metrics,
	}
}

func (s *Service) RateRecord(ctx context.Context, recordID string) (*usagedomain.UsageRecord, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(recordID))
	if err != nil || id == 0 {
		return nil, ratingdomain.ErrRecordNotFound
	}

	record, err := s.loadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ratingdomain.ErrRecordNotFound
	}
	if record.IsRated {
		return record, nil
	}

	model, err := s.costModels.ResolveActive(ctx, record.CustomerID, string(record.UsageType))
	if err != nil {
		if errors.Is(err, costmodeldomain.ErrModelNotFound) {
			if markErr := s.markRatingError(ctx, record.ID, ratingdomain.RatingErrorNoCostModel); markErr != nil {
				return nil, markErr
			}
			s.recordOutcome(ctx, "no_cost_model")
			return nil, ratingdomain.ErrNoCostModel
		}
		return nil, err
	}

	periodStart := model.BillingPeriod.Start(record.Timestamp)

	release, err := s.acquireLease(ctx, record.CustomerID, string(record.UsageType), periodStart)
	if err != nil {
		return nil, err
	}
	defer release()

	rated, err := s.rateUnderLease(ctx, record, model, periodStart)
	if err != nil {
		return nil, err
	}
	s.recordOutcome(ctx, strings.ToLower(string(rated.RatingStatus)))
	return rated, nil
}

func (s *Service) SweepPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Where("is_rated = ?", false).
		Order("timestamp ASC").
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	rated := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return rated, ctx.Err()
		}
		if _, err := s.RateRecord(ctx, id.String()); err != nil {
			if errors.Is(err, ratingdomain.ErrNoCostModel) {
				continue
			}
			return rated, err
		}
		rated++
	}
	return rated, nil
}

// rateUnderLease applies the cost model against the period accumulator.
// Callers must hold the period lease.
func (s *Service) rateUnderLease(
	ctx context.Context,
	record *usagedomain.UsageRecord,
	model *costmodeldomain.CostModel,
	periodStart time.Time,
) (*usagedomain.UsageRecord, error) {
	now := s.clock.Now().UTC()
	var rated *usagedomain.UsageRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accum, err := s.lockAccumulator(ctx, tx, record.CustomerID, string(record.UsageType), periodStart, model.Currency)
		if err != nil {
			return err
		}

		amount := record.UsageAmount

		var covered, billable decimal.Decimal
		var status usagedomain.RatingStatus
		if model.HasAllowance() {
			remaining := model.IncludedUsage.Sub(accum.ConsumedIncluded)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			covered = decimal.Min(amount, remaining)
			billable = amount.Sub(covered)
			if billable.IsPositive() {
				status = usagedomain.RatingStatusBillable
			} else {
				status = usagedomain.RatingStatusIncluded
			}
		} else {
			billable = amount
			status = usagedomain.RatingStatusRated
		}

		overage := billable.Mul(model.OverageRate)

		// The period's base cost attaches to the first record that
		// produces a charge so cycle totals stay conserved.
		baseShare := decimal.Zero
		if !accum.BaseCostApplied && (billable.IsPositive() || !model.HasAllowance()) {
			baseShare = model.BaseCost
			accum.BaseCostApplied = true
		}

		cost := money.Round(overage.Add(baseShare), model.Currency)
		ratedAmount := money.Round(overage, model.Currency)

		accum.ConsumedIncluded = accum.ConsumedIncluded.Add(covered)
		accum.UpdatedAt = now
		if err := tx.Save(accum).Error; err != nil {
			return err
		}

		result := tx.Model(&usagedomain.UsageRecord{}).
			Where("id = ? AND is_rated = ?", record.ID, false).
			Updates(map[string]any{
				"is_rated":      true,
				"rating_status": status,
				"rated_amount":  ratedAmount,
				"cost":          cost,
				"currency":      model.Currency,
				"rating_error":  nil,
				"updated_at":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		// Raced with another rater: roll back so its accounting stands.
		if result.RowsAffected == 0 {
			return ratingdomain.ErrUnrateable
		}

		updated := *record
		updated.IsRated = true
		updated.RatingStatus = status
		updated.RatedAmount = decimal.NullDecimal{Decimal: ratedAmount, Valid: true}
		updated.Cost = decimal.NullDecimal{Decimal: cost, Valid: true}
		updated.Currency = model.Currency
		updated.RatingError = nil
		updated.UpdatedAt = now
		rated = &updated
		return nil
	})
	if err != nil {
		if errors.Is(err, ratingdomain.ErrUnrateable) {
			return s.loadRecord(ctx, record.ID)
		}
		return nil, err
	}
	return rated, nil
}

func (s *Service) lockAccumulator(
	ctx context.Context,
	tx *gorm.DB,
	customerID, resourceType string,
	periodStart time.Time,
	currency string,
) (*ratingdomain.UsagePeriodAccumulator, error) {
	lockStart := time.Now()
	stmt := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var accum ratingdomain.UsagePeriodAccumulator
	err := stmt.
		Where("customer_id = ? AND resource_type = ? AND period_start = ?", customerID, resourceType, periodStart).
		First(&accum).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceUsageAccumulator, time.Since(lockStart))
	if err == nil {
		return &accum, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	accum = ratingdomain.UsagePeriodAccumulator{
		ID:               s.genID.Generate(),
		CustomerID:       customerID,
		ResourceType:     resourceType,
		PeriodStart:      periodStart,
		ConsumedIncluded: decimal.Zero,
		Currency:         currency,
		CreatedAt:        s.clock.Now().UTC(),
		UpdatedAt:        s.clock.Now().UTC(),
	}
	if err := tx.Create(&accum).Error; err != nil {
		return nil, err
	}
	return &accum, nil
}

// acquireLease serializes rating per (customer, resourceType, period).
// With redis configured the lease survives across processes; otherwise a
// process-local keyed mutex covers the single-node deployment.
func (s *Service) acquireLease(ctx context.Context, customerID, resourceType string, periodStart time.Time) (func(), error) {
	key := ratelimit.RatingLockKey(customerID, resourceType, periodStart)

	if s.locker != nil {
		deadline := time.Now().Add(leaseTTL)
		for {
			token, ok, err := s.locker.TryLock(ctx, key, leaseTTL)
			if err != nil {
				return nil, err
			}
			if ok {
				return func() {
					if err := s.locker.Release(context.Background(), key, token); err != nil {
						s.log.Warn("failed to release rating lease", zap.String("key", key), zap.Error(err))
					}
				}, nil
			}
			if time.Now().After(deadline) {
				return nil, ratingdomain.ErrLeaseHeld
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	s.keyed.Lock(key)
	return func() { s.keyed.Unlock(key) }, nil
}

func (s *Service) loadRecord(ctx context.Context, id snowflake.ID) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) markRatingError(ctx context.Context, id snowflake.ID, code ratingdomain.RatingErrorCode) error {
	return s.db.WithContext(ctx).Model(&usagedomain.UsageRecord{}).
		Where("id = ? AND is_rated = ?", id, false).
		Updates(map[string]any{
			"rating_error": string(code),
			"updated_at":   s.clock.Now().UTC(),
		}).Error
}

func (s *Service) recordOutcome(ctx context.Context, status string) {
	if s.metrics != nil {
		s.metrics.RecordRatingOutcome(ctx, status)
	}
}
