package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telcobss/meterbill/internal/clock"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	costmodelservice "github.com/telcobss/meterbill/internal/costmodel/service"
	ratingdomain "github.com/telcobss/meterbill/internal/rating/domain"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ratingFixture struct {
	svc    *Service
	models costmodeldomain.Service
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
}

func newRatingFixture(t *testing.T, now time.Time) *ratingFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsageRecord{},
		&costmodeldomain.CostModel{},
		&ratingdomain.UsagePeriodAccumulator{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(now)

	models := costmodelservice.NewService(costmodelservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})

	svc := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fake,
		CostModels: models,
	}).(*Service)

	return &ratingFixture{svc: svc, models: models, db: db, node: node, clock: fake}
}

func (f *ratingFixture) createModel(t *testing.T, baseCost, overageRate, included string) *costmodeldomain.CostModel {
	t.Helper()
	model, err := f.models.Create(context.Background(), costmodeldomain.CreateRequest{
		ModelName:     "data-standard",
		ResourceType:  string(usagedomain.UsageTypeData),
		BillingPeriod: costmodeldomain.PeriodMonthly,
		BaseCost:      decimal.RequireFromString(baseCost),
		OverageRate:   decimal.RequireFromString(overageRate),
		IncludedUsage: decimal.RequireFromString(included),
		Currency:      "USD",
	})
	require.NoError(t, err)
	return model
}

func (f *ratingFixture) insertPending(t *testing.T, customerID string, amount string, ts time.Time) *usagedomain.UsageRecord {
	t.Helper()
	record := &usagedomain.UsageRecord{
		ID:           f.node.Generate(),
		CustomerID:   customerID,
		UsageType:    usagedomain.UsageTypeData,
		UsageAmount:  decimal.RequireFromString(amount),
		Unit:         "MB",
		Timestamp:    ts,
		Source:       "cdr-gateway-1",
		RatingStatus: usagedomain.RatingStatusPending,
		Currency:     "USD",
		CreatedAt:    f.clock.Now(),
		UpdatedAt:    f.clock.Now(),
	}
	require.NoError(t, f.db.Create(record).Error)
	return record
}

func TestRateRecordApportionsIncludedUsage(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)
	f.createModel(t, "10", "0.5", "100")

	first := f.insertPending(t, "CUST-1", "60", now.Add(-2*time.Hour))
	second := f.insertPending(t, "CUST-1", "80", now.Add(-time.Hour))

	rated, err := f.svc.RateRecord(context.Background(), first.ID.String())
	require.NoError(t, err)
	assert.Equal(t, usagedomain.RatingStatusIncluded, rated.RatingStatus)
	assert.True(t, rated.Cost.Decimal.IsZero(), "fully covered record costs nothing, got %s", rated.Cost.Decimal)

	rated, err = f.svc.RateRecord(context.Background(), second.ID.String())
	require.NoError(t, err)
	assert.Equal(t, usagedomain.RatingStatusBillable, rated.RatingStatus)
	// 40 units covered, 40 billable: 40 * 0.5 overage plus the 10 base.
	assert.True(t, rated.Cost.Decimal.Equal(decimal.RequireFromString("30")), "got %s", rated.Cost.Decimal)
	assert.True(t, rated.RatedAmount.Decimal.Equal(decimal.RequireFromString("20")), "got %s", rated.RatedAmount.Decimal)

	var accum ratingdomain.UsagePeriodAccumulator
	require.NoError(t, f.db.First(&accum).Error)
	assert.True(t, accum.ConsumedIncluded.Equal(decimal.RequireFromString("100")))
	assert.True(t, accum.BaseCostApplied)
}

func TestRateRecordBaseCostAttachesToFirstOverage(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)
	f.createModel(t, "10", "0.5", "100")

	first := f.insertPending(t, "CUST-1", "60", now.Add(-2*time.Hour))
	second := f.insertPending(t, "CUST-1", "60", now.Add(-time.Hour))

	rated, err := f.svc.RateRecord(context.Background(), first.ID.String())
	require.NoError(t, err)
	assert.Equal(t, usagedomain.RatingStatusIncluded, rated.RatingStatus)
	assert.True(t, rated.Cost.Decimal.IsZero())

	rated, err = f.svc.RateRecord(context.Background(), second.ID.String())
	require.NoError(t, err)
	assert.Equal(t, usagedomain.RatingStatusBillable, rated.RatingStatus)
	// 20 units over: 20 * 0.5 overage plus the 10 base.
	assert.True(t, rated.Cost.Decimal.Equal(decimal.RequireFromString("20")), "got %s", rated.Cost.Decimal)
}

func TestRateRecordIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)
	f.createModel(t, "10", "0.5", "100")

	record := f.insertPending(t, "CUST-1", "150", now.Add(-time.Hour))

	first, err := f.svc.RateRecord(context.Background(), record.ID.String())
	require.NoError(t, err)

	again, err := f.svc.RateRecord(context.Background(), record.ID.String())
	require.NoError(t, err)

	assert.Equal(t, first.RatingStatus, again.RatingStatus)
	assert.True(t, first.Cost.Decimal.Equal(again.Cost.Decimal))

	var accum ratingdomain.UsagePeriodAccumulator
	require.NoError(t, f.db.First(&accum).Error)
	assert.True(t, accum.ConsumedIncluded.Equal(decimal.RequireFromString("100")),
		"re-rating must not consume the allowance twice, got %s", accum.ConsumedIncluded)
}

func TestRateRecordNoCostModel(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)

	record := f.insertPending(t, "CUST-1", "60", now.Add(-time.Hour))

	_, err := f.svc.RateRecord(context.Background(), record.ID.String())
	require.ErrorIs(t, err, ratingdomain.ErrNoCostModel)

	var stored usagedomain.UsageRecord
	require.NoError(t, f.db.First(&stored, "id = ?", record.ID).Error)
	assert.False(t, stored.IsRated)
	assert.Equal(t, usagedomain.RatingStatusPending, stored.RatingStatus)
	require.NotNil(t, stored.RatingError)
	assert.Equal(t, string(ratingdomain.RatingErrorNoCostModel), *stored.RatingError)
}

func TestRateRecordClearsErrorOnceModelExists(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)

	record := f.insertPending(t, "CUST-1", "60", now.Add(-time.Hour))

	_, err := f.svc.RateRecord(context.Background(), record.ID.String())
	require.ErrorIs(t, err, ratingdomain.ErrNoCostModel)

	f.createModel(t, "10", "0.5", "100")

	rated, err := f.svc.RateRecord(context.Background(), record.ID.String())
	require.NoError(t, err)
	assert.True(t, rated.IsRated)
	assert.Nil(t, rated.RatingError)
}

func TestRateRecordWithoutAllowance(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)
	f.createModel(t, "5", "0.25", "0")

	record := f.insertPending(t, "CUST-1", "40", now.Add(-time.Hour))

	rated, err := f.svc.RateRecord(context.Background(), record.ID.String())
	require.NoError(t, err)
	assert.Equal(t, usagedomain.RatingStatusRated, rated.RatingStatus)
	// 40 * 0.25 plus the 5 base.
	assert.True(t, rated.Cost.Decimal.Equal(decimal.RequireFromString("15")), "got %s", rated.Cost.Decimal)
}

func TestRateRecordNotFound(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)

	_, err := f.svc.RateRecord(context.Background(), "1234567890")
	require.ErrorIs(t, err, ratingdomain.ErrRecordNotFound)

	_, err = f.svc.RateRecord(context.Background(), "not-a-snowflake")
	require.ErrorIs(t, err, ratingdomain.ErrRecordNotFound)
}

func TestSweepPendingRatesBatchInTimestampOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)
	f.createModel(t, "10", "0.5", "100")

	f.insertPending(t, "CUST-1", "60", now.Add(-3*time.Hour))
	f.insertPending(t, "CUST-1", "80", now.Add(-2*time.Hour))
	f.insertPending(t, "CUST-2", "30", now.Add(-time.Hour))

	rated, err := f.svc.SweepPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, rated)

	var pending int64
	require.NoError(t, f.db.Model(&usagedomain.UsageRecord{}).
		Where("is_rated = ?", false).Count(&pending).Error)
	assert.Zero(t, pending)

	// CUST-2 gets its own accumulator; its 30 units sit inside the allowance.
	var accums []ratingdomain.UsagePeriodAccumulator
	require.NoError(t, f.db.Order("customer_id ASC").Find(&accums).Error)
	require.Len(t, accums, 2)
	assert.True(t, accums[1].ConsumedIncluded.Equal(decimal.RequireFromString("30")))
	assert.False(t, accums[1].BaseCostApplied)
}

func TestSweepPendingSkipsRecordsWithoutModel(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newRatingFixture(t, now)
	f.createModel(t, "10", "0.5", "100")

	billable := f.insertPending(t, "CUST-1", "150", now.Add(-2*time.Hour))
	orphan := &usagedomain.UsageRecord{
		ID:           f.node.Generate(),
		CustomerID:   "CUST-2",
		UsageType:    usagedomain.UsageTypeVoice,
		UsageAmount:  decimal.RequireFromString("12"),
		Unit:         "MIN",
		Timestamp:    now.Add(-time.Hour),
		Source:       "cdr-gateway-1",
		RatingStatus: usagedomain.RatingStatusPending,
		Currency:     "USD",
	}
	require.NoError(t, f.db.Create(orphan).Error)

	rated, err := f.svc.SweepPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rated)

	var stored usagedomain.UsageRecord
	require.NoError(t, f.db.First(&stored, "id = ?", billable.ID).Error)
	assert.True(t, stored.IsRated)

	var storedOrphan usagedomain.UsageRecord
	require.NoError(t, f.db.First(&storedOrphan, "id = ?", orphan.ID).Error)
	assert.False(t, storedOrphan.IsRated)
	require.NotNil(t, storedOrphan.RatingError)
}
