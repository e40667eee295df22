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
	"github.com/telcobss/meterbill/internal/config"
	costcalcdomain "github.com/telcobss/meterbill/internal/costcalc/domain"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	forecastdomain "github.com/telcobss/meterbill/internal/forecast/domain"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"github.com/telcobss/meterbill/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type forecastFixture struct {
	svc  *Service
	db   *gorm.DB
	node *snowflake.Node
}

func newForecastFixture(t *testing.T, now time.Time) *forecastFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&costcalcdomain.CostCalculation{},
		&forecastdomain.CostForecast{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(now),
		Config: config.Config{
			Billing: config.BillingConfig{TrendThreshold: 0.1},
		},
	}).(*Service)
	return &forecastFixture{svc: svc, db: db, node: node}
}

// insertHistory stores one FINAL monthly calculation per cost value, walking
// period starts backwards from forecastStart.
func (f *forecastFixture) insertHistory(t *testing.T, forecastStart time.Time, status costcalcdomain.CalculationStatus, costs ...string) {
	t.Helper()
	n := len(costs)
	for i, cost := range costs {
		start := forecastStart.AddDate(0, -(n - i), 0)
		calc := &costcalcdomain.CostCalculation{
			ID:            f.node.Generate(),
			CustomerID:    "CUST-1",
			ResourceType:  string(usagedomain.UsageTypeData),
			BillingPeriod: costmodeldomain.PeriodMonthly,
			PeriodStart:   start,
			PeriodEnd:     start.AddDate(0, 1, 0),
			TotalUsage:    decimal.RequireFromString("100"),
			BaseCost:      decimal.Zero,
			OverageCost:   decimal.RequireFromString(cost),
			TotalCost:     decimal.RequireFromString(cost),
			Currency:      "USD",
			Status:        status,
		}
		require.NoError(t, f.db.Create(calc).Error)
	}
}

func generateRequest(start, end time.Time, model forecastdomain.ForecastModel) forecastdomain.GenerateRequest {
	return forecastdomain.GenerateRequest{
		CustomerID:    "CUST-1",
		ResourceType:  string(usagedomain.UsageTypeData),
		BillingPeriod: costmodeldomain.PeriodMonthly,
		ForecastStart: start,
		ForecastEnd:   end,
		Model:         model,
	}
}

func TestGenerateLinearRegressionProjectsTrendLine(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := newForecastFixture(t, start)
	f.insertHistory(t, start, costcalcdomain.StatusFinal, "10", "20", "30", "40")

	forecasts, err := f.svc.Generate(context.Background(), generateRequest(start, start, forecastdomain.ModelLinearRegression))
	require.NoError(t, err)
	require.Len(t, forecasts, 1)

	fc := forecasts[0]
	// Perfect fit y = 10x + 10 continues at index 4.
	assert.True(t, fc.PredictedCost.Equal(decimal.RequireFromString("50")), "got %s", fc.PredictedCost)
	assert.Equal(t, forecastdomain.TrendIncreasing, fc.TrendDirection)
	assert.InDelta(t, 0.7, fc.ConfidenceLevel, 1e-9)
	assert.Equal(t, forecastdomain.ModelLinearRegression, fc.ForecastModel)
	assert.True(t, fc.LowerBound.GreaterThanOrEqual(decimal.Zero))
	assert.True(t, fc.UpperBound.GreaterThanOrEqual(fc.PredictedCost))
}

func TestGenerateLinearRegressionMultiplePeriods(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := newForecastFixture(t, start)
	f.insertHistory(t, start, costcalcdomain.StatusFinal, "10", "20", "30", "40")

	end := start.Add(2 * 30 * 24 * time.Hour)
	forecasts, err := f.svc.Generate(context.Background(), generateRequest(start, end, forecastdomain.ModelLinearRegression))
	require.NoError(t, err)
	require.Len(t, forecasts, 3)

	// Each successive period advances the fitted index by one step.
	assert.True(t, forecasts[0].PredictedCost.Equal(decimal.RequireFromString("50")))
	assert.True(t, forecasts[1].PredictedCost.Equal(decimal.RequireFromString("60")))
	assert.True(t, forecasts[2].PredictedCost.Equal(decimal.RequireFromString("70")))
	assert.True(t, forecasts[1].PeriodStart.Equal(forecasts[0].PeriodEnd))
}

func TestGenerateLinearRegressionTrends(t *testing.T) {
	cases := []struct {
		name  string
		costs []string
		want  forecastdomain.TrendDirection
	}{
		{"decreasing", []string{"40", "30", "20", "10"}, forecastdomain.TrendDecreasing},
		{"stable", []string{"20", "20", "20", "20"}, forecastdomain.TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
			f := newForecastFixture(t, start)
			f.insertHistory(t, start, costcalcdomain.StatusFinal, tc.costs...)

			forecasts, err := f.svc.Generate(context.Background(), generateRequest(start, start, forecastdomain.ModelLinearRegression))
			require.NoError(t, err)
			require.Len(t, forecasts, 1)
			assert.Equal(t, tc.want, forecasts[0].TrendDirection)
		})
	}
}

func TestGenerateMovingAverageUsesTrailingWindow(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := newForecastFixture(t, start)
	f.insertHistory(t, start, costcalcdomain.StatusFinal, "10", "20", "30", "40")

	forecasts, err := f.svc.Generate(context.Background(), generateRequest(start, start, forecastdomain.ModelMovingAverage))
	require.NoError(t, err)
	require.Len(t, forecasts, 1)

	fc := forecasts[0]
	// Trailing window of 3: (20 + 30 + 40) / 3.
	assert.True(t, fc.PredictedCost.Equal(decimal.RequireFromString("30")), "got %s", fc.PredictedCost)
	assert.Equal(t, forecastdomain.TrendIncreasing, fc.TrendDirection)
	assert.InDelta(t, 0.7, fc.ConfidenceLevel, 1e-9)
	assert.Equal(t, forecastdomain.ModelMovingAverage, fc.ForecastModel)
}

func TestGenerateDegradesBelowTwoPoints(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("no history", func(t *testing.T) {
		f := newForecastFixture(t, start)
		forecasts, err := f.svc.Generate(context.Background(), generateRequest(start, start.AddDate(0, 3, 0), forecastdomain.ModelLinearRegression))
		require.NoError(t, err)
		require.Len(t, forecasts, 1)
		assert.True(t, forecasts[0].PredictedCost.IsZero())
		assert.Equal(t, forecastdomain.TrendStable, forecasts[0].TrendDirection)
		assert.InDelta(t, 0.3, forecasts[0].ConfidenceLevel, 1e-9)
	})

	t.Run("single point", func(t *testing.T) {
		f := newForecastFixture(t, start)
		f.insertHistory(t, start, costcalcdomain.StatusFinal, "25")
		forecasts, err := f.svc.Generate(context.Background(), generateRequest(start, start, forecastdomain.ModelMovingAverage))
		require.NoError(t, err)
		require.Len(t, forecasts, 1)
		assert.True(t, forecasts[0].PredictedCost.Equal(decimal.RequireFromString("25")))
		assert.InDelta(t, 0.3, forecasts[0].ConfidenceLevel, 1e-9)
	})
}

func TestGenerateIgnoresDraftCalculations(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := newForecastFixture(t, start)
	f.insertHistory(t, start, costcalcdomain.StatusDraft, "10", "20", "30", "40")

	forecasts, err := f.svc.Generate(context.Background(), generateRequest(start, start, forecastdomain.ModelLinearRegression))
	require.NoError(t, err)
	require.Len(t, forecasts, 1)
	assert.InDelta(t, 0.3, forecasts[0].ConfidenceLevel, 1e-9)
}

func TestGenerateValidation(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := newForecastFixture(t, start)

	cases := []struct {
		name    string
		mutate  func(*forecastdomain.GenerateRequest)
		wantErr error
	}{
		{"missing customer", func(r *forecastdomain.GenerateRequest) { r.CustomerID = "" }, forecastdomain.ErrInvalidCustomer},
		{"bad resource", func(r *forecastdomain.GenerateRequest) { r.ResourceType = "GAS" }, forecastdomain.ErrInvalidResourceType},
		{"bad period", func(r *forecastdomain.GenerateRequest) { r.BillingPeriod = "fortnightly" }, forecastdomain.ErrInvalidPeriod},
		{"bad model", func(r *forecastdomain.GenerateRequest) { r.Model = "ARIMA" }, forecastdomain.ErrUnknownModel},
		{"inverted window", func(r *forecastdomain.GenerateRequest) { r.ForecastEnd = r.ForecastStart.AddDate(0, -1, 0) }, forecastdomain.ErrInvalidWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := generateRequest(start, start, forecastdomain.ModelLinearRegression)
			tc.mutate(&req)
			_, err := f.svc.Generate(context.Background(), req)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestListForecastsPaginates(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := newForecastFixture(t, start)
	f.insertHistory(t, start, costcalcdomain.StatusFinal, "10", "20", "30")

	end := start.Add(4 * 30 * 24 * time.Hour)
	_, err := f.svc.Generate(context.Background(), generateRequest(start, end, forecastdomain.ModelLinearRegression))
	require.NoError(t, err)

	page, err := f.svc.List(context.Background(), forecastdomain.ListRequest{
		CustomerID: "CUST-1",
		Model:      forecastdomain.ModelLinearRegression,
		Page:       pagination.Params{Page: 0, Size: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 3, page.NumberOfElements)
	assert.False(t, page.Last)
	// Default sort walks forward in time.
	require.True(t, len(page.Content) >= 2)
	assert.True(t, page.Content[0].PeriodStart.Before(page.Content[1].PeriodStart))
}
