package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/telcobss/meterbill/internal/clock"
	"github.com/telcobss/meterbill/internal/config"
	costcalcdomain "github.com/telcobss/meterbill/internal/costcalc/domain"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	forecastdomain "github.com/telcobss/meterbill/internal/forecast/domain"
	"github.com/telcobss/meterbill/internal/money"
	obsmetrics "github.com/telcobss/meterbill/internal/observability/metrics"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"github.com/telcobss/meterbill/pkg/db/option"
	"github.com/telcobss/meterbill/pkg/db/pagination"
	"github.com/telcobss/meterbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoricalMonths = 6
	boundsZ                 = 1.96
	degenerateConfidence    = 0.3
	movingAverageConfidence = 0.7
	movingAverageWindow     = 3
)

// ListSortFields is the allowlist for forecast list sorting.
var ListSortFields = map[string]bool{
	"period_start": true,
	"created_at":   true,
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	metrics *obsmetrics.Metrics
	repo    repository.Repository[forecastdomain.CostForecast]
}

func NewService(p ServiceParam) forecastdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("forecast.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Config,
		metrics: p.Metrics,
		repo:    repository.ProvideStore[forecastdomain.CostForecast](p.DB),
	}
}

func (s *Service) Generate(ctx context.Context, req forecastdomain.GenerateRequest) ([]forecastdomain.CostForecast, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, forecastdomain.ErrInvalidCustomer
	}
	resourceType := strings.ToUpper(strings.TrimSpace(req.ResourceType))
	if !usagedomain.ValidUsageType(usagedomain.UsageType(resourceType)) {
		return nil, forecastdomain.ErrInvalidResourceType
	}
	if !costmodeldomain.ValidBillingPeriod(req.BillingPeriod) {
		return nil, forecastdomain.ErrInvalidPeriod
	}
	if !forecastdomain.ValidForecastModel(req.Model) {
		return nil, forecastdomain.ErrUnknownModel
	}
	if req.ForecastStart.IsZero() || req.ForecastEnd.IsZero() || req.ForecastEnd.Before(req.ForecastStart) {
		return nil, forecastdomain.ErrInvalidWindow
	}
	historicalMonths := req.HistoricalMonths
	if historicalMonths <= 0 {
		historicalMonths = defaultHistoricalMonths
	}

	history, err := s.loadHistory(ctx, customerID, resourceType, req, historicalMonths)
	if err != nil {
		return nil, err
	}

	var forecasts []forecastdomain.CostForecast
	switch {
	case len(history) < 2:
		forecasts = s.degenerateForecast(req, customerID, resourceType, history)
	case req.Model == forecastdomain.ModelLinearRegression:
		forecasts = s.linearRegressionForecast(req, customerID, resourceType, history)
	default:
		forecasts = s.movingAverageForecast(req, customerID, resourceType, history)
	}

	for i := range forecasts {
		if err := s.repo.Create(ctx, &forecasts[i]); err != nil {
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.RecordForecastRun(ctx, string(req.Model))
	}
	s.log.Info("forecast generated",
		zap.String("customer_id", customerID),
		zap.String("resource_type", resourceType),
		zap.String("model", string(req.Model)),
		zap.Int("history_points", len(history)),
		zap.Int("periods", len(forecasts)),
	)
	return forecasts, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*forecastdomain.CostForecast, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return nil, forecastdomain.ErrForecastNotFound
	}
	forecast, err := s.repo.FindOne(ctx, &forecastdomain.CostForecast{ID: parsed})
	if err != nil {
		return nil, err
	}
	if forecast == nil {
		return nil, forecastdomain.ErrForecastNotFound
	}
	return forecast, nil
}

func (s *Service) List(ctx context.Context, req forecastdomain.ListRequest) (pagination.Page[forecastdomain.CostForecast], error) {
	filter := &forecastdomain.CostForecast{
		CustomerID:    req.CustomerID,
		ResourceType:  strings.ToUpper(strings.TrimSpace(req.ResourceType)),
		ForecastModel: req.Model,
	}

	var extra []option.QueryOption
	if req.PeriodStart != nil {
		extra = append(extra, option.Where("period_start = ?", req.PeriodStart.UTC()))
	}

	total, err := s.repo.Count(ctx, filter, extra...)
	if err != nil {
		return pagination.Page[forecastdomain.CostForecast]{}, err
	}

	items, err := s.repo.Find(ctx, filter, append(extra,
		option.ApplyPagination(req.Page),
		option.WithSortBy(option.QuerySortBy{
			Orders:  req.Page.Sort,
			Default: "period_start ASC",
		}),
	)...)
	if err != nil {
		return pagination.Page[forecastdomain.CostForecast]{}, err
	}

	forecasts := make([]forecastdomain.CostForecast, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		forecasts = append(forecasts, *item)
	}
	return pagination.NewPage(forecasts, req.Page, total), nil
}

// loadHistory reads FINAL calculations in the lookback range, oldest first.
func (s *Service) loadHistory(ctx context.Context, customerID, resourceType string, req forecastdomain.GenerateRequest, historicalMonths int) ([]costcalcdomain.CostCalculation, error) {
	lookbackStart := req.ForecastStart.Add(-time.Duration(historicalMonths) * 30 * 24 * time.Hour)

	var history []costcalcdomain.CostCalculation
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND resource_type = ? AND billing_period = ? AND status = ? AND period_start >= ? AND period_start < ?",
			customerID, resourceType, req.BillingPeriod, costcalcdomain.StatusFinal,
			lookbackStart, req.ForecastStart).
		Order("period_start ASC").
		Find(&history).Error
	return history, err
}

func (s *Service) linearRegressionForecast(req forecastdomain.GenerateRequest, customerID, resourceType string, history []costcalcdomain.CostCalculation) []forecastdomain.CostForecast {
	n := len(history)
	y := make([]float64, n)
	for i, point := range history {
		y[i] = point.TotalCost.InexactFloat64()
	}

	var sumX, sumY, sumXY, sumX2 float64
	for i := 0; i < n; i++ {
		x := float64(i)
		sumX += x
		sumY += y[i]
		sumXY += x * y[i]
		sumX2 += x * x
	}
	fn := float64(n)
	slope := (fn*sumXY - sumX*sumY) / (fn*sumX2 - sumX*sumX)
	intercept := (sumY - slope*sumX) / fn

	trend := s.trendFromSlope(slope)
	confidence := math.Min(0.95, 0.5+fn*0.05)
	currency := historyCurrency(history)
	periodLen := periodLength(req.BillingPeriod)

	var forecasts []forecastdomain.CostForecast
	now := s.clock.Now().UTC()
	for current := req.ForecastStart; !current.After(req.ForecastEnd); current = current.Add(periodLen) {
		futureIndex := fn + float64(current.Sub(req.ForecastStart)/periodLen)
		predicted := slope*futureIndex + intercept
		stdDev := math.Sqrt(residualVariance(y, predicted))

		forecasts = append(forecasts, s.buildForecast(
			req, customerID, resourceType, currency,
			current, current.Add(periodLen),
			predicted, stdDev, trend, confidence, now,
		))
	}
	return forecasts
}

func (s *Service) movingAverageForecast(req forecastdomain.GenerateRequest, customerID, resourceType string, history []costcalcdomain.CostCalculation) []forecastdomain.CostForecast {
	n := len(history)
	window := movingAverageWindow
	if n < window {
		window = n
	}

	sum := 0.0
	for _, point := range history[n-window:] {
		sum += point.TotalCost.InexactFloat64()
	}
	average := sum / float64(window)

	variance := 0.0
	for _, point := range history[n-window:] {
		diff := point.TotalCost.InexactFloat64() - average
		variance += diff * diff
	}
	variance /= float64(window)
	stdDev := math.Sqrt(variance)

	trend := halvesTrend(history)
	currency := historyCurrency(history)
	periodLen := periodLength(req.BillingPeriod)

	var forecasts []forecastdomain.CostForecast
	now := s.clock.Now().UTC()
	for current := req.ForecastStart; !current.After(req.ForecastEnd); current = current.Add(periodLen) {
		forecasts = append(forecasts, s.buildForecast(
			req, customerID, resourceType, currency,
			current, current.Add(periodLen),
			average, stdDev, trend, movingAverageConfidence, now,
		))
	}
	return forecasts
}

// degenerateForecast covers fewer than two history points: one flat STABLE
// period at the last known cost, confidence explicitly low.
func (s *Service) degenerateForecast(req forecastdomain.GenerateRequest, customerID, resourceType string, history []costcalcdomain.CostCalculation) []forecastdomain.CostForecast {
	predicted := 0.0
	currency := historyCurrency(history)
	if len(history) > 0 {
		predicted = history[len(history)-1].TotalCost.InexactFloat64()
	}

	periodLen := periodLength(req.BillingPeriod)
	now := s.clock.Now().UTC()
	return []forecastdomain.CostForecast{s.buildForecast(
		req, customerID, resourceType, currency,
		req.ForecastStart, req.ForecastStart.Add(periodLen),
		predicted, 0, forecastdomain.TrendStable, degenerateConfidence, now,
	)}
}

func (s *Service) buildForecast(
	req forecastdomain.GenerateRequest,
	customerID, resourceType, currency string,
	periodStart, periodEnd time.Time,
	predicted, stdDev float64,
	trend forecastdomain.TrendDirection,
	confidence float64,
	now time.Time,
) forecastdomain.CostForecast {
	lower := predicted - boundsZ*stdDev
	if lower < 0 {
		lower = 0
	}
	upper := predicted + boundsZ*stdDev

	return forecastdomain.CostForecast{
		ID:              s.genID.Generate(),
		CustomerID:      customerID,
		ResourceType:    resourceType,
		BillingPeriod:   req.BillingPeriod,
		PeriodStart:     periodStart.UTC(),
		PeriodEnd:       periodEnd.UTC(),
		PredictedCost:   money.Round(decimal.NewFromFloat(predicted), currency),
		LowerBound:      money.Round(decimal.NewFromFloat(lower), currency),
		UpperBound:      money.Round(decimal.NewFromFloat(upper), currency),
		Currency:        currency,
		TrendDirection:  trend,
		ConfidenceLevel: confidence,
		ForecastModel:   req.Model,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *Service) trendFromSlope(slope float64) forecastdomain.TrendDirection {
	threshold := s.cfg.Billing.TrendThreshold
	if threshold <= 0 {
		threshold = 0.1
	}
	switch {
	case slope > threshold:
		return forecastdomain.TrendIncreasing
	case slope < -threshold:
		return forecastdomain.TrendDecreasing
	default:
		return forecastdomain.TrendStable
	}
}

// halvesTrend compares the mean of the older half of the history against the
// newer half; a 10% move either way breaks STABLE.
func halvesTrend(history []costcalcdomain.CostCalculation) forecastdomain.TrendDirection {
	if len(history) < 2 {
		return forecastdomain.TrendStable
	}

	half := len(history) / 2
	firstHalf := 0.0
	for _, point := range history[:half] {
		firstHalf += point.TotalCost.InexactFloat64()
	}
	firstHalf /= float64(half)

	secondHalf := 0.0
	for _, point := range history[half:] {
		secondHalf += point.TotalCost.InexactFloat64()
	}
	secondHalf /= float64(len(history) - half)

	switch {
	case secondHalf > firstHalf*1.1:
		return forecastdomain.TrendIncreasing
	case secondHalf < firstHalf*0.9:
		return forecastdomain.TrendDecreasing
	default:
		return forecastdomain.TrendStable
	}
}

func residualVariance(values []float64, predicted float64) float64 {
	sum := 0.0
	for _, value := range values {
		diff := value - predicted
		sum += diff * diff
	}
	return sum / float64(len(values))
}

func historyCurrency(history []costcalcdomain.CostCalculation) string {
	for _, point := range history {
		if point.Currency != "" {
			return point.Currency
		}
	}
	return "USD"
}

func periodLength(period costmodeldomain.BillingPeriod) time.Duration {
	switch period {
	case costmodeldomain.PeriodHourly, costmodeldomain.PeriodDaily:
		return 24 * time.Hour
	case costmodeldomain.PeriodYearly:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}
