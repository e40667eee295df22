package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/telcobss/meterbill/internal/clock"
	costcalcdomain "github.com/telcobss/meterbill/internal/costcalc/domain"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	"github.com/telcobss/meterbill/internal/money"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"github.com/telcobss/meterbill/pkg/db/option"
	"github.com/telcobss/meterbill/pkg/db/pagination"
	"github.com/telcobss/meterbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListSortFields is the allowlist for calculation list sorting.
var ListSortFields = map[string]bool{
	"period_start": true,
	"created_at":   true,
	"total_cost":   true,
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[costcalcdomain.CostCalculation]
}

func NewService(p ServiceParam) costcalcdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("costcalc.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  repository.ProvideStore[costcalcdomain.CostCalculation](p.DB),
	}
}

func (s *Service) Calculate(ctx context.Context, req costcalcdomain.CalculateRequest) (*costcalcdomain.CostCalculation, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, costcalcdomain.ErrInvalidCustomer
	}
	resourceType := strings.ToUpper(strings.TrimSpace(req.ResourceType))
	if !usagedomain.ValidUsageType(usagedomain.UsageType(resourceType)) {
		return nil, costcalcdomain.ErrInvalidResourceType
	}
	if !costmodeldomain.ValidBillingPeriod(req.BillingPeriod) {
		return nil, costcalcdomain.ErrInvalidPeriod
	}
	if req.PeriodStart.IsZero() {
		return nil, costcalcdomain.ErrInvalidPeriodStart
	}

	periodStart := req.BillingPeriod.Start(req.PeriodStart)
	periodEnd := req.BillingPeriod.Next(periodStart)

	existing, err := s.repo.FindOne(ctx, &costcalcdomain.CostCalculation{
		CustomerID:   customerID,
		ResourceType: resourceType,
		PeriodStart:  periodStart,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status.Frozen() {
		return existing, costcalcdomain.ErrCalculationFrozen
	}

	snapshot, err := s.compute(ctx, customerID, resourceType, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if existing == nil {
		calc := &costcalcdomain.CostCalculation{
			ID:            s.genID.Generate(),
			CustomerID:    customerID,
			ResourceType:  resourceType,
			BillingPeriod: req.BillingPeriod,
			PeriodStart:   periodStart,
			PeriodEnd:     periodEnd,
			TotalUsage:    snapshot.totalUsage,
			BaseCost:      snapshot.baseCost,
			OverageCost:   snapshot.overageCost,
			TotalCost:     snapshot.totalCost,
			Currency:      snapshot.currency,
			Status:        costcalcdomain.StatusDraft,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.Create(ctx, calc); err != nil {
			return nil, err
		}
		return calc, nil
	}

	existing.BillingPeriod = req.BillingPeriod
	existing.PeriodEnd = periodEnd
	existing.TotalUsage = snapshot.totalUsage
	existing.BaseCost = snapshot.baseCost
	existing.OverageCost = snapshot.overageCost
	existing.TotalCost = snapshot.totalCost
	existing.Currency = snapshot.currency
	existing.UpdatedAt = now
	if err := s.repo.Update(ctx, existing.ID.String(), existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *Service) Recalculate(ctx context.Context, id string) (*costcalcdomain.CostCalculation, error) {
	calc, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if calc.Status.Frozen() {
		return nil, costcalcdomain.ErrCalculationFrozen
	}

	snapshot, err := s.compute(ctx, calc.CustomerID, calc.ResourceType, calc.PeriodStart, calc.PeriodEnd)
	if err != nil {
		return nil, err
	}

	calc.TotalUsage = snapshot.totalUsage
	calc.BaseCost = snapshot.baseCost
	calc.OverageCost = snapshot.overageCost
	calc.TotalCost = snapshot.totalCost
	calc.Currency = snapshot.currency
	calc.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, calc.ID.String(), calc); err != nil {
		return nil, err
	}
	return calc, nil
}

func (s *Service) Finalize(ctx context.Context, id string) (*costcalcdomain.CostCalculation, error) {
	return s.transition(ctx, id, costcalcdomain.StatusDraft, costcalcdomain.StatusFinal)
}

func (s *Service) MarkInvoiced(ctx context.Context, id string) (*costcalcdomain.CostCalculation, error) {
	return s.transition(ctx, id, costcalcdomain.StatusFinal, costcalcdomain.StatusInvoiced)
}

func (s *Service) transition(ctx context.Context, id string, from, to costcalcdomain.CalculationStatus) (*costcalcdomain.CostCalculation, error) {
	calc, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if calc.Status == to {
		return calc, nil
	}
	if calc.Status != from {
		return nil, costcalcdomain.ErrCalculationFrozen
	}

	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&costcalcdomain.CostCalculation{}).
		Where("id = ? AND status = ?", calc.ID, from).
		Updates(map[string]any{"status": to, "updated_at": now})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return s.GetByID(ctx, id)
	}

	calc.Status = to
	calc.UpdatedAt = now
	return calc, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*costcalcdomain.CostCalculation, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return nil, costcalcdomain.ErrCalculationNotFound
	}
	calc, err := s.repo.FindOne(ctx, &costcalcdomain.CostCalculation{ID: parsed})
	if err != nil {
		return nil, err
	}
	if calc == nil {
		return nil, costcalcdomain.ErrCalculationNotFound
	}
	return calc, nil
}

func (s *Service) List(ctx context.Context, req costcalcdomain.ListRequest) (pagination.Page[costcalcdomain.CostCalculation], error) {
	filter := &costcalcdomain.CostCalculation{
		CustomerID:   req.CustomerID,
		ResourceType: strings.ToUpper(strings.TrimSpace(req.ResourceType)),
		Status:       req.Status,
	}

	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return pagination.Page[costcalcdomain.CostCalculation]{}, err
	}

	items, err := s.repo.Find(ctx, filter,
		option.ApplyPagination(req.Page),
		option.WithSortBy(option.QuerySortBy{
			Orders:  req.Page.Sort,
			Default: "period_start DESC",
		}),
	)
	if err != nil {
		return pagination.Page[costcalcdomain.CostCalculation]{}, err
	}

	calcs := make([]costcalcdomain.CostCalculation, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		calcs = append(calcs, *item)
	}
	return pagination.NewPage(calcs, req.Page, total), nil
}

type costSnapshot struct {
	totalUsage  decimal.Decimal
	baseCost    decimal.Decimal
	overageCost decimal.Decimal
	totalCost   decimal.Decimal
	currency    string
}

// compute sums the rated ledger for the window. The overage share is the
// sum of rated amounts; the base share is whatever remains of the cost.
func (s *Service) compute(ctx context.Context, customerID, resourceType string, periodStart, periodEnd time.Time) (costSnapshot, error) {
	var records []usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND usage_type = ? AND is_rated = ? AND timestamp >= ? AND timestamp < ?",
			customerID, resourceType, true, periodStart, periodEnd).
		Find(&records).Error
	if err != nil {
		return costSnapshot{}, err
	}

	totalUsage := decimal.Zero
	totalCost := decimal.Zero
	overageCost := decimal.Zero
	currency := ""
	for _, record := range records {
		totalUsage = totalUsage.Add(record.UsageAmount)
		if record.Cost.Valid {
			totalCost = totalCost.Add(record.Cost.Decimal)
		}
		if record.RatedAmount.Valid {
			overageCost = overageCost.Add(record.RatedAmount.Decimal)
		}
		if currency == "" && record.Currency != "" {
			currency = record.Currency
		}
	}
	if currency == "" {
		currency = "USD"
	}

	return costSnapshot{
		totalUsage:  totalUsage,
		baseCost:    money.Round(totalCost.Sub(overageCost), currency),
		overageCost: money.Round(overageCost, currency),
		totalCost:   money.Round(totalCost, currency),
		currency:    currency,
	}, nil
}
