package service

import (
	"context"
	"regexp"
	"strings"

	"github.com/bwmarrin/snowflake"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"github.com/telcobss/meterbill/pkg/db"
	"github.com/telcobss/meterbill/pkg/db/option"
	"github.com/telcobss/meterbill/pkg/db/pagination"
	"github.com/telcobss/meterbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ListSortFields is the allowlist for cost model list sorting.
var ListSortFields = map[string]bool{
	"model_name": true,
	"created_at": true,
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  repository.Repository[costmodeldomain.CostModel]
}

func NewService(p ServiceParam) costmodeldomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("costmodel.service"),
		genID: p.GenID,
		repo:  repository.ProvideStore[costmodeldomain.CostModel](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req costmodeldomain.CreateRequest) (*costmodeldomain.CostModel, error) {
	modelName := strings.TrimSpace(req.ModelName)
	if modelName == "" {
		return nil, costmodeldomain.ErrInvalidModelName
	}
	resourceType := strings.ToUpper(strings.TrimSpace(req.ResourceType))
	if !usagedomain.ValidUsageType(usagedomain.UsageType(resourceType)) {
		return nil, costmodeldomain.ErrInvalidResourceType
	}
	if !costmodeldomain.ValidBillingPeriod(req.BillingPeriod) {
		return nil, costmodeldomain.ErrInvalidPeriod
	}
	if req.BaseCost.IsNegative() {
		return nil, costmodeldomain.ErrInvalidBaseCost
	}
	if req.OverageRate.IsNegative() {
		return nil, costmodeldomain.ErrInvalidOverageRate
	}
	if req.IncludedUsage.IsNegative() {
		return nil, costmodeldomain.ErrInvalidIncluded
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currencyPattern.MatchString(currency) {
		return nil, costmodeldomain.ErrInvalidCurrency
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	model := &costmodeldomain.CostModel{
		ID:            s.genID.Generate(),
		ModelName:     modelName,
		ResourceType:  resourceType,
		CustomerID:    normalizeOptional(req.CustomerID),
		BillingPeriod: req.BillingPeriod,
		BaseCost:      req.BaseCost,
		OverageRate:   req.OverageRate,
		IncludedUsage: req.IncludedUsage,
		Currency:      currency,
		Active:        active,
	}

	if err := s.repo.Create(ctx, model); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, costmodeldomain.ErrDuplicateModelName
		}
		return nil, err
	}
	return model, nil
}

func (s *Service) Update(ctx context.Context, req costmodeldomain.UpdateRequest) (*costmodeldomain.CostModel, error) {
	model, err := s.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if req.ModelName != nil {
		name := strings.TrimSpace(*req.ModelName)
		if name == "" {
			return nil, costmodeldomain.ErrInvalidModelName
		}
		model.ModelName = name
	}
	if req.BillingPeriod != nil {
		if !costmodeldomain.ValidBillingPeriod(*req.BillingPeriod) {
			return nil, costmodeldomain.ErrInvalidPeriod
		}
		model.BillingPeriod = *req.BillingPeriod
	}
	if req.BaseCost != nil {
		if req.BaseCost.IsNegative() {
			return nil, costmodeldomain.ErrInvalidBaseCost
		}
		model.BaseCost = *req.BaseCost
	}
	if req.OverageRate != nil {
		if req.OverageRate.IsNegative() {
			return nil, costmodeldomain.ErrInvalidOverageRate
		}
		model.OverageRate = *req.OverageRate
	}
	if req.IncludedUsage != nil {
		if req.IncludedUsage.IsNegative() {
			return nil, costmodeldomain.ErrInvalidIncluded
		}
		model.IncludedUsage = *req.IncludedUsage
	}
	if req.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*req.Currency))
		if !currencyPattern.MatchString(currency) {
			return nil, costmodeldomain.ErrInvalidCurrency
		}
		model.Currency = currency
	}
	if req.Active != nil {
		model.Active = *req.Active
	}

	if err := s.db.WithContext(ctx).Save(model).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, costmodeldomain.ErrDuplicateModelName
		}
		return nil, err
	}
	return model, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	model, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.repo.Delete(ctx, model.ID.String())
}

func (s *Service) GetByID(ctx context.Context, id string) (*costmodeldomain.CostModel, error) {
	modelID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || modelID == 0 {
		return nil, costmodeldomain.ErrModelNotFound
	}
	model, err := s.repo.FindOne(ctx, &costmodeldomain.CostModel{ID: modelID})
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, costmodeldomain.ErrModelNotFound
	}
	return model, nil
}

func (s *Service) List(ctx context.Context, req costmodeldomain.ListRequest) (pagination.Page[costmodeldomain.CostModel], error) {
	filter := &costmodeldomain.CostModel{
		ResourceType: strings.ToUpper(strings.TrimSpace(req.ResourceType)),
	}
	if customer := strings.TrimSpace(req.CustomerID); customer != "" {
		filter.CustomerID = &customer
	}

	opts := []option.QueryOption{}
	if req.ActiveOnly {
		opts = append(opts, option.Where("active = ?", true))
	}

	total, err := s.repo.Count(ctx, filter, opts...)
	if err != nil {
		return pagination.Page[costmodeldomain.CostModel]{}, err
	}

	opts = append(opts,
		option.ApplyPagination(req.Page),
		option.WithSortBy(option.QuerySortBy{Orders: req.Page.Sort, Default: "model_name ASC"}),
	)
	items, err := s.repo.Find(ctx, filter, opts...)
	if err != nil {
		return pagination.Page[costmodeldomain.CostModel]{}, err
	}

	models := make([]costmodeldomain.CostModel, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		models = append(models, *item)
	}
	return pagination.NewPage(models, req.Page, total), nil
}

func (s *Service) ResolveActive(ctx context.Context, customerID, resourceType string) (*costmodeldomain.CostModel, error) {
	resourceType = strings.ToUpper(strings.TrimSpace(resourceType))
	customerID = strings.TrimSpace(customerID)

	if customerID != "" {
		scoped, err := s.repo.FindOne(ctx,
			&costmodeldomain.CostModel{ResourceType: resourceType, CustomerID: &customerID},
			option.Where("active = ?", true),
		)
		if err != nil {
			return nil, err
		}
		if scoped != nil {
			return scoped, nil
		}
	}

	global, err := s.repo.FindOne(ctx,
		&costmodeldomain.CostModel{ResourceType: resourceType},
		option.Where("active = ? AND customer_id IS NULL", true),
	)
	if err != nil {
		return nil, err
	}
	if global == nil {
		return nil, costmodeldomain.ErrModelNotFound
	}
	return global, nil
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
