package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/telcobss/meterbill/internal/clock"
	"github.com/telcobss/meterbill/internal/config"
	obsmetrics "github.com/telcobss/meterbill/internal/observability/metrics"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"github.com/telcobss/meterbill/pkg/db/option"
	"github.com/telcobss/meterbill/pkg/db/pagination"
	"github.com/telcobss/meterbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ListSortFields is the allowlist for usage list sorting.
var ListSortFields = map[string]bool{
	"timestamp":    true,
	"created_at":   true,
	"usage_amount": true,
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
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	usagerepo repository.Repository[usagedomain.UsageRecord]
	metrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		usagerepo: repository.ProvideStore[usagedomain.UsageRecord](p.DB),
		metrics:   p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (*usagedomain.UsageRecord, error) {
	if err := s.validateIngest(req); err != nil {
		return nil, err
	}

	// Check the dedup tuple before inserting so a retry returns the
	// already-stored record untouched by any later rating work.
	existing, err := s.findByDedupTuple(ctx, req)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.recordIngest(ctx, req.UsageType, "duplicate")
		return existing, nil
	}

	now := s.clock.Now().UTC()
	record := &usagedomain.UsageRecord{
		ID:             s.genID.Generate(),
		CustomerID:     strings.TrimSpace(req.CustomerID),
		SubscriptionID: normalizeOptional(req.SubscriptionID),
		UsageType:      req.UsageType,
		UsageAmount:    req.UsageAmount,
		Unit:           strings.TrimSpace(req.Unit),
		Timestamp:      req.Timestamp.UTC(),
		Source:         strings.TrimSpace(req.Source),
		Destination:    normalizeOptional(req.Destination),
		IsRated:        false,
		RatingStatus:   usagedomain.RatingStatusPending,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	inserted, err := s.insertRecord(ctx, record)
	if err != nil {
		return nil, err
	}

	// Dedup race lost against a concurrent identical delivery.
	if !inserted {
		existing, err := s.findByDedupTuple(ctx, req)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.recordIngest(ctx, req.UsageType, "duplicate")
			return existing, nil
		}
		return nil, errors.New("usage record insert lost conflict but no row found")
	}

	s.recordIngest(ctx, req.UsageType, "accepted")
	return record, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (pagination.Page[usagedomain.UsageRecord], error) {
	filter := &usagedomain.UsageRecord{
		CustomerID: strings.TrimSpace(req.CustomerID),
	}
	if sub := strings.TrimSpace(req.SubscriptionID); sub != "" {
		filter.SubscriptionID = &sub
	}
	if usageType := strings.TrimSpace(req.UsageType); usageType != "" {
		filter.UsageType = usagedomain.UsageType(strings.ToUpper(usageType))
	}

	opts := []option.QueryOption{}
	if req.Unrated != nil {
		opts = append(opts, option.Where("is_rated = ?", !*req.Unrated))
	}

	total, err := s.usagerepo.Count(ctx, filter, opts...)
	if err != nil {
		return pagination.Page[usagedomain.UsageRecord]{}, err
	}

	opts = append(opts,
		option.ApplyPagination(req.Page),
		option.WithSortBy(option.QuerySortBy{Orders: req.Page.Sort, Default: "timestamp DESC"}),
	)
	items, err := s.usagerepo.Find(ctx, filter, opts...)
	if err != nil {
		return pagination.Page[usagedomain.UsageRecord]{}, err
	}

	records := make([]usagedomain.UsageRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}
	return pagination.NewPage(records, req.Page, total), nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*usagedomain.UsageRecord, error) {
	recordID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || recordID == 0 {
		return nil, usagedomain.ErrRecordNotFound
	}
	record, err := s.usagerepo.FindOne(ctx, &usagedomain.UsageRecord{ID: recordID})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, usagedomain.ErrRecordNotFound
	}
	return record, nil
}

func (s *Service) validateIngest(req usagedomain.IngestRequest) error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return usagedomain.ErrInvalidCustomer
	}
	if !usagedomain.ValidUsageType(req.UsageType) {
		return usagedomain.ErrInvalidUsageType
	}
	if !req.UsageAmount.IsPositive() {
		return usagedomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Unit) == "" {
		return usagedomain.ErrInvalidUnit
	}
	if !currencyPattern.MatchString(strings.ToUpper(strings.TrimSpace(req.Currency))) {
		return usagedomain.ErrInvalidCurrency
	}
	if strings.TrimSpace(req.Source) == "" {
		return usagedomain.ErrInvalidSource
	}
	if req.Timestamp.IsZero() {
		return usagedomain.ErrInvalidTimestamp
	}
	if req.Timestamp.After(s.clock.Now().Add(s.cfg.Ingest.MaxFutureSkew)) {
		return usagedomain.ErrTimestampInFuture
	}
	return nil
}

func (s *Service) findByDedupTuple(ctx context.Context, req usagedomain.IngestRequest) (*usagedomain.UsageRecord, error) {
	if s.db == nil {
		return nil, errors.New("missing_db")
	}
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("source = ? AND customer_id = ? AND timestamp = ? AND usage_type = ?",
			strings.TrimSpace(req.Source),
			strings.TrimSpace(req.CustomerID),
			req.Timestamp.UTC(),
			req.UsageType,
		).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) insertRecord(ctx context.Context, record *usagedomain.UsageRecord) (bool, error) {
	if record == nil {
		return false, errors.New("missing_usage_record")
	}
	if s.db == nil {
		return false, errors.New("missing_db")
	}
	if strings.EqualFold(s.db.Dialector.Name(), "sqlite") {
		return s.insertRecordSQLite(ctx, record)
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "source"},
				{Name: "customer_id"},
				{Name: "timestamp"},
				{Name: "usage_type"},
			},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) insertRecordSQLite(ctx context.Context, record *usagedomain.UsageRecord) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO usage_records (
			id, customer_id, subscription_id, usage_type, usage_amount, unit,
			timestamp, source, destination, is_rated, rating_status,
			rated_amount, currency, cost, rating_error, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, customer_id, timestamp, usage_type) DO NOTHING`,
		record.ID,
		record.CustomerID,
		record.SubscriptionID,
		record.UsageType,
		record.UsageAmount,
		record.Unit,
		record.Timestamp,
		record.Source,
		record.Destination,
		record.IsRated,
		record.RatingStatus,
		record.RatedAmount,
		record.Currency,
		record.Cost,
		record.RatingError,
		record.Metadata,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) recordIngest(ctx context.Context, usageType usagedomain.UsageType, result string) {
	if s.metrics != nil {
		s.metrics.RecordUsageIngest(ctx, string(usageType), result)
	}
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
