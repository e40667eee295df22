package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
	"github.com/telcobss/meterbill/internal/clock"
	"github.com/telcobss/meterbill/internal/config"
	invoicedomain "github.com/telcobss/meterbill/internal/invoice/domain"
	"github.com/telcobss/meterbill/internal/money"
	obsmetrics "github.com/telcobss/meterbill/internal/observability/metrics"
	"github.com/telcobss/meterbill/pkg/db"
	ratingdomain "github.com/telcobss/meterbill/internal/rating/domain"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"github.com/telcobss/meterbill/pkg/db/option"
	"github.com/telcobss/meterbill/pkg/db/pagination"
	"github.com/telcobss/meterbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxStragglerPasses bounds eager re-rating attempts within the grace window
// so processing never spins on a record that cannot rate.
const maxStragglerPasses = 3

// ListSortFields is the allowlist for cycle list sorting.
var ListSortFields = map[string]bool{
	"cycle_number": true,
	"start_date":   true,
	"created_at":   true,
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Rater   ratingdomain.Service
	Invoice invoicedomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	rater   ratingdomain.Service
	invoice invoicedomain.Service
	repo    repository.Repository[billingcycledomain.BillingCycle]
}

func NewService(p ServiceParam) billingcycledomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billingcycle.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Config,
		rater:   p.Rater,
		invoice: p.Invoice,
		repo:    repository.ProvideStore[billingcycledomain.BillingCycle](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req billingcycledomain.CreateRequest) (*billingcycledomain.BillingCycle, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, billingcycledomain.ErrInvalidCustomer
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() || !req.EndDate.After(req.StartDate) {
		return nil, billingcycledomain.ErrInvalidDates
	}
	if req.DueDate != nil && req.DueDate.Before(req.EndDate) {
		return nil, billingcycledomain.ErrInvalidDates
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	var created *billingcycledomain.BillingCycle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest billingcycledomain.BillingCycle
		err := tx.Where("customer_id = ? AND status <> ?", customerID, billingcycledomain.StatusCancelled).
			Order("cycle_number DESC").
			First(&latest).Error

		cycleNumber := int64(1)
		switch {
		case err == nil:
			// Cycles for a customer must chain: each new period starts
			// exactly where the previous one ended.
			if !req.StartDate.Equal(latest.EndDate) {
				return billingcycledomain.ErrCycleNotContiguous
			}
			cycleNumber = latest.CycleNumber + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		now := s.clock.Now().UTC()
		cycle := &billingcycledomain.BillingCycle{
			ID:             s.genID.Generate(),
			CustomerID:     customerID,
			CycleNumber:    cycleNumber,
			StartDate:      req.StartDate.UTC(),
			EndDate:        req.EndDate.UTC(),
			DueDate:        req.DueDate,
			Status:         billingcycledomain.StatusPending,
			TotalUsage:     decimal.Zero,
			TotalCost:      decimal.Zero,
			TotalRatedCost: decimal.Zero,
			Currency:       currency,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(cycle).Error; err != nil {
			return err
		}
		created = cycle
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) Schedule(ctx context.Context, id string) (*billingcycledomain.BillingCycle, error) {
	cycle, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !billingcycledomain.CanTransition(cycle.Status, billingcycledomain.StatusScheduled) {
		return nil, billingcycledomain.ErrInvalidTransition
	}

	dueDate := cycle.DueDate
	if dueDate == nil {
		d := cycle.EndDate.Add(s.cfg.Billing.PaymentTerms)
		dueDate = &d
	}

	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&billingcycledomain.BillingCycle{}).
		Where("id = ? AND status = ?", cycle.ID, billingcycledomain.StatusPending).
		Updates(map[string]any{
			"status":     billingcycledomain.StatusScheduled,
			"due_date":   dueDate,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, billingcycledomain.ErrInvalidTransition
	}
	obsmetrics.Scheduler().IncBillingCycleTransition(string(billingcycledomain.StatusPending), string(billingcycledomain.StatusScheduled))

	cycle.Status = billingcycledomain.StatusScheduled
	cycle.DueDate = dueDate
	cycle.UpdatedAt = now
	return cycle, nil
}

func (s *Service) StartProcessing(ctx context.Context, id string) (*billingcycledomain.BillingCycle, error) {
	cycle, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !billingcycledomain.CanTransition(cycle.Status, billingcycledomain.StatusProcessing) {
		return nil, billingcycledomain.ErrInvalidTransition
	}
	from := cycle.Status

	// Guarded UPDATE plus the ux_cycle_processing partial unique index.
	// The NOT EXISTS check alone is write-skew-prone under READ COMMITTED
	// when two racers touch different cycles of the same customer; the
	// index makes the loser fail with a duplicate-key error.
	now := s.clock.Now().UTC()
	lockStart := time.Now()
	result := s.db.WithContext(ctx).Exec(`
		UPDATE billing_cycles
		SET status = ?, updated_at = ?
		WHERE id = ?
		  AND status IN (?, ?)
		  AND NOT EXISTS (
			SELECT 1 FROM billing_cycles sibling
			WHERE sibling.customer_id = ?
			  AND sibling.status = ?
			  AND sibling.id <> ?
		  )`,
		billingcycledomain.StatusProcessing, now,
		cycle.ID,
		billingcycledomain.StatusScheduled, billingcycledomain.StatusFailed,
		cycle.CustomerID,
		billingcycledomain.StatusProcessing,
		cycle.ID,
	)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceCycleByID, time.Since(lockStart))
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			obsmetrics.Scheduler().IncBillingCycleError(obsmetrics.CycleStageProcess, billingcycledomain.ErrCycleConflict)
			return nil, billingcycledomain.ErrCycleConflict
		}
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		current, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if billingcycledomain.CanTransition(current.Status, billingcycledomain.StatusProcessing) {
			obsmetrics.Scheduler().IncBillingCycleError(obsmetrics.CycleStageProcess, billingcycledomain.ErrCycleConflict)
			return nil, billingcycledomain.ErrCycleConflict
		}
		return nil, billingcycledomain.ErrInvalidTransition
	}
	obsmetrics.Scheduler().IncBillingCycleTransition(string(from), string(billingcycledomain.StatusProcessing))

	cycle.Status = billingcycledomain.StatusProcessing
	cycle.UpdatedAt = now
	return cycle, nil
}

func (s *Service) Process(ctx context.Context, id string) (*billingcycledomain.BillingCycle, error) {
	cycle, err := s.StartProcessing(ctx, id)
	if err != nil {
		return nil, err
	}

	deferred, unrated, err := s.settleStragglers(ctx, cycle)
	if err != nil {
		return nil, err
	}
	if len(unrated) > 0 {
		return s.failCycle(ctx, cycle, "unrated records past grace period", unrated)
	}

	if err := s.aggregate(ctx, cycle, deferred); err != nil {
		return nil, err
	}

	completed, err := s.Complete(ctx, id)
	if err != nil {
		if errors.Is(err, billingcycledomain.ErrInvoiceGeneration) {
			// Already moved to FAILED; surface the cycle state, the
			// failure is recorded on it.
			return s.GetByID(ctx, id)
		}
		return nil, err
	}
	return completed, nil
}

func (s *Service) Complete(ctx context.Context, id string) (*billingcycledomain.BillingCycle, error) {
	cycle, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cycle.Status == billingcycledomain.StatusCompleted {
		return cycle, nil
	}
	if !billingcycledomain.CanTransition(cycle.Status, billingcycledomain.StatusCompleted) {
		return nil, billingcycledomain.ErrInvalidTransition
	}

	invoiceID, err := s.invoice.GenerateForCycle(ctx, cycle)
	if err != nil {
		s.log.Error("invoice generation failed",
			zap.String("cycle_id", cycle.ID.String()),
			zap.Error(err),
		)
		obsmetrics.Scheduler().IncBillingCycleError(obsmetrics.CycleStageInvoice, err)
		if _, failErr := s.failCycle(ctx, cycle, err.Error(), nil); failErr != nil {
			return nil, failErr
		}
		return nil, billingcycledomain.ErrInvoiceGeneration
	}

	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&billingcycledomain.BillingCycle{}).
		Where("id = ? AND status = ?", cycle.ID, billingcycledomain.StatusProcessing).
		Updates(map[string]any{
			"status":     billingcycledomain.StatusCompleted,
			"invoice_id": invoiceID,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Raced with another completion of the same cycle.
		return s.GetByID(ctx, id)
	}
	obsmetrics.Scheduler().IncBillingCycleTransition(string(billingcycledomain.StatusProcessing), string(billingcycledomain.StatusCompleted))

	cycle.Status = billingcycledomain.StatusCompleted
	cycle.InvoiceID = &invoiceID
	cycle.UpdatedAt = now
	return cycle, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (*billingcycledomain.BillingCycle, error) {
	cycle, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !billingcycledomain.CanTransition(cycle.Status, billingcycledomain.StatusCancelled) {
		return nil, billingcycledomain.ErrInvalidTransition
	}
	from := cycle.Status

	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&billingcycledomain.BillingCycle{}).
		Where("id = ? AND status IN (?, ?)", cycle.ID,
			billingcycledomain.StatusPending, billingcycledomain.StatusScheduled).
		Updates(map[string]any{
			"status":     billingcycledomain.StatusCancelled,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, billingcycledomain.ErrInvalidTransition
	}
	obsmetrics.Scheduler().IncBillingCycleTransition(string(from), string(billingcycledomain.StatusCancelled))

	cycle.Status = billingcycledomain.StatusCancelled
	cycle.UpdatedAt = now
	return cycle, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*billingcycledomain.BillingCycle, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return nil, billingcycledomain.ErrCycleNotFound
	}
	cycle, err := s.repo.FindOne(ctx, &billingcycledomain.BillingCycle{ID: parsed})
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, billingcycledomain.ErrCycleNotFound
	}
	return cycle, nil
}

func (s *Service) List(ctx context.Context, req billingcycledomain.ListRequest) (pagination.Page[billingcycledomain.BillingCycle], error) {
	filter := &billingcycledomain.BillingCycle{}
	if req.CustomerID != "" {
		filter.CustomerID = req.CustomerID
	}
	if req.Status != "" {
		filter.Status = req.Status
	}

	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return pagination.Page[billingcycledomain.BillingCycle]{}, err
	}

	items, err := s.repo.Find(ctx, filter,
		option.ApplyPagination(req.Page),
		option.WithSortBy(option.QuerySortBy{
			Orders:  req.Page.Sort,
			Default: "cycle_number DESC",
		}),
	)
	if err != nil {
		return pagination.Page[billingcycledomain.BillingCycle]{}, err
	}

	cycles := make([]billingcycledomain.BillingCycle, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		cycles = append(cycles, *item)
	}
	return pagination.NewPage(cycles, req.Page, total), nil
}

// settleStragglers retries rating for unrated in-window records until the
// grace deadline. It returns deferred ids (when deferral is configured) or
// unrated ids (when the cycle must fail).
func (s *Service) settleStragglers(ctx context.Context, cycle *billingcycledomain.BillingCycle) (deferred, unrated []string, err error) {
	deadline := s.clock.Now().Add(s.cfg.Billing.GracePeriod)

	for pass := 0; ; pass++ {
		ids, err := s.pendingInWindow(ctx, cycle)
		if err != nil {
			return nil, nil, err
		}
		if len(ids) == 0 {
			return nil, nil, nil
		}

		if pass >= maxStragglerPasses || s.clock.Now().After(deadline) {
			if s.cfg.Billing.DeferStragglers {
				obsmetrics.Scheduler().IncBatchDeferred("process_cycles", "straggler_grace")
				return ids, nil, nil
			}
			return nil, ids, nil
		}

		for _, recordID := range ids {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if _, rateErr := s.rater.RateRecord(ctx, recordID); rateErr != nil {
				if errors.Is(rateErr, ratingdomain.ErrNoCostModel) ||
					errors.Is(rateErr, ratingdomain.ErrLeaseHeld) {
					continue
				}
				return nil, nil, rateErr
			}
		}
	}
}

// aggregate sums rated usage in [startDate, endDate) onto the PROCESSING
// cycle. Sums are computed in full decimal precision; the total cost is
// rounded to the currency's minor units at persist.
func (s *Service) aggregate(ctx context.Context, cycle *billingcycledomain.BillingCycle, deferred []string) error {
	var records []usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND is_rated = ? AND timestamp >= ? AND timestamp < ?",
			cycle.CustomerID, true, cycle.StartDate, cycle.EndDate).
		Find(&records).Error
	if err != nil {
		return err
	}

	totalUsage := decimal.Zero
	totalCost := decimal.Zero
	totalRated := decimal.Zero
	for _, record := range records {
		totalUsage = totalUsage.Add(record.UsageAmount)
		if record.Cost.Valid {
			totalCost = totalCost.Add(record.Cost.Decimal)
		}
		if record.RatedAmount.Valid {
			totalRated = totalRated.Add(record.RatedAmount.Decimal)
		}
	}

	updates := map[string]any{
		"total_usage":      totalUsage,
		"total_cost":       money.Round(totalCost, cycle.Currency),
		"total_rated_cost": money.Round(totalRated, cycle.Currency),
		"updated_at":       s.clock.Now().UTC(),
	}
	metadata := cycle.Metadata
	if len(deferred) > 0 {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[billingcycledomain.MetaDeferredRecordIDs] = deferred
		updates["metadata"] = metadata
	}

	err = s.db.WithContext(ctx).Model(&billingcycledomain.BillingCycle{}).
		Where("id = ?", cycle.ID).
		Updates(updates).Error
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddBatchProcessed("process_cycles", "usage_records", len(records))

	cycle.TotalUsage = totalUsage
	cycle.TotalCost = money.Round(totalCost, cycle.Currency)
	cycle.TotalRatedCost = money.Round(totalRated, cycle.Currency)
	cycle.Metadata = metadata
	return nil
}

func (s *Service) failCycle(ctx context.Context, cycle *billingcycledomain.BillingCycle, reason string, unrated []string) (*billingcycledomain.BillingCycle, error) {
	metadata := cycle.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[billingcycledomain.MetaFailureReason] = reason
	if len(unrated) > 0 {
		metadata[billingcycledomain.MetaUnratedRecordIDs] = unrated
	}

	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&billingcycledomain.BillingCycle{}).
		Where("id = ? AND status = ?", cycle.ID, billingcycledomain.StatusProcessing).
		Updates(map[string]any{
			"status":     billingcycledomain.StatusFailed,
			"metadata":   metadata,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	obsmetrics.Scheduler().IncBillingCycleTransition(string(billingcycledomain.StatusProcessing), string(billingcycledomain.StatusFailed))

	s.log.Warn("billing cycle failed",
		zap.String("cycle_id", cycle.ID.String()),
		zap.String("customer_id", cycle.CustomerID),
		zap.String("reason", reason),
		zap.Int("unrated_records", len(unrated)),
	)

	cycle.Status = billingcycledomain.StatusFailed
	cycle.Metadata = metadata
	cycle.UpdatedAt = now
	return cycle, nil
}

func (s *Service) pendingInWindow(ctx context.Context, cycle *billingcycledomain.BillingCycle) ([]string, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Where("customer_id = ? AND is_rated = ? AND timestamp >= ? AND timestamp < ?",
			cycle.CustomerID, false, cycle.StartDate, cycle.EndDate).
		Order("timestamp ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out, nil
}
