// Package scheduler runs the background jobs that move the billing
// pipeline: rating sweeps, cycle scheduling and cycle processing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
	"github.com/telcobss/meterbill/internal/clock"
	obsmetrics "github.com/telcobss/meterbill/internal/observability/metrics"
	ratingdomain "github.com/telcobss/meterbill/internal/rating/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

const (
	JobRatingSweep    = "rating_sweep"
	JobScheduleCycles = "schedule_cycles"
	JobProcessCycles  = "process_cycles"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Rating ratingdomain.Service
	Cycles billingcycledomain.Service
	Config Config `optional:"true"`
}

type Scheduler struct {
	db     *gorm.DB
	log    *zap.Logger
	cfg    Config
	clock  clock.Clock
	rating ratingdomain.Service
	cycles billingcycledomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Rating == nil || p.Cycles == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:     p.DB,
		log:    p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:    p.Config.withDefaults(),
		clock:  p.Clock,
		rating: p.Rating,
		cycles: p.Cycles,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRatingSweep, s.RatingSweepJob},
		{JobScheduleCycles, s.ScheduleCyclesJob},
		{JobProcessCycles, s.ProcessCyclesJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		name, run := job.Name, job.Run
		err = errors.Join(err, s.runJob(parent, name, s.cfg.JobTimeout, run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RatingSweepJob re-rates the oldest PENDING usage records.
func (s *Scheduler) RatingSweepJob(ctx context.Context) error {
	rated, err := s.rating.SweepPending(ctx, s.cfg.RatingBatchSize)
	if rated > 0 {
		obsmetrics.Scheduler().AddBatchProcessed(JobRatingSweep, "usage_records", rated)
		s.log.Info("rating sweep", zap.Int("rated", rated))
	}
	return err
}

// ScheduleCyclesJob moves PENDING cycles whose period has started to
// SCHEDULED so processing can pick them up.
func (s *Scheduler) ScheduleCyclesJob(ctx context.Context) error {
	ids, err := s.dueCycleIDs(ctx, billingcycledomain.StatusPending, "start_date <= ?")
	if err != nil {
		return err
	}

	var errs error
	scheduled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return errors.Join(errs, ctx.Err())
		}
		if _, err := s.cycles.Schedule(ctx, id); err != nil {
			if errors.Is(err, billingcycledomain.ErrInvalidTransition) {
				continue
			}
			errs = errors.Join(errs, err)
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		obsmetrics.Scheduler().AddBatchProcessed(JobScheduleCycles, "billing_cycles", scheduled)
		s.log.Info("cycles scheduled", zap.Int("count", scheduled))
	}
	return errs
}

// ProcessCyclesJob runs the close workflow for SCHEDULED cycles whose
// period has ended. Conflicting cycles are skipped and retried next tick.
func (s *Scheduler) ProcessCyclesJob(ctx context.Context) error {
	ids, err := s.dueCycleIDs(ctx, billingcycledomain.StatusScheduled, "end_date <= ?")
	if err != nil {
		return err
	}

	var errs error
	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return errors.Join(errs, ctx.Err())
		}
		if _, err := s.cycles.Process(ctx, id); err != nil {
			if errors.Is(err, billingcycledomain.ErrCycleConflict) ||
				errors.Is(err, billingcycledomain.ErrInvalidTransition) {
				continue
			}
			errs = errors.Join(errs, err)
			continue
		}
		processed++
	}
	if processed > 0 {
		obsmetrics.Scheduler().AddBatchProcessed(JobProcessCycles, "billing_cycles", processed)
		s.log.Info("cycles processed", zap.Int("count", processed))
	}
	return errs
}

func (s *Scheduler) dueCycleIDs(ctx context.Context, status billingcycledomain.CycleStatus, dateCond string) ([]string, error) {
	lockStart := time.Now()
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&billingcycledomain.BillingCycle{}).
		Where("status = ?", status).
		Where(dateCond, s.clock.Now().UTC()).
		Order("start_date ASC").
		Limit(s.cfg.CycleBatchSize).
		Pluck("id", &ids).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceCyclesForWork, time.Since(lockStart))
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out, nil
}
