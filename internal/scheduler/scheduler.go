package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/gymledger/internal/analytics/domain"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/identity"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	"github.com/smallbiznis/gymledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireMemberships = "expire_memberships"
	JobAnalyticsRollup   = "analytics_rollup"

	runLockKeyFormat = "gymledger:scheduler:%s"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Engine    *config.EngineConfigHolder
	Ledger    membershipdomain.Ledger
	Analytics analyticsdomain.Service `optional:"true"`
	Locker    ratelimit.RunLocker
	Config    Config `optional:"true"`
}

// Scheduler sweeps expired memberships and refreshes daily analytics.
// Overlapping runs, in this process or another, are excluded by a lease
// per job.
type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	engine    *config.EngineConfigHolder
	ledger    membershipdomain.Ledger
	analytics analyticsdomain.Service
	locker    ratelimit.RunLocker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Ledger == nil || p.Locker == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config,
		clock:     p.Clock,
		engine:    p.Engine,
		ledger:    p.Ledger,
		analytics: p.Analytics,
		locker:    p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	settings runSettings,
	fn func(ctx context.Context) error,
) error {
	schedMetrics := obsmetrics.Scheduler()
	key := fmt.Sprintf(runLockKeyFormat, name)

	token, ok, err := s.locker.TryLock(parent, key, settings.lockTTL)
	if err != nil {
		schedMetrics.IncJobError(name, err)
		return fmt.Errorf("%s: acquire run lock: %w", name, err)
	}
	if !ok {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Info("scheduler.job.skipped", zap.String("job", name), zap.String("reason", "lock_held"))
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.Background(), key, token); err != nil {
			s.log.Warn("scheduler.lock.release_failed", zap.String("job", name), zap.Error(err))
		}
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, settings.jobTimeout)
	defer cancel()

	ctx, run := s.beginRun(ctx, name)
	run.started(settings.batchSize)
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.failed == 0 {
		run.failed++
	}
	run.finished()
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		run.log.Warn("scheduler.job.timeout", zap.Duration("timeout", settings.jobTimeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	settings := settingsFrom(s.engine)

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobExpireMemberships, s.isJobEnabled(JobExpireMemberships), s.ExpireMembershipsJob},
		{JobAnalyticsRollup, s.analytics != nil && s.isJobEnabled(JobAnalyticsRollup), s.AnalyticsRollupJob},
	}

	var err error
	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, s.runJob(parent, job.Name, settings, job.Run))
		}
	}
	return err
}

// RunForever runs until ctx is cancelled. The interval is re-read after
// every run.
func (s *Scheduler) RunForever(ctx context.Context) {
	schedMetrics := obsmetrics.Scheduler()
	interval := settingsFrom(s.engine).interval
	nextRun := time.Now()

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		interval = settingsFrom(s.engine).interval
		nextRun = time.Now().Add(interval)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
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

// ExpireMembershipsJob expires every active membership whose end date has
// passed. A failing record is logged and left for the next run.
func (s *Scheduler) ExpireMembershipsJob(ctx context.Context) error {
	settings := settingsFrom(s.engine)
	ctx, run := s.runFrom(ctx, JobExpireMemberships)
	schedMetrics := obsmetrics.Scheduler()

	var (
		afterID snowflake.ID
		jobErr  error
		claimed int
	)
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		lockStart := time.Now()
		ids, err := s.ledger.DueForExpiry(ctx, afterID, settings.batchSize)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceMembershipsForExpiry, time.Since(lockStart))
		if err != nil {
			run.fail(err)
			return errors.Join(jobErr, err)
		}
		if len(ids) == 0 {
			break
		}
		claimed += len(ids)

		processed := 0
		for _, id := range ids {
			afterID = id
			if err := s.expireOne(ctx, run, id); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			processed++
		}
		run.processed += processed
		schedMetrics.AddBatchProcessed(JobExpireMemberships, obsmetrics.LockResourceMembershipsForExpiry, processed)

		if len(ids) < settings.batchSize {
			break
		}
	}

	if claimed == 0 {
		schedMetrics.IncBatchDeferred(JobExpireMemberships, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
	}
	return jobErr
}

func (s *Scheduler) expireOne(ctx context.Context, run *jobRun, id snowflake.ID) error {
	_, err := s.ledger.Expire(ctx, membershipdomain.ExpireRequest{MembershipID: id})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auditdomain.ErrAuditWriteFailure):
		run.log.Warn("scheduler.audit.degraded", zap.String("membership_id", id.String()))
		return nil
	case errors.Is(err, membershipdomain.ErrInvalidTransition):
		// Cancelled between claim and expiry.
		run.log.Debug("scheduler.membership.skipped", zap.String("membership_id", id.String()))
		return nil
	}
	run.fail(err, zap.String("membership_id", id.String()))
	return fmt.Errorf("membership %s: %w", id, err)
}

// AnalyticsRollupJob recomputes today and yesterday so late decisions on
// yesterday's purchases are reflected.
func (s *Scheduler) AnalyticsRollupJob(ctx context.Context) error {
	ctx, run := s.runFrom(ctx, JobAnalyticsRollup)

	now := s.clock.Now()
	var jobErr error
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		if _, err := s.analytics.Rollup(ctx, identity.System, day); err != nil {
			run.fail(err, zap.String("date", day.UTC().Format(time.DateOnly)))
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.processed++
	}
	return jobErr
}
