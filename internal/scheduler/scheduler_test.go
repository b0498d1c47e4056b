package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	analyticsservice "github.com/smallbiznis/gymledger/internal/analytics/service"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/identity"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
	membershiprepository "github.com/smallbiznis/gymledger/internal/membership/repository"
	membershipservice "github.com/smallbiznis/gymledger/internal/membership/service"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	"github.com/smallbiznis/gymledger/internal/ratelimit"
	"github.com/smallbiznis/gymledger/internal/testenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var staff = identity.Actor{ID: 500, Role: identity.RoleStaff}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "gymledger",
		Environment: "test",
	})

	s := &Scheduler{log: zap.NewNop(), clock: clock.NewFakeClock(time.Time{}), locker: ratelimit.NewMemoryLocker()}
	err := s.runJob(context.Background(), "timeout_job", runSettings{jobTimeout: 5 * time.Millisecond, lockTTL: time.Minute}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "gymledger",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "gymledger_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "gymledger",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "gymledger_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}

	// The lease is released after the run.
	_, ok, err := s.locker.TryLock(context.Background(), "gymledger:scheduler:timeout_job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type fixture struct {
	env      *testenv.Env
	ledger   membershipdomain.Ledger
	sched    *Scheduler
	locker   *ratelimit.MemoryLocker
	registry *prometheus.Registry
	plan30   snowflake.ID
	plan60   snowflake.ID
}

type fixtureOptions struct {
	engine *config.EngineConfig
	wrap   func(membershipdomain.Ledger) membershipdomain.Ledger
}

func newFixture(t *testing.T, opts fixtureOptions) fixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()

	var envOpts []testenv.Option
	if opts.engine != nil {
		envOpts = append(envOpts, testenv.WithEngineConfig(*opts.engine))
	}
	env := testenv.New(t, envOpts...)
	ledger := membershipservice.New(membershipservice.Params{
		Tx:      env.Tx,
		Log:     env.Log,
		GenID:   env.GenID,
		Clock:   env.Clock,
		Config:  env.Config,
		Repo:    membershiprepository.Provide(),
		Catalog: env.Catalog,
		Audit:   env.Audit,
		Authz:   env.Authz,
	})
	analytics := analyticsservice.New(analyticsservice.Params{
		Tx:     env.Tx,
		Log:    env.Log,
		Clock:  env.Clock,
		Config: env.Config,
		Ledger: ledger,
		Authz:  env.Authz,
	})

	swept := ledger
	if opts.wrap != nil {
		swept = opts.wrap(ledger)
	}
	locker := ratelimit.NewMemoryLocker()
	sched, err := New(Params{
		Log:       env.Log,
		Clock:     env.Clock,
		Engine:    env.Config,
		Ledger:    swept,
		Analytics: analytics,
		Locker:    locker,
	})
	require.NoError(t, err)

	return fixture{
		env:      env,
		ledger:   ledger,
		sched:    sched,
		locker:   locker,
		registry: registry,
		plan30:   env.SeedPlan(t, "monthly", 30, 150000).ID,
		plan60:   env.SeedPlan(t, "bimonthly", 60, 280000).ID,
	}
}

func (f fixture) active(t *testing.T, memberID, planID snowflake.ID) *membershipdomain.UserMembership {
	t.Helper()
	ctx := context.Background()
	m, err := f.ledger.Open(ctx, membershipdomain.OpenRequest{Actor: staff, MemberID: memberID, PlanID: planID})
	require.NoError(t, err)
	m, err = f.ledger.Activate(ctx, membershipdomain.ActivateRequest{Actor: staff, MembershipID: m.ID})
	require.NoError(t, err)
	return m
}

func (f fixture) status(t *testing.T, id snowflake.ID) membershipdomain.Status {
	t.Helper()
	m, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return m.Status
}

func TestRunOnceExpiresOnlyPastEndDate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	due := f.active(t, 1001, f.plan30)
	later := f.active(t, 1002, f.plan60)
	pending, err := f.ledger.Open(ctx, membershipdomain.OpenRequest{Actor: staff, MemberID: 1003, PlanID: f.plan30})
	require.NoError(t, err)

	f.env.Clock.Set(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC))
	require.NoError(t, f.sched.RunOnce(ctx))

	assert.Equal(t, membershipdomain.StatusExpired, f.status(t, due.ID))
	assert.Equal(t, membershipdomain.StatusActive, f.status(t, later.ID))
	assert.Equal(t, membershipdomain.StatusPending, f.status(t, pending.ID))
	assert.Equal(t, int64(1), f.env.AuditCount(t, auditdomain.ActionMembershipExpired))

	// A second run finds nothing and writes nothing.
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, int64(1), f.env.AuditCount(t, auditdomain.ActionMembershipExpired))

	var rollups int64
	require.NoError(t, f.env.DB.Table("daily_analytics").Count(&rollups).Error)
	assert.Equal(t, int64(2), rollups, "today and yesterday are rolled up")

	processed := getCounterValue(t, f.registry, "gymledger_scheduler_batch_processed_total", map[string]string{
		"service":  "gymledger",
		"env":      "unknown",
		"job":      JobExpireMemberships,
		"resource": obsmetrics.LockResourceMembershipsForExpiry,
	})
	assert.Equal(t, float64(1), processed)
}

func TestRunOnceLeavesMembershipEndingNow(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	m := f.active(t, 1001, f.plan30)

	f.env.Clock.Set(m.EndDate)
	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, membershipdomain.StatusActive, f.status(t, m.ID))
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	m := f.active(t, 1001, f.plan30)

	_, ok, err := f.locker.TryLock(ctx, "gymledger:scheduler:"+JobExpireMemberships, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	f.env.Clock.Set(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, membershipdomain.StatusActive, f.status(t, m.ID))

	deferred := getCounterValue(t, f.registry, "gymledger_scheduler_batch_deferred_total", map[string]string{
		"service": "gymledger",
		"env":     "unknown",
		"job":     JobExpireMemberships,
		"reason":  obsmetrics.SchedulerBatchDeferredReasonLockHeld,
	})
	assert.Equal(t, float64(1), deferred)
}

var errDiskFull = errors.New("disk full")

type flakyLedger struct {
	membershipdomain.Ledger
	failFor snowflake.ID
}

func (l flakyLedger) Expire(ctx context.Context, req membershipdomain.ExpireRequest) (*membershipdomain.UserMembership, error) {
	if req.MembershipID == l.failFor {
		return nil, errDiskFull
	}
	return l.Ledger.Expire(ctx, req)
}

func TestRecordFailureDoesNotAbortSweep(t *testing.T) {
	engine := config.DefaultEngineConfig()
	engine.Expiry.BatchSize = 1
	engine.Contention.InitialBackoff = time.Millisecond
	engine.Contention.MaxBackoff = 5 * time.Millisecond

	var failing snowflake.ID
	f := newFixture(t, fixtureOptions{
		engine: &engine,
		wrap: func(l membershipdomain.Ledger) membershipdomain.Ledger {
			return &lazyFlaky{Ledger: l, failFor: &failing}
		},
	})
	ctx := context.Background()

	first := f.active(t, 1001, f.plan30)
	second := f.active(t, 1002, f.plan30)
	failing = first.ID

	f.env.Clock.Set(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
	err := f.sched.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, membershipdomain.StatusActive, f.status(t, first.ID))
	assert.Equal(t, membershipdomain.StatusExpired, f.status(t, second.ID))

	// The next cycle retries the record that failed.
	failing = 0
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, membershipdomain.StatusExpired, f.status(t, first.ID))
}

// lazyFlaky reads the failing id at call time.
type lazyFlaky struct {
	membershipdomain.Ledger
	failFor *snowflake.ID
}

func (l *lazyFlaky) Expire(ctx context.Context, req membershipdomain.ExpireRequest) (*membershipdomain.UserMembership, error) {
	return flakyLedger{Ledger: l.Ledger, failFor: *l.failFor}.Expire(ctx, req)
}

func TestEnabledJobs(t *testing.T) {
	s := &Scheduler{cfg: Config{EnabledJobs: []string{"Expire_Memberships"}}}
	assert.True(t, s.isJobEnabled(JobExpireMemberships))
	assert.False(t, s.isJobEnabled(JobAnalyticsRollup))

	s.cfg.EnabledJobs = nil
	assert.True(t, s.isJobEnabled(JobAnalyticsRollup))
}

func TestSettingsKeepLeaseLongerThanJob(t *testing.T) {
	engine := config.DefaultEngineConfig()
	engine.Expiry.LockTTL = time.Second
	engine.Expiry.JobTimeout = time.Minute
	engine.Expiry.BatchSize = 0

	s := settingsFrom(config.NewStaticEngineConfigHolder(engine))
	assert.Greater(t, s.lockTTL, s.jobTimeout)
	assert.Equal(t, config.DefaultEngineConfig().Expiry.BatchSize, s.batchSize)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
