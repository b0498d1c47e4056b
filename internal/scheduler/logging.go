package scheduler

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	obscontext "github.com/smallbiznis/gymledger/internal/observability/context"
	obslogger "github.com/smallbiznis/gymledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun is one execution of a job. Its id doubles as the request id so
// audit and gorm log lines written during the sweep correlate with it.
type jobRun struct {
	job       string
	id        string
	log       *zap.Logger
	startedAt time.Time
	processed int
	failed    int
}

type jobRunKey struct{}

func (s *Scheduler) beginRun(ctx context.Context, job string) (context.Context, *jobRun) {
	id := ulid.Make().String()
	ctx = obscontext.WithRequestID(ctx, id)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	run := &jobRun{
		job:       job,
		id:        id,
		log:       obslogger.WithContext(ctx, s.log).With(zap.String("job", job), zap.String("run_id", id)),
		startedAt: time.Now(),
	}
	return context.WithValue(ctx, jobRunKey{}, run), run
}

// runFrom returns the run started by runJob, or a fresh one when a job
// function is invoked on its own.
func (s *Scheduler) runFrom(ctx context.Context, job string) (context.Context, *jobRun) {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && run.job == job {
		return ctx, run
	}
	return s.beginRun(ctx, job)
}

func (r *jobRun) started(batchSize int) {
	r.log.Info("scheduler.job.start", zap.Int("batch_size", batchSize))
}

func (r *jobRun) finished() {
	fields := []zap.Field{
		zap.Int64("duration_ms", time.Since(r.startedAt).Milliseconds()),
		zap.Int("processed_count", r.processed),
		zap.Int("error_count", r.failed),
	}
	if r.failed > 0 {
		r.log.Warn("scheduler.job.finish", fields...)
		return
	}
	r.log.Info("scheduler.job.finish", fields...)
}

// fail records a per-record or per-batch failure without stopping the run.
func (r *jobRun) fail(err error, fields ...zap.Field) {
	r.failed++
	r.log.Error("scheduler.job.error", append([]zap.Field{
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, fields...)...)
}
