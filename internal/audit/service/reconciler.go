package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	redis "github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultReconcileInterval = 10 * time.Second
	defaultDeliveryTries     = 3
)

// Reconciler redelivers audit entries that could not be written with their
// business transaction. Delivery is at-least-once; inserts are idempotent
// on the entry id.
type Reconciler struct {
	db       *gorm.DB
	repo     auditdomain.Repository
	queue    Queue
	log      *zap.Logger
	metrics  *obsmetrics.EngineMetrics
	interval time.Duration
	tries    uint
}

type ReconcilerParams struct {
	fx.In

	DB    *gorm.DB
	Repo  auditdomain.Repository
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
	Queue Queue         `optional:"true"`
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	queue := p.Queue
	if queue == nil {
		queue = NewQueue(p.Redis)
	}
	return &Reconciler{
		db:       p.DB,
		repo:     p.Repo,
		queue:    queue,
		log:      p.Log.Named("audit.reconciler"),
		metrics:  obsmetrics.Engine(),
		interval: defaultReconcileInterval,
		tries:    defaultDeliveryTries,
	}
}

func (r *Reconciler) Enqueue(ctx context.Context, row auditdomain.AuditLog) error {
	if err := r.queue.Push(ctx, row); err != nil {
		r.metrics.IncAuditReconciled("enqueue_failed")
		return fmt.Errorf("queue audit entry %s: %w", row.ID, err)
	}
	return nil
}

func (r *Reconciler) Pending(ctx context.Context) (int, error) {
	return r.queue.Len(ctx)
}

// Flush attempts every entry queued at call time once, with short in-place
// retries. Entries that still fail go back to the tail for the next cycle.
func (r *Reconciler) Flush(ctx context.Context) (int, error) {
	queued, err := r.queue.Len(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var errs []error
	for range queued {
		claimed, err := r.queue.Pop(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if claimed == nil {
			break
		}

		row := claimed.Row
		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, r.repo.Insert(ctx, r.db, &row)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(r.tries))
		if err != nil {
			errs = append(errs, err)
			r.metrics.IncAuditReconciled("failed")
			r.log.Warn("audit.reconcile.failed",
				zap.String("audit_id", row.ID.String()),
				zap.String("action", row.Action),
				zap.Error(err),
			)
			if nackErr := r.queue.Nack(ctx, claimed); nackErr != nil {
				errs = append(errs, nackErr)
			}
			continue
		}

		delivered++
		r.metrics.IncAuditReconciled("delivered")
		r.log.Info("audit.reconcile.delivered",
			zap.String("audit_id", row.ID.String()),
			zap.String("action", row.Action),
		)
		if ackErr := r.queue.Ack(ctx, claimed); ackErr != nil {
			r.log.Warn("audit.reconcile.ack_failed", zap.String("audit_id", row.ID.String()), zap.Error(ackErr))
		}
	}
	return delivered, errors.Join(errs...)
}

// Run flushes on a fixed interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				pending, _ := r.Pending(ctx)
				r.log.Warn("audit.reconcile.cycle_incomplete", zap.Int("pending", pending), zap.Error(err))
			}
		}
	}
}

// RegisterReconciler runs the reconciler for the application lifetime and
// makes a final delivery attempt on shutdown.
func RegisterReconciler(lc fx.Lifecycle, r *Reconciler) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if recovered, err := r.queue.Recover(ctx); err != nil {
				r.log.Warn("audit.reconcile.recover_failed", zap.Error(err))
			} else if recovered > 0 {
				r.log.Info("audit.reconcile.recovered", zap.Int("entries", recovered))
			}
			runCtx, c := context.WithCancel(context.Background())
			cancel = c
			go r.Run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if _, err := r.Flush(ctx); err != nil {
				pending, _ := r.Pending(ctx)
				r.log.Error("audit.reconcile.shutdown_undelivered",
					zap.Int("pending", pending),
					zap.Error(err),
				)
			}
			return nil
		},
	})
}
