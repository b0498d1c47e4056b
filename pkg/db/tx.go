package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/gymledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ContentionObserver receives retry signals from Transactor.
type ContentionObserver interface {
	ObserveContentionRetry(operation string)
	ObserveContentionExhausted(operation string)
}

// Transactor runs units of work in a transaction and retries them when the
// database reports lock timeouts, serialization failures or deadlocks.
type Transactor struct {
	db       *gorm.DB
	cfg      *config.EngineConfigHolder
	observer ContentionObserver
	log      *zap.Logger
}

type TransactorParams struct {
	fx.In

	DB       *gorm.DB
	Config   *config.EngineConfigHolder `optional:"true"`
	Observer ContentionObserver         `optional:"true"`
	Log      *zap.Logger                `optional:"true"`
}

func NewTransactor(p TransactorParams) *Transactor {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Transactor{
		db:       p.DB,
		cfg:      p.Config,
		observer: p.Observer,
		log:      log.Named("db.transactor"),
	}
}

// DB returns the underlying handle for read-only queries.
func (t *Transactor) DB() *gorm.DB {
	return t.db
}

// Run executes fn inside a transaction. fn may run more than once, so it must
// not leak side effects outside tx. Non-contention errors are returned as-is
// after the first attempt; contention that survives every retry is reported
// as ErrContention.
func (t *Transactor) Run(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	policy := t.cfg.Get().Contention

	b := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		b.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		b.MaxInterval = policy.MaxBackoff
	}
	maxTries := policy.MaxTries
	if maxTries == 0 {
		maxTries = 1
	}

	var attempt uint
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := applyTimeouts(tx, policy); err != nil {
				return err
			}
			return fn(tx)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if !IsContention(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempt < maxTries {
			t.log.Warn("db.contention.retry",
				zap.String("operation", operation),
				zap.Uint("attempt", attempt),
				zap.String("sqlstate", SQLState(err)),
			)
			if t.observer != nil {
				t.observer.ObserveContentionRetry(operation)
			}
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))

	if err == nil {
		return nil
	}
	if IsContention(err) && !errors.Is(err, ErrContention) {
		t.log.Error("db.contention.exhausted",
			zap.String("operation", operation),
			zap.Uint("attempts", attempt),
			zap.Error(err),
		)
		if t.observer != nil {
			t.observer.ObserveContentionExhausted(operation)
		}
		return fmt.Errorf("%s: %w: %v", operation, ErrContention, err)
	}
	return err
}

func applyTimeouts(tx *gorm.DB, policy config.ContentionConfig) error {
	if !IsPostgres(tx) {
		return nil
	}
	if policy.LockTimeout > 0 {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = %d", durationMillis(policy.LockTimeout))).Error; err != nil {
			return err
		}
	}
	if policy.StatementTimeout > 0 {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", durationMillis(policy.StatementTimeout))).Error; err != nil {
			return err
		}
	}
	return nil
}

func durationMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}

// LockKey takes a transaction-scoped advisory lock on PostgreSQL so that
// writers touching the same logical set serialize. Other dialects rely on
// row locks and unique indexes alone.
func LockKey(tx *gorm.DB, key int64) error {
	if !IsPostgres(tx) {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error
}
