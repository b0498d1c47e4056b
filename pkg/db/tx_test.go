package db_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/pkg/db"
	"github.com/smallbiznis/gymledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingObserver struct {
	retries   int
	exhausted int
}

func (o *recordingObserver) ObserveContentionRetry(string)     { o.retries++ }
func (o *recordingObserver) ObserveContentionExhausted(string) { o.exhausted++ }

func newTransactor(t *testing.T, tries uint) (*db.Transactor, *recordingObserver) {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	cfg.Contention.MaxTries = tries
	cfg.Contention.InitialBackoff = time.Millisecond
	cfg.Contention.MaxBackoff = 2 * time.Millisecond

	observer := &recordingObserver{}
	return db.NewTransactor(db.TransactorParams{
		DB:       dbtest.New(t),
		Config:   config.NewStaticEngineConfigHolder(cfg),
		Observer: observer,
	}), observer
}

func TestTransactorRetriesContention(t *testing.T) {
	tr, observer := newTransactor(t, 4)

	attempts := 0
	err := tr.Run(context.Background(), "test.retry", func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: db.SQLStateLockNotAvailable}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, observer.retries)
	assert.Equal(t, 0, observer.exhausted)
}

func TestTransactorSurfacesContentionAfterRetries(t *testing.T) {
	tr, observer := newTransactor(t, 3)

	attempts := 0
	err := tr.Run(context.Background(), "test.exhausted", func(tx *gorm.DB) error {
		attempts++
		return fmt.Errorf("lock row: %w", &pgconn.PgError{Code: db.SQLStateSerializationFailure})
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrContention)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, observer.exhausted)
}

func TestTransactorDoesNotRetryBusinessErrors(t *testing.T) {
	tr, _ := newTransactor(t, 4)
	errRule := errors.New("invalid_transition")

	attempts := 0
	err := tr.Run(context.Background(), "test.permanent", func(tx *gorm.DB) error {
		attempts++
		return errRule
	})

	assert.ErrorIs(t, err, errRule)
	assert.NotErrorIs(t, err, db.ErrContention)
	assert.Equal(t, 1, attempts)
}

func TestTransactorRollsBackOnError(t *testing.T) {
	tr, _ := newTransactor(t, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := tr.Run(context.Background(), "test.rollback", func(tx *gorm.DB) error {
		if err := tx.Exec(`INSERT INTO membership_plans (id, code, name, duration_days, price, is_active, is_archived, created_at, updated_at)
			VALUES (1, 'monthly', 'Monthly', 30, 150000, true, false, ?, ?)`, now, now).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, tr.DB().Raw(`SELECT COUNT(1) FROM membership_plans`).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}
