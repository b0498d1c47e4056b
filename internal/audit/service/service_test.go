package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/audit/repository"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/identity"
	"github.com/smallbiznis/gymledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// flakyRepo fails the first `failures` inserts and then delegates.
type flakyRepo struct {
	auditdomain.Repository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepo) Insert(ctx context.Context, db *gorm.DB, entry *auditdomain.AuditLog) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("disk full")
	}
	r.mu.Unlock()
	return r.Repository.Insert(ctx, db, entry)
}

type fixture struct {
	db         *gorm.DB
	svc        auditdomain.Service
	reconciler *Reconciler
	clock      *clock.FakeClock
}

func newFixture(t *testing.T, repo auditdomain.Repository) fixture {
	t.Helper()
	return newFixtureWithQueue(t, dbtest.New(t), repo, nil)
}

func newFixtureWithQueue(t *testing.T, conn *gorm.DB, repo auditdomain.Repository, queue Queue) fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	reconciler := NewReconciler(ReconcilerParams{DB: conn, Repo: repo, Log: zap.NewNop(), Queue: queue})
	reconciler.tries = 1
	svc := NewService(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Repo:       repo,
		Reconciler: reconciler,
	})
	return fixture{db: conn, svc: svc, reconciler: reconciler, clock: clk}
}

func walkInEntry() auditdomain.Entry {
	return auditdomain.Entry{
		Actor:        identity.Actor{ID: 11, Role: identity.RoleStaff},
		SubjectModel: "walk_in_payment",
		SubjectID:    99,
		Payload: auditdomain.WalkInRecorded{
			WalkInID:     "99",
			PassID:       "5",
			CustomerName: "Walk-in Customer",
			MobileNo:     "09171234567",
			Amount:       15000,
			Method:       "cash",
			ReferenceNo:  "WLK-20260301-123456",
		},
	}
}

func TestRecordWritesInsideTransaction(t *testing.T) {
	f := newFixture(t, repository.Provide())
	ctx := context.Background()

	err := f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.Record(ctx, tx, walkInEntry())
	})
	require.NoError(t, err)

	resp, err := f.svc.List(ctx, auditdomain.ListAuditLogRequest{Action: string(auditdomain.ActionWalkInRecorded)})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, auditdomain.SeverityInfo, entry.Severity)
	assert.Equal(t, "****4567", entry.Data["mobile_no"])
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, snowflake.ID(11), *entry.ActorID)
}

func TestRecordRollsBackWithTransaction(t *testing.T) {
	f := newFixture(t, repository.Provide())
	ctx := context.Background()

	err := f.db.Transaction(func(tx *gorm.DB) error {
		if err := f.svc.Record(ctx, tx, walkInEntry()); err != nil {
			return err
		}
		return errors.New("business failure")
	})
	require.Error(t, err)

	resp, err := f.svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.AuditLogs)
}

func TestDegradedWriteIsReconciled(t *testing.T) {
	repo := &flakyRepo{Repository: repository.Provide(), failures: 1}
	f := newFixture(t, repo)
	ctx := context.Background()

	var degraded auditdomain.Degraded
	err := f.db.Transaction(func(tx *gorm.DB) error {
		degraded.Reset()
		if err := tx.Exec(`INSERT INTO membership_plans (id, code, name, duration_days, price, is_active, is_archived, created_at, updated_at)
			VALUES (1, 'monthly', 'Monthly', 30, 150000, true, false, ?, ?)`, f.clock.Now(), f.clock.Now()).Error; err != nil {
			return err
		}
		return degraded.Capture(f.svc.Record(ctx, tx, walkInEntry()))
	})
	require.NoError(t, err)

	var plans int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM membership_plans`).Scan(&plans).Error)
	assert.Equal(t, int64(1), plans, "business write must commit despite audit failure")

	settleErr := f.svc.Settle(ctx, &degraded)
	require.Error(t, settleErr)
	assert.ErrorIs(t, settleErr, auditdomain.ErrAuditWriteFailure)
	assertPending(t, f.reconciler, 1)

	delivered, err := f.reconciler.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assertPending(t, f.reconciler, 0)

	resp, err := f.svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 1)

	// Redelivery of the same entry is a no-op.
	require.NoError(t, f.reconciler.Enqueue(ctx, resp.AuditLogs[0]))
	_, err = f.reconciler.Flush(ctx)
	require.NoError(t, err)
	resp, err = f.svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 1)
}

func assertPending(t *testing.T, r *Reconciler, want int) {
	t.Helper()
	pending, err := r.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, pending)
}

func TestFailedRedeliveryStaysQueued(t *testing.T) {
	repo := &flakyRepo{Repository: repository.Provide(), failures: 2}
	f := newFixture(t, repo)
	ctx := context.Background()

	require.Error(t, f.svc.RecordDetached(ctx, walkInEntry()))
	assertPending(t, f.reconciler, 1)

	delivered, err := f.reconciler.Flush(ctx)
	require.Error(t, err)
	assert.Zero(t, delivered)
	assertPending(t, f.reconciler, 1)

	delivered, err = f.reconciler.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assertPending(t, f.reconciler, 0)
	assert.Len(t, mustList(t, f.svc), 1)
}

func mustList(t *testing.T, svc auditdomain.Service) []auditdomain.AuditLog {
	t.Helper()
	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	return resp.AuditLogs
}

func TestSettleWithoutFailures(t *testing.T) {
	f := newFixture(t, repository.Provide())
	var degraded auditdomain.Degraded
	assert.NoError(t, f.svc.Settle(context.Background(), &degraded))
	assert.NoError(t, degraded.Capture(nil))

	other := errors.New("boom")
	assert.ErrorIs(t, degraded.Capture(other), other)
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t, repository.Provide())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.RecordDetached(ctx, walkInEntry()))
		f.clock.Advance(time.Minute)
	}

	first, err := f.svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Len(t, first.AuditLogs, 3)
	assert.False(t, first.HasMore)

	page := auditdomain.ListAuditLogRequest{}
	page.PageSize = 2
	resp, err := f.svc.List(ctx, page)
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 2)
	assert.True(t, resp.HasMore)
	assert.True(t, resp.AuditLogs[0].CreatedAt.After(resp.AuditLogs[1].CreatedAt))

	page.PageToken = resp.NextPageToken
	resp, err = f.svc.List(ctx, page)
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.False(t, resp.HasMore)
}

func TestListRejectsInvalidRange(t *testing.T) {
	f := newFixture(t, repository.Provide())
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	_, err := f.svc.List(context.Background(), auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	req := auditdomain.ListAuditLogRequest{}
	req.PageToken = "not-a-token"
	_, err = f.svc.List(context.Background(), req)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
