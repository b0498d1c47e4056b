package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/audit/repository"
	"github.com/smallbiznis/gymledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, func() *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	return srv, func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}
}

func TestQueuedEntrySurvivesRestart(t *testing.T) {
	_, connect := newRedis(t)
	conn := dbtest.New(t)
	ctx := context.Background()

	down := &flakyRepo{Repository: repository.Provide(), failures: 100}
	before := newFixtureWithQueue(t, conn, down, NewRedisQueue(connect()))
	require.ErrorIs(t, before.svc.RecordDetached(ctx, walkInEntry()), auditdomain.ErrAuditWriteFailure)
	assertPending(t, before.reconciler, 1)

	// A new process sees the entry through its own connection.
	after := newFixtureWithQueue(t, conn, repository.Provide(), NewRedisQueue(connect()))
	assertPending(t, after.reconciler, 1)

	delivered, err := after.reconciler.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assertPending(t, after.reconciler, 0)

	logs := mustList(t, after.svc)
	require.Len(t, logs, 1)
	assert.Equal(t, string(auditdomain.ActionWalkInRecorded), logs[0].Action)
	require.NotNil(t, logs[0].ActorID)
	assert.Equal(t, snowflake.ID(11), *logs[0].ActorID)
	assert.Equal(t, "****4567", logs[0].Data["mobile_no"])
}

func TestUnackedClaimIsRecoveredOnStart(t *testing.T) {
	srv, connect := newRedis(t)
	conn := dbtest.New(t)
	ctx := context.Background()

	crashed := NewRedisQueue(connect())
	row := auditdomain.AuditLog{ID: 77, Action: string(auditdomain.ActionPaymentConfirmed), Severity: auditdomain.SeverityInfo}
	require.NoError(t, crashed.Push(ctx, row))
	claimed, err := crashed.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, snowflake.ID(77), claimed.Row.ID)

	inflight, err := srv.List(redisInflightKey)
	require.NoError(t, err)
	assert.Len(t, inflight, 1)

	f := newFixtureWithQueue(t, conn, repository.Provide(), NewRedisQueue(connect()))
	lc := fxtest.NewLifecycle(t)
	RegisterReconciler(lc, f.reconciler)
	lc.RequireStart()
	assertPending(t, f.reconciler, 1)

	// Shutdown makes a final delivery pass.
	lc.RequireStop()
	assertPending(t, f.reconciler, 0)
	assert.False(t, srv.Exists(redisInflightKey))

	logs := mustList(t, f.svc)
	require.Len(t, logs, 1)
	assert.Equal(t, snowflake.ID(77), logs[0].ID)
}

func TestNackMovesEntryToTail(t *testing.T) {
	_, connect := newRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(connect())

	require.NoError(t, q.Push(ctx, auditdomain.AuditLog{ID: 1}))
	require.NoError(t, q.Push(ctx, auditdomain.AuditLog{ID: 2}))

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, first))

	next, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(2), next.Row.ID)
	require.NoError(t, q.Ack(ctx, next))

	last, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(1), last.Row.ID)
	require.NoError(t, q.Ack(ctx, last))

	empty, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestQueueFallsBackToMemory(t *testing.T) {
	q := NewQueue(nil)
	_, ok := q.(*memoryQueue)
	assert.True(t, ok)
}
