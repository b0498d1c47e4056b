// Package testenv wires the shared engine infrastructure over an in-memory
// database for package tests.
package testenv

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	auditrepository "github.com/smallbiznis/gymledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/gymledger/internal/audit/service"
	"github.com/smallbiznis/gymledger/internal/authorization"
	catalogdomain "github.com/smallbiznis/gymledger/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/gymledger/internal/catalog/repository"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/pkg/db"
	"github.com/smallbiznis/gymledger/pkg/db/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Epoch is the default fake clock start.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type Env struct {
	DB         *gorm.DB
	Tx         *db.Transactor
	Clock      *clock.FakeClock
	GenID      *snowflake.Node
	Config     *config.EngineConfigHolder
	Log        *zap.Logger
	AuditRepo  auditdomain.Repository
	Audit      auditdomain.Service
	Reconciler *auditservice.Reconciler
	Authz      authorization.Service
	Catalog    catalogdomain.Repository
}

type Option func(*options)

type options struct {
	auditRepo auditdomain.Repository
	engine    *config.EngineConfig
}

// WithAuditRepo replaces the audit repository, e.g. to inject failures.
func WithAuditRepo(wrap func(auditdomain.Repository) auditdomain.Repository) Option {
	return func(o *options) {
		o.auditRepo = wrap(auditrepository.Provide())
	}
}

func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(o *options) {
		o.engine = &cfg
	}
}

func New(t testing.TB, opts ...Option) *Env {
	t.Helper()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	engine := config.DefaultEngineConfig()
	engine.Contention.InitialBackoff = time.Millisecond
	engine.Contention.MaxBackoff = 5 * time.Millisecond
	if o.engine != nil {
		engine = *o.engine
	}
	holder := config.NewStaticEngineConfigHolder(engine)

	conn := dbtest.New(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(Epoch)

	auditRepo := o.auditRepo
	if auditRepo == nil {
		auditRepo = auditrepository.Provide()
	}
	reconciler := auditservice.NewReconciler(auditservice.ReconcilerParams{DB: conn, Repo: auditRepo, Log: log})
	audit := auditservice.NewService(auditservice.Params{
		DB:         conn,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Repo:       auditRepo,
		Reconciler: reconciler,
	})

	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)

	return &Env{
		DB:         conn,
		Tx:         db.NewTransactor(db.TransactorParams{DB: conn, Config: holder, Log: log}),
		Clock:      clk,
		GenID:      node,
		Config:     holder,
		Log:        log,
		AuditRepo:  auditRepo,
		Audit:      audit,
		Reconciler: reconciler,
		Authz:      authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer}),
		Catalog:    catalogrepository.Provide(),
	}
}

// SeedPlan inserts an active membership plan.
func (e *Env) SeedPlan(t testing.TB, code string, durationDays int, price int64) *catalogdomain.Offering {
	t.Helper()
	return e.seed(t, catalogdomain.KindPlan, code, durationDays, price)
}

// SeedPass inserts an active walk-in pass.
func (e *Env) SeedPass(t testing.TB, code string, durationDays int, price int64) *catalogdomain.Offering {
	t.Helper()
	return e.seed(t, catalogdomain.KindPass, code, durationDays, price)
}

func (e *Env) seed(t testing.TB, kind catalogdomain.Kind, code string, durationDays int, price int64) *catalogdomain.Offering {
	now := e.Clock.Now()
	item := &catalogdomain.Offering{
		ID:           e.GenID.Generate(),
		Kind:         kind,
		Code:         code,
		Name:         code,
		DurationDays: durationDays,
		Price:        price,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, e.Catalog.Create(context.Background(), e.DB, item))
	return item
}

// Archive flags a seeded offering as archived.
func (e *Env) Archive(t testing.TB, item *catalogdomain.Offering) {
	t.Helper()
	item.IsArchived = true
	item.UpdatedAt = e.Clock.Now()
	require.NoError(t, e.Catalog.MarkArchived(context.Background(), e.DB, item))
}

// AuditCount counts persisted audit entries, optionally for one action.
func (e *Env) AuditCount(t testing.TB, action auditdomain.Action) int64 {
	t.Helper()
	stmt := e.DB.Table("audit_logs")
	if action != "" {
		stmt = stmt.Where("action = ?", string(action))
	}
	var count int64
	require.NoError(t, stmt.Count(&count).Error)
	return count
}
