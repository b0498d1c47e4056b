package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/gymledger/internal/analytics"
	analyticsdomain "github.com/smallbiznis/gymledger/internal/analytics/domain"
	"github.com/smallbiznis/gymledger/internal/audit"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/authorization"
	"github.com/smallbiznis/gymledger/internal/catalog"
	"github.com/smallbiznis/gymledger/internal/clock"
	catalogdomain "github.com/smallbiznis/gymledger/internal/catalog/domain"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/membership"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
	"github.com/smallbiznis/gymledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/gymledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/gymledger/internal/observability/tracing"
	"github.com/smallbiznis/gymledger/internal/payment"
	paymentdomain "github.com/smallbiznis/gymledger/internal/payment/domain"
	"github.com/smallbiznis/gymledger/internal/ratelimit"
	"github.com/smallbiznis/gymledger/internal/reference"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	reference.Module,
	catalog.Module,
	membership.Module,
	payment.Module,
	analytics.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
		Quiet:           []string{"/health", "/metrics"},
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http.server.start", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	clock        clock.Clock
	authzSvc     authorization.Service
	auditSvc     auditdomain.Service
	catalogSvc   catalogdomain.Service
	ledger       membershipdomain.Ledger
	paymentSvc   paymentdomain.Processor
	analyticsSvc analyticsdomain.Service
	kioskLimiter *ratelimit.KioskLimiter
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Clock        clock.Clock
	AuthzSvc     authorization.Service
	AuditSvc     auditdomain.Service
	CatalogSvc   catalogdomain.Service
	Ledger       membershipdomain.Ledger
	PaymentSvc   paymentdomain.Processor
	AnalyticsSvc analyticsdomain.Service
	KioskLimiter *ratelimit.KioskLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		clock:        p.Clock,
		authzSvc:     p.AuthzSvc,
		auditSvc:     p.AuditSvc,
		catalogSvc:   p.CatalogSvc,
		ledger:       p.Ledger,
		paymentSvc:   p.PaymentSvc,
		analyticsSvc: p.AnalyticsSvc,
		kioskLimiter: p.KioskLimiter,
		obsMetrics:   p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", ActorMiddleware())

	// -------- Kiosk --------
	api.GET("/kiosk/members/:id/access", s.authorizeAction(authorization.ObjectKiosk, authorization.ActionKioskCheck), s.KioskRateLimit(), s.CheckKioskAccess)

	// -------- Catalog --------
	api.GET("/plans", s.authorizeAction(authorization.ObjectCatalog, authorization.ActionCatalogView), s.listOfferings(catalogdomain.KindPlan))
	api.POST("/plans", s.createOffering(catalogdomain.KindPlan))
	api.POST("/plans/:id/archive", s.archiveOffering(catalogdomain.KindPlan))
	api.GET("/passes", s.authorizeAction(authorization.ObjectCatalog, authorization.ActionCatalogView), s.listOfferings(catalogdomain.KindPass))
	api.POST("/passes", s.createOffering(catalogdomain.KindPass))
	api.POST("/passes/:id/archive", s.archiveOffering(catalogdomain.KindPass))

	// -------- Memberships --------
	api.POST("/memberships/purchase", s.PurchaseMembership)
	api.GET("/memberships/:id", s.GetMembership)
	api.POST("/memberships/:id/cancel", s.CancelMembership)
	api.GET("/members/:id/memberships", s.ListMemberMemberships)

	// -------- Payments --------
	api.GET("/payments/:id", s.GetPayment)
	api.POST("/payments/:id/confirm", s.ConfirmPayment)
	api.POST("/payments/:id/reject", s.RejectPayment)
	api.GET("/payments/:id/qr", s.GetPaymentQR)
	api.GET("/payments/:id/receipt.pdf", s.GetPaymentReceipt)
	api.GET("/payments/reference/:ref", s.GetPaymentByReference)
	api.POST("/payments/reference/:ref/confirm", s.ConfirmPaymentByReference)
	api.POST("/payments/reference/:ref/reject", s.RejectPaymentByReference)

	// -------- Walk-ins --------
	api.POST("/walk-ins", s.RecordWalkIn)
	api.GET("/walk-ins/:id/receipt.pdf", s.GetWalkInReceipt)

	// -------- Reports --------
	api.GET("/reports/expiring", s.authorizeAction(authorization.ObjectReport, authorization.ActionReportView), s.ListExpiringMemberships)
	api.GET("/reports/renewal-reminders", s.authorizeAction(authorization.ObjectReport, authorization.ActionReportView), s.ListRenewalReminders)
	api.GET("/reports/pending-payments", s.ListPendingPayments)

	// -------- Analytics --------
	api.GET("/analytics/daily", s.ListDailyAnalytics)
	api.GET("/analytics/summary", s.GetAnalyticsSummary)
	api.POST("/analytics/rollup", s.RollupAnalytics)

	api.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
