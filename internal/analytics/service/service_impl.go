package service

import (
	"context"
	"time"

	"github.com/smallbiznis/gymledger/internal/analytics/domain"
	"github.com/smallbiznis/gymledger/internal/authorization"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/identity"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
	"github.com/smallbiznis/gymledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Tx     *db.Transactor
	Log    *zap.Logger
	Clock  clock.Clock
	Config *config.EngineConfigHolder `optional:"true"`
	Ledger membershipdomain.Ledger
	Authz  authorization.Service
}

type Service struct {
	tx     *db.Transactor
	log    *zap.Logger
	clock  clock.Clock
	cfg    *config.EngineConfigHolder
	ledger membershipdomain.Ledger
	authz  authorization.Service
}

func New(p Params) domain.Service {
	return &Service{
		tx:     p.Tx,
		log:    p.Log.Named("analytics.service"),
		clock:  p.Clock,
		cfg:    p.Config,
		ledger: p.Ledger,
		authz:  p.Authz,
	}
}

type membershipCounts struct {
	NewMemberships       int64
	ActivatedMemberships int64
	ExpiredMemberships   int64
	CancelledMemberships int64
	ActiveMemberships    int64
}

type paymentTotals struct {
	ConfirmedPayments int64
	RejectedPayments  int64
	PendingPayments   int64
	Revenue           int64
	CashRevenue       int64
	GCashRevenue      int64
}

type walkInTotals struct {
	Sales        int64
	Revenue      int64
	CashRevenue  int64
	GCashRevenue int64
}

func (s *Service) Rollup(ctx context.Context, actor identity.Actor, date time.Time) (*domain.DailyAnalyticsRow, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectAnalytics, authorization.ActionAnalyticsRollup); err != nil {
		return nil, err
	}

	start := membershipdomain.Day(date)
	end := start.AddDate(0, 0, 1)

	var row *domain.DailyAnalyticsRow
	err := s.tx.Run(ctx, "analytics.rollup", func(tx *gorm.DB) error {
		var (
			m membershipCounts
			p paymentTotals
			w walkInTotals
		)
		if err := tx.WithContext(ctx).Raw(
			`SELECT
			   CAST(COALESCE(SUM(CASE WHEN created_at >= ? AND created_at < ? THEN 1 ELSE 0 END), 0) AS BIGINT) AS new_memberships,
			   CAST(COALESCE(SUM(CASE WHEN activated_at >= ? AND activated_at < ? THEN 1 ELSE 0 END), 0) AS BIGINT) AS activated_memberships,
			   CAST(COALESCE(SUM(CASE WHEN expired_at >= ? AND expired_at < ? THEN 1 ELSE 0 END), 0) AS BIGINT) AS expired_memberships,
			   CAST(COALESCE(SUM(CASE WHEN cancelled_at >= ? AND cancelled_at < ? THEN 1 ELSE 0 END), 0) AS BIGINT) AS cancelled_memberships,
			   CAST(COALESCE(SUM(CASE WHEN activated_at < ?
			                           AND (expired_at IS NULL OR expired_at >= ?)
			                           AND (cancelled_at IS NULL OR cancelled_at >= ?) THEN 1 ELSE 0 END), 0) AS BIGINT) AS active_memberships
			 FROM user_memberships`,
			start, end,
			start, end,
			start, end,
			start, end,
			end, end, end,
		).Scan(&m).Error; err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Raw(
			`SELECT
			   CAST(COALESCE(SUM(CASE WHEN status = 'confirmed' AND approved_at >= ? AND approved_at < ? THEN 1 ELSE 0 END), 0) AS BIGINT) AS confirmed_payments,
			   CAST(COALESCE(SUM(CASE WHEN status = 'rejected' AND approved_at >= ? AND approved_at < ? THEN 1 ELSE 0 END), 0) AS BIGINT) AS rejected_payments,
			   CAST(COALESCE(SUM(CASE WHEN created_at < ? AND (approved_at IS NULL OR approved_at >= ?) THEN 1 ELSE 0 END), 0) AS BIGINT) AS pending_payments,
			   CAST(COALESCE(SUM(CASE WHEN status = 'confirmed' AND approved_at >= ? AND approved_at < ? THEN amount ELSE 0 END), 0) AS BIGINT) AS revenue,
			   CAST(COALESCE(SUM(CASE WHEN status = 'confirmed' AND method = 'cash' AND approved_at >= ? AND approved_at < ? THEN amount ELSE 0 END), 0) AS BIGINT) AS cash_revenue,
			   CAST(COALESCE(SUM(CASE WHEN status = 'confirmed' AND method = 'gcash' AND approved_at >= ? AND approved_at < ? THEN amount ELSE 0 END), 0) AS BIGINT) AS g_cash_revenue
			 FROM payments`,
			start, end,
			start, end,
			end, end,
			start, end,
			start, end,
			start, end,
		).Scan(&p).Error; err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Raw(
			`SELECT
			   CAST(COUNT(1) AS BIGINT) AS sales,
			   CAST(COALESCE(SUM(amount), 0) AS BIGINT) AS revenue,
			   CAST(COALESCE(SUM(CASE WHEN method = 'cash' THEN amount ELSE 0 END), 0) AS BIGINT) AS cash_revenue,
			   CAST(COALESCE(SUM(CASE WHEN method = 'gcash' THEN amount ELSE 0 END), 0) AS BIGINT) AS g_cash_revenue
			 FROM walk_in_payments
			 WHERE created_at >= ? AND created_at < ?`,
			start, end,
		).Scan(&w).Error; err != nil {
			return err
		}

		row = &domain.DailyAnalyticsRow{
			Date:                 start,
			NewMemberships:       m.NewMemberships,
			ActivatedMemberships: m.ActivatedMemberships,
			ExpiredMemberships:   m.ExpiredMemberships,
			CancelledMemberships: m.CancelledMemberships,
			ActiveMemberships:    m.ActiveMemberships,
			ConfirmedPayments:    p.ConfirmedPayments,
			RejectedPayments:     p.RejectedPayments,
			PendingPayments:      p.PendingPayments,
			MembershipRevenue:    p.Revenue,
			WalkInSales:          w.Sales,
			WalkInRevenue:        w.Revenue,
			TotalRevenue:         p.Revenue + w.Revenue,
			CashRevenue:          p.CashRevenue + w.CashRevenue,
			GCashRevenue:         p.GCashRevenue + w.GCashRevenue,
			UpdatedAt:            s.clock.Now().UTC(),
		}
		return upsert(ctx, tx, row)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("analytics.rollup",
		zap.String("date", start.Format("2006-01-02")),
		zap.Int64("total_revenue", row.TotalRevenue),
		zap.Int64("active_memberships", row.ActiveMemberships),
	)
	return row, nil
}

func upsert(ctx context.Context, tx *gorm.DB, row *domain.DailyAnalyticsRow) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO daily_analytics (
		   rollup_date, new_memberships, activated_memberships, expired_memberships, cancelled_memberships,
		   active_memberships, confirmed_payments, rejected_payments, pending_payments, membership_revenue,
		   walk_in_sales, walk_in_revenue, total_revenue, cash_revenue, gcash_revenue, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (rollup_date)
		 DO UPDATE SET new_memberships = EXCLUDED.new_memberships,
		               activated_memberships = EXCLUDED.activated_memberships,
		               expired_memberships = EXCLUDED.expired_memberships,
		               cancelled_memberships = EXCLUDED.cancelled_memberships,
		               active_memberships = EXCLUDED.active_memberships,
		               confirmed_payments = EXCLUDED.confirmed_payments,
		               rejected_payments = EXCLUDED.rejected_payments,
		               pending_payments = EXCLUDED.pending_payments,
		               membership_revenue = EXCLUDED.membership_revenue,
		               walk_in_sales = EXCLUDED.walk_in_sales,
		               walk_in_revenue = EXCLUDED.walk_in_revenue,
		               total_revenue = EXCLUDED.total_revenue,
		               cash_revenue = EXCLUDED.cash_revenue,
		               gcash_revenue = EXCLUDED.gcash_revenue,
		               updated_at = EXCLUDED.updated_at`,
		row.Date,
		row.NewMemberships,
		row.ActivatedMemberships,
		row.ExpiredMemberships,
		row.CancelledMemberships,
		row.ActiveMemberships,
		row.ConfirmedPayments,
		row.RejectedPayments,
		row.PendingPayments,
		row.MembershipRevenue,
		row.WalkInSales,
		row.WalkInRevenue,
		row.TotalRevenue,
		row.CashRevenue,
		row.GCashRevenue,
		row.UpdatedAt,
	).Error
}

func (s *Service) History(ctx context.Context, actor identity.Actor, from, to time.Time) ([]domain.DailyAnalyticsRow, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectAnalytics, authorization.ActionAnalyticsView); err != nil {
		return nil, err
	}
	from, to = membershipdomain.Day(from), membershipdomain.Day(to)
	if to.Before(from) {
		return nil, domain.ErrInvalidRange
	}

	var rows []domain.DailyAnalyticsRow
	err := s.tx.DB().WithContext(ctx).
		Where("rollup_date >= ? AND rollup_date <= ?", from, to).
		Order("rollup_date ASC").
		Find(&rows).Error
	return rows, err
}

func (s *Service) Summary(ctx context.Context, actor identity.Actor) (*domain.Summary, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectAnalytics, authorization.ActionAnalyticsView); err != nil {
		return nil, err
	}

	active, err := s.ledger.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	days := s.cfg.Get().Reports.ExpiringDays
	expiring, err := s.ledger.CountExpiringSoon(ctx, days)
	if err != nil {
		return nil, err
	}
	var pending int64
	if err := s.tx.DB().WithContext(ctx).
		Table("payments").
		Where("status = ?", "pending").
		Count(&pending).Error; err != nil {
		return nil, err
	}

	return &domain.Summary{
		AsOf:              s.clock.Now().UTC(),
		ActiveMemberships: active,
		PendingPayments:   pending,
		ExpiringSoon:      expiring,
		ExpiringWithin:    days,
	}, nil
}
