package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/authorization"
	catalogdomain "github.com/smallbiznis/gymledger/internal/catalog/domain"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/identity"
	"github.com/smallbiznis/gymledger/internal/membership/domain"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	"github.com/smallbiznis/gymledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var openIndexTargets = []string{"ux_user_memberships_member_open", "user_memberships.member_id"}

type Params struct {
	fx.In

	Tx      *db.Transactor
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  *config.EngineConfigHolder `optional:"true"`
	Repo    domain.Repository
	Catalog catalogdomain.Repository
	Audit   auditdomain.Service
	Authz   authorization.Service
}

type Service struct {
	tx      *db.Transactor
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     *config.EngineConfigHolder
	repo    domain.Repository
	catalog catalogdomain.Repository
	audit   auditdomain.Service
	authz   authorization.Service
	metrics *obsmetrics.EngineMetrics
}

func New(p Params) domain.Ledger {
	return &Service{
		tx:      p.Tx,
		log:     p.Log.Named("membership.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Config,
		repo:    p.Repo,
		catalog: p.Catalog,
		audit:   p.Audit,
		authz:   p.Authz,
		metrics: obsmetrics.Engine(),
	}
}

func (s *Service) Open(ctx context.Context, req domain.OpenRequest) (*domain.UserMembership, error) {
	if err := authorization.AuthorizeOwned(ctx, s.authz, req.Actor, req.MemberID,
		authorization.ObjectMembership, authorization.ActionMembershipPurchase, authorization.ActionMembershipPurchaseAny); err != nil {
		return nil, unauthorized(err)
	}

	var (
		m        *domain.UserMembership
		degraded auditdomain.Degraded
	)
	err := s.tx.Run(ctx, "membership.open", func(tx *gorm.DB) error {
		degraded.Reset()
		var err error
		m, err = s.OpenTx(ctx, tx, req)
		if err != nil {
			return err
		}
		return degraded.Capture(s.audit.Record(ctx, tx, TransitionEntry(req.Actor, m, "", "")))
	})
	if err != nil {
		return nil, err
	}

	s.transitioned(m, "")
	return m, s.audit.Settle(ctx, &degraded)
}

func (s *Service) OpenTx(ctx context.Context, tx *gorm.DB, req domain.OpenRequest) (*domain.UserMembership, error) {
	plan, err := s.catalog.FindByID(ctx, tx, catalogdomain.KindPlan, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Available() {
		return nil, domain.ErrPlanUnavailable
	}

	if err := db.LockKey(tx, req.MemberID.Int64()); err != nil {
		return nil, err
	}
	exists, err := s.repo.HasOpen(ctx, tx, req.MemberID, 0)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, domain.ErrActiveMembershipExists
	}

	now := s.clock.Now()
	start := req.StartDate
	if start.IsZero() {
		start = now
	}
	m := domain.NewPending(s.genID.Generate(), req.MemberID, plan.ID, plan.DurationDays, start, now)

	err = tx.Transaction(func(sp *gorm.DB) error {
		return s.repo.Insert(ctx, sp, m)
	})
	if db.IsUniqueViolation(err, openIndexTargets...) {
		return nil, domain.ErrActiveMembershipExists
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) Activate(ctx context.Context, req domain.ActivateRequest) (*domain.UserMembership, error) {
	if err := s.authz.Authorize(ctx, req.Actor, authorization.ObjectMembership, authorization.ActionMembershipActivate); err != nil {
		return nil, unauthorized(err)
	}

	var (
		m        *domain.UserMembership
		changed  bool
		degraded auditdomain.Degraded
	)
	err := s.tx.Run(ctx, "membership.activate", func(tx *gorm.DB) error {
		degraded.Reset()
		var err error
		m, changed, err = s.activate(ctx, tx, req)
		if err != nil || !changed {
			return err
		}
		return degraded.Capture(s.audit.Record(ctx, tx, TransitionEntry(req.Actor, m, domain.StatusPending, "")))
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.transitioned(m, domain.StatusPending)
	}
	return m, s.audit.Settle(ctx, &degraded)
}

func (s *Service) ActivateTx(ctx context.Context, tx *gorm.DB, req domain.ActivateRequest) (*domain.UserMembership, error) {
	m, _, err := s.activate(ctx, tx, req)
	return m, err
}

func (s *Service) activate(ctx context.Context, tx *gorm.DB, req domain.ActivateRequest) (*domain.UserMembership, bool, error) {
	m, err := s.repo.FindByIDForUpdate(ctx, tx, req.MembershipID)
	if err != nil {
		return nil, false, err
	}
	if m == nil {
		return nil, false, domain.ErrMembershipNotFound
	}
	if m.Status == domain.StatusActive {
		return m, false, nil
	}

	from := m.Status
	if err := m.Activate(s.clock.Now()); err != nil {
		return nil, false, err
	}

	if err := db.LockKey(tx, m.MemberID.Int64()); err != nil {
		return nil, false, err
	}
	exists, err := s.repo.HasOpen(ctx, tx, m.MemberID, m.ID)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return nil, false, domain.ErrActiveMembershipExists
	}

	if err := s.write(ctx, tx, m, from); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Service) Cancel(ctx context.Context, req domain.CancelRequest) (*domain.UserMembership, error) {
	var (
		m        *domain.UserMembership
		from     domain.Status
		degraded auditdomain.Degraded
	)
	err := s.tx.Run(ctx, "membership.cancel", func(tx *gorm.DB) error {
		degraded.Reset()

		current, err := s.repo.FindByID(ctx, tx, req.MembershipID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrMembershipNotFound
		}
		if err := authorization.AuthorizeOwned(ctx, s.authz, req.Actor, current.MemberID,
			authorization.ObjectMembership, authorization.ActionMembershipCancel, authorization.ActionMembershipCancelAny); err != nil {
			return unauthorized(err)
		}

		from = current.Status
		m, err = s.CancelTx(ctx, tx, req)
		if err != nil {
			return err
		}
		return degraded.Capture(s.audit.Record(ctx, tx, TransitionEntry(req.Actor, m, from, req.Reason)))
	})
	if err != nil {
		return nil, err
	}

	s.transitioned(m, from)
	return m, s.audit.Settle(ctx, &degraded)
}

func (s *Service) CancelTx(ctx context.Context, tx *gorm.DB, req domain.CancelRequest) (*domain.UserMembership, error) {
	m, err := s.repo.FindByIDForUpdate(ctx, tx, req.MembershipID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, domain.ErrMembershipNotFound
	}

	from := m.Status
	if err := m.Cancel(req.Actor.IDPtr(), req.Reason, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.write(ctx, tx, m, from); err != nil {
		return nil, err
	}
	return m, nil
}

// Expire retires an overdue active membership. Expiring an already expired
// membership succeeds without writing anything.
func (s *Service) Expire(ctx context.Context, req domain.ExpireRequest) (*domain.UserMembership, error) {
	var (
		m        *domain.UserMembership
		changed  bool
		degraded auditdomain.Degraded
	)
	err := s.tx.Run(ctx, "membership.expire", func(tx *gorm.DB) error {
		degraded.Reset()
		changed = false

		var err error
		m, err = s.repo.FindByIDForUpdate(ctx, tx, req.MembershipID)
		if err != nil {
			return err
		}
		if m == nil {
			return domain.ErrMembershipNotFound
		}
		if m.Status == domain.StatusExpired {
			return nil
		}

		if err := m.Expire(s.clock.Now()); err != nil {
			return err
		}
		if err := s.write(ctx, tx, m, domain.StatusActive); err != nil {
			return err
		}
		changed = true
		return degraded.Capture(s.audit.Record(ctx, tx, TransitionEntry(identity.System, m, domain.StatusActive, "")))
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.transitioned(m, domain.StatusActive)
	}
	return m, s.audit.Settle(ctx, &degraded)
}

func (s *Service) write(ctx context.Context, tx *gorm.DB, m *domain.UserMembership, from domain.Status) error {
	var rows int64
	err := tx.Transaction(func(sp *gorm.DB) error {
		var err error
		rows, err = s.repo.UpdateTransition(ctx, sp, m, from)
		return err
	})
	if db.IsUniqueViolation(err, openIndexTargets...) {
		return domain.ErrActiveMembershipExists
	}
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func unauthorized(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
}

func (s *Service) transitioned(m *domain.UserMembership, from domain.Status) {
	s.metrics.IncMembershipTransition(string(from), string(m.Status))
	s.log.Info("membership."+string(m.Status),
		zap.String("membership_id", m.ID.String()),
		zap.String("member_id", m.MemberID.String()),
		zap.String("from", string(from)),
		zap.Time("end_date", m.EndDate),
	)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.UserMembership, error) {
	return s.GetTx(ctx, s.tx.DB(), id)
}

func (s *Service) GetTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.UserMembership, error) {
	m, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, domain.ErrMembershipNotFound
	}
	return m, nil
}

func (s *Service) ListByMember(ctx context.Context, memberID snowflake.ID) ([]domain.UserMembership, error) {
	return s.repo.ListByMember(ctx, s.tx.DB(), memberID)
}

func (s *Service) HasActiveMembership(ctx context.Context, memberID snowflake.ID) (bool, error) {
	return s.repo.HasActive(ctx, s.tx.DB(), memberID, s.clock.Now())
}

// expiringWindow spans now through the given number of days, defaulting to
// the configured report window.
func (s *Service) expiringWindow(days int) (time.Time, time.Time) {
	if days <= 0 {
		days = s.cfg.Get().Reports.ExpiringDays
	}
	now := s.clock.Now()
	return now, now.Add(time.Duration(days) * 24 * time.Hour)
}

func (s *Service) ListExpiringSoon(ctx context.Context, days int) ([]domain.ExpiringMembership, error) {
	now, until := s.expiringWindow(days)
	items, err := s.repo.ListActiveEndingBetween(ctx, s.tx.DB(), now, until)
	if err != nil {
		return nil, err
	}

	out := make([]domain.ExpiringMembership, 0, len(items))
	for _, item := range items {
		out = append(out, domain.ExpiringMembership{
			UserMembership: item,
			DaysRemaining:  item.DaysRemaining(now),
		})
	}
	return out, nil
}

func (s *Service) CountExpiringSoon(ctx context.Context, days int) (int64, error) {
	now, until := s.expiringWindow(days)
	return s.repo.CountActiveEndingBetween(ctx, s.tx.DB(), now, until)
}

func (s *Service) CountActive(ctx context.Context) (int64, error) {
	return s.repo.CountActive(ctx, s.tx.DB(), s.clock.Now())
}

func (s *Service) DueForExpiry(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.tx.Run(ctx, "membership.claim_expired", func(tx *gorm.DB) error {
		var err error
		ids, err = s.repo.ClaimExpired(ctx, tx, s.clock.Now(), afterID, limit)
		return err
	})
	return ids, err
}

// TransitionEntry builds the audit entry for a membership status change.
// from is empty when the membership was just opened.
func TransitionEntry(actor identity.Actor, m *domain.UserMembership, from domain.Status, reason string) auditdomain.Entry {
	return auditdomain.Entry{
		Actor:        actor,
		SubjectModel: "user_membership",
		SubjectID:    m.ID,
		Payload: auditdomain.MembershipTransition{
			MembershipID: m.ID.String(),
			MemberID:     m.MemberID.String(),
			PlanID:       m.PlanID.String(),
			From:         string(from),
			To:           string(m.Status),
			EndDate:      m.EndDate,
			Reason:       reason,
		},
	}
}
