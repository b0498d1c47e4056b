package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/skip2/go-qrcode"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/authorization"
	catalogdomain "github.com/smallbiznis/gymledger/internal/catalog/domain"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/identity"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
	obsmetrics "github.com/smallbiznis/gymledger/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/gymledger/internal/payment/domain"
	"github.com/smallbiznis/gymledger/internal/providers/pdf"
	"github.com/smallbiznis/gymledger/internal/reference"
	"github.com/smallbiznis/gymledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	paymentReferenceTargets = []string{"ux_payments_reference_no", "payments.reference_no"}
	walkInReferenceTargets  = []string{"ux_walk_in_payments_reference_no", "walk_in_payments.reference_no"}
)

type Params struct {
	fx.In

	Tx         *db.Transactor
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     *config.EngineConfigHolder `optional:"true"`
	Repo       paymentdomain.Repository
	Ledger     membershipdomain.Ledger
	Catalog    catalogdomain.Repository
	References *reference.Generator
	Audit      auditdomain.Service
	Authz      authorization.Service
	PDF        pdf.Provider        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	tx         *db.Transactor
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        *config.EngineConfigHolder
	repo       paymentdomain.Repository
	ledger     membershipdomain.Ledger
	catalog    catalogdomain.Repository
	references *reference.Generator
	audit      auditdomain.Service
	authz      authorization.Service
	pdf        pdf.Provider
	obsMetrics *obsmetrics.Metrics
	metrics    *obsmetrics.EngineMetrics
}

func New(p Params) paymentdomain.Processor {
	renderer := p.PDF
	if renderer == nil {
		renderer = pdf.New()
	}
	return &Service{
		tx:         p.Tx,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		repo:       p.Repo,
		ledger:     p.Ledger,
		catalog:    p.Catalog,
		references: p.References,
		audit:      p.Audit,
		authz:      p.Authz,
		pdf:        renderer,
		obsMetrics: p.ObsMetrics,
		metrics:    obsmetrics.Engine(),
	}
}

// InitiatePurchase opens a pending membership and its pending payment in
// one transaction. Nothing is written when either step fails.
func (s *Service) InitiatePurchase(ctx context.Context, req paymentdomain.PurchaseRequest) (*paymentdomain.Payment, *membershipdomain.UserMembership, error) {
	if req.Amount <= 0 {
		return nil, nil, paymentdomain.ErrInvalidAmount
	}
	method, ok := paymentdomain.ParseMethod(req.Method)
	if !ok {
		return nil, nil, paymentdomain.ErrInvalidMethod
	}
	if err := authorization.AuthorizeOwned(ctx, s.authz, req.Actor, req.MemberID,
		authorization.ObjectMembership, authorization.ActionMembershipPurchase, authorization.ActionMembershipPurchaseAny); err != nil {
		return nil, nil, unauthorized(err)
	}

	var (
		payment    *paymentdomain.Payment
		membership *membershipdomain.UserMembership
		degraded   auditdomain.Degraded
	)
	err := s.tx.Run(ctx, "payment.initiate_purchase", func(tx *gorm.DB) error {
		degraded.Reset()

		var err error
		membership, err = s.ledger.OpenTx(ctx, tx, membershipdomain.OpenRequest{
			Actor:     req.Actor,
			MemberID:  req.MemberID,
			PlanID:    req.PlanID,
			StartDate: req.StartDate,
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		payment = &paymentdomain.Payment{
			ID:           s.genID.Generate(),
			MemberID:     req.MemberID,
			MembershipID: membership.ID,
			Amount:       req.Amount,
			Method:       method,
			Status:       paymentdomain.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, err = s.references.Issue(ctx, tx, reference.PrefixPayment, now, paymentReferenceTargets, func(sp *gorm.DB, ref string) error {
			payment.ReferenceNo = ref
			return s.repo.Insert(ctx, sp, payment)
		})
		if err != nil {
			return err
		}

		return degraded.Capture(s.audit.Record(ctx, tx, auditdomain.Entry{
			Actor:        req.Actor,
			SubjectModel: "payment",
			SubjectID:    payment.ID,
			Payload: auditdomain.PurchaseInitiated{
				PaymentID:    payment.ID.String(),
				MembershipID: membership.ID.String(),
				MemberID:     req.MemberID.String(),
				PlanID:       req.PlanID.String(),
				Amount:       payment.Amount,
				Method:       string(payment.Method),
				ReferenceNo:  payment.ReferenceNo,
			},
		}))
	})
	if err != nil {
		s.references.Escalate(ctx, req.Actor, err)
		return nil, nil, err
	}

	s.metrics.IncMembershipTransition("", string(membership.Status))
	s.obsMetrics.RecordPurchase(ctx, membership.PlanID.String(), string(payment.Method))
	s.log.Info("payment.initiated",
		zap.String("payment_id", payment.ID.String()),
		zap.String("membership_id", membership.ID.String()),
		zap.String("reference_no", payment.ReferenceNo),
		zap.String("method", string(payment.Method)),
	)
	return payment, membership, s.audit.Settle(ctx, &degraded)
}

func (s *Service) Confirm(ctx context.Context, req paymentdomain.DecisionRequest) (*paymentdomain.Payment, error) {
	return s.decide(ctx, req.Actor, true, req.Reason, s.byID(req.PaymentID))
}

func (s *Service) Reject(ctx context.Context, req paymentdomain.DecisionRequest) (*paymentdomain.Payment, error) {
	return s.decide(ctx, req.Actor, false, req.Reason, s.byID(req.PaymentID))
}

func (s *Service) ConfirmByReference(ctx context.Context, req paymentdomain.ReferenceDecisionRequest) (*paymentdomain.Payment, error) {
	if !reference.Valid(strings.ToUpper(strings.TrimSpace(req.ReferenceNo))) {
		return nil, paymentdomain.ErrInvalidReference
	}
	return s.decide(ctx, req.Actor, true, req.Reason, s.byReference(req.ReferenceNo))
}

func (s *Service) RejectByReference(ctx context.Context, req paymentdomain.ReferenceDecisionRequest) (*paymentdomain.Payment, error) {
	if !reference.Valid(strings.ToUpper(strings.TrimSpace(req.ReferenceNo))) {
		return nil, paymentdomain.ErrInvalidReference
	}
	return s.decide(ctx, req.Actor, false, req.Reason, s.byReference(req.ReferenceNo))
}

type lookupFunc func(ctx context.Context, tx *gorm.DB) (*paymentdomain.Payment, error)

func (s *Service) byID(id snowflake.ID) lookupFunc {
	return func(ctx context.Context, tx *gorm.DB) (*paymentdomain.Payment, error) {
		return s.repo.FindByIDForUpdate(ctx, tx, id)
	}
}

func (s *Service) byReference(ref string) lookupFunc {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	return func(ctx context.Context, tx *gorm.DB) (*paymentdomain.Payment, error) {
		p, err := s.repo.FindByReference(ctx, tx, ref)
		if err != nil || p == nil {
			return p, err
		}
		return s.repo.FindByIDForUpdate(ctx, tx, p.ID)
	}
}

// decide applies a staff decision and the matching membership transition in
// one transaction. Of two racing decisions on one payment, the conditional
// update admits exactly one.
func (s *Service) decide(ctx context.Context, actor identity.Actor, confirm bool, reason string, lookup lookupFunc) (*paymentdomain.Payment, error) {
	action, operation := authorization.ActionPaymentReject, "payment.reject"
	if confirm {
		action, operation = authorization.ActionPaymentConfirm, "payment.confirm"
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectPayment, action); err != nil {
		return nil, unauthorized(err)
	}

	var (
		payment    *paymentdomain.Payment
		membership *membershipdomain.UserMembership
		degraded   auditdomain.Degraded
	)
	err := s.tx.Run(ctx, operation, func(tx *gorm.DB) error {
		degraded.Reset()

		var err error
		payment, err = lookup(ctx, tx)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}

		now := s.clock.Now()
		if confirm {
			err = payment.Confirm(actor.IDPtr(), now)
		} else {
			err = payment.Reject(actor.IDPtr(), reason, now)
		}
		if err != nil {
			return err
		}

		rows, err := s.repo.Decide(ctx, tx, payment)
		if err != nil {
			return err
		}
		if rows == 0 {
			return paymentdomain.ErrAlreadyProcessed
		}

		if confirm {
			membership, err = s.ledger.ActivateTx(ctx, tx, membershipdomain.ActivateRequest{
				Actor:        actor,
				MembershipID: payment.MembershipID,
			})
		} else {
			membership, err = s.cancelMembership(ctx, tx, actor, payment.MembershipID, reason)
		}
		if err != nil {
			return err
		}

		return degraded.Capture(s.audit.Record(ctx, tx, auditdomain.Entry{
			Actor:        actor,
			SubjectModel: "payment",
			SubjectID:    payment.ID,
			Payload: auditdomain.PaymentDecision{
				PaymentID:        payment.ID.String(),
				MembershipID:     payment.MembershipID.String(),
				ReferenceNo:      payment.ReferenceNo,
				Amount:           payment.Amount,
				Method:           string(payment.Method),
				Confirmed:        confirm,
				Reason:           reason,
				MembershipStatus: string(membership.Status),
			},
		}))
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncPaymentDecision(string(payment.Status), string(payment.Method))
	s.metrics.IncMembershipTransition(string(membershipdomain.StatusPending), string(membership.Status))
	if confirm {
		s.obsMetrics.RecordConfirmedRevenue(ctx, string(payment.Method), payment.Amount)
	}
	s.log.Info("payment."+string(payment.Status),
		zap.String("payment_id", payment.ID.String()),
		zap.String("reference_no", payment.ReferenceNo),
		zap.String("membership_id", membership.ID.String()),
		zap.String("membership_status", string(membership.Status)),
	)
	return payment, s.audit.Settle(ctx, &degraded)
}

// cancelMembership tolerates a membership the member already cancelled.
func (s *Service) cancelMembership(ctx context.Context, tx *gorm.DB, actor identity.Actor, id snowflake.ID, reason string) (*membershipdomain.UserMembership, error) {
	m, err := s.ledger.CancelTx(ctx, tx, membershipdomain.CancelRequest{
		Actor:        actor,
		MembershipID: id,
		Reason:       reason,
	})
	if !errors.Is(err, membershipdomain.ErrInvalidTransition) {
		return m, err
	}
	current, getErr := s.ledger.GetTx(ctx, tx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status == membershipdomain.StatusCancelled {
		return current, nil
	}
	return nil, err
}

// RecordWalkIn sells a flexible access pass. The record is final when
// written.
func (s *Service) RecordWalkIn(ctx context.Context, req paymentdomain.WalkInRequest) (*paymentdomain.WalkInPayment, error) {
	if err := s.authz.Authorize(ctx, req.Actor, authorization.ObjectWalkIn, authorization.ActionWalkInRecord); err != nil {
		return nil, unauthorized(err)
	}

	method := paymentdomain.MethodCash
	if strings.TrimSpace(req.Method) != "" {
		parsed, ok := paymentdomain.ParseMethod(req.Method)
		if !ok {
			return nil, paymentdomain.ErrInvalidMethod
		}
		method = parsed
	}
	if req.Amount < 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}
	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		name = paymentdomain.DefaultWalkInCustomerName
	}
	var mobile *string
	if v := strings.TrimSpace(req.MobileNo); v != "" {
		mobile = &v
	}

	var (
		walkIn   *paymentdomain.WalkInPayment
		degraded auditdomain.Degraded
	)
	err := s.tx.Run(ctx, "payment.record_walk_in", func(tx *gorm.DB) error {
		degraded.Reset()

		pass, err := s.catalog.FindByID(ctx, tx, catalogdomain.KindPass, req.PassID)
		if err != nil {
			return err
		}
		if !pass.Available() {
			return paymentdomain.ErrPassUnavailable
		}
		amount := req.Amount
		if amount == 0 {
			amount = pass.Price
		}
		if amount <= 0 {
			return paymentdomain.ErrInvalidAmount
		}

		now := s.clock.Now()
		walkIn = &paymentdomain.WalkInPayment{
			ID:           s.genID.Generate(),
			PassID:       pass.ID,
			CustomerName: name,
			MobileNo:     mobile,
			Amount:       amount,
			Method:       method,
			ProcessedBy:  req.Actor.ID,
			CreatedAt:    now,
		}
		_, err = s.references.Issue(ctx, tx, reference.PrefixWalkIn, now, walkInReferenceTargets, func(sp *gorm.DB, ref string) error {
			walkIn.ReferenceNo = ref
			return s.repo.InsertWalkIn(ctx, sp, walkIn)
		})
		if err != nil {
			return err
		}

		return degraded.Capture(s.audit.Record(ctx, tx, auditdomain.Entry{
			Actor:        req.Actor,
			SubjectModel: "walk_in_payment",
			SubjectID:    walkIn.ID,
			Payload: auditdomain.WalkInRecorded{
				WalkInID:     walkIn.ID.String(),
				PassID:       pass.ID.String(),
				CustomerName: walkIn.CustomerName,
				MobileNo:     req.MobileNo,
				Amount:       walkIn.Amount,
				Method:       string(walkIn.Method),
				ReferenceNo:  walkIn.ReferenceNo,
			},
		}))
	})
	if err != nil {
		s.references.Escalate(ctx, req.Actor, err)
		return nil, err
	}

	s.metrics.IncWalkInSale(string(walkIn.Method))
	s.obsMetrics.RecordWalkInRevenue(ctx, string(walkIn.Method), walkIn.Amount)
	s.log.Info("walkin.recorded",
		zap.String("walk_in_id", walkIn.ID.String()),
		zap.String("reference_no", walkIn.ReferenceNo),
		zap.Int64("amount", walkIn.Amount),
	)
	return walkIn, s.audit.Settle(ctx, &degraded)
}

func (s *Service) Get(ctx context.Context, actor identity.Actor, id snowflake.ID) (*paymentdomain.Payment, error) {
	p, err := s.repo.FindByID(ctx, s.tx.DB(), id)
	if err != nil {
		return nil, err
	}
	return s.authorizeView(ctx, actor, p)
}

func (s *Service) GetByReference(ctx context.Context, actor identity.Actor, referenceNo string) (*paymentdomain.Payment, error) {
	p, err := s.repo.FindByReference(ctx, s.tx.DB(), strings.ToUpper(strings.TrimSpace(referenceNo)))
	if err != nil {
		return nil, err
	}
	return s.authorizeView(ctx, actor, p)
}

func (s *Service) authorizeView(ctx context.Context, actor identity.Actor, p *paymentdomain.Payment) (*paymentdomain.Payment, error) {
	if p == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if err := authorization.AuthorizeOwned(ctx, s.authz, actor, p.MemberID,
		authorization.ObjectPayment, authorization.ActionPaymentView, authorization.ActionPaymentViewAny); err != nil {
		return nil, unauthorized(err)
	}
	return p, nil
}

// ListPending returns undecided payments, newest first.
func (s *Service) ListPending(ctx context.Context, actor identity.Actor) ([]paymentdomain.PendingPayment, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectPayment, authorization.ActionPaymentViewAny); err != nil {
		return nil, unauthorized(err)
	}
	items, err := s.repo.ListPending(ctx, s.tx.DB())
	if err != nil {
		return nil, err
	}

	today := membershipdomain.Day(s.clock.Now())
	out := make([]paymentdomain.PendingPayment, 0, len(items))
	for _, item := range items {
		out = append(out, paymentdomain.PendingPayment{
			Payment:     item,
			DaysPending: int(today.Sub(membershipdomain.Day(item.CreatedAt)).Hours() / 24),
		})
	}
	return out, nil
}

func unauthorized(err error) error {
	return fmt.Errorf("%w: %w", paymentdomain.ErrUnauthorized, err)
}

// PaymentQR encodes the GCash transfer details for a pending payment.
func (s *Service) PaymentQR(ctx context.Context, actor identity.Actor, id snowflake.ID) (string, error) {
	p, err := s.Get(ctx, actor, id)
	if err != nil {
		return "", err
	}
	gcash := s.cfg.Get().GCash
	if p.Method != paymentdomain.MethodGCash || p.Status != paymentdomain.StatusPending || strings.TrimSpace(gcash.AccountNumber) == "" {
		return "", paymentdomain.ErrQRUnavailable
	}

	content := strings.Join([]string{
		"GCASH",
		gcash.AccountName,
		gcash.AccountNumber,
		fmt.Sprintf("%d.%02d", p.Amount/100, p.Amount%100),
		p.ReferenceNo,
	}, "|")
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Receipt renders the receipt of a confirmed membership payment.
func (s *Service) Receipt(ctx context.Context, actor identity.Actor, id snowflake.ID) (io.Reader, error) {
	p, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if p.Status != paymentdomain.StatusConfirmed {
		return nil, paymentdomain.ErrNotConfirmed
	}

	m, err := s.ledger.Get(ctx, p.MembershipID)
	if err != nil {
		return nil, err
	}
	description := "Membership"
	plan, err := s.catalog.FindByID(ctx, s.tx.DB(), catalogdomain.KindPlan, m.PlanID)
	if err != nil {
		return nil, err
	}
	if plan != nil {
		description = plan.Name
	}

	issuedAt := p.UpdatedAt
	if p.ApprovedAt != nil {
		issuedAt = *p.ApprovedAt
	}
	processor := ""
	if p.ApprovedBy != nil {
		processor = p.ApprovedBy.String()
	}
	return s.pdf.GenerateReceipt(ctx, pdf.Receipt{
		Title:        "Official Receipt",
		BusinessName: s.cfg.Get().GCash.AccountName,
		ReferenceNo:  p.ReferenceNo,
		IssuedAt:     issuedAt,
		CustomerName: p.MemberID.String(),
		Method:       string(p.Method),
		Processor:    processor,
		Lines: []pdf.Line{{
			Description: description,
			Period:      m.StartDate.Format("2006-01-02") + " to " + m.EndDate.Format("2006-01-02"),
			Amount:      p.Amount,
		}},
		Total: p.Amount,
	})
}

func (s *Service) WalkInReceipt(ctx context.Context, actor identity.Actor, id snowflake.ID) (io.Reader, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectWalkIn, authorization.ActionWalkInView); err != nil {
		return nil, unauthorized(err)
	}
	w, err := s.repo.FindWalkIn(ctx, s.tx.DB(), id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, paymentdomain.ErrWalkInNotFound
	}

	description := "Flexible access pass"
	pass, err := s.catalog.FindByID(ctx, s.tx.DB(), catalogdomain.KindPass, w.PassID)
	if err != nil {
		return nil, err
	}
	if pass != nil {
		description = pass.Name
	}
	return s.pdf.GenerateReceipt(ctx, pdf.Receipt{
		Title:        "Walk-in Receipt",
		BusinessName: s.cfg.Get().GCash.AccountName,
		ReferenceNo:  w.ReferenceNo,
		IssuedAt:     w.CreatedAt,
		CustomerName: w.CustomerName,
		Method:       string(w.Method),
		Processor:    w.ProcessedBy.String(),
		Lines: []pdf.Line{{
			Description: description,
			Period:      w.CreatedAt.UTC().Format("2006-01-02"),
			Amount:      w.Amount,
		}},
		Total: w.Amount,
	})
}
