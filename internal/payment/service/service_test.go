package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/identity"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
	membershiprepository "github.com/smallbiznis/gymledger/internal/membership/repository"
	membershipservice "github.com/smallbiznis/gymledger/internal/membership/service"
	"github.com/smallbiznis/gymledger/internal/payment/domain"
	"github.com/smallbiznis/gymledger/internal/payment/repository"
	"github.com/smallbiznis/gymledger/internal/providers/pdf"
	"github.com/smallbiznis/gymledger/internal/reference"
	"github.com/smallbiznis/gymledger/internal/testenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	staff  = identity.Actor{ID: 500, Role: identity.RoleStaff}
	member = identity.Actor{ID: 1001, Role: identity.RoleMember}

	paymentRef = regexp.MustCompile(`^PAY-\d{8}-\d{6}$`)
	walkInRef  = regexp.MustCompile(`^WLK-\d{8}-\d{6}$`)
)

type fixture struct {
	env       *testenv.Env
	ledger    membershipdomain.Ledger
	processor domain.Processor
	planID    snowflake.ID
	passID    snowflake.ID
}

type fixtureOptions struct {
	env  []testenv.Option
	wrap func(membershipdomain.Ledger) membershipdomain.Ledger
	repo func(domain.Repository) domain.Repository
}

func newFixture(t *testing.T, opts fixtureOptions) fixture {
	t.Helper()
	env := testenv.New(t, opts.env...)
	ledger := membershipservice.New(membershipservice.Params{
		Tx:      env.Tx,
		Log:     env.Log,
		GenID:   env.GenID,
		Clock:   env.Clock,
		Config:  env.Config,
		Repo:    membershiprepository.Provide(),
		Catalog: env.Catalog,
		Audit:   env.Audit,
		Authz:   env.Authz,
	})
	if opts.wrap != nil {
		ledger = opts.wrap(ledger)
	}
	repo := repository.Provide()
	if opts.repo != nil {
		repo = opts.repo(repo)
	}
	processor := New(Params{
		Tx:      env.Tx,
		Log:     env.Log,
		GenID:   env.GenID,
		Clock:   env.Clock,
		Config:  env.Config,
		Repo:    repo,
		Ledger:  ledger,
		Catalog: env.Catalog,
		References: reference.NewGenerator(reference.Params{
			Config: env.Config,
			Log:    env.Log,
			Audit:  env.Audit,
		}),
		Audit: env.Audit,
		Authz: env.Authz,
		PDF:   pdf.New(),
	})
	plan := env.SeedPlan(t, "monthly", 30, 150000)
	pass := env.SeedPass(t, "day-pass", 1, 15000)
	return fixture{env: env, ledger: ledger, processor: processor, planID: plan.ID, passID: pass.ID}
}

func (f fixture) purchase(t *testing.T, memberID snowflake.ID, method string) (*domain.Payment, *membershipdomain.UserMembership) {
	t.Helper()
	p, m, err := f.processor.InitiatePurchase(context.Background(), domain.PurchaseRequest{
		Actor:    staff,
		MemberID: memberID,
		PlanID:   f.planID,
		Amount:   150000,
		Method:   method,
	})
	require.NoError(t, err)
	return p, m
}

func TestPurchaseThenConfirmActivatesMembership(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	p, m := f.purchase(t, 1001, "cash")
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, membershipdomain.StatusPending, m.Status)
	assert.Regexp(t, paymentRef, p.ReferenceNo)
	assert.True(t, strings.HasPrefix(p.ReferenceNo, "PAY-20260301-"))
	assert.Equal(t, m.ID, p.MembershipID)

	confirmed, err := f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ApprovedBy)
	assert.Equal(t, staff.ID, *confirmed.ApprovedBy)
	require.NotNil(t, confirmed.ApprovedAt)

	active, err := f.ledger.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.StatusActive, active.Status)
	assert.True(t, active.EndDate.Equal(active.StartDate.AddDate(0, 0, 30)))

	assert.Equal(t, int64(2), f.env.AuditCount(t, ""))
	assert.Equal(t, int64(1), f.env.AuditCount(t, auditdomain.ActionPaymentInitiated))
	assert.Equal(t, int64(1), f.env.AuditCount(t, auditdomain.ActionPaymentConfirmed))
}

func TestPurchaseValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.PurchaseRequest
		want error
	}{
		{"zero amount", domain.PurchaseRequest{Actor: staff, MemberID: 1001, PlanID: f.planID, Amount: 0, Method: "cash"}, domain.ErrInvalidAmount},
		{"unknown method", domain.PurchaseRequest{Actor: staff, MemberID: 1001, PlanID: f.planID, Amount: 100, Method: "card"}, domain.ErrInvalidMethod},
		{"other member", domain.PurchaseRequest{Actor: member, MemberID: 1002, PlanID: f.planID, Amount: 100, Method: "cash"}, domain.ErrUnauthorized},
		{"missing plan", domain.PurchaseRequest{Actor: staff, MemberID: 1001, PlanID: 42, Amount: 100, Method: "cash"}, membershipdomain.ErrPlanUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.processor.InitiatePurchase(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(0), f.env.AuditCount(t, ""))
}

func TestSecondPurchaseWritesNothing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.purchase(t, 1001, "cash")

	_, _, err := f.processor.InitiatePurchase(ctx, domain.PurchaseRequest{
		Actor: member, MemberID: 1001, PlanID: f.planID, Amount: 150000, Method: "gcash",
	})
	assert.ErrorIs(t, err, membershipdomain.ErrActiveMembershipExists)

	var payments int64
	require.NoError(t, f.env.DB.Table("payments").Count(&payments).Error)
	assert.Equal(t, int64(1), payments)
}

func TestConcurrentPurchaseHasOneWinner(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	const callers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.processor.InitiatePurchase(ctx, domain.PurchaseRequest{
				Actor: staff, MemberID: 1001, PlanID: f.planID, Amount: 150000, Method: "gcash",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, membershipdomain.ErrActiveMembershipExists):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)

	var payments, memberships int64
	require.NoError(t, f.env.DB.Table("payments").Count(&payments).Error)
	require.NoError(t, f.env.DB.Table("user_memberships").Count(&memberships).Error)
	assert.Equal(t, int64(1), payments)
	assert.Equal(t, int64(1), memberships)
	assert.Equal(t, int64(1), f.env.AuditCount(t, auditdomain.ActionPaymentInitiated))
}

// staleRepo hands decide a payment row as it looked before any decision,
// as a reader that raced a concurrent commit would see it.
type staleRepo struct {
	domain.Repository
}

func (r staleRepo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	p, err := r.Repository.FindByIDForUpdate(ctx, tx, id)
	if err != nil || p == nil {
		return p, err
	}
	p.Status = domain.StatusPending
	p.ApprovedBy = nil
	p.ApprovedAt = nil
	p.RejectionReason = nil
	return p, nil
}

func TestConditionalUpdateRejectsStaleDecision(t *testing.T) {
	f := newFixture(t, fixtureOptions{repo: func(r domain.Repository) domain.Repository { return staleRepo{Repository: r} }})
	ctx := context.Background()
	p, m := f.purchase(t, 1001, "cash")

	_, err := f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID})
	require.NoError(t, err)

	_, err = f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID})
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	_, err = f.processor.Reject(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID, Reason: "late"})
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	stored, err := f.processor.Get(ctx, staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, stored.Status)
	assert.Nil(t, stored.RejectionReason)

	membership, err := f.ledger.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.StatusActive, membership.Status)
	assert.Equal(t, int64(1), f.env.AuditCount(t, auditdomain.ActionPaymentConfirmed))
	assert.Equal(t, int64(0), f.env.AuditCount(t, auditdomain.ActionPaymentRejected))
}

func TestConcurrentConfirmHasOneWinner(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	p, _ := f.purchase(t, 1001, "cash")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, domain.ErrAlreadyProcessed):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, int64(1), f.env.AuditCount(t, auditdomain.ActionPaymentConfirmed))
}

func TestRejectCancelsMembership(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	p, m := f.purchase(t, 1001, "gcash")

	rejected, err := f.processor.Reject(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID, Reason: "no transfer received"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "no transfer received", *rejected.RejectionReason)

	cancelled, err := f.ledger.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.StatusCancelled, cancelled.Status)

	_, err = f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID})
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	// The member may buy again once the pending purchase is rejected.
	f.purchase(t, 1001, "cash")
}

func TestRejectAfterMemberCancelled(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	p, m := f.purchase(t, 1001, "cash")

	_, err := f.ledger.Cancel(ctx, membershipdomain.CancelRequest{Actor: member, MembershipID: m.ID})
	require.NoError(t, err)

	rejected, err := f.processor.Reject(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
}

type failingLedger struct {
	membershipdomain.Ledger
}

func (l failingLedger) ActivateTx(ctx context.Context, tx *gorm.DB, req membershipdomain.ActivateRequest) (*membershipdomain.UserMembership, error) {
	return nil, errors.New("connection reset")
}

func TestConfirmRollsBackWhenActivationFails(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		wrap: func(l membershipdomain.Ledger) membershipdomain.Ledger { return failingLedger{Ledger: l} },
	})
	ctx := context.Background()
	p, m := f.purchase(t, 1001, "cash")

	_, err := f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID})
	require.Error(t, err)

	stored, err := f.processor.Get(ctx, staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Nil(t, stored.ApprovedAt)

	membership, err := f.ledger.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.StatusPending, membership.Status)
	assert.Equal(t, int64(0), f.env.AuditCount(t, auditdomain.ActionPaymentConfirmed))
}

func TestDecisionByReference(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	p, _ := f.purchase(t, 1001, "gcash")

	_, err := f.processor.ConfirmByReference(ctx, domain.ReferenceDecisionRequest{Actor: staff, ReferenceNo: "PAY-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidReference)

	_, err = f.processor.ConfirmByReference(ctx, domain.ReferenceDecisionRequest{Actor: staff, ReferenceNo: "PAY-20260301-999999x"})
	assert.ErrorIs(t, err, domain.ErrInvalidReference)

	confirmed, err := f.processor.ConfirmByReference(ctx, domain.ReferenceDecisionRequest{
		Actor:       staff,
		ReferenceNo: strings.ToLower(p.ReferenceNo),
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, confirmed.ID)

	_, err = f.processor.RejectByReference(ctx, domain.ReferenceDecisionRequest{Actor: staff, ReferenceNo: p.ReferenceNo})
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestDecisionAuthorization(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	p, _ := f.purchase(t, 1001, "cash")

	_, err := f.processor.Confirm(ctx, domain.DecisionRequest{Actor: member, PaymentID: p.ID})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: 77})
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestReadAuthorization(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	p, _ := f.purchase(t, 1001, "cash")

	own, err := f.processor.Get(ctx, member, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ReferenceNo, own.ReferenceNo)

	byRef, err := f.processor.GetByReference(ctx, member, p.ReferenceNo)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRef.ID)

	other := identity.Actor{ID: 1002, Role: identity.RoleMember}
	_, err = f.processor.Get(ctx, other, p.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.processor.ListPending(ctx, member)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestListPendingReportsAge(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	first, _ := f.purchase(t, 1001, "cash")
	f.env.Clock.Advance(48 * time.Hour)
	second, _ := f.purchase(t, 1002, "gcash")
	decided, _ := f.purchase(t, 1003, "cash")
	_, err := f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: decided.ID})
	require.NoError(t, err)
	f.env.Clock.Advance(24 * time.Hour)

	pending, err := f.processor.ListPending(ctx, staff)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, second.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].DaysPending)
	assert.Equal(t, first.ID, pending[1].ID)
	assert.Equal(t, 3, pending[1].DaysPending)
}

func TestRecordWalkInDefaults(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	w, err := f.processor.RecordWalkIn(ctx, domain.WalkInRequest{Actor: staff, PassID: f.passID, MobileNo: "0917 123 4567"})
	require.NoError(t, err)
	assert.Regexp(t, walkInRef, w.ReferenceNo)
	assert.Equal(t, domain.DefaultWalkInCustomerName, w.CustomerName)
	assert.Equal(t, int64(15000), w.Amount)
	assert.Equal(t, domain.MethodCash, w.Method)
	assert.Equal(t, staff.ID, w.ProcessedBy)

	resp, err := f.env.Audit.List(ctx, auditdomain.ListAuditLogRequest{Action: string(auditdomain.ActionWalkInRecorded)})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	mobile, _ := resp.AuditLogs[0].Data["mobile_no"].(string)
	assert.True(t, strings.HasSuffix(mobile, "4567"))
	assert.NotContains(t, mobile, "0917")
}

func TestRecordWalkInRejectsArchivedPass(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	archived := f.env.SeedPass(t, "weekend", 2, 25000)
	f.env.Archive(t, archived)

	_, err := f.processor.RecordWalkIn(ctx, domain.WalkInRequest{Actor: staff, PassID: archived.ID, CustomerName: "Ana"})
	assert.ErrorIs(t, err, domain.ErrPassUnavailable)

	var count int64
	require.NoError(t, f.env.DB.Table("walk_in_payments").Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, int64(0), f.env.AuditCount(t, auditdomain.ActionWalkInRecorded))
}

func TestRecordWalkInValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.processor.RecordWalkIn(ctx, domain.WalkInRequest{Actor: member, PassID: f.passID})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.processor.RecordWalkIn(ctx, domain.WalkInRequest{Actor: staff, PassID: f.passID, Amount: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.processor.RecordWalkIn(ctx, domain.WalkInRequest{Actor: staff, PassID: f.passID, Method: "card"})
	assert.ErrorIs(t, err, domain.ErrInvalidMethod)
}

func TestPaymentQR(t *testing.T) {
	engine := config.DefaultEngineConfig()
	engine.GCash.AccountNumber = "09170000000"
	f := newFixture(t, fixtureOptions{env: []testenv.Option{testenv.WithEngineConfig(engine)}})
	ctx := context.Background()

	gcash, _ := f.purchase(t, 1001, "gcash")
	uri, err := f.processor.PaymentQR(ctx, member, gcash.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	cash, _ := f.purchase(t, 1002, "cash")
	_, err = f.processor.PaymentQR(ctx, staff, cash.ID)
	assert.ErrorIs(t, err, domain.ErrQRUnavailable)
}

func TestPaymentQRRequiresAccount(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	p, _ := f.purchase(t, 1001, "gcash")

	_, err := f.processor.PaymentQR(context.Background(), staff, p.ID)
	assert.ErrorIs(t, err, domain.ErrQRUnavailable)
}

func TestReceipts(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	p, _ := f.purchase(t, 1001, "cash")

	_, err := f.processor.Receipt(ctx, member, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotConfirmed)

	_, err = f.processor.Confirm(ctx, domain.DecisionRequest{Actor: staff, PaymentID: p.ID})
	require.NoError(t, err)

	r, err := f.processor.Receipt(ctx, member, p.ID)
	require.NoError(t, err)
	assertPDF(t, r)

	w, err := f.processor.RecordWalkIn(ctx, domain.WalkInRequest{Actor: staff, PassID: f.passID, CustomerName: "Ana"})
	require.NoError(t, err)
	r, err = f.processor.WalkInReceipt(ctx, staff, w.ID)
	require.NoError(t, err)
	assertPDF(t, r)

	_, err = f.processor.WalkInReceipt(ctx, staff, 99)
	assert.ErrorIs(t, err, domain.ErrWalkInNotFound)
}

func assertPDF(t *testing.T, r io.Reader) {
	t.Helper()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("%PDF")))
}

// brokenAudit fails every insert.
type brokenAudit struct {
	auditdomain.Repository
}

func (brokenAudit) Insert(context.Context, *gorm.DB, *auditdomain.AuditLog) error {
	return errors.New("disk full")
}

func TestDegradedAuditStillReturnsResult(t *testing.T) {
	f := newFixture(t, fixtureOptions{env: []testenv.Option{
		testenv.WithAuditRepo(func(r auditdomain.Repository) auditdomain.Repository { return brokenAudit{Repository: r} }),
	}})
	ctx := context.Background()

	p, m, err := f.processor.InitiatePurchase(ctx, domain.PurchaseRequest{
		Actor: staff, MemberID: 1001, PlanID: f.planID, Amount: 150000, Method: "cash",
	})
	assert.ErrorIs(t, err, auditdomain.ErrAuditWriteFailure)
	require.NotNil(t, p)
	require.NotNil(t, m)

	stored, err := f.processor.Get(ctx, staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	pending, err := f.env.Reconciler.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
