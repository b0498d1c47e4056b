package domain

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/identity"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
)

const DefaultWalkInCustomerName = "Walk-in Customer"

var (
	ErrAlreadyProcessed = errors.New("already_processed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPassUnavailable  = errors.New("pass_unavailable")
	ErrPaymentNotFound  = errors.New("payment_not_found")
	ErrWalkInNotFound   = errors.New("walk_in_not_found")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidMethod    = errors.New("invalid_method")
	ErrInvalidReference = errors.New("invalid_reference")
	ErrNotConfirmed     = errors.New("payment_not_confirmed")
	ErrQRUnavailable    = errors.New("qr_unavailable")
)

type PurchaseRequest struct {
	Actor     identity.Actor
	MemberID  snowflake.ID
	PlanID    snowflake.ID
	Amount    int64
	Method    string
	StartDate time.Time
}

type DecisionRequest struct {
	Actor     identity.Actor
	PaymentID snowflake.ID
	Reason    string
}

type ReferenceDecisionRequest struct {
	Actor       identity.Actor
	ReferenceNo string
	Reason      string
}

type WalkInRequest struct {
	Actor        identity.Actor
	PassID       snowflake.ID
	CustomerName string
	MobileNo     string
	// Amount defaults to the pass price when zero.
	Amount int64
	// Method defaults to cash when empty.
	Method string
}

type Processor interface {
	InitiatePurchase(ctx context.Context, req PurchaseRequest) (*Payment, *membershipdomain.UserMembership, error)
	Confirm(ctx context.Context, req DecisionRequest) (*Payment, error)
	Reject(ctx context.Context, req DecisionRequest) (*Payment, error)
	ConfirmByReference(ctx context.Context, req ReferenceDecisionRequest) (*Payment, error)
	RejectByReference(ctx context.Context, req ReferenceDecisionRequest) (*Payment, error)
	RecordWalkIn(ctx context.Context, req WalkInRequest) (*WalkInPayment, error)

	Get(ctx context.Context, actor identity.Actor, id snowflake.ID) (*Payment, error)
	GetByReference(ctx context.Context, actor identity.Actor, referenceNo string) (*Payment, error)
	ListPending(ctx context.Context, actor identity.Actor) ([]PendingPayment, error)

	// PaymentQR returns a PNG data URI that a member scans to pay a pending
	// GCash payment.
	PaymentQR(ctx context.Context, actor identity.Actor, id snowflake.ID) (string, error)
	Receipt(ctx context.Context, actor identity.Actor, id snowflake.ID) (io.Reader, error)
	WalkInReceipt(ctx context.Context, actor identity.Actor, id snowflake.ID) (io.Reader, error)
}
