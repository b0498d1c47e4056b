package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/identity"
	"gorm.io/gorm"
)

var (
	ErrActiveMembershipExists = errors.New("active_membership_exists")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrPlanUnavailable        = errors.New("plan_unavailable")
	ErrMembershipNotFound     = errors.New("membership_not_found")
	ErrUnauthorized           = errors.New("membership_unauthorized")
)

type OpenRequest struct {
	Actor     identity.Actor
	MemberID  snowflake.ID
	PlanID    snowflake.ID
	StartDate time.Time
}

type ActivateRequest struct {
	Actor        identity.Actor
	MembershipID snowflake.ID
}

type CancelRequest struct {
	Actor        identity.Actor
	MembershipID snowflake.ID
	Reason       string
}

type ExpireRequest struct {
	MembershipID snowflake.ID
}

// ExpiringMembership is an active membership ending within a report window.
type ExpiringMembership struct {
	UserMembership
	DaysRemaining int `json:"days_remaining"`
}

// Ledger owns UserMembership records. Standalone operations run in their
// own transaction and record one audit entry. Tx variants join the caller's
// transaction and record nothing.
type Ledger interface {
	Open(ctx context.Context, req OpenRequest) (*UserMembership, error)
	Activate(ctx context.Context, req ActivateRequest) (*UserMembership, error)
	Cancel(ctx context.Context, req CancelRequest) (*UserMembership, error)
	Expire(ctx context.Context, req ExpireRequest) (*UserMembership, error)

	OpenTx(ctx context.Context, tx *gorm.DB, req OpenRequest) (*UserMembership, error)
	ActivateTx(ctx context.Context, tx *gorm.DB, req ActivateRequest) (*UserMembership, error)
	CancelTx(ctx context.Context, tx *gorm.DB, req CancelRequest) (*UserMembership, error)
	GetTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*UserMembership, error)

	Get(ctx context.Context, id snowflake.ID) (*UserMembership, error)
	ListByMember(ctx context.Context, memberID snowflake.ID) ([]UserMembership, error)
	HasActiveMembership(ctx context.Context, memberID snowflake.ID) (bool, error)
	ListExpiringSoon(ctx context.Context, days int) ([]ExpiringMembership, error)
	CountExpiringSoon(ctx context.Context, days int) (int64, error)
	CountActive(ctx context.Context) (int64, error)
	// DueForExpiry returns ids of active memberships past their end date,
	// in id order after afterID.
	DueForExpiry(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}
