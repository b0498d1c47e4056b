package authorization

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/identity"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = identity.ErrInvalidActor
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

const (
	ObjectMembership = "membership"
	ObjectPayment    = "payment"
	ObjectWalkIn     = "walk_in"
	ObjectKiosk      = "kiosk"
	ObjectReport     = "report"
	ObjectAnalytics  = "analytics"
	ObjectAuditLog   = "audit_log"
	ObjectCatalog    = "catalog"
)

const (
	ActionMembershipPurchase    = "membership.purchase"
	ActionMembershipPurchaseAny = "membership.purchase_any"
	ActionMembershipCancel      = "membership.cancel"
	ActionMembershipCancelAny   = "membership.cancel_any"
	ActionMembershipView        = "membership.view"
	ActionMembershipViewAny     = "membership.view_any"
	ActionMembershipActivate    = "membership.activate"
	ActionMembershipExpire      = "membership.expire"

	ActionPaymentConfirm = "payment.confirm"
	ActionPaymentReject  = "payment.reject"
	ActionPaymentView    = "payment.view"
	ActionPaymentViewAny = "payment.view_any"

	ActionWalkInRecord = "walk_in.record"
	ActionWalkInView   = "walk_in.view"

	ActionKioskCheck = "kiosk.check"

	ActionReportView = "report.view"

	ActionAnalyticsView   = "analytics.view"
	ActionAnalyticsRollup = "analytics.rollup"

	ActionAuditLogView = "audit_log.view"

	ActionCatalogView   = "catalog.view"
	ActionCatalogManage = "catalog.manage"
)

// Service decides whether an actor may perform an action on an object.
type Service interface {
	Authorize(ctx context.Context, actor identity.Actor, object string, action string) error
}

// AuthorizeOwned checks ownAction when actor owns the record and anyAction
// otherwise.
func AuthorizeOwned(ctx context.Context, svc Service, actor identity.Actor, ownerID snowflake.ID, object, ownAction, anyAction string) error {
	if !actor.IsSystem() && actor.ID == ownerID {
		return svc.Authorize(ctx, actor, object, ownAction)
	}
	return svc.Authorize(ctx, actor, object, anyAction)
}
