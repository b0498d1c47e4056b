package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/gymledger/internal/identity"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from the casbin_rule table and seeds the
// built-in role grants.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// NewMemoryEnforcer builds an enforcer without persistence.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor identity.Actor, object string, action string) error {
	if err := actor.Validate(); err != nil {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(roleSubject(actor.Role), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization.denied",
			zap.String("actor_role", string(actor.Role)),
			zap.String("actor_id", actor.ID.String()),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func roleSubject(role identity.Role) string {
	return "role:" + string(role)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Member permissions (own records)
		{"role:member", ObjectMembership, ActionMembershipPurchase},
		{"role:member", ObjectMembership, ActionMembershipCancel},
		{"role:member", ObjectMembership, ActionMembershipView},
		{"role:member", ObjectPayment, ActionPaymentView},
		{"role:member", ObjectCatalog, ActionCatalogView},

		// Staff permissions (front desk)
		{"role:staff", ObjectMembership, ActionMembershipPurchaseAny},
		{"role:staff", ObjectMembership, ActionMembershipCancelAny},
		{"role:staff", ObjectMembership, ActionMembershipViewAny},
		{"role:staff", ObjectMembership, ActionMembershipActivate},
		{"role:staff", ObjectPayment, ActionPaymentConfirm},
		{"role:staff", ObjectPayment, ActionPaymentReject},
		{"role:staff", ObjectPayment, ActionPaymentViewAny},
		{"role:staff", ObjectWalkIn, ActionWalkInRecord},
		{"role:staff", ObjectWalkIn, ActionWalkInView},
		{"role:staff", ObjectKiosk, ActionKioskCheck},
		{"role:staff", ObjectReport, ActionReportView},
		{"role:staff", ObjectAnalytics, ActionAnalyticsView},

		// Admin permissions
		{"role:admin", ObjectMembership, ActionMembershipExpire},
		{"role:admin", ObjectAnalytics, ActionAnalyticsRollup},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},
		{"role:admin", ObjectCatalog, ActionCatalogManage},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	groupings := [][]string{
		{"role:staff", "role:member"},
		{"role:admin", "role:staff"},
	}
	for _, grouping := range groupings {
		has, err := enforcer.HasGroupingPolicy(grouping)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddGroupingPolicy(grouping); err != nil {
			return err
		}
	}
	return nil
}
