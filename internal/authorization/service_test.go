package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/gymledger/internal/identity"
	"github.com/smallbiznis/gymledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeRoleHierarchy(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	member := identity.Actor{ID: 1, Role: identity.RoleMember}
	staff := identity.Actor{ID: 2, Role: identity.RoleStaff}
	admin := identity.Actor{ID: 3, Role: identity.RoleAdmin}

	cases := []struct {
		name    string
		actor   identity.Actor
		object  string
		action  string
		allowed bool
	}{
		{"member purchases", member, ObjectMembership, ActionMembershipPurchase, true},
		{"member cannot confirm", member, ObjectPayment, ActionPaymentConfirm, false},
		{"member cannot purchase for others", member, ObjectMembership, ActionMembershipPurchaseAny, false},
		{"staff confirms", staff, ObjectPayment, ActionPaymentConfirm, true},
		{"staff inherits member grants", staff, ObjectMembership, ActionMembershipPurchase, true},
		{"staff records walk-ins", staff, ObjectWalkIn, ActionWalkInRecord, true},
		{"staff cannot manage catalog", staff, ObjectCatalog, ActionCatalogManage, false},
		{"admin manages catalog", admin, ObjectCatalog, ActionCatalogManage, true},
		{"admin inherits staff grants", admin, ObjectPayment, ActionPaymentReject, true},
		{"system expires", identity.System, ObjectMembership, ActionMembershipExpire, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, tc.object, tc.action)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrForbidden)
		})
	}
}

func TestAuthorizeRejectsInvalidInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, identity.Actor{ID: 1, Role: "owner"}, ObjectPayment, ActionPaymentView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, identity.Actor{ID: 0, Role: identity.RoleMember}, ObjectPayment, ActionPaymentView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, identity.Actor{ID: 1, Role: identity.RoleStaff}, " ", ActionPaymentView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, identity.Actor{ID: 1, Role: identity.RoleStaff}, ObjectPayment, ""), ErrInvalidAction)
}

func TestNewEnforcerSeedsOnce(t *testing.T) {
	conn := dbtest.New(t)

	first, err := NewEnforcer(conn)
	require.NoError(t, err)
	firstPolicies, err := first.GetPolicy()
	require.NoError(t, err)

	second, err := NewEnforcer(conn)
	require.NoError(t, err)
	secondPolicies, err := second.GetPolicy()
	require.NoError(t, err)

	assert.Len(t, secondPolicies, len(firstPolicies))

	allowed, err := second.Enforce("role:admin", ObjectKiosk, ActionKioskCheck)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAuthorizeOwned(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	member := identity.Actor{ID: 7, Role: identity.RoleMember}

	assert.NoError(t, AuthorizeOwned(ctx, svc, member, 7, ObjectMembership, ActionMembershipCancel, ActionMembershipCancelAny))
	assert.ErrorIs(t, AuthorizeOwned(ctx, svc, member, 8, ObjectMembership, ActionMembershipCancel, ActionMembershipCancelAny), ErrForbidden)
	assert.NoError(t, AuthorizeOwned(ctx, svc, identity.Actor{ID: 9, Role: identity.RoleStaff}, 8, ObjectMembership, ActionMembershipCancel, ActionMembershipCancelAny))
}
