// Package identity carries the authenticated caller supplied by the upstream
// identity provider. Credentials are never checked here.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleStaff  Role = "staff"
	RoleMember Role = "member"
)

var ErrInvalidActor = errors.New("invalid_actor")

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   snowflake.ID `json:"id"`
	Role Role         `json:"role"`
}

// System is the actor used for scheduler-driven transitions.
var System = Actor{ID: 0, Role: RoleAdmin}

func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleStaff:
		return RoleStaff, true
	case RoleMember:
		return RoleMember, true
	default:
		return "", false
	}
}

func (a Actor) IsSystem() bool {
	return a.ID == 0
}

// IsStaff reports staff or admin privileges.
func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff || a.Role == RoleAdmin
}

func (a Actor) Validate() error {
	if _, ok := ParseRole(string(a.Role)); !ok {
		return ErrInvalidActor
	}
	if a.ID == 0 && a.Role != RoleAdmin {
		return ErrInvalidActor
	}
	return nil
}

// IDPtr returns nil for the system actor.
func (a Actor) IDPtr() *snowflake.ID {
	if a.IsSystem() {
		return nil
	}
	id := a.ID
	return &id
}

type actorKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
