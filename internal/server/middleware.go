package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gymledger/internal/identity"
	obscontext "github.com/smallbiznis/gymledger/internal/observability/context"
)

const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
	HeaderKioskID   = "X-Kiosk-Id"

	contextActorKey = "actor"
)

// ActorMiddleware reads the caller identity asserted by the upstream
// gateway. Mutating requests without a valid identity are rejected; reads
// continue and fail at the first authorization check.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := parseActor(c.GetHeader(HeaderActorID), c.GetHeader(HeaderActorRole))
		if err != nil {
			if isMutating(c.Request.Method) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			c.Next()
			return
		}

		ctx := identity.WithActor(c.Request.Context(), actor)
		ctx = obscontext.WithActor(ctx, string(actor.Role), actor.ID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func parseActor(rawID, rawRole string) (identity.Actor, error) {
	rawID = strings.TrimSpace(rawID)
	if rawID == "" {
		return identity.Actor{}, ErrUnauthorized
	}
	id, err := snowflake.ParseString(rawID)
	if err != nil || id <= 0 {
		return identity.Actor{}, ErrUnauthorized
	}
	role, ok := identity.ParseRole(rawRole)
	if !ok {
		return identity.Actor{}, ErrUnauthorized
	}
	actor := identity.Actor{ID: id, Role: role}
	if err := actor.Validate(); err != nil {
		return identity.Actor{}, ErrUnauthorized
	}
	return actor, nil
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// requireActor returns the request actor or aborts with 401.
func requireActor(c *gin.Context) (identity.Actor, bool) {
	if v, ok := c.Get(contextActorKey); ok {
		if actor, ok := v.(identity.Actor); ok {
			return actor, true
		}
	}
	AbortWithError(c, ErrUnauthorized)
	return identity.Actor{}, false
}

func (s *Server) authorizeAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		AbortWithError(c, newValidationError(name, "invalid_"+name, "invalid "+name))
		return 0, false
	}
	return *id, true
}
