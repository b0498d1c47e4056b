package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const kioskReasonRateLimited = "rate_limited"

type kioskAccessResponse struct {
	HasActiveMembership bool `json:"has_active_membership"`
}

func kioskID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(HeaderKioskID)); id != "" {
		return id
	}
	return strings.TrimSpace(c.GetHeader(HeaderActorID))
}

// KioskRateLimit throttles access checks per kiosk.
func (s *Server) KioskRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.kioskLimiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		kiosk := kioskID(c)
		res, err := s.kioskLimiter.Allow(ctx, kiosk)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if res.Allowed {
			c.Next()
			return
		}

		retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header(HeaderRetryAfter, strconv.Itoa(retryAfter))
		s.obsMetrics.RecordKioskAccess(ctx, kiosk, false, kioskReasonRateLimited)
		AbortWithError(c, ErrRateLimited)
	}
}

func (s *Server) CheckKioskAccess(c *gin.Context) {
	memberID, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	active, err := s.ledger.HasActiveMembership(ctx, memberID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reason := "active"
	if !active {
		reason = "no_active_membership"
	}
	s.obsMetrics.RecordKioskAccess(ctx, kioskID(c), active, reason)
	c.JSON(http.StatusOK, kioskAccessResponse{HasActiveMembership: active})
}
