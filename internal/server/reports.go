package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListExpiringMemberships(c *gin.Context) {
	days, err := parseOptionalInt(c.Query("days"))
	if err != nil || (days != nil && *days <= 0) {
		AbortWithError(c, newValidationError("days", "invalid_days", "invalid days"))
		return
	}
	window := 0
	if days != nil {
		window = *days
	}

	items, err := s.ledger.ListExpiringSoon(c.Request.Context(), window)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

type renewalReminder struct {
	MemberID      snowflake.ID `json:"member_id"`
	MembershipID  snowflake.ID `json:"membership_id"`
	PlanID        snowflake.ID `json:"plan_id"`
	EndDate       time.Time    `json:"end_date"`
	DaysRemaining int          `json:"days_remaining"`
}

// ListRenewalReminders lists the members to remind about renewing. Delivery
// of the reminders happens elsewhere.
func (s *Server) ListRenewalReminders(c *gin.Context) {
	days, err := parseOptionalInt(c.Query("days"))
	if err != nil || (days != nil && *days <= 0) {
		AbortWithError(c, newValidationError("days", "invalid_days", "invalid days"))
		return
	}
	window := 0
	if days != nil {
		window = *days
	}

	items, err := s.ledger.ListExpiringSoon(c.Request.Context(), window)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reminders := make([]renewalReminder, 0, len(items))
	for _, item := range items {
		reminders = append(reminders, renewalReminder{
			MemberID:      item.MemberID,
			MembershipID:  item.ID,
			PlanID:        item.PlanID,
			EndDate:       item.EndDate,
			DaysRemaining: item.DaysRemaining,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": reminders})
}

func (s *Server) ListPendingPayments(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	items, err := s.paymentSvc.ListPending(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}
