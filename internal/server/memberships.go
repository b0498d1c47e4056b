package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gymledger/internal/authorization"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
	paymentdomain "github.com/smallbiznis/gymledger/internal/payment/domain"
)

type purchaseMembershipRequest struct {
	MemberID  snowflake.ID `json:"member_id"`
	PlanID    snowflake.ID `json:"plan_id"`
	Amount    int64        `json:"amount"`
	Method    string       `json:"method"`
	StartDate string       `json:"start_date"`
}

type purchaseMembershipResponse struct {
	Payment    *paymentdomain.Payment           `json:"payment"`
	Membership *membershipdomain.UserMembership `json:"membership"`
}

func (s *Server) PurchaseMembership(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req purchaseMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PlanID == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.MemberID == 0 {
		req.MemberID = actor.ID
	}

	startDate, err := parseOptionalDate(req.StartDate)
	if err != nil {
		AbortWithError(c, newValidationError("start_date", "invalid_start_date", "invalid start_date"))
		return
	}
	var start time.Time
	if startDate != nil {
		start = *startDate
	}

	payment, membership, err := s.paymentSvc.InitiatePurchase(c.Request.Context(), paymentdomain.PurchaseRequest{
		Actor:     actor,
		MemberID:  req.MemberID,
		PlanID:    req.PlanID,
		Amount:    req.Amount,
		Method:    req.Method,
		StartDate: start,
	})
	var resp *purchaseMembershipResponse
	if payment != nil {
		resp = &purchaseMembershipResponse{Payment: payment, Membership: membership}
	}
	respond(c, http.StatusCreated, resp, err)
}

type cancelMembershipRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CancelMembership(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelMembershipRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	m, err := s.ledger.Cancel(c.Request.Context(), membershipdomain.CancelRequest{
		Actor:        actor,
		MembershipID: id,
		Reason:       req.Reason,
	})
	respond(c, http.StatusOK, m, err)
}

func (s *Server) GetMembership(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	m, err := s.ledger.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := authorization.AuthorizeOwned(ctx, s.authzSvc, actor, m.MemberID,
		authorization.ObjectMembership, authorization.ActionMembershipView, authorization.ActionMembershipViewAny); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": m})
}

func (s *Server) ListMemberMemberships(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	memberID, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := authorization.AuthorizeOwned(ctx, s.authzSvc, actor, memberID,
		authorization.ObjectMembership, authorization.ActionMembershipView, authorization.ActionMembershipViewAny); err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.ledger.ListByMember(ctx, memberID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}
