package server

import (
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/gymledger/internal/payment/domain"
)

type recordWalkInRequest struct {
	PassID       snowflake.ID `json:"pass_id"`
	CustomerName string       `json:"customer_name"`
	MobileNo     string       `json:"mobile_no"`
	Amount       int64        `json:"amount"`
	Method       string       `json:"method"`
}

func (s *Server) RecordWalkIn(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req recordWalkInRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PassID == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	w, err := s.paymentSvc.RecordWalkIn(c.Request.Context(), paymentdomain.WalkInRequest{
		Actor:        actor,
		PassID:       req.PassID,
		CustomerName: req.CustomerName,
		MobileNo:     req.MobileNo,
		Amount:       req.Amount,
		Method:       req.Method,
	})
	respond(c, http.StatusCreated, w, err)
}

func (s *Server) GetWalkInReceipt(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	doc, err := s.paymentSvc.WalkInReceipt(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writePDF(c, fmt.Sprintf("walk-in-%s.pdf", id), doc)
}
