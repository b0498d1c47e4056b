package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/gymledger/internal/payment/domain"
)

type paymentDecisionRequest struct {
	Reason string `json:"reason"`
}

func bindDecision(c *gin.Context) (paymentDecisionRequest, bool) {
	var req paymentDecisionRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return req, false
	}
	return req, true
}

func (s *Server) GetPayment(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	p, err := s.paymentSvc.Get(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) GetPaymentByReference(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	p, err := s.paymentSvc.GetByReference(c.Request.Context(), actor, c.Param("ref"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	s.decidePayment(c, true)
}

func (s *Server) RejectPayment(c *gin.Context) {
	s.decidePayment(c, false)
}

func (s *Server) decidePayment(c *gin.Context, confirm bool) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	body, ok := bindDecision(c)
	if !ok {
		return
	}

	req := paymentdomain.DecisionRequest{Actor: actor, PaymentID: id, Reason: body.Reason}
	var (
		p   *paymentdomain.Payment
		err error
	)
	if confirm {
		p, err = s.paymentSvc.Confirm(c.Request.Context(), req)
	} else {
		p, err = s.paymentSvc.Reject(c.Request.Context(), req)
	}
	respond(c, http.StatusOK, p, err)
}

func (s *Server) ConfirmPaymentByReference(c *gin.Context) {
	s.decidePaymentByReference(c, true)
}

func (s *Server) RejectPaymentByReference(c *gin.Context) {
	s.decidePaymentByReference(c, false)
}

func (s *Server) decidePaymentByReference(c *gin.Context, confirm bool) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	body, ok := bindDecision(c)
	if !ok {
		return
	}

	req := paymentdomain.ReferenceDecisionRequest{Actor: actor, ReferenceNo: c.Param("ref"), Reason: body.Reason}
	var (
		p   *paymentdomain.Payment
		err error
	)
	if confirm {
		p, err = s.paymentSvc.ConfirmByReference(c.Request.Context(), req)
	} else {
		p, err = s.paymentSvc.RejectByReference(c.Request.Context(), req)
	}
	respond(c, http.StatusOK, p, err)
}

func (s *Server) GetPaymentQR(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	uri, err := s.paymentSvc.PaymentQR(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"qr": uri}})
}

func (s *Server) GetPaymentReceipt(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	doc, err := s.paymentSvc.Receipt(c.Request.Context(), actor, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writePDF(c, fmt.Sprintf("receipt-%s.pdf", id), doc)
}

func writePDF(c *gin.Context, filename string, doc io.Reader) {
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	c.DataFromReader(http.StatusOK, -1, "application/pdf", doc, nil)
}
