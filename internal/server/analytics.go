package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListDailyAnalytics(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	from, err := parseOptionalDate(c.Query("from"))
	if err != nil || from == nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalDate(c.Query("to"))
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}
	if to == nil {
		to = from
	}

	rows, err := s.analyticsSvc.History(c.Request.Context(), actor, *from, *to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (s *Server) GetAnalyticsSummary(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	summary, err := s.analyticsSvc.Summary(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

type rollupAnalyticsRequest struct {
	Date string `json:"date"`
}

func (s *Server) RollupAnalytics(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req rollupAnalyticsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	date, err := parseOptionalDate(req.Date)
	if err != nil {
		AbortWithError(c, newValidationError("date", "invalid_date", "invalid date"))
		return
	}
	day := s.clock.Now()
	if date != nil {
		day = *date
	}

	row, err := s.analyticsSvc.Rollup(c.Request.Context(), actor, day)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": row})
}
