package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/gymledger/internal/catalog/domain"
)

type createOfferingRequest struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	DurationDays int    `json:"duration_days"`
	Price        int64  `json:"price"`
}

func (s *Server) createOffering(kind catalogdomain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req createOfferingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}

		item, err := s.catalogSvc.Create(c.Request.Context(), catalogdomain.CreateRequest{
			Actor:        actor,
			Kind:         kind,
			Code:         req.Code,
			Name:         req.Name,
			DurationDays: req.DurationDays,
			Price:        req.Price,
		})
		respond(c, http.StatusCreated, item, err)
	}
}

func (s *Server) archiveOffering(kind catalogdomain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		id, ok := pathID(c, "id")
		if !ok {
			return
		}

		item, err := s.catalogSvc.Archive(c.Request.Context(), catalogdomain.ArchiveRequest{
			Actor: actor,
			Kind:  kind,
			ID:    id,
		})
		respond(c, http.StatusOK, item, err)
	}
}

func (s *Server) listOfferings(kind catalogdomain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		includeArchived := c.Query("include_archived") == "true"
		items, err := s.catalogSvc.List(c.Request.Context(), catalogdomain.ListRequest{
			Kind:            kind,
			IncludeArchived: includeArchived,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": items})
	}
}
