package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tenant_core/dedup"
	"github.com/mmdatafocus/tenant_core/models"
)

type resolveContactRequest struct {
	Key        models.NaturalKey      `json:"key" validate:"required"`
	Defaults   models.ContactDefaults `json:"defaults"`
	Reactivate bool                   `json:"reactivate"`
}

func (s *Server) resolveContact(c *gin.Context) {
	var req resolveContactRequest
	if !bind(c, &req) {
		return
	}
	var opts []dedup.Option
	if req.Reactivate {
		opts = append(opts, dedup.WithReactivation())
	}
	contact, created, err := s.Resolver.ResolveOrCreate(c.Request.Context(), tenantOf(c), req.Key, req.Defaults, opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"contact": contact, "created": created})
}

func (s *Server) deleteContact(c *gin.Context) {
	tenantId := c.Param("tenant")
	cancelled, err := s.Resolver.SoftDelete(c.Request.Context(), tenantId, c.Param("id"), c.Query("reason"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":              tenantId,
		"contact_id":             c.Param("id"),
		"cancelled_reservations": cancelled,
	})
}
