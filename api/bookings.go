package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tenant_core/booking"
	"github.com/mmdatafocus/tenant_core/models"
)

const defaultAvailabilitySlot = 30 * time.Minute

type reserveRequest struct {
	ResourceId      string    `json:"resource_id" validate:"required,max=36"`
	RequesterId     string    `json:"requester_id" validate:"max=64"`
	Start           time.Time `json:"start" validate:"required"`
	DurationSeconds int       `json:"duration_seconds" validate:"gt=0"`
	PartySize       int       `json:"party_size" validate:"gte=0"`
	IdempotencyKey  string    `json:"idempotency_key" validate:"max=255"`
}

type reserveCapacityRequest struct {
	ResourceClass   string    `json:"resource_class" validate:"required,max=100"`
	RequesterId     string    `json:"requester_id" validate:"max=64"`
	Start           time.Time `json:"start" validate:"required"`
	DurationSeconds int       `json:"duration_seconds" validate:"gt=0"`
	PartySize       int       `json:"party_size" validate:"gt=0"`
	IdempotencyKey  string    `json:"idempotency_key" validate:"max=255"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type rescheduleRequest struct {
	Start           time.Time `json:"start" validate:"required"`
	DurationSeconds int       `json:"duration_seconds" validate:"gt=0"`
}

type createResourceRequest struct {
	ID            string `json:"id" validate:"omitempty,max=36"`
	ResourceClass string `json:"resource_class" validate:"required,max=100"`
	Name          string `json:"name" validate:"max=255"`
	Capacity      int    `json:"capacity" validate:"gte=0"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// requester defaults to the authenticated user.
func requester(c *gin.Context, given string) string {
	if given != "" {
		return given
	}
	return userOf(c)
}

func (s *Server) reserve(c *gin.Context) {
	var req reserveRequest
	if !bind(c, &req) {
		return
	}
	r, err := s.Scheduler.Reserve(c.Request.Context(), booking.ReserveRequest{
		TenantId:       tenantOf(c),
		ResourceId:     req.ResourceId,
		RequesterId:    requester(c, req.RequesterId),
		Start:          req.Start,
		Duration:       seconds(req.DurationSeconds),
		IdempotencyKey: req.IdempotencyKey,
		PartySize:      req.PartySize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) reserveCapacity(c *gin.Context) {
	var req reserveCapacityRequest
	if !bind(c, &req) {
		return
	}
	r, err := s.Scheduler.ReserveCapacity(c.Request.Context(), booking.CapacityRequest{
		TenantId:       tenantOf(c),
		ResourceClass:  req.ResourceClass,
		RequesterId:    requester(c, req.RequesterId),
		Start:          req.Start,
		Duration:       seconds(req.DurationSeconds),
		IdempotencyKey: req.IdempotencyKey,
		PartySize:      req.PartySize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) getReservation(c *gin.Context) {
	r, err := s.Scheduler.Get(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) cancelReservation(c *gin.Context) {
	var req cancelRequest
	// The body is optional.
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	r, err := s.Scheduler.Cancel(c.Request.Context(), tenantOf(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) confirmReservation(c *gin.Context) {
	r, err := s.Scheduler.Confirm(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) rescheduleReservation(c *gin.Context) {
	var req rescheduleRequest
	if !bind(c, &req) {
		return
	}
	r, err := s.Scheduler.Reschedule(c.Request.Context(), tenantOf(c), c.Param("id"), req.Start, seconds(req.DurationSeconds))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// availability takes from and to as RFC 3339 and an optional slot_minutes.
func (s *Server) availability(c *gin.Context) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		writeError(c, models.ValidationError{Field: "from", Message: "must be an RFC 3339 timestamp"})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		writeError(c, models.ValidationError{Field: "to", Message: "must be an RFC 3339 timestamp"})
		return
	}
	slot := defaultAvailabilitySlot
	if v := c.Query("slot_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, models.ValidationError{Field: "slot_minutes", Message: "must be a positive integer"})
			return
		}
		slot = time.Duration(n) * time.Minute
	}
	free, err := s.Scheduler.Availability(c.Request.Context(), tenantOf(c), c.Param("id"), from, to, slot)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resource_id": c.Param("id"), "free": free})
}

func (s *Server) createResource(c *gin.Context) {
	var req createResourceRequest
	if !bind(c, &req) {
		return
	}
	r, err := s.Scheduler.CreateResource(c.Request.Context(), models.Resource{
		ID:            req.ID,
		TenantId:      c.Param("tenant"),
		ResourceClass: req.ResourceClass,
		Name:          req.Name,
		Capacity:      req.Capacity,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}
