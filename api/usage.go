package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/usage"
	"github.com/shopspring/decimal"
)

type recordUsageRequest struct {
	SourceEventId string          `json:"source_event_id" validate:"required,max=255"`
	Amount        decimal.Decimal `json:"amount"`
}

type adminBlockRequest struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason" validate:"max=255"`
}

// usageLimit reports the limit status. With enforce=true a tenant that cannot
// proceed gets 423 (admin block) or 429 (allotment or cap reached) instead.
func (s *Server) usageLimit(c *gin.Context) {
	check := s.Ledger.CheckLimit
	if c.Query("enforce") == "true" {
		check = s.Ledger.EnsureCanProceed
	}
	status, err := check(c.Request.Context(), tenantOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// recordUsage books usage that already happened, so it is never refused for a
// block; callers gate new work with GET /v1/usage/limit.
func (s *Server) recordUsage(c *gin.Context) {
	var req recordUsageRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.Ledger.RecordUsage(c.Request.Context(), tenantOf(c), req.SourceEventId, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// usageTransactions lists the audit trail; period is YYYY-MM and defaults to
// the current month.
func (s *Server) usageTransactions(c *gin.Context) {
	var period time.Time
	if v := c.Query("period"); v != "" {
		p, err := time.Parse("2006-01", v)
		if err != nil {
			writeError(c, models.ValidationError{Field: "period", Message: "must be YYYY-MM"})
			return
		}
		period = p
	}
	txns, err := s.Ledger.ListTransactions(c.Request.Context(), tenantOf(c), period)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (s *Server) updateUsagePolicy(c *gin.Context) {
	var req usage.PolicyUpdate
	if !bind(c, &req) {
		return
	}
	policy, err := s.Ledger.UpdatePolicy(c.Request.Context(), c.Param("tenant"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) setAdminBlock(c *gin.Context) {
	var req adminBlockRequest
	if !bind(c, &req) {
		return
	}
	policy, err := s.Ledger.SetAdminBlock(c.Request.Context(), c.Param("tenant"), req.Blocked, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}
