package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tenant_core/config"
	"github.com/mmdatafocus/tenant_core/models"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrSerializationConflict),
		errors.Is(err, models.ErrLeaseExpired):
		return http.StatusConflict
	case errors.Is(err, models.ErrBlocked):
		return http.StatusLocked
	case errors.Is(err, models.ErrLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, models.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the status its taxonomy maps to. Slot conflicts
// carry the offending interval and limit errors carry the usage snapshot.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "api/errors.go", "writeError", c.Request.URL.Path, nil, err)
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": err.Error()}
	var ve models.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	var slot *models.SlotConflictError
	if errors.As(err, &slot) {
		conflict := gin.H{
			"resource_id": slot.ResourceId,
			"requested":   slot.Requested,
		}
		if slot.ConflictingId != "" {
			conflict["conflicting_id"] = slot.ConflictingId
			conflict["conflicting"] = slot.Conflicting
		}
		body["conflict"] = conflict
	}
	var limit *models.UsageLimitError
	if errors.As(err, &limit) {
		body["usage"] = limit.Snapshot
	}
	if models.IsRetryable(err) {
		body["retryable"] = true
	}
	c.JSON(status, body)
}
