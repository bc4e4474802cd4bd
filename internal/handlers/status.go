package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"hri_monitor/internal/repository"

	"github.com/gin-gonic/gin"
)

// getStatus returns the persisted health of one crossing.
func (h *Handler) getStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid crossing id"})
		return
	}
	if h.monitoring == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
		return
	}

	st, err := h.monitoring.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "crossing not found"})
			return
		}
		if h.log != nil {
			h.log.Errorw("get_status_failed", "hri", id, "err", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load status"})
		return
	}
	c.JSON(http.StatusOK, st)
}
