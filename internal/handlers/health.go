package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	statusOK          = "ok"
	statusUnavailable = "unavailable"
	healthTimeout     = 2 * time.Second
)

// health reports whether the store and the bus are reachable.
func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true
	probe := func(name string, ping func(context.Context) error) {
		if ping == nil {
			return
		}
		if err := ping(ctx); err != nil {
			healthy = false
			checks[name] = err.Error()
			if h.log != nil {
				h.log.Errorw("health_check_failed", "component", name, "err", err)
			}
			return
		}
		checks[name] = statusOK
	}
	if h.db != nil {
		probe("db", h.db.PingContext)
	}
	if h.bus != nil {
		probe("bus", h.bus.Ping)
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": statusUnavailable, "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK, "checks": checks})
}
