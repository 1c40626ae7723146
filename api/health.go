package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const healthTimeout = 3 * time.Second

// Health pings the invoice store and, when configured, Redis.
func (a Api) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{"database": "ok"}
	healthy := true

	if err := a.db.Ping(ctx); err != nil {
		logrus.WithError(err).Warn("database health check failed")
		checks["database"] = err.Error()
		healthy = false
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).Warn("redis health check failed")
			checks["redis"] = err.Error()
			healthy = false
		}
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}
