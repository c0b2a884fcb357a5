package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type HealthHandler struct {
	PG    *sql.DB
	Redis *redis.Client
}

func NewHealthHandler(pg *sql.DB, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{PG: pg, Redis: rdb}
}

// Health handles GET /health. Redis is optional and reported as "disabled"
// when not configured.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{"postgres": "ok", "redis": "disabled"}

	if err := h.PG.PingContext(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["postgres"] = err.Error()
	}
	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}
