package monitoring

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"screenshare/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// probeTicket is never written; listing it exercises the read path only.
const probeTicket = "__health__"

func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

func (h *HealthChecker) AddPostgresCheck(db *sql.DB, interval, timeout time.Duration) {
	h.AddCheck("postgres", func(ctx context.Context) (bool, error) {
		if err := db.PingContext(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck verifies that the request repository answers queries.
func (h *HealthChecker) AddRepositoryCheck(repo ports.RequestRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListByTicket(ctx, probeTicket); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady reports whether the service can accept traffic.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

// LivenessHandler answers as long as the process serves HTTP.
func LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": StatusHealthy, "timestamp": time.Now()})
	}
}

// ReadinessHandler runs every check and answers 503 if any fails.
func (h *HealthChecker) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}
