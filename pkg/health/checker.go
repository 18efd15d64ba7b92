package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const checkTimeout = 2 * time.Second

// Checker reports one dependency's health.
type Checker func() error

// DatabaseChecker verifies Postgres connectivity.
func DatabaseChecker(db *pgxpool.Pool) Checker {
	return func() error {
		if db == nil {
			return fmt.Errorf("database pool is nil")
		}
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	}
}

// RedisChecker verifies Redis connectivity.
func RedisChecker(client redis.Cmdable) Checker {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

// Liveness reports that the process is up; it never checks dependencies.
func Liveness(service, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "alive",
			"service": service,
			"version": version,
		})
	}
}

// Readiness runs every dependency check and reports 503 when any fails.
func Readiness(service, version string, checks map[string]Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		state := "ready"
		if status != http.StatusOK {
			state = "not_ready"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"service": service,
			"version": version,
			"checks":  results,
		})
	}
}
