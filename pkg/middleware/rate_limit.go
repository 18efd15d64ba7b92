package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/ratelimit"
)

// RateLimit throttles requests through the Redis fixed-window limiter
// under the given scope. Authenticated callers are keyed by user id,
// anonymous ones by client IP. A limiter outage fails open.
func RateLimit(limiter *ratelimit.Limiter, scope string) gin.HandlerFunc {
	if limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID, err := GetUserID(c); err == nil && userID != uuid.Nil {
			key = userID.String()
		}

		res, err := limiter.Allow(c.Request.Context(), scope, key)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request",
				zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", max(res.Remaining, 0)))

		if !res.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%.0f", res.RetryAfter.Seconds()))
			common.ErrorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}
