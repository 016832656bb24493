package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MycelicMemory/mycelicmemory/internal/ratelimit"
)

// MaxBodyBytes caps request bodies on every route.
const MaxBodyBytes = 512 * 1024

// authExempt reports whether a path bypasses bearer auth: the health probe
// and the event-stream transport (which carries its own opaque session ids).
func authExempt(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/mcp/")
}

// BearerAuthMiddleware returns middleware that requires a bearer token on
// every non-exempt route. The token is accepted from either an
// Authorization: Bearer header or a ?token= query parameter. No-op if token
// is empty.
func BearerAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || authExempt(c.Request.URL.Path) {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] == token {
				c.Next()
				return
			}
		}

		if c.Query("token") == token {
			c.Next()
			return
		}

		UnauthorizedError(c, "Invalid or missing bearer token")
		c.Abort()
	}
}

// routeToToolCategory maps API routes to rate limiter tool categories
func routeToToolCategory(path, method string) string {
	switch {
	case strings.HasSuffix(path, "/recall"):
		return "recall"
	case method == http.MethodPost && strings.HasSuffix(path, "/memories"):
		return "remember"
	case method == http.MethodPut || method == http.MethodDelete:
		return "update_memory"
	default:
		return ""
	}
}

// RateLimitMiddleware returns middleware that rate-limits requests using the provided limiter
func RateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		toolCategory := routeToToolCategory(c.Request.URL.Path, c.Request.Method)
		if toolCategory == "" {
			toolCategory = "default"
		}

		result := limiter.Allow(toolCategory)
		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			TooManyRequestsError(c, fmt.Sprintf("Rate limit exceeded for %s. Retry after %d seconds.", result.LimitType, retryAfter))
			c.Abort()
			return
		}

		c.Next()
	}
}

// MaxBodySizeMiddleware returns middleware that limits request body size
func MaxBodySizeMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil && c.Request.ContentLength > maxBytes {
			PayloadTooLargeError(c, fmt.Sprintf("Request body too large. Maximum: %d bytes", maxBytes))
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
