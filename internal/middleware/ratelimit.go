package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	pkgredis "github.com/huddle-chat/core/internal/pkg/redis"
	"github.com/huddle-chat/core/internal/pkg/response"
)

const rateLimitWindow = time.Second

var rateLimitNow = time.Now

// RateLimit limits anonymous clients to max requests per second per IP,
// counted in fixed one second windows. Redis errors let the request through.
func RateLimit(rc *pkgredis.Client, max int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAuthenticated(c) || max <= 0 {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if ip == "" {
			c.Next()
			return
		}

		window := strconv.FormatInt(rateLimitNow().Unix(), 10)
		key := rc.Key("rate_limit", ip, window)
		count, err := rc.Incr(c.Request.Context(), key, rateLimitWindow+time.Second)
		if err != nil {
			c.Next()
			return
		}

		if count > int64(max) {
			c.Header("Retry-After", "1")
			response.TooManyRequests(c)
			return
		}
		c.Next()
	}
}
