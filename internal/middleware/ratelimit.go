package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"speedmonitor/backend/internal/ratelimit"
)

// RateLimit 按路由类别和客户端 IP 限流
//
// 响应写出后根据状态码回退不计数的请求。
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		d := limiter.Take(ctx, c.Request.URL.Path, c.ClientIP())

		c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Policy.Max, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retryAfter := d.Policy.RetryAfterSeconds()
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "Too many requests",
				"message":    "Please try again later",
				"retryAfter": retryAfter,
			})
			return
		}

		c.Next()

		limiter.Release(ctx, d, c.Writer.Status())
	}
}
