package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/pay_go_server/internal/pkg/ratelimit"
)

// RateLimit 按来源 IP 限流，webhook 入口专用。
// 限流组件故障时放行，宁可多处理也不丢网关通知。
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Printf("Rate limiter error, letting request through: %v", err)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
