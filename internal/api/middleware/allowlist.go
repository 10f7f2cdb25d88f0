package middleware

import (
	"log"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// IPAllowlist 来源 IP 白名单，webhook 入口专用。
// 白名单外的请求直接 403，不进入支付处理逻辑。
// 配置里没有任何网段时拒绝所有请求（fail closed）。
func IPAllowlist(cidrs []string) gin.HandlerFunc {
	var networks []*net.IPNet
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			log.Printf("Ignoring invalid CIDR in webhook allowlist: %s", cidr)
			continue
		}
		networks = append(networks, network)
	}

	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		for _, network := range networks {
			if network.Contains(ip) {
				c.Next()
				return
			}
		}

		log.Printf("Webhook request from %s rejected by allowlist", c.ClientIP())
		c.AbortWithStatus(http.StatusForbidden)
	}
}
