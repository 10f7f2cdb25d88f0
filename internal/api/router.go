package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/api/handler"
	"github.com/qs3c/pay_go_server/internal/api/middleware"
	"github.com/qs3c/pay_go_server/internal/pkg/ratelimit"
)

type Router struct {
	checkoutHandler     *handler.CheckoutHandler
	statusHandler       *handler.StatusHandler
	webhookHandler      *handler.WebhookHandler
	subscriptionHandler *handler.SubscriptionHandler
	webhookLimiter      *ratelimit.Limiter
	cfg                 *config.Config
}

func NewRouter(
	checkoutHandler *handler.CheckoutHandler,
	statusHandler *handler.StatusHandler,
	webhookHandler *handler.WebhookHandler,
	subscriptionHandler *handler.SubscriptionHandler,
	webhookLimiter *ratelimit.Limiter,
	cfg *config.Config,
) *Router {
	return &Router{
		checkoutHandler:     checkoutHandler,
		statusHandler:       statusHandler,
		webhookHandler:      webhookHandler,
		subscriptionHandler: subscriptionHandler,
		webhookLimiter:      webhookLimiter,
		cfg:                 cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	api := engine.Group("/api/v1")
	{
		// 网关回调，只收白名单网段，限流兜底
		webhooks := api.Group("/webhooks")
		webhooks.Use(middleware.IPAllowlist(r.cfg.Webhook.AllowedCIDRs))
		webhooks.Use(middleware.RateLimit(r.webhookLimiter))
		{
			webhooks.POST("/gateway", r.webhookHandler.HandleNotification)
		}

		// 下单流程，登录与否都可用
		checkout := api.Group("/checkout")
		checkout.Use(middleware.OptionalAuth(r.cfg.JWT.Secret))
		{
			checkout.POST("/guest-registration", r.checkoutHandler.RegisterGuest)
			checkout.POST("/sessions", r.checkoutHandler.CreateSession)
		}

		// 支付结果页轮询，无认证（结果页可能在游客态打开）
		api.GET("/checkout/sessions/:correlation_id", r.statusHandler.GetSessionStatus)

		// 订阅自助管理，需要认证
		subscription := api.Group("/subscription")
		subscription.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			subscription.GET("", r.subscriptionHandler.Get)
			subscription.POST("/cancel", r.subscriptionHandler.Cancel)
			subscription.POST("/reactivate", r.subscriptionHandler.Reactivate)
			subscription.DELETE("/payment-token", r.subscriptionHandler.RemoveToken)
			subscription.GET("/payments", r.subscriptionHandler.ListPayments)
		}
	}

	return engine
}
