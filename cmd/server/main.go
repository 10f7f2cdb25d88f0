package main

import (
	"fmt"
	"log"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/api"
	"github.com/qs3c/pay_go_server/internal/api/handler"
	"github.com/qs3c/pay_go_server/internal/database"
	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/pkg/email"
	"github.com/qs3c/pay_go_server/internal/pkg/events"
	"github.com/qs3c/pay_go_server/internal/pkg/queue"
	"github.com/qs3c/pay_go_server/internal/pkg/ratelimit"
	"github.com/qs3c/pay_go_server/internal/repository"
	"github.com/qs3c/pay_go_server/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化数据库
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	log.Println("Database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	// 分布式锁
	rs := redsync.New(goredis.NewPool(rdb))

	// 对账队列与事件发布
	reconcileLog := queue.NewReconcileLog(rdb, cfg.Queue.ReconcileQueue)
	publisher := events.NewPublisher(rdb)

	// webhook 限流器
	rateWindow := time.Duration(cfg.Webhook.RateWindowSecs) * time.Second
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}
	webhookLimiter := ratelimit.NewLimiter(rdb, "ratelimit:webhook", cfg.Webhook.RateLimit, rateWindow)

	// 出站客户端
	gatewayClient := gateway.NewClient(&cfg.Gateway)
	mailer := email.NewService(&cfg.Email)

	// 初始化 Repository
	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewPaymentSessionRepository(db)
	regRepo := repository.NewTempRegistrationRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)
	tokenRepo := repository.NewPaymentTokenRepository(db)
	recordRepo := repository.NewPaymentRecordRepository(db)

	// 初始化 Service
	catalogService := service.NewCatalogService(cfg)
	checkoutService := service.NewCheckoutService(cfg, catalogService, gatewayClient,
		sessionRepo, regRepo, userRepo, recordRepo)
	finalizeService := service.NewFinalizeService(db, rs, cfg, catalogService,
		mailer, publisher, reconcileLog)
	statusService := service.NewStatusService(cfg, gatewayClient, finalizeService,
		catalogService, sessionRepo, subRepo)
	subscriptionService := service.NewSubscriptionService(catalogService,
		subRepo, tokenRepo, recordRepo)

	// 初始化 Handler
	checkoutHandler := handler.NewCheckoutHandler(checkoutService)
	statusHandler := handler.NewStatusHandler(statusService)
	webhookHandler := handler.NewWebhookHandler(finalizeService, reconcileLog)
	subscriptionHandler := handler.NewSubscriptionHandler(subscriptionService)

	// 初始化 Router
	router := api.NewRouter(
		checkoutHandler,
		statusHandler,
		webhookHandler,
		subscriptionHandler,
		webhookLimiter,
		cfg,
	)
	engine := router.Setup()

	// 启动服务器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Server starting on %s", addr)
	if err := engine.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
