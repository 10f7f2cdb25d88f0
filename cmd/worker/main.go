package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/database"
	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/pkg/cron"
	"github.com/qs3c/pay_go_server/internal/pkg/email"
	"github.com/qs3c/pay_go_server/internal/pkg/events"
	"github.com/qs3c/pay_go_server/internal/pkg/queue"
	"github.com/qs3c/pay_go_server/internal/repository"
	"github.com/qs3c/pay_go_server/internal/service"
	"github.com/qs3c/pay_go_server/internal/worker"
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

	rs := redsync.New(goredis.NewPool(rdb))
	chargeQueue := queue.NewChargeQueue(rdb, cfg.Queue.ChargeQueue)
	publisher := events.NewPublisher(rdb)

	gatewayClient := gateway.NewClient(&cfg.Gateway)
	mailer := email.NewService(&cfg.Email)

	// 初始化 Repository
	userRepo := repository.NewUserRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)
	tokenRepo := repository.NewPaymentTokenRepository(db)
	recordRepo := repository.NewPaymentRecordRepository(db)

	catalogService := service.NewCatalogService(cfg)

	// 创建扣款处理器
	processor := worker.NewProcessor(rs, gatewayClient, catalogService,
		subRepo, tokenRepo, userRepo, recordRepo, mailer, publisher)

	// 启动续费扫描定时任务
	cronService := cron.NewService(subRepo, catalogService, chargeQueue,
		cfg.Renewal.SweepIntervalMinutes, cfg.Renewal.BatchSize)
	cronService.Start()
	defer cronService.Stop()

	// 创建 context 用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	maxWorkers := cfg.Queue.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	log.Printf("Worker started, max workers: %d", maxWorkers)

	// 启动 worker 循环
	for i := 0; i < maxWorkers; i++ {
		go func(workerID int) {
			for {
				select {
				case <-ctx.Done():
					log.Printf("Worker %d shutting down", workerID)
					return
				default:
					msg, err := chargeQueue.Pop(ctx, 5*time.Second)
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						log.Printf("Worker %d: failed to pop charge task: %v", workerID, err)
						continue
					}

					if msg == nil {
						continue // 超时，继续等待
					}

					log.Printf("Worker %d: charging subscription %d", workerID, msg.SubscriptionID)
					if err := processor.Process(ctx, msg); err != nil {
						log.Printf("Worker %d: subscription %d charge failed: %v", workerID, msg.SubscriptionID, err)
					}
				}
			}
		}(i)
	}

	// 等待 context 取消
	<-ctx.Done()
	log.Println("Worker shutdown complete")
}
