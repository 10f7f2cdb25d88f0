package cron

import (
	"context"
	"log"
	"time"

	"github.com/qs3c/pay_go_server/internal/pkg/queue"
	"github.com/qs3c/pay_go_server/internal/repository"
	"github.com/qs3c/pay_go_server/internal/service"
)

// Service 续费扫描定时任务。
// 只负责找出到期订阅并投递扣款任务，真正的扣款在 worker 里做，
// 扫描慢或挂掉都不会丢扣款，下一轮会重新选中仍然到期的订阅。
type Service struct {
	subRepo     *repository.SubscriptionRepository
	catalog     *service.CatalogService
	chargeQueue *queue.ChargeQueue
	interval    time.Duration
	batchSize   int
	stopChan    chan struct{}
}

func NewService(
	subRepo *repository.SubscriptionRepository,
	catalog *service.CatalogService,
	chargeQueue *queue.ChargeQueue,
	intervalMinutes, batchSize int,
) *Service {
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Service{
		subRepo:     subRepo,
		catalog:     catalog,
		chargeQueue: chargeQueue,
		interval:    time.Duration(intervalMinutes) * time.Minute,
		batchSize:   batchSize,
		stopChan:    make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.runRenewalSweep()
	log.Printf("Cron service started (renewal sweep every %s)", s.interval)
}

// Stop 停止定时任务
func (s *Service) Stop() {
	close(s.stopChan)
	log.Println("Cron service stopped")
}

// runRenewalSweep 周期性续费扫描
func (s *Service) runRenewalSweep() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.SweepNow(context.Background()); err != nil {
				log.Printf("Renewal sweep failed: %v", err)
			}
		}
	}
}

// SweepNow 立即执行一轮扫描（也用于手动触发），返回投递的任务数。
// 同一订阅同一轮只投递一次；扣款失败不在本轮重试，等下一轮扫描。
func (s *Service) SweepNow(ctx context.Context) (int, error) {
	now := time.Now()

	subs, err := s.subRepo.ListDueForCharge(now, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	enqueued := 0
	for _, sub := range subs {
		plan, err := s.catalog.Lookup(sub.PlanID)
		if err != nil {
			log.Printf("Sweep: subscription %d references unknown plan %s, skipping", sub.ID, sub.PlanID)
			continue
		}
		if plan.BillingPeriodMonths <= 0 {
			// 终身套餐不该出现在到期列表里，出现说明数据有问题
			log.Printf("Sweep: subscription %d on non-recurring plan %s has next_charge_at set", sub.ID, sub.PlanID)
			continue
		}

		msg := &queue.ChargeMessage{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			PlanID:         sub.PlanID,
			Amount:         plan.Price,
			Currency:       plan.Currency,
			SweepAt:        now.Unix(),
		}
		if err := s.chargeQueue.Push(ctx, msg); err != nil {
			log.Printf("Sweep: failed to enqueue charge for subscription %d: %v", sub.ID, err)
			continue
		}
		enqueued++
	}

	log.Printf("Renewal sweep: %d due, %d enqueued", len(subs), enqueued)
	return enqueued, nil
}
