package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redsync/redsync/v4"
	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/model"
	"github.com/qs3c/pay_go_server/internal/pkg/events"
	"github.com/qs3c/pay_go_server/internal/pkg/queue"
	"github.com/qs3c/pay_go_server/internal/repository"
	"github.com/qs3c/pay_go_server/internal/service"
)

// Processor 续费扣款处理器。
// 对同一订阅加分布式锁，抢不到锁说明别的 worker 正在处理，直接放弃；
// 处理前重读订阅并复核到期条件，过期消息和重复消息因此无害。
type Processor struct {
	rs         *redsync.Redsync
	gateway    *gateway.Client
	catalog    *service.CatalogService
	subRepo    *repository.SubscriptionRepository
	tokenRepo  *repository.PaymentTokenRepository
	userRepo   *repository.UserRepository
	recordRepo *repository.PaymentRecordRepository
	mailer     service.Mailer
	publisher  *events.Publisher
}

func NewProcessor(
	rs *redsync.Redsync,
	gw *gateway.Client,
	catalog *service.CatalogService,
	subRepo *repository.SubscriptionRepository,
	tokenRepo *repository.PaymentTokenRepository,
	userRepo *repository.UserRepository,
	recordRepo *repository.PaymentRecordRepository,
	mailer service.Mailer,
	publisher *events.Publisher,
) *Processor {
	return &Processor{
		rs:         rs,
		gateway:    gw,
		catalog:    catalog,
		subRepo:    subRepo,
		tokenRepo:  tokenRepo,
		userRepo:   userRepo,
		recordRepo: recordRepo,
		mailer:     mailer,
		publisher:  publisher,
	}
}

// Process 处理一条续费扣款任务
func (p *Processor) Process(ctx context.Context, msg *queue.ChargeMessage) error {
	mutex := p.rs.NewMutex(fmt.Sprintf("renew:sub:%d", msg.SubscriptionID),
		redsync.WithExpiry(60*time.Second),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		log.Printf("Subscription %d is being processed elsewhere, skipping", msg.SubscriptionID)
		return nil
	}
	defer func() {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			log.Printf("Failed to unlock renew mutex for subscription %d: %v", msg.SubscriptionID, err)
		}
	}()

	sub, err := p.subRepo.GetByID(msg.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load subscription %d: %w", msg.SubscriptionID, err)
	}

	// 消息可能是旧扫描留下的，扣款前复核到期条件
	if !stillDue(sub, time.Now()) {
		return nil
	}

	plan, err := p.catalog.Lookup(sub.PlanID)
	if err != nil {
		return fmt.Errorf("subscription %d references unknown plan %s", sub.ID, sub.PlanID)
	}

	token, err := p.tokenRepo.GetActiveByUserID(sub.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return p.suspend(ctx, sub, plan, "no active payment token")
		}
		return err
	}
	if token.Expired(time.Now()) {
		if err := p.tokenRepo.Invalidate(token.ID); err != nil {
			log.Printf("Failed to invalidate expired token %d: %v", token.ID, err)
		}
		return p.suspend(ctx, sub, plan, "payment token expired")
	}

	result, err := p.gateway.ChargeToken(ctx, token, plan.Price, plan.Currency)
	if err != nil {
		if errors.Is(err, gateway.ErrTokenExpired) {
			if invErr := p.tokenRepo.Invalidate(token.ID); invErr != nil {
				log.Printf("Failed to invalidate expired token %d: %v", token.ID, invErr)
			}
			return p.suspend(ctx, sub, plan, "payment token expired")
		}
		return p.handleDecline(ctx, sub, plan, err)
	}

	return p.handleSuccess(ctx, sub, plan, result)
}

// stillDue 到期复核，与扫描查询同一口径
func stillDue(sub *model.Subscription, now time.Time) bool {
	if sub.NextChargeAt == nil || sub.NextChargeAt.After(now) {
		return false
	}
	switch sub.Status {
	case model.SubStatusActive:
		return true
	case model.SubStatusTrial:
		return sub.TrialEndsAt != nil && !sub.TrialEndsAt.After(now)
	default:
		return false
	}
}

// handleSuccess 扣款成功：推进下次扣款时间，试用期转正式
func (p *Processor) handleSuccess(ctx context.Context, sub *model.Subscription, plan *service.Plan, result *gateway.ChargeResult) error {
	// 从原定扣款时间起算而不是从现在起算，扫描晚了不挤压下一个周期
	next := sub.NextChargeAt.AddDate(0, plan.BillingPeriodMonths, 0)

	fields := map[string]interface{}{
		"status":         model.SubStatusActive,
		"next_charge_at": next,
	}
	if err := p.subRepo.UpdateFields(sub.ID, fields); err != nil {
		return fmt.Errorf("charge succeeded but failed to advance subscription %d: %w", sub.ID, err)
	}

	record := &model.PaymentRecord{
		UserID:       &sub.UserID,
		PlanID:       sub.PlanID,
		Kind:         model.RecordKindRenewal,
		Result:       model.RecordResultSuccess,
		Amount:       plan.Price,
		Currency:     plan.Currency,
		GatewayTxnID: result.TransactionID,
	}
	if err := p.recordRepo.Create(record); err != nil {
		log.Printf("Failed to record renewal charge for subscription %d: %v", sub.ID, err)
	}

	p.notify(sub.UserID, func(email string) error {
		return p.mailer.SendReceipt(email, plan.DisplayName, plan.Price, plan.Currency)
	})

	p.publish(ctx, &events.PaymentEvent{
		Type:   events.EventRenewalCharged,
		UserID: sub.UserID,
		PlanID: sub.PlanID,
		Amount: plan.Price,
	})

	log.Printf("Subscription %d renewed, next charge at %s", sub.ID, next.Format(time.RFC3339))
	return nil
}

// handleDecline 扣款被拒：留痕并通知，订阅状态不动，下一轮扫描重试
func (p *Processor) handleDecline(ctx context.Context, sub *model.Subscription, plan *service.Plan, chargeErr error) error {
	record := &model.PaymentRecord{
		UserID:   &sub.UserID,
		PlanID:   sub.PlanID,
		Kind:     model.RecordKindRenewal,
		Result:   model.RecordResultDeclined,
		Amount:   plan.Price,
		Currency: plan.Currency,
		Message:  chargeErr.Error(),
	}
	if err := p.recordRepo.Create(record); err != nil {
		log.Printf("Failed to record declined charge for subscription %d: %v", sub.ID, err)
	}

	p.notify(sub.UserID, func(email string) error {
		return p.mailer.SendChargeDeclined(email, plan.DisplayName)
	})

	p.publish(ctx, &events.PaymentEvent{
		Type:    events.EventRenewalDeclined,
		UserID:  sub.UserID,
		PlanID:  sub.PlanID,
		Amount:  plan.Price,
		Message: chargeErr.Error(),
	})

	log.Printf("Subscription %d charge declined: %v", sub.ID, chargeErr)
	return nil
}

// suspend 没有可用令牌时暂停订阅，不发起扣款
func (p *Processor) suspend(ctx context.Context, sub *model.Subscription, plan *service.Plan, reason string) error {
	if err := p.subRepo.UpdateFields(sub.ID, map[string]interface{}{
		"status": model.SubStatusSuspended,
	}); err != nil {
		return fmt.Errorf("failed to suspend subscription %d: %w", sub.ID, err)
	}

	record := &model.PaymentRecord{
		UserID:   &sub.UserID,
		PlanID:   sub.PlanID,
		Kind:     model.RecordKindRenewal,
		Result:   model.RecordResultFailed,
		Amount:   plan.Price,
		Currency: plan.Currency,
		Message:  reason,
	}
	if err := p.recordRepo.Create(record); err != nil {
		log.Printf("Failed to record suspension for subscription %d: %v", sub.ID, err)
	}

	p.notify(sub.UserID, func(email string) error {
		return p.mailer.SendSuspended(email, plan.DisplayName)
	})

	p.publish(ctx, &events.PaymentEvent{
		Type:    events.EventSubscriptionSuspended,
		UserID:  sub.UserID,
		PlanID:  sub.PlanID,
		Message: reason,
	})

	log.Printf("Subscription %d suspended: %s", sub.ID, reason)
	return nil
}

func (p *Processor) notify(userID int64, send func(email string) error) {
	user, err := p.userRepo.GetByID(userID)
	if err != nil || user.Email == nil {
		return
	}
	if err := send(*user.Email); err != nil {
		log.Printf("Failed to send renewal mail to user %d: %v", userID, err)
	}
}

func (p *Processor) publish(ctx context.Context, event *events.PaymentEvent) {
	if err := p.publisher.Publish(ctx, event); err != nil {
		log.Printf("Failed to publish event %s: %v", event.Type, err)
	}
}
