package service

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
	"github.com/qs3c/pay_go_server/internal/model/dto"
	"github.com/qs3c/pay_go_server/internal/repository"
)

var (
	ErrSubscriptionNotFound = errors.New("当前没有订阅")
	ErrAlreadyCancelled     = errors.New("订阅已经取消")
	ErrNotCancelled         = errors.New("只有已取消的订阅可以恢复")
)

// SubscriptionService 登录用户的订阅自助管理
type SubscriptionService struct {
	catalog    *CatalogService
	subRepo    *repository.SubscriptionRepository
	tokenRepo  *repository.PaymentTokenRepository
	recordRepo *repository.PaymentRecordRepository
}

func NewSubscriptionService(
	catalog *CatalogService,
	subRepo *repository.SubscriptionRepository,
	tokenRepo *repository.PaymentTokenRepository,
	recordRepo *repository.PaymentRecordRepository,
) *SubscriptionService {
	return &SubscriptionService{
		catalog:    catalog,
		subRepo:    subRepo,
		tokenRepo:  tokenRepo,
		recordRepo: recordRepo,
	}
}

// GetSummary 当前订阅概要
func (s *SubscriptionService) GetSummary(userID int64) (*dto.SubscriptionSummary, error) {
	sub, err := s.getSubscription(userID)
	if err != nil {
		return nil, err
	}
	return summarizeSubscription(s.catalog, sub), nil
}

// Cancel 取消订阅。状态改为 cancelled 后续费扫描不再选中它，
// NextChargeAt 保留原值供恢复时复用。
func (s *SubscriptionService) Cancel(userID int64) (*dto.SubscriptionSummary, error) {
	sub, err := s.getSubscription(userID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubStatusCancelled {
		return nil, ErrAlreadyCancelled
	}

	now := time.Now()
	sub.Status = model.SubStatusCancelled
	sub.CancelledAt = &now
	if err := s.subRepo.Update(sub); err != nil {
		return nil, err
	}

	return summarizeSubscription(s.catalog, sub), nil
}

// Reactivate 恢复已取消的订阅。试用期未过回到 trial，否则回到 active。
func (s *SubscriptionService) Reactivate(userID int64) (*dto.SubscriptionSummary, error) {
	sub, err := s.getSubscription(userID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.SubStatusCancelled {
		return nil, ErrNotCancelled
	}

	if sub.TrialEndsAt != nil && time.Now().Before(*sub.TrialEndsAt) {
		sub.Status = model.SubStatusTrial
	} else {
		sub.Status = model.SubStatusActive
	}
	sub.CancelledAt = nil
	if err := s.subRepo.Update(sub); err != nil {
		return nil, err
	}

	return summarizeSubscription(s.catalog, sub), nil
}

// RemoveToken 解绑支付卡片，返回失效的令牌数
func (s *SubscriptionService) RemoveToken(userID int64) (int64, error) {
	return s.tokenRepo.InvalidateByUserID(userID)
}

// ListPayments 支付历史
func (s *SubscriptionService) ListPayments(userID int64, limit int) ([]*dto.PaymentRecordItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	records, err := s.recordRepo.ListByUserID(userID, limit)
	if err != nil {
		return nil, err
	}

	items := make([]*dto.PaymentRecordItem, 0, len(records))
	for _, r := range records {
		items = append(items, &dto.PaymentRecordItem{
			Kind:         r.Kind,
			Result:       r.Result,
			PlanID:       r.PlanID,
			Amount:       r.Amount,
			Currency:     r.Currency,
			GatewayTxnID: r.GatewayTxnID,
			CreatedAt:    r.CreatedAt,
		})
	}
	return items, nil
}

func (s *SubscriptionService) getSubscription(userID int64) (*model.Subscription, error) {
	sub, err := s.subRepo.GetByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// summarizeSubscription 转脱敏概要，轮询端点和自助端点共用
func summarizeSubscription(catalog *CatalogService, sub *model.Subscription) *dto.SubscriptionSummary {
	summary := &dto.SubscriptionSummary{
		PlanID:       sub.PlanID,
		Status:       sub.Status,
		TrialEndsAt:  sub.TrialEndsAt,
		NextChargeAt: sub.NextChargeAt,
		CancelledAt:  sub.CancelledAt,
		CardBrand:    sub.CardBrand,
		CardLastFour: sub.CardLastFour,
		CardExpiry:   sub.CardExpiry,
	}
	if plan, err := catalog.Lookup(sub.PlanID); err == nil {
		summary.PlanName = plan.DisplayName
	}
	return summary
}
