package service

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/model"
	"github.com/qs3c/pay_go_server/internal/model/dto"
	"github.com/qs3c/pay_go_server/internal/repository"
)

// StatusService 支付结果页轮询的查询入口。
// webhook 可能比用户回跳晚到，会话停留 initiated 超过阈值时
// 主动向网关补查一次并走同一个终结器，轮询和 webhook 殊途同归。
type StatusService struct {
	cfg         *config.Config
	gateway     *gateway.Client
	finalizer   *FinalizeService
	catalog     *CatalogService
	sessionRepo *repository.PaymentSessionRepository
	subRepo     *repository.SubscriptionRepository
}

func NewStatusService(
	cfg *config.Config,
	gw *gateway.Client,
	finalizer *FinalizeService,
	catalog *CatalogService,
	sessionRepo *repository.PaymentSessionRepository,
	subRepo *repository.SubscriptionRepository,
) *StatusService {
	return &StatusService{
		cfg:         cfg,
		gateway:     gw,
		finalizer:   finalizer,
		catalog:     catalog,
		sessionRepo: sessionRepo,
		subRepo:     subRepo,
	}
}

// GetSessionStatus 按 correlation id 查询支付会话状态
func (s *StatusService) GetSessionStatus(ctx context.Context, correlationID string) (*dto.SessionStatusResponse, error) {
	session, err := s.sessionRepo.GetByCorrelationID(correlationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if session.Status == model.SessionStatusInitiated && s.shouldQueryGateway(session) {
		session = s.queryAndFinalize(ctx, session)
	}

	resp := &dto.SessionStatusResponse{Status: session.Status}

	if session.Status == model.SessionStatusCompleted && session.ResolvedUserID != nil {
		sub, err := s.subRepo.GetByUserID(*session.ResolvedUserID)
		if err == nil {
			resp.Subscription = summarizeSubscription(s.catalog, sub)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return resp, nil
}

// shouldQueryGateway 网关补查只在 webhook 迟到足够久之后触发，
// 避免用户一回跳就对网关打满查询。
func (s *StatusService) shouldQueryGateway(session *model.PaymentSession) bool {
	threshold := time.Duration(s.cfg.Finalize.PollFallbackSeconds) * time.Second
	if threshold <= 0 {
		threshold = 30 * time.Second
	}
	return time.Since(session.CreatedAt) >= threshold
}

// queryAndFinalize 补查失败不报错，轮询端点永远返回当前已知状态
func (s *StatusService) queryAndFinalize(ctx context.Context, session *model.PaymentSession) *model.PaymentSession {
	notif, err := s.gateway.QueryStatus(ctx, session.CorrelationID)
	if err != nil {
		log.Printf("Gateway status query for %s failed: %v", session.CorrelationID, err)
		return session
	}
	if notif == nil {
		// 网关侧还没有终态
		return session
	}

	if _, err := s.finalizer.Finalize(ctx, notif); err != nil {
		log.Printf("Poll-triggered finalization for %s failed: %v", session.CorrelationID, err)
		return session
	}

	fresh, err := s.sessionRepo.GetByID(session.ID)
	if err != nil {
		return session
	}
	return fresh
}
