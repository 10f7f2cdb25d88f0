package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/model"
	"github.com/qs3c/pay_go_server/internal/model/dto"
	"github.com/qs3c/pay_go_server/internal/repository"
)

var (
	ErrEmailExists          = errors.New("该邮箱已注册，请直接登录")
	ErrRegistrationNotFound = errors.New("注册信息不存在")
	ErrRegistrationExpired  = errors.New("注册信息已过期，请重新填写")
	ErrRegistrationUsed     = errors.New("注册信息已被使用")
	ErrRegistrationRequired = errors.New("游客下单必须先提交注册信息")
	ErrContractRequired     = errors.New("订阅套餐需要同意扣款协议")
)

// CheckoutService 下单流程：游客注册暂存 + 创建托管支付会话。
// 卡片数据全程不经过本服务，用户在网关托管页完成录入。
type CheckoutService struct {
	cfg         *config.Config
	catalog     *CatalogService
	gateway     *gateway.Client
	sessionRepo *repository.PaymentSessionRepository
	regRepo     *repository.TempRegistrationRepository
	userRepo    *repository.UserRepository
	recordRepo  *repository.PaymentRecordRepository
}

func NewCheckoutService(
	cfg *config.Config,
	catalog *CatalogService,
	gw *gateway.Client,
	sessionRepo *repository.PaymentSessionRepository,
	regRepo *repository.TempRegistrationRepository,
	userRepo *repository.UserRepository,
	recordRepo *repository.PaymentRecordRepository,
) *CheckoutService {
	return &CheckoutService{
		cfg:         cfg,
		catalog:     catalog,
		gateway:     gw,
		sessionRepo: sessionRepo,
		regRepo:     regRepo,
		userRepo:    userRepo,
		recordRepo:  recordRepo,
	}
}

// anonymousSnapshot 游客注册数据快照，冗余写进支付会话。
// 终结时即使注册记录被清理也能还原归属线索。
type anonymousSnapshot struct {
	RegistrationID int64  `json:"registration_id"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
}

// CreateGuestRegistration 暂存游客注册数据。
// 此时不建正式账号，账号只在支付确认成功后创建。
func (s *CheckoutService) CreateGuestRegistration(req *dto.GuestRegistrationRequest) (*dto.GuestRegistrationResponse, error) {
	exists, err := s.userRepo.ExistsByEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(s.cfg.Finalize.RegistrationTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	reg := &model.TempRegistration{
		Email:        req.Email,
		PasswordHash: string(hash),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Phone:        req.Phone,
		ExpiresAt:    time.Now().Add(ttl),
	}
	if err := s.regRepo.Create(reg); err != nil {
		return nil, err
	}

	return &dto.GuestRegistrationResponse{
		RegistrationID: reg.ID,
		ExpiresAt:      reg.ExpiresAt,
	}, nil
}

// CreateSession 创建支付会话并返回托管支付页地址。
// 金额、币种、操作模式一律取自套餐目录，请求里只认套餐 ID。
func (s *CheckoutService) CreateSession(ctx context.Context, userID *int64, req *dto.CreateSessionRequest) (*dto.CreateSessionResponse, error) {
	plan, err := s.catalog.Lookup(req.PlanID)
	if err != nil {
		return nil, err
	}

	// 会建立扣款令牌的套餐必须先同意扣款协议
	if plan.OperationMode != model.OpChargeOnly && !req.AgreeContract {
		return nil, ErrContractRequired
	}

	var (
		reg         *model.TempRegistration
		returnValue string
		snapshot    *string
	)

	if userID == nil {
		if req.RegistrationID == nil {
			return nil, ErrRegistrationRequired
		}
		reg, err = s.regRepo.GetByID(*req.RegistrationID)
		if err != nil {
			return nil, ErrRegistrationNotFound
		}
		if reg.Used {
			return nil, ErrRegistrationUsed
		}
		if time.Now().After(reg.ExpiresAt) {
			return nil, ErrRegistrationExpired
		}

		returnValue = gateway.EncodeRegistrationRef(reg.ID)

		data, err := json.Marshal(anonymousSnapshot{
			RegistrationID: reg.ID,
			Email:          reg.Email,
			FirstName:      reg.FirstName,
			LastName:       reg.LastName,
		})
		if err != nil {
			return nil, err
		}
		str := string(data)
		snapshot = &str
	}

	hosted, err := s.gateway.CreateHostedSession(ctx, plan.ChargeAmount(), plan.Currency, plan.OperationMode, returnValue)
	if err != nil {
		// 审计留痕：网关侧可能已经创建了会话，失败也要有据可查
		record := &model.PaymentRecord{
			UserID:   userID,
			PlanID:   plan.ID,
			Kind:     model.RecordKindCheckout,
			Result:   model.RecordResultFailed,
			Amount:   plan.ChargeAmount(),
			Currency: plan.Currency,
			Message:  err.Error(),
		}
		if recErr := s.recordRepo.Create(record); recErr != nil {
			log.Printf("Failed to record gateway failure audit: %v", recErr)
		}
		return nil, err
	}

	ttl := time.Duration(s.cfg.Finalize.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	session := &model.PaymentSession{
		CorrelationID:    hosted.CorrelationID,
		UserID:           userID,
		PlanID:           plan.ID,
		Amount:           plan.ChargeAmount(),
		Currency:         plan.Currency,
		OperationMode:    plan.OperationMode,
		Status:           model.SessionStatusInitiated,
		AnonymousPayload: snapshot,
		ExpiresAt:        time.Now().Add(ttl),
	}
	if req.AgreeContract {
		now := time.Now()
		session.ContractAcceptedAt = &now
	}
	if err := s.sessionRepo.Create(session); err != nil {
		return nil, err
	}

	if reg != nil {
		if err := s.regRepo.AttachSession(reg.ID, session.ID); err != nil {
			log.Printf("Failed to attach session %d to registration %d: %v", session.ID, reg.ID, err)
		}
	}

	return &dto.CreateSessionResponse{
		HostedURL:     hosted.HostedURL,
		CorrelationID: hosted.CorrelationID,
	}, nil
}
