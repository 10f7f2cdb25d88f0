package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redsync/redsync/v4"
	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/model"
	"github.com/qs3c/pay_go_server/internal/pkg/events"
	"github.com/qs3c/pay_go_server/internal/pkg/queue"
	"github.com/qs3c/pay_go_server/internal/repository"
)

var ErrSessionNotFound = errors.New("支付会话不存在")

// errConcurrentWinner 事务内部哨兵：状态条件更新影响 0 行，
// 说明另一个调用方已经完成终结，本事务整体回滚。
var errConcurrentWinner = errors.New("finalization already applied by concurrent caller")

const reasonTokenMissing = "token_missing"

// Mailer 邮件通知出口。邮件是副作用，任何发送失败都不影响终结结果。
type Mailer interface {
	SendWelcome(to, firstName string) error
	SendReceipt(to, planName string, amount float64, currency string) error
	SendChargeDeclined(to, planName string) error
	SendSuspended(to, planName string) error
	SendPaymentFailed(to string) error
}

// FinalizeOutcome 一次终结调用的结果
type FinalizeOutcome struct {
	Status    string // 会话终态
	Duplicate bool   // true 表示会话早已终结，本次调用是幂等空操作
	UserID    *int64 // 归属用户，未归属成功为空
}

// FinalizeService 支付终结器，webhook 和轮询兜底共用的唯一入口。
//
// 并发安全靠两层：correlation id 粒度的分布式锁把并发调用串行化；
// 锁失效兜底靠状态条件更新（initiated -> 终态）作为事务内最后一笔写入，
// 影响 0 行即放弃本次全部写入并回滚。重复通知因此天然无害。
type FinalizeService struct {
	db        *gorm.DB
	rs        *redsync.Redsync
	cfg       *config.Config
	catalog   *CatalogService
	mailer    Mailer
	publisher *events.Publisher
	reconcile *queue.ReconcileLog
}

func NewFinalizeService(
	db *gorm.DB,
	rs *redsync.Redsync,
	cfg *config.Config,
	catalog *CatalogService,
	mailer Mailer,
	publisher *events.Publisher,
	reconcile *queue.ReconcileLog,
) *FinalizeService {
	return &FinalizeService{
		db:        db,
		rs:        rs,
		cfg:       cfg,
		catalog:   catalog,
		mailer:    mailer,
		publisher: publisher,
		reconcile: reconcile,
	}
}

// Finalize 处理一条已通过校验的网关通知。
// 对同一 correlation id 重复调用是安全的，后到者拿到先到者的结果。
func (s *FinalizeService) Finalize(ctx context.Context, notif *gateway.Notification) (*FinalizeOutcome, error) {
	sessionRepo := repository.NewPaymentSessionRepository(s.db)

	session, err := sessionRepo.GetByCorrelationID(notif.CorrelationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	// 锁外快速路径：已终结直接返回既有结果
	if session.IsTerminal() {
		return duplicateOutcome(session), nil
	}

	mutex := s.rs.NewMutex("finalize:"+notif.CorrelationID,
		redsync.WithExpiry(30*time.Second),
		redsync.WithTries(16),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			log.Printf("Failed to unlock finalize mutex for %s: %v", notif.CorrelationID, err)
		}
	}()

	// 锁内重读：等锁期间可能已被别人终结
	session, err = sessionRepo.GetByCorrelationID(notif.CorrelationID)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return duplicateOutcome(session), nil
	}

	if notif.OperationMode != session.OperationMode {
		log.Printf("Operation mode mismatch on %s: session=%s gateway=%s, trusting session",
			session.CorrelationID, session.OperationMode, notif.OperationMode)
	}

	payload, err := json.Marshal(notif)
	if err != nil {
		return nil, err
	}

	if !notif.Success() {
		return s.finalizeFailure(ctx, session, "gateway_reported_failure", string(payload))
	}

	// 成功通知但缺少必须的扣款令牌：按失败处理，绝不开通无法续费的订阅
	if session.OperationMode != model.OpChargeOnly && notif.Token == "" {
		return s.finalizeFailure(ctx, session, reasonTokenMissing, string(payload))
	}

	return s.finalizeSuccess(ctx, session, notif, string(payload))
}

// finalizeFailure initiated -> failed。失败不做任何归属，只留痕和通知。
func (s *FinalizeService) finalizeFailure(ctx context.Context, session *model.PaymentSession, reason, payload string) (*FinalizeOutcome, error) {
	sessionRepo := repository.NewPaymentSessionRepository(s.db)

	rows, err := sessionRepo.MarkFailed(session.ID, reason, payload)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		fresh, err := sessionRepo.GetByID(session.ID)
		if err != nil {
			return nil, err
		}
		return duplicateOutcome(fresh), nil
	}

	record := &model.PaymentRecord{
		UserID:        session.UserID,
		CorrelationID: session.CorrelationID,
		PlanID:        session.PlanID,
		Kind:          model.RecordKindCheckout,
		Result:        model.RecordResultFailed,
		Amount:        session.Amount,
		Currency:      session.Currency,
		Message:       reason,
	}
	if err := repository.NewPaymentRecordRepository(s.db).Create(record); err != nil {
		log.Printf("Failed to create failure record for %s: %v", session.CorrelationID, err)
	}

	// 失败通知只发给登录用户，游客此时还没有账号
	if session.UserID != nil {
		if user, err := repository.NewUserRepository(s.db).GetByID(*session.UserID); err == nil && user.Email != nil {
			if err := s.mailer.SendPaymentFailed(*user.Email); err != nil {
				log.Printf("Failed to send payment failed mail for %s: %v", session.CorrelationID, err)
			}
		}
	}

	s.publish(ctx, &events.PaymentEvent{
		Type:          events.EventPaymentFailed,
		CorrelationID: session.CorrelationID,
		PlanID:        session.PlanID,
		Message:       reason,
	})

	return &FinalizeOutcome{Status: model.SessionStatusFailed}, nil
}

// finalizeSuccess initiated -> completed。归属、订阅、令牌、流水全部
// 在一个事务里落库，状态条件更新是最后一笔写入。
func (s *FinalizeService) finalizeSuccess(ctx context.Context, session *model.PaymentSession, notif *gateway.Notification, payload string) (*FinalizeOutcome, error) {
	plan, err := s.catalog.Lookup(session.PlanID)
	if err != nil {
		return nil, err
	}

	var res *resolution

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.resolveIdentity(tx, session, notif)
		if err != nil {
			return err
		}

		sessionRepo := repository.NewPaymentSessionRepository(tx)
		recordRepo := repository.NewPaymentRecordRepository(tx)

		if res == nil {
			// 归属链全部落空：支付照常入账，留给人工对账
			record := &model.PaymentRecord{
				CorrelationID: session.CorrelationID,
				PlanID:        session.PlanID,
				Kind:          model.RecordKindCheckout,
				Result:        model.RecordResultSuccess,
				Amount:        session.Amount,
				Currency:      session.Currency,
				GatewayTxnID:  notif.TransactionID,
				Message:       "unattributed",
			}
			if err := recordRepo.Create(record); err != nil {
				return err
			}

			rows, err := sessionRepo.MarkCompleted(session.ID, nil, payload)
			if err != nil {
				return err
			}
			if rows == 0 {
				return errConcurrentWinner
			}
			return nil
		}

		sub := s.buildSubscription(res.userID, session, plan, notif, time.Now())
		if err := repository.NewSubscriptionRepository(tx).Upsert(sub); err != nil {
			return err
		}

		if session.OperationMode != model.OpChargeOnly {
			token := &model.RecurringPaymentToken{
				UserID:         res.userID,
				Token:          notif.Token,
				ExpiryYear:     notif.TokenExpiryYear,
				ExpiryMonth:    notif.TokenExpiryMonth,
				LastFourDigits: notif.CardLastFour,
				CardBrand:      notif.CardBrand,
				Status:         model.TokenStatusActive,
			}
			if err := repository.NewPaymentTokenRepository(tx).Replace(token); err != nil {
				return err
			}
		}

		record := &model.PaymentRecord{
			UserID:        &res.userID,
			CorrelationID: session.CorrelationID,
			PlanID:        session.PlanID,
			Kind:          model.RecordKindCheckout,
			Result:        model.RecordResultSuccess,
			Amount:        session.Amount,
			Currency:      session.Currency,
			GatewayTxnID:  notif.TransactionID,
		}
		if err := recordRepo.Create(record); err != nil {
			return err
		}

		rows, err := sessionRepo.MarkCompleted(session.ID, &res.userID, payload)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errConcurrentWinner
		}
		return nil
	})

	if txErr != nil {
		if errors.Is(txErr, errConcurrentWinner) {
			fresh, err := repository.NewPaymentSessionRepository(s.db).GetByID(session.ID)
			if err != nil {
				return nil, err
			}
			return duplicateOutcome(fresh), nil
		}
		return nil, txErr
	}

	// 事务已提交，以下全是副作用
	if res == nil {
		entry := &queue.ReconcileEntry{
			Reason:        queue.ReconcileUnattributed,
			CorrelationID: session.CorrelationID,
			Detail:        "payment completed but no account could be resolved",
			RawPayload:    payload,
		}
		if err := s.reconcile.Push(ctx, entry); err != nil {
			log.Printf("Failed to push reconcile entry for %s: %v", session.CorrelationID, err)
		}

		s.publish(ctx, &events.PaymentEvent{
			Type:          events.EventPaymentCompleted,
			CorrelationID: session.CorrelationID,
			PlanID:        session.PlanID,
			Amount:        session.Amount,
			Message:       "unattributed",
		})

		return &FinalizeOutcome{Status: model.SessionStatusCompleted}, nil
	}

	if res.createdUser && res.email != "" {
		if err := s.mailer.SendWelcome(res.email, res.firstName); err != nil {
			log.Printf("Failed to send welcome mail for %s: %v", session.CorrelationID, err)
		}
	}

	s.publish(ctx, &events.PaymentEvent{
		Type:          events.EventPaymentCompleted,
		CorrelationID: session.CorrelationID,
		UserID:        res.userID,
		PlanID:        session.PlanID,
		Amount:        session.Amount,
	})

	userID := res.userID
	return &FinalizeOutcome{Status: model.SessionStatusCompleted, UserID: &userID}, nil
}

// resolution 归属结果
type resolution struct {
	userID      int64
	createdUser bool // 本次终结新建了账号（游客转正）
	email       string
	firstName   string
}

// resolveIdentity 按固定顺序归属支付：
// 会话绑定的登录用户 -> 网关回传的游客注册引用 -> 卡主邮箱兜底（可配置关闭）。
// 全部落空返回 nil，调用方按未归属处理，绝不因归属失败丢弃支付。
func (s *FinalizeService) resolveIdentity(tx *gorm.DB, session *model.PaymentSession, notif *gateway.Notification) (*resolution, error) {
	userRepo := repository.NewUserRepository(tx)

	if session.UserID != nil {
		res := &resolution{userID: *session.UserID}
		if user, err := userRepo.GetByID(*session.UserID); err == nil && user.Email != nil {
			res.email = *user.Email
			res.firstName = user.FirstName
		}
		return res, nil
	}

	if regID, ok := gateway.DecodeRegistrationRef(notif.ReturnValue); ok {
		res, err := s.resolveFromRegistration(tx, regID)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	if s.cfg.Finalize.EmailFallback && notif.CardOwnerEmail != "" {
		count, err := userRepo.CountByEmail(notif.CardOwnerEmail)
		if err != nil {
			return nil, err
		}
		// 恰好一个匹配才归属，零个或多个都放弃，防止把钱记到别人头上
		if count == 1 {
			user, err := userRepo.GetByEmail(notif.CardOwnerEmail)
			if err != nil {
				return nil, err
			}
			res := &resolution{userID: user.ID}
			if user.Email != nil {
				res.email = *user.Email
			}
			res.firstName = user.FirstName
			return res, nil
		}
	}

	return nil, nil
}

// resolveFromRegistration 消费临时注册建正式账号。
// 注册记录缺失、过期、已用尽时返回 nil 落到下一级归属。
func (s *FinalizeService) resolveFromRegistration(tx *gorm.DB, regID int64) (*resolution, error) {
	regRepo := repository.NewTempRegistrationRepository(tx)
	userRepo := repository.NewUserRepository(tx)

	reg, err := regRepo.GetByID(regID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if reg.Used {
		// 重放：注册已消费过，直接复用当时建的账号
		if reg.ResolvedUserID != nil {
			res := &resolution{userID: *reg.ResolvedUserID, email: reg.Email, firstName: reg.FirstName}
			return res, nil
		}
		return nil, nil
	}

	if time.Now().After(reg.ExpiresAt) {
		return nil, nil
	}

	// 注册后、支付完成前该邮箱可能已被注册，交给邮箱兜底归属
	exists, err := userRepo.ExistsByEmail(reg.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	user := &model.User{
		Email:        &reg.Email,
		PasswordHash: &reg.PasswordHash,
		FirstName:    reg.FirstName,
		LastName:     reg.LastName,
		Phone:        reg.Phone,
	}
	if err := userRepo.Create(user); err != nil {
		return nil, err
	}

	rows, err := regRepo.MarkUsed(reg.ID, user.ID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// 另一会话刚刚消费了同一条注册，撤掉本次建的账号，复用对方的
		if err := tx.Delete(user).Error; err != nil {
			return nil, err
		}
		fresh, err := regRepo.GetByID(reg.ID)
		if err != nil {
			return nil, err
		}
		if fresh.ResolvedUserID != nil {
			return &resolution{userID: *fresh.ResolvedUserID, email: fresh.Email, firstName: fresh.FirstName}, nil
		}
		return nil, nil
	}

	return &resolution{
		userID:      user.ID,
		createdUser: true,
		email:       reg.Email,
		firstName:   reg.FirstName,
	}, nil
}

// buildSubscription 按操作模式推导订阅状态和日期。
// 每个用户至多一行订阅，换套餐靠 Upsert 覆盖。
func (s *FinalizeService) buildSubscription(userID int64, session *model.PaymentSession, plan *Plan, notif *gateway.Notification, now time.Time) *model.Subscription {
	sub := &model.Subscription{
		UserID:           userID,
		PlanID:           plan.ID,
		CardBrand:        notif.CardBrand,
		CardLastFour:     notif.CardLastFour,
		ContractSignedAt: session.ContractAcceptedAt,
	}
	if notif.TokenExpiryYear > 0 {
		sub.CardExpiry = formatCardExpiry(notif.TokenExpiryMonth, notif.TokenExpiryYear)
	}

	switch session.OperationMode {
	case model.OpCreateTokenOnly:
		trialEnds := now.AddDate(0, 0, plan.TrialDays)
		sub.Status = model.SubStatusTrial
		sub.TrialEndsAt = &trialEnds
		sub.NextChargeAt = &trialEnds
	case model.OpChargeAndCreateToken:
		next := now.AddDate(0, plan.BillingPeriodMonths, 0)
		sub.Status = model.SubStatusActive
		sub.NextChargeAt = &next
	default: // 一次性扣款，无续费义务
		sub.Status = model.SubStatusActive
	}

	return sub
}

func (s *FinalizeService) publish(ctx context.Context, event *events.PaymentEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("Failed to publish payment event %s: %v", event.Type, err)
	}
}

func duplicateOutcome(session *model.PaymentSession) *FinalizeOutcome {
	return &FinalizeOutcome{
		Status:    session.Status,
		Duplicate: true,
		UserID:    session.ResolvedUserID,
	}
}

func formatCardExpiry(month, year int) string {
	if month <= 0 || year <= 0 {
		return ""
	}
	return fmt.Sprintf("%04d-%02d", year, month)
}
