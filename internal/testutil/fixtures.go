package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
)

// TestUser 创建测试用户
func TestUser(t *testing.T, db *gorm.DB, opts ...func(*model.User)) *model.User {
	t.Helper()

	email := fmt.Sprintf("test_%d@example.com", time.Now().UnixNano())
	passwordHash := "$2a$10$abcdefghijklmnopqrstuvwxyz123456" // bcrypt hash placeholder
	user := &model.User{
		Email:        &email,
		PasswordHash: &passwordHash,
		FirstName:    "Test",
		LastName:     "User",
	}

	for _, opt := range opts {
		opt(user)
	}

	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	return user
}

// WithEmail 设置邮箱
func WithEmail(email string) func(*model.User) {
	return func(u *model.User) {
		u.Email = &email
	}
}

// TestSession 创建测试支付会话
func TestSession(t *testing.T, db *gorm.DB, opts ...func(*model.PaymentSession)) *model.PaymentSession {
	t.Helper()

	session := &model.PaymentSession{
		CorrelationID: fmt.Sprintf("corr-%d", time.Now().UnixNano()),
		PlanID:        "monthly",
		Amount:        0,
		Currency:      "USD",
		OperationMode: model.OpCreateTokenOnly,
		Status:        model.SessionStatusInitiated,
		ExpiresAt:     time.Now().Add(2 * time.Hour),
	}

	for _, opt := range opts {
		opt(session)
	}

	if err := db.Create(session).Error; err != nil {
		t.Fatalf("Failed to create test session: %v", err)
	}

	return session
}

// WithCorrelationID 设置关联 ID
func WithCorrelationID(id string) func(*model.PaymentSession) {
	return func(s *model.PaymentSession) {
		s.CorrelationID = id
	}
}

// WithPlan 设置套餐与操作模式
func WithPlan(planID, operationMode string, amount float64) func(*model.PaymentSession) {
	return func(s *model.PaymentSession) {
		s.PlanID = planID
		s.OperationMode = operationMode
		s.Amount = amount
	}
}

// WithSessionUser 设置会话归属的登录用户
func WithSessionUser(userID int64) func(*model.PaymentSession) {
	return func(s *model.PaymentSession) {
		s.UserID = &userID
	}
}

// WithSessionStatus 设置会话状态
func WithSessionStatus(status string) func(*model.PaymentSession) {
	return func(s *model.PaymentSession) {
		s.Status = status
	}
}

// WithSessionAge 把会话创建时间向前拨
func WithSessionAge(age time.Duration) func(*model.PaymentSession) {
	return func(s *model.PaymentSession) {
		s.CreatedAt = time.Now().Add(-age)
	}
}

// WithAnonymousPayload 设置游客注册数据快照
func WithAnonymousPayload(payload string) func(*model.PaymentSession) {
	return func(s *model.PaymentSession) {
		s.AnonymousPayload = &payload
	}
}

// TestRegistration 创建测试临时注册
func TestRegistration(t *testing.T, db *gorm.DB, opts ...func(*model.TempRegistration)) *model.TempRegistration {
	t.Helper()

	reg := &model.TempRegistration{
		Email:        fmt.Sprintf("guest_%d@example.com", time.Now().UnixNano()),
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuvwxyz123456",
		FirstName:    "Guest",
		LastName:     "Payer",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}

	for _, opt := range opts {
		opt(reg)
	}

	if err := db.Create(reg).Error; err != nil {
		t.Fatalf("Failed to create test registration: %v", err)
	}

	return reg
}

// WithRegEmail 设置注册邮箱
func WithRegEmail(email string) func(*model.TempRegistration) {
	return func(r *model.TempRegistration) {
		r.Email = email
	}
}

// WithRegExpired 让注册过期
func WithRegExpired() func(*model.TempRegistration) {
	return func(r *model.TempRegistration) {
		r.ExpiresAt = time.Now().Add(-time.Minute)
	}
}

// WithRegUsed 标记注册已被消费
func WithRegUsed(resolvedUserID int64) func(*model.TempRegistration) {
	return func(r *model.TempRegistration) {
		r.Used = true
		r.ResolvedUserID = &resolvedUserID
	}
}

// TestSubscription 创建测试订阅
func TestSubscription(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.Subscription)) *model.Subscription {
	t.Helper()

	next := time.Now().Add(30 * 24 * time.Hour)
	sub := &model.Subscription{
		UserID:       userID,
		PlanID:       "annual",
		Status:       model.SubStatusActive,
		NextChargeAt: &next,
	}

	for _, opt := range opts {
		opt(sub)
	}

	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("Failed to create test subscription: %v", err)
	}

	return sub
}

// WithSubStatus 设置订阅状态
func WithSubStatus(status string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.Status = status
	}
}

// WithSubPlan 设置订阅套餐
func WithSubPlan(planID string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.PlanID = planID
	}
}

// WithNextChargeAt 设置下次扣款时间
func WithNextChargeAt(at *time.Time) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.NextChargeAt = at
	}
}

// WithTrialEndsAt 设置试用结束时间
func WithTrialEndsAt(at *time.Time) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.TrialEndsAt = at
	}
}

// TestToken 创建测试扣款令牌
func TestToken(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.RecurringPaymentToken)) *model.RecurringPaymentToken {
	t.Helper()

	now := time.Now()
	token := &model.RecurringPaymentToken{
		UserID:         userID,
		Token:          fmt.Sprintf("tok_%d", now.UnixNano()),
		ExpiryYear:     now.Year() + 2,
		ExpiryMonth:    int(now.Month()),
		LastFourDigits: "4242",
		CardBrand:      "visa",
		Status:         model.TokenStatusActive,
	}

	for _, opt := range opts {
		opt(token)
	}

	if err := db.Create(token).Error; err != nil {
		t.Fatalf("Failed to create test token: %v", err)
	}

	return token
}

// WithTokenStatus 设置令牌状态
func WithTokenStatus(status string) func(*model.RecurringPaymentToken) {
	return func(tk *model.RecurringPaymentToken) {
		tk.Status = status
	}
}

// WithTokenExpiry 设置令牌有效期
func WithTokenExpiry(year, month int) func(*model.RecurringPaymentToken) {
	return func(tk *model.RecurringPaymentToken) {
		tk.ExpiryYear = year
		tk.ExpiryMonth = month
	}
}
