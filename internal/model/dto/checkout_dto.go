package dto

import "time"

// GuestRegistrationRequest 游客下单前提交的注册数据
type GuestRegistrationRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=6,max=64"`
	FirstName string `json:"first_name" binding:"required,max=50"`
	LastName  string `json:"last_name" binding:"max=50"`
	Phone     string `json:"phone" binding:"max=30"`
}

type GuestRegistrationResponse struct {
	RegistrationID int64     `json:"registration_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CreateSessionRequest 发起托管支付
type CreateSessionRequest struct {
	PlanID         string `json:"plan_id" binding:"required"`
	RegistrationID *int64 `json:"registration_id"` // 游客流程必填，登录用户留空
	AgreeContract  bool   `json:"agree_contract"`
}

type CreateSessionResponse struct {
	HostedURL     string `json:"hosted_url"`
	CorrelationID string `json:"correlation_id"`
}
