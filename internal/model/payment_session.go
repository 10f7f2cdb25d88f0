package model

import (
	"time"
)

// 会话状态。只允许 initiated -> completed 或 initiated -> failed，
// 终态不可再迁移。
const (
	SessionStatusInitiated = "initiated"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

// 操作模式，由套餐决定
const (
	OpChargeOnly           = "charge_only"             // 一次性扣款（终身/VIP）
	OpChargeAndCreateToken = "charge_and_create_token" // 扣款并建立扣款令牌（年付）
	OpCreateTokenOnly      = "create_token_only"       // 仅建立令牌（月付试用）
)

// PaymentSession 一次支付尝试的持久记录。
// CorrelationID 由网关客户端生成并随网关往返，是 webhook 去重的唯一键。
type PaymentSession struct {
	ID                 int64      `gorm:"primaryKey" json:"id"`
	CorrelationID      string     `gorm:"size:64;uniqueIndex;not null" json:"correlation_id"`
	UserID             *int64     `gorm:"index" json:"user_id,omitempty"` // 游客下单时为空
	PlanID             string     `gorm:"size:30;not null" json:"plan_id"`
	Amount             float64    `gorm:"type:decimal(10,2)" json:"amount"`
	Currency           string     `gorm:"size:10" json:"currency"`
	OperationMode      string     `gorm:"size:30;not null" json:"operation_mode"`
	Status             string     `gorm:"size:20;default:initiated;index" json:"status"`
	AnonymousPayload   *string    `gorm:"type:text" json:"-"` // 游客注册数据快照
	TransactionPayload string     `gorm:"type:text" json:"-"` // 网关原始数据，终结时一次性写入
	FailureReason      string     `gorm:"size:200" json:"failure_reason,omitempty"`
	ResolvedUserID     *int64     `json:"resolved_user_id,omitempty"` // 终结时归属的用户，未归属成功则为空
	ContractAcceptedAt *time.Time `json:"contract_accepted_at,omitempty"`
	CreatedAt          time.Time  `gorm:"index" json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	FinalizedAt        *time.Time `json:"finalized_at,omitempty"`
}

func (PaymentSession) TableName() string {
	return "payment_sessions"
}

// IsTerminal 是否已到达终态
func (s *PaymentSession) IsTerminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusFailed
}
