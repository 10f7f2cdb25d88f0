package model

import (
	"time"
)

const (
	SubStatusTrial     = "trial"
	SubStatusActive    = "active"
	SubStatusCancelled = "cancelled"
	SubStatusExpired   = "expired"
	SubStatusSuspended = "suspended"
)

// Subscription 每个用户至多一行，代表当前的订阅关系。
// 重新订阅时覆盖套餐/状态/日期，不插入第二行。
type Subscription struct {
	ID               int64      `gorm:"primaryKey" json:"id"`
	UserID           int64      `gorm:"uniqueIndex;not null" json:"user_id"`
	PlanID           string     `gorm:"size:30;not null" json:"plan_id"`
	Status           string     `gorm:"size:20;not null;index" json:"status"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	NextChargeAt     *time.Time `gorm:"index" json:"next_charge_at,omitempty"` // 终身套餐为空
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CardBrand        string     `gorm:"size:20" json:"card_brand,omitempty"`
	CardLastFour     string     `gorm:"size:4" json:"card_last_four,omitempty"`
	CardExpiry       string     `gorm:"size:7" json:"card_expiry,omitempty"` // YYYY-MM
	ContractSignedAt *time.Time `json:"contract_signed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}
