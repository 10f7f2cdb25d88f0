package model

import (
	"time"
)

const (
	TokenStatusActive  = "active"
	TokenStatusInvalid = "invalid"
)

// RecurringPaymentToken 网关签发的卡令牌，用于后续免输卡扣款。
// 每个用户同一时间至多一个 active 令牌；换新令牌时旧令牌原子性失效。
type RecurringPaymentToken struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	UserID         int64     `gorm:"not null;index" json:"user_id"`
	Token          string    `gorm:"size:255;not null" json:"-"` // 网关侧的不透明令牌，按机密处理
	ExpiryYear     int       `json:"expiry_year"`
	ExpiryMonth    int       `json:"expiry_month"`
	LastFourDigits string    `gorm:"size:4" json:"last_four_digits"`
	CardBrand      string    `gorm:"size:20" json:"card_brand"`
	Status         string    `gorm:"size:20;default:active;index" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (RecurringPaymentToken) TableName() string {
	return "recurring_payment_tokens"
}

// Expired 令牌是否已过有效期（按月末计算）
func (t *RecurringPaymentToken) Expired(now time.Time) bool {
	if t.ExpiryYear == 0 {
		return false
	}
	endOfMonth := time.Date(t.ExpiryYear, time.Month(t.ExpiryMonth), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, 0)
	return !now.Before(endOfMonth)
}
