package model

import (
	"time"
)

// TempRegistration 游客下单时的临时注册数据。
// 正式账号推迟到支付成功后由终结器创建，避免产生未付费的孤儿账号。
// Used 只允许 false -> true 一次，由终结器翻转。
type TempRegistration struct {
	ID               int64     `gorm:"primaryKey" json:"id"`
	Email            string    `gorm:"size:100;not null;index" json:"email"`
	PasswordHash     string    `gorm:"size:255" json:"-"`
	FirstName        string    `gorm:"size:50" json:"first_name"`
	LastName         string    `gorm:"size:50" json:"last_name"`
	Phone            string    `gorm:"size:30" json:"phone,omitempty"`
	PaymentSessionID *int64    `gorm:"index" json:"payment_session_id,omitempty"` // 反向引用，非所有权
	Used             bool      `gorm:"default:false" json:"used"`
	ResolvedUserID   *int64    `json:"resolved_user_id,omitempty"`
	ExpiresAt        time.Time `gorm:"index" json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

func (TempRegistration) TableName() string {
	return "temp_registrations"
}
