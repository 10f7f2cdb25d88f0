package model

import (
	"time"
)

const (
	RecordResultSuccess  = "success"
	RecordResultFailed   = "failed"
	RecordResultDeclined = "declined"
)

const (
	RecordKindCheckout = "checkout"
	RecordKindRenewal  = "renewal"
)

// PaymentRecord 支付历史，只增不改
type PaymentRecord struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	UserID        *int64    `gorm:"index" json:"user_id,omitempty"` // 未归属的支付为空
	CorrelationID string    `gorm:"size:64;index" json:"correlation_id,omitempty"`
	PlanID        string    `gorm:"size:30" json:"plan_id"`
	Kind          string    `gorm:"size:20;not null" json:"kind"`
	Result        string    `gorm:"size:20;not null" json:"result"`
	Amount        float64   `gorm:"type:decimal(10,2)" json:"amount"`
	Currency      string    `gorm:"size:10" json:"currency"`
	GatewayTxnID  string    `gorm:"size:100" json:"gateway_txn_id,omitempty"`
	Message       string    `gorm:"size:500" json:"message,omitempty"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

func (PaymentRecord) TableName() string {
	return "payment_records"
}
