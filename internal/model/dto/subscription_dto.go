package dto

import "time"

// SubscriptionSummary 返回给客户端的订阅概要（含脱敏支付方式）
type SubscriptionSummary struct {
	PlanID       string     `json:"plan_id"`
	PlanName     string     `json:"plan_name,omitempty"`
	Status       string     `json:"status"`
	TrialEndsAt  *time.Time `json:"trial_ends_at,omitempty"`
	NextChargeAt *time.Time `json:"next_charge_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CardBrand    string     `json:"card_brand,omitempty"`
	CardLastFour string     `json:"card_last_four,omitempty"`
	CardExpiry   string     `json:"card_expiry,omitempty"`
}

// SessionStatusResponse 轮询端点的应答
type SessionStatusResponse struct {
	Status       string               `json:"status"`
	Subscription *SubscriptionSummary `json:"subscription,omitempty"`
}

// PaymentRecordItem 支付历史条目
type PaymentRecordItem struct {
	Kind         string    `json:"kind"`
	Result       string    `json:"result"`
	PlanID       string    `json:"plan_id"`
	Amount       float64   `json:"amount"`
	Currency     string    `json:"currency"`
	GatewayTxnID string    `json:"gateway_txn_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
