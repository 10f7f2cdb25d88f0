package gateway

import (
	"errors"
	"fmt"

	"github.com/qs3c/pay_go_server/internal/model"
)

// 网关上报的操作结果
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var ErrMalformedNotification = errors.New("malformed gateway notification")

// Notification 网关通知的归一化形态。
// webhook 推送和主动查询（轮询兜底）都解析成这个结构再交给终结器。
type Notification struct {
	CorrelationID    string  `json:"correlation_id"`
	OperationResult  string  `json:"operation_result"`
	OperationMode    string  `json:"operation_mode"`
	Token            string  `json:"token,omitempty"`
	TokenExpiryYear  int     `json:"token_expiry_year,omitempty"`
	TokenExpiryMonth int     `json:"token_expiry_month,omitempty"`
	CardBrand        string  `json:"card_brand,omitempty"`
	CardLastFour     string  `json:"card_last_four,omitempty"`
	CardOwnerEmail   string  `json:"card_owner_email,omitempty"`
	TransactionID    string  `json:"transaction_id,omitempty"`
	ReturnValue      string  `json:"return_value,omitempty"`
	Amount           float64 `json:"amount,omitempty"`
	Currency         string  `json:"currency,omitempty"`
}

// Validate 显式校验，不识别的形态一律按 malformed 处理（fail closed）
func (n *Notification) Validate() error {
	if n.CorrelationID == "" {
		return ErrMalformedNotification
	}
	if n.OperationResult != ResultSuccess && n.OperationResult != ResultFailure {
		return ErrMalformedNotification
	}
	switch n.OperationMode {
	case model.OpChargeOnly, model.OpChargeAndCreateToken, model.OpCreateTokenOnly:
	default:
		return ErrMalformedNotification
	}
	return nil
}

// Success 是否为明确的成功上报
func (n *Notification) Success() bool {
	return n.OperationResult == ResultSuccess
}

// return_value 随网关往返，游客单用它携带注册记录引用

// EncodeRegistrationRef 生成游客注册引用
func EncodeRegistrationRef(registrationID int64) string {
	return fmt.Sprintf("temp_reg_%d", registrationID)
}

// DecodeRegistrationRef 解析游客注册引用，不是引用格式时返回 false
func DecodeRegistrationRef(returnValue string) (int64, bool) {
	var id int64
	n, err := fmt.Sscanf(returnValue, "temp_reg_%d", &id)
	if err != nil || n != 1 || id <= 0 {
		return 0, false
	}
	return id, true
}
