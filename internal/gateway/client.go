package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/model"
)

var (
	ErrGatewayUnavailable = errors.New("支付网关暂时不可用")
	ErrGatewayRejected    = errors.New("支付网关拒绝了请求")
	ErrTokenExpired       = errors.New("扣款令牌已过期")
	ErrChargeDeclined     = errors.New("扣款被拒绝")
	ErrTxnNotFound        = errors.New("网关侧无此交易")
)

// Client 支付网关出站客户端。
// 卡片录入发生在网关托管页面，本服务不接触卡号。
type Client struct {
	cfg        *config.GatewayConfig
	httpClient *http.Client
}

func NewClient(cfg *config.GatewayConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// HostedSession 托管支付页创建结果
type HostedSession struct {
	HostedURL     string
	CorrelationID string
}

type createSessionRequest struct {
	TerminalID    string  `json:"terminal_id"`
	CorrelationID string  `json:"correlation_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	OperationMode string  `json:"operation_mode"`
	SuccessURL    string  `json:"success_url"`
	FailureURL    string  `json:"failure_url"`
	ReturnValue   string  `json:"return_value,omitempty"`
}

type createSessionResponse struct {
	HostedURL string `json:"hosted_url"`
}

// CreateHostedSession 创建托管支付会话。
// correlation id 是整条链路的幂等键，必须在这里生成，绝不信任外部传入。
func (c *Client) CreateHostedSession(ctx context.Context, amount float64, currency, operationMode, returnValue string) (*HostedSession, error) {
	correlationID := uuid.NewString()

	reqBody := createSessionRequest{
		TerminalID:    c.cfg.TerminalID,
		CorrelationID: correlationID,
		Amount:        amount,
		Currency:      currency,
		OperationMode: operationMode,
		SuccessURL:    c.cfg.SuccessURL,
		FailureURL:    c.cfg.FailureURL,
		ReturnValue:   returnValue,
	}

	var respBody createSessionResponse
	if err := c.post(ctx, "/v1/hosted-sessions", reqBody, &respBody); err != nil {
		return nil, err
	}

	if respBody.HostedURL == "" {
		return nil, ErrGatewayRejected
	}

	return &HostedSession{
		HostedURL:     respBody.HostedURL,
		CorrelationID: correlationID,
	}, nil
}

// ChargeResult 令牌扣款结果
type ChargeResult struct {
	TransactionID string
	Amount        float64
}

type chargeTokenRequest struct {
	TerminalID string  `json:"terminal_id"`
	Token      string  `json:"token"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

type chargeTokenResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason,omitempty"`
}

// ChargeToken 用已存令牌扣款，仅供续费任务调用。
// 本地先做过期校验，注定失败的扣款不出站。
// 任何不是明确成功的网关应答都按拒绝处理而不是可重试错误，防止重复扣款。
func (c *Client) ChargeToken(ctx context.Context, token *model.RecurringPaymentToken, amount float64, currency string) (*ChargeResult, error) {
	if token.Expired(time.Now()) {
		return nil, ErrTokenExpired
	}

	reqBody := chargeTokenRequest{
		TerminalID: c.cfg.TerminalID,
		Token:      token.Token,
		Amount:     amount,
		Currency:   currency,
	}

	var respBody chargeTokenResponse
	if err := c.post(ctx, "/v1/token-charges", reqBody, &respBody); err != nil {
		// 出站失败时结果未知，同样按拒绝处理，留给下一轮扫描
		return nil, fmt.Errorf("%w: %v", ErrChargeDeclined, err)
	}

	if respBody.Status != "success" {
		if respBody.Reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrChargeDeclined, respBody.Reason)
		}
		return nil, ErrChargeDeclined
	}

	return &ChargeResult{
		TransactionID: respBody.TransactionID,
		Amount:        amount,
	}, nil
}

// QueryStatus 主动查询交易状态，轮询兜底用。
// 返回归一化通知；网关侧还没有终态时返回 nil。
func (c *Client) QueryStatus(ctx context.Context, correlationID string) (*Notification, error) {
	url := fmt.Sprintf("%s/v1/transactions/%s?terminal_id=%s", c.cfg.BaseURL, correlationID, c.cfg.TerminalID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ErrGatewayUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxnNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrGatewayRejected
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrGatewayUnavailable
	}

	var notif Notification
	if err := json.Unmarshal(body, &notif); err != nil {
		return nil, ErrMalformedNotification
	}

	// 网关侧尚无终态（用户还在托管页上）
	if notif.OperationResult == "" || notif.OperationResult == "pending" {
		return nil, nil
	}

	if err := notif.Validate(); err != nil {
		return nil, err
	}

	return &notif, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ErrGatewayUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ErrGatewayRejected
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrGatewayUnavailable
	}

	return json.Unmarshal(body, respBody)
}
