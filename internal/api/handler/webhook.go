package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/pkg/queue"
	"github.com/qs3c/pay_go_server/internal/service"
)

type WebhookHandler struct {
	finalizer *service.FinalizeService
	reconcile *queue.ReconcileLog
}

func NewWebhookHandler(finalizer *service.FinalizeService, reconcile *queue.ReconcileLog) *WebhookHandler {
	return &WebhookHandler{
		finalizer: finalizer,
		reconcile: reconcile,
	}
}

// HandleNotification 网关支付通知入口
// POST /api/v1/webhooks/gateway
//
// 白名单和限流在中间件里挡掉（403/429）。过了中间件之后一律应答 200：
// 非 200 会触发网关重试风暴，而重复通知对终结器本来就是无害的。
// 处理不了的问题记到对账队列，绝不通过应答码向网关上报。
func (h *WebhookHandler) HandleNotification(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Printf("Webhook: failed to read body: %v", err)
		c.Status(http.StatusOK)
		return
	}

	var notif gateway.Notification
	if err := json.Unmarshal(body, &notif); err != nil {
		log.Printf("Webhook: malformed payload: %v", err)
		c.Status(http.StatusOK)
		return
	}
	if err := notif.Validate(); err != nil {
		log.Printf("Webhook: invalid notification for %q: %v", notif.CorrelationID, err)
		c.Status(http.StatusOK)
		return
	}

	outcome, err := h.finalizer.Finalize(c.Request.Context(), &notif)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			// 本服务没发起过的 correlation id，留给人工对账
			h.pushReconcile(c, queue.ReconcileUnattributed, notif.CorrelationID,
				"notification for unknown payment session", string(body))
		} else {
			h.pushReconcile(c, queue.ReconcileInternalError, notif.CorrelationID,
				err.Error(), string(body))
		}
		c.Status(http.StatusOK)
		return
	}

	if outcome.Duplicate {
		log.Printf("Webhook: duplicate notification for %s, already %s", notif.CorrelationID, outcome.Status)
	} else {
		log.Printf("Webhook: finalized %s as %s", notif.CorrelationID, outcome.Status)
	}

	c.Status(http.StatusOK)
}

func (h *WebhookHandler) pushReconcile(c *gin.Context, reason, correlationID, detail, raw string) {
	entry := &queue.ReconcileEntry{
		Reason:        reason,
		CorrelationID: correlationID,
		Detail:        detail,
		RawPayload:    raw,
	}
	if err := h.reconcile.Push(c.Request.Context(), entry); err != nil {
		log.Printf("Webhook: failed to push reconcile entry for %s: %v", correlationID, err)
	}
}
