package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/pay_go_server/internal/api/middleware"
	"github.com/qs3c/pay_go_server/internal/pkg/response"
	"github.com/qs3c/pay_go_server/internal/service"
)

type SubscriptionHandler struct {
	subscriptionService *service.SubscriptionService
}

func NewSubscriptionHandler(subscriptionService *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptionService: subscriptionService,
	}
}

// Get 当前订阅概要
// GET /api/v1/subscription
func (h *SubscriptionHandler) Get(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	summary, err := h.subscriptionService.GetSummary(userID)
	if err != nil {
		if errors.Is(err, service.ErrSubscriptionNotFound) {
			response.NotFoundError(c, err.Error())
			return
		}
		response.ServerError(c, "")
		return
	}

	response.Success(c, summary)
}

// Cancel 取消订阅
// POST /api/v1/subscription/cancel
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	summary, err := h.subscriptionService.Cancel(userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSubscriptionNotFound):
			response.NotFoundError(c, err.Error())
		case errors.Is(err, service.ErrAlreadyCancelled):
			response.DuplicateError(c, err.Error())
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.SuccessWithMessage(c, "订阅已取消", summary)
}

// Reactivate 恢复已取消的订阅
// POST /api/v1/subscription/reactivate
func (h *SubscriptionHandler) Reactivate(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	summary, err := h.subscriptionService.Reactivate(userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSubscriptionNotFound):
			response.NotFoundError(c, err.Error())
		case errors.Is(err, service.ErrNotCancelled):
			response.ParamError(c, err.Error())
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.SuccessWithMessage(c, "订阅已恢复", summary)
}

// RemoveToken 解绑支付卡片
// DELETE /api/v1/subscription/payment-token
func (h *SubscriptionHandler) RemoveToken(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	removed, err := h.subscriptionService.RemoveToken(userID)
	if err != nil {
		response.ServerError(c, "")
		return
	}
	if removed == 0 {
		response.NotFoundError(c, "没有已绑定的支付卡片")
		return
	}

	response.SuccessWithMessage(c, "支付卡片已解绑", gin.H{"removed": removed})
}

// ListPayments 支付历史
// GET /api/v1/subscription/payments
func (h *SubscriptionHandler) ListPayments(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	items, err := h.subscriptionService.ListPayments(userID, limit)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.Success(c, gin.H{"items": items, "total": len(items)})
}
