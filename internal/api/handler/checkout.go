package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/pay_go_server/internal/api/middleware"
	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/model/dto"
	"github.com/qs3c/pay_go_server/internal/pkg/response"
	"github.com/qs3c/pay_go_server/internal/service"
)

type CheckoutHandler struct {
	checkoutService *service.CheckoutService
}

func NewCheckoutHandler(checkoutService *service.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{
		checkoutService: checkoutService,
	}
}

// RegisterGuest 游客下单前暂存注册数据
// POST /api/v1/checkout/guest-registration
func (h *CheckoutHandler) RegisterGuest(c *gin.Context) {
	var req dto.GuestRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "")
		return
	}

	resp, err := h.checkoutService.CreateGuestRegistration(&req)
	if err != nil {
		if errors.Is(err, service.ErrEmailExists) {
			response.DuplicateError(c, err.Error())
			return
		}
		response.ServerError(c, "")
		return
	}

	response.Success(c, resp)
}

// CreateSession 创建支付会话，返回托管支付页地址
// POST /api/v1/checkout/sessions
func (h *CheckoutHandler) CreateSession(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "")
		return
	}

	var userID *int64
	if id, ok := middleware.GetUserID(c); ok {
		userID = &id
	}

	resp, err := h.checkoutService.CreateSession(c.Request.Context(), userID, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPlanNotFound),
			errors.Is(err, service.ErrRegistrationRequired),
			errors.Is(err, service.ErrContractRequired):
			response.ParamError(c, err.Error())
		case errors.Is(err, service.ErrRegistrationNotFound):
			response.NotFoundError(c, err.Error())
		case errors.Is(err, service.ErrRegistrationExpired):
			response.SessionExpiredError(c, err.Error())
		case errors.Is(err, service.ErrRegistrationUsed):
			response.DuplicateError(c, err.Error())
		case errors.Is(err, gateway.ErrGatewayUnavailable),
			errors.Is(err, gateway.ErrGatewayRejected):
			response.GatewayError(c, "")
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.Success(c, resp)
}
