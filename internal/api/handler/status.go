package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/pay_go_server/internal/pkg/response"
	"github.com/qs3c/pay_go_server/internal/service"
)

type StatusHandler struct {
	statusService *service.StatusService
}

func NewStatusHandler(statusService *service.StatusService) *StatusHandler {
	return &StatusHandler{
		statusService: statusService,
	}
}

// GetSessionStatus 支付结果页轮询
// GET /api/v1/checkout/sessions/:correlation_id
// 未知 correlation id 返回 HTTP 404，结果页据此直接报错而不是继续轮询。
func (h *StatusHandler) GetSessionStatus(c *gin.Context) {
	correlationID := c.Param("correlation_id")
	if correlationID == "" {
		response.ParamError(c, "")
		return
	}

	resp, err := h.statusService.GetSessionStatus(c.Request.Context(), correlationID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, response.Response{
				Code:    response.CodeResourceNotFound,
				Message: err.Error(),
			})
			return
		}
		response.ServerError(c, "")
		return
	}

	response.Success(c, resp)
}
