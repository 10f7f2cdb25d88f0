package service

import (
	"errors"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/model"
)

var ErrPlanNotFound = errors.New("套餐不存在")

// Plan 套餐目录项
type Plan struct {
	ID                  string
	DisplayName         string
	Price               float64
	Currency            string
	OperationMode       string
	TrialDays           int
	BillingPeriodMonths int
}

// CatalogService 套餐目录，纯查表无状态。
// 金额和操作模式只能来自这里，绝不信任客户端上送。
type CatalogService struct {
	cfg *config.Config
}

func NewCatalogService(cfg *config.Config) *CatalogService {
	return &CatalogService{cfg: cfg}
}

// Lookup 按套餐 ID 查询
func (s *CatalogService) Lookup(planID string) (*Plan, error) {
	pc, ok := s.cfg.Plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}

	switch pc.OperationMode {
	case model.OpChargeOnly, model.OpChargeAndCreateToken, model.OpCreateTokenOnly:
	default:
		return nil, ErrPlanNotFound
	}

	return &Plan{
		ID:                  planID,
		DisplayName:         pc.DisplayName,
		Price:               pc.Price,
		Currency:            pc.Currency,
		OperationMode:       pc.OperationMode,
		TrialDays:           pc.TrialDays,
		BillingPeriodMonths: pc.BillingPeriodMonths,
	}, nil
}

// ChargeAmount 发起托管支付时的扣款金额。
// 仅建令牌的试用套餐首期不扣款。
func (p *Plan) ChargeAmount() float64 {
	if p.OperationMode == model.OpCreateTokenOnly {
		return 0
	}
	return p.Price
}
