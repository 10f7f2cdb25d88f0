package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
)

type PaymentSessionRepository struct {
	db *gorm.DB
}

func NewPaymentSessionRepository(db *gorm.DB) *PaymentSessionRepository {
	return &PaymentSessionRepository{db: db}
}

func (r *PaymentSessionRepository) Create(session *model.PaymentSession) error {
	return r.db.Create(session).Error
}

func (r *PaymentSessionRepository) GetByID(id int64) (*model.PaymentSession, error) {
	var session model.PaymentSession
	err := r.db.Where("id = ?", id).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *PaymentSessionRepository) GetByCorrelationID(correlationID string) (*model.PaymentSession, error) {
	var session model.PaymentSession
	err := r.db.Where("correlation_id = ?", correlationID).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// MarkCompleted 条件迁移 initiated -> completed。
// 返回实际更新的行数：0 表示会话已被并发调用方处理过，调用方应视为幂等空操作而不是错误。
func (r *PaymentSessionRepository) MarkCompleted(id int64, resolvedUserID *int64, transactionPayload string) (int64, error) {
	now := time.Now()
	result := r.db.Model(&model.PaymentSession{}).
		Where("id = ? AND status = ?", id, model.SessionStatusInitiated).
		Updates(map[string]interface{}{
			"status":              model.SessionStatusCompleted,
			"resolved_user_id":    resolvedUserID,
			"transaction_payload": transactionPayload,
			"finalized_at":        now,
		})
	return result.RowsAffected, result.Error
}

// MarkFailed 条件迁移 initiated -> failed
func (r *PaymentSessionRepository) MarkFailed(id int64, reason, transactionPayload string) (int64, error) {
	now := time.Now()
	result := r.db.Model(&model.PaymentSession{}).
		Where("id = ? AND status = ?", id, model.SessionStatusInitiated).
		Updates(map[string]interface{}{
			"status":              model.SessionStatusFailed,
			"failure_reason":      reason,
			"transaction_payload": transactionPayload,
			"finalized_at":        now,
		})
	return result.RowsAffected, result.Error
}

// ListAbandoned 超过有效期仍停留在 initiated 的会话（cleanup 用）
func (r *PaymentSessionRepository) ListAbandoned(before time.Time, limit int) ([]*model.PaymentSession, error) {
	var sessions []*model.PaymentSession
	err := r.db.Where("status = ? AND expires_at < ?", model.SessionStatusInitiated, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
