package repository

import (
	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
)

type PaymentTokenRepository struct {
	db *gorm.DB
}

func NewPaymentTokenRepository(db *gorm.DB) *PaymentTokenRepository {
	return &PaymentTokenRepository{db: db}
}

// GetActiveByUserID 用户当前的 active 令牌；没有则返回 gorm.ErrRecordNotFound
func (r *PaymentTokenRepository) GetActiveByUserID(userID int64) (*model.RecurringPaymentToken, error) {
	var token model.RecurringPaymentToken
	err := r.db.Where("user_id = ? AND status = ?", userID, model.TokenStatusActive).
		First(&token).Error
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// Replace 换新令牌：旧 active 令牌失效与新令牌插入在同一事务内完成，
// 保证任一时刻每个用户至多一个 active 令牌。
func (r *PaymentTokenRepository) Replace(token *model.RecurringPaymentToken) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.RecurringPaymentToken{}).
			Where("user_id = ? AND status = ?", token.UserID, model.TokenStatusActive).
			Update("status", model.TokenStatusInvalid).Error
		if err != nil {
			return err
		}
		return tx.Create(token).Error
	})
}

// Invalidate 将指定令牌标记为 invalid（硬拒绝或用户主动解绑）
func (r *PaymentTokenRepository) Invalidate(id int64) error {
	return r.db.Model(&model.RecurringPaymentToken{}).
		Where("id = ?", id).
		Update("status", model.TokenStatusInvalid).Error
}

// InvalidateByUserID 将用户所有 active 令牌失效，返回受影响行数
func (r *PaymentTokenRepository) InvalidateByUserID(userID int64) (int64, error) {
	result := r.db.Model(&model.RecurringPaymentToken{}).
		Where("user_id = ? AND status = ?", userID, model.TokenStatusActive).
		Update("status", model.TokenStatusInvalid)
	return result.RowsAffected, result.Error
}
