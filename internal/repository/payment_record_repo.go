package repository

import (
	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
)

type PaymentRecordRepository struct {
	db *gorm.DB
}

func NewPaymentRecordRepository(db *gorm.DB) *PaymentRecordRepository {
	return &PaymentRecordRepository{db: db}
}

func (r *PaymentRecordRepository) Create(record *model.PaymentRecord) error {
	return r.db.Create(record).Error
}

func (r *PaymentRecordRepository) ListByUserID(userID int64, limit int) ([]*model.PaymentRecord, error) {
	var records []*model.PaymentRecord
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *PaymentRecordRepository) ListByCorrelationID(correlationID string) ([]*model.PaymentRecord, error) {
	var records []*model.PaymentRecord
	err := r.db.Where("correlation_id = ?", correlationID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}
