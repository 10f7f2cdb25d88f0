package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) GetByUserID(userID int64) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.Where("user_id = ?", userID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) GetByID(id int64) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.Where("id = ?", id).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Upsert 按 user_id 覆盖写入。
// 每个用户至多一行订阅；重新订阅覆盖套餐/状态/日期而不是插入第二行。
func (r *SubscriptionRepository) Upsert(sub *model.Subscription) error {
	var existing model.Subscription
	err := r.db.Where("user_id = ?", sub.UserID).First(&existing).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return r.db.Create(sub).Error
		}
		return err
	}

	sub.ID = existing.ID
	sub.CreatedAt = existing.CreatedAt
	return r.db.Save(sub).Error
}

func (r *SubscriptionRepository) Update(sub *model.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *SubscriptionRepository) UpdateFields(id int64, fields map[string]interface{}) error {
	return r.db.Model(&model.Subscription{}).Where("id = ?", id).Updates(fields).Error
}

// ListDueForCharge 到期应扣款的订阅：active，或 trial 且试用已结束，且 next_charge_at 已到
func (r *SubscriptionRepository) ListDueForCharge(now time.Time, limit int) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	err := r.db.
		Where("next_charge_at IS NOT NULL AND next_charge_at <= ?", now).
		Where("status = ? OR (status = ? AND trial_ends_at <= ?)",
			model.SubStatusActive, model.SubStatusTrial, now).
		Order("next_charge_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}
