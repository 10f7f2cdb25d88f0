package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
)

type TempRegistrationRepository struct {
	db *gorm.DB
}

func NewTempRegistrationRepository(db *gorm.DB) *TempRegistrationRepository {
	return &TempRegistrationRepository{db: db}
}

func (r *TempRegistrationRepository) Create(reg *model.TempRegistration) error {
	return r.db.Create(reg).Error
}

func (r *TempRegistrationRepository) GetByID(id int64) (*model.TempRegistration, error) {
	var reg model.TempRegistration
	err := r.db.Where("id = ?", id).First(&reg).Error
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// MarkUsed 条件翻转 used false -> true，一次且仅一次。
// 返回行数 0 表示已被用过（并发终结或重放），调用方据此放弃建号。
func (r *TempRegistrationRepository) MarkUsed(id, resolvedUserID int64) (int64, error) {
	result := r.db.Model(&model.TempRegistration{}).
		Where("id = ? AND used = ?", id, false).
		Updates(map[string]interface{}{
			"used":             true,
			"resolved_user_id": resolvedUserID,
		})
	return result.RowsAffected, result.Error
}

func (r *TempRegistrationRepository) AttachSession(id, sessionID int64) error {
	return r.db.Model(&model.TempRegistration{}).
		Where("id = ?", id).
		Update("payment_session_id", sessionID).Error
}

// DeleteCreatedBefore 删除保留期外的注册记录（cleanup 用），返回删除行数。
// 新鲜期（ExpiresAt）只决定能否用于建号，记录本身按创建时间保留更久以便排查。
func (r *TempRegistrationRepository) DeleteCreatedBefore(before time.Time) (int64, error) {
	result := r.db.Where("created_at < ?", before).Delete(&model.TempRegistration{})
	return result.RowsAffected, result.Error
}
