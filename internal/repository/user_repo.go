package repository

import (
	"strings"

	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(user *model.User) error {
	return r.db.Create(user).Error
}

func (r *UserRepository) GetByID(id int64) (*model.User, error) {
	var user model.User
	err := r.db.Where("id = ?", id).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByEmail(email string) (*model.User, error) {
	var user model.User
	err := r.db.Where("LOWER(email) = ?", strings.ToLower(email)).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CountByEmail 邮箱匹配的账号数（大小写不敏感），邮箱兜底归属要求恰好一个
func (r *UserRepository) CountByEmail(email string) (int64, error) {
	var count int64
	err := r.db.Model(&model.User{}).
		Where("LOWER(email) = ?", strings.ToLower(email)).
		Count(&count).Error
	return count, err
}

func (r *UserRepository) ExistsByEmail(email string) (bool, error) {
	count, err := r.CountByEmail(email)
	return count > 0, err
}

func (r *UserRepository) Update(user *model.User) error {
	return r.db.Save(user).Error
}
