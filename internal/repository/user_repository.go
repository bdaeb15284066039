package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/NureniJamiu/screenforge/internal/model"
)

// UserRepository 接口定义了用户数据的持久化操作。
type UserRepository interface {
	// EnsureBySubject 按身份提供方的 subject 幂等地创建用户并返回数据库中的那一行。
	EnsureBySubject(ctx context.Context, user *model.User) (*model.User, error)
	FindBySubject(ctx context.Context, subject string) (*model.User, error)
	FindByID(ctx context.Context, userID uint) (*model.User, error)
}

// userRepository 是 UserRepository 接口的 GORM 实现。
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// EnsureBySubject 依赖 subject 上的唯一索引：并发的首次请求里只有一个 INSERT 生效，
// 其余的 ON CONFLICT DO NOTHING，之后统一回读。
func (r *userRepository) EnsureBySubject(ctx context.Context, user *model.User) (*model.User, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "subject"}}, DoNothing: true}).
		Create(user).Error
	if err != nil {
		return nil, err
	}
	return r.FindBySubject(ctx, user.Subject)
}

// FindBySubject 根据 subject 查找用户。
func (r *userRepository) FindBySubject(ctx context.Context, subject string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("subject = ?", subject).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID 根据用户 ID 从数据库中查找一个用户。
func (r *userRepository) FindByID(ctx context.Context, userID uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
