package service

import (
	"context"
	"errors"
	"sync"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/repository"
	"github.com/NureniJamiu/screenforge/pkg/log"
	"github.com/NureniJamiu/screenforge/pkg/token"
)

// UserService 接口定义了与本地用户相关的业务操作。身份认证本身由外部身份提供方负责。
type UserService interface {
	// EnsureUser 把 token 中的身份映射为本地用户，首次出现时创建。
	EnsureUser(ctx context.Context, claims *token.CustomClaims) (*model.User, error)
	GetByID(ctx context.Context, userID uint) (*model.User, error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo repository.UserRepository
	// subject -> *model.User，避免每个分片请求都访问数据库
	cache sync.Map
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository) UserService {
	return &userService{userRepo: userRepo}
}

func (s *userService) EnsureUser(ctx context.Context, claims *token.CustomClaims) (*model.User, error) {
	if claims == nil || claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if cached, ok := s.cache.Load(claims.Subject); ok {
		return cached.(*model.User), nil
	}

	user, err := s.userRepo.EnsureBySubject(ctx, &model.User{
		Subject:   claims.Subject,
		Email:     claims.Email,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
	})
	if err != nil {
		log.Errorf("[EnsureUser] 创建或读取用户失败, subject: %s, error: %v", claims.Subject, err)
		return nil, err
	}
	s.cache.Store(claims.Subject, user)
	return user, nil
}

func (s *userService) GetByID(ctx context.Context, userID uint) (*model.User, error) {
	return s.userRepo.FindByID(ctx, userID)
}
