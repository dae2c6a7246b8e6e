package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"speedmonitor/backend/internal/domain"
)

var (
	// ErrCannotModifySelf 管理员不能停用自己
	ErrCannotModifySelf = fmt.Errorf("%w: cannot deactivate own account", domain.ErrForbidden)
)

// AdminStore 管理服务依赖的用户存储操作
type AdminStore interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	SetUserActive(ctx context.Context, userID string, active bool) error
}

// AdminService 用户管理服务
type AdminService struct {
	store        AdminStore
	log          *zap.Logger
	queryTimeout time.Duration
}

// NewAdminService 创建管理服务
func NewAdminService(store AdminStore, log *zap.Logger, queryTimeout time.Duration) *AdminService {
	if log == nil {
		log = zap.NewNop()
	}
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &AdminService{store: store, log: log, queryTimeout: queryTimeout}
}

// ListUsers 列出所有用户
func (s *AdminService) ListUsers(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.store.ListUsers(ctx)
}

// SetUserActive 启用或停用用户
//
// 停用只影响之后的登录与 API Key 认证，已签发的令牌在过期前仍然有效。
func (s *AdminService) SetUserActive(ctx context.Context, caller *domain.Principal, userID string, active bool) (*domain.User, error) {
	if !active && caller != nil && caller.UserID == userID {
		return nil, ErrCannotModifySelf
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.store.SetUserActive(ctx, userID, active); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.log.Info("user status changed",
		zap.String("user_id", userID),
		zap.Bool("active", active),
		zap.String("by", caller.UserID),
	)
	return user, nil
}
