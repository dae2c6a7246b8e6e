package auth

import (
	"context"
	"fmt"
	"strings"

	"speedmonitor/backend/internal/auth/jwt"
	"speedmonitor/backend/internal/domain"
)

var (
	// ErrNoCredentials 请求未携带任何凭证
	ErrNoCredentials = fmt.Errorf("%w: no credentials supplied", domain.ErrUnauthenticated)
	// ErrInsufficientRole 角色不满足要求
	ErrInsufficientRole = fmt.Errorf("%w: insufficient permissions", domain.ErrForbidden)
)

// MissingPermissionError 缺少指定权限
type MissingPermissionError struct {
	Permission string
}

func (e *MissingPermissionError) Error() string {
	return "missing permission: " + e.Permission
}

// Unwrap 归类为 domain.ErrForbidden
func (e *MissingPermissionError) Unwrap() error {
	return domain.ErrForbidden
}

// KeyVerifier 校验 API Key 的组件
type KeyVerifier interface {
	Verify(ctx context.Context, plaintext string) (*domain.Principal, error)
}

// Credentials 从请求中提取出的原始凭证
type Credentials struct {
	BearerToken string
	APIKey      string
}

// Gate 访问控制入口：认证调用方并检查角色与权限
type Gate struct {
	tokens *jwt.Manager
	keys   KeyVerifier
}

// NewGate 创建访问控制入口
func NewGate(tokens *jwt.Manager, keys KeyVerifier) *Gate {
	return &Gate{tokens: tokens, keys: keys}
}

// Authenticate 认证调用方
//
// 优先使用 Bearer 令牌，令牌认证不访问存储；没有令牌时才校验 API Key。
func (g *Gate) Authenticate(ctx context.Context, creds Credentials) (*domain.Principal, error) {
	if token := strings.TrimSpace(creds.BearerToken); token != "" {
		claims, err := g.tokens.Verify(token)
		if err != nil {
			return nil, err
		}
		return &domain.Principal{
			UserID:   claims.UserID,
			Username: claims.Username,
			Email:    claims.Email,
			Role:     claims.Role,
			Method:   domain.AuthMethodToken,
		}, nil
	}

	if key := strings.TrimSpace(creds.APIKey); key != "" {
		return g.keys.Verify(ctx, key)
	}

	return nil, ErrNoCredentials
}

// Authorize 要求调用方拥有任一指定角色
func (g *Gate) Authorize(p *domain.Principal, roles ...domain.UserRole) error {
	if p == nil {
		return ErrNoCredentials
	}
	if !p.HasRole(roles...) {
		return ErrInsufficientRole
	}
	return nil
}

// CheckPermission 要求调用方拥有指定权限，管理员总是通过
func (g *Gate) CheckPermission(p *domain.Principal, name string) error {
	if p == nil {
		return ErrNoCredentials
	}
	if !p.HasPermission(name) {
		return &MissingPermissionError{Permission: name}
	}
	return nil
}
