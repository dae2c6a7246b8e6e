package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"speedmonitor/backend/internal/domain"
)

var (
	// ErrInvalidToken 无效的令牌（签名不符、结构错误或算法不符）
	ErrInvalidToken = fmt.Errorf("%w: invalid token", domain.ErrInvalidCredential)
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = fmt.Errorf("%w: token expired", domain.ErrInvalidCredential)
)

// Claims JWT 自定义声明
type Claims struct {
	UserID   string          `json:"id"`
	Username string          `json:"username"`
	Role     domain.UserRole `json:"role"`
	Email    string          `json:"email"`
	jwt.RegisteredClaims
}

// Manager JWT 管理器，负责签发与校验 HS256 令牌
type Manager struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

// Option Manager 选项
type Option func(*Manager)

// WithClock 替换时钟，测试中用于模拟时间流逝
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager 创建 JWT 管理器
func NewManager(secret, issuer string, expiry time.Duration, opts ...Option) *Manager {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	m := &Manager{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Expiry 令牌有效期
func (m *Manager) Expiry() time.Duration {
	return m.expiry
}

// Issue 为用户签发令牌
func (m *Manager) Issue(user *domain.User) (string, error) {
	now := m.now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		Email:    user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify 验证令牌并返回声明
//
// 过期的令牌无论签名是否正确都返回 ErrExpiredToken，其余失败一律返回 ErrInvalidToken。
// 签名比较由 jwt 库使用 hmac.Equal 完成。
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithIssuedAt(),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || m.expiredUnverified(tokenString) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// expiredUnverified 不校验签名，只判断令牌声明的过期时间是否已过
func (m *Manager) expiredUnverified(tokenString string) bool {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !m.now().Before(claims.ExpiresAt.Time)
}
