package storage

import (
	"context"
	"fmt"
	"time"

	"speedmonitor/backend/internal/domain"
)

var (
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = fmt.Errorf("%w: user", domain.ErrNotFound)
	// ErrUserExists 用户名或邮箱已被占用
	ErrUserExists = fmt.Errorf("%w: user", domain.ErrConflict)
	// ErrAPIKeyNotFound API Key 不存在
	ErrAPIKeyNotFound = fmt.Errorf("%w: api key", domain.ErrNotFound)
	// ErrMeasurementNotFound 尚无测速记录
	ErrMeasurementNotFound = fmt.Errorf("%w: measurement", domain.ErrNotFound)
)

// UserRepository 定义用户数据存取操作。
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
	SetUserActive(ctx context.Context, userID string, active bool) error
	ListUsers(ctx context.Context) ([]domain.User, error)
	HasAdmin(ctx context.Context) (bool, error)
}

// APIKeyRepository 定义API Key数据存取操作。
type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	// ListActiveAPIKeys 返回在 now 时刻仍可用、且属于启用用户的全部密钥
	ListActiveAPIKeys(ctx context.Context, now time.Time) ([]domain.APIKeyWithOwner, error)
	ListAPIKeysByUser(ctx context.Context, userID string) ([]domain.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, keyID string, at time.Time) error
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// CredentialStore 认证所需的全部存储操作
type CredentialStore interface {
	UserRepository
	APIKeyRepository
}

// MeasurementStore 定义测速结果存取操作。
type MeasurementStore interface {
	SaveMeasurement(ctx context.Context, m *domain.Measurement) error
	LatestMeasurement(ctx context.Context) (*domain.Measurement, error)
	MeasurementStats(ctx context.Context, since time.Time) (*domain.MeasurementStats, error)
	ListMeasurements(ctx context.Context, since time.Time, limit int) ([]domain.Measurement, error)
}

// Store 定义完整的存储接口。
type Store interface {
	CredentialStore
	MeasurementStore

	Ping(ctx context.Context) error
	Close() error
}

// Composite 组合独立的凭据存储与测速存储
//
// PostgreSQL 部署下凭据走 gorm，测速记录走 pgx 连接池。
type Composite struct {
	CredentialStore
	MeasurementStore

	pings  []func(context.Context) error
	closes []func() error
}

// Pinger 可探活的存储
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer 可关闭的存储
type Closer interface {
	Close() error
}

// NewComposite 创建组合存储，parts 中实现了 Pinger/Closer 的部分会被探活和关闭
func NewComposite(creds CredentialStore, measurements MeasurementStore, parts ...any) *Composite {
	c := &Composite{CredentialStore: creds, MeasurementStore: measurements}
	for _, part := range parts {
		if p, ok := part.(Pinger); ok {
			c.pings = append(c.pings, p.Ping)
		}
		if cl, ok := part.(Closer); ok {
			c.closes = append(c.closes, cl.Close)
		}
	}
	return c
}

// Ping 依次探活各部分
func (c *Composite) Ping(ctx context.Context) error {
	for _, ping := range c.pings {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭各部分，返回第一个错误
func (c *Composite) Close() error {
	var first error
	for _, closeFn := range c.closes {
		if err := closeFn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
