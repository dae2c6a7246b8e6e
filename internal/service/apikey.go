package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
)

const (
	// APIKeyPrefix 所有签发的密钥都以此开头
	APIKeyPrefix = "sm_"
	// apiKeyBytes 随机部分的字节数（256 位）
	apiKeyBytes = 32
	// DefaultAPIKeyName 未指定名称时的默认名称
	DefaultAPIKeyName = "API Key"
	// APIKeyIssuedMessage 签发成功时随明文一起返回的提示
	APIKeyIssuedMessage = "API key generated successfully. Store it securely as it cannot be retrieved again."
)

var (
	// ErrAPIKeyRequired 未提供密钥
	ErrAPIKeyRequired = fmt.Errorf("%w: api key required", domain.ErrUnauthenticated)
	// ErrAPIKeyInvalid 没有匹配的可用密钥，不区分具体原因
	ErrAPIKeyInvalid = fmt.Errorf("%w: invalid API key", domain.ErrForbidden)
	// ErrAPIKeyStore 校验期间凭据存储失败或超时
	ErrAPIKeyStore = fmt.Errorf("%w: api key lookup", domain.ErrStoreUnavailable)
	// ErrInvalidExpiry 有效天数非法
	ErrInvalidExpiry = errors.New("expiresIn must be a non-negative number of days")
)

// APIKeyStore API Key 服务依赖的存储操作
type APIKeyStore interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	ListActiveAPIKeys(ctx context.Context, now time.Time) ([]domain.APIKeyWithOwner, error)
	ListAPIKeysByUser(ctx context.Context, userID string) ([]domain.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, keyID string, at time.Time) error
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// APIKeyService API Key业务逻辑服务
type APIKeyService struct {
	store        APIKeyStore
	log          *zap.Logger
	hashCost     int
	queryTimeout time.Duration
	now          func() time.Time
}

// APIKeyOption APIKeyService 选项
type APIKeyOption func(*APIKeyService)

// WithAPIKeyHashCost 设置 bcrypt 成本
func WithAPIKeyHashCost(cost int) APIKeyOption {
	return func(s *APIKeyService) {
		s.hashCost = cost
	}
}

// WithAPIKeyQueryTimeout 设置单次存储调用的超时
func WithAPIKeyQueryTimeout(d time.Duration) APIKeyOption {
	return func(s *APIKeyService) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// WithAPIKeyClock 替换时钟
func WithAPIKeyClock(now func() time.Time) APIKeyOption {
	return func(s *APIKeyService) {
		s.now = now
	}
}

// NewAPIKeyService 创建API Key服务
func NewAPIKeyService(store APIKeyStore, log *zap.Logger, opts ...APIKeyOption) *APIKeyService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &APIKeyService{
		store:        store,
		log:          log,
		hashCost:     bcrypt.DefaultCost,
		queryTimeout: 5 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueAPIKeyInput 签发API Key的输入参数
type IssueAPIKeyInput struct {
	UserID        string
	Name          string
	Permissions   domain.Permissions
	ExpiresInDays *int // 有效天数（可选），0 表示永不过期
}

func (in IssueAPIKeyInput) expiresInDays() int {
	if in.ExpiresInDays == nil {
		return 0
	}
	return *in.ExpiresInDays
}

// IssuedAPIKey 签发结果，明文只在这里出现一次
type IssuedAPIKey struct {
	Key       *domain.APIKey
	Plaintext string
	Message   string
}

// Issue 签发新的API Key
//
// 参数:
//   - input: 签发参数
//
// 返回值:
//   - *IssuedAPIKey: 密钥记录与明文
//   - error: 所属用户不存在时返回 storage.ErrUserNotFound
func (s *APIKeyService) Issue(ctx context.Context, input IssueAPIKeyInput) (*IssuedAPIKey, error) {
	if input.ExpiresInDays != nil && *input.ExpiresInDays < 0 {
		return nil, ErrInvalidExpiry
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	// 验证用户是否存在
	if _, err := s.store.GetUserByID(ctx, input.UserID); err != nil {
		return nil, err
	}

	plaintext, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash api key: %w", err)
	}

	now := s.now().UTC()

	// 计算过期时间，0 表示永不过期
	var expiresAt *time.Time
	if days := input.expiresInDays(); days > 0 {
		t := now.Add(time.Duration(days) * 24 * time.Hour)
		expiresAt = &t
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = DefaultAPIKeyName
	}

	permissions := input.Permissions
	if permissions == nil {
		permissions = domain.Permissions{}
	}

	apiKey := &domain.APIKey{
		ID:          uuid.New().String(),
		UserID:      input.UserID,
		KeyHash:     string(hash),
		Name:        name,
		Permissions: permissions,
		IsActive:    true,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	if err := s.store.CreateAPIKey(ctx, apiKey); err != nil {
		return nil, err
	}

	s.log.Info("api key issued",
		zap.String("key_id", apiKey.ID),
		zap.String("user_id", apiKey.UserID),
	)

	return &IssuedAPIKey{
		Key:       apiKey,
		Plaintext: plaintext,
		Message:   APIKeyIssuedMessage,
	}, nil
}

// Verify 校验明文密钥并构造调用方
//
// 密钥哈希带盐，无法按哈希查找，只能对全部候选逐个比较，命中第一个即返回。
func (s *APIKeyService) Verify(ctx context.Context, plaintext string) (*domain.Principal, error) {
	if plaintext == "" {
		return nil, ErrAPIKeyRequired
	}

	// 非本系统格式的密钥不可能匹配，跳过昂贵的哈希比较
	if !strings.HasPrefix(plaintext, APIKeyPrefix) {
		return nil, ErrAPIKeyInvalid
	}

	now := s.now()

	lookupCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	candidates, err := s.store.ListActiveAPIKeys(lookupCtx, now)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPIKeyStore, err)
	}

	for i := range candidates {
		candidate := &candidates[i]
		if !candidate.Key.Usable(now) || !candidate.Owner.IsActive {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(candidate.Key.KeyHash), []byte(plaintext)) != nil {
			continue
		}

		s.touch(ctx, candidate.Key.ID, now)

		return &domain.Principal{
			UserID:      candidate.Owner.ID,
			Username:    candidate.Owner.Username,
			Email:       candidate.Owner.Email,
			Role:        candidate.Owner.Role,
			Permissions: candidate.Key.Permissions,
			Method:      domain.AuthMethodAPIKey,
			KeyID:       candidate.Key.ID,
		}, nil
	}

	return nil, ErrAPIKeyInvalid
}

// List 列出用户的所有API Key
func (s *APIKeyService) List(ctx context.Context, userID string) ([]domain.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.store.ListAPIKeysByUser(ctx, userID)
}

// Revoke 吊销API Key
//
// 参数:
//   - caller: 发起吊销的调用方，非管理员只能吊销自己的密钥
//   - id: API Key ID
func (s *APIKeyService) Revoke(ctx context.Context, caller *domain.Principal, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if !caller.IsAdmin() {
		keys, err := s.store.ListAPIKeysByUser(ctx, caller.UserID)
		if err != nil {
			return err
		}
		owned := false
		for _, k := range keys {
			if k.ID == id {
				owned = true
				break
			}
		}
		if !owned {
			return storage.ErrAPIKeyNotFound
		}
	}

	if err := s.store.RevokeAPIKey(ctx, id); err != nil {
		return err
	}

	s.log.Info("api key revoked", zap.String("key_id", id), zap.String("by", caller.UserID))
	return nil
}

// touch 尽力更新最后使用时间，失败只记录日志
func (s *APIKeyService) touch(ctx context.Context, keyID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
	defer cancel()
	if err := s.store.TouchAPIKeyLastUsed(ctx, keyID, at); err != nil {
		s.log.Warn("failed to update api key last used", zap.String("key_id", keyID), zap.Error(err))
	}
}

// GenerateKey 生成一个安全的随机API Key
//
// 返回值:
//   - string: "sm_" 加 64 位十六进制字符
//   - error: 随机源读取失败
func GenerateKey() (string, error) {
	// 生成32字节的随机数据
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}
