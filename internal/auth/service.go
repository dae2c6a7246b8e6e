package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"speedmonitor/backend/internal/auth/jwt"
	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
)

var (
	// ErrMissingCredentials 用户名或密码为空
	ErrMissingCredentials = errors.New("username and password required")
	// ErrInvalidCredentials 凭证无效（用户不存在、密码错误或用户已停用）
	ErrInvalidCredentials = fmt.Errorf("%w: invalid username or password", domain.ErrInvalidCredential)
	// ErrLoginUnavailable 凭据存储不可用
	ErrLoginUnavailable = fmt.Errorf("%w: login", domain.ErrStoreUnavailable)
)

// UserRepository 用户存储接口
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
	HasAdmin(ctx context.Context) (bool, error)
}

// Service 认证服务
type Service struct {
	users        UserRepository
	tokens       *jwt.Manager
	log          *zap.Logger
	queryTimeout time.Duration
	hashCost     int
	now          func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// ServiceOption Service 选项
type ServiceOption func(*Service)

// WithQueryTimeout 设置单次存储调用的超时
func WithQueryTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// WithHashCost 设置 bcrypt 成本，测试中可使用 bcrypt.MinCost
func WithHashCost(cost int) ServiceOption {
	return func(s *Service) {
		s.hashCost = cost
	}
}

// NewService 创建认证服务
func NewService(users UserRepository, tokens *jwt.Manager, log *zap.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		users:        users,
		tokens:       tokens,
		log:          log,
		queryTimeout: 5 * time.Second,
		hashCost:     bcrypt.DefaultCost,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoginInput 登录输入
type LoginInput struct {
	Username string
	Password string
}

// LoginResult 登录结果
type LoginResult struct {
	Token string
	User  *domain.User
}

// Login 用户登录
//
// 用户不存在、已停用或密码错误都返回同一个 ErrInvalidCredentials。
func (s *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" || input.Password == "" {
		return nil, ErrMissingCredentials
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	user, err := s.users.GetUserByUsername(lookupCtx, username)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// 用户不存在时仍做一次哈希比较，避免通过响应时间枚举用户名
			s.compareDummy(input.Password)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrLoginUnavailable, err)
	}

	// 验证密码
	if !CheckPassword(input.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	// 检查用户是否激活
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}

	// 更新最后登录时间，失败不影响登录
	touchCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	if err := s.users.TouchLastLogin(touchCtx, user.ID, s.now()); err != nil {
		s.log.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}
	cancel()

	return &LoginResult{Token: token, User: user}, nil
}

// CreateUserInput 创建用户输入
type CreateUserInput struct {
	Username string
	Email    string
	Password string
	Role     domain.UserRole
}

// CreateUser 校验输入并创建用户
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (*domain.User, error) {
	if input.Role == "" {
		input.Role = domain.RoleViewer
	}

	now := s.now().UTC()
	user := &domain.User{
		ID:        uuid.New().String(),
		Username:  strings.TrimSpace(input.Username),
		Email:     strings.ToLower(strings.TrimSpace(input.Email)),
		Role:      input.Role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	if err := domain.ValidatePassword(input.Password); err != nil {
		return nil, err
	}

	hash, err := s.hashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user.PasswordHash = hash

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// EnsureDefaultAdmin 不存在管理员时创建默认管理员
//
// 返回值:
//   - bool: 是否创建了新的管理员
//   - error: 存储错误或输入校验失败
func (s *Service) EnsureDefaultAdmin(ctx context.Context, cfg config.AdminConfig) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	has, err := s.users.HasAdmin(checkCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to check admin: %w", err)
	}
	if has {
		return false, nil
	}

	user, err := s.CreateUser(ctx, CreateUserInput{
		Username: cfg.Username,
		Email:    cfg.Email,
		Password: cfg.Password,
		Role:     domain.RoleAdmin,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return false, nil
		}
		return false, err
	}

	s.log.Info("default admin created", zap.String("username", user.Username))
	if cfg.Password == "changeme123!" {
		s.log.Warn("default admin uses the built-in password, change it immediately")
	}
	return true, nil
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) compareDummy(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("speed-monitor-dummy-password"), s.hashCost)
	})
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

// CheckPassword 检查密码是否匹配
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
