package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
)

// Store 使用内存保存用户、API Key 与测速记录，主要用于开发验证。
type Store struct {
	mu         sync.RWMutex
	users      map[string]*domain.User   // userID -> user
	byEmail    map[string]string         // email -> userID
	byUsername map[string]string         // username -> userID
	apiKeys    map[string]*domain.APIKey // apiKeyID -> apiKey

	measurements []domain.Measurement
	nextID       int64
	maxRecords   int
}

// Option 内存存储选项
type Option func(*Store)

// WithMaxMeasurements 限制保留的测速记录条数，超出后丢弃最旧的记录
func WithMaxMeasurements(n int) Option {
	return func(s *Store) {
		s.maxRecords = n
	}
}

// NewStore 创建一个内存存储实例。
func NewStore(opts ...Option) *Store {
	s := &Store{
		users:      make(map[string]*domain.User),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
		apiKeys:    make(map[string]*domain.APIKey),
		maxRecords: 100000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateUser 创建用户。
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(user.Username)
	email := strings.ToLower(user.Email)
	if _, exists := s.byUsername[username]; exists {
		return storage.ErrUserExists
	}
	if _, exists := s.byEmail[email]; exists {
		return storage.ErrUserExists
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	stored := *user
	s.users[user.ID] = &stored
	s.byUsername[username] = user.ID
	s.byEmail[email] = user.ID
	return nil
}

// GetUserByID 根据ID获取用户。
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// GetUserByUsername 根据用户名获取用户（不区分大小写）。
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	copied := *s.users[id]
	return &copied, nil
}

// TouchLastLogin 更新最后登录时间。
func (s *Store) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	at = at.UTC()
	user.LastLoginAt = &at
	return nil
}

// SetUserActive 启用或停用用户。
func (s *Store) SetUserActive(ctx context.Context, userID string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	user.IsActive = active
	user.UpdatedAt = time.Now().UTC()
	return nil
}

// ListUsers 按创建时间返回全部用户。
func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// HasAdmin 判断是否存在管理员。
func (s *Store) HasAdmin(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Role == domain.RoleAdmin {
			return true, nil
		}
	}
	return false, nil
}

// CreateAPIKey 保存 API Key，所属用户必须存在。
func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[key.UserID]; !ok {
		return storage.ErrUserNotFound
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	stored := *key
	stored.User = nil
	stored.Permissions = clonePermissions(key.Permissions)
	s.apiKeys[key.ID] = &stored
	return nil
}

// ListActiveAPIKeys 返回可用于认证的候选密钥。
func (s *Store) ListActiveAPIKeys(ctx context.Context, now time.Time) ([]domain.APIKeyWithOwner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.APIKeyWithOwner, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		if !key.Usable(now) {
			continue
		}
		owner, ok := s.users[key.UserID]
		if !ok || !owner.IsActive {
			continue
		}
		copied := *key
		copied.Permissions = clonePermissions(key.Permissions)
		result = append(result, domain.APIKeyWithOwner{Key: copied, Owner: *owner})
	}
	return result, nil
}

// ListAPIKeysByUser 返回用户的全部密钥（含已吊销）。
func (s *Store) ListAPIKeysByUser(ctx context.Context, userID string) ([]domain.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]domain.APIKey, 0)
	for _, key := range s.apiKeys {
		if key.UserID == userID {
			copied := *key
			copied.Permissions = clonePermissions(key.Permissions)
			keys = append(keys, copied)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

// TouchAPIKeyLastUsed 更新密钥最后使用时间。
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, keyID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[keyID]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	at = at.UTC()
	key.LastUsedAt = &at
	return nil
}

// RevokeAPIKey 吊销密钥。
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[keyID]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	key.IsActive = false
	return nil
}

// SaveMeasurement 保存测速结果并分配自增ID。
func (s *Store) SaveMeasurement(ctx context.Context, m *domain.Measurement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = s.nextID
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.measurements = append(s.measurements, *m)
	if s.maxRecords > 0 && len(s.measurements) > s.maxRecords {
		s.measurements = s.measurements[len(s.measurements)-s.maxRecords:]
	}
	return nil
}

// LatestMeasurement 返回时间最新的测速结果。
func (s *Store) LatestMeasurement(ctx context.Context) (*domain.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.measurements) == 0 {
		return nil, storage.ErrMeasurementNotFound
	}
	latest := s.measurements[0]
	for _, m := range s.measurements[1:] {
		if !m.Timestamp.Before(latest.Timestamp) {
			latest = m
		}
	}
	return &latest, nil
}

// MeasurementStats 汇总 since 之后的测速结果。
func (s *Store) MeasurementStats(ctx context.Context, since time.Time) (*domain.MeasurementStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.MeasurementStats{}
	var sumDown, sumUp, sumLatency float64
	for i := range s.measurements {
		m := &s.measurements[i]
		if m.Timestamp.Before(since) {
			continue
		}
		down := m.DownloadMbps()
		if stats.Count == 0 || down < stats.MinDownloadMbps {
			stats.MinDownloadMbps = down
		}
		if down > stats.MaxDownloadMbps {
			stats.MaxDownloadMbps = down
		}
		sumDown += down
		sumUp += m.UploadMbps()
		sumLatency += m.Latency
		stats.Count++
	}
	if stats.Count > 0 {
		n := float64(stats.Count)
		stats.AvgDownloadMbps = sumDown / n
		stats.AvgUploadMbps = sumUp / n
		stats.AvgLatency = sumLatency / n
	}
	return stats, nil
}

// ListMeasurements 按时间倒序返回 since 之后的测速结果。
func (s *Store) ListMeasurements(ctx context.Context, since time.Time, limit int) ([]domain.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Measurement, 0)
	for i := len(s.measurements) - 1; i >= 0; i-- {
		m := s.measurements[i]
		if m.Timestamp.Before(since) {
			continue
		}
		result = append(result, m)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Ping 内存存储总是可用。
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close 关闭存储。
func (s *Store) Close() error {
	return nil
}

func clonePermissions(p domain.Permissions) domain.Permissions {
	if p == nil {
		return nil
	}
	copied := make(domain.Permissions, len(p))
	for k, v := range p {
		copied[k] = v
	}
	return copied
}
