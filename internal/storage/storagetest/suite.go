// Package storagetest 提供各存储实现共用的行为测试
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
)

// NewUser 构造测试用户
func NewUser(username string, role domain.UserRole, active bool) *domain.User {
	return &domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "hash",
		Role:         role,
		IsActive:     active,
	}
}

// NewKey 构造测试密钥
func NewKey(userID string, expiresAt *time.Time) *domain.APIKey {
	return &domain.APIKey{
		ID:          uuid.New().String(),
		UserID:      userID,
		KeyHash:     "hash-" + uuid.New().String(),
		Name:        "API Key",
		Permissions: domain.Permissions{"stream": true},
		IsActive:    true,
		ExpiresAt:   expiresAt,
	}
}

// RunCredentialStore 验证凭据存储的通用行为
func RunCredentialStore(t *testing.T, newStore func(t *testing.T) storage.CredentialStore) {
	ctx := context.Background()

	t.Run("创建并查询用户", func(t *testing.T) {
		s := newStore(t)
		user := NewUser("alice", domain.RoleViewer, true)
		require.NoError(t, s.CreateUser(ctx, user))

		got, err := s.GetUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
		assert.Equal(t, "alice@example.com", got.Email)
		assert.True(t, got.IsActive)

		got, err = s.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)

		_, err = s.GetUserByUsername(ctx, "bob")
		assert.ErrorIs(t, err, storage.ErrUserNotFound)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("用户名唯一", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateUser(ctx, NewUser("alice", domain.RoleViewer, true)))

		dup := NewUser("alice", domain.RoleViewer, true)
		dup.Email = "other@example.com"
		assert.ErrorIs(t, s.CreateUser(ctx, dup), storage.ErrUserExists)
	})

	t.Run("停用用户与管理员判断", func(t *testing.T) {
		s := newStore(t)
		has, err := s.HasAdmin(ctx)
		require.NoError(t, err)
		assert.False(t, has)

		admin := NewUser("admin", domain.RoleAdmin, true)
		require.NoError(t, s.CreateUser(ctx, admin))
		has, err = s.HasAdmin(ctx)
		require.NoError(t, err)
		assert.True(t, has)

		require.NoError(t, s.SetUserActive(ctx, admin.ID, false))
		got, err := s.GetUserByID(ctx, admin.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		assert.ErrorIs(t, s.SetUserActive(ctx, "missing", true), storage.ErrUserNotFound)

		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("更新最后登录时间", func(t *testing.T) {
		s := newStore(t)
		user := NewUser("alice", domain.RoleViewer, true)
		require.NoError(t, s.CreateUser(ctx, user))

		at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.TouchLastLogin(ctx, user.ID, at))

		got, err := s.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastLoginAt)
		assert.True(t, at.Equal(*got.LastLoginAt))
	})

	t.Run("候选密钥过滤", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC().Truncate(time.Second)
		past := now.Add(-time.Hour)
		future := now.Add(time.Hour)

		active := NewUser("alice", domain.RoleViewer, true)
		inactive := NewUser("mallory", domain.RoleViewer, false)
		require.NoError(t, s.CreateUser(ctx, active))
		require.NoError(t, s.CreateUser(ctx, inactive))

		usable := NewKey(active.ID, nil)
		notExpired := NewKey(active.ID, &future)
		expired := NewKey(active.ID, &past)
		revoked := NewKey(active.ID, nil)
		ownerInactive := NewKey(inactive.ID, nil)
		for _, k := range []*domain.APIKey{usable, notExpired, expired, revoked, ownerInactive} {
			require.NoError(t, s.CreateAPIKey(ctx, k))
		}
		require.NoError(t, s.RevokeAPIKey(ctx, revoked.ID))

		candidates, err := s.ListActiveAPIKeys(ctx, now)
		require.NoError(t, err)

		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.Key.ID)
			assert.Equal(t, active.ID, c.Owner.ID)
			assert.True(t, c.Key.Permissions.Enabled("stream"))
		}
		assert.ElementsMatch(t, []string{usable.ID, notExpired.ID}, ids)

		keys, err := s.ListAPIKeysByUser(ctx, active.ID)
		require.NoError(t, err)
		assert.Len(t, keys, 4)
	})

	t.Run("密钥所属用户必须存在", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.CreateAPIKey(ctx, NewKey("missing", nil)), storage.ErrUserNotFound)
	})

	t.Run("吊销与最后使用时间", func(t *testing.T) {
		s := newStore(t)
		user := NewUser("alice", domain.RoleViewer, true)
		require.NoError(t, s.CreateUser(ctx, user))
		key := NewKey(user.ID, nil)
		require.NoError(t, s.CreateAPIKey(ctx, key))

		at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.TouchAPIKeyLastUsed(ctx, key.ID, at))
		assert.ErrorIs(t, s.TouchAPIKeyLastUsed(ctx, "missing", at), storage.ErrAPIKeyNotFound)

		require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
		assert.ErrorIs(t, s.RevokeAPIKey(ctx, "missing"), storage.ErrAPIKeyNotFound)

		keys, err := s.ListAPIKeysByUser(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.False(t, keys[0].IsActive)
		require.NotNil(t, keys[0].LastUsedAt)
		assert.True(t, at.Equal(*keys[0].LastUsedAt))
	})
}

// RunMeasurementStore 验证测速结果存储的通用行为
func RunMeasurementStore(t *testing.T, newStore func(t *testing.T) storage.MeasurementStore) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("空存储", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LatestMeasurement(ctx)
		assert.ErrorIs(t, err, storage.ErrMeasurementNotFound)

		stats, err := s.MeasurementStats(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Count)
	})

	t.Run("保存与汇总", func(t *testing.T) {
		s := newStore(t)
		samples := []domain.Measurement{
			{DownloadBandwidth: 12500000, UploadBandwidth: 1250000, Latency: 10, ServerName: "a", Timestamp: base.Add(-2 * time.Hour)},
			{DownloadBandwidth: 6250000, UploadBandwidth: 2500000, Latency: 20, ServerName: "b", Timestamp: base},
			{DownloadBandwidth: 25000000, UploadBandwidth: 3750000, Latency: 30, ServerName: "c", Timestamp: base.Add(time.Hour)},
		}
		for i := range samples {
			require.NoError(t, s.SaveMeasurement(ctx, &samples[i]))
			assert.NotZero(t, samples[i].ID)
		}
		assert.NotEqual(t, samples[0].ID, samples[1].ID)

		latest, err := s.LatestMeasurement(ctx)
		require.NoError(t, err)
		assert.Equal(t, "c", latest.ServerName)

		stats, err := s.MeasurementStats(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.Count)
		assert.InDelta(t, 125.0, stats.AvgDownloadMbps, 1e-6)
		assert.InDelta(t, 50.0, stats.MinDownloadMbps, 1e-6)
		assert.InDelta(t, 200.0, stats.MaxDownloadMbps, 1e-6)
		assert.InDelta(t, 25.0, stats.AvgUploadMbps, 1e-6)
		assert.InDelta(t, 25.0, stats.AvgLatency, 1e-6)

		list, err := s.ListMeasurements(ctx, base.Add(-3*time.Hour), 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "c", list[0].ServerName)
		assert.Equal(t, "b", list[1].ServerName)
	})
}
