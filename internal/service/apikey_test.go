package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
	"speedmonitor/backend/internal/storage/memory"
	"speedmonitor/backend/internal/storage/storagetest"
)

// MockAPIKeyStore 模拟存储接口
type MockAPIKeyStore struct {
	mock.Mock
}

func (m *MockAPIKeyStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockAPIKeyStore) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockAPIKeyStore) ListActiveAPIKeys(ctx context.Context, now time.Time) ([]domain.APIKeyWithOwner, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.APIKeyWithOwner), args.Error(1)
}

func (m *MockAPIKeyStore) ListAPIKeysByUser(ctx context.Context, userID string) ([]domain.APIKey, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.APIKey), args.Error(1)
}

func (m *MockAPIKeyStore) TouchAPIKeyLastUsed(ctx context.Context, keyID string, at time.Time) error {
	return m.Called(ctx, keyID, at).Error(0)
}

func (m *MockAPIKeyStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	return m.Called(ctx, keyID).Error(0)
}

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func newTestService(t *testing.T) (*APIKeyService, *memory.Store, *testClock, *domain.User) {
	t.Helper()
	store := memory.NewStore()
	clock := &testClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	user := storagetest.NewUser("viewer", domain.RoleViewer, true)
	require.NoError(t, store.CreateUser(context.Background(), user))

	svc := NewAPIKeyService(store, zap.NewNop(),
		WithAPIKeyHashCost(bcrypt.MinCost),
		WithAPIKeyClock(clock.Now),
	)
	return svc, store, clock, user
}

func TestGenerateKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, "sm_"))
		assert.Len(t, key, 3+64)
		assert.False(t, seen[key], "keys must be unique")
		seen[key] = true
	}
}

func TestAPIKeyService_Issue(t *testing.T) {
	ctx := context.Background()

	t.Run("签发成功且只保存哈希", func(t *testing.T) {
		svc, store, _, user := newTestService(t)

		issued, err := svc.Issue(ctx, IssueAPIKeyInput{
			UserID:      user.ID,
			Permissions: domain.Permissions{"stream": true},
		})
		require.NoError(t, err)
		assert.Equal(t, APIKeyIssuedMessage, issued.Message)
		assert.Equal(t, DefaultAPIKeyName, issued.Key.Name)
		assert.Nil(t, issued.Key.ExpiresAt)
		assert.NotEqual(t, issued.Plaintext, issued.Key.KeyHash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(issued.Key.KeyHash), []byte(issued.Plaintext)))

		keys, err := store.ListAPIKeysByUser(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.NotContains(t, keys[0].KeyHash, issued.Plaintext)
	})

	t.Run("用户不存在", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: "missing"})
		assert.ErrorIs(t, err, storage.ErrUserNotFound)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("有效天数为0时永不过期", func(t *testing.T) {
		svc, _, _, user := newTestService(t)
		days := 0
		issued, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID, ExpiresInDays: &days})
		require.NoError(t, err)
		assert.Nil(t, issued.Key.ExpiresAt)
	})

	t.Run("先校验有效天数再查询用户", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		days := -1
		_, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: "missing", ExpiresInDays: &days})
		assert.ErrorIs(t, err, ErrInvalidExpiry)
	})
}

func TestAPIKeyService_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("校验成功并构造调用方", func(t *testing.T) {
		svc, store, clock, user := newTestService(t)
		issued, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID, Name: "grafana", Permissions: domain.Permissions{"stream": true}})
		require.NoError(t, err)

		principal, err := svc.Verify(ctx, issued.Plaintext)
		require.NoError(t, err)
		assert.Equal(t, user.ID, principal.UserID)
		assert.Equal(t, domain.RoleViewer, principal.Role)
		assert.Equal(t, domain.AuthMethodAPIKey, principal.Method)
		assert.Equal(t, issued.Key.ID, principal.KeyID)
		assert.True(t, principal.HasPermission("stream"))

		keys, err := store.ListAPIKeysByUser(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, keys[0].LastUsedAt)
		assert.True(t, clock.t.Equal(*keys[0].LastUsedAt))
	})

	t.Run("空密钥", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.Verify(ctx, "")
		assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	})

	t.Run("未知密钥", func(t *testing.T) {
		svc, _, _, user := newTestService(t)
		_, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID})
		require.NoError(t, err)

		other, err := GenerateKey()
		require.NoError(t, err)
		_, err = svc.Verify(ctx, other)
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
		assert.ErrorIs(t, err, domain.ErrForbidden)

		_, err = svc.Verify(ctx, "not-a-key")
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})

	t.Run("两个密钥互不混淆", func(t *testing.T) {
		svc, _, _, user := newTestService(t)
		first, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID, Name: "first"})
		require.NoError(t, err)
		second, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID, Name: "second"})
		require.NoError(t, err)

		p1, err := svc.Verify(ctx, first.Plaintext)
		require.NoError(t, err)
		p2, err := svc.Verify(ctx, second.Plaintext)
		require.NoError(t, err)
		assert.Equal(t, first.Key.ID, p1.KeyID)
		assert.Equal(t, second.Key.ID, p2.KeyID)
	})

	t.Run("吊销后拒绝", func(t *testing.T) {
		svc, _, _, user := newTestService(t)
		issued, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID})
		require.NoError(t, err)

		admin := &domain.Principal{UserID: "admin", Role: domain.RoleAdmin}
		require.NoError(t, svc.Revoke(ctx, admin, issued.Key.ID))

		_, err = svc.Verify(ctx, issued.Plaintext)
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})

	t.Run("30天有效期在第31天失效", func(t *testing.T) {
		svc, _, clock, user := newTestService(t)
		days := 30
		issued, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID, ExpiresInDays: &days})
		require.NoError(t, err)
		require.NotNil(t, issued.Key.ExpiresAt)

		clock.t = clock.t.Add(29 * 24 * time.Hour)
		_, err = svc.Verify(ctx, issued.Plaintext)
		assert.NoError(t, err)

		clock.t = clock.t.Add(2 * 24 * time.Hour)
		_, err = svc.Verify(ctx, issued.Plaintext)
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})

	t.Run("所属用户停用后拒绝", func(t *testing.T) {
		svc, store, _, user := newTestService(t)
		issued, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID})
		require.NoError(t, err)
		require.NoError(t, store.SetUserActive(ctx, user.ID, false))

		_, err = svc.Verify(ctx, issued.Plaintext)
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})
}

func TestAPIKeyService_Verify_StoreFailures(t *testing.T) {
	ctx := context.Background()
	key, err := GenerateKey()
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("存储失败返回不可用", func(t *testing.T) {
		store := new(MockAPIKeyStore)
		store.On("ListActiveAPIKeys", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		svc := NewAPIKeyService(store, zap.NewNop())
		_, err := svc.Verify(ctx, key)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		store.AssertExpectations(t)
	})

	t.Run("存储超时返回不可用", func(t *testing.T) {
		store := new(MockAPIKeyStore)
		store.On("ListActiveAPIKeys", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.DeadlineExceeded)

		svc := NewAPIKeyService(store, zap.NewNop(), WithAPIKeyQueryTimeout(20*time.Millisecond))
		_, err := svc.Verify(ctx, key)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})

	t.Run("更新最后使用时间失败不影响校验", func(t *testing.T) {
		store := new(MockAPIKeyStore)
		store.On("ListActiveAPIKeys", mock.Anything, mock.Anything).Return([]domain.APIKeyWithOwner{{
			Key:   domain.APIKey{ID: "key-1", UserID: "user-1", KeyHash: string(hash), IsActive: true},
			Owner: domain.User{ID: "user-1", Username: "viewer", Role: domain.RoleViewer, IsActive: true},
		}}, nil)
		store.On("TouchAPIKeyLastUsed", mock.Anything, "key-1", mock.Anything).Return(errors.New("read-only replica"))

		svc := NewAPIKeyService(store, zap.NewNop())
		principal, err := svc.Verify(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "key-1", principal.KeyID)
		store.AssertExpectations(t)
	})
}

func TestAPIKeyService_Revoke(t *testing.T) {
	ctx := context.Background()
	svc, store, _, user := newTestService(t)
	issued, err := svc.Issue(ctx, IssueAPIKeyInput{UserID: user.ID})
	require.NoError(t, err)

	t.Run("非管理员不能吊销他人密钥", func(t *testing.T) {
		other := &domain.Principal{UserID: "someone-else", Role: domain.RoleViewer}
		assert.ErrorIs(t, svc.Revoke(ctx, other, issued.Key.ID), storage.ErrAPIKeyNotFound)
	})

	t.Run("所有者可以吊销", func(t *testing.T) {
		owner := &domain.Principal{UserID: user.ID, Role: domain.RoleViewer}
		require.NoError(t, svc.Revoke(ctx, owner, issued.Key.ID))

		keys, err := store.ListAPIKeysByUser(ctx, user.ID)
		require.NoError(t, err)
		assert.False(t, keys[0].IsActive)
	})

	t.Run("不存在的密钥", func(t *testing.T) {
		admin := &domain.Principal{UserID: "admin", Role: domain.RoleAdmin}
		assert.ErrorIs(t, svc.Revoke(ctx, admin, "missing"), storage.ErrAPIKeyNotFound)
	})
}
