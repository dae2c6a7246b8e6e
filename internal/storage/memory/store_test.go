package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
	"speedmonitor/backend/internal/storage/storagetest"
)

func TestMemoryStore_Credentials(t *testing.T) {
	storagetest.RunCredentialStore(t, func(t *testing.T) storage.CredentialStore {
		return NewStore()
	})
}

func TestMemoryStore_Measurements(t *testing.T) {
	storagetest.RunMeasurementStore(t, func(t *testing.T) storage.MeasurementStore {
		return NewStore()
	})
}

func TestMemoryStore_MaxMeasurements(t *testing.T) {
	s := NewStore(WithMaxMeasurements(2))
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveMeasurement(ctx, &domain.Measurement{Timestamp: base.Add(time.Duration(i) * time.Minute)}))
	}

	list, err := s.ListMeasurements(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].ID)
	assert.Equal(t, int64(2), list[1].ID)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	user := storagetest.NewUser("alice", domain.RoleViewer, true)
	require.NoError(t, s.CreateUser(ctx, user))

	got, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	got.Role = domain.RoleAdmin

	again, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewer, again.Role)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ListActiveAPIKeys(ctx, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
