package postgres

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"

	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/storage"
	"speedmonitor/backend/internal/storage/storagetest"
)

// newSQLiteStore 使用纯 Go 的 SQLite 驱动运行 GORM 存储
func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "speedmonitor.db") + "?_pragma=foreign_keys(1)"
	s, err := NewStoreWithDialector(sqlite.Open(dsn), config.DatabaseConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Credentials(t *testing.T) {
	storagetest.RunCredentialStore(t, func(t *testing.T) storage.CredentialStore {
		return newSQLiteStore(t)
	})
}

func TestStore_Measurements(t *testing.T) {
	storagetest.RunMeasurementStore(t, func(t *testing.T) storage.MeasurementStore {
		return newSQLiteStore(t)
	})
}
