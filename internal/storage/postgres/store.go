package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
)

// Store 基于 GORM 的存储实现，支持 PostgreSQL 与 MySQL
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(cfg.DSN), cfg)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(cfg config.DatabaseConfig) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(cfg.DSN), cfg)
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig) (*Store, error) {
	// 配置 GORM
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent), // 静默模式
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	// 连接数据库
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &Store{db: db}

	// 自动迁移数据库表
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.User{},
		&domain.APIKey{},
		&domain.Measurement{},
	)
}

// ========== User Repository ==========

// CreateUser 创建用户
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	err := s.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrUserExists
	}
	return err
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername 根据用户名获取用户
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Where("LOWER(username) = LOWER(?)", username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// TouchLastLogin 更新最后登录时间
func (s *Store) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", userID).
		Update("last_login_at", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// SetUserActive 启用或停用用户
func (s *Store) SetUserActive(ctx context.Context, userID string, active bool) error {
	result := s.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", userID).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	// MySQL 对未变化的行返回 0，需要再确认一次是否存在
	if result.RowsAffected == 0 && !s.exists(ctx, &domain.User{}, userID) {
		return storage.ErrUserNotFound
	}
	return nil
}

// ListUsers 按创建时间列出全部用户
func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&users).Error
	return users, err
}

// HasAdmin 判断是否存在管理员
func (s *Store) HasAdmin(ctx context.Context) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.User{}).
		Where("role = ?", domain.RoleAdmin).
		Count(&count).Error
	return count > 0, err
}

// ========== API Key Repository ==========

// CreateAPIKey 保存API Key，所属用户必须存在
func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.User{}).Where("id = ?", key.UserID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return storage.ErrUserNotFound
		}
		if key.ExpiresAt != nil {
			expires := key.ExpiresAt.UTC()
			key.ExpiresAt = &expires
		}
		return tx.Omit(clause.Associations).Create(key).Error
	})
}

// ListActiveAPIKeys 返回可用于认证的候选密钥
//
// 只返回启用、未过期且所属用户处于启用状态的密钥。
func (s *Store) ListActiveAPIKeys(ctx context.Context, now time.Time) ([]domain.APIKeyWithOwner, error) {
	var keys []domain.APIKey
	err := s.db.WithContext(ctx).
		Joins("User").
		Where("api_keys.is_active = ?", true).
		Where("(api_keys.expires_at IS NULL OR api_keys.expires_at > ?)", now.UTC()).
		Where(clause.Eq{Column: clause.Column{Table: "User", Name: "is_active"}, Value: true}).
		Find(&keys).Error
	if err != nil {
		return nil, err
	}

	result := make([]domain.APIKeyWithOwner, 0, len(keys))
	for _, key := range keys {
		if key.User == nil {
			continue
		}
		owner := *key.User
		key.User = nil
		result = append(result, domain.APIKeyWithOwner{Key: key, Owner: owner})
	}
	return result, nil
}

// ListAPIKeysByUser 列出用户的所有API Key
func (s *Store) ListAPIKeysByUser(ctx context.Context, userID string) ([]domain.APIKey, error) {
	var keys []domain.APIKey
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&keys).Error
	return keys, err
}

// TouchAPIKeyLastUsed 更新API Key最后使用时间
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, keyID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// RevokeAPIKey 吊销API Key
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	result := s.db.WithContext(ctx).Model(&domain.APIKey{}).
		Where("id = ?", keyID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 && !s.exists(ctx, &domain.APIKey{}, keyID) {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// ========== Measurement Repository ==========

// SaveMeasurement 在事务中保存测速结果
func (s *Store) SaveMeasurement(ctx context.Context, m *domain.Measurement) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(m).Error
	})
}

// LatestMeasurement 返回最新的测速结果
func (s *Store) LatestMeasurement(ctx context.Context) (*domain.Measurement, error) {
	var m domain.Measurement
	err := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC").First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMeasurementNotFound
		}
		return nil, err
	}
	return &m, nil
}

// statsRow 聚合查询结果
type statsRow struct {
	Count      int64
	AvgDown    sql.NullFloat64
	MinDown    sql.NullFloat64
	MaxDown    sql.NullFloat64
	AvgUp      sql.NullFloat64
	AvgLatency sql.NullFloat64
}

// MeasurementStats 汇总 since 之后的测速结果
func (s *Store) MeasurementStats(ctx context.Context, since time.Time) (*domain.MeasurementStats, error) {
	var row statsRow
	err := s.db.WithContext(ctx).Model(&domain.Measurement{}).
		Select(`COUNT(*) AS count,
			AVG(download_bandwidth) AS avg_down,
			MIN(download_bandwidth) AS min_down,
			MAX(download_bandwidth) AS max_down,
			AVG(upload_bandwidth) AS avg_up,
			AVG(latency) AS avg_latency`).
		Where("timestamp >= ?", since.UTC()).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return statsFromRow(row), nil
}

// ListMeasurements 按时间倒序列出 since 之后的测速结果
func (s *Store) ListMeasurements(ctx context.Context, since time.Time, limit int) ([]domain.Measurement, error) {
	query := s.db.WithContext(ctx).
		Where("timestamp >= ?", since.UTC()).
		Order("timestamp DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var list []domain.Measurement
	err := query.Find(&list).Error
	return list, err
}

// ========== 工具方法 ==========

// Ping 检查数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) exists(ctx context.Context, model any, id string) bool {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

// statsFromRow 将字节/秒聚合值换算为 Mbps
func statsFromRow(row statsRow) *domain.MeasurementStats {
	stats := &domain.MeasurementStats{Count: row.Count}
	if row.Count == 0 {
		return stats
	}
	stats.AvgDownloadMbps = domain.BandwidthToMbps(row.AvgDown.Float64)
	stats.MinDownloadMbps = domain.BandwidthToMbps(row.MinDown.Float64)
	stats.MaxDownloadMbps = domain.BandwidthToMbps(row.MaxDown.Float64)
	stats.AvgUploadMbps = domain.BandwidthToMbps(row.AvgUp.Float64)
	stats.AvgLatency = row.AvgLatency.Float64
	return stats
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
