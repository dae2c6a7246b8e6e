package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage"
)

// Client 封装 PostgreSQL 连接池
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New 创建新的 PostgreSQL 客户端
func New(cfg *config.DatabaseConfig, log *zap.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to PostgreSQL",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
	)

	return &Client{
		pool: pool,
		log:  log,
	}, nil
}

// Close 关闭数据库连接池
func (c *Client) Close() error {
	c.pool.Close()
	c.log.Info("PostgreSQL connection closed")
	return nil
}

// Ping 测试数据库连接
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// MeasurementStore 基于 pgx 连接池的测速结果存储
//
// 表结构与 GORM 迁移出的 measurements 表一致。
type MeasurementStore struct {
	client *Client
}

// NewMeasurementStore 创建测速结果存储
func NewMeasurementStore(client *Client) *MeasurementStore {
	return &MeasurementStore{client: client}
}

const measurementColumns = `id, download_bandwidth, upload_bandwidth, latency, jitter, packet_loss,
	server_id, server_name, server_location, server_country, server_host, server_ip,
	result_url, isp, timestamp`

// SaveMeasurement 在事务中插入测速结果并回填ID
func (s *MeasurementStore) SaveMeasurement(ctx context.Context, m *domain.Measurement) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO measurements (download_bandwidth, upload_bandwidth, latency, jitter, packet_loss,
			server_id, server_name, server_location, server_country, server_host, server_ip,
			result_url, isp, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		m.DownloadBandwidth, m.UploadBandwidth, m.Latency, m.Jitter, m.PacketLoss,
		m.ServerID, m.ServerName, m.ServerLocation, m.ServerCountry, m.ServerHost, m.ServerIP,
		m.ResultURL, m.ISP, m.Timestamp.UTC(),
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit measurement: %w", err)
	}
	return nil
}

// LatestMeasurement 返回最新的测速结果
func (s *MeasurementStore) LatestMeasurement(ctx context.Context) (*domain.Measurement, error) {
	row := s.client.pool.QueryRow(ctx,
		`SELECT `+measurementColumns+` FROM measurements ORDER BY timestamp DESC, id DESC LIMIT 1`)
	m, err := scanMeasurement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrMeasurementNotFound
		}
		return nil, err
	}
	return m, nil
}

// MeasurementStats 汇总 since 之后的测速结果
func (s *MeasurementStore) MeasurementStats(ctx context.Context, since time.Time) (*domain.MeasurementStats, error) {
	var row statsRow
	var avgDown, minDown, maxDown, avgUp, avgLatency *float64
	err := s.client.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			AVG(download_bandwidth)::float8,
			MIN(download_bandwidth)::float8,
			MAX(download_bandwidth)::float8,
			AVG(upload_bandwidth)::float8,
			AVG(latency)::float8
		FROM measurements
		WHERE timestamp >= $1`, since.UTC(),
	).Scan(&row.Count, &avgDown, &minDown, &maxDown, &avgUp, &avgLatency)
	if err != nil {
		return nil, fmt.Errorf("query measurement stats: %w", err)
	}

	row.AvgDown = nullFloat(avgDown)
	row.MinDown = nullFloat(minDown)
	row.MaxDown = nullFloat(maxDown)
	row.AvgUp = nullFloat(avgUp)
	row.AvgLatency = nullFloat(avgLatency)
	return statsFromRow(row), nil
}

// ListMeasurements 按时间倒序列出 since 之后的测速结果
func (s *MeasurementStore) ListMeasurements(ctx context.Context, since time.Time, limit int) ([]domain.Measurement, error) {
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE timestamp >= $1 ORDER BY timestamp DESC, id DESC`
	args := []any{since.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.client.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	list := make([]domain.Measurement, 0)
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// Ping 测试数据库连接
func (s *MeasurementStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close 关闭底层连接池
func (s *MeasurementStore) Close() error {
	return s.client.Close()
}

func scanMeasurement(row pgx.Row) (*domain.Measurement, error) {
	var m domain.Measurement
	err := row.Scan(
		&m.ID, &m.DownloadBandwidth, &m.UploadBandwidth, &m.Latency, &m.Jitter, &m.PacketLoss,
		&m.ServerID, &m.ServerName, &m.ServerLocation, &m.ServerCountry, &m.ServerHost, &m.ServerIP,
		&m.ResultURL, &m.ISP, &m.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}
