package service

import (
	"context"
	"errors"
	"time"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/monitoring"
	"speedmonitor/backend/internal/storage"
)

const (
	// DefaultHistoryHours 历史查询默认时间范围
	DefaultHistoryHours = 24
	// DefaultHistoryLimit 历史查询默认条数
	DefaultHistoryLimit = 1000
	// MaxHistoryLimit 历史查询最大条数
	MaxHistoryLimit = 10000
)

// MeasurementReader 查询测速结果的存储操作
type MeasurementReader interface {
	LatestMeasurement(ctx context.Context) (*domain.Measurement, error)
	MeasurementStats(ctx context.Context, since time.Time) (*domain.MeasurementStats, error)
	ListMeasurements(ctx context.Context, since time.Time, limit int) ([]domain.Measurement, error)
}

// MeasurementService 测速结果查询服务
type MeasurementService struct {
	store        MeasurementReader
	counters     *monitoring.Counters
	queryTimeout time.Duration
	now          func() time.Time
}

// NewMeasurementService 创建测速结果查询服务
func NewMeasurementService(store MeasurementReader, counters *monitoring.Counters, queryTimeout time.Duration) *MeasurementService {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &MeasurementService{
		store:        store,
		counters:     counters,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
}

// Status 当前状态概览
type Status struct {
	Latest     *domain.Measurement      `json:"latest"`
	Stats      *domain.MeasurementStats `json:"stats"`
	Uptime     float64                  `json:"uptime"`
	TestCount  int64                    `json:"testCount"`
	ErrorCount int64                    `json:"errorCount"`
}

// Status 返回最新结果、最近 24 小时汇总与运行计数
func (s *MeasurementService) Status(ctx context.Context) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	latest, err := s.store.LatestMeasurement(ctx)
	if err != nil && !errors.Is(err, storage.ErrMeasurementNotFound) {
		return nil, err
	}

	stats, err := s.store.MeasurementStats(ctx, s.now().Add(-DefaultHistoryHours*time.Hour))
	if err != nil {
		return nil, err
	}

	snap := s.counters.Snapshot()
	return &Status{
		Latest:     latest,
		Stats:      stats,
		Uptime:     snap.Uptime.Seconds(),
		TestCount:  snap.Runs,
		ErrorCount: snap.Errors,
	}, nil
}

// HistoryPoint 历史曲线上的一个点
type HistoryPoint struct {
	ID             int64     `json:"id"`
	DownloadMbps   float64   `json:"download_mbps"`
	UploadMbps     float64   `json:"upload_mbps"`
	Latency        float64   `json:"latency"`
	ServerName     string    `json:"server_name"`
	ServerLocation string    `json:"server_location"`
	Timestamp      time.Time `json:"timestamp"`
}

// History 返回最近 hours 小时内最多 limit 条结果，非法参数使用默认值
func (s *MeasurementService) History(ctx context.Context, hours, limit int) ([]HistoryPoint, error) {
	if hours <= 0 {
		hours = DefaultHistoryHours
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	list, err := s.store.ListMeasurements(ctx, s.now().Add(-time.Duration(hours)*time.Hour), limit)
	if err != nil {
		return nil, err
	}

	points := make([]HistoryPoint, 0, len(list))
	for i := range list {
		m := &list[i]
		points = append(points, HistoryPoint{
			ID:             m.ID,
			DownloadMbps:   m.DownloadMbps(),
			UploadMbps:     m.UploadMbps(),
			Latency:        m.Latency,
			ServerName:     m.ServerName,
			ServerLocation: m.ServerLocation,
			Timestamp:      m.Timestamp,
		})
	}
	return points, nil
}
