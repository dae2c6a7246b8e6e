package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/monitoring"
	"speedmonitor/backend/internal/storage/memory"
)

func TestMeasurementService(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	newService := func(t *testing.T) (*MeasurementService, *memory.Store, *monitoring.Counters) {
		store := memory.NewStore()
		counters := monitoring.NewCounters()
		svc := NewMeasurementService(store, counters, time.Second)
		svc.now = func() time.Time { return now }
		return svc, store, counters
	}

	t.Run("没有记录时状态为空", func(t *testing.T) {
		svc, _, _ := newService(t)
		status, err := svc.Status(ctx)
		require.NoError(t, err)
		assert.Nil(t, status.Latest)
		assert.Equal(t, int64(0), status.Stats.Count)
	})

	t.Run("状态包含最新结果与计数", func(t *testing.T) {
		svc, store, counters := newService(t)
		for i, down := range []int64{12500000, 25000000} {
			require.NoError(t, store.SaveMeasurement(ctx, &domain.Measurement{
				DownloadBandwidth: down,
				UploadBandwidth:   1250000,
				Latency:           10,
				Timestamp:         now.Add(time.Duration(i-2) * time.Hour),
			}))
		}
		// 超出 24 小时的记录不计入汇总
		require.NoError(t, store.SaveMeasurement(ctx, &domain.Measurement{
			DownloadBandwidth: 125000,
			Timestamp:         now.Add(-48 * time.Hour),
		}))
		counters.RecordSuccess(200, 10, 10, now)
		counters.RecordFailure()

		status, err := svc.Status(ctx)
		require.NoError(t, err)
		require.NotNil(t, status.Latest)
		assert.InDelta(t, 200.0, status.Latest.DownloadMbps(), 0.001)
		assert.Equal(t, int64(2), status.Stats.Count)
		assert.InDelta(t, 150.0, status.Stats.AvgDownloadMbps, 0.001)
		assert.Equal(t, int64(1), status.TestCount)
		assert.Equal(t, int64(1), status.ErrorCount)
	})

	t.Run("历史按时间倒序并限制条数", func(t *testing.T) {
		svc, store, _ := newService(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, store.SaveMeasurement(ctx, &domain.Measurement{
				DownloadBandwidth: int64(i+1) * 125000,
				ServerName:        "Example",
				Timestamp:         now.Add(-time.Duration(i) * time.Hour),
			}))
		}

		points, err := svc.History(ctx, 3, 2)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.InDelta(t, 1.0, points[0].DownloadMbps, 0.001)
		assert.True(t, points[0].Timestamp.After(points[1].Timestamp))

		points, err = svc.History(ctx, 0, 0)
		require.NoError(t, err)
		assert.Len(t, points, 5)
	})
}
