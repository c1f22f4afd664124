package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

func TestBucketsOverlapping(t *testing.T) {
	start := time.Date(2026, 3, 18, 14, 3, 0, 0, time.UTC)
	end := time.Date(2026, 3, 18, 14, 18, 0, 0, time.UTC)

	buckets := BucketsOverlapping(models.Window5Min, start, end)
	require.Len(t, buckets, 4)
	assert.Equal(t, time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC), buckets[0])
	assert.Equal(t, time.Date(2026, 3, 18, 14, 15, 0, 0, time.UTC), buckets[3])

	// 跨小时边界
	hourBuckets := BucketsOverlapping(models.Window1Hour, start, end.Add(time.Hour))
	require.Len(t, hourBuckets, 2)
	assert.Equal(t, time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC), hourBuckets[0])
	assert.Equal(t, time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC), hourBuckets[1])

	// 空范围
	assert.Nil(t, BucketsOverlapping(models.Window5Min, end, start))
	assert.Nil(t, BucketsOverlapping(models.Window5Min, start, start))
}

func readingAt(ts time.Time, flow, pressure, volume float64) models.SensorReading {
	return models.SensorReading{
		NodeID:    "node-1",
		Timestamp: ts,
		FlowRate:  flow,
		Pressure:  pressure,
		// 温度不参与统计
		Temperature: 15,
		VolumeTotal: volume,
	}
}

func TestComputeStats(t *testing.T) {
	bucketStart := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	bucketEnd := bucketStart.Add(time.Hour)

	readings := []models.SensorReading{
		readingAt(bucketStart.Add(5*time.Minute), 10, 4.0, 1000),
		readingAt(bucketStart.Add(20*time.Minute), 12, 4.2, 1010),
		readingAt(bucketStart.Add(35*time.Minute), 11, 4.1, 1021),
		readingAt(bucketStart.Add(50*time.Minute), 13, 4.3, 1033),
		// 窗口外的读数必须被忽略
		readingAt(bucketStart.Add(-time.Minute), 99, 9.9, 900),
		readingAt(bucketEnd, 99, 9.9, 2000),
	}

	stats := computeStats(readings, bucketStart, bucketEnd)
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 11.5, stats.AvgFlow, 1e-9)
	assert.InDelta(t, 10, stats.MinFlow, 1e-9)
	assert.InDelta(t, 13, stats.MaxFlow, 1e-9)
	// 总体标准差 sqrt(1.25)
	assert.InDelta(t, 1.1180339887, stats.StddevFlow, 1e-6)
	assert.InDelta(t, 4.15, stats.AvgPressure, 1e-9)
	// 累计体积取末值减首值
	assert.InDelta(t, 33, stats.TotalVolume, 1e-9)
}

func TestComputeStatsEmptyBucket(t *testing.T) {
	bucketStart := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	stats := computeStats(nil, bucketStart, bucketStart.Add(5*time.Minute))
	assert.Equal(t, 0, stats.Count)
	assert.Zero(t, stats.AvgFlow)
	assert.Zero(t, stats.TotalVolume)
}

func TestComputeStatsVolumeResetClamped(t *testing.T) {
	bucketStart := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	// 计量器复位导致累计体积回绕：不产出负体积
	readings := []models.SensorReading{
		readingAt(bucketStart.Add(time.Minute), 10, 4.0, 5000),
		readingAt(bucketStart.Add(2*time.Minute), 10, 4.0, 12),
	}
	stats := computeStats(readings, bucketStart, bucketStart.Add(5*time.Minute))
	assert.Zero(t, stats.TotalVolume)
}

func TestComputeStatsSingleReading(t *testing.T) {
	bucketStart := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	readings := []models.SensorReading{
		readingAt(bucketStart.Add(time.Minute), 10, 4.0, 5000),
	}
	stats := computeStats(readings, bucketStart, bucketStart.Add(5*time.Minute))
	assert.Equal(t, 1, stats.Count)
	assert.InDelta(t, 10, stats.AvgFlow, 1e-9)
	assert.Zero(t, stats.StddevFlow)
	assert.Zero(t, stats.TotalVolume)
}
