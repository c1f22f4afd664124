package aggregator

import (
	"math"
	"time"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// BucketsOverlapping 返回与 [start, end) 相交的全部窗口起点，升序
func BucketsOverlapping(window models.TimeWindow, start, end time.Time) []time.Time {
	if !end.After(start) {
		return nil
	}
	var buckets []time.Time
	for cursor := window.Truncate(start); cursor.Before(end); cursor = window.Next(cursor) {
		buckets = append(buckets, cursor)
	}
	return buckets
}

// windowStats 单窗口统计量
type windowStats struct {
	Count          int
	AvgFlow        float64
	MinFlow        float64
	MaxFlow        float64
	StddevFlow     float64
	AvgPressure    float64
	MinPressure    float64
	MaxPressure    float64
	StddevPressure float64
	TotalVolume    float64
}

// computeStats 计算 [bucketStart, bucketEnd) 内读数的统计量
// 累计体积取窗口内末值减首值（读数按时间升序）
func computeStats(readings []models.SensorReading, bucketStart, bucketEnd time.Time) windowStats {
	var s windowStats
	var sumFlow, sumFlowSq, sumPressure, sumPressureSq float64
	var firstVolume, lastVolume float64

	for _, r := range readings {
		if r.Timestamp.Before(bucketStart) || !r.Timestamp.Before(bucketEnd) {
			continue
		}
		if s.Count == 0 {
			s.MinFlow, s.MaxFlow = r.FlowRate, r.FlowRate
			s.MinPressure, s.MaxPressure = r.Pressure, r.Pressure
			firstVolume = r.VolumeTotal
		}
		if r.FlowRate < s.MinFlow {
			s.MinFlow = r.FlowRate
		}
		if r.FlowRate > s.MaxFlow {
			s.MaxFlow = r.FlowRate
		}
		if r.Pressure < s.MinPressure {
			s.MinPressure = r.Pressure
		}
		if r.Pressure > s.MaxPressure {
			s.MaxPressure = r.Pressure
		}
		sumFlow += r.FlowRate
		sumFlowSq += r.FlowRate * r.FlowRate
		sumPressure += r.Pressure
		sumPressureSq += r.Pressure * r.Pressure
		lastVolume = r.VolumeTotal
		s.Count++
	}

	if s.Count == 0 {
		return s
	}

	n := float64(s.Count)
	s.AvgFlow = sumFlow / n
	s.AvgPressure = sumPressure / n
	s.StddevFlow = populationStddev(sumFlow, sumFlowSq, n)
	s.StddevPressure = populationStddev(sumPressure, sumPressureSq, n)
	if lastVolume > firstVolume {
		s.TotalVolume = lastVolume - firstVolume
	}
	return s
}

func populationStddev(sum, sumSq, n float64) float64 {
	variance := sumSq/n - (sum/n)*(sum/n)
	if variance < 0 {
		// 浮点误差可能产生微小负数
		variance = 0
	}
	return math.Sqrt(variance)
}
