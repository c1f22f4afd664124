package models

import "time"

// PredictionCacheEntry 单个监测点在某个目标时刻的一条预测
// 唯一键: (model_id, node_id, target_timestamp)，重复生成时整行覆盖
type PredictionCacheEntry struct {
	ModelID         string    `json:"model_id"`
	NodeID          string    `json:"node_id"`
	TargetTimestamp time.Time `json:"target_timestamp"`
	PredictedValue  float64   `json:"predicted_value"`
	LowerBound      float64   `json:"lower_bound"`
	UpperBound      float64   `json:"upper_bound"`
	Confidence      float64   `json:"confidence"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// AnomalyFlag 异常扫描结果（写入热层缓存 anomalies:recent）
type AnomalyFlag struct {
	NodeID     string    `json:"node_id"`
	Timestamp  time.Time `json:"timestamp"`
	Metric     string    `json:"metric"`
	Score      float64   `json:"score"`
	Observed   float64   `json:"observed"`
	Expected   float64   `json:"expected"`
	DetectedAt time.Time `json:"detected_at"`
}
