package models

import "time"

// QualityIssue 数据质量问题明细
type QualityIssue struct {
	Kind        string `json:"kind"` // missing_readings / out_of_range / baseline_deviation / gap_filled
	Description string `json:"description"`
	Count       int    `json:"count"`
}

// DataQualityMetric 单个监测点在一个窗口上的数据质量评估
// 每个聚合周期对每个监测点写一次
type DataQualityMetric struct {
	NodeID            string         `json:"node_id"`
	TimeWindow        TimeWindow     `json:"time_window"`
	WindowStart       time.Time      `json:"window_start"`
	CompletenessScore float64        `json:"completeness_score"`
	ValidityScore     float64        `json:"validity_score"`
	ConsistencyScore  float64        `json:"consistency_score"`
	OverallScore      float64        `json:"overall_score"`
	Issues            []QualityIssue `json:"issues,omitempty"`
	ComputedAt        time.Time      `json:"computed_at"`
}
