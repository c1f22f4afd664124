package models

import "time"

// ComputedMetric 单个监测点在一个时间窗口上的聚合结果
// 唯一键: (node_id, time_window, window_start)，重算时整行覆盖
type ComputedMetric struct {
	NodeID          string     `json:"node_id"`
	TimeWindow      TimeWindow `json:"time_window"`
	WindowStart     time.Time  `json:"window_start"`
	WindowEnd       time.Time  `json:"window_end"`
	AvgFlowRate     float64    `json:"avg_flow_rate"`
	MinFlowRate     float64    `json:"min_flow_rate"`
	MaxFlowRate     float64    `json:"max_flow_rate"`
	StddevFlowRate  float64    `json:"stddev_flow_rate"`
	AvgPressure     float64    `json:"avg_pressure"`
	MinPressure     float64    `json:"min_pressure"`
	MaxPressure     float64    `json:"max_pressure"`
	StddevPressure  float64    `json:"stddev_pressure"`
	TotalVolume     float64    `json:"total_volume"`
	CountReadings   int        `json:"count_readings"`
	AnomalyCount    int        `json:"anomaly_count"`
	CompletenessPct float64    `json:"completeness_pct"`
	QualityScore    float64    `json:"quality_score"`
	GapFilled       bool       `json:"gap_filled"`
	ComputedAt      time.Time  `json:"computed_at"`
}

// NetworkEfficiencyRecord 分区（zone）级别的网络效率汇总，按窗口追加、从不覆盖
type NetworkEfficiencyRecord struct {
	ID            string    `json:"id"`
	ZoneID        string    `json:"zone_id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	InputVolume   float64   `json:"input_volume"`
	OutputVolume  float64   `json:"output_volume"`
	LossVolume    float64   `json:"loss_volume"`
	EfficiencyPct float64   `json:"efficiency_pct"`
	ActiveNodes   int       `json:"active_nodes"`
	TotalNodes    int       `json:"total_nodes"`
	AnomalyCount  int       `json:"anomaly_count"`
	ComputedAt    time.Time `json:"computed_at"`
}
