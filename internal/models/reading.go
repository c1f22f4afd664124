package models

import "time"

// SensorReading 原始传感器读数（冷层数据，只读不可变）
type SensorReading struct {
	NodeID       string    `json:"node_id"`
	Timestamp    time.Time `json:"timestamp"`
	FlowRate     float64   `json:"flow_rate"`    // L/s
	Pressure     float64   `json:"pressure"`     // bar
	Temperature  float64   `json:"temperature"`  // °C
	VolumeTotal  float64   `json:"volume_total"` // 累计体积 m³
	QualityScore float64   `json:"quality_score"`
}

// Node 监测点注册信息（暖层 nodes 表）
type Node struct {
	NodeID            string        `json:"node_id"`
	Name              string        `json:"name"`
	ZoneID            string        `json:"zone_id"`
	NodeType          NodeType      `json:"node_type"`
	IsActive          bool          `json:"is_active"`
	ReportingInterval time.Duration `json:"reporting_interval"`
	CreatedAt         time.Time     `json:"created_at"`
}
