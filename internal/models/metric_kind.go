package models

import "fmt"

// MetricKind 测量量的封闭枚举（替代历史实现中的 metric_type 字符串分发）
type MetricKind int

const (
	MetricFlowRate MetricKind = iota
	MetricPressure
	MetricReservoirLevel
	MetricTemperature
)

// String 返回存储层使用的稳定名称
func (k MetricKind) String() string {
	switch k {
	case MetricFlowRate:
		return "flow_rate"
	case MetricPressure:
		return "pressure"
	case MetricReservoirLevel:
		return "reservoir_level"
	case MetricTemperature:
		return "temperature"
	default:
		return fmt.Sprintf("MetricKind(%d)", int(k))
	}
}

// ParseMetricKind 解析存储层名称
func ParseMetricKind(s string) (MetricKind, error) {
	switch s {
	case "flow_rate":
		return MetricFlowRate, nil
	case "pressure":
		return MetricPressure, nil
	case "reservoir_level":
		return MetricReservoirLevel, nil
	case "temperature":
		return MetricTemperature, nil
	default:
		return 0, fmt.Errorf("unknown metric kind: %q", s)
	}
}

// AllMetricKinds 全部测量量（用于逐项校验）
func AllMetricKinds() []MetricKind {
	return []MetricKind{MetricFlowRate, MetricPressure, MetricReservoirLevel, MetricTemperature}
}

// NodeType 监测点类型的封闭枚举
type NodeType int

const (
	NodeSensor NodeType = iota
	NodeMeter
	NodeReservoir
	NodePumpStation
)

func (t NodeType) String() string {
	switch t {
	case NodeSensor:
		return "sensor"
	case NodeMeter:
		return "meter"
	case NodeReservoir:
		return "reservoir"
	case NodePumpStation:
		return "pump_station"
	default:
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
}

// ParseNodeType 解析存储层名称
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "sensor":
		return NodeSensor, nil
	case "meter":
		return NodeMeter, nil
	case "reservoir":
		return NodeReservoir, nil
	case "pump_station":
		return NodePumpStation, nil
	default:
		return 0, fmt.Errorf("unknown node type: %q", s)
	}
}
