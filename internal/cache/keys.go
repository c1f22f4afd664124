package cache

import "fmt"

// 热层缓存 key 约定（API/Dashboard 层按同样的模式读取）:
//
//	node:{id}:latest          最新读数快照
//	node:{id}:metrics:{range} 监测点滚动窗口汇总
//	node:{id}:forecast        监测点最新预测
//	system:metrics:{range}    全网滚动窗口汇总
//	anomalies:recent          近期异常列表
//	nodes:all                 监测点清单

func KeyNodeLatest(nodeID string) string {
	return fmt.Sprintf("node:%s:latest", nodeID)
}

func KeyNodeMetrics(nodeID, rng string) string {
	return fmt.Sprintf("node:%s:metrics:%s", nodeID, rng)
}

func KeyNodeForecast(nodeID string) string {
	return fmt.Sprintf("node:%s:forecast", nodeID)
}

func KeySystemMetrics(rng string) string {
	return fmt.Sprintf("system:metrics:%s", rng)
}

const (
	KeyAnomaliesRecent = "anomalies:recent"
	KeyNodesAll        = "nodes:all"
)
