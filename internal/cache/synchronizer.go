package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
)

// RangeSpec 标准滚动窗口：范围名、跨度、用哪种聚合粒度回填
type RangeSpec struct {
	Name   string
	Span   time.Duration
	Window models.TimeWindow
}

// StandardRanges API 层依赖的固定滚动窗口集合
var StandardRanges = []RangeSpec{
	{Name: "1h", Span: time.Hour, Window: models.Window5Min},
	{Name: "6h", Span: 6 * time.Hour, Window: models.Window5Min},
	{Name: "24h", Span: 24 * time.Hour, Window: models.Window1Hour},
	{Name: "3d", Span: 72 * time.Hour, Window: models.Window1Hour},
	{Name: "7d", Span: 7 * 24 * time.Hour, Window: models.Window1Day},
	{Name: "30d", Span: 30 * 24 * time.Hour, Window: models.Window1Day},
}

// LatestSnapshot node:{id}:latest 的载荷
type LatestSnapshot struct {
	NodeID       string    `json:"node_id"`
	Timestamp    time.Time `json:"timestamp"`
	FlowRate     float64   `json:"flow_rate"`
	Pressure     float64   `json:"pressure"`
	QualityScore float64   `json:"quality_score"`
}

// RangeRollup node:{id}:metrics:{range} 与 system:metrics:{range} 的载荷
// 载荷内容只由底层聚合数据决定（不掺入写入时刻），
// 保证全量与增量刷新对相同数据产生逐字节相同的 key 内容
type RangeRollup struct {
	NodeID        string    `json:"node_id,omitempty"`
	Range         string    `json:"range"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	AvgFlowRate   float64   `json:"avg_flow_rate"`
	MinFlowRate   float64   `json:"min_flow_rate"`
	MaxFlowRate   float64   `json:"max_flow_rate"`
	AvgPressure   float64   `json:"avg_pressure"`
	TotalVolume   float64   `json:"total_volume"`
	CountReadings int       `json:"count_readings"`
	AnomalyCount  int       `json:"anomaly_count"`
	WindowCount   int       `json:"window_count"`
}

// NodeListEntry nodes:all 的载荷元素
type NodeListEntry struct {
	NodeID   string `json:"node_id"`
	Name     string `json:"name"`
	ZoneID   string `json:"zone_id"`
	NodeType string `json:"node_type"`
}

// SyncStats 一次刷新周期的写入统计
// 缓存写失败只计数不上抛：热层不可用时 API 层自行回退到暖层
type SyncStats struct {
	KeysWritten int
	KeysFailed  int
}

// Synchronizer 热层缓存同步器
// 只读暖层、只写热层；从不修改暖层任何行
type Synchronizer struct {
	kv          KVStore
	metrics     repository.MetricRepository
	nodes       repository.NodeRepository
	predictions repository.PredictionRepository
	ttl         time.Duration
	logger      *zap.Logger
}

// NewSynchronizer 创建缓存同步器
func NewSynchronizer(
	kv KVStore,
	metrics repository.MetricRepository,
	nodes repository.NodeRepository,
	predictions repository.PredictionRepository,
	ttl time.Duration,
	logger *zap.Logger,
) *Synchronizer {
	return &Synchronizer{
		kv:          kv,
		metrics:     metrics,
		nodes:       nodes,
		predictions: predictions,
		ttl:         ttl,
		logger:      logger,
	}
}

// RefreshNodes 增量刷新：只触碰给定监测点的 key
// （5 分钟/30 分钟周期后调用，监测点清单来自聚合任务的输出）
func (s *Synchronizer) RefreshNodes(ctx context.Context, nodeIDs []string, asOf time.Time) SyncStats {
	var stats SyncStats
	for _, nodeID := range nodeIDs {
		s.refreshNode(ctx, nodeID, asOf, &stats)
	}
	s.logger.Info("Incremental cache refresh finished",
		zap.Int("nodes", len(nodeIDs)),
		zap.Int("keys_written", stats.KeysWritten),
		zap.Int("keys_failed", stats.KeysFailed),
	)
	return stats
}

// RefreshAll 全量重建：触碰每个监测点的每个 key 外加系统级 key
// （每日全量同步后调用）
func (s *Synchronizer) RefreshAll(ctx context.Context, asOf time.Time) (SyncStats, error) {
	var stats SyncStats

	nodes, err := s.nodes.ListActiveNodes(ctx)
	if err != nil {
		// 暖层读不到属于系统性故障，由任务层标记失败
		return stats, err
	}

	entries := make([]NodeListEntry, 0, len(nodes))
	nodeIDs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, NodeListEntry{
			NodeID:   n.NodeID,
			Name:     n.Name,
			ZoneID:   n.ZoneID,
			NodeType: n.NodeType.String(),
		})
		nodeIDs = append(nodeIDs, n.NodeID)
	}
	s.writeJSON(ctx, KeyNodesAll, entries, &stats)

	for _, nodeID := range nodeIDs {
		s.refreshNode(ctx, nodeID, asOf, &stats)
	}

	for _, spec := range StandardRanges {
		rollup := s.buildSystemRollup(ctx, nodeIDs, spec, asOf)
		s.writeJSON(ctx, KeySystemMetrics(spec.Name), rollup, &stats)
	}

	s.logger.Info("Full cache rebuild finished",
		zap.Int("nodes", len(nodeIDs)),
		zap.Int("keys_written", stats.KeysWritten),
		zap.Int("keys_failed", stats.KeysFailed),
	)
	return stats, nil
}

// refreshNode 写入单个监测点的全部 key：latest + 各滚动窗口 + forecast
// 全量与增量共用此路径，两条路径对相同数据产生相同内容
func (s *Synchronizer) refreshNode(ctx context.Context, nodeID string, asOf time.Time, stats *SyncStats) {
	latest, err := s.metrics.LatestMetric(ctx, nodeID, models.Window5Min)
	if err != nil && err != repository.ErrNotFound {
		s.logger.Warn("Failed to read latest metric from warm store",
			zap.String("node_id", nodeID), zap.Error(err))
	}
	if latest != nil {
		s.writeJSON(ctx, KeyNodeLatest(nodeID), LatestSnapshot{
			NodeID:       nodeID,
			Timestamp:    latest.WindowEnd,
			FlowRate:     latest.AvgFlowRate,
			Pressure:     latest.AvgPressure,
			QualityScore: latest.QualityScore,
		}, stats)
	}

	for _, spec := range StandardRanges {
		rollup, err := s.buildNodeRollup(ctx, nodeID, spec, asOf)
		if err != nil {
			s.logger.Warn("Failed to build range rollup",
				zap.String("node_id", nodeID),
				zap.String("range", spec.Name),
				zap.Error(err))
			continue
		}
		s.writeJSON(ctx, KeyNodeMetrics(nodeID, spec.Name), rollup, stats)
	}

	predictions, err := s.predictions.ListPredictions(ctx, nodeID, asOf, asOf.Add(24*time.Hour))
	if err != nil {
		s.logger.Warn("Failed to read predictions from warm store",
			zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	if len(predictions) > 0 {
		s.writeJSON(ctx, KeyNodeForecast(nodeID), predictions, stats)
	}
}

// buildNodeRollup 从暖层聚合行回填一个滚动窗口
func (s *Synchronizer) buildNodeRollup(ctx context.Context, nodeID string, spec RangeSpec, asOf time.Time) (*RangeRollup, error) {
	from := asOf.Add(-spec.Span).UTC()
	rows, err := s.metrics.GetMetricsRange(ctx, nodeID, spec.Window, from, asOf.UTC())
	if err != nil {
		return nil, err
	}

	rollup := &RangeRollup{
		NodeID: nodeID,
		Range:  spec.Name,
		From:   from,
		To:     asOf.UTC(),
	}
	accumulate(rollup, rows)
	return rollup, nil
}

// buildSystemRollup 全网汇总（各监测点同窗口聚合行合并）
func (s *Synchronizer) buildSystemRollup(ctx context.Context, nodeIDs []string, spec RangeSpec, asOf time.Time) *RangeRollup {
	from := asOf.Add(-spec.Span).UTC()
	rollup := &RangeRollup{
		Range: spec.Name,
		From:  from,
		To:    asOf.UTC(),
	}
	for _, nodeID := range nodeIDs {
		rows, err := s.metrics.GetMetricsRange(ctx, nodeID, spec.Window, from, asOf.UTC())
		if err != nil {
			s.logger.Warn("Failed to read metrics for system rollup",
				zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		accumulate(rollup, rows)
	}
	return rollup
}

// accumulate 把聚合行并入 rollup；均值按读数条数加权
func accumulate(rollup *RangeRollup, rows []models.ComputedMetric) {
	prevCount := rollup.CountReadings
	var weightedFlow, weightedPressure float64
	if prevCount > 0 {
		weightedFlow = rollup.AvgFlowRate * float64(prevCount)
		weightedPressure = rollup.AvgPressure * float64(prevCount)
	}

	for _, m := range rows {
		rollup.WindowCount++
		rollup.TotalVolume += m.TotalVolume
		rollup.AnomalyCount += m.AnomalyCount
		if m.CountReadings == 0 {
			continue
		}
		if rollup.CountReadings == 0 || m.MinFlowRate < rollup.MinFlowRate {
			rollup.MinFlowRate = m.MinFlowRate
		}
		if rollup.CountReadings == 0 || m.MaxFlowRate > rollup.MaxFlowRate {
			rollup.MaxFlowRate = m.MaxFlowRate
		}
		weightedFlow += m.AvgFlowRate * float64(m.CountReadings)
		weightedPressure += m.AvgPressure * float64(m.CountReadings)
		rollup.CountReadings += m.CountReadings
	}

	if rollup.CountReadings > 0 {
		rollup.AvgFlowRate = weightedFlow / float64(rollup.CountReadings)
		rollup.AvgPressure = weightedPressure / float64(rollup.CountReadings)
	}
}

// writeJSON 序列化并写入一个 key；失败只记日志和计数，从不中断刷新周期
func (s *Synchronizer) writeJSON(ctx context.Context, key string, v interface{}, stats *SyncStats) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal cache payload", zap.String("key", key), zap.Error(err))
		stats.KeysFailed++
		return
	}
	if err := s.kv.Set(ctx, key, string(data), s.ttl); err != nil {
		s.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		stats.KeysFailed++
		return
	}
	stats.KeysWritten++
}
