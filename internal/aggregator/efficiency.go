package aggregator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
)

// EfficiencyCalculator 分区网络效率汇总
// 供给侧（水库/泵站）体积对比消费侧（水表/传感器）体积，差值视为管网损耗。
// 结果按窗口追加写入，历史行从不修改
type EfficiencyCalculator struct {
	nodes      repository.NodeRepository
	metrics    repository.MetricRepository
	efficiency repository.EfficiencyRepository
	logger     *zap.Logger
}

// NewEfficiencyCalculator 创建效率汇总器
func NewEfficiencyCalculator(
	nodes repository.NodeRepository,
	metrics repository.MetricRepository,
	efficiency repository.EfficiencyRepository,
	logger *zap.Logger,
) *EfficiencyCalculator {
	return &EfficiencyCalculator{
		nodes:      nodes,
		metrics:    metrics,
		efficiency: efficiency,
		logger:     logger,
	}
}

// zoneAccumulator 单分区窗口内的体积累计
type zoneAccumulator struct {
	input        float64
	output       float64
	activeNodes  int
	totalNodes   int
	anomalyCount int
}

// ComputeWindow 汇总一个已完成的 5 分钟窗口，每个分区追加一行效率记录
// 返回写入的分区数
func (c *EfficiencyCalculator) ComputeWindow(ctx context.Context, windowStart time.Time) (int, error) {
	windowStart = models.Window5Min.Truncate(windowStart)
	windowEnd := models.Window5Min.Next(windowStart)

	allNodes, err := c.nodes.ListAllNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list nodes: %w", err)
	}

	zones := make(map[string]*zoneAccumulator)
	for _, node := range allNodes {
		acc := zones[node.ZoneID]
		if acc == nil {
			acc = &zoneAccumulator{}
			zones[node.ZoneID] = acc
		}
		acc.totalNodes++
		if !node.IsActive {
			continue
		}

		metric, err := c.metrics.GetMetric(ctx, node.NodeID, models.Window5Min, windowStart)
		if err != nil {
			if err == repository.ErrNotFound {
				continue
			}
			return 0, fmt.Errorf("failed to read metric for node %s: %w", node.NodeID, err)
		}
		if metric.CountReadings == 0 {
			continue
		}

		acc.activeNodes++
		acc.anomalyCount += metric.AnomalyCount
		switch node.NodeType {
		case models.NodeReservoir, models.NodePumpStation:
			acc.input += metric.TotalVolume
		case models.NodeMeter, models.NodeSensor:
			acc.output += metric.TotalVolume
		}
	}

	computedAt := time.Now().UTC()
	written := 0
	for zoneID, acc := range zones {
		if acc.activeNodes == 0 {
			continue
		}
		record := &models.NetworkEfficiencyRecord{
			ZoneID:       zoneID,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
			InputVolume:  acc.input,
			OutputVolume: acc.output,
			ActiveNodes:  acc.activeNodes,
			TotalNodes:   acc.totalNodes,
			AnomalyCount: acc.anomalyCount,
			ComputedAt:   computedAt,
		}
		if acc.input > 0 {
			record.LossVolume = acc.input - acc.output
			if record.LossVolume < 0 {
				// 计量误差下消费侧可能略大于供给侧，损耗不记负数
				record.LossVolume = 0
			}
			record.EfficiencyPct = acc.output / acc.input * 100
			if record.EfficiencyPct > 100 {
				record.EfficiencyPct = 100
			}
		}

		if err := c.efficiency.InsertRecord(ctx, record); err != nil {
			return written, fmt.Errorf("failed to insert efficiency record for zone %s: %w", zoneID, err)
		}
		written++
	}

	c.logger.Info("Efficiency rollup finished",
		zap.Time("window_start", windowStart),
		zap.Int("zones_written", written),
	)
	return written, nil
}
