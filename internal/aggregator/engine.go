package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/coldstore"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/config"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
)

// nodeOutcome 单监测点处理结果
// 任务函数永远返回 nil error：单点失败记录在 Err 字段里，
// 不让 pond 组取消其余监测点的处理
type nodeOutcome struct {
	NodeID  string
	Windows int
	HadData bool
	Err     error
}

// Engine 聚合引擎
// 从冷层取原始读数，按窗口重算 ComputedMetric / DataQualityMetric 并覆盖写入暖层。
// 每个监测点每次运行只取一次快照，保证单点内各窗口的单调读一致性。
type Engine struct {
	cfg     *config.Config
	source  coldstore.ReadingSource
	metrics repository.MetricRepository
	quality repository.QualityRepository
	nodes   repository.NodeRepository
	scorer  *qualityScorer
	pool    pond.ResultPool[nodeOutcome]
	logger  *zap.Logger
}

// NewEngine 创建聚合引擎
func NewEngine(
	cfg *config.Config,
	source coldstore.ReadingSource,
	metrics repository.MetricRepository,
	quality repository.QualityRepository,
	nodes repository.NodeRepository,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:     cfg,
		source:  source,
		metrics: metrics,
		quality: quality,
		nodes:   nodes,
		scorer:  &qualityScorer{cfg: cfg},
		pool:    pond.NewResultPool[nodeOutcome](cfg.Processing.WorkerPoolSize),
		logger:  logger,
	}
}

// ProcessNewData 重算 [start, end) 影响到的全部窗口尺寸
func (e *Engine) ProcessNewData(ctx context.Context, start, end time.Time) (*models.ProcessingResult, error) {
	return e.ProcessWindows(ctx, start, end, models.AllTimeWindows())
}

// ProcessWindows 重算指定窗口尺寸（近实时周期只重算 5min/1hour，避免每 5 分钟拉整月快照）
//
// 固定快照下幂等：同一范围、同一底层数据重复运行产出逐位相同的聚合行。
// 单点失败只计数不终止批次；监测点清单拉取失败属系统性故障，整个任务失败。
func (e *Engine) ProcessWindows(ctx context.Context, start, end time.Time, windows []models.TimeWindow) (*models.ProcessingResult, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("invalid range: end %s not after start %s", end, start)
	}

	nodes, err := e.nodes.ListActiveNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active nodes: %w", err)
	}

	group := e.pool.NewGroupContext(ctx)
	for _, node := range nodes {
		node := node
		group.SubmitErr(func() (nodeOutcome, error) {
			return e.processNode(ctx, node, start, end, windows), nil
		})
	}

	outcomes, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("aggregation batch aborted: %w", err)
	}

	result := &models.ProcessingResult{}
	for _, o := range outcomes {
		if o.Err != nil {
			result.NodesFailed++
			result.FailedNodes = append(result.FailedNodes, o.NodeID)
			e.logger.Warn("Node aggregation failed",
				zap.String("node_id", o.NodeID),
				zap.Error(o.Err),
			)
			continue
		}
		result.NodesProcessed++
		result.WindowsComputed += o.Windows
		if o.HadData {
			result.NodesWithData = append(result.NodesWithData, o.NodeID)
		}
	}

	e.logger.Info("Aggregation run finished",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("nodes_processed", result.NodesProcessed),
		zap.Int("nodes_failed", result.NodesFailed),
		zap.Int("windows_computed", result.WindowsComputed),
	)
	return result, nil
}

// processNode 处理单个监测点：一次快照，逐窗口重算
func (e *Engine) processNode(ctx context.Context, node models.Node, start, end time.Time, windows []models.TimeWindow) nodeOutcome {
	outcome := nodeOutcome{NodeID: node.NodeID}

	fetchStart, fetchEnd := snapshotRange(start, end, windows)
	readings, err := e.source.ReadingsBetween(ctx, node.NodeID, fetchStart, fetchEnd)
	if err != nil {
		outcome.Err = fmt.Errorf("cold-tier fetch: %w", err)
		return outcome
	}

	now := time.Now().UTC()
	for _, window := range windows {
		for _, bucketStart := range BucketsOverlapping(window, start, end) {
			bucketEnd := window.Next(bucketStart)
			if err := e.processBucket(ctx, node, window, bucketStart, bucketEnd, readings, now); err != nil {
				if outcome.Err == nil {
					outcome.Err = err
				}
				continue
			}
			outcome.Windows++
		}
	}

	for _, r := range readings {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			outcome.HadData = true
			break
		}
	}
	return outcome
}

// processBucket 重算一个 (窗口尺寸, 窗口起点) 桶并写入聚合与质量两张表
func (e *Engine) processBucket(
	ctx context.Context,
	node models.Node,
	window models.TimeWindow,
	bucketStart, bucketEnd time.Time,
	snapshot []models.SensorReading,
	computedAt time.Time,
) error {
	stats := computeStats(snapshot, bucketStart, bucketEnd)
	gapFilled := stats.Count == 0

	baseline, err := e.metrics.Baseline(ctx, node.NodeID, window, bucketStart, 12)
	if err != nil {
		// 基线只影响一致性评分，取不到时按无基线处理
		e.logger.Debug("Baseline unavailable",
			zap.String("node_id", node.NodeID),
			zap.String("window", window.String()),
			zap.Error(err))
		baseline = nil
	}

	bucketReadings := readingsIn(snapshot, bucketStart, bucketEnd)
	qm, issues := e.scorer.score(scoreInput{
		Readings:  bucketReadings,
		Expected:  window.ExpectedReadings(bucketStart, node.ReportingInterval),
		Baseline:  baseline,
		GapFilled: gapFilled,
	})
	qm.NodeID = node.NodeID
	qm.TimeWindow = window
	qm.WindowStart = bucketStart
	qm.Issues = issues
	qm.ComputedAt = computedAt

	if qm.OverallScore < e.cfg.Processing.Quality.Floor {
		// 低分窗口进入质量问题处理：标记并记录，绝不丢弃
		e.logger.Warn("Window quality below floor",
			zap.String("node_id", node.NodeID),
			zap.String("window", window.String()),
			zap.Time("window_start", bucketStart),
			zap.Float64("score", qm.OverallScore),
		)
	}

	metric := &models.ComputedMetric{
		NodeID:          node.NodeID,
		TimeWindow:      window,
		WindowStart:     bucketStart,
		WindowEnd:       bucketEnd,
		AvgFlowRate:     stats.AvgFlow,
		MinFlowRate:     stats.MinFlow,
		MaxFlowRate:     stats.MaxFlow,
		StddevFlowRate:  stats.StddevFlow,
		AvgPressure:     stats.AvgPressure,
		MinPressure:     stats.MinPressure,
		MaxPressure:     stats.MaxPressure,
		StddevPressure:  stats.StddevPressure,
		TotalVolume:     stats.TotalVolume,
		CountReadings:   stats.Count,
		AnomalyCount:    issueCount(issues, "out_of_range"),
		CompletenessPct: qm.CompletenessScore * 100,
		QualityScore:    qm.OverallScore,
		GapFilled:       gapFilled,
		ComputedAt:      computedAt,
	}

	if err := e.metrics.UpsertComputedMetric(ctx, metric); err != nil {
		return fmt.Errorf("upsert metric %s/%s: %w", window, bucketStart.Format(time.RFC3339), err)
	}
	if err := e.quality.UpsertQualityMetric(ctx, qm); err != nil {
		return fmt.Errorf("upsert quality %s/%s: %w", window, bucketStart.Format(time.RFC3339), err)
	}
	return nil
}

// snapshotRange 选定窗口集合下需要拉取的快照范围（覆盖全部相交桶）
func snapshotRange(start, end time.Time, windows []models.TimeWindow) (time.Time, time.Time) {
	fetchStart, fetchEnd := start.UTC(), end.UTC()
	for _, w := range windows {
		buckets := BucketsOverlapping(w, start, end)
		if len(buckets) == 0 {
			continue
		}
		if first := buckets[0]; first.Before(fetchStart) {
			fetchStart = first
		}
		if last := w.Next(buckets[len(buckets)-1]); last.After(fetchEnd) {
			fetchEnd = last
		}
	}
	return fetchStart, fetchEnd
}

func readingsIn(readings []models.SensorReading, start, end time.Time) []models.SensorReading {
	var out []models.SensorReading
	for _, r := range readings {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out
}

func issueCount(issues []models.QualityIssue, kind string) int {
	for _, issue := range issues {
		if issue.Kind == kind {
			return issue.Count
		}
	}
	return 0
}
