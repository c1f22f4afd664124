package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/cache"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/config"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
)

// maxRecentAnomalies anomalies:recent 保留的最大条数
const maxRecentAnomalies = 100

// Manager 预测模型管理器
// 负责预测生成、模型升级、滚动评估和异常扫描；训练本身由外部服务完成
type Manager struct {
	cfg         *config.Config
	forecaster  Forecaster
	modelRepo   repository.ModelRepository
	predictions repository.PredictionRepository
	metrics     repository.MetricRepository
	nodes       repository.NodeRepository
	kv          cache.KVStore
	logger      *zap.Logger

	// promoteMu 进程内升级互斥；跨进程一致性由存储层事务保证
	promoteMu sync.Mutex
}

// NewManager 创建模型管理器
func NewManager(
	cfg *config.Config,
	forecaster Forecaster,
	modelRepo repository.ModelRepository,
	predictions repository.PredictionRepository,
	metrics repository.MetricRepository,
	nodes repository.NodeRepository,
	kv cache.KVStore,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:         cfg,
		forecaster:  forecaster,
		modelRepo:   modelRepo,
		predictions: predictions,
		metrics:     metrics,
		nodes:       nodes,
		kv:          kv,
		logger:      logger,
	}
}

// GeneratePredictions 用当前 active 流量模型生成预测
// nodeIDs 为空表示全部启用监测点；horizonHours <= 0 时取配置默认时域。
// 没有 active 模型时跳过（记日志，不算失败）；单点失败不影响其余监测点
func (m *Manager) GeneratePredictions(ctx context.Context, nodeIDs []string, horizonHours int) (processed, failed int, err error) {
	model, err := m.modelRepo.GetActiveModel(ctx, models.ModelFlowPrediction)
	if err != nil {
		if errors.Is(err, repository.ErrNoActiveModel) {
			m.logger.Warn("No active flow prediction model, skipping prediction generation")
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to resolve active model: %w", err)
	}

	if horizonHours <= 0 {
		horizonHours = m.cfg.Forecast.HorizonHours
	}
	if len(nodeIDs) == 0 {
		nodeList, err := m.nodes.ListActiveNodes(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to list active nodes: %w", err)
		}
		nodeIDs = make([]string, 0, len(nodeList))
		for _, node := range nodeList {
			nodeIDs = append(nodeIDs, node.NodeID)
		}
	}

	generatedAt := time.Now().UTC()
	for _, nodeID := range nodeIDs {
		if err := m.predictNode(ctx, model, nodeID, horizonHours, generatedAt); err != nil {
			failed++
			m.logger.Warn("Prediction generation failed for node",
				zap.String("node_id", nodeID),
				zap.String("model_id", model.ModelID),
				zap.Error(err),
			)
			continue
		}
		processed++
	}

	m.logger.Info("Prediction generation finished",
		zap.String("model_id", model.ModelID),
		zap.Int("horizon_hours", horizonHours),
		zap.Int("nodes_processed", processed),
		zap.Int("nodes_failed", failed),
	)
	return processed, failed, nil
}

// predictNode 为单个监测点拉取预测、落暖层并刷新 forecast 缓存 key
func (m *Manager) predictNode(ctx context.Context, model *models.MLModelRecord, nodeID string, horizonHours int, generatedAt time.Time) error {
	points, err := m.forecaster.Forecast(ctx, model.ModelID, nodeID, horizonHours)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	entries := make([]models.PredictionCacheEntry, 0, len(points))
	for _, p := range points {
		entry := models.PredictionCacheEntry{
			ModelID:         model.ModelID,
			NodeID:          nodeID,
			TargetTimestamp: p.Timestamp.UTC(),
			PredictedValue:  p.Value,
			LowerBound:      p.LowerBound,
			UpperBound:      p.UpperBound,
			Confidence:      p.Confidence,
			GeneratedAt:     generatedAt,
		}
		if err := m.predictions.UpsertPrediction(ctx, &entry); err != nil {
			return fmt.Errorf("upsert prediction for %s: %w", p.Timestamp.Format(time.RFC3339), err)
		}
		entries = append(entries, entry)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal forecast payload: %w", err)
	}
	if err := m.kv.Set(ctx, cache.KeyNodeForecast(nodeID), string(data), m.cfg.Processing.CacheTTL); err != nil {
		// 热层写失败不推翻已落库的预测
		m.logger.Warn("Failed to write forecast cache key",
			zap.String("node_id", nodeID), zap.Error(err))
	}
	return nil
}

// Promote 把候选模型升级为 active（同类型旧 active 自动退役）
func (m *Manager) Promote(ctx context.Context, modelID string) error {
	m.promoteMu.Lock()
	defer m.promoteMu.Unlock()

	if err := m.modelRepo.Promote(ctx, modelID); err != nil {
		return err
	}
	m.logger.Info("Model promoted to active", zap.String("model_id", modelID))
	return nil
}

// EvaluateModels 对全部 active 模型做 7 天滚动评估
// 评估只写指标和 degraded 标记，从不自动退役模型
func (m *Manager) EvaluateModels(ctx context.Context, asOf time.Time) error {
	allModels, err := m.modelRepo.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	since := asOf.Add(-7 * 24 * time.Hour)
	for _, model := range allModels {
		if model.Status != models.ModelStatusActive {
			continue
		}

		pairs, err := m.predictions.RealizedPairs(ctx, model.ModelID, since)
		if err != nil {
			m.logger.Warn("Failed to load realized prediction pairs",
				zap.String("model_id", model.ModelID), zap.Error(err))
			continue
		}
		if len(pairs) == 0 {
			m.logger.Debug("No realized pairs for evaluation",
				zap.String("model_id", model.ModelID))
			continue
		}

		mape, mae := evaluatePairs(pairs)
		degraded := mape > m.cfg.Processing.MAPEDegradedThreshold
		metrics := map[string]float64{
			"mape":         mape,
			"mae":          mae,
			"sample_count": float64(len(pairs)),
		}
		if err := m.modelRepo.SetEvaluation(ctx, model.ModelID, metrics, degraded); err != nil {
			m.logger.Warn("Failed to persist model evaluation",
				zap.String("model_id", model.ModelID), zap.Error(err))
			continue
		}

		if degraded {
			m.logger.Warn("Model performance degraded",
				zap.String("model_id", model.ModelID),
				zap.Float64("mape", mape),
				zap.Float64("threshold", m.cfg.Processing.MAPEDegradedThreshold),
			)
		}
	}
	return nil
}

// evaluatePairs 计算 MAPE 与 MAE；实际值为 0 的配对不计入 MAPE
func evaluatePairs(pairs []repository.PredictionPair) (mape, mae float64) {
	var absErrSum, pctErrSum float64
	pctSamples := 0
	for _, p := range pairs {
		absErr := math.Abs(p.Predicted - p.Actual)
		absErrSum += absErr
		if p.Actual != 0 {
			pctErrSum += absErr / math.Abs(p.Actual)
			pctSamples++
		}
	}
	mae = absErrSum / float64(len(pairs))
	if pctSamples > 0 {
		mape = pctErrSum / float64(pctSamples)
	}
	return mape, mae
}

// ScanAnomalies 用 active 异常检测模型扫描近一小时的 5 分钟聚合
// 命中阈值的窗口累加 anomaly_count 并进入 anomalies:recent 缓存
func (m *Manager) ScanAnomalies(ctx context.Context, asOf time.Time) (int, error) {
	model, err := m.modelRepo.GetActiveModel(ctx, models.ModelAnomalyDetection)
	if err != nil {
		if errors.Is(err, repository.ErrNoActiveModel) {
			m.logger.Warn("No active anomaly detection model, skipping scan")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to resolve active model: %w", err)
	}

	nodeList, err := m.nodes.ListActiveNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active nodes: %w", err)
	}

	from := asOf.Add(-time.Hour).UTC()
	detectedAt := time.Now().UTC()
	var flags []models.AnomalyFlag

	for _, node := range nodeList {
		rows, err := m.metrics.GetMetricsRange(ctx, node.NodeID, models.Window5Min, from, asOf.UTC())
		if err != nil {
			m.logger.Warn("Failed to read recent metrics for anomaly scan",
				zap.String("node_id", node.NodeID), zap.Error(err))
			continue
		}

		observations := make([]Observation, 0, len(rows))
		for _, row := range rows {
			if row.CountReadings == 0 {
				continue
			}
			observations = append(observations, Observation{
				Timestamp: row.WindowStart,
				Metric:    models.MetricFlowRate.String(),
				Value:     row.AvgFlowRate,
			})
		}

		scores, err := m.forecaster.ScoreAnomalies(ctx, model.ModelID, node.NodeID, observations)
		if err != nil {
			m.logger.Warn("Anomaly scoring failed for node",
				zap.String("node_id", node.NodeID), zap.Error(err))
			continue
		}

		for _, score := range scores {
			if score.Score < m.cfg.Processing.AnomalyScoreThreshold {
				continue
			}
			windowStart := models.Window5Min.Truncate(score.Timestamp)
			if err := m.metrics.IncrementAnomalyCount(ctx, node.NodeID, models.Window5Min, windowStart); err != nil {
				m.logger.Warn("Failed to increment anomaly count",
					zap.String("node_id", node.NodeID),
					zap.Time("window_start", windowStart),
					zap.Error(err))
			}
			observed := 0.0
			for _, o := range observations {
				if o.Timestamp.Equal(score.Timestamp) {
					observed = o.Value
					break
				}
			}
			flags = append(flags, models.AnomalyFlag{
				NodeID:     node.NodeID,
				Timestamp:  score.Timestamp,
				Metric:     score.Metric,
				Score:      score.Score,
				Observed:   observed,
				Expected:   score.Expected,
				DetectedAt: detectedAt,
			})
		}
	}

	if len(flags) > 0 {
		m.appendRecentAnomalies(ctx, flags)
	}
	m.logger.Info("Anomaly scan finished",
		zap.String("model_id", model.ModelID),
		zap.Int("nodes_scanned", len(nodeList)),
		zap.Int("anomalies_flagged", len(flags)),
	)
	return len(flags), nil
}

// appendRecentAnomalies 新异常插到 anomalies:recent 头部，超出上限截断
func (m *Manager) appendRecentAnomalies(ctx context.Context, flags []models.AnomalyFlag) {
	var existing []models.AnomalyFlag
	raw, err := m.kv.Get(ctx, cache.KeyAnomaliesRecent)
	if err != nil && err != cache.ErrCacheMiss {
		m.logger.Warn("Failed to read recent anomalies key", zap.Error(err))
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			// 载荷损坏时直接重建
			existing = nil
		}
	}

	merged := append(flags, existing...)
	if len(merged) > maxRecentAnomalies {
		merged = merged[:maxRecentAnomalies]
	}

	data, err := json.Marshal(merged)
	if err != nil {
		m.logger.Error("Failed to marshal recent anomalies", zap.Error(err))
		return
	}
	if err := m.kv.Set(ctx, cache.KeyAnomaliesRecent, string(data), m.cfg.Processing.CacheTTL); err != nil {
		m.logger.Warn("Failed to write recent anomalies key", zap.Error(err))
	}
}
