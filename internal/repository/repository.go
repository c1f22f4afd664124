package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// ErrNoActiveModel 指定类型当前没有 active 模型
var ErrNoActiveModel = errors.New("no active model for type")

// NodeRepository 监测点注册表
type NodeRepository interface {
	// ListActiveNodes 返回全部启用的监测点
	ListActiveNodes(ctx context.Context) ([]models.Node, error)
	// ListAllNodes 返回全部监测点（含停用，效率汇总统计用）
	ListAllNodes(ctx context.Context) ([]models.Node, error)
}

// BaselineStats 历史基线统计（一致性评分用）
type BaselineStats struct {
	AvgFlowRate    float64
	StddevFlowRate float64
	SampleCount    int
}

// MetricRepository 聚合指标存储
// 唯一键 (node_id, time_window, window_start)，并发 upsert 依赖行级冲突语义
type MetricRepository interface {
	UpsertComputedMetric(ctx context.Context, m *models.ComputedMetric) error
	GetMetric(ctx context.Context, nodeID string, window models.TimeWindow, windowStart time.Time) (*models.ComputedMetric, error)
	// GetMetricsRange 返回 [from, to) 内的聚合行，按 window_start 升序
	GetMetricsRange(ctx context.Context, nodeID string, window models.TimeWindow, from, to time.Time) ([]models.ComputedMetric, error)
	// LatestMetric 返回某监测点最新的一行聚合
	LatestMetric(ctx context.Context, nodeID string, window models.TimeWindow) (*models.ComputedMetric, error)
	// Baseline 返回 before 之前最近 limit 个同尺寸窗口的流量基线
	Baseline(ctx context.Context, nodeID string, window models.TimeWindow, before time.Time, limit int) (*BaselineStats, error)
	// IncrementAnomalyCount 异常扫描命中后累加窗口的异常计数
	IncrementAnomalyCount(ctx context.Context, nodeID string, window models.TimeWindow, windowStart time.Time) error
	// DeleteMetricsBefore 按保留策略删除旧聚合行，返回删除数
	DeleteMetricsBefore(ctx context.Context, window models.TimeWindow, cutoff time.Time) (int64, error)
}

// QualityRepository 数据质量指标存储
type QualityRepository interface {
	UpsertQualityMetric(ctx context.Context, q *models.DataQualityMetric) error
	// ListFlagged 返回 since 之后 overall_score 低于 floor 的窗口
	ListFlagged(ctx context.Context, since time.Time, floor float64, limit int) ([]models.DataQualityMetric, error)
}

// EfficiencyRepository 网络效率汇总存储（只追加）
type EfficiencyRepository interface {
	InsertRecord(ctx context.Context, r *models.NetworkEfficiencyRecord) error
	ListRecent(ctx context.Context, zoneID string, limit int) ([]models.NetworkEfficiencyRecord, error)
}

// ModelRepository 模型注册表
type ModelRepository interface {
	CreateModel(ctx context.Context, m *models.MLModelRecord) error
	GetModel(ctx context.Context, modelID string) (*models.MLModelRecord, error)
	GetActiveModel(ctx context.Context, modelType models.ModelType) (*models.MLModelRecord, error)
	// UpdateStatus 执行一次 FSM 迁移，非法迁移返回 models.ErrIllegalTransition
	UpdateStatus(ctx context.Context, modelID string, to models.ModelStatus) error
	// Promote 原子换活：同类型旧 active 降为 retired，候选升为 active
	// 并发调用后每个类型恰有一个 active 模型
	Promote(ctx context.Context, modelID string) error
	// SetEvaluation 写入评估指标与 degraded 标记（仅信息性，不改状态）
	SetEvaluation(ctx context.Context, modelID string, metrics map[string]float64, degraded bool) error
	ListModels(ctx context.Context) ([]models.MLModelRecord, error)
}

// PredictionPair 预测值与实际值的配对（模型评估用）
type PredictionPair struct {
	NodeID          string
	TargetTimestamp time.Time
	Predicted       float64
	Actual          float64
}

// PredictionRepository 预测缓存存储
// 唯一键 (model_id, node_id, target_timestamp)
type PredictionRepository interface {
	UpsertPrediction(ctx context.Context, p *models.PredictionCacheEntry) error
	// ListPredictions 返回某监测点 [from, to) 的预测，按目标时刻升序
	ListPredictions(ctx context.Context, nodeID string, from, to time.Time) ([]models.PredictionCacheEntry, error)
	// RealizedPairs 将预测与已实现的 1hour 聚合配对（滚动评估用）
	RealizedPairs(ctx context.Context, modelID string, since time.Time) ([]PredictionPair, error)
	// DeletePredictionsBefore 清理过期预测，返回删除数
	DeletePredictionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobRepository 任务审计存储
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	MarkRunning(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, processed, failed int) error
	MarkFailed(ctx context.Context, jobID string, processed, failed int, errDetail string) error
	// LatestJob 某类型最近一次运行（状态不限）
	LatestJob(ctx context.Context, jobType models.JobType) (*models.ProcessingJob, error)
	// LastSuccessful 某类型最近一次 completed 运行
	LastSuccessful(ctx context.Context, jobType models.JobType) (*models.ProcessingJob, error)
}
