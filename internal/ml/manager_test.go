package ml

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/cache"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/config"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
)

// fakeForecaster 按监测点返回预设结果，可按点注入失败
type fakeForecaster struct {
	mu       sync.Mutex
	points   map[string][]ForecastPoint
	scores   map[string][]AnomalyScore
	failing  map[string]error
	horizons map[string]int
}

var _ Forecaster = (*fakeForecaster)(nil)

func (f *fakeForecaster) Forecast(_ context.Context, _, nodeID string, horizonHours int) ([]ForecastPoint, error) {
	f.mu.Lock()
	if f.horizons == nil {
		f.horizons = make(map[string]int)
	}
	f.horizons[nodeID] = horizonHours
	f.mu.Unlock()
	if err, ok := f.failing[nodeID]; ok {
		return nil, err
	}
	return f.points[nodeID], nil
}

func (f *fakeForecaster) ScoreAnomalies(_ context.Context, _, nodeID string, _ []Observation) ([]AnomalyScore, error) {
	if err, ok := f.failing[nodeID]; ok {
		return nil, err
	}
	return f.scores[nodeID], nil
}

type fakeModelRepo struct {
	mu          sync.Mutex
	models      map[string]*models.MLModelRecord
	evaluations map[string]map[string]float64
	degraded    map[string]bool
}

var _ repository.ModelRepository = (*fakeModelRepo)(nil)

func newFakeModelRepo(records ...*models.MLModelRecord) *fakeModelRepo {
	repo := &fakeModelRepo{
		models:      make(map[string]*models.MLModelRecord),
		evaluations: make(map[string]map[string]float64),
		degraded:    make(map[string]bool),
	}
	for _, r := range records {
		repo.models[r.ModelID] = r
	}
	return repo
}

func (f *fakeModelRepo) CreateModel(_ context.Context, m *models.MLModelRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[m.ModelID] = m
	return nil
}

func (f *fakeModelRepo) GetModel(_ context.Context, modelID string) (*models.MLModelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[modelID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (f *fakeModelRepo) GetActiveModel(_ context.Context, modelType models.ModelType) (*models.MLModelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.models {
		if m.ModelType == modelType && m.Status == models.ModelStatusActive {
			return m, nil
		}
	}
	return nil, repository.ErrNoActiveModel
}

func (f *fakeModelRepo) UpdateStatus(_ context.Context, modelID string, to models.ModelStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[modelID]
	if !ok {
		return repository.ErrNotFound
	}
	next, err := m.Status.Transition(to)
	if err != nil {
		return err
	}
	m.Status = next
	return nil
}

func (f *fakeModelRepo) Promote(_ context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	candidate, ok := f.models[modelID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, m := range f.models {
		if m.ModelID != modelID && m.ModelType == candidate.ModelType && m.Status == models.ModelStatusActive {
			m.Status = models.ModelStatusRetired
		}
	}
	next, err := candidate.Status.Transition(models.ModelStatusActive)
	if err != nil {
		return err
	}
	candidate.Status = next
	return nil
}

func (f *fakeModelRepo) SetEvaluation(_ context.Context, modelID string, metrics map[string]float64, degraded bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.models[modelID]; !ok {
		return repository.ErrNotFound
	}
	f.evaluations[modelID] = metrics
	f.degraded[modelID] = degraded
	return nil
}

func (f *fakeModelRepo) ListModels(_ context.Context) ([]models.MLModelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.MLModelRecord, 0, len(f.models))
	for _, m := range f.models {
		out = append(out, *m)
	}
	return out, nil
}

type fakePredictionRepo struct {
	mu       sync.Mutex
	upserted []models.PredictionCacheEntry
	pairs    map[string][]repository.PredictionPair
}

var _ repository.PredictionRepository = (*fakePredictionRepo)(nil)

func (f *fakePredictionRepo) UpsertPrediction(_ context.Context, p *models.PredictionCacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, *p)
	return nil
}

func (f *fakePredictionRepo) ListPredictions(_ context.Context, _ string, _, _ time.Time) ([]models.PredictionCacheEntry, error) {
	return nil, nil
}

func (f *fakePredictionRepo) RealizedPairs(_ context.Context, modelID string, _ time.Time) ([]repository.PredictionPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairs[modelID], nil
}

func (f *fakePredictionRepo) DeletePredictionsBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeMetricReader struct {
	mu        sync.Mutex
	rows      map[string][]models.ComputedMetric
	anomalies map[string]int
}

var _ repository.MetricRepository = (*fakeMetricReader)(nil)

func (f *fakeMetricReader) UpsertComputedMetric(_ context.Context, _ *models.ComputedMetric) error {
	return nil
}

func (f *fakeMetricReader) GetMetric(_ context.Context, _ string, _ models.TimeWindow, _ time.Time) (*models.ComputedMetric, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeMetricReader) GetMetricsRange(_ context.Context, nodeID string, _ models.TimeWindow, _, _ time.Time) ([]models.ComputedMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[nodeID], nil
}

func (f *fakeMetricReader) LatestMetric(_ context.Context, _ string, _ models.TimeWindow) (*models.ComputedMetric, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeMetricReader) Baseline(_ context.Context, _ string, _ models.TimeWindow, _ time.Time, _ int) (*repository.BaselineStats, error) {
	return &repository.BaselineStats{}, nil
}

func (f *fakeMetricReader) IncrementAnomalyCount(_ context.Context, nodeID string, _ models.TimeWindow, windowStart time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.anomalies == nil {
		f.anomalies = make(map[string]int)
	}
	f.anomalies[nodeID+"|"+windowStart.Format(time.RFC3339)]++
	return nil
}

func (f *fakeMetricReader) DeleteMetricsBefore(_ context.Context, _ models.TimeWindow, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeNodeLister struct {
	nodes []models.Node
}

var _ repository.NodeRepository = (*fakeNodeLister)(nil)

func (f *fakeNodeLister) ListActiveNodes(_ context.Context) ([]models.Node, error) {
	return f.nodes, nil
}

func (f *fakeNodeLister) ListAllNodes(_ context.Context) ([]models.Node, error) {
	return f.nodes, nil
}

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

var _ cache.KVStore = (*memoryKV)(nil)

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string]string)}
}

func (m *memoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return v, nil
}

func (m *memoryKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryKV) CountKeys(_ context.Context, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func mlTestConfig(t *testing.T) *config.Config {
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func activeModel(id string, mt models.ModelType) *models.MLModelRecord {
	return &models.MLModelRecord{
		ModelID:   id,
		ModelType: mt,
		Version:   "v1",
		Status:    models.ModelStatusActive,
	}
}

func activeNode(id string) models.Node {
	return models.Node{NodeID: id, ZoneID: "zone-a", NodeType: models.NodeSensor, IsActive: true}
}

func TestGeneratePredictionsPerNodeIsolation(t *testing.T) {
	asOf := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	forecaster := &fakeForecaster{
		points: map[string][]ForecastPoint{
			"node-ok": {
				{Timestamp: asOf.Add(time.Hour), Value: 12.5, Confidence: 0.9},
				{Timestamp: asOf.Add(2 * time.Hour), Value: 13.0, Confidence: 0.85},
			},
		},
		failing: map[string]error{"node-bad": errors.New("inference timeout")},
	}
	predictions := &fakePredictionRepo{}
	kv := newMemoryKV()

	m := NewManager(
		mlTestConfig(t),
		forecaster,
		newFakeModelRepo(activeModel("m-flow", models.ModelFlowPrediction)),
		predictions,
		&fakeMetricReader{},
		&fakeNodeLister{nodes: []models.Node{activeNode("node-ok"), activeNode("node-bad")}},
		kv,
		zap.NewNop(),
	)

	processed, failed, err := m.GeneratePredictions(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, failed)

	// 未指定时域时取配置默认值
	assert.Equal(t, mlTestConfig(t).Forecast.HorizonHours, forecaster.horizons["node-ok"])

	require.Len(t, predictions.upserted, 2)
	assert.Equal(t, "m-flow", predictions.upserted[0].ModelID)
	assert.Equal(t, "node-ok", predictions.upserted[0].NodeID)

	raw, err := kv.Get(context.Background(), cache.KeyNodeForecast("node-ok"))
	require.NoError(t, err)
	var cached []models.PredictionCacheEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Len(t, cached, 2)

	_, err = kv.Get(context.Background(), cache.KeyNodeForecast("node-bad"))
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestGeneratePredictionsNoActiveModelSkips(t *testing.T) {
	m := NewManager(
		mlTestConfig(t),
		&fakeForecaster{},
		newFakeModelRepo(),
		&fakePredictionRepo{},
		&fakeMetricReader{},
		&fakeNodeLister{nodes: []models.Node{activeNode("node-1")}},
		newMemoryKV(),
		zap.NewNop(),
	)

	processed, failed, err := m.GeneratePredictions(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, failed)
}

func TestGeneratePredictionsNodeSubsetAndHorizon(t *testing.T) {
	asOf := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	forecaster := &fakeForecaster{
		points: map[string][]ForecastPoint{
			"node-1": {{Timestamp: asOf.Add(time.Hour), Value: 12.5}},
			"node-2": {{Timestamp: asOf.Add(time.Hour), Value: 7.5}},
		},
	}
	predictions := &fakePredictionRepo{}

	m := NewManager(
		mlTestConfig(t),
		forecaster,
		newFakeModelRepo(activeModel("m-flow", models.ModelFlowPrediction)),
		predictions,
		&fakeMetricReader{},
		&fakeNodeLister{nodes: []models.Node{activeNode("node-1"), activeNode("node-2")}},
		newMemoryKV(),
		zap.NewNop(),
	)

	// 只为刚有新数据的监测点生成，且用调用方给定的时域
	processed, failed, err := m.GeneratePredictions(context.Background(), []string{"node-2"}, 6)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)

	assert.Equal(t, 6, forecaster.horizons["node-2"])
	_, called := forecaster.horizons["node-1"]
	assert.False(t, called)

	require.Len(t, predictions.upserted, 1)
	assert.Equal(t, "node-2", predictions.upserted[0].NodeID)
}

func TestEvaluatePairsMath(t *testing.T) {
	pairs := []repository.PredictionPair{
		{Predicted: 11, Actual: 10},
		{Predicted: 8, Actual: 10},
		// 实际值为 0：计入 MAE 但不计入 MAPE
		{Predicted: 3, Actual: 0},
	}
	mape, mae := evaluatePairs(pairs)
	// (1/10 + 2/10) / 2
	assert.InDelta(t, 0.15, mape, 1e-9)
	// (1 + 2 + 3) / 3
	assert.InDelta(t, 2, mae, 1e-9)
}

func TestEvaluateModelsFlagsDegraded(t *testing.T) {
	asOf := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	modelRepo := newFakeModelRepo(
		activeModel("m-good", models.ModelFlowPrediction),
		activeModel("m-bad", models.ModelAnomalyDetection),
	)
	predictions := &fakePredictionRepo{pairs: map[string][]repository.PredictionPair{
		"m-good": {
			{Predicted: 10.5, Actual: 10},
			{Predicted: 9.5, Actual: 10},
		},
		"m-bad": {
			{Predicted: 15, Actual: 10},
			{Predicted: 5, Actual: 10},
		},
	}}

	m := NewManager(
		mlTestConfig(t),
		&fakeForecaster{},
		modelRepo,
		predictions,
		&fakeMetricReader{},
		&fakeNodeLister{},
		newMemoryKV(),
		zap.NewNop(),
	)

	require.NoError(t, m.EvaluateModels(context.Background(), asOf))

	// MAPE 0.05 低于 0.20 阈值
	assert.False(t, modelRepo.degraded["m-good"])
	assert.InDelta(t, 0.05, modelRepo.evaluations["m-good"]["mape"], 1e-9)

	// MAPE 0.50 超过阈值
	assert.True(t, modelRepo.degraded["m-bad"])
	assert.InDelta(t, 0.50, modelRepo.evaluations["m-bad"]["mape"], 1e-9)

	// 评估只写指标，不改模型状态
	got, err := modelRepo.GetModel(context.Background(), "m-bad")
	require.NoError(t, err)
	assert.Equal(t, models.ModelStatusActive, got.Status)
}

func TestScanAnomaliesThresholdAndCount(t *testing.T) {
	asOf := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	windowStart := asOf.Add(-30 * time.Minute)

	metrics := &fakeMetricReader{rows: map[string][]models.ComputedMetric{
		"node-1": {
			{NodeID: "node-1", TimeWindow: models.Window5Min, WindowStart: windowStart, AvgFlowRate: 42, CountReadings: 1},
			// 占位行不送去评分
			{NodeID: "node-1", TimeWindow: models.Window5Min, WindowStart: windowStart.Add(5 * time.Minute), GapFilled: true},
		},
	}}
	forecaster := &fakeForecaster{scores: map[string][]AnomalyScore{
		"node-1": {
			{Timestamp: windowStart, Metric: "flow_rate", Score: 0.95, Expected: 11},
			// 低于 0.8 阈值，不标记
			{Timestamp: windowStart.Add(5 * time.Minute), Metric: "flow_rate", Score: 0.4, Expected: 11},
		},
	}}
	kv := newMemoryKV()

	m := NewManager(
		mlTestConfig(t),
		forecaster,
		newFakeModelRepo(activeModel("m-anom", models.ModelAnomalyDetection)),
		&fakePredictionRepo{},
		metrics,
		&fakeNodeLister{nodes: []models.Node{activeNode("node-1")}},
		kv,
		zap.NewNop(),
	)

	flagged, err := m.ScanAnomalies(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	assert.Equal(t, 1, metrics.anomalies["node-1|"+windowStart.Format(time.RFC3339)])

	raw, err := kv.Get(context.Background(), cache.KeyAnomaliesRecent)
	require.NoError(t, err)
	var flags []models.AnomalyFlag
	require.NoError(t, json.Unmarshal([]byte(raw), &flags))
	require.Len(t, flags, 1)
	assert.Equal(t, "node-1", flags[0].NodeID)
	assert.InDelta(t, 0.95, flags[0].Score, 1e-9)
	assert.InDelta(t, 42, flags[0].Observed, 1e-9)
}

func TestRecentAnomaliesCapped(t *testing.T) {
	kv := newMemoryKV()
	m := NewManager(
		mlTestConfig(t),
		&fakeForecaster{},
		newFakeModelRepo(),
		&fakePredictionRepo{},
		&fakeMetricReader{},
		&fakeNodeLister{},
		kv,
		zap.NewNop(),
	)

	base := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)
	old := make([]models.AnomalyFlag, maxRecentAnomalies)
	for i := range old {
		old[i] = models.AnomalyFlag{NodeID: "node-old", Timestamp: base.Add(-time.Duration(i) * time.Minute)}
	}
	m.appendRecentAnomalies(context.Background(), old)

	m.appendRecentAnomalies(context.Background(), []models.AnomalyFlag{
		{NodeID: "node-new", Timestamp: base},
	})

	raw, err := kv.Get(context.Background(), cache.KeyAnomaliesRecent)
	require.NoError(t, err)
	var flags []models.AnomalyFlag
	require.NoError(t, json.Unmarshal([]byte(raw), &flags))
	require.Len(t, flags, maxRecentAnomalies)
	// 新条目插到头部，最旧一条被挤出
	assert.Equal(t, "node-new", flags[0].NodeID)
}

func TestPromoteRetiresPreviousActive(t *testing.T) {
	modelRepo := newFakeModelRepo(
		activeModel("m-old", models.ModelFlowPrediction),
		&models.MLModelRecord{
			ModelID:   "m-new",
			ModelType: models.ModelFlowPrediction,
			Version:   "v2",
			Status:    models.ModelStatusShadow,
		},
	)
	m := NewManager(
		mlTestConfig(t),
		&fakeForecaster{},
		modelRepo,
		&fakePredictionRepo{},
		&fakeMetricReader{},
		&fakeNodeLister{},
		newMemoryKV(),
		zap.NewNop(),
	)

	require.NoError(t, m.Promote(context.Background(), "m-new"))

	oldModel, err := modelRepo.GetModel(context.Background(), "m-old")
	require.NoError(t, err)
	assert.Equal(t, models.ModelStatusRetired, oldModel.Status)

	newModel, err := modelRepo.GetModel(context.Background(), "m-new")
	require.NoError(t, err)
	assert.Equal(t, models.ModelStatusActive, newModel.Status)
}
