package ml

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Observation 送给异常评分接口的一条观测值
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
}

// ForecastPoint 预测服务返回的一个预测点
type ForecastPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	LowerBound float64   `json:"lower_bound"`
	UpperBound float64   `json:"upper_bound"`
	Confidence float64   `json:"confidence"`
}

// AnomalyScore 异常评分接口返回的单点评分
type AnomalyScore struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Score     float64   `json:"score"`
	Expected  float64   `json:"expected"`
}

// Forecaster 预测/异常检测服务的抽象（便于测试替换）
type Forecaster interface {
	Forecast(ctx context.Context, modelID, nodeID string, horizonHours int) ([]ForecastPoint, error)
	ScoreAnomalies(ctx context.Context, modelID, nodeID string, observations []Observation) ([]AnomalyScore, error)
}

// ForecastClient BigQuery ML 封装服务的 HTTP 客户端
type ForecastClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

var _ Forecaster = (*ForecastClient)(nil)

// NewForecastClient 创建预测服务客户端
func NewForecastClient(baseURL, apiKey string, logger *zap.Logger) *ForecastClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second). // 批量预测推理可能较慢
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}

	return &ForecastClient{
		httpClient: client,
		logger:     logger,
	}
}

type forecastRequest struct {
	ModelID      string `json:"model_id"`
	NodeID       string `json:"node_id"`
	HorizonHours int    `json:"horizon_hours"`
}

type forecastResponse struct {
	Points []ForecastPoint `json:"points"`
}

// Forecast 请求某监测点未来 horizonHours 小时的逐小时预测
func (c *ForecastClient) Forecast(ctx context.Context, modelID, nodeID string, horizonHours int) ([]ForecastPoint, error) {
	var result forecastResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(forecastRequest{
			ModelID:      modelID,
			NodeID:       nodeID,
			HorizonHours: horizonHours,
		}).
		SetResult(&result).
		Post("/api/v1/forecast")
	if err != nil {
		return nil, fmt.Errorf("forecast request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("forecast request failed with status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Debug("Forecast fetched",
		zap.String("model_id", modelID),
		zap.String("node_id", nodeID),
		zap.Int("points", len(result.Points)),
	)
	return result.Points, nil
}

type anomalyRequest struct {
	ModelID      string        `json:"model_id"`
	NodeID       string        `json:"node_id"`
	Observations []Observation `json:"observations"`
}

type anomalyResponse struct {
	Scores []AnomalyScore `json:"scores"`
}

// ScoreAnomalies 请求对一批观测值做异常评分
func (c *ForecastClient) ScoreAnomalies(ctx context.Context, modelID, nodeID string, observations []Observation) ([]AnomalyScore, error) {
	if len(observations) == 0 {
		return nil, nil
	}

	var result anomalyResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(anomalyRequest{
			ModelID:      modelID,
			NodeID:       nodeID,
			Observations: observations,
		}).
		SetResult(&result).
		Post("/api/v1/anomaly/score")
	if err != nil {
		return nil, fmt.Errorf("anomaly scoring request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("anomaly scoring request failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Scores, nil
}
