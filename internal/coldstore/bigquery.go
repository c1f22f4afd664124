package coldstore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// BigQueryConfig 冷层数据仓库配置
type BigQueryConfig struct {
	ProjectID     string
	Dataset       string
	ReadingsTable string
	Location      string
}

// BigQueryReadingSource 基于 BigQuery 的冷层读数源
type BigQueryReadingSource struct {
	client *bigquery.Client
	cfg    BigQueryConfig
	logger *zap.Logger
}

var _ ReadingSource = (*BigQueryReadingSource)(nil)

// NewBigQueryReadingSource 创建 BigQuery 读数源
func NewBigQueryReadingSource(ctx context.Context, cfg BigQueryConfig, logger *zap.Logger) (*BigQueryReadingSource, error) {
	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	return &BigQueryReadingSource{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// readingRow BigQuery 行映射
type readingRow struct {
	NodeID       string    `bigquery:"node_id"`
	Timestamp    time.Time `bigquery:"timestamp"`
	FlowRate     float64   `bigquery:"flow_rate"`
	Pressure     float64   `bigquery:"pressure"`
	Temperature  float64   `bigquery:"temperature"`
	VolumeTotal  float64   `bigquery:"volume_total"`
	QualityScore float64   `bigquery:"quality_score"`
}

// ReadingsBetween 查询 [start, end) 的原始读数
// 瞬时 I/O 错误在调用级做有界指数退避重试（初始 500ms，乘数 1.5，最多 4 次）
func (s *BigQueryReadingSource) ReadingsBetween(ctx context.Context, nodeID string, start, end time.Time) ([]models.SensorReading, error) {
	attempt := 0
	readings, err := backoff.Retry(ctx, func() ([]models.SensorReading, error) {
		if attempt > 0 {
			s.logger.Warn("Retrying cold-tier query",
				zap.String("node_id", nodeID),
				zap.Int("attempt", attempt),
			)
		}
		attempt++
		return s.queryReadings(ctx, nodeID, start, end)
	}, backoff.WithBackOff(newQueryBackOff()), backoff.WithMaxTries(4))
	if err != nil {
		return nil, fmt.Errorf("failed to query readings for node %s: %w", nodeID, err)
	}
	return readings, nil
}

func (s *BigQueryReadingSource) queryReadings(ctx context.Context, nodeID string, start, end time.Time) ([]models.SensorReading, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT node_id, timestamp, flow_rate, pressure, temperature, volume_total, quality_score
		FROM %s.%s
		WHERE node_id = @node_id
		  AND timestamp >= @start_ts
		  AND timestamp < @end_ts
		ORDER BY timestamp ASC`,
		s.cfg.Dataset, s.cfg.ReadingsTable,
	))
	q.Location = s.cfg.Location
	q.Parameters = []bigquery.QueryParameter{
		{Name: "node_id", Value: nodeID},
		{Name: "start_ts", Value: start.UTC()},
		{Name: "end_ts", Value: end.UTC()},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}

	var readings []models.SensorReading
	for {
		var row readingRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		readings = append(readings, models.SensorReading{
			NodeID:       row.NodeID,
			Timestamp:    row.Timestamp.UTC(),
			FlowRate:     row.FlowRate,
			Pressure:     row.Pressure,
			Temperature:  row.Temperature,
			VolumeTotal:  row.VolumeTotal,
			QualityScore: row.QualityScore,
		})
	}
	return readings, nil
}

// Close 关闭 BigQuery 客户端
func (s *BigQueryReadingSource) Close() error {
	return s.client.Close()
}

func newQueryBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 1.5
	return bo
}
