package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// PostgresMetricRepository 聚合指标 Repository 实现（TimescaleDB hypertable）
type PostgresMetricRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresMetricRepository 创建聚合指标 Repository
func NewPostgresMetricRepository(db *sql.DB, logger *zap.Logger) *PostgresMetricRepository {
	return &PostgresMetricRepository{db: db, logger: logger}
}

var _ MetricRepository = (*PostgresMetricRepository)(nil)

const metricColumns = `node_id, time_window, window_start, window_end,
	avg_flow_rate, min_flow_rate, max_flow_rate, stddev_flow_rate,
	avg_pressure, min_pressure, max_pressure, stddev_pressure,
	total_volume, count_readings, anomaly_count, completeness_pct,
	quality_score, gap_filled, computed_at`

// UpsertComputedMetric 按 (node_id, time_window, window_start) 覆盖写入
// 并发的逐点 worker 依赖行级 ON CONFLICT 语义，无需表级锁
func (r *PostgresMetricRepository) UpsertComputedMetric(ctx context.Context, m *models.ComputedMetric) error {
	query := `
		INSERT INTO computed_metrics (` + metricColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (node_id, time_window, window_start) DO UPDATE SET
			window_end = EXCLUDED.window_end,
			avg_flow_rate = EXCLUDED.avg_flow_rate,
			min_flow_rate = EXCLUDED.min_flow_rate,
			max_flow_rate = EXCLUDED.max_flow_rate,
			stddev_flow_rate = EXCLUDED.stddev_flow_rate,
			avg_pressure = EXCLUDED.avg_pressure,
			min_pressure = EXCLUDED.min_pressure,
			max_pressure = EXCLUDED.max_pressure,
			stddev_pressure = EXCLUDED.stddev_pressure,
			total_volume = EXCLUDED.total_volume,
			count_readings = EXCLUDED.count_readings,
			anomaly_count = EXCLUDED.anomaly_count,
			completeness_pct = EXCLUDED.completeness_pct,
			quality_score = EXCLUDED.quality_score,
			gap_filled = EXCLUDED.gap_filled,
			computed_at = EXCLUDED.computed_at`

	_, err := r.db.ExecContext(ctx, query,
		m.NodeID, m.TimeWindow.String(), m.WindowStart.UTC(), m.WindowEnd.UTC(),
		m.AvgFlowRate, m.MinFlowRate, m.MaxFlowRate, m.StddevFlowRate,
		m.AvgPressure, m.MinPressure, m.MaxPressure, m.StddevPressure,
		m.TotalVolume, m.CountReadings, m.AnomalyCount, m.CompletenessPct,
		m.QualityScore, m.GapFilled, m.ComputedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert computed metric: %w", err)
	}
	return nil
}

func (r *PostgresMetricRepository) GetMetric(ctx context.Context, nodeID string, window models.TimeWindow, windowStart time.Time) (*models.ComputedMetric, error) {
	query := `SELECT ` + metricColumns + ` FROM computed_metrics
		WHERE node_id = $1 AND time_window = $2 AND window_start = $3`
	row := r.db.QueryRowContext(ctx, query, nodeID, window.String(), windowStart.UTC())
	return scanMetric(row)
}

func (r *PostgresMetricRepository) GetMetricsRange(ctx context.Context, nodeID string, window models.TimeWindow, from, to time.Time) ([]models.ComputedMetric, error) {
	query := `SELECT ` + metricColumns + ` FROM computed_metrics
		WHERE node_id = $1 AND time_window = $2 AND window_start >= $3 AND window_start < $4
		ORDER BY window_start ASC`
	rows, err := r.db.QueryContext(ctx, query, nodeID, window.String(), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics range: %w", err)
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func (r *PostgresMetricRepository) LatestMetric(ctx context.Context, nodeID string, window models.TimeWindow) (*models.ComputedMetric, error) {
	query := `SELECT ` + metricColumns + ` FROM computed_metrics
		WHERE node_id = $1 AND time_window = $2
		ORDER BY window_start DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, nodeID, window.String())
	return scanMetric(row)
}

func (r *PostgresMetricRepository) Baseline(ctx context.Context, nodeID string, window models.TimeWindow, before time.Time, limit int) (*BaselineStats, error) {
	// 取历史同尺寸窗口的流量均值作为一致性基线；gap_filled 行不参与
	query := `
		SELECT COALESCE(AVG(avg_flow_rate), 0),
		       COALESCE(STDDEV_POP(avg_flow_rate), 0),
		       COUNT(*)
		FROM (
			SELECT avg_flow_rate FROM computed_metrics
			WHERE node_id = $1 AND time_window = $2 AND window_start < $3 AND gap_filled = FALSE
			ORDER BY window_start DESC LIMIT $4
		) recent`
	var stats BaselineStats
	err := r.db.QueryRowContext(ctx, query, nodeID, window.String(), before.UTC(), limit).
		Scan(&stats.AvgFlowRate, &stats.StddevFlowRate, &stats.SampleCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline: %w", err)
	}
	return &stats, nil
}

func (r *PostgresMetricRepository) IncrementAnomalyCount(ctx context.Context, nodeID string, window models.TimeWindow, windowStart time.Time) error {
	query := `UPDATE computed_metrics SET anomaly_count = anomaly_count + 1
		WHERE node_id = $1 AND time_window = $2 AND window_start = $3`
	result, err := r.db.ExecContext(ctx, query, nodeID, window.String(), windowStart.UTC())
	if err != nil {
		return fmt.Errorf("failed to increment anomaly count: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresMetricRepository) DeleteMetricsBefore(ctx context.Context, window models.TimeWindow, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM computed_metrics WHERE time_window = $1 AND window_start < $2`,
		window.String(), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old metrics: %w", err)
	}
	return result.RowsAffected()
}

// rowScanner QueryRow 与 Rows 的公共扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMetricInto(s rowScanner, m *models.ComputedMetric) error {
	var window string
	if err := s.Scan(
		&m.NodeID, &window, &m.WindowStart, &m.WindowEnd,
		&m.AvgFlowRate, &m.MinFlowRate, &m.MaxFlowRate, &m.StddevFlowRate,
		&m.AvgPressure, &m.MinPressure, &m.MaxPressure, &m.StddevPressure,
		&m.TotalVolume, &m.CountReadings, &m.AnomalyCount, &m.CompletenessPct,
		&m.QualityScore, &m.GapFilled, &m.ComputedAt,
	); err != nil {
		return err
	}
	parsed, err := models.ParseTimeWindow(window)
	if err != nil {
		return err
	}
	m.TimeWindow = parsed
	return nil
}

func scanMetric(row *sql.Row) (*models.ComputedMetric, error) {
	var m models.ComputedMetric
	if err := scanMetricInto(row, &m); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan metric: %w", err)
	}
	return &m, nil
}

func scanMetrics(rows *sql.Rows) ([]models.ComputedMetric, error) {
	var metrics []models.ComputedMetric
	for rows.Next() {
		var m models.ComputedMetric
		if err := scanMetricInto(rows, &m); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
