package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// PostgresQualityRepository 数据质量指标 Repository 实现
type PostgresQualityRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresQualityRepository 创建数据质量 Repository
func NewPostgresQualityRepository(db *sql.DB, logger *zap.Logger) *PostgresQualityRepository {
	return &PostgresQualityRepository{db: db, logger: logger}
}

var _ QualityRepository = (*PostgresQualityRepository)(nil)

func (r *PostgresQualityRepository) UpsertQualityMetric(ctx context.Context, q *models.DataQualityMetric) error {
	issuesJSON, err := json.Marshal(q.Issues)
	if err != nil {
		return fmt.Errorf("failed to marshal quality issues: %w", err)
	}

	query := `
		INSERT INTO data_quality_metrics
			(node_id, time_window, window_start, completeness_score, validity_score,
			 consistency_score, overall_score, issues, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (node_id, time_window, window_start) DO UPDATE SET
			completeness_score = EXCLUDED.completeness_score,
			validity_score = EXCLUDED.validity_score,
			consistency_score = EXCLUDED.consistency_score,
			overall_score = EXCLUDED.overall_score,
			issues = EXCLUDED.issues,
			computed_at = EXCLUDED.computed_at`

	_, err = r.db.ExecContext(ctx, query,
		q.NodeID, q.TimeWindow.String(), q.WindowStart.UTC(),
		q.CompletenessScore, q.ValidityScore, q.ConsistencyScore, q.OverallScore,
		issuesJSON, q.ComputedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert quality metric: %w", err)
	}
	return nil
}

func (r *PostgresQualityRepository) ListFlagged(ctx context.Context, since time.Time, floor float64, limit int) ([]models.DataQualityMetric, error) {
	query := `
		SELECT node_id, time_window, window_start, completeness_score, validity_score,
		       consistency_score, overall_score, issues, computed_at
		FROM data_quality_metrics
		WHERE computed_at >= $1 AND overall_score < $2
		ORDER BY computed_at DESC LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, since.UTC(), floor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query flagged quality metrics: %w", err)
	}
	defer rows.Close()

	var result []models.DataQualityMetric
	for rows.Next() {
		var q models.DataQualityMetric
		var window string
		var issuesJSON []byte
		if err := rows.Scan(&q.NodeID, &window, &q.WindowStart, &q.CompletenessScore,
			&q.ValidityScore, &q.ConsistencyScore, &q.OverallScore, &issuesJSON, &q.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality metric: %w", err)
		}
		parsed, err := models.ParseTimeWindow(window)
		if err != nil {
			return nil, err
		}
		q.TimeWindow = parsed
		if len(issuesJSON) > 0 {
			if err := json.Unmarshal(issuesJSON, &q.Issues); err != nil {
				return nil, fmt.Errorf("failed to unmarshal quality issues: %w", err)
			}
		}
		result = append(result, q)
	}
	return result, rows.Err()
}
