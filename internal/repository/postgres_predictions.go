package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// PostgresPredictionRepository 预测缓存 Repository 实现
type PostgresPredictionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresPredictionRepository 创建预测缓存 Repository
func NewPostgresPredictionRepository(db *sql.DB, logger *zap.Logger) *PostgresPredictionRepository {
	return &PostgresPredictionRepository{db: db, logger: logger}
}

var _ PredictionRepository = (*PostgresPredictionRepository)(nil)

// UpsertPrediction 按 (model_id, node_id, target_timestamp) 覆盖写入
// 同一时域重复生成只会覆盖，不会产生重复行
func (r *PostgresPredictionRepository) UpsertPrediction(ctx context.Context, p *models.PredictionCacheEntry) error {
	query := `
		INSERT INTO prediction_cache
			(model_id, node_id, target_timestamp, predicted_value, lower_bound,
			 upper_bound, confidence, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (model_id, node_id, target_timestamp) DO UPDATE SET
			predicted_value = EXCLUDED.predicted_value,
			lower_bound = EXCLUDED.lower_bound,
			upper_bound = EXCLUDED.upper_bound,
			confidence = EXCLUDED.confidence,
			generated_at = EXCLUDED.generated_at`

	_, err := r.db.ExecContext(ctx, query,
		p.ModelID, p.NodeID, p.TargetTimestamp.UTC(), p.PredictedValue,
		p.LowerBound, p.UpperBound, p.Confidence, p.GeneratedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert prediction: %w", err)
	}
	return nil
}

func (r *PostgresPredictionRepository) ListPredictions(ctx context.Context, nodeID string, from, to time.Time) ([]models.PredictionCacheEntry, error) {
	query := `
		SELECT model_id, node_id, target_timestamp, predicted_value, lower_bound,
		       upper_bound, confidence, generated_at
		FROM prediction_cache
		WHERE node_id = $1 AND target_timestamp >= $2 AND target_timestamp < $3
		ORDER BY target_timestamp ASC`

	rows, err := r.db.QueryContext(ctx, query, nodeID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var result []models.PredictionCacheEntry
	for rows.Next() {
		var p models.PredictionCacheEntry
		if err := rows.Scan(&p.ModelID, &p.NodeID, &p.TargetTimestamp, &p.PredictedValue,
			&p.LowerBound, &p.UpperBound, &p.Confidence, &p.GeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// RealizedPairs 将预测与已实现的 1hour 聚合按 (node, 目标时刻=窗口起点) 配对
func (r *PostgresPredictionRepository) RealizedPairs(ctx context.Context, modelID string, since time.Time) ([]PredictionPair, error) {
	query := `
		SELECT p.node_id, p.target_timestamp, p.predicted_value, m.avg_flow_rate
		FROM prediction_cache p
		JOIN computed_metrics m
		  ON m.node_id = p.node_id
		 AND m.time_window = '1hour'
		 AND m.window_start = p.target_timestamp
		WHERE p.model_id = $1
		  AND p.target_timestamp >= $2
		  AND m.gap_filled = FALSE
		ORDER BY p.target_timestamp ASC`

	rows, err := r.db.QueryContext(ctx, query, modelID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query realized pairs: %w", err)
	}
	defer rows.Close()

	var pairs []PredictionPair
	for rows.Next() {
		var p PredictionPair
		if err := rows.Scan(&p.NodeID, &p.TargetTimestamp, &p.Predicted, &p.Actual); err != nil {
			return nil, fmt.Errorf("failed to scan realized pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (r *PostgresPredictionRepository) DeletePredictionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM prediction_cache WHERE target_timestamp < $1`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired predictions: %w", err)
	}
	return result.RowsAffected()
}
