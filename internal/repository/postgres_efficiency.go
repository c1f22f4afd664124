package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// PostgresEfficiencyRepository 网络效率汇总 Repository 实现（只追加历史）
type PostgresEfficiencyRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresEfficiencyRepository 创建网络效率 Repository
func NewPostgresEfficiencyRepository(db *sql.DB, logger *zap.Logger) *PostgresEfficiencyRepository {
	return &PostgresEfficiencyRepository{db: db, logger: logger}
}

var _ EfficiencyRepository = (*PostgresEfficiencyRepository)(nil)

func (r *PostgresEfficiencyRepository) InsertRecord(ctx context.Context, rec *models.NetworkEfficiencyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := `
		INSERT INTO network_efficiency
			(id, zone_id, window_start, window_end, input_volume, output_volume,
			 loss_volume, efficiency_pct, active_nodes, total_nodes, anomaly_count, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.ZoneID, rec.WindowStart.UTC(), rec.WindowEnd.UTC(),
		rec.InputVolume, rec.OutputVolume, rec.LossVolume, rec.EfficiencyPct,
		rec.ActiveNodes, rec.TotalNodes, rec.AnomalyCount, rec.ComputedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert efficiency record: %w", err)
	}
	return nil
}

func (r *PostgresEfficiencyRepository) ListRecent(ctx context.Context, zoneID string, limit int) ([]models.NetworkEfficiencyRecord, error) {
	query := `
		SELECT id, zone_id, window_start, window_end, input_volume, output_volume,
		       loss_volume, efficiency_pct, active_nodes, total_nodes, anomaly_count, computed_at
		FROM network_efficiency
		WHERE zone_id = $1
		ORDER BY window_start DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, zoneID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query efficiency records: %w", err)
	}
	defer rows.Close()

	var records []models.NetworkEfficiencyRecord
	for rows.Next() {
		var rec models.NetworkEfficiencyRecord
		if err := rows.Scan(&rec.ID, &rec.ZoneID, &rec.WindowStart, &rec.WindowEnd,
			&rec.InputVolume, &rec.OutputVolume, &rec.LossVolume, &rec.EfficiencyPct,
			&rec.ActiveNodes, &rec.TotalNodes, &rec.AnomalyCount, &rec.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan efficiency record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
