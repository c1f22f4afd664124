package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// PostgresModelRepository 模型注册表 Repository 实现
type PostgresModelRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresModelRepository 创建模型注册表 Repository
func NewPostgresModelRepository(db *sql.DB, logger *zap.Logger) *PostgresModelRepository {
	return &PostgresModelRepository{db: db, logger: logger}
}

var _ ModelRepository = (*PostgresModelRepository)(nil)

const modelColumns = `model_id, model_type, version, status, degraded, metrics,
	training_start, training_end, storage_location, created_at, updated_at`

func (r *PostgresModelRepository) CreateModel(ctx context.Context, m *models.MLModelRecord) error {
	if m.ModelID == "" {
		m.ModelID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.ModelStatusCreated
	}
	metricsJSON, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal model metrics: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO ml_models (` + modelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.db.ExecContext(ctx, query,
		m.ModelID, m.ModelType.String(), m.Version, string(m.Status), m.Degraded,
		metricsJSON, m.TrainingStart.UTC(), m.TrainingEnd.UTC(), m.StorageLocation, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (r *PostgresModelRepository) GetModel(ctx context.Context, modelID string) (*models.MLModelRecord, error) {
	query := `SELECT ` + modelColumns + ` FROM ml_models WHERE model_id = $1`
	return scanModel(r.db.QueryRowContext(ctx, query, modelID))
}

func (r *PostgresModelRepository) GetActiveModel(ctx context.Context, modelType models.ModelType) (*models.MLModelRecord, error) {
	query := `SELECT ` + modelColumns + ` FROM ml_models WHERE model_type = $1 AND status = 'active'`
	m, err := scanModel(r.db.QueryRowContext(ctx, query, modelType.String()))
	if err == ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveModel, modelType)
	}
	return m, err
}

// UpdateStatus 在事务内加行锁校验并执行一次 FSM 迁移
func (r *PostgresModelRepository) UpdateStatus(ctx context.Context, modelID string, to models.ModelStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM ml_models WHERE model_id = $1 FOR UPDATE`, modelID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock model row: %w", err)
	}

	next, err := models.ModelStatus(current).Transition(to)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ml_models SET status = $1, updated_at = $2 WHERE model_id = $3`,
		string(next), time.Now().UTC(), modelID,
	); err != nil {
		return fmt.Errorf("failed to update model status: %w", err)
	}

	return tx.Commit()
}

// Promote 原子换活。单事务内：
//  1. 行锁候选模型并校验 FSM（validating/shadow → active）
//  2. 同类型现役 active 降为 retired
//  3. 候选升为 active
//
// 行锁保证并发 Promote 串行化，任意时刻每个类型恰有一个 active
func (r *PostgresModelRepository) Promote(ctx context.Context, modelID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentStatus, modelType string
	err = tx.QueryRowContext(ctx,
		`SELECT status, model_type FROM ml_models WHERE model_id = $1 FOR UPDATE`, modelID,
	).Scan(&currentStatus, &modelType)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock candidate model: %w", err)
	}

	if _, err := models.ModelStatus(currentStatus).Transition(models.ModelStatusActive); err != nil {
		return err
	}

	now := time.Now().UTC()

	// 旧 active 降级（同类型、排除候选自身）
	if _, err := tx.ExecContext(ctx,
		`UPDATE ml_models SET status = 'retired', updated_at = $1
		 WHERE model_type = $2 AND status = 'active' AND model_id <> $3`,
		now, modelType, modelID,
	); err != nil {
		return fmt.Errorf("failed to retire previous active model: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ml_models SET status = 'active', updated_at = $1 WHERE model_id = $2`,
		now, modelID,
	); err != nil {
		return fmt.Errorf("failed to activate model: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit promotion: %w", err)
	}

	r.logger.Info("Model promoted to active",
		zap.String("model_id", modelID),
		zap.String("model_type", modelType),
	)
	return nil
}

func (r *PostgresModelRepository) SetEvaluation(ctx context.Context, modelID string, metrics map[string]float64, degraded bool) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation metrics: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE ml_models SET metrics = $1, degraded = $2, updated_at = $3 WHERE model_id = $4`,
		metricsJSON, degraded, time.Now().UTC(), modelID,
	)
	if err != nil {
		return fmt.Errorf("failed to set evaluation: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresModelRepository) ListModels(ctx context.Context) ([]models.MLModelRecord, error) {
	query := `SELECT ` + modelColumns + ` FROM ml_models ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var result []models.MLModelRecord
	for rows.Next() {
		m, err := scanModelRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func scanModelFields(s rowScanner) (*models.MLModelRecord, error) {
	var m models.MLModelRecord
	var modelType, status string
	var metricsJSON []byte
	if err := s.Scan(&m.ModelID, &modelType, &m.Version, &status, &m.Degraded,
		&metricsJSON, &m.TrainingStart, &m.TrainingEnd, &m.StorageLocation,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := models.ParseModelType(modelType)
	if err != nil {
		return nil, err
	}
	m.ModelType = parsed
	m.Status = models.ModelStatus(status)
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &m.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model metrics: %w", err)
		}
	}
	return &m, nil
}

func scanModel(row *sql.Row) (*models.MLModelRecord, error) {
	m, err := scanModelFields(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}
	return m, nil
}

func scanModelRow(rows *sql.Rows) (*models.MLModelRecord, error) {
	m, err := scanModelFields(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}
	return m, nil
}
