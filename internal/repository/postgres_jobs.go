package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// PostgresJobRepository 任务审计 Repository 实现
// 记录只增不删：保留策略清理不触碰 processing_jobs
type PostgresJobRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresJobRepository 创建任务审计 Repository
func NewPostgresJobRepository(db *sql.DB, logger *zap.Logger) *PostgresJobRepository {
	return &PostgresJobRepository{db: db, logger: logger}
}

var _ JobRepository = (*PostgresJobRepository)(nil)

const jobColumns = `job_id, job_type, status, started_at, completed_at,
	items_processed, items_failed, error_detail, created_at`

func (r *PostgresJobRepository) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO processing_jobs (job_id, job_type, status, created_at)
		 VALUES ($1, $2, $3, $4)`,
		job.JobID, job.JobType.String(), string(job.Status), now,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.CreatedAt = now
	return nil
}

func (r *PostgresJobRepository) MarkRunning(ctx context.Context, jobID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = 'running', started_at = $1 WHERE job_id = $2`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return checkAffected(result)
}

func (r *PostgresJobRepository) MarkCompleted(ctx context.Context, jobID string, processed, failed int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = 'completed', completed_at = $1,
		 items_processed = $2, items_failed = $3 WHERE job_id = $4`,
		time.Now().UTC(), processed, failed, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return checkAffected(result)
}

func (r *PostgresJobRepository) MarkFailed(ctx context.Context, jobID string, processed, failed int, errDetail string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = 'failed', completed_at = $1,
		 items_processed = $2, items_failed = $3, error_detail = $4 WHERE job_id = $5`,
		time.Now().UTC(), processed, failed, errDetail, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return checkAffected(result)
}

func (r *PostgresJobRepository) LatestJob(ctx context.Context, jobType models.JobType) (*models.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs
		WHERE job_type = $1 ORDER BY created_at DESC LIMIT 1`
	return scanJob(r.db.QueryRowContext(ctx, query, jobType.String()))
}

func (r *PostgresJobRepository) LastSuccessful(ctx context.Context, jobType models.JobType) (*models.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs
		WHERE job_type = $1 AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`
	return scanJob(r.db.QueryRowContext(ctx, query, jobType.String()))
}

func scanJob(row *sql.Row) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	var jobType, status string
	var startedAt, completedAt sql.NullTime
	var errDetail sql.NullString

	err := row.Scan(&job.JobID, &jobType, &status, &startedAt, &completedAt,
		&job.ItemsProcessed, &job.ItemsFailed, &errDetail, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	parsed, err := models.ParseJobType(jobType)
	if err != nil {
		return nil, err
	}
	job.JobType = parsed
	job.Status = models.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if errDetail.Valid {
		job.ErrorDetail = errDetail.String
	}
	return &job, nil
}

func checkAffected(result sql.Result) error {
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
