package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

func newModelRepo(t *testing.T) (*PostgresModelRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresModelRepository(db, zap.NewNop()), mock
}

func TestPromoteAtomicSwap(t *testing.T) {
	repo, mock := newModelRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, model_type FROM ml_models WHERE model_id = $1 FOR UPDATE")).
		WithArgs("m-new").
		WillReturnRows(sqlmock.NewRows([]string{"status", "model_type"}).AddRow("shadow", "flow_prediction"))
	// 同一事务内先降级旧 active，再升级候选
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ml_models SET status = 'retired'")).
		WithArgs(sqlmock.AnyArg(), "flow_prediction", "m-new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ml_models SET status = 'active'")).
		WithArgs(sqlmock.AnyArg(), "m-new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Promote(context.Background(), "m-new")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteIllegalTransitionRollsBack(t *testing.T) {
	repo, mock := newModelRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, model_type FROM ml_models WHERE model_id = $1 FOR UPDATE")).
		WithArgs("m-retired").
		WillReturnRows(sqlmock.NewRows([]string{"status", "model_type"}).AddRow("retired", "flow_prediction"))
	mock.ExpectRollback()

	err := repo.Promote(context.Background(), "m-retired")
	require.ErrorIs(t, err, models.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteUnknownModel(t *testing.T) {
	repo, mock := newModelRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, model_type FROM ml_models WHERE model_id = $1 FOR UPDATE")).
		WithArgs("m-missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.Promote(context.Background(), "m-missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusLegalTransition(t *testing.T) {
	repo, mock := newModelRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM ml_models WHERE model_id = $1 FOR UPDATE")).
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("created"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ml_models SET status = $1, updated_at = $2 WHERE model_id = $3")).
		WithArgs("training", sqlmock.AnyArg(), "m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateStatus(context.Background(), "m-1", models.ModelStatusTraining)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusIllegalTransition(t *testing.T) {
	repo, mock := newModelRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM ml_models WHERE model_id = $1 FOR UPDATE")).
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("created"))
	mock.ExpectRollback()

	err := repo.UpdateStatus(context.Background(), "m-1", models.ModelStatusActive)
	require.ErrorIs(t, err, models.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveModelNone(t *testing.T) {
	repo, mock := newModelRepo(t)

	mock.ExpectQuery("SELECT .+ FROM ml_models WHERE model_type = .+ AND status = 'active'").
		WithArgs("flow_prediction").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetActiveModel(context.Background(), models.ModelFlowPrediction)
	require.ErrorIs(t, err, ErrNoActiveModel)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEvaluationUnknownModel(t *testing.T) {
	repo, mock := newModelRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ml_models SET metrics = $1, degraded = $2")).
		WithArgs(sqlmock.AnyArg(), true, sqlmock.AnyArg(), "m-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetEvaluation(context.Background(), "m-missing", map[string]float64{"mape": 0.5}, true)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateModelAssignsIDAndStatus(t *testing.T) {
	repo, mock := newModelRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ml_models")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	record := &models.MLModelRecord{
		ModelType: models.ModelAnomalyDetection,
		Version:   "v1",
	}
	err := repo.CreateModel(context.Background(), record)
	require.NoError(t, err)
	assert.NotEmpty(t, record.ModelID)
	assert.Equal(t, models.ModelStatusCreated, record.Status)
	assert.False(t, record.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}
