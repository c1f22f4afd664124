package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/cache"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/config"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/ml"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/scheduler"
)

type memoryJobRepo struct {
	mu   sync.Mutex
	jobs []models.ProcessingJob
}

var _ repository.JobRepository = (*memoryJobRepo)(nil)

func (f *memoryJobRepo) CreateJob(_ context.Context, job *models.ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, *job)
	return nil
}

func (f *memoryJobRepo) MarkRunning(_ context.Context, _ string) error { return nil }
func (f *memoryJobRepo) MarkCompleted(_ context.Context, _ string, _, _ int) error {
	return nil
}
func (f *memoryJobRepo) MarkFailed(_ context.Context, _ string, _, _ int, _ string) error {
	return nil
}

func (f *memoryJobRepo) LatestJob(_ context.Context, jobType models.JobType) (*models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.jobs) - 1; i >= 0; i-- {
		if f.jobs[i].JobType == jobType {
			job := f.jobs[i]
			return &job, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *memoryJobRepo) LastSuccessful(_ context.Context, _ models.JobType) (*models.ProcessingJob, error) {
	return nil, repository.ErrNotFound
}

func (f *memoryJobRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type stubModelRepo struct {
	promoteErr error
	models     []models.MLModelRecord
}

var _ repository.ModelRepository = (*stubModelRepo)(nil)

func (f *stubModelRepo) CreateModel(_ context.Context, _ *models.MLModelRecord) error { return nil }
func (f *stubModelRepo) GetModel(_ context.Context, _ string) (*models.MLModelRecord, error) {
	return nil, repository.ErrNotFound
}
func (f *stubModelRepo) GetActiveModel(_ context.Context, _ models.ModelType) (*models.MLModelRecord, error) {
	return nil, repository.ErrNoActiveModel
}
func (f *stubModelRepo) UpdateStatus(_ context.Context, _ string, _ models.ModelStatus) error {
	return nil
}
func (f *stubModelRepo) Promote(_ context.Context, _ string) error { return f.promoteErr }
func (f *stubModelRepo) SetEvaluation(_ context.Context, _ string, _ map[string]float64, _ bool) error {
	return nil
}
func (f *stubModelRepo) ListModels(_ context.Context) ([]models.MLModelRecord, error) {
	return f.models, nil
}

type globKV struct {
	mu   sync.Mutex
	data map[string]string
}

var _ cache.KVStore = (*globKV)(nil)

func newGlobKV() *globKV { return &globKV{data: make(map[string]string)} }

func (g *globKV) Get(_ context.Context, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.data[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return v, nil
}

func (g *globKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data[key] = value
	return nil
}

func (g *globKV) Delete(_ context.Context, keys ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		delete(g.data, k)
	}
	return nil
}

func (g *globKV) CountKeys(_ context.Context, pattern string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int64
	for k := range g.data {
		if ok, _ := path.Match(pattern, k); ok {
			n++
		}
	}
	return n, nil
}

type handlerFixture struct {
	router    *Router
	scheduler *scheduler.Scheduler
	jobs      *memoryJobRepo
	modelRepo *stubModelRepo
	kv        *globKV
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)

	jobs := &memoryJobRepo{}
	modelRepo := &stubModelRepo{}
	kv := newGlobKV()
	sched := scheduler.New(jobs, clockwork.NewRealClock(), zap.NewNop())

	manager := ml.NewManager(cfg, nil, modelRepo, nil, nil, nil, kv, zap.NewNop())

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing()
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	handler := NewProcessingHandler(sched, jobs, modelRepo, manager, kv, db, redisClient, zap.NewNop())
	router := NewRouter(zap.NewNop())
	router.RegisterProcessingRoutes(handler)

	return &handlerFixture{
		router:    router,
		scheduler: sched,
		jobs:      jobs,
		modelRepo: modelRepo,
		kv:        kv,
	}
}

func (f *handlerFixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestTriggerUnknownJobType(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/processing/api/v1/trigger/defrag_disks")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body Result[any]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ResultError, body.Code)
}

func TestTriggerRequiresPost(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/processing/api/v1/trigger/full_sync")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTriggerAcceptedAndExecuted(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.scheduler.Register(models.JobAnomalyScan, "every 15m", time.Minute,
		func(ctx context.Context) (int, int, error) { return 1, 0, nil },
	))

	rec := f.do(http.MethodPost, "/processing/api/v1/trigger/anomaly_scan")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body Result[map[string]interface{}]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ResultSuccess, body.Code)
	assert.Equal(t, "anomaly_scan", body.Result["job_type"])

	// 任务在后台执行，等审计行落地
	require.Eventually(t, func() bool { return f.jobs.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestTriggerConcurrentDuplicateGetsConflict(t *testing.T) {
	f := newHandlerFixture(t)

	release := make(chan struct{})
	require.NoError(t, f.scheduler.Register(models.JobAnomalyScan, "every 15m", time.Minute,
		func(ctx context.Context) (int, int, error) {
			<-release
			return 0, 0, nil
		},
	))

	// 槽位在请求内同步抢占：第一发 202 之后，第二发必然 409，
	// 不取决于后台任务体是否已经跑起来
	first := f.do(http.MethodPost, "/processing/api/v1/trigger/anomaly_scan")
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := f.do(http.MethodPost, "/processing/api/v1/trigger/anomaly_scan")
	assert.Equal(t, http.StatusConflict, second.Code)

	close(release)
	require.Eventually(t, func() bool { return f.jobs.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestTriggerUnregisteredJobType(t *testing.T) {
	f := newHandlerFixture(t)

	// 类型合法但没有注册对应任务
	rec := f.do(http.MethodPost, "/processing/api/v1/trigger/full_sync")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusShape(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.kv.Set(context.Background(), "node:node-1:latest", "{}", 0))
	require.NoError(t, f.kv.Set(context.Background(), "node:node-1:metrics:1h", "{}", 0))
	require.NoError(t, f.kv.Set(context.Background(), "system:metrics:1h", "{}", 0))

	rec := f.do(http.MethodGet, "/processing/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body Result[statusResponse]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ResultSuccess, body.Code)
	assert.Len(t, body.Result.Jobs, len(models.AllJobTypes()))
	assert.Equal(t, int64(1), body.Result.CacheKeys["node_latest"])
	assert.Equal(t, int64(1), body.Result.CacheKeys["node_metrics"])
	assert.Equal(t, int64(1), body.Result.CacheKeys["system_metrics"])
	assert.Equal(t, int64(0), body.Result.CacheKeys["node_forecasts"])
}

func TestPromoteModelNotFound(t *testing.T) {
	f := newHandlerFixture(t)
	f.modelRepo.promoteErr = repository.ErrNotFound

	rec := f.do(http.MethodPost, "/processing/api/v1/models/m-missing/promote")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPromoteModelIllegalTransition(t *testing.T) {
	f := newHandlerFixture(t)
	f.modelRepo.promoteErr = fmt.Errorf("%w: retired -> active", models.ErrIllegalTransition)

	rec := f.do(http.MethodPost, "/processing/api/v1/models/m-retired/promote")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPromoteModelSuccess(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/processing/api/v1/models/m-new/promote")
	require.Equal(t, http.StatusOK, rec.Code)

	var body Result[map[string]interface{}]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "active", body.Result["status"])
}

func TestHealthzHealthy(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteFallsThrough(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/processing/api/v1/models/bad/path/promote")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
