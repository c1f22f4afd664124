package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/cache"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/ml"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/scheduler"
)

// ProcessingHandler 管线运维接口：手动触发、运行状态、模型管理、健康检查
type ProcessingHandler struct {
	scheduler *scheduler.Scheduler
	jobs      repository.JobRepository
	modelRepo repository.ModelRepository
	manager   *ml.Manager
	kv        cache.KVStore
	db        *sql.DB
	redis     *redis.Client
	logger    *zap.Logger
}

// NewProcessingHandler 创建运维接口处理器
func NewProcessingHandler(
	sched *scheduler.Scheduler,
	jobs repository.JobRepository,
	modelRepo repository.ModelRepository,
	manager *ml.Manager,
	kv cache.KVStore,
	db *sql.DB,
	redisClient *redis.Client,
	logger *zap.Logger,
) *ProcessingHandler {
	return &ProcessingHandler{
		scheduler: sched,
		jobs:      jobs,
		modelRepo: modelRepo,
		manager:   manager,
		kv:        kv,
		db:        db,
		redis:     redisClient,
		logger:    logger,
	}
}

// TriggerJob 手动触发一次任务
// 互斥槽位在请求内同步抢占，任务体脱离请求生命周期在后台执行；
// 并发触发只有抢到槽位的一方收到 202，其余收到 409
func (h *ProcessingHandler) TriggerJob(w http.ResponseWriter, r *http.Request, jobName string) {
	jobType, err := models.ParseJobType(jobName)
	if err != nil {
		writeJSON(w, http.StatusNotFound, Fail("unknown job type: "+jobName))
		return
	}

	switch err := h.scheduler.RunDetached(context.Background(), jobType); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, Ok(map[string]interface{}{
			"job_type":  jobType.String(),
			"triggered": true,
		}))
	case errors.Is(err, scheduler.ErrJobAlreadyRunning):
		writeJSON(w, http.StatusConflict, Fail("job of this type is already running"))
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeJSON(w, http.StatusNotFound, Fail("job type not registered: "+jobName))
	default:
		h.logger.Error("Failed to trigger job",
			zap.String("job_type", jobType.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("trigger failed"))
	}
}

// jobStatusEntry 单个任务类型的运行状态
type jobStatusEntry struct {
	JobType     string                `json:"job_type"`
	Running     bool                  `json:"running"`
	LastRun     *models.ProcessingJob `json:"last_run,omitempty"`
	LastSuccess *models.ProcessingJob `json:"last_success,omitempty"`
}

// statusResponse 管线整体状态
type statusResponse struct {
	Jobs      []jobStatusEntry       `json:"jobs"`
	Models    []models.MLModelRecord `json:"models"`
	CacheKeys map[string]int64       `json:"cache_keys"`
}

// GetStatus 返回各任务最近运行情况、模型清单与缓存 key 统计
func (h *ProcessingHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{CacheKeys: make(map[string]int64)}

	for _, jobType := range models.AllJobTypes() {
		entry := jobStatusEntry{
			JobType: jobType.String(),
			Running: h.scheduler.Running(jobType),
		}
		if last, err := h.jobs.LatestJob(ctx, jobType); err == nil {
			entry.LastRun = last
		} else if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Warn("Failed to load latest job",
				zap.String("job_type", jobType.String()), zap.Error(err))
		}
		if success, err := h.jobs.LastSuccessful(ctx, jobType); err == nil {
			entry.LastSuccess = success
		} else if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Warn("Failed to load last successful job",
				zap.String("job_type", jobType.String()), zap.Error(err))
		}
		resp.Jobs = append(resp.Jobs, entry)
	}

	if list, err := h.modelRepo.ListModels(ctx); err == nil {
		resp.Models = list
	} else {
		h.logger.Warn("Failed to list models for status", zap.Error(err))
	}

	for label, pattern := range map[string]string{
		"node_latest":    "node:*:latest",
		"node_metrics":   "node:*:metrics:*",
		"node_forecasts": "node:*:forecast",
		"system_metrics": "system:metrics:*",
	} {
		count, err := h.kv.CountKeys(ctx, pattern)
		if err != nil {
			h.logger.Warn("Failed to count cache keys",
				zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		resp.CacheKeys[label] = count
	}

	writeJSON(w, http.StatusOK, Ok(resp))
}

// ListModels 模型注册表清单
func (h *ProcessingHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.modelRepo.ListModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list models"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(list))
}

// PromoteModel 把候选模型升级为 active
func (h *ProcessingHandler) PromoteModel(w http.ResponseWriter, r *http.Request, modelID string) {
	err := h.manager.Promote(r.Context(), modelID)
	if err == nil {
		writeJSON(w, http.StatusOK, Ok(map[string]interface{}{
			"model_id": modelID,
			"status":   string(models.ModelStatusActive),
		}))
		return
	}

	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail("model not found: "+modelID))
	case errors.Is(err, models.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, Fail(err.Error()))
	default:
		h.logger.Error("Model promotion failed",
			zap.String("model_id", modelID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("promotion failed"))
	}
}

// Healthz 健康检查：探活数据库与 Redis
func (h *ProcessingHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true

	if err := h.db.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, Ok(checks))
}
