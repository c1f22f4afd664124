package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/aggregator"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/cache"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/coldstore"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/config"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/consumer"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/httpapi"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/ml"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/scheduler"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/database"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/mqtt"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/redisutil"
)

// defaultFullSyncLookback 没有成功的全量同步记录时回溯的范围
const defaultFullSyncLookback = 30 * 24 * time.Hour

// fullSyncOverlap 全量同步在上次成功点之前额外重算的重叠区（吸收迟到数据）
const fullSyncOverlap = 24 * time.Hour

// realtimeLookback 近实时同步回看的范围（覆盖迟到与窗口边界）
const realtimeLookback = 15 * time.Minute

// ProcessingService 处理服务装配层
// 建立全部依赖、注册计划任务、启动消费者与 HTTP 接口
type ProcessingService struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	coldSource  *coldstore.BigQueryReadingSource
	mqttClient  *mqtt.Client

	nodeRepo       repository.NodeRepository
	metricRepo     repository.MetricRepository
	qualityRepo    repository.QualityRepository
	efficiencyRepo repository.EfficiencyRepository
	modelRepo      repository.ModelRepository
	predictionRepo repository.PredictionRepository
	jobRepo        repository.JobRepository

	engine       *aggregator.Engine
	efficiency   *aggregator.EfficiencyCalculator
	publisher    *aggregator.EventPublisher
	synchronizer *cache.Synchronizer
	manager      *ml.Manager
	scheduler    *scheduler.Scheduler

	eventConsumer *consumer.SyncEventConsumer
	liveFeed      *consumer.LiveFeedConsumer
	httpServer    *http.Server

	cancel context.CancelFunc
}

// NewProcessingService 装配处理服务
func NewProcessingService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ProcessingService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warm store: %w", err)
	}

	redisClient := redisutil.NewClient(&cfg.Redis)
	if err := redisutil.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	coldSource, err := coldstore.NewBigQueryReadingSource(ctx, coldstore.BigQueryConfig{
		ProjectID:     cfg.BigQuery.ProjectID,
		Dataset:       cfg.BigQuery.Dataset,
		ReadingsTable: cfg.BigQuery.ReadingsTable,
		Location:      cfg.BigQuery.Location,
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &ProcessingService{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		coldSource:  coldSource,
	}

	s.nodeRepo = repository.NewPostgresNodeRepository(db, logger)
	s.metricRepo = repository.NewPostgresMetricRepository(db, logger)
	s.qualityRepo = repository.NewPostgresQualityRepository(db, logger)
	s.efficiencyRepo = repository.NewPostgresEfficiencyRepository(db, logger)
	s.modelRepo = repository.NewPostgresModelRepository(db, logger)
	s.predictionRepo = repository.NewPostgresPredictionRepository(db, logger)
	s.jobRepo = repository.NewPostgresJobRepository(db, logger)

	kv := cache.NewRedisKVStore(redisClient)
	s.engine = aggregator.NewEngine(cfg, coldSource, s.metricRepo, s.qualityRepo, s.nodeRepo, logger)
	s.efficiency = aggregator.NewEfficiencyCalculator(s.nodeRepo, s.metricRepo, s.efficiencyRepo, logger)
	s.publisher = aggregator.NewEventPublisher(redisClient, cfg.Processing.EventStream, logger)
	s.synchronizer = cache.NewSynchronizer(kv, s.metricRepo, s.nodeRepo, s.predictionRepo, cfg.Processing.CacheTTL, logger)

	forecaster := ml.NewForecastClient(cfg.Forecast.BaseURL, cfg.Forecast.APIKey, logger)
	s.manager = ml.NewManager(cfg, forecaster, s.modelRepo, s.predictionRepo, s.metricRepo, s.nodeRepo, kv, logger)

	s.scheduler = scheduler.New(s.jobRepo, clockwork.NewRealClock(), logger)
	if err := s.registerJobs(); err != nil {
		return nil, err
	}

	s.eventConsumer = consumer.NewSyncEventConsumer(
		redisClient, s.synchronizer,
		cfg.Processing.EventStream, cfg.Processing.ConsumerGroup, cfg.Processing.ConsumerName,
		cfg.Processing.BatchSize, logger,
	)

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.NewClient(&cfg.MQTT.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SCADA broker: %w", err)
		}
		s.mqttClient = mqttClient
		s.liveFeed = consumer.NewLiveFeedConsumer(
			mqttClient, kv, cfg.MQTT.Topic, cfg.MQTT.QoS, cfg.Processing.CacheTTL, logger,
		)
	}

	handler := httpapi.NewProcessingHandler(
		s.scheduler, s.jobRepo, s.modelRepo, s.manager, kv, db, redisClient, logger,
	)
	router := httpapi.NewRouter(logger)
	router.RegisterProcessingRoutes(handler)
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// registerJobs 注册全部计划任务
func (s *ProcessingService) registerJobs() error {
	type jobSpec struct {
		jobType models.JobType
		handler scheduler.HandlerFunc
	}

	schedules := s.cfg.Schedules()
	specs := []jobSpec{
		{models.JobFullSync, s.runFullSync},
		{models.JobCacheRefresh, s.runCacheRefresh},
		{models.JobRealtimeSync, s.runRealtimeSync},
		{models.JobAnomalyScan, s.runAnomalyScan},
		{models.JobQualityCheck, s.runQualityCheck},
		{models.JobEfficiencyRollup, s.runEfficiencyRollup},
		{models.JobRetentionCleanup, s.runRetentionCleanup},
	}

	for _, spec := range specs {
		expr, ok := schedules[spec.jobType]
		if !ok {
			return fmt.Errorf("no schedule configured for %s", spec.jobType)
		}
		timeout := s.cfg.JobTimeout(spec.jobType)
		if err := s.scheduler.Register(spec.jobType, expr, timeout, spec.handler); err != nil {
			return err
		}
	}
	return nil
}

// Start 启动调度、消费者与 HTTP 服务
func (s *ProcessingService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.scheduler.Start(runCtx)

	go func() {
		if err := s.eventConsumer.Start(runCtx); err != nil {
			s.logger.Error("Sync event consumer exited", zap.Error(err))
		}
	}()

	if s.liveFeed != nil {
		if err := s.liveFeed.Start(runCtx); err != nil {
			return err
		}
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.HTTP.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server exited", zap.Error(err))
		}
	}()

	return nil
}

// Stop 优雅停机
func (s *ProcessingService) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	s.scheduler.Wait()

	if s.liveFeed != nil {
		s.liveFeed.Stop()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := s.coldSource.Close(); err != nil {
		s.logger.Warn("Failed to close cold-tier client", zap.Error(err))
	}
	if err := redisutil.Close(s.redisClient); err != nil {
		s.logger.Warn("Failed to close redis client", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("Failed to close warm store connection", zap.Error(err))
	}
	s.logger.Info("Processing service stopped")
}

// runFullSync 每日全量同步：从上次成功点（含重叠区）重算全部窗口，
// 然后重建整个热层缓存，最后滚动评估模型并重新生成预测
func (s *ProcessingService) runFullSync(ctx context.Context) (int, int, error) {
	now := time.Now().UTC()
	start := now.Add(-defaultFullSyncLookback)
	if last, err := s.jobRepo.LastSuccessful(ctx, models.JobFullSync); err == nil && last.StartedAt != nil {
		start = last.StartedAt.Add(-fullSyncOverlap)
	}

	result, err := s.engine.ProcessNewData(ctx, start, now)
	if err != nil {
		return 0, 0, err
	}

	if _, err := s.synchronizer.RefreshAll(ctx, now); err != nil {
		return result.NodesProcessed, result.NodesFailed, fmt.Errorf("cache rebuild failed: %w", err)
	}

	if err := s.manager.EvaluateModels(ctx, now); err != nil {
		s.logger.Warn("Model evaluation failed during full sync", zap.Error(err))
	}
	if _, _, err := s.manager.GeneratePredictions(ctx, nil, 0); err != nil {
		s.logger.Warn("Prediction generation failed during full sync", zap.Error(err))
	}

	return result.NodesProcessed, result.NodesFailed, nil
}

// runCacheRefresh 每小时全量重建热层缓存（兜底，吸收事件丢失）
func (s *ProcessingService) runCacheRefresh(ctx context.Context) (int, int, error) {
	stats, err := s.synchronizer.RefreshAll(ctx, time.Now().UTC())
	if err != nil {
		return 0, 0, err
	}
	return stats.KeysWritten, stats.KeysFailed, nil
}

// runRealtimeSync 近实时同步：回看 15 分钟，只重算 5min/1hour 两档窗口，
// 完成后发布事件让缓存消费者做增量刷新
func (s *ProcessingService) runRealtimeSync(ctx context.Context) (int, int, error) {
	now := time.Now().UTC()
	start := now.Add(-realtimeLookback)

	result, err := s.engine.ProcessWindows(ctx, start, now,
		[]models.TimeWindow{models.Window5Min, models.Window1Hour})
	if err != nil {
		return 0, 0, err
	}

	if len(result.NodesWithData) > 0 {
		s.publisher.PublishSyncEvent(ctx, aggregator.SyncEvent{
			JobType: models.JobRealtimeSync,
			Start:   start,
			End:     now,
			NodeIDs: result.NodesWithData,
		})
	}
	return result.NodesProcessed, result.NodesFailed, nil
}

// runAnomalyScan 异常扫描
func (s *ProcessingService) runAnomalyScan(ctx context.Context) (int, int, error) {
	flagged, err := s.manager.ScanAnomalies(ctx, time.Now().UTC())
	if err != nil {
		return 0, 0, err
	}
	return flagged, 0, nil
}

// runQualityCheck 每日质量盘点：汇总过去 24 小时低于阈值的窗口
func (s *ProcessingService) runQualityCheck(ctx context.Context) (int, int, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	flagged, err := s.qualityRepo.ListFlagged(ctx, since, s.cfg.Processing.Quality.Floor, 500)
	if err != nil {
		return 0, 0, err
	}

	byNode := make(map[string]int)
	for _, q := range flagged {
		byNode[q.NodeID]++
	}
	for nodeID, count := range byNode {
		s.logger.Warn("Node has low-quality windows in the last 24h",
			zap.String("node_id", nodeID),
			zap.Int("windows", count),
		)
	}
	return len(flagged), 0, nil
}

// runEfficiencyRollup 对最近一个已完成的 5 分钟窗口做分区效率汇总
func (s *ProcessingService) runEfficiencyRollup(ctx context.Context) (int, int, error) {
	now := time.Now().UTC()
	windowStart := models.Window5Min.Truncate(now).Add(-5 * time.Minute)
	written, err := s.efficiency.ComputeWindow(ctx, windowStart)
	if err != nil {
		return written, 0, err
	}
	return written, 0, nil
}

// runRetentionCleanup 每周保留清理：删过期 5min 聚合与过期预测
func (s *ProcessingService) runRetentionCleanup(ctx context.Context) (int, int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.Processing.RetentionDays)

	metricsDeleted, err := s.metricRepo.DeleteMetricsBefore(ctx, models.Window5Min, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("metric cleanup failed: %w", err)
	}
	predictionsDeleted, err := s.predictionRepo.DeletePredictionsBefore(ctx, cutoff)
	if err != nil {
		return int(metricsDeleted), 0, fmt.Errorf("prediction cleanup failed: %w", err)
	}

	s.logger.Info("Retention cleanup finished",
		zap.Int64("metrics_deleted", metricsDeleted),
		zap.Int64("predictions_deleted", predictionsDeleted),
		zap.Time("cutoff", cutoff),
	)
	return int(metricsDeleted + predictionsDeleted), 0, nil
}
