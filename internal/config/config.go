package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/scheduler"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/database"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/mqtt"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/redisutil"
)

// Config 处理服务配置
type Config struct {
	Database database.Config
	Redis    redisutil.Config

	// BigQuery 冷层数据仓库
	BigQuery struct {
		ProjectID     string
		Dataset       string
		ReadingsTable string
		Location      string
	}

	// Forecast 预测/异常检测服务（BigQuery ML 封装 API）
	Forecast struct {
		BaseURL      string
		APIKey       string
		HorizonHours int // 默认预测时域（小时）
	}

	// MQTT SCADA 实时数据源（可选，未配置 broker 时禁用）
	MQTT struct {
		mqtt.Config
		Enabled bool
		Topic   string
	}

	// Processing 管线参数
	Processing struct {
		WorkerPoolSize int           // 逐监测点并发上限
		CacheTTL       time.Duration // 热层缓存 TTL
		RetentionDays  int           // 5min 聚合与过期预测的保留天数

		// 事件流（聚合完成 → 增量缓存刷新）
		EventStream   string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int

		// 数据质量评分
		Quality struct {
			WeightCompleteness float64
			WeightValidity     float64
			WeightConsistency  float64
			Floor              float64 // 低于此分数的窗口进入 quality_issues
		}

		// 合理值范围（validity 校验）
		SaneRanges struct {
			FlowRateMax    float64 // L/s
			PressureMin    float64 // bar
			PressureMax    float64
			TemperatureMin float64 // °C
			TemperatureMax float64
		}

		// 模型评估
		MAPEDegradedThreshold float64 // 超过即标记 degraded
		AnomalyScoreThreshold float64 // 异常扫描判定阈值
	}

	// Scheduler 各任务的触发表达式与超时预算
	Scheduler struct {
		FullSync         string
		CacheRefresh     string
		RealtimeSync     string
		AnomalyScan      string
		QualityCheck     string
		EfficiencyRollup string
		RetentionCleanup string

		DefaultJobTimeout time.Duration
		FullSyncTimeout   time.Duration
	}

	HTTP struct {
		ListenAddr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
// 触发表达式在此处解析校验一次，语法错误直接启动失败
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "abbanoa")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.BigQuery.ProjectID = getEnv("BQ_PROJECT_ID", "")
	cfg.BigQuery.Dataset = getEnv("BQ_DATASET", "water_infrastructure")
	cfg.BigQuery.ReadingsTable = getEnv("BQ_READINGS_TABLE", "sensor_readings")
	cfg.BigQuery.Location = getEnv("BQ_LOCATION", "EU")

	cfg.Forecast.BaseURL = getEnv("FORECAST_BASE_URL", "http://localhost:8580")
	cfg.Forecast.APIKey = getEnv("FORECAST_API_KEY", "")
	cfg.Forecast.HorizonHours = getEnvInt("FORECAST_HORIZON_HOURS", 24)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.Enabled = cfg.MQTT.Broker != ""
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "abbanoa-processing")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "scada/readings/#")

	cfg.Processing.WorkerPoolSize = getEnvInt("PROC_WORKER_POOL_SIZE", 8)
	cfg.Processing.CacheTTL = getEnvDuration("PROC_CACHE_TTL", 24*time.Hour)
	cfg.Processing.RetentionDays = getEnvInt("PROC_RETENTION_DAYS", 90)

	cfg.Processing.EventStream = getEnv("PROC_EVENT_STREAM", "processing:events")
	cfg.Processing.ConsumerGroup = getEnv("PROC_CONSUMER_GROUP", "processing-sync")
	cfg.Processing.ConsumerName = getEnv("PROC_CONSUMER_NAME", "processing-sync-1")
	cfg.Processing.BatchSize = getEnvInt("PROC_BATCH_SIZE", 10)

	// 质量评分权重：完整性 0.4 / 有效性 0.3 / 一致性 0.3
	cfg.Processing.Quality.WeightCompleteness = getEnvFloat("QUALITY_WEIGHT_COMPLETENESS", 0.4)
	cfg.Processing.Quality.WeightValidity = getEnvFloat("QUALITY_WEIGHT_VALIDITY", 0.3)
	cfg.Processing.Quality.WeightConsistency = getEnvFloat("QUALITY_WEIGHT_CONSISTENCY", 0.3)
	cfg.Processing.Quality.Floor = getEnvFloat("QUALITY_FLOOR", 0.6)

	cfg.Processing.SaneRanges.FlowRateMax = getEnvFloat("SANE_FLOW_RATE_MAX", 500)
	cfg.Processing.SaneRanges.PressureMin = getEnvFloat("SANE_PRESSURE_MIN", 0)
	cfg.Processing.SaneRanges.PressureMax = getEnvFloat("SANE_PRESSURE_MAX", 16)
	cfg.Processing.SaneRanges.TemperatureMin = getEnvFloat("SANE_TEMPERATURE_MIN", -5)
	cfg.Processing.SaneRanges.TemperatureMax = getEnvFloat("SANE_TEMPERATURE_MAX", 45)

	cfg.Processing.MAPEDegradedThreshold = getEnvFloat("ML_MAPE_DEGRADED_THRESHOLD", 0.20)
	cfg.Processing.AnomalyScoreThreshold = getEnvFloat("ML_ANOMALY_SCORE_THRESHOLD", 0.8)

	// 任务节拍：全量同步每日凌晨，缓存刷新每小时，近实时同步 5 分钟，
	// 异常扫描 15 分钟，质量检查每日，效率汇总 5 分钟，保留清理每周
	cfg.Scheduler.FullSync = getEnv("SCHED_FULL_SYNC", "daily 02:00")
	cfg.Scheduler.CacheRefresh = getEnv("SCHED_CACHE_REFRESH", "hourly :00")
	cfg.Scheduler.RealtimeSync = getEnv("SCHED_REALTIME_SYNC", "every 5m")
	cfg.Scheduler.AnomalyScan = getEnv("SCHED_ANOMALY_SCAN", "every 15m")
	cfg.Scheduler.QualityCheck = getEnv("SCHED_QUALITY_CHECK", "daily 03:30")
	cfg.Scheduler.EfficiencyRollup = getEnv("SCHED_EFFICIENCY_ROLLUP", "every 5m")
	cfg.Scheduler.RetentionCleanup = getEnv("SCHED_RETENTION_CLEANUP", "weekly sun 04:00")

	cfg.Scheduler.DefaultJobTimeout = getEnvDuration("SCHED_JOB_TIMEOUT", 10*time.Minute)
	cfg.Scheduler.FullSyncTimeout = getEnvDuration("SCHED_FULL_SYNC_TIMEOUT", 45*time.Minute)

	cfg.HTTP.ListenAddr = getEnv("HTTP_LISTEN_ADDR", ":8085")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// 触发表达式只在启动时解析一次
	for jobType, expr := range cfg.Schedules() {
		if _, err := scheduler.ParseTrigger(expr); err != nil {
			return nil, fmt.Errorf("schedule for %s: %w", jobType, err)
		}
	}

	return cfg, nil
}

// Schedules 各任务类型对应的触发表达式
func (c *Config) Schedules() map[models.JobType]string {
	return map[models.JobType]string{
		models.JobFullSync:         c.Scheduler.FullSync,
		models.JobCacheRefresh:     c.Scheduler.CacheRefresh,
		models.JobRealtimeSync:     c.Scheduler.RealtimeSync,
		models.JobAnomalyScan:      c.Scheduler.AnomalyScan,
		models.JobQualityCheck:     c.Scheduler.QualityCheck,
		models.JobEfficiencyRollup: c.Scheduler.EfficiencyRollup,
		models.JobRetentionCleanup: c.Scheduler.RetentionCleanup,
	}
}

// JobTimeout 任务墙钟超时预算
func (c *Config) JobTimeout(jobType models.JobType) time.Duration {
	if jobType == models.JobFullSync {
		return c.Scheduler.FullSyncTimeout
	}
	return c.Scheduler.DefaultJobTimeout
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
