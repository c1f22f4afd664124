package aggregator

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/redisutil"
)

// SyncEvent 聚合完成事件，下游缓存同步消费者按 NodeIDs 做增量刷新
type SyncEvent struct {
	JobID   string         `json:"job_id"`
	JobType models.JobType `json:"job_type"`
	Start   time.Time      `json:"start"`
	End     time.Time      `json:"end"`
	NodeIDs []string       `json:"node_ids"`
}

// EventPublisher 把聚合完成事件发布到 Redis Stream
type EventPublisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewEventPublisher 创建事件发布器
func NewEventPublisher(client *redis.Client, stream string, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{client: client, stream: stream, logger: logger}
}

// PublishSyncEvent 发布一条同步事件
// 发布失败只记日志：缓存刷新错过一个事件可由下一个小时级全量刷新兜底
func (p *EventPublisher) PublishSyncEvent(ctx context.Context, event SyncEvent) {
	if _, err := redisutil.PublishJSONToStream(ctx, p.client, p.stream, event); err != nil {
		p.logger.Warn("Failed to publish sync event",
			zap.String("job_id", event.JobID),
			zap.String("job_type", event.JobType.String()),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("Sync event published",
		zap.String("job_id", event.JobID),
		zap.String("job_type", event.JobType.String()),
		zap.Int("nodes", len(event.NodeIDs)),
	)
}
