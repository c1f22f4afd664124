package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/aggregator"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/cache"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/redisutil"
)

// SyncEventConsumer 消费聚合完成事件，对事件里的监测点做增量缓存刷新
// 消费者组语义：多实例部署时每条事件只被一个实例处理
type SyncEventConsumer struct {
	client       *redis.Client
	synchronizer *cache.Synchronizer
	stream       string
	group        string
	consumer     string
	batchSize    int64
	logger       *zap.Logger
}

// NewSyncEventConsumer 创建事件消费者
func NewSyncEventConsumer(
	client *redis.Client,
	synchronizer *cache.Synchronizer,
	stream, group, consumerName string,
	batchSize int,
	logger *zap.Logger,
) *SyncEventConsumer {
	return &SyncEventConsumer{
		client:       client,
		synchronizer: synchronizer,
		stream:       stream,
		group:        group,
		consumer:     consumerName,
		batchSize:    int64(batchSize),
		logger:       logger,
	}
}

// Start 建消费者组并进入消费循环，ctx 取消后返回
func (c *SyncEventConsumer) Start(ctx context.Context) error {
	if err := redisutil.CreateConsumerGroup(ctx, c.client, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Sync event consumer started",
		zap.String("stream", c.stream),
		zap.String("group", c.group),
		zap.String("consumer", c.consumer),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sync event consumer stopped")
			return nil
		default:
		}

		messages, err := redisutil.ReadFromStream(ctx, c.client, c.stream, c.group, c.consumer, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Failed to read from event stream", zap.Error(err))
			// 退避一下再试，避免 Redis 故障时空转
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, msg := range messages {
			c.handleMessage(ctx, msg)
		}
	}
}

// handleMessage 处理一条事件；解析失败的消息直接 ack 丢弃（毒消息不重投）
func (c *SyncEventConsumer) handleMessage(ctx context.Context, msg redisutil.StreamMessage) {
	defer func() {
		if err := redisutil.AckMessage(ctx, c.client, c.stream, c.group, msg.ID); err != nil {
			c.logger.Warn("Failed to ack stream message",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	}()

	raw, ok := msg.Values["data"].(string)
	if !ok {
		c.logger.Warn("Stream message without data field", zap.String("message_id", msg.ID))
		return
	}

	var event aggregator.SyncEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		c.logger.Warn("Failed to decode sync event",
			zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if len(event.NodeIDs) == 0 {
		return
	}

	stats := c.synchronizer.RefreshNodes(ctx, event.NodeIDs, event.End)
	c.logger.Debug("Sync event processed",
		zap.String("job_id", event.JobID),
		zap.Int("nodes", len(event.NodeIDs)),
		zap.Int("keys_written", stats.KeysWritten),
		zap.Int("keys_failed", stats.KeysFailed),
	)
}
