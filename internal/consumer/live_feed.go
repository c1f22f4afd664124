package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/cache"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/mqtt"
)

// liveReading SCADA 实时推送的单条读数载荷
type liveReading struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	FlowRate  float64   `json:"flow_rate"`
	Pressure  float64   `json:"pressure"`
}

// LiveFeedConsumer 订阅 SCADA 实时读数，直写 node:{id}:latest
// 只做热层快照更新，聚合仍以冷层批数据为准；broker 未配置时整个组件不启动
type LiveFeedConsumer struct {
	client *mqtt.Client
	kv     cache.KVStore
	topic  string
	qos    byte
	ttl    time.Duration
	logger *zap.Logger
}

// NewLiveFeedConsumer 创建实时数据消费者
func NewLiveFeedConsumer(client *mqtt.Client, kv cache.KVStore, topic string, qos byte, ttl time.Duration, logger *zap.Logger) *LiveFeedConsumer {
	return &LiveFeedConsumer{
		client: client,
		kv:     kv,
		topic:  topic,
		qos:    qos,
		ttl:    ttl,
		logger: logger,
	}
}

// Start 订阅实时读数主题
func (c *LiveFeedConsumer) Start(ctx context.Context) error {
	handler := func(topic string, payload []byte) error {
		return c.handleReading(ctx, topic, payload)
	}
	if err := c.client.Subscribe(c.topic, c.qos, handler); err != nil {
		return fmt.Errorf("failed to subscribe to live feed: %w", err)
	}
	c.logger.Info("Live feed consumer started", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *LiveFeedConsumer) Stop() {
	if err := c.client.Unsubscribe(c.topic); err != nil {
		c.logger.Warn("Failed to unsubscribe live feed", zap.Error(err))
	}
}

// handleReading 解析一条实时读数并刷新 latest 快照
// node_id 优先取载荷字段，缺失时回退到主题最后一段
func (c *LiveFeedConsumer) handleReading(ctx context.Context, topic string, payload []byte) error {
	var reading liveReading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return fmt.Errorf("decode live reading: %w", err)
	}
	if reading.NodeID == "" {
		parts := strings.Split(topic, "/")
		reading.NodeID = parts[len(parts)-1]
	}
	if reading.NodeID == "" {
		return fmt.Errorf("live reading without node id on topic %s", topic)
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}

	snapshot := cache.LatestSnapshot{
		NodeID:    reading.NodeID,
		Timestamp: reading.Timestamp.UTC(),
		FlowRate:  reading.FlowRate,
		Pressure:  reading.Pressure,
		// 实时推送未经质量评分，下一轮聚合会覆盖为打分后的快照
		QualityScore: 0,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal latest snapshot: %w", err)
	}
	if err := c.kv.Set(ctx, cache.KeyNodeLatest(reading.NodeID), string(data), c.ttl); err != nil {
		return fmt.Errorf("write latest snapshot: %w", err)
	}
	return nil
}
