package redisutil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
// 消息格式固定为 {"data": <json>, "timestamp": <unix>}
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}

	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

// ReadFromStream 以消费者组方式从 Redis Streams 读取消息（阻塞最多 5 秒）
func ReadFromStream(ctx context.Context, client *redis.Client, stream string, consumerGroup string, consumer string, count int64) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    time.Second * 5,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}

	return messages, nil
}

// AckMessage 确认消息已处理
func AckMessage(ctx context.Context, client *redis.Client, stream, consumerGroup string, ids ...string) error {
	return client.XAck(ctx, stream, consumerGroup, ids...).Err()
}

// CreateConsumerGroup 创建消费者组（stream 不存在时先用 MKSTREAM 语义创建）
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream string, groupName string) error {
	err := client.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()
	// "BUSYGROUP" 说明组已存在，属于正常情况
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}
