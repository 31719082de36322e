package events

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// redisPublishClient 是 RedisPublisher 用到的命令子集。
type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// RedisPublisher 通过 Redis PUBLISH 广播事件。
type RedisPublisher struct {
	client  redisPublishClient
	channel string
}

// NewRedisPublisher 基于已建立的客户端创建发布器。
func NewRedisPublisher(client *goredis.Client, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	return newRedisPublisher(client, channel), nil
}

func newRedisPublisher(client redisPublishClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = "finassist:events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish 发布 JSON 编码的事件。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 不关闭共享的 Redis 客户端，由创建方负责。
func (p *RedisPublisher) Close() error { return nil }

var _ Publisher = (*RedisPublisher)(nil)
