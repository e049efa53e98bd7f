package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSinkConfig 描述 Redis 发布通道的连接参数。
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisSink 通过 Redis PUBLISH 把事件广播给订阅方。
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink 创建 Redis sink 并检查连接。
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisSink(client, cfg.Channel), nil
}

func newRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "openmcp:settlement"
	}
	return &RedisSink{client: client, channel: channel}
}

// ChannelFor 返回事件发布到的频道，形如 openmcp:settlement:escrow:created。
func (s *RedisSink) ChannelFor(evt Event) string {
	return s.channel + ":" + evt.Type
}

// Deliver 将事件编码为 JSON 后发布。
func (s *RedisSink) Deliver(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := s.client.Publish(ctx, s.ChannelFor(evt), body).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Sink = (*RedisSink)(nil)
