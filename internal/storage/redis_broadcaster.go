package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/config"
)

// RedisBroadcaster 通过 Redis Pub/Sub 推送实时读数
type RedisBroadcaster struct {
	client       *redis.Client
	historyLimit int64
	log          *logrus.Logger
}

func NewRedisBroadcaster(cfg config.RedisConfig, log *logrus.Logger) (*RedisBroadcaster, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info("Redis连接成功")
	return newRedisBroadcaster(client, cfg.HistoryLimit, log), nil
}

func newRedisBroadcaster(client *redis.Client, historyLimit int, log *logrus.Logger) *RedisBroadcaster {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &RedisBroadcaster{
		client:       client,
		historyLimit: int64(historyLimit),
		log:          log,
	}
}

// HistoryKey 主题的最近消息列表
func HistoryKey(topic string) string {
	return fmt.Sprintf("thermo:%s:history", topic)
}

// Publish 发布到主题, 同时写入有长度上限的历史列表
func (b *RedisBroadcaster) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	// 同时保存到Redis List（作为持久化备份）
	key := HistoryKey(topic)
	pipe := b.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, b.historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warnf("保存到List失败 [%s]: %v", key, err)
	}

	return nil
}

func (b *RedisBroadcaster) Backend() string {
	return config.BackendRedis
}

// Close 关闭连接
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
