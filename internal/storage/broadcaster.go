package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/config"
)

// Broadcaster 实时消息后端
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload any) error
	Backend() string
	Close() error
}

// NewBroadcaster 按 broadcast.backend 选择 Redis 或 MQTT
func NewBroadcaster(cfg *config.Config, log *logrus.Logger) (Broadcaster, error) {
	switch cfg.Broadcast.Backend {
	case config.BackendRedis:
		return NewRedisBroadcaster(cfg.Redis, log)
	case config.BackendMQTT:
		return NewMQTTBroadcaster(cfg.MQTT, log)
	default:
		return nil, fmt.Errorf("未知的广播后端: %q", cfg.Broadcast.Backend)
	}
}
