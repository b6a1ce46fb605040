package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/config"
)

// MQTTBroadcaster 通过 MQTT 推送实时读数, 主题与 Redis 后端一致
type MQTTBroadcaster struct {
	client mqtt.Client
	qos    byte
	log    *logrus.Logger
}

func NewMQTTBroadcaster(cfg config.MQTTConfig, log *logrus.Logger) (*MQTTBroadcaster, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("MQTT连接断开: %v", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("连接MQTT超时: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("连接MQTT失败: %w", err)
	}

	log.Infof("MQTT连接成功: %s", cfg.Broker)
	return &MQTTBroadcaster{client: client, qos: cfg.QoS, log: log}, nil
}

// Publish 发布 JSON 消息, 等待 broker 确认或 ctx 取消
func (b *MQTTBroadcaster) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	token := b.client.Publish(topic, b.qos, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}
	return nil
}

func (b *MQTTBroadcaster) Backend() string {
	return config.BackendMQTT
}

func (b *MQTTBroadcaster) Close() error {
	b.client.Disconnect(250)
	return nil
}
