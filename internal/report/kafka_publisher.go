package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/analysis"
	"thermohygrometer-server/internal/config"
	"thermohygrometer-server/internal/monitor"
)

// ErrReportingDisabled 未启用报告管道
var ErrReportingDisabled = errors.New("报告管道未启用")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 把分析统计发送到报告生成管道
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    *logrus.Logger
}

// NewKafkaPublisher 未启用时返回的发布器对每次发送返回 ErrReportingDisabled
func NewKafkaPublisher(cfg config.ReportConfig, log *logrus.Logger) *KafkaPublisher {
	p := &KafkaPublisher{topic: cfg.Topic, log: log}
	if !cfg.Enabled {
		log.Info("报告管道未启用")
		return p
	}

	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	log.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("报告管道已连接")
	return p
}

func (p *KafkaPublisher) Enabled() bool {
	return p.writer != nil
}

// PublishAnalysis 以请求 ID 为键发送统计字典 (JSON)
func (p *KafkaPublisher) PublishAnalysis(ctx context.Context, requestID string, result *analysis.Result) error {
	if p.writer == nil {
		return ErrReportingDisabled
	}

	value, err := json.Marshal(result.Statistics())
	if err != nil {
		return fmt.Errorf("序列化统计失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(requestID),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送分析结果失败: %w", err)
	}

	monitor.ReportsPublished.Inc()
	p.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"topic":      p.topic,
		"bytes":      len(value),
	}).Info("分析结果已发送到报告管道")
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
