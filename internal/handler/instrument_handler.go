package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/calibration"
	"thermohygrometer-server/internal/instrument"
	"thermohygrometer-server/internal/model"
	"thermohygrometer-server/internal/monitor"
	"thermohygrometer-server/pkg/protocol"
)

// DefaultPollInterval 轮询间隔
const DefaultPollInterval = 5 * time.Second

// Client 仪器会话
type Client interface {
	Address() string
	State() instrument.State
	Connect(ctx context.Context) error
	Identify(ctx context.Context) (protocol.InstrumentIdentity, error)
	SynchronizeClock(ctx context.Context) (bool, error)
	ReadAllChannels(ctx context.Context) map[int]*protocol.Reading
	Disconnect() error
}

// MeasurementSaver 样本持久化
type MeasurementSaver interface {
	SaveMeasurement(ctx context.Context, m *model.Measurement) error
}

// Broadcaster 向订阅方推送消息
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload any) error
	Backend() string
}

// Message 广播消息
type Message struct {
	Type         string                 `json:"type"`
	InstrumentID int64                  `json:"instrument_id"`
	Date         string                 `json:"date,omitempty"`
	Reading      *model.EnrichedReading `json:"reading,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

const (
	MessageReading      = "thermo_data"
	MessageConnected    = "instrument_connected"
	MessageDisconnected = "instrument_disconnected"
	MessageError        = "instrument_error"
)

type Options struct {
	PollInterval time.Duration
	// Location 仪器时间戳所在时区
	Location *time.Location
	Now      func() time.Time
	// OnConnected 识别成功后调用一次
	OnConnected func(ctx context.Context)
}

// InstrumentHandler 一台仪器的轮询循环: 读取, 修正, 广播, 按间隔保存
type InstrumentHandler struct {
	client      Client
	store       MeasurementSaver
	broadcaster Broadcaster
	inst        *model.Instrument
	sensors     []*model.Sensor
	certs       map[int64]*calibration.Certificate
	log         *logrus.Logger

	pollInterval time.Duration
	loc          *time.Location
	now          func() time.Time
	onConnected  func(ctx context.Context)

	// lastSaved 每个通道上次保存的读数时间
	lastSaved map[int]time.Time
}

func NewInstrumentHandler(
	client Client,
	store MeasurementSaver,
	broadcaster Broadcaster,
	inst *model.Instrument,
	sensors []*model.Sensor,
	certs map[int64]*calibration.Certificate,
	log *logrus.Logger,
	opts Options,
) *InstrumentHandler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(sensors) == 0 {
		// 未配置通道时使用通道 1, 不关联 sensor 记录
		sensors = []*model.Sensor{{InstrumentID: inst.ID, Channel: protocol.ChannelOne, Name: inst.Name}}
	}

	return &InstrumentHandler{
		client:       client,
		store:        store,
		broadcaster:  broadcaster,
		inst:         inst,
		sensors:      sensors,
		certs:        certs,
		log:          log,
		pollInterval: opts.PollInterval,
		loc:          opts.Location,
		now:          opts.Now,
		onConnected:  opts.OnConnected,
		lastSaved:    map[int]time.Time{},
	}
}

func (h *InstrumentHandler) fields() logrus.Fields {
	return logrus.Fields{
		"instrument_id": h.inst.ID,
		"address":       h.client.Address(),
	}
}

// Run 连接并轮询直到 ctx 取消或连接丢失
//
// ctx 取消时返回 nil; 连接与识别失败返回错误, 由调用方稍后重试.
func (h *InstrumentHandler) Run(ctx context.Context) error {
	if err := h.client.Connect(ctx); err != nil {
		monitor.SessionAttempts.WithLabelValues("failed").Inc()
		return err
	}
	defer func() {
		h.client.Disconnect()
		monitor.ActiveSessions.Dec()
		h.log.WithFields(h.fields()).Info("仪器会话结束")
	}()

	monitor.ActiveSessions.Inc()
	monitor.SessionAttempts.WithLabelValues("connected").Inc()

	id, err := h.client.Identify(ctx)
	if err != nil {
		return fmt.Errorf("识别仪器失败: %w", err)
	}
	if id.PartNumber != h.inst.PartNumber || id.SerialNumber != h.inst.SerialNumber {
		h.log.WithFields(h.fields()).Warnf("仪器身份与记录不符: %s/%s, 记录 %s/%s",
			id.PartNumber, id.SerialNumber, h.inst.PartNumber, h.inst.SerialNumber)
	}
	if h.onConnected != nil {
		h.onConnected(ctx)
	}

	if adjusted, err := h.client.SynchronizeClock(ctx); err != nil {
		h.log.WithFields(h.fields()).Warnf("同步仪器时钟失败: %v", err)
	} else if adjusted {
		h.log.WithFields(h.fields()).Info("仪器时钟已校正")
	}

	h.log.WithFields(h.fields()).Infof("开始轮询, 间隔 %s, 通道 %d 个", h.pollInterval, len(h.sensors))

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		if err := h.poll(ctx); err != nil {
			h.publish(ctx, h.inst.GroupTopic(), Message{Type: MessageError, InstrumentID: h.inst.ID, Error: err.Error()})
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// poll 读取所有通道并处理配置的 sensor
func (h *InstrumentHandler) poll(ctx context.Context) error {
	start := time.Now()
	defer func() {
		monitor.PollDuration.Observe(time.Since(start).Seconds())
	}()

	readings := h.client.ReadAllChannels(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if h.client.State() != instrument.Connected {
		return &protocol.ConnectionError{Address: h.client.Address(), Err: protocol.ErrNotConnected}
	}

	instrumentID := strconv.FormatInt(h.inst.ID, 10)
	for _, sensor := range h.sensors {
		r, ok := readings[sensor.Channel]
		if !ok {
			monitor.ReadErrors.WithLabelValues(instrumentID).Inc()
			continue
		}
		monitor.ReadingsReceived.WithLabelValues(instrumentID, strconv.Itoa(sensor.Channel)).Inc()
		h.process(ctx, sensor, r)
	}
	return nil
}

func (h *InstrumentHandler) process(ctx context.Context, sensor *model.Sensor, r *protocol.Reading) {
	at := r.Time(h.loc, h.now().In(h.loc))
	enriched := model.Enrich(*r, h.inst, sensor, h.certificate(sensor))

	msg := Message{
		Type:         MessageReading,
		InstrumentID: h.inst.ID,
		Date:         at.Format(protocol.DateLayout),
		Reading:      &enriched,
	}
	for _, topic := range h.topics(sensor) {
		h.publish(ctx, topic, msg)
	}

	h.maybePersist(ctx, sensor, enriched, at)
}

func (h *InstrumentHandler) topics(sensor *model.Sensor) []string {
	topics := []string{h.inst.Topic()}
	if sensor.ID != 0 {
		topics = append(topics, sensor.Topic())
	}
	return append(topics, h.inst.GroupTopic())
}

func (h *InstrumentHandler) certificate(sensor *model.Sensor) *calibration.Certificate {
	if sensor.CertificateID == nil {
		return nil
	}
	return h.certs[*sensor.CertificateID]
}

// maybePersist 距上次保存不足保存间隔时跳过
func (h *InstrumentHandler) maybePersist(ctx context.Context, sensor *model.Sensor, r model.EnrichedReading, at time.Time) {
	if last, ok := h.lastSaved[sensor.Channel]; ok && at.Before(last.Add(h.inst.SaveInterval())) {
		return
	}

	m := r.ToMeasurement(h.inst, sensor, at)
	if err := h.store.SaveMeasurement(ctx, m); err != nil {
		monitor.PersistErrors.Inc()
		if !errors.Is(err, context.Canceled) {
			h.log.WithFields(h.fields()).WithField("channel", sensor.Channel).Errorf("保存样本失败: %v", err)
		}
		return
	}

	h.lastSaved[sensor.Channel] = at
	monitor.MeasurementsSaved.Inc()
	h.log.WithFields(h.fields()).WithField("channel", sensor.Channel).Debugf("样本已保存: %s", at.Format(protocol.DateLayout))
}

func (h *InstrumentHandler) publish(ctx context.Context, topic string, msg Message) {
	if h.broadcaster == nil {
		return
	}
	if err := h.broadcaster.Publish(ctx, topic, msg); err != nil {
		monitor.BroadcastErrors.WithLabelValues(h.broadcaster.Backend()).Inc()
		h.log.WithFields(h.fields()).Warnf("广播失败 [%s]: %v", topic, err)
	}
}
