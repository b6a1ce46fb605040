package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/calibration"
	"thermohygrometer-server/internal/config"
	"thermohygrometer-server/internal/handler"
	"thermohygrometer-server/internal/instrument"
	"thermohygrometer-server/internal/model"
	"thermohygrometer-server/internal/storage"
	"thermohygrometer-server/pkg/protocol"
)

// Store 会话编排需要的存储操作
type Store interface {
	handler.MeasurementSaver
	ListInstruments(ctx context.Context) ([]*model.Instrument, error)
	ListSensors(ctx context.Context, instrumentID int64) ([]*model.Sensor, error)
	CertificatesFor(ctx context.Context, sensors []*model.Sensor) (map[int64]*calibration.Certificate, error)
	CreateInstrument(ctx context.Context, inst *model.Instrument) error
	UpdateConnectionStatus(ctx context.Context, id int64, connected bool, attempt time.Time) error
}

// ClientFactory 为地址创建仪器客户端
type ClientFactory func(address string, port int) handler.Client

// NewClientFactory 按配置创建 instrument.Client
func NewClientFactory(cfg *config.Config, loc *time.Location, log *logrus.Logger) ClientFactory {
	return func(address string, port int) handler.Client {
		return instrument.New(address,
			instrument.WithPort(port),
			instrument.WithDialTimeout(cfg.Server.DialTimeout),
			instrument.WithReadTimeout(cfg.Server.ReadTimeout),
			instrument.WithLocation(loc),
			instrument.WithLogger(log),
		)
	}
}

type session struct {
	cancel    context.CancelFunc
	connected bool
}

// PollServer 为每台仪器维持一个轮询会话, 断开后按重试间隔重连
type PollServer struct {
	config      *config.Config
	store       Store
	broadcaster handler.Broadcaster
	newClient   ClientFactory
	loc         *time.Location
	log         *logrus.Logger
	limiter     chan struct{}
	wg          sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[int64]*session
	// paused 手动断开的仪器, 重新注册前不自动重连
	paused map[int64]bool
}

func NewPollServer(
	cfg *config.Config,
	store Store,
	broadcaster handler.Broadcaster,
	newClient ClientFactory,
	loc *time.Location,
	log *logrus.Logger,
) *PollServer {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PollServer{
		config:      cfg,
		store:       store,
		broadcaster: broadcaster,
		newClient:   newClient,
		loc:         loc,
		log:         log,
		limiter:     make(chan struct{}, cfg.Server.MaxSessions),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    map[int64]*session{},
		paused:      map[int64]bool{},
	}
}

// Start 立即连接所有仪器, 之后每个重试间隔补连未运行的仪器, 直到 ctx 取消或 Shutdown
func (s *PollServer) Start(ctx context.Context) error {
	s.log.Infof("会话编排启动 (最大会话: %d, 重试间隔: %s)", s.config.Server.MaxSessions, s.config.Server.RetryInterval)

	ticker := time.NewTicker(s.config.Server.RetryInterval)
	defer ticker.Stop()

	for {
		s.connectAll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *PollServer) connectAll(ctx context.Context) {
	list, err := s.store.ListInstruments(ctx)
	if err != nil {
		s.log.Errorf("查询仪器列表失败: %v", err)
		return
	}
	for _, inst := range list {
		s.start(inst, false)
	}
}

// start 启动会话; 已运行或已暂停 (force 为 false 时) 的仪器跳过
func (s *PollServer) start(inst *model.Instrument, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if _, running := s.sessions[inst.ID]; running {
		return false
	}
	if s.paused[inst.ID] && !force {
		return false
	}

	// 会话数限制
	select {
	case s.limiter <- struct{}{}:
	default:
		s.log.WithField("instrument_id", inst.ID).Warn("达到最大会话数, 稍后重试")
		return false
	}

	delete(s.paused, inst.ID)
	ctx, cancel := context.WithCancel(s.ctx)
	s.sessions[inst.ID] = &session{cancel: cancel}
	s.wg.Add(1)
	go s.runSession(ctx, inst)
	return true
}

func (s *PollServer) runSession(ctx context.Context, inst *model.Instrument) {
	defer func() {
		s.mu.Lock()
		sess := s.sessions[inst.ID]
		delete(s.sessions, inst.ID)
		s.mu.Unlock()

		if sess != nil {
			sess.cancel()
		}
		<-s.limiter
		s.wg.Done()
	}()

	log := s.log.WithFields(logrus.Fields{
		"instrument_id": inst.ID,
		"address":       inst.Address,
	})

	sensors, err := s.store.ListSensors(ctx, inst.ID)
	if err != nil {
		log.Errorf("加载通道失败: %v", err)
		return
	}
	certs, err := s.store.CertificatesFor(ctx, sensors)
	if err != nil {
		log.Errorf("加载校准证书失败: %v", err)
		return
	}

	h := handler.NewInstrumentHandler(
		s.newClient(inst.Address, inst.Port),
		s.store,
		s.broadcaster,
		inst,
		sensors,
		certs,
		s.log,
		handler.Options{
			PollInterval: s.config.Server.PollInterval,
			Location:     s.loc,
			OnConnected: func(ctx context.Context) {
				s.setConnected(ctx, inst, true)
			},
		},
	)

	runErr := h.Run(ctx)

	s.mu.Lock()
	wasConnected := s.sessions[inst.ID] != nil && s.sessions[inst.ID].connected
	s.mu.Unlock()

	// ctx 可能已取消, 状态更新使用独立超时
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if wasConnected {
		s.setConnected(statusCtx, inst, false)
	} else {
		s.recordStatus(statusCtx, inst, false)
	}

	if runErr != nil {
		log.Warnf("仪器会话异常结束: %v", runErr)
	}
}

func (s *PollServer) setConnected(ctx context.Context, inst *model.Instrument, connected bool) {
	s.mu.Lock()
	if sess, ok := s.sessions[inst.ID]; ok {
		sess.connected = connected
	}
	s.mu.Unlock()

	s.recordStatus(ctx, inst, connected)

	msgType := handler.MessageDisconnected
	if connected {
		msgType = handler.MessageConnected
	}
	if s.broadcaster == nil {
		return
	}
	msg := handler.Message{Type: msgType, InstrumentID: inst.ID, Date: time.Now().In(s.loc).Format(protocol.DateLayout)}
	if err := s.broadcaster.Publish(ctx, inst.GroupTopic(), msg); err != nil {
		s.log.WithField("instrument_id", inst.ID).Warnf("广播连接状态失败: %v", err)
	}
}

func (s *PollServer) recordStatus(ctx context.Context, inst *model.Instrument, connected bool) {
	if err := s.store.UpdateConnectionStatus(ctx, inst.ID, connected, time.Now()); err != nil {
		s.log.WithField("instrument_id", inst.ID).Errorf("更新连接状态失败: %v", err)
	}
}

// Register 连接并识别新仪器, 按地址写入记录后启动会话
func (s *PollServer) Register(ctx context.Context, address string, port, saveIntervalMinutes int) (*model.Instrument, error) {
	client := s.newClient(address, port)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	id, err := client.Identify(ctx)
	client.Disconnect()
	if err != nil {
		return nil, fmt.Errorf("识别仪器失败: %w", err)
	}

	now := time.Now()
	inst := &model.Instrument{
		Address:               address,
		Port:                  port,
		PartNumber:            id.PartNumber,
		SerialNumber:          id.SerialNumber,
		Name:                  id.SensorLabel,
		GroupName:             model.GroupName(id.PartNumber, id.SerialNumber),
		LastConnectionAttempt: &now,
		SaveIntervalMinutes:   saveIntervalMinutes,
	}
	if err := s.store.CreateInstrument(ctx, inst); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"instrument_id": inst.ID,
		"address":       address,
		"group":         inst.GroupName,
	}).Info("仪器已注册")

	s.start(inst, true)
	return inst, nil
}

// Disconnect 停止仪器会话, 该仪器不再自动重连
func (s *PollServer) Disconnect(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return &storage.NotFoundError{Resource: "session", ID: id}
	}
	s.paused[id] = true
	sess.cancel()
	s.log.WithField("instrument_id", id).Info("仪器会话已请求断开")
	return nil
}

// Connected 已连接的仪器 ID, 升序
func (s *PollServer) Connected() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.connected {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Shutdown 取消所有会话并等待退出, 最长等待到 ctx 截止
func (s *PollServer) Shutdown(ctx context.Context) error {
	s.log.Info("开始关闭仪器会话...")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("所有仪器会话已关闭")
		return nil
	case <-ctx.Done():
		s.log.Warn("关闭超时")
		return ctx.Err()
	}
}
