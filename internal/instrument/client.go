package instrument

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/parser"
	"thermohygrometer-server/pkg/protocol"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultReadTimeout = 2 * time.Second
	// MaxClockDrift 超过该偏差时同步仪器时钟
	MaxClockDrift = 5 * time.Minute
)

// State 会话状态
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer 建立 TCP 连接, 测试中可替换
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Client)

func WithPort(port int) Option {
	return func(c *Client) {
		if port > 0 {
			c.port = port
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

func WithLogger(log *logrus.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClock 主机时钟, 用于时钟同步
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLocation 仪器时钟所在时区
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.loc = loc }
}

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client 一台温湿度计的 TCP 会话
//
// 同一时刻只有一个查询在进行, 所有操作由 mu 串行化.
type Client struct {
	host        string
	port        int
	dialTimeout time.Duration
	readTimeout time.Duration
	log         *logrus.Logger
	now         func() time.Time
	loc         *time.Location
	dialer      Dialer
	parser      *parser.Parser

	mu          sync.Mutex
	conn        net.Conn
	reader      *bufio.Reader
	state       State
	timestamped bool
	// pending 已超时但应答尚未读到的命令数
	pending int
}

func New(host string, opts ...Option) *Client {
	c := &Client{
		host:        host,
		port:        protocol.DefaultPort,
		dialTimeout: DefaultDialTimeout,
		readTimeout: DefaultReadTimeout,
		log:         logrus.StandardLogger(),
		now:         time.Now,
		loc:         time.Local,
		dialer:      &net.Dialer{KeepAlive: 30 * time.Second},
		parser:      parser.NewParser(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address host:port
func (c *Client) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Timestamped 连接时查询到的输出格式
func (c *Client) Timestamped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timestamped
}

// Connect 建立连接并开启带时间戳的输出格式
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Connected {
		return nil
	}
	c.state = Connecting

	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dctx, "tcp", c.Address())
	if err != nil {
		c.state = Disconnected
		return &protocol.ConnectionError{Address: c.Address(), Err: err}
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if err := c.send(ctx, fmt.Sprintf(protocol.CmdFormatSet, 1)); err != nil {
		c.closeLocked()
		return &protocol.ConnectionError{Address: c.Address(), Err: err}
	}
	resp, err := c.query(ctx, protocol.CmdFormatQuery)
	if err != nil {
		c.closeLocked()
		return &protocol.ConnectionError{Address: c.Address(), Err: err}
	}
	c.timestamped = parser.ParseFormatState(resp)
	c.state = Connected

	c.log.WithFields(logrus.Fields{
		"address":     c.Address(),
		"timestamped": c.timestamped,
	}).Info("仪器连接成功")
	return nil
}

// Identify 查询型号, 序列号与传感器标签
func (c *Client) Identify(ctx context.Context) (protocol.InstrumentIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.query(ctx, protocol.CmdIdentify)
	if err != nil {
		return protocol.InstrumentIdentity{}, err
	}
	pn, sn, err := parser.ParseIdentity(resp)
	if err != nil {
		return protocol.InstrumentIdentity{}, err
	}

	label, err := c.query(ctx, protocol.CmdSensorLabel)
	if err != nil {
		return protocol.InstrumentIdentity{}, err
	}

	return protocol.InstrumentIdentity{
		PartNumber:   pn,
		SerialNumber: sn,
		SensorLabel:  parser.ParseSensorLabel(label),
	}, nil
}

// ReadChannel 读取单个通道
func (c *Client) ReadChannel(ctx context.Context, channel int) (*protocol.Reading, error) {
	if channel != protocol.ChannelOne && channel != protocol.ChannelTwo {
		return nil, fmt.Errorf("通道无效: %d", channel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := fmt.Sprintf(protocol.CmdRead, channel)
	resp, err := c.query(ctx, cmd)
	if err != nil {
		return nil, err
	}

	reading, err := c.parser.ParseChannelReading(resp, channel, c.timestamped)
	if err != nil {
		var pe *protocol.ProtocolError
		if errors.As(err, &pe) && pe.Command == "" {
			pe.Command = cmd
		}
		return nil, err
	}
	return reading, nil
}

// ReadAllChannels 依次读取通道 1 和 2, 失败的通道不出现在结果中
func (c *Client) ReadAllChannels(ctx context.Context) map[int]*protocol.Reading {
	out := make(map[int]*protocol.Reading, 2)
	for _, ch := range []int{protocol.ChannelOne, protocol.ChannelTwo} {
		r, err := c.ReadChannel(ctx, ch)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"address": c.Address(),
				"channel": ch,
			}).Debugf("读取通道失败: %v", err)
			continue
		}
		out[ch] = r
	}
	return out
}

// SynchronizeClock 仪器时钟偏差超过 MaxClockDrift 时写入主机时间, 返回是否调整
func (c *Client) SynchronizeClock(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dateResp, err := c.query(ctx, protocol.CmdDateQuery)
	if err != nil {
		return false, err
	}
	timeResp, err := c.query(ctx, protocol.CmdTimeQuery)
	if err != nil {
		return false, err
	}

	device, err := parser.ParseDeviceClock(dateResp, timeResp, c.loc)
	if err != nil {
		return false, err
	}

	now := c.now().In(c.loc)
	drift := now.Sub(device)
	if drift < 0 {
		drift = -drift
	}
	if drift <= MaxClockDrift {
		return false, nil
	}

	if err := c.send(ctx, parser.FormatDateCommand(now)); err != nil {
		return false, err
	}
	if err := c.send(ctx, parser.FormatTimeCommand(now)); err != nil {
		return false, err
	}

	c.log.WithFields(logrus.Fields{
		"address": c.Address(),
		"drift":   drift.String(),
	}).Info("已同步仪器时钟")
	return true, nil
}

// Disconnect 关闭连接, 可重复调用
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	c.state = Disconnected
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.pending = 0
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("关闭连接失败: %w", err)
	}
	return nil
}

// send 写入一条命令, 不等待应答
func (c *Client) send(ctx context.Context, cmd string) error {
	if c.conn == nil {
		return protocol.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.discardLate(ctx, cmd); err != nil {
		return err
	}

	stop := c.watch(ctx)
	defer stop()

	c.conn.SetWriteDeadline(c.deadline(ctx))
	if _, err := c.conn.Write([]byte(cmd + string(protocol.Terminator))); err != nil {
		c.handleIOError(err)
		return &protocol.ReadError{Command: cmd, Err: err}
	}
	return nil
}

// query 写入命令并读取一行 CR 结尾的应答
func (c *Client) query(ctx context.Context, cmd string) (string, error) {
	if err := c.send(ctx, cmd); err != nil {
		return "", err
	}

	stop := c.watch(ctx)
	defer stop()

	c.conn.SetReadDeadline(c.deadline(ctx))
	line, err := c.reader.ReadString(protocol.Terminator)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if !c.handleIOError(err) {
			c.pending++
		}
		return "", &protocol.ReadError{Command: cmd, Err: err}
	}
	return strings.TrimSpace(line), nil
}

// discardLate 丢弃超时命令的迟到应答, 之后的应答才与命令一一对应
//
// 在读超时内未收到迟到应答时断开连接, 由会话重连.
func (c *Client) discardLate(ctx context.Context, cmd string) error {
	for c.pending > 0 {
		stop := c.watch(ctx)
		c.conn.SetReadDeadline(c.deadline(ctx))
		line, err := c.reader.ReadString(protocol.Terminator)
		stop()
		if err != nil {
			c.log.WithField("address", c.Address()).Warnf("迟到应答未到达, 断开连接: %v", err)
			c.closeLocked()
			return &protocol.ReadError{Command: cmd, Err: fmt.Errorf("等待迟到应答失败: %w", err)}
		}
		c.pending--
		c.log.WithField("address", c.Address()).Debugf("丢弃迟到应答: %q", strings.TrimSpace(line))
	}
	return nil
}

// deadline 读写超时与 ctx 截止时间取较早者
func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.readTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// watch ctx 取消时立即中断阻塞的读写
func (c *Client) watch(ctx context.Context) func() bool {
	conn := c.conn
	return context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
}

// handleIOError 连接已关闭时转为 Disconnected 并返回 true, 超时保留连接
func (c *Client) handleIOError(err error) bool {
	if isClosedConn(err) {
		c.log.WithField("address", c.Address()).Warnf("仪器连接断开: %v", err)
		c.closeLocked()
		return true
	}
	return false
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
