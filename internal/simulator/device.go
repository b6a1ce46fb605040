package simulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/pkg/protocol"
)

// maxCommandHistory Commands 保留的最近命令数
const maxCommandHistory = 1024

// Config 模拟仪器参数
type Config struct {
	Maker        string
	PartNumber   string
	SerialNumber string
	Firmware     string
	SensorLabel  string
	Channels     int
	Timestamped  bool
	// ClockOffset 仪器时钟相对主机时钟的偏差
	ClockOffset time.Duration
	// Jitter 每次读数叠加的随机波动幅度, 0 表示固定值
	Jitter float64
	// MaxConnections 同时服务的连接数
	MaxConnections int
}

// DefaultConfig 默认模拟 DewK 1620A 双通道温湿度计
func DefaultConfig() Config {
	return Config{
		Maker:          "HART",
		PartNumber:     "1620A",
		SerialNumber:   "A1B2C3",
		Firmware:       "1.20",
		SensorLabel:    "LAB-01",
		Channels:       2,
		Timestamped:    true,
		MaxConnections: 4,
	}
}

type channelValue struct {
	temperature float64
	humidity    float64
}

// Device 模拟 1620A 的行协议: ASCII 命令, CR 结束
type Device struct {
	log *logrus.Logger

	mu           sync.Mutex
	cfg          Config
	values       map[int]channelValue
	commands     []string
	served       int64
	unresponsive bool
	delay        time.Duration
	rnd          *rand.Rand

	listener net.Listener
	limiter  chan struct{}
	wg       sync.WaitGroup
	conns    map[net.Conn]struct{}
	closed   bool
}

func NewDevice(cfg Config, log *logrus.Logger) *Device {
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}

	values := make(map[int]channelValue, cfg.Channels)
	for ch := 1; ch <= cfg.Channels; ch++ {
		values[ch] = channelValue{temperature: 21.5, humidity: 45.0}
	}

	return &Device{
		log:     log,
		cfg:     cfg,
		values:  values,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		limiter: make(chan struct{}, cfg.MaxConnections),
		conns:   map[net.Conn]struct{}{},
	}
}

// Listen 监听地址, 端口为 0 时自动分配
func (d *Device) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	d.log.Infof("模拟仪器监听: %s (%s %s)", ln.Addr(), d.cfg.PartNumber, d.cfg.SerialNumber)
	return nil
}

// Addr 实际监听地址
func (d *Device) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// HostPort 拆分监听地址, 便于客户端按 host + port 连接
func (d *Device) HostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(d.Addr())
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Serve 接受连接直到 ctx 取消或 Close
func (d *Device) Serve(ctx context.Context) error {
	d.mu.Lock()
	ln := d.listener
	d.mu.Unlock()
	if ln == nil {
		return errors.New("未调用 Listen")
	}

	go func() {
		<-ctx.Done()
		d.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.isClosed() {
				return nil
			}
			d.log.Errorf("接受连接错误: %v", err)
			continue
		}

		// 连接数限制
		select {
		case d.limiter <- struct{}{}:
			d.track(conn, true)
			d.wg.Add(1)
			go d.handleConnection(conn)
		default:
			d.log.Warn("达到最大连接数，拒绝连接")
			conn.Close()
		}
	}
}

// Close 停止监听并断开所有连接
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ln := d.listener
	for c := range d.conns {
		c.Close()
	}
	d.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	d.wg.Wait()
	return err
}

// DropConnections 模拟网络中断, 仍继续监听
func (d *Device) DropConnections() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.conns {
		c.Close()
	}
}

// SetReading 设置通道的当前读数
func (d *Device) SetReading(channel int, temperature, humidity float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[channel] = channelValue{temperature: temperature, humidity: humidity}
}

// SetClockOffset 设置仪器时钟偏差
func (d *Device) SetClockOffset(offset time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.ClockOffset = offset
}

// ClockOffset 当前仪器时钟偏差
func (d *Device) ClockOffset() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.ClockOffset
}

// Timestamped 当前输出格式
func (d *Device) Timestamped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Timestamped
}

// SetUnresponsive 为 true 时仪器接收命令但不应答
func (d *Device) SetUnresponsive(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unresponsive = v
}

// SetResponseDelay 每条应答延迟发送
func (d *Device) SetResponseDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

func (d *Device) responseDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delay
}

// Commands 最近接收命令的副本
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

// Served 累计接收的命令数
func (d *Device) Served() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.served
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) track(conn net.Conn, add bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if add {
		d.conns[conn] = struct{}{}
	} else {
		delete(d.conns, conn)
	}
}

func (d *Device) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		d.track(conn, false)
		<-d.limiter
		d.wg.Done()
	}()

	remote := conn.RemoteAddr().String()
	d.log.Debugf("新连接: %s", remote)

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString(protocol.Terminator)
		if err != nil {
			d.log.Debugf("连接断开: %s, 错误: %v", remote, err)
			return
		}

		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}

		resp, ok := d.handle(cmd)
		if !ok {
			continue
		}
		if delay := d.responseDelay(); delay > 0 {
			time.Sleep(delay)
		}
		if _, err := conn.Write([]byte(resp + string(protocol.Terminator))); err != nil {
			d.log.Debugf("发送响应失败 [%s]: %v", remote, err)
			return
		}
	}
}

// handle 执行一条命令, ok 为 false 表示该命令无应答
func (d *Device) handle(cmd string) (resp string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.served++
	if len(d.commands) >= maxCommandHistory {
		d.commands = d.commands[1:]
	}
	d.commands = append(d.commands, cmd)
	if d.unresponsive {
		return "", false
	}

	now := time.Now().Add(d.cfg.ClockOffset)
	upper := strings.ToUpper(cmd)

	switch {
	case upper == "*IDN?":
		return fmt.Sprintf("%s,%s,%s,%s", d.cfg.Maker, d.cfg.PartNumber, d.cfg.SerialNumber, d.cfg.Firmware), true

	case upper == strings.ToUpper(protocol.CmdSensorLabel):
		return strconv.Quote(d.cfg.SensorLabel), true

	case upper == strings.ToUpper(protocol.CmdFormatQuery):
		if d.cfg.Timestamped {
			return protocol.FormatStateEnabled, true
		}
		return protocol.FormatStateDisabled, true

	case strings.HasPrefix(upper, "FORM:TDST:STAT "), strings.HasPrefix(upper, "FORMAT:TDST:STATE "):
		arg := strings.TrimSpace(cmd[strings.LastIndex(cmd, " ")+1:])
		d.cfg.Timestamped = arg == protocol.FormatStateEnabled
		return "", false

	case strings.HasPrefix(upper, "READ? "):
		ch, err := strconv.Atoi(strings.TrimSpace(cmd[len("READ? "):]))
		if err != nil {
			return "ERR", true
		}
		v, exists := d.values[ch]
		if !exists {
			return "ERR", true
		}
		return d.formatReading(ch, v, now), true

	case upper == strings.ToUpper(protocol.CmdDateQuery):
		return fmt.Sprintf("%d,%d,%d", now.Year(), int(now.Month()), now.Day()), true

	case upper == strings.ToUpper(protocol.CmdTimeQuery):
		return fmt.Sprintf("%d,%d,%d", now.Hour(), now.Minute(), now.Second()), true

	case strings.HasPrefix(upper, "SYSTEM:DATE "):
		d.adjustClock(cmd, true)
		return "", false

	case strings.HasPrefix(upper, "SYSTEM:TIME "):
		d.adjustClock(cmd, false)
		return "", false
	}

	d.log.Warnf("未知命令: %q", cmd)
	return "ERR", true
}

func (d *Device) formatReading(ch int, v channelValue, now time.Time) string {
	temp := v.temperature
	hum := v.humidity
	if d.cfg.Jitter > 0 {
		temp += (d.rnd.Float64()*2 - 1) * d.cfg.Jitter
		hum += (d.rnd.Float64()*2 - 1) * d.cfg.Jitter
	}

	if !d.cfg.Timestamped {
		return fmt.Sprintf("%.2f,%.1f", temp, hum)
	}
	return fmt.Sprintf("1,%d,%.2f,C,%.1f,%%,%d,%d,%d,%d,%d,%d",
		ch, temp, hum,
		now.Year(), int(now.Month()), now.Day(),
		now.Hour(), now.Minute(), now.Second(),
	)
}

// adjustClock 应用 SYSTem:DATE / SYSTem:TIME, 只修改对应的日期或时刻部分
func (d *Device) adjustClock(cmd string, date bool) {
	args := strings.Split(strings.TrimSpace(cmd[strings.Index(cmd, " ")+1:]), ",")
	if len(args) != 3 {
		return
	}
	v := make([]int, 3)
	for i, a := range args {
		n, err := strconv.Atoi(strings.TrimSpace(a))
		if err != nil {
			return
		}
		v[i] = n
	}

	host := time.Now()
	current := host.Add(d.cfg.ClockOffset)
	var target time.Time
	if date {
		target = time.Date(v[0], time.Month(v[1]), v[2], current.Hour(), current.Minute(), current.Second(), current.Nanosecond(), current.Location())
	} else {
		target = time.Date(current.Year(), current.Month(), current.Day(), v[0], v[1], v[2], current.Nanosecond(), current.Location())
	}
	d.cfg.ClockOffset = target.Sub(host)
}
