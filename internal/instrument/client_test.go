package instrument

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/simulator"
	"thermohygrometer-server/pkg/protocol"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startDevice(t *testing.T, cfg simulator.Config) *simulator.Device {
	t.Helper()
	dev := simulator.NewDevice(cfg, testLogger())
	if err := dev.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go dev.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		dev.Close()
	})
	return dev
}

func connectedClient(t *testing.T, dev *simulator.Device, opts ...Option) *Client {
	t.Helper()
	host, port := dev.HostPort()
	opts = append([]Option{WithPort(port), WithLogger(testLogger())}, opts...)
	c := New(host, opts...)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestClient_ConnectAndIdentify(t *testing.T) {
	dev := startDevice(t, simulator.DefaultConfig())
	c := connectedClient(t, dev)

	if c.State() != Connected {
		t.Fatalf("State() = %v, want connected", c.State())
	}
	if !c.Timestamped() {
		t.Error("Timestamped() = false, want true after FORM:TDST:STAT 1")
	}

	id, err := c.Identify(context.Background())
	if err != nil {
		t.Fatalf("Identify() error: %v", err)
	}
	want := protocol.InstrumentIdentity{PartNumber: "1620A", SerialNumber: "A1B2C3", SensorLabel: "LAB-01"}
	if id != want {
		t.Errorf("Identify() = %+v, want %+v", id, want)
	}

	cmds := dev.Commands()
	wantCmds := []string{"FORM:TDST:STAT 1", "FORMat:TDST:STATe?", "*IDN?", "SENSor1:IDENtification?"}
	if len(cmds) != len(wantCmds) {
		t.Fatalf("commands = %q, want %q", cmds, wantCmds)
	}
	for i := range wantCmds {
		if cmds[i] != wantCmds[i] {
			t.Errorf("command[%d] = %q, want %q", i, cmds[i], wantCmds[i])
		}
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := New("127.0.0.1", WithPort(addr.Port), WithLogger(testLogger()), WithDialTimeout(time.Second))
	err = c.Connect(context.Background())

	var ce *protocol.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect() error = %v, want *protocol.ConnectionError", err)
	}
	if c.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := New("127.0.0.1", WithLogger(testLogger()))
	if _, err := c.ReadChannel(context.Background(), 1); !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("ReadChannel() error = %v, want ErrNotConnected", err)
	}
	if _, err := c.Identify(context.Background()); !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("Identify() error = %v, want ErrNotConnected", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect() on idle client error: %v", err)
	}
}

func TestClient_ReadChannel(t *testing.T) {
	dev := startDevice(t, simulator.DefaultConfig())
	dev.SetReading(1, 22.86, 47.4)
	dev.SetReading(2, 19.01, 55.0)
	c := connectedClient(t, dev)

	r, err := c.ReadChannel(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReadChannel() error: %v", err)
	}
	if r.Channel != 1 || r.Temperature != 22.86 || r.Humidity != 47.4 {
		t.Errorf("ReadChannel(1) = %+v", r)
	}
	if !r.HasDate() {
		t.Error("timestamped reading has no date")
	}

	all := c.ReadAllChannels(context.Background())
	if len(all) != 2 || all[2].Temperature != 19.01 {
		t.Errorf("ReadAllChannels() = %+v", all)
	}

	if _, err := c.ReadChannel(context.Background(), 3); err == nil {
		t.Error("ReadChannel(3) error = nil, want error")
	}
}

func TestClient_ReadAllChannelsOmitsFailures(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Channels = 1
	dev := startDevice(t, cfg)
	c := connectedClient(t, dev)

	if _, err := c.ReadChannel(context.Background(), 2); !protocol.IsProtocolError(err) {
		t.Errorf("ReadChannel(2) error = %v, want protocol error", err)
	}

	all := c.ReadAllChannels(context.Background())
	if len(all) != 1 || all[1] == nil {
		t.Errorf("ReadAllChannels() = %+v, want only channel 1", all)
	}
	if c.State() != Connected {
		t.Errorf("protocol error must keep the connection, state = %v", c.State())
	}
}

func TestClient_ReadTimeoutKeepsConnection(t *testing.T) {
	dev := startDevice(t, simulator.DefaultConfig())
	c := connectedClient(t, dev, WithReadTimeout(100*time.Millisecond))

	dev.SetUnresponsive(true)
	_, err := c.ReadChannel(context.Background(), 1)

	var re *protocol.ReadError
	if !errors.As(err, &re) {
		t.Fatalf("ReadChannel() error = %v, want *protocol.ReadError", err)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("ReadError should wrap a timeout, got %v", re.Err)
	}
	if c.State() != Connected {
		t.Errorf("State() = %v, want connected after timeout", c.State())
	}
}

func TestClient_LateReplyIsDiscarded(t *testing.T) {
	dev := startDevice(t, simulator.DefaultConfig())
	dev.SetReading(1, 11.11, 11.1)
	dev.SetReading(2, 22.22, 22.2)
	c := connectedClient(t, dev, WithReadTimeout(200*time.Millisecond))

	// 通道 1 的应答在超时后 100ms 才到达
	dev.SetResponseDelay(300 * time.Millisecond)
	if _, err := c.ReadChannel(context.Background(), 1); err == nil {
		t.Fatal("ReadChannel(1) error = nil, want timeout")
	}
	dev.SetResponseDelay(0)

	r, err := c.ReadChannel(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReadChannel(2) error: %v", err)
	}
	if r.Channel != 2 || r.Temperature != 22.22 || r.Humidity != 22.2 {
		t.Errorf("ReadChannel(2) = %+v, want channel 2 values", r)
	}

	r, err = c.ReadChannel(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReadChannel(1) error: %v", err)
	}
	if r.Temperature != 11.11 {
		t.Errorf("ReadChannel(1) temperature = %v, want 11.11", r.Temperature)
	}
	if c.State() != Connected {
		t.Errorf("State() = %v, want connected", c.State())
	}
}

func TestClient_MissingLateReplyDisconnects(t *testing.T) {
	dev := startDevice(t, simulator.DefaultConfig())
	c := connectedClient(t, dev, WithReadTimeout(100*time.Millisecond))

	dev.SetUnresponsive(true)
	if _, err := c.ReadChannel(context.Background(), 1); err == nil {
		t.Fatal("ReadChannel(1) error = nil, want timeout")
	}
	dev.SetUnresponsive(false)

	_, err := c.ReadChannel(context.Background(), 2)
	var re *protocol.ReadError
	if !errors.As(err, &re) {
		t.Fatalf("ReadChannel(2) error = %v, want *protocol.ReadError", err)
	}
	if c.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected when the late reply never arrives", c.State())
	}

	// 重新连接后应答恢复正常
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if _, err := c.ReadChannel(context.Background(), 1); err != nil {
		t.Errorf("ReadChannel(1) after reconnect error: %v", err)
	}
}

func TestClient_PeerCloseDisconnects(t *testing.T) {
	dev := startDevice(t, simulator.DefaultConfig())
	c := connectedClient(t, dev)

	dev.DropConnections()
	_, err := c.ReadChannel(context.Background(), 1)
	if err == nil {
		t.Fatal("ReadChannel() error = nil after peer close")
	}
	if c.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect() error: %v", err)
	}
}

func TestClient_SynchronizeClock(t *testing.T) {
	tests := []struct {
		name         string
		offset       time.Duration
		wantAdjusted bool
	}{
		{"within drift", 2 * time.Minute, false},
		{"device behind", -10 * time.Minute, true},
		{"device ahead", 3 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := simulator.DefaultConfig()
			cfg.ClockOffset = tt.offset
			dev := startDevice(t, cfg)
			c := connectedClient(t, dev)

			adjusted, err := c.SynchronizeClock(context.Background())
			if err != nil {
				t.Fatalf("SynchronizeClock() error: %v", err)
			}
			if adjusted != tt.wantAdjusted {
				t.Errorf("adjusted = %v, want %v", adjusted, tt.wantAdjusted)
			}

			// the set commands are fire-and-forget, a follow-up query orders them
			if _, err := c.ReadChannel(context.Background(), 1); err != nil {
				t.Fatalf("ReadChannel() error: %v", err)
			}
			off := dev.ClockOffset()
			if tt.wantAdjusted && (off > 2*time.Second || off < -2*time.Second) {
				t.Errorf("device offset after sync = %v", off)
			}
			if !tt.wantAdjusted && off != tt.offset {
				t.Errorf("device offset changed to %v", off)
			}
		})
	}
}

func TestClient_CancelledContext(t *testing.T) {
	dev := startDevice(t, simulator.DefaultConfig())
	c := connectedClient(t, dev)

	dev.SetUnresponsive(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.ReadChannel(ctx, 1)
	if err == nil {
		t.Fatal("ReadChannel() error = nil")
	}
	if time.Since(start) > time.Second {
		t.Errorf("ReadChannel() took %v, want it bounded by ctx", time.Since(start))
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Disconnected: "disconnected", Connecting: "connecting", Connected: "connected", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
