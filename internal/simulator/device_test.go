package simulator

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestDevice(cfg Config) *Device {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewDevice(cfg, log)
}

func TestDevice_Handle(t *testing.T) {
	d := newTestDevice(DefaultConfig())
	d.SetReading(1, 22.86, 47.4)

	tests := []struct {
		cmd    string
		want   string
		prefix bool
		noResp bool
	}{
		{cmd: "*IDN?", want: "HART,1620A,A1B2C3,1.20"},
		{cmd: "SENSor1:IDENtification?", want: `"LAB-01"`},
		{cmd: "FORMat:TDST:STATe?", want: "1"},
		{cmd: "READ? 1", want: "1,1,22.86,C,47.4,%,", prefix: true},
		{cmd: "READ? 7", want: "ERR"},
		{cmd: "FORM:TDST:STAT 0", noResp: true},
		{cmd: "FORMat:TDST:STATe?", want: "0"},
		{cmd: "READ? 1", want: "22.86,47.4"},
		{cmd: "BOGUS", want: "ERR"},
	}

	for _, tt := range tests {
		resp, ok := d.handle(tt.cmd)
		if tt.noResp {
			if ok {
				t.Errorf("%s: got response %q, want none", tt.cmd, resp)
			}
			continue
		}
		if !ok {
			t.Errorf("%s: no response", tt.cmd)
			continue
		}
		if tt.prefix && !strings.HasPrefix(resp, tt.want) || !tt.prefix && resp != tt.want {
			t.Errorf("%s: response %q, want %q", tt.cmd, resp, tt.want)
		}
	}

	if got := len(d.Commands()); got != len(tests) {
		t.Errorf("recorded %d commands, want %d", got, len(tests))
	}
}

func TestDevice_AdjustClock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClockOffset = 48 * time.Hour
	d := newTestDevice(cfg)

	now := time.Now()
	d.handle("SYSTem:DATE " + now.Format("2006,1,2"))
	d.handle("SYSTem:TIME " + now.Format("15,4,5"))

	if off := d.ClockOffset(); off > 2*time.Second || off < -2*time.Second {
		t.Errorf("ClockOffset() = %v after setting host time", off)
	}
}

func TestDevice_Unresponsive(t *testing.T) {
	d := newTestDevice(DefaultConfig())
	d.SetUnresponsive(true)
	if _, ok := d.handle("*IDN?"); ok {
		t.Error("unresponsive device answered")
	}
}

func TestDevice_ResponseDelay(t *testing.T) {
	d := newTestDevice(DefaultConfig())
	if d.responseDelay() != 0 {
		t.Errorf("default delay = %v, want 0", d.responseDelay())
	}
	d.SetResponseDelay(150 * time.Millisecond)
	if d.responseDelay() != 150*time.Millisecond {
		t.Errorf("responseDelay() = %v", d.responseDelay())
	}
}
