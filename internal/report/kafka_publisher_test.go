package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/analysis"
	"thermohygrometer-server/internal/config"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleResult() *analysis.Result {
	return &analysis.Result{
		TotalAvailableHours:   40,
		TotalDowntime:         map[string]float64{"Lab": 2},
		EventCount:            map[string]int{"Lab": 3},
		PercentageOutOfLimits: map[string]float64{"Lab": 5},
		BothDowntime:          map[string]float64{"Lab": 0.5},
		TempOnlyDowntime:      map[string]float64{"Lab": 1},
		HumidOnlyDowntime:     map[string]float64{"Lab": 0.5},
		BothEvents:            map[string]int{"Lab": 1},
		TempOnlyEvents:        map[string]int{"Lab": 1},
		HumidOnlyEvents:       map[string]int{"Lab": 1},
	}
}

func TestKafkaPublisher_Disabled(t *testing.T) {
	p := NewKafkaPublisher(config.ReportConfig{Enabled: false, Topic: "environmental-analysis"}, testLogger())

	if p.Enabled() {
		t.Error("Enabled() = true")
	}
	err := p.PublishAnalysis(context.Background(), "req-1", sampleResult())
	if !errors.Is(err, ErrReportingDisabled) {
		t.Errorf("PublishAnalysis() error = %v, want ErrReportingDisabled", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestKafkaPublisher_PublishAnalysis(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "environmental-analysis", log: testLogger()}

	if err := p.PublishAnalysis(context.Background(), "req-42", sampleResult()); err != nil {
		t.Fatalf("PublishAnalysis() error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != "req-42" {
		t.Errorf("Key = %q", msg.Key)
	}

	var stats map[string]any
	if err := json.Unmarshal(msg.Value, &stats); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if stats["total_available_hours"] != 40.0 {
		t.Errorf("total_available_hours = %v", stats["total_available_hours"])
	}
	events, ok := stats["humid_only_events"].(map[string]any)
	if !ok || events["Lab"] != 1.0 {
		t.Errorf("humid_only_events = %v", stats["humid_only_events"])
	}
	if len(stats) != 10 {
		t.Errorf("statistics keys = %d, want 10", len(stats))
	}

	p.Close()
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	cause := errors.New("leader not available")
	p := &KafkaPublisher{writer: &fakeWriter{err: cause}, log: testLogger()}

	err := p.PublishAnalysis(context.Background(), "req-1", sampleResult())
	if !errors.Is(err, cause) {
		t.Errorf("PublishAnalysis() error = %v, want wrapped cause", err)
	}
}

func TestNewKafkaPublisher_Enabled(t *testing.T) {
	p := NewKafkaPublisher(config.ReportConfig{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topic: "t"}, testLogger())
	defer p.Close()

	w, ok := p.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("writer = %T, want *kafka.Writer", p.writer)
	}
	if w.Topic != "t" || w.Addr.String() != "127.0.0.1:9092" {
		t.Errorf("writer = topic %q addr %q", w.Topic, w.Addr.String())
	}
}
