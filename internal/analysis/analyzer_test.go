package analysis

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/model"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

var testLimits = model.Limits{
	MinTemperature: model.Float(18),
	MaxTemperature: model.Float(24),
	MinHumidity:    model.Float(30),
	MaxHumidity:    model.Float(60),
}

// 2024-07-15 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 7, day, hour, minute, 0, 0, time.UTC)
}

func sample(ts time.Time, temp, hum float64) Sample {
	return Sample{
		Date:                 ts,
		CorrectedTemperature: model.Float(temp),
		CorrectedHumidity:    model.Float(hum),
		SaveIntervalMinutes:  5,
		Limits:               testLimits,
	}
}

func mustRequest(t *testing.T, start, end, st, et string, targets ...Target) *Request {
	t.Helper()
	req, err := ParseRequest(start, end, st, et, targets, time.UTC)
	if err != nil {
		t.Fatalf("ParseRequest() error: %v", err)
	}
	return req
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAnalyze_TemperatureOnlyScenario(t *testing.T) {
	target := Target{InstrumentID: 1, Label: "LAB-01"}
	req := mustRequest(t, "2024-07-15", "2024-07-15", "08:00", "16:00", target)
	series := map[TargetKey][]Sample{
		target.Key(): {
			sample(at(15, 9, 0), 26, 50),
			sample(at(15, 9, 5), 26, 50),
		},
	}

	res, err := NewAnalyzer(testLogger(), 2).Analyze(context.Background(), req, series)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if got := res.TempOnlyEvents["LAB-01"]; got != 1 {
		t.Errorf("TempOnlyEvents = %d, want 1", got)
	}
	if got, want := res.TempOnlyDowntime["LAB-01"], 2*(5.0/60); !almostEqual(got, want) {
		t.Errorf("TempOnlyDowntime = %v, want %v", got, want)
	}
	if math.Round(res.TempOnlyDowntime["LAB-01"]*100)/100 != 0.17 {
		t.Errorf("TempOnlyDowntime rounded = %v, want 0.17", res.TempOnlyDowntime["LAB-01"])
	}
	if res.BothEvents["LAB-01"] != 0 || res.HumidOnlyEvents["LAB-01"] != 0 {
		t.Errorf("unexpected both/humid events: %d/%d", res.BothEvents["LAB-01"], res.HumidOnlyEvents["LAB-01"])
	}
	if res.TotalAvailableHours != 8 {
		t.Errorf("TotalAvailableHours = %v, want 8", res.TotalAvailableHours)
	}
	if got, want := res.PercentageOutOfLimits["LAB-01"], (2*(5.0/60))/8*100; !almostEqual(got, want) {
		t.Errorf("PercentageOutOfLimits = %v, want %v", got, want)
	}
	if res.EventCount["LAB-01"] != 1 {
		t.Errorf("EventCount = %d, want 1", res.EventCount["LAB-01"])
	}
}

func TestAnalyze_BothOutIsExclusive(t *testing.T) {
	target := Target{InstrumentID: 1, Label: "LAB-01"}
	req := mustRequest(t, "2024-07-15", "2024-07-19", "08:00", "16:00", target)
	series := map[TargetKey][]Sample{
		target.Key(): {
			sample(at(15, 9, 0), 26, 70),  // both
			sample(at(15, 9, 5), 26, 70),  // both
			sample(at(15, 9, 10), 26, 50), // temp only
			sample(at(15, 9, 15), 20, 70), // humid only
			sample(at(15, 9, 20), 20, 50), // ok
			sample(at(15, 9, 25), 10, 10), // both
			sample(at(15, 9, 30), 30, 45), // temp only
		},
	}

	res, err := NewAnalyzer(testLogger(), 1).Analyze(context.Background(), req, series)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	interval := 5.0 / 60
	if got := res.BothDowntime["LAB-01"]; !almostEqual(got, 3*interval) {
		t.Errorf("BothDowntime = %v, want %v", got, 3*interval)
	}
	if got := res.TempOnlyDowntime["LAB-01"]; !almostEqual(got, 2*interval) {
		t.Errorf("TempOnlyDowntime = %v, want %v", got, 2*interval)
	}
	if got := res.HumidOnlyDowntime["LAB-01"]; !almostEqual(got, interval) {
		t.Errorf("HumidOnlyDowntime = %v, want %v", got, interval)
	}

	total := res.BothDowntime["LAB-01"] + res.TempOnlyDowntime["LAB-01"] + res.HumidOnlyDowntime["LAB-01"]
	if res.TotalDowntime["LAB-01"] != total {
		t.Errorf("TotalDowntime = %v, want exactly %v", res.TotalDowntime["LAB-01"], total)
	}

	// both: [T,T,F,F,F,T,F] -> 2 runs
	if got := res.BothEvents["LAB-01"]; got != 2 {
		t.Errorf("BothEvents = %d, want 2", got)
	}
	// remaining temp-only: [T,F,F,T] -> 2 runs
	if got := res.TempOnlyEvents["LAB-01"]; got != 2 {
		t.Errorf("TempOnlyEvents = %d, want 2", got)
	}
	if got := res.HumidOnlyEvents["LAB-01"]; got != 1 {
		t.Errorf("HumidOnlyEvents = %d, want 1", got)
	}
}

func TestAnalyze_EmptySeriesIsZeroFilled(t *testing.T) {
	withLabel := Target{InstrumentID: 1, Label: "LAB-01"}
	noLabel := Target{InstrumentID: 9}
	req := mustRequest(t, "2024-07-15", "2024-07-16", "", "", withLabel, noLabel)

	res, err := NewAnalyzer(testLogger(), 0).Analyze(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	for _, label := range []string{"LAB-01", "Instrument 9"} {
		maps := []map[string]float64{res.TotalDowntime, res.PercentageOutOfLimits, res.BothDowntime, res.TempOnlyDowntime, res.HumidOnlyDowntime}
		for i, m := range maps {
			v, ok := m[label]
			if !ok || v != 0 {
				t.Errorf("float map %d[%q] = (%v, %v), want (0, true)", i, label, v, ok)
			}
		}
		counts := []map[string]int{res.EventCount, res.BothEvents, res.TempOnlyEvents, res.HumidOnlyEvents}
		for i, m := range counts {
			v, ok := m[label]
			if !ok || v != 0 {
				t.Errorf("count map %d[%q] = (%v, %v), want (0, true)", i, label, v, ok)
			}
		}
	}
	if res.TotalAvailableHours != 16 {
		t.Errorf("TotalAvailableHours = %v, want 16 (default 08:00-16:00 over two weekdays)", res.TotalAvailableHours)
	}
}

func TestAnalyze_ZeroAvailableHours(t *testing.T) {
	target := Target{InstrumentID: 1, Label: "LAB-01"}
	// weekend only
	req := mustRequest(t, "2024-07-20", "2024-07-21", "08:00", "16:00", target)
	series := map[TargetKey][]Sample{target.Key(): {sample(time.Date(2024, 7, 20, 9, 0, 0, 0, time.UTC), 30, 50)}}

	res, err := NewAnalyzer(testLogger(), 1).Analyze(context.Background(), req, series)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if res.TotalAvailableHours != 0 {
		t.Fatalf("TotalAvailableHours = %v, want 0", res.TotalAvailableHours)
	}
	if got := res.PercentageOutOfLimits["LAB-01"]; got != 0 || math.IsNaN(got) || math.IsInf(got, 0) {
		t.Errorf("PercentageOutOfLimits = %v, want 0", got)
	}
	if res.TotalDowntime["LAB-01"] != 0 {
		t.Errorf("weekend sample should be filtered, downtime = %v", res.TotalDowntime["LAB-01"])
	}

	// equal start and end time
	req = mustRequest(t, "2024-07-15", "2024-07-15", "09:00", "09:00", target)
	series = map[TargetKey][]Sample{target.Key(): {sample(at(15, 9, 0), 30, 50)}}
	res, err = NewAnalyzer(testLogger(), 1).Analyze(context.Background(), req, series)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if res.PercentageOutOfLimits["LAB-01"] != 0 {
		t.Errorf("PercentageOutOfLimits = %v, want 0", res.PercentageOutOfLimits["LAB-01"])
	}
	if !almostEqual(res.TotalDowntime["LAB-01"], 5.0/60) {
		t.Errorf("TotalDowntime = %v, want %v", res.TotalDowntime["LAB-01"], 5.0/60)
	}
}

func TestAnalyze_FiltersAndOrdersSamples(t *testing.T) {
	target := Target{InstrumentID: 1, Label: "LAB-01"}
	req := mustRequest(t, "2024-07-15", "2024-07-19", "08:00", "16:00", target)
	series := map[TargetKey][]Sample{
		target.Key(): {
			sample(at(15, 9, 10), 30, 50),
			sample(at(15, 9, 0), 30, 50),
			sample(at(15, 9, 5), 20, 50),              // splits the run once sorted
			sample(at(15, 17, 0), 30, 50),             // after hours
			sample(at(15, 7, 59), 30, 50),             // before hours
			sample(at(22, 9, 0), 30, 50),              // after end date
			{Date: at(15, 10, 0), Limits: testLimits}, // no correction, never out
		},
	}

	res, err := NewAnalyzer(testLogger(), 1).Analyze(context.Background(), req, series)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := res.TempOnlyEvents["LAB-01"]; got != 2 {
		t.Errorf("TempOnlyEvents = %d, want 2", got)
	}
	if got := res.TempOnlyDowntime["LAB-01"]; !almostEqual(got, 2*5.0/60) {
		t.Errorf("TempOnlyDowntime = %v, want %v", got, 2*5.0/60)
	}
}

func TestAnalyze_SensorTargetsAndLabelCollision(t *testing.T) {
	s1, s2 := int64(11), int64(12)
	a := Target{InstrumentID: 1, SensorID: &s1, Label: "Room"}
	b := Target{InstrumentID: 1, SensorID: &s2, Label: "Room"}
	req := mustRequest(t, "2024-07-15", "2024-07-15", "08:00", "16:00", a, b)
	series := map[TargetKey][]Sample{
		a.Key(): {sample(at(15, 9, 0), 30, 50)},
		b.Key(): {sample(at(15, 9, 0), 20, 90)},
	}

	res, err := NewAnalyzer(testLogger(), 2).Analyze(context.Background(), req, series)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if res.TempOnlyEvents["Room"] != 1 {
		t.Errorf("first target TempOnlyEvents = %d, want 1", res.TempOnlyEvents["Room"])
	}
	if res.HumidOnlyEvents["Room (1/12)"] != 1 {
		t.Errorf("second target should be disambiguated, got %v", res.HumidOnlyEvents)
	}
}

func TestAnalyze_CancelledContext(t *testing.T) {
	target := Target{InstrumentID: 1}
	req := mustRequest(t, "2024-07-15", "2024-07-15", "08:00", "16:00", target)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewAnalyzer(testLogger(), 1).Analyze(ctx, req, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Analyze() error = %v, want context.Canceled", err)
	}
}

func TestCountEvents(t *testing.T) {
	tests := []struct {
		name  string
		flags []bool
		want  int
	}{
		{"empty", nil, 0},
		{"all in", []bool{false, false}, 0},
		{"single closed run", []bool{false, true, true, false}, 1},
		{"run at start", []bool{true, true, false}, 1},
		{"trailing open run", []bool{false, true}, 1},
		{"whole series", []bool{true, true}, 1},
		{"alternating", []bool{true, false, true, false, true}, 3},
	}
	for _, tt := range tests {
		if got := countEvents(tt.flags); got != tt.want {
			t.Errorf("%s: countEvents() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestResult_Statistics(t *testing.T) {
	res := newResult(8)
	res.add("LAB-01", TargetStats{TempOnlyDowntime: 1, TempOnlyEvents: 2})

	stats := res.Statistics()
	for _, key := range []string{
		"total_available_hours", "total_downtime", "event_count", "percentage_out_of_limits",
		"both_downtime", "temp_only_downtime", "humid_only_downtime",
		"both_events", "temp_only_events", "humid_only_events",
	} {
		if _, ok := stats[key]; !ok {
			t.Errorf("Statistics() missing key %q", key)
		}
	}
	if got := stats["percentage_out_of_limits"].(map[string]float64)["LAB-01"]; got != 12.5 {
		t.Errorf("percentage = %v, want 12.5", got)
	}
}

func TestAnalyzer_Chart(t *testing.T) {
	target := Target{InstrumentID: 1, Label: "LAB-01"}
	other := Target{InstrumentID: 2, Label: "LAB-02"}
	req := mustRequest(t, "2024-07-15", "2024-07-15", "08:00", "16:00", target, other)
	series := map[TargetKey][]Sample{
		target.Key(): {
			sample(at(15, 9, 5), 26, 70), // counted twice
			sample(at(15, 9, 0), 20, 50),
		},
		other.Key(): {
			{Date: at(15, 9, 0), CorrectedHumidity: model.Float(40), SaveIntervalMinutes: 5, Limits: testLimits},
		},
	}

	chart := NewAnalyzer(testLogger(), 1).Chart(req, series)

	if chart.AnalysisPeriod != "15/07/2024 08:00 - 15/07/2024 16:00" {
		t.Errorf("AnalysisPeriod = %q", chart.AnalysisPeriod)
	}
	if len(chart.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2", len(chart.Data))
	}
	if got, want := chart.Data[0].PercentOutOfLimits, (2*5.0/60)/8*100; !almostEqual(got, want) {
		t.Errorf("PercentOutOfLimits = %v, want %v", got, want)
	}
	if chart.Data[1].PercentOutOfLimits != 0 {
		t.Errorf("LAB-02 percent = %v, want 0", chart.Data[1].PercentOutOfLimits)
	}
	if want := []string{"2024-07-15 09:00", "2024-07-15 09:05"}; len(chart.Timestamps) != 2 ||
		chart.Timestamps[0] != want[0] || chart.Timestamps[1] != want[1] {
		t.Errorf("Timestamps = %v, want %v", chart.Timestamps, want)
	}
	if len(chart.TemperatureData["LAB-01"]) != 2 || len(chart.TemperatureData["LAB-02"]) != 0 {
		t.Errorf("TemperatureData = %v", chart.TemperatureData)
	}
	if len(chart.HumidityData["LAB-02"]) != 1 {
		t.Errorf("HumidityData = %v", chart.HumidityData)
	}
}
