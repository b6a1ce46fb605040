package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"thermohygrometer-server/internal/model"
)

// Target 分析对象: 整台仪器或其中一个通道
type Target struct {
	InstrumentID int64  `json:"id"`
	SensorID     *int64 `json:"sensor_id,omitempty"`
	Label        string `json:"instrument_name,omitempty"`
}

// TargetKey 序列索引
type TargetKey struct {
	InstrumentID int64
	// SensorID 为 0 表示仪器全部通道
	SensorID int64
}

// Key 目标对应的序列索引
func (t Target) Key() TargetKey {
	k := TargetKey{InstrumentID: t.InstrumentID}
	if t.SensorID != nil {
		k.SensorID = *t.SensorID
	}
	return k
}

// Sample 已保存的一条样本及其限值
type Sample struct {
	Date                 time.Time `db:"date"`
	CorrectedTemperature *float64  `db:"corrected_temperature"`
	CorrectedHumidity    *float64  `db:"corrected_humidity"`
	SaveIntervalMinutes  int       `db:"save_interval_minutes"`
	model.Limits
}

// hours 每条样本代表一个保存间隔
func (s Sample) hours() float64 {
	minutes := s.SaveIntervalMinutes
	if minutes <= 0 {
		minutes = model.DefaultSaveIntervalMinutes
	}
	return float64(minutes) / 60
}

func (s Sample) temperatureOut() bool {
	return s.CorrectedTemperature != nil && s.Limits.TemperatureOut(*s.CorrectedTemperature)
}

func (s Sample) humidityOut() bool {
	return s.CorrectedHumidity != nil && s.Limits.HumidityOut(*s.CorrectedHumidity)
}

// Request 分析请求, 不持久化
type Request struct {
	Window  Window
	Targets []Target
}

// ParseRequest 解析分析请求参数
func ParseRequest(startDate, endDate, startTime, endTime string, targets []Target, loc *time.Location) (*Request, error) {
	w, err := ParseWindow(startDate, endDate, startTime, endTime, loc)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, &InputError{Field: "instruments", Value: "[]", Err: fmt.Errorf("至少需要一个仪器")}
	}
	return &Request{Window: w, Targets: targets}, nil
}

// TargetStats 单个目标的统计
type TargetStats struct {
	Samples           int
	BothDowntime      float64
	TempOnlyDowntime  float64
	HumidOnlyDowntime float64
	BothEvents        int
	TempOnlyEvents    int
	HumidOnlyEvents   int
}

// TotalDowntime 三类停机时间之和
func (s TargetStats) TotalDowntime() float64 {
	return s.BothDowntime + s.TempOnlyDowntime + s.HumidOnlyDowntime
}

// EventCount 三类事件数之和
func (s TargetStats) EventCount() int {
	return s.BothEvents + s.TempOnlyEvents + s.HumidOnlyEvents
}

// Result 环境分析结果, 按目标显示名索引
type Result struct {
	TotalAvailableHours   float64            `json:"total_available_hours"`
	TotalDowntime         map[string]float64 `json:"total_downtime"`
	EventCount            map[string]int     `json:"event_count"`
	PercentageOutOfLimits map[string]float64 `json:"percentage_out_of_limits"`
	BothDowntime          map[string]float64 `json:"both_downtime"`
	TempOnlyDowntime      map[string]float64 `json:"temp_only_downtime"`
	HumidOnlyDowntime     map[string]float64 `json:"humid_only_downtime"`
	BothEvents            map[string]int     `json:"both_events"`
	TempOnlyEvents        map[string]int     `json:"temp_only_events"`
	HumidOnlyEvents       map[string]int     `json:"humid_only_events"`
}

func newResult(available float64) *Result {
	return &Result{
		TotalAvailableHours:   available,
		TotalDowntime:         map[string]float64{},
		EventCount:            map[string]int{},
		PercentageOutOfLimits: map[string]float64{},
		BothDowntime:          map[string]float64{},
		TempOnlyDowntime:      map[string]float64{},
		HumidOnlyDowntime:     map[string]float64{},
		BothEvents:            map[string]int{},
		TempOnlyEvents:        map[string]int{},
		HumidOnlyEvents:       map[string]int{},
	}
}

func (r *Result) add(label string, s TargetStats) {
	total := s.TotalDowntime()
	r.TotalDowntime[label] = total
	r.EventCount[label] = s.EventCount()
	r.PercentageOutOfLimits[label] = percentage(total, r.TotalAvailableHours)
	r.BothDowntime[label] = s.BothDowntime
	r.TempOnlyDowntime[label] = s.TempOnlyDowntime
	r.HumidOnlyDowntime[label] = s.HumidOnlyDowntime
	r.BothEvents[label] = s.BothEvents
	r.TempOnlyEvents[label] = s.TempOnlyEvents
	r.HumidOnlyEvents[label] = s.HumidOnlyEvents
}

// Statistics 报告生成管道的输入字典
func (r *Result) Statistics() map[string]any {
	return map[string]any{
		"total_available_hours":    r.TotalAvailableHours,
		"total_downtime":           r.TotalDowntime,
		"event_count":              r.EventCount,
		"percentage_out_of_limits": r.PercentageOutOfLimits,
		"both_downtime":            r.BothDowntime,
		"temp_only_downtime":       r.TempOnlyDowntime,
		"humid_only_downtime":      r.HumidOnlyDowntime,
		"both_events":              r.BothEvents,
		"temp_only_events":         r.TempOnlyEvents,
		"humid_only_events":        r.HumidOnlyEvents,
	}
}

func percentage(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}

type Analyzer struct {
	log *logrus.Logger
	// workers 并行处理目标的上限
	workers int
}

func NewAnalyzer(log *logrus.Logger, workers int) *Analyzer {
	if workers <= 0 {
		workers = 4
	}
	return &Analyzer{log: log, workers: workers}
}

// Analyze 对每个目标单次顺序扫描, 统计超限停机时间与事件
//
// 同时超限的样本优先归入 both, 移除后再统计仅温度/仅湿度, 三类互斥.
// 序列为空的目标所有统计为 0.
func (a *Analyzer) Analyze(ctx context.Context, req *Request, series map[TargetKey][]Sample) (*Result, error) {
	stats := make([]TargetStats, len(req.Targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for i, target := range req.Targets {
		i, target := i, target
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			stats[i] = analyzeSeries(req.Window, series[target.Key()])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := newResult(req.Window.TotalAvailableHours())
	labels := newLabeler()
	for i, target := range req.Targets {
		label := labels.resolve(target)
		result.add(label, stats[i])

		a.log.WithFields(logrus.Fields{
			"target":   label,
			"samples":  stats[i].Samples,
			"downtime": stats[i].TotalDowntime(),
			"events":   stats[i].EventCount(),
		}).Debug("环境分析完成")
	}

	return result, nil
}

func analyzeSeries(w Window, samples []Sample) TargetStats {
	series := inWindow(w, samples)

	var st TargetStats
	st.Samples = len(series)
	if len(series) == 0 {
		return st
	}

	// 1. 同时超限
	both := make([]bool, len(series))
	var rest []Sample
	for i, s := range series {
		both[i] = s.temperatureOut() && s.humidityOut()
		if both[i] {
			st.BothDowntime += s.hours()
		} else {
			rest = append(rest, s)
		}
	}
	st.BothEvents = countEvents(both)

	// 2. 剩余样本中仅温度 / 仅湿度超限
	tempOnly := make([]bool, len(rest))
	humidOnly := make([]bool, len(rest))
	for i, s := range rest {
		tempOnly[i] = s.temperatureOut()
		humidOnly[i] = s.humidityOut()
		if tempOnly[i] {
			st.TempOnlyDowntime += s.hours()
		}
		if humidOnly[i] {
			st.HumidOnlyDowntime += s.hours()
		}
	}
	st.TempOnlyEvents = countEvents(tempOnly)
	st.HumidOnlyEvents = countEvents(humidOnly)

	return st
}

// countEvents 统计连续超限段数
//
// 以序列前一个虚拟的未超限样本为起点统计边沿数, 每段贡献上升与下降两个边沿;
// 序列末尾未结束的段只有上升沿, 按一段计 (不向下取整, 取舍见 DESIGN.md 事件计数).
func countEvents(flags []bool) int {
	edges := 0
	prev := false
	for _, f := range flags {
		if f != prev {
			edges++
		}
		prev = f
	}
	return (edges + 1) / 2
}

// inWindow 过滤窗口外样本并保证时间顺序
func inWindow(w Window, samples []Sample) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if w.Contains(s.Date) {
			out = append(out, s)
		}
	}
	if !sort.SliceIsSorted(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) }) {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	}
	return out
}

// labeler 解析显示名; 缺失时回退 "Instrument {id}", 重名时附加 id
type labeler struct {
	used map[string]bool
}

func newLabeler() *labeler {
	return &labeler{used: map[string]bool{}}
}

func (l *labeler) resolve(t Target) string {
	label := t.Label
	if label == "" {
		label = fmt.Sprintf("Instrument %d", t.InstrumentID)
	}
	if l.used[label] {
		if t.SensorID != nil {
			label = fmt.Sprintf("%s (%d/%d)", label, t.InstrumentID, *t.SensorID)
		} else {
			label = fmt.Sprintf("%s (%d)", label, t.InstrumentID)
		}
	}
	l.used[label] = true
	return label
}
