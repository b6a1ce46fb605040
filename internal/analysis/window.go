package analysis

import (
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	DefaultStartTime = "08:00"
	DefaultEndTime   = "16:00"
)

// InputError 分析参数无效, 仅中止本次分析请求
type InputError struct {
	Field string
	Value string
	Err   error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("参数无效 %s=%q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("参数无效 %s=%q", e.Field, e.Value)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Window 分析窗口: 日期区间内的工作日, 每日限定时段
type Window struct {
	StartDate time.Time
	EndDate   time.Time
	// StartTime/EndTime 为距零点的时长
	StartTime time.Duration
	EndTime   time.Duration
	Location  *time.Location
}

// ParseWindow 解析日期 (YYYY-MM-DD) 与时刻 (HH:MM), 时刻为空时使用默认工作时段
func ParseWindow(startDate, endDate, startTime, endTime string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.Local
	}
	if strings.TrimSpace(startTime) == "" {
		startTime = DefaultStartTime
	}
	if strings.TrimSpace(endTime) == "" {
		endTime = DefaultEndTime
	}

	sd, err := time.ParseInLocation(DateLayout, strings.TrimSpace(startDate), loc)
	if err != nil {
		return Window{}, &InputError{Field: "start_date", Value: startDate, Err: err}
	}
	ed, err := time.ParseInLocation(DateLayout, strings.TrimSpace(endDate), loc)
	if err != nil {
		return Window{}, &InputError{Field: "end_date", Value: endDate, Err: err}
	}
	if ed.Before(sd) {
		return Window{}, &InputError{Field: "end_date", Value: endDate, Err: fmt.Errorf("早于开始日期 %s", startDate)}
	}

	st, err := parseTimeOfDay(startTime)
	if err != nil {
		return Window{}, &InputError{Field: "start_time", Value: startTime, Err: err}
	}
	et, err := parseTimeOfDay(endTime)
	if err != nil {
		return Window{}, &InputError{Field: "end_time", Value: endTime, Err: err}
	}
	if et < st {
		return Window{}, &InputError{Field: "end_time", Value: endTime, Err: fmt.Errorf("早于开始时刻 %s", startTime)}
	}

	return Window{StartDate: sd, EndDate: ed, StartTime: st, EndTime: et, Location: loc}, nil
}

func parseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse(TimeLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Weekdays 区间内周一至周五的天数
func (w Window) Weekdays() int {
	n := 0
	for d := w.StartDate; !d.After(w.EndDate); d = d.AddDate(0, 0, 1) {
		if isWeekday(d.Weekday()) {
			n++
		}
	}
	return n
}

// TotalAvailableHours 工作日数 × 每日时段小时数
func (w Window) TotalAvailableHours() float64 {
	return float64(w.Weekdays()) * (w.EndTime - w.StartTime).Hours()
}

// Contains 样本是否落在窗口内 (日期与时段均为闭区间)
func (w Window) Contains(t time.Time) bool {
	t = t.In(w.location())
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, w.location())
	if day.Before(w.StartDate) || day.After(w.EndDate) {
		return false
	}
	if !isWeekday(t.Weekday()) {
		return false
	}
	tod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second + time.Duration(t.Nanosecond())
	return tod >= w.StartTime && tod <= w.EndTime
}

// Bounds 查询存储用的绝对时间区间
func (w Window) Bounds() (from, to time.Time) {
	return w.StartDate.Add(w.StartTime), w.EndDate.Add(w.EndTime)
}

// Period 形如 "15/07/2024 08:00 - 19/07/2024 16:00"
func (w Window) Period() string {
	from, to := w.Bounds()
	return fmt.Sprintf("%s - %s", from.Format("02/01/2006 15:04"), to.Format("02/01/2006 15:04"))
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

func isWeekday(d time.Weekday) bool {
	return d >= time.Monday && d <= time.Friday
}
