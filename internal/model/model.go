package model

import (
	"fmt"
	"time"
)

// DefaultSaveIntervalMinutes 默认保存间隔
const DefaultSaveIntervalMinutes = 5

// Limits 温湿度限值, nil 表示未设置
type Limits struct {
	MinTemperature *float64 `json:"min_temperature" db:"min_temperature"`
	MaxTemperature *float64 `json:"max_temperature" db:"max_temperature"`
	MinHumidity    *float64 `json:"min_humidity" db:"min_humidity"`
	MaxHumidity    *float64 `json:"max_humidity" db:"max_humidity"`
}

// Fallback 逐项回退到 other 中的限值
func (l Limits) Fallback(other Limits) Limits {
	return Limits{
		MinTemperature: firstSet(l.MinTemperature, other.MinTemperature),
		MaxTemperature: firstSet(l.MaxTemperature, other.MaxTemperature),
		MinHumidity:    firstSet(l.MinHumidity, other.MinHumidity),
		MaxHumidity:    firstSet(l.MaxHumidity, other.MaxHumidity),
	}
}

// TemperatureOut 温度是否超限; 未设置的边界不参与判断
func (l Limits) TemperatureOut(v float64) bool {
	return outside(v, l.MinTemperature, l.MaxTemperature)
}

// HumidityOut 湿度是否超限
func (l Limits) HumidityOut(v float64) bool {
	return outside(v, l.MinHumidity, l.MaxHumidity)
}

func outside(v float64, lo, hi *float64) bool {
	if lo != nil && v < *lo {
		return true
	}
	if hi != nil && v > *hi {
		return true
	}
	return false
}

func firstSet(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

// Float 返回指针, 便于构造限值
func Float(v float64) *float64 {
	return &v
}

// GroupName 由型号与序列号确定的分组名
func GroupName(partNumber, serialNumber string) string {
	return fmt.Sprintf("thermo_%s_%s", partNumber, serialNumber)
}

// Instrument 温湿度计
type Instrument struct {
	ID                    int64      `json:"id" db:"id"`
	Address               string     `json:"ip_address" db:"ip_address"`
	Port                  int        `json:"port" db:"port"`
	PartNumber            string     `json:"pn" db:"pn"`
	SerialNumber          string     `json:"sn" db:"sn"`
	Name                  string     `json:"instrument_name" db:"instrument_name"`
	GroupName             string     `json:"group_name" db:"group_name"`
	Location              string     `json:"location" db:"location"`
	Connected             bool       `json:"is_connected" db:"is_connected"`
	LastConnectionAttempt *time.Time `json:"last_connection_attempt" db:"last_connection_attempt"`
	SaveIntervalMinutes   int        `json:"time_interval_to_save_measures" db:"save_interval_minutes"`
	Limits
}

// SaveInterval 保存间隔
func (i *Instrument) SaveInterval() time.Duration {
	minutes := i.SaveIntervalMinutes
	if minutes <= 0 {
		minutes = DefaultSaveIntervalMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// DisplayName 显示名称
func (i *Instrument) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return fmt.Sprintf("Instrument %d", i.ID)
}

// Topic 仪器级广播主题
func (i *Instrument) Topic() string {
	return fmt.Sprintf("thermo_%d", i.ID)
}

// GroupTopic 仪器分组广播主题 (连接状态与错误)
func (i *Instrument) GroupTopic() string {
	return "thermohygrometer_" + i.GroupName
}

// Sensor 仪器的一个测量通道
type Sensor struct {
	ID            int64  `json:"id" db:"id"`
	InstrumentID  int64  `json:"instrument_id" db:"instrument_id"`
	Channel       int    `json:"channel" db:"channel"`
	Name          string `json:"sensor_name" db:"sensor_name"`
	Location      string `json:"location" db:"location"`
	CertificateID *int64 `json:"calibration_certificate_id" db:"calibration_certificate_id"`
	Limits
}

// EffectiveLimits 通道限值, 未设置项回退到仪器限值
func (s *Sensor) EffectiveLimits(inst *Instrument) Limits {
	if inst == nil {
		return s.Limits
	}
	return s.Limits.Fallback(inst.Limits)
}

// Topic 通道级广播主题
func (s *Sensor) Topic() string {
	return fmt.Sprintf("thermo_%d_sensor_%d", s.InstrumentID, s.ID)
}

// Measurement 一次保存的样本, 写入后不可修改
type Measurement struct {
	ID                   int64     `json:"id" db:"id"`
	InstrumentID         *int64    `json:"instrument_id" db:"instrument_id"`
	SensorID             *int64    `json:"sensor_id" db:"sensor_id"`
	Temperature          float64   `json:"temperature" db:"temperature"`
	Humidity             float64   `json:"humidity" db:"humidity"`
	CorrectedTemperature *float64  `json:"corrected_temperature" db:"corrected_temperature"`
	CorrectedHumidity    *float64  `json:"corrected_humidity" db:"corrected_humidity"`
	Date                 time.Time `json:"date" db:"date"`
	PartNumber           *string   `json:"pn,omitempty" db:"pn"`
	SerialNumber         *string   `json:"sn,omitempty" db:"sn"`
}
