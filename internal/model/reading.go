package model

import (
	"time"

	"thermohygrometer-server/internal/calibration"
	"thermohygrometer-server/pkg/protocol"
)

// LimitState 读数相对限值的状态, 用于界面着色
type LimitState string

const (
	WithinLimits LimitState = "within"
	OutOfLimits  LimitState = "out"
	// Uncalibrated 修正值缺失 (未关联校准证书)
	Uncalibrated LimitState = "uncalibrated"
)

// Classification 四个显示值各自的限值状态
type Classification struct {
	Temperature          LimitState `json:"temperature_style"`
	Humidity             LimitState `json:"humidity_style"`
	CorrectedTemperature LimitState `json:"corrected_temperature_style"`
	CorrectedHumidity    LimitState `json:"corrected_humidity_style"`
}

// Corrected 修正后的读数, 无证书时两项均为 nil
type Corrected struct {
	Temperature *float64 `json:"corrected_temperature"`
	Humidity    *float64 `json:"corrected_humidity"`
}

// SensorInfo 广播附带的仪器与通道信息
type SensorInfo struct {
	PartNumber     string `json:"pn"`
	SerialNumber   string `json:"sn"`
	InstrumentName string `json:"instrument_name"`
	GroupName      string `json:"group_name"`
	SensorID       int64  `json:"sensor_id"`
	SensorName     string `json:"sensor_name"`
	Location       string `json:"location"`
	Channel        int    `json:"channel"`
	Limits
}

// EnrichedReading 原始读数 + 修正值 + 分类, 由 Enrich 一次构建
type EnrichedReading struct {
	Raw            protocol.Reading `json:"raw"`
	Corrected      Corrected        `json:"corrected"`
	Classification Classification   `json:"classification"`
	Info           SensorInfo       `json:"thermo_info"`
}

// Enrich 对读数应用校准证书并按通道有效限值分类
func Enrich(raw protocol.Reading, inst *Instrument, sensor *Sensor, cert *calibration.Certificate) EnrichedReading {
	limits := sensor.EffectiveLimits(inst)
	ct, ch := calibration.Correct(cert, raw.Temperature, raw.Humidity)

	return EnrichedReading{
		Raw:       raw,
		Corrected: Corrected{Temperature: ct, Humidity: ch},
		Classification: Classification{
			Temperature:          classify(&raw.Temperature, limits.TemperatureOut),
			Humidity:             classify(&raw.Humidity, limits.HumidityOut),
			CorrectedTemperature: classify(ct, limits.TemperatureOut),
			CorrectedHumidity:    classify(ch, limits.HumidityOut),
		},
		Info: SensorInfo{
			PartNumber:     inst.PartNumber,
			SerialNumber:   inst.SerialNumber,
			InstrumentName: inst.Name,
			GroupName:      inst.GroupName,
			SensorID:       sensor.ID,
			SensorName:     sensor.Name,
			Location:       sensor.Location,
			Channel:        sensor.Channel,
			Limits:         limits,
		},
	}
}

func classify(v *float64, out func(float64) bool) LimitState {
	switch {
	case v == nil:
		return Uncalibrated
	case out(*v):
		return OutOfLimits
	default:
		return WithinLimits
	}
}

// ToMeasurement 生成待保存样本; 合成的默认通道 (ID 为 0) 不关联 sensor
func (r EnrichedReading) ToMeasurement(inst *Instrument, sensor *Sensor, at time.Time) *Measurement {
	instrumentID := inst.ID
	m := &Measurement{
		InstrumentID:         &instrumentID,
		Temperature:          r.Raw.Temperature,
		Humidity:             r.Raw.Humidity,
		CorrectedTemperature: r.Corrected.Temperature,
		CorrectedHumidity:    r.Corrected.Humidity,
		Date:                 at,
	}
	if sensor != nil && sensor.ID != 0 {
		sensorID := sensor.ID
		m.SensorID = &sensorID
	}
	return m
}
