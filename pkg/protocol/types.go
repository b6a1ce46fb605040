package protocol

import "time"

// Reading 单通道读数
type Reading struct {
	Channel     int     `json:"channel"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	// Date 仅在带时间戳格式下由仪器给出, 格式 YYYY/MM/DD HH:MM:SS
	Date string `json:"date,omitempty"`
}

// HasDate 读数是否带仪器时间戳
func (r *Reading) HasDate() bool {
	return r.Date != ""
}

// Time 解析仪器时间戳, 无时间戳时返回 fallback
func (r *Reading) Time(loc *time.Location, fallback time.Time) time.Time {
	if !r.HasDate() {
		return fallback
	}
	t, err := time.ParseInLocation(DateLayout, r.Date, loc)
	if err != nil {
		return fallback
	}
	return t
}

// InstrumentIdentity 仪器身份信息, 由 Identify 返回后不可变
type InstrumentIdentity struct {
	PartNumber   string `json:"pn"`
	SerialNumber string `json:"sn"`
	SensorLabel  string `json:"instrument_name"`
}

// 协议常量
const (
	// 行终止符 (读写均为 CR)
	Terminator = '\r'

	// 默认端口
	DefaultPort = 10001

	// 通道
	ChannelOne = 1
	ChannelTwo = 2

	// 时间格式
	DateLayout = "2006/01/02 15:04:05"

	// 带时间戳格式的字段数
	TimestampedFieldCount = 12
	BareFieldCount        = 2
	IdentityFieldCount    = 4
)

// 命令集
const (
	CmdIdentify         = "*IDN?"
	CmdSensorLabel      = "SENSor1:IDENtification?"
	CmdFormatQuery      = "FORMat:TDST:STATe?"
	CmdFormatSet        = "FORM:TDST:STAT %d"
	CmdRead             = "READ? %d"
	CmdDateQuery        = "SYSTem:DATE?"
	CmdTimeQuery        = "SYSTem:TIME?"
	CmdDateSet          = "SYSTem:DATE %d,%d,%d"
	CmdTimeSet          = "SYSTem:TIME %d,%d,%d"
	FormatStateEnabled  = "1"
	FormatStateDisabled = "0"
)
