package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"thermohygrometer-server/pkg/protocol"
)

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// ParseChannelReading 解析 READ? 响应
//
// 带时间戳格式: 1,1,22.86,C,47.4,%,2024,7,17,14,5,15
// 无时间戳格式: 22.80,47.3
func (p *Parser) ParseChannelReading(raw string, channel int, timestamped bool) (*protocol.Reading, error) {
	line := cleanLine(raw)
	fields := strings.Split(line, ",")

	if timestamped {
		return parseTimestamped(line, fields, channel)
	}
	return parseBare(line, fields, channel)
}

func parseTimestamped(line string, fields []string, channel int) (*protocol.Reading, error) {
	if len(fields) != protocol.TimestampedFieldCount {
		return nil, &protocol.ProtocolError{
			Response: line,
			Reason:   fmt.Sprintf("字段数 %d, 期望 %d", len(fields), protocol.TimestampedFieldCount),
		}
	}

	// 跳过前两个头字段
	rest := fields[2:]

	temperature, err := parseFloat(rest[0])
	if err != nil {
		return nil, &protocol.ProtocolError{Response: line, Reason: "温度值无效: " + err.Error()}
	}

	// rest[1] 为温度单位
	humidity, err := parseFloat(rest[2])
	if err != nil {
		return nil, &protocol.ProtocolError{Response: line, Reason: "湿度值无效: " + err.Error()}
	}

	// rest[3] 为湿度单位, 其后为 年,月,日,时,分,秒
	parts, err := parseInts(rest[4:])
	if err != nil {
		return nil, &protocol.ProtocolError{Response: line, Reason: "时间戳无效: " + err.Error()}
	}

	ts, err := buildTime(parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], time.UTC)
	if err != nil {
		return nil, &protocol.ProtocolError{Response: line, Reason: err.Error()}
	}

	return &protocol.Reading{
		Channel:     channel,
		Temperature: temperature,
		Humidity:    humidity,
		Date:        ts.Format(protocol.DateLayout),
	}, nil
}

func parseBare(line string, fields []string, channel int) (*protocol.Reading, error) {
	if len(fields) != protocol.BareFieldCount {
		return nil, &protocol.ProtocolError{
			Response: line,
			Reason:   fmt.Sprintf("字段数 %d, 期望 %d", len(fields), protocol.BareFieldCount),
		}
	}

	temperature, err := parseFloat(fields[0])
	if err != nil {
		return nil, &protocol.ProtocolError{Response: line, Reason: "温度值无效: " + err.Error()}
	}
	humidity, err := parseFloat(fields[1])
	if err != nil {
		return nil, &protocol.ProtocolError{Response: line, Reason: "湿度值无效: " + err.Error()}
	}

	return &protocol.Reading{
		Channel:     channel,
		Temperature: temperature,
		Humidity:    humidity,
	}, nil
}

// ParseIdentity 解析 *IDN? 响应: 厂商,型号,序列号,固件版本
func ParseIdentity(raw string) (partNumber, serialNumber string, err error) {
	line := cleanLine(raw)
	fields := strings.Split(line, ",")
	if len(fields) != protocol.IdentityFieldCount {
		return "", "", &protocol.ProtocolError{
			Command:  protocol.CmdIdentify,
			Response: line,
			Reason:   fmt.Sprintf("字段数 %d, 期望 %d", len(fields), protocol.IdentityFieldCount),
		}
	}

	partNumber = strings.TrimSpace(fields[1])
	serialNumber = strings.TrimSpace(fields[2])
	if partNumber == "" || serialNumber == "" {
		return "", "", &protocol.ProtocolError{
			Command:  protocol.CmdIdentify,
			Response: line,
			Reason:   "型号或序列号为空",
		}
	}

	return partNumber, serialNumber, nil
}

// ParseSensorLabel 去掉引号
func ParseSensorLabel(raw string) string {
	return strings.TrimSpace(strings.ReplaceAll(cleanLine(raw), `"`, ""))
}

// ParseFormatState 时间戳格式开关
func ParseFormatState(raw string) bool {
	return cleanLine(raw) == protocol.FormatStateEnabled
}

// ParseDeviceClock 解析 SYSTem:DATE? (Y,M,D) 与 SYSTem:TIME? (h,m,s) 响应
func ParseDeviceClock(dateRaw, timeRaw string, loc *time.Location) (time.Time, error) {
	dateLine := cleanLine(dateRaw)
	timeLine := cleanLine(timeRaw)

	d, err := parseInts(strings.Split(dateLine, ","))
	if err != nil || len(d) != 3 {
		return time.Time{}, &protocol.ProtocolError{Command: protocol.CmdDateQuery, Response: dateLine, Reason: "日期格式无效"}
	}
	t, err := parseInts(strings.Split(timeLine, ","))
	if err != nil || len(t) != 3 {
		return time.Time{}, &protocol.ProtocolError{Command: protocol.CmdTimeQuery, Response: timeLine, Reason: "时间格式无效"}
	}

	ts, err := buildTime(d[0], d[1], d[2], t[0], t[1], t[2], loc)
	if err != nil {
		return time.Time{}, &protocol.ProtocolError{Command: protocol.CmdDateQuery, Response: dateLine + " " + timeLine, Reason: err.Error()}
	}
	return ts, nil
}

// FormatDateCommand 生成设置日期命令
func FormatDateCommand(t time.Time) string {
	return fmt.Sprintf(protocol.CmdDateSet, t.Year(), int(t.Month()), t.Day())
}

// FormatTimeCommand 生成设置时间命令
func FormatTimeCommand(t time.Time) string {
	return fmt.Sprintf(protocol.CmdTimeSet, t.Hour(), t.Minute(), t.Second())
}

func cleanLine(raw string) string {
	return strings.TrimSpace(strings.Trim(raw, "\r\n"))
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func parseInts(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// buildTime 拒绝 time.Date 会自动进位的非法日期 (如 2月30日)
func buildTime(year, month, day, hour, minute, second int, loc *time.Location) (time.Time, error) {
	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	if ts.Year() != year || int(ts.Month()) != month || ts.Day() != day ||
		ts.Hour() != hour || ts.Minute() != minute || ts.Second() != second {
		return time.Time{}, fmt.Errorf("非法日期时间 %d-%d-%d %d:%d:%d", year, month, day, hour, minute, second)
	}
	return ts, nil
}
