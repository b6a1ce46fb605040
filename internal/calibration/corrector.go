package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Parameter 被校准的物理量
type Parameter string

const (
	Temperature Parameter = "temperature"
	Humidity    Parameter = "humidity"
)

// PointCount 每个物理量的校准点数
const PointCount = 3

// Point 校准点: 示值与修正值
type Point struct {
	Indication float64 `json:"indication" db:"indication"`
	Correction float64 `json:"correction" db:"correction"`
}

// Certificate 校准证书, 创建后不可修改
type Certificate struct {
	ID                     int64             `json:"id" db:"id"`
	Number                 string            `json:"certificate_number" db:"certificate_number"`
	CalibrationDate        time.Time         `json:"calibration_date" db:"calibration_date"`
	NextCalibrationDate    time.Time         `json:"next_calibration_date" db:"next_calibration_date"`
	TemperaturePoints      [PointCount]Point `json:"temperature_points"`
	HumidityPoints         [PointCount]Point `json:"humidity_points"`
	TemperatureUncertainty float64           `json:"temp_uncertainty" db:"temp_uncertainty"`
	HumidityUncertainty    float64           `json:"humidity_uncertainty" db:"humidity_uncertainty"`
}

// Validate 检查证书基本字段
func (c *Certificate) Validate() error {
	if strings.TrimSpace(c.Number) == "" {
		return errors.New("证书编号不能为空")
	}
	if !c.NextCalibrationDate.IsZero() && c.NextCalibrationDate.Before(c.CalibrationDate) {
		return fmt.Errorf("下次校准日期 %s 早于校准日期 %s",
			c.NextCalibrationDate.Format("2006-01-02"), c.CalibrationDate.Format("2006-01-02"))
	}
	return nil
}

// Points 返回按示值升序排列的校准点副本, 存储顺序不作假设
func (c *Certificate) Points(param Parameter) []Point {
	var src [PointCount]Point
	switch param {
	case Humidity:
		src = c.HumidityPoints
	default:
		src = c.TemperaturePoints
	}

	points := make([]Point, PointCount)
	copy(points, src[:])
	SortPoints(points)
	return points
}

// SortPoints 按示值升序稳定排序
func SortPoints(points []Point) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Indication < points[j].Indication
	})
}

// Correction 计算测量值对应的修正值
//
// 超出校准范围时取最近端点的修正值, 区间内线性插值.
func Correction(cert *Certificate, param Parameter, measured float64) float64 {
	points := cert.Points(param)
	return interpolate(points, measured)
}

func interpolate(points []Point, measured float64) float64 {
	first := points[0]
	last := points[len(points)-1]

	if measured <= first.Indication {
		return first.Correction
	}
	if measured >= last.Indication {
		return last.Correction
	}

	for i := 0; i < len(points)-1; i++ {
		lower, upper := points[i], points[i+1]
		if lower.Indication <= measured && measured < upper.Indication {
			slope := (upper.Correction - lower.Correction) / (upper.Indication - lower.Indication)
			return lower.Correction + slope*(measured-lower.Indication)
		}
	}

	// 不可达: measured 严格位于 first 与 last 之间时必有区间命中
	return last.Correction
}

// Apply 返回修正后的值 (measured - correction), 保留两位小数
func Apply(cert *Certificate, param Parameter, measured float64) float64 {
	return Round2(measured - Correction(cert, param, measured))
}

// Correct 对一组原始读数应用证书; 证书为 nil 时修正值缺失 (nil), 而不是等于原始值
func Correct(cert *Certificate, temperature, humidity float64) (correctedTemp, correctedHum *float64) {
	if cert == nil {
		return nil, nil
	}
	ct := Apply(cert, Temperature, temperature)
	ch := Apply(cert, Humidity, humidity)
	return &ct, &ch
}

// Round2 四舍五入到两位小数
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ParseDecimal 解析数值, 兼容逗号小数点 ("0,15")
func ParseDecimal(s string) (float64, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, fmt.Errorf("数值无效 %q: %w", s, err)
	}
	return v, nil
}

// NewPoint 由表单字符串构建校准点
func NewPoint(indication, correction string) (Point, error) {
	ind, err := ParseDecimal(indication)
	if err != nil {
		return Point{}, fmt.Errorf("示值: %w", err)
	}
	corr, err := ParseDecimal(correction)
	if err != nil {
		return Point{}, fmt.Errorf("修正值: %w", err)
	}
	return Point{Indication: ind, Correction: corr}, nil
}
