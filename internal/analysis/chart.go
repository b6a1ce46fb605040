package analysis

import "sort"

const chartTimestampLayout = "2006-01-02 15:04"

// ChartPoint 图表中的一个点
type ChartPoint struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// ChartEntry 单个目标的超限百分比
type ChartEntry struct {
	InstrumentName     string  `json:"instrument_name"`
	PercentOutOfLimits float64 `json:"percent_out_of_limits"`
}

// Chart 超限图表数据
type Chart struct {
	Data               []ChartEntry            `json:"data"`
	TotalTimeAvailable float64                 `json:"total_time_available"`
	AnalysisPeriod     string                  `json:"analysis_period"`
	TemperatureData    map[string][]ChartPoint `json:"temperature_data"`
	HumidityData       map[string][]ChartPoint `json:"humidity_data"`
	Timestamps         []string                `json:"timestamps"`
}

// Chart 生成超限图表数据
//
// 百分比按温度超限样本数与湿度超限样本数之和计算, 同时超限的样本计两次.
func (a *Analyzer) Chart(req *Request, series map[TargetKey][]Sample) *Chart {
	available := req.Window.TotalAvailableHours()
	chart := &Chart{
		Data:               make([]ChartEntry, 0, len(req.Targets)),
		TotalTimeAvailable: available,
		AnalysisPeriod:     req.Window.Period(),
		TemperatureData:    map[string][]ChartPoint{},
		HumidityData:       map[string][]ChartPoint{},
		Timestamps:         []string{},
	}

	seen := map[string]bool{}
	labels := newLabeler()

	for _, target := range req.Targets {
		label := labels.resolve(target)
		samples := inWindow(req.Window, series[target.Key()])

		var outHours float64
		for _, s := range samples {
			if s.temperatureOut() {
				outHours += s.hours()
			}
			if s.humidityOut() {
				outHours += s.hours()
			}

			ts := s.Date.In(req.Window.location()).Format(chartTimestampLayout)
			if !seen[ts] {
				seen[ts] = true
				chart.Timestamps = append(chart.Timestamps, ts)
			}
			if s.CorrectedTemperature != nil {
				chart.TemperatureData[label] = append(chart.TemperatureData[label], ChartPoint{Timestamp: ts, Value: *s.CorrectedTemperature})
			}
			if s.CorrectedHumidity != nil {
				chart.HumidityData[label] = append(chart.HumidityData[label], ChartPoint{Timestamp: ts, Value: *s.CorrectedHumidity})
			}
		}

		chart.Data = append(chart.Data, ChartEntry{
			InstrumentName:     label,
			PercentOutOfLimits: percentage(outHours, available),
		})
	}

	sort.Strings(chart.Timestamps)
	return chart
}
