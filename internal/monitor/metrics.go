package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// 会话指标
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thermo_active_sessions",
		Help: "当前活跃的仪器会话数",
	})

	SessionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermo_session_attempts_total",
			Help: "仪器连接尝试次数",
		},
		[]string{"result"},
	)

	// 读数指标
	ReadingsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermo_readings_received_total",
			Help: "接收的通道读数总数",
		},
		[]string{"instrument_id", "channel"},
	)

	ReadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermo_read_errors_total",
			Help: "读数失败次数",
		},
		[]string{"instrument_id"},
	)

	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "thermo_poll_duration_seconds",
		Help:    "单次轮询耗时",
		Buckets: prometheus.DefBuckets,
	})

	// 持久化与广播
	MeasurementsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thermo_measurements_saved_total",
		Help: "保存的样本数",
	})

	PersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thermo_persist_errors_total",
		Help: "样本保存失败次数",
	})

	BroadcastErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermo_broadcast_errors_total",
			Help: "广播失败次数",
		},
		[]string{"backend"},
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thermo_db_query_duration_seconds",
			Help:    "数据库操作耗时",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// 分析接口
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermo_api_requests_total",
			Help: "HTTP 请求数",
		},
		[]string{"route", "status"},
	)

	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "thermo_analysis_duration_seconds",
		Help:    "环境分析耗时",
		Buckets: prometheus.DefBuckets,
	})

	ReportsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thermo_reports_published_total",
		Help: "发送到报告管道的分析结果数",
	})

	// Goroutine指标
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thermo_goroutines",
		Help: "当前Goroutine数量",
	})

	// 内存指标
	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thermo_memory_usage_bytes",
		Help: "内存使用量",
	})
)

var registerOnce sync.Once

type Monitor struct {
	log    *logrus.Logger
	server *http.Server
}

func NewMonitor(log *logrus.Logger) *Monitor {
	// 注册指标
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveSessions,
			SessionAttempts,
			ReadingsReceived,
			ReadErrors,
			PollDuration,
			MeasurementsSaved,
			PersistErrors,
			BroadcastErrors,
			DBQueryDuration,
			APIRequests,
			AnalysisDuration,
			ReportsPublished,
			GoroutineCount,
			MemoryUsage,
		)
	})

	return &Monitor{log: log}
}

// Handler /metrics 与 /health
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// 健康检查端点
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartMetricsServer 启动Metrics HTTP服务器
func (m *Monitor) StartMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.log.Infof("Metrics服务器启动: %s", addr)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("Metrics服务器错误: %v", err)
		}
	}()
}

// Shutdown 关闭Metrics服务器
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// StartRuntimeMonitor 启动运行时监控, ctx 取消时停止
func (m *Monitor) StartRuntimeMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collectRuntime()
			}
		}
	}()
}

func (m *Monitor) collectRuntime() {
	// 更新Goroutine数量
	GoroutineCount.Set(float64(runtime.NumGoroutine()))

	// 更新内存使用
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryUsage.Set(float64(memStats.Alloc))

	m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
		runtime.NumGoroutine(),
		float64(memStats.Alloc)/1024/1024,
	)
}
