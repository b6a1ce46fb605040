package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/simulator"
)

// Stats 统计指标
type Stats struct {
	Started        int64 // 已启动仪器数
	StartFailed    int64 // 启动失败数
	Registered     int64 // 已注册仪器数
	RegisterFailed int64 // 注册失败数
	Excursions     int64 // 注入的超限读数次数
}

// Fleet 一组模拟仪器, 用于对会话编排做负载测试
type Fleet struct {
	Host          string
	BasePort      int
	NumDevices    int
	APIURL        string
	SaveInterval  int
	DriftInterval time.Duration
	Stats         *Stats
	Devices       []*simulator.Device
	Log           *logrus.Logger
}

func NewFleet(host string, basePort, numDevices int, apiURL string, saveInterval int, drift time.Duration, log *logrus.Logger) *Fleet {
	return &Fleet{
		Host:          host,
		BasePort:      basePort,
		NumDevices:    numDevices,
		APIURL:        apiURL,
		SaveInterval:  saveInterval,
		DriftInterval: drift,
		Stats:         &Stats{},
		Log:           log,
	}
}

// Run 启动所有仪器, 可选注册到服务器, 直到 ctx 取消
func (f *Fleet) Run(ctx context.Context) {
	f.Log.Infof("========================================")
	f.Log.Infof("模拟仪器群启动")
	f.Log.Infof("========================================")
	f.Log.Infof("监听地址:   %s:%d-%d", f.Host, f.BasePort, f.BasePort+f.NumDevices-1)
	f.Log.Infof("仪器数量:   %d", f.NumDevices)
	f.Log.Infof("注册接口:   %s", f.APIURL)
	f.Log.Infof("========================================")

	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < f.NumDevices; i++ {
		port := f.BasePort + i
		cfg := simulator.DefaultConfig()
		cfg.SerialNumber = fmt.Sprintf("SIM%05d", i+1)
		cfg.SensorLabel = fmt.Sprintf("SIM-%03d", i+1)
		cfg.Jitter = 0.2

		dev := simulator.NewDevice(cfg, f.Log)
		if err := dev.Listen(fmt.Sprintf("%s:%d", f.Host, port)); err != nil {
			f.Log.Errorf("仪器 %d 启动失败: %v", i+1, err)
			atomic.AddInt64(&f.Stats.StartFailed, 1)
			continue
		}
		f.Devices = append(f.Devices, dev)
		atomic.AddInt64(&f.Stats.Started, 1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			dev.Serve(ctx)
		}()

		if f.APIURL != "" {
			f.register(ctx, port)
		}

		// 分批启动
		if (i+1)%100 == 0 {
			f.Log.Infof("已启动 %d/%d 仪器...", i+1, f.NumDevices)
		}
	}

	f.Log.Infof("所有仪器启动完成，用时: %v", time.Since(startTime))

	go f.drift(ctx)
	go f.monitorStats(ctx)

	wg.Wait()
	f.printFinalStats()
}

func (f *Fleet) register(ctx context.Context, port int) {
	body, _ := json.Marshal(map[string]any{
		"ip_address":                     f.Host,
		"port":                           port,
		"time_interval_to_save_measures": f.SaveInterval,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.APIURL+"/api/v1/instruments", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&f.Stats.RegisterFailed, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.Log.Errorf("注册 %s:%d 失败: %v", f.Host, port, err)
		atomic.AddInt64(&f.Stats.RegisterFailed, 1)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		f.Log.Warnf("注册 %s:%d 返回 %d", f.Host, port, resp.StatusCode)
		atomic.AddInt64(&f.Stats.RegisterFailed, 1)
		return
	}
	atomic.AddInt64(&f.Stats.Registered, 1)
}

// drift 周期性调整读数, 偶尔注入超限值
func (f *Fleet) drift(ctx context.Context) {
	ticker := time.NewTicker(f.DriftInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, dev := range f.Devices {
			temp := 21 + rand.Float64()*2
			hum := 40 + rand.Float64()*10
			if rand.Intn(20) == 0 {
				temp += 6
				atomic.AddInt64(&f.Stats.Excursions, 1)
			}
			dev.SetReading(1, temp, hum)
			dev.SetReading(2, temp-0.5, hum+2)
		}
	}
}

// monitorStats 监控统计信息
func (f *Fleet) monitorStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastServed := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		served := f.served()
		qps := float64(served-lastServed) / now.Sub(lastTime).Seconds()

		f.Log.Infof("仪器: %d | 已注册: %d | 注册失败: %d | 命令: %d | QPS: %.0f | 超限注入: %d",
			atomic.LoadInt64(&f.Stats.Started),
			atomic.LoadInt64(&f.Stats.Registered),
			atomic.LoadInt64(&f.Stats.RegisterFailed),
			served, qps,
			atomic.LoadInt64(&f.Stats.Excursions),
		)

		lastServed = served
		lastTime = now
	}
}

func (f *Fleet) served() int64 {
	var total int64
	for _, dev := range f.Devices {
		total += dev.Served()
	}
	return total
}

// printFinalStats 打印最终统计
func (f *Fleet) printFinalStats() {
	f.Log.Infof("========================================")
	f.Log.Infof("模拟仪器群已停止")
	f.Log.Infof("========================================")
	f.Log.Infof("启动仪器:   %d", atomic.LoadInt64(&f.Stats.Started))
	f.Log.Infof("启动失败:   %d", atomic.LoadInt64(&f.Stats.StartFailed))
	f.Log.Infof("已注册:     %d", atomic.LoadInt64(&f.Stats.Registered))
	f.Log.Infof("注册失败:   %d", atomic.LoadInt64(&f.Stats.RegisterFailed))
	f.Log.Infof("命令总数:   %d", f.served())
	f.Log.Infof("超限注入:   %d", atomic.LoadInt64(&f.Stats.Excursions))
	f.Log.Infof("========================================")
}

func main() {
	// 命令行参数
	host := flag.String("host", "127.0.0.1", "监听地址")
	basePort := flag.Int("base-port", 20001, "起始端口")
	numDevices := flag.Int("devices", 50, "仪器数量")
	apiURL := flag.String("api", "", "服务器 HTTP 地址, 为空时不注册 (例如 http://localhost:8080)")
	saveInterval := flag.Int("save-interval", 1, "注册时的保存间隔 (分钟)")
	drift := flag.Duration("drift", 10*time.Second, "读数变化间隔")
	duration := flag.Duration("duration", 0, "运行时长(0表示无限)")
	debug := flag.Bool("debug", false, "调试模式")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if *numDevices <= 0 {
		fmt.Fprintln(os.Stderr, "devices 必须大于 0")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	NewFleet(*host, *basePort, *numDevices, *apiURL, *saveInterval, *drift, log).Run(ctx)
}
