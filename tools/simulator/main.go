package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/simulator"
)

func main() {
	cfg := simulator.DefaultConfig()

	addr := flag.String("addr", "0.0.0.0:10001", "监听地址")
	flag.StringVar(&cfg.PartNumber, "pn", cfg.PartNumber, "型号")
	flag.StringVar(&cfg.SerialNumber, "sn", cfg.SerialNumber, "序列号")
	flag.StringVar(&cfg.SensorLabel, "label", cfg.SensorLabel, "传感器标签")
	flag.IntVar(&cfg.Channels, "channels", cfg.Channels, "通道数")
	flag.BoolVar(&cfg.Timestamped, "timestamped", cfg.Timestamped, "带时间戳输出")
	flag.DurationVar(&cfg.ClockOffset, "clock-offset", 0, "仪器时钟偏差")
	flag.Float64Var(&cfg.Jitter, "jitter", 0.3, "读数随机波动幅度")
	temp := flag.Float64("temp", 21.5, "温度")
	hum := flag.Float64("hum", 45.0, "湿度")
	debug := flag.Bool("debug", false, "输出每条命令")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	dev := simulator.NewDevice(cfg, log)
	for ch := 1; ch <= cfg.Channels; ch++ {
		dev.SetReading(ch, *temp, *hum)
	}

	if err := dev.Listen(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := dev.Serve(ctx); err != nil {
		log.Fatalf("模拟仪器错误: %v", err)
	}
	log.Infof("模拟仪器已关闭, 运行 %s, 共接收 %d 条命令", time.Since(start).Round(time.Second), dev.Served())
}
