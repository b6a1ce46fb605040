package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/analysis"
	"thermohygrometer-server/internal/api"
	"thermohygrometer-server/internal/config"
	"thermohygrometer-server/internal/monitor"
	"thermohygrometer-server/internal/report"
	"thermohygrometer-server/internal/server"
	"thermohygrometer-server/internal/storage"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configFile := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件")
	showVersion := flag.Bool("version", false, "显示版本信息")
	flag.Parse()

	// 显示版本
	if *showVersion {
		fmt.Printf("Thermohygrometer Server v%s (Build: %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		cfg = config.GetDefaultConfig()
		fmt.Println("使用默认配置")
	}
	if err := cfg.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "加载环境变量失败: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log := setupLogger(cfg.Log)
	log.Infof("Thermohygrometer Server v%s 启动中...", Version)
	log.Infof("配置文件: %s", *configFile)

	if err := run(cfg, log); err != nil {
		log.Fatalf("服务器异常退出: %v", err)
	}
	log.Info("服务器已关闭")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// 存储
	db, err := storage.NewPostgresDB(cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}
	store := storage.NewMeasurementStore(db)

	broadcaster, err := storage.NewBroadcaster(cfg, log)
	if err != nil {
		return err
	}
	defer broadcaster.Close()

	reports := report.NewKafkaPublisher(cfg.Report, log)
	defer reports.Close()

	// 监控
	mon := monitor.NewMonitor(log)
	if cfg.Monitor.Enabled {
		mon.StartMetricsServer(cfg.Monitor.MetricsPort)
		mon.StartRuntimeMonitor(ctx, 10*time.Second)
	}

	// 仪器会话
	polls := server.NewPollServer(cfg, store, broadcaster, server.NewClientFactory(cfg, loc, log), loc, log)
	go polls.Start(ctx)

	// HTTP 接口
	handler := api.NewHandler(store, polls, analysis.NewAnalyzer(log, cfg.Analysis.Workers), reports, loc, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP服务器启动: %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("收到退出信号, 开始优雅关闭...")
	case err := <-errCh:
		log.Errorf("HTTP服务器错误: %v", err)
	}

	// 最多等待30秒
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("关闭HTTP服务器失败: %v", err)
	}
	if err := polls.Shutdown(shutdownCtx); err != nil {
		log.Warnf("仪器会话关闭超时: %v", err)
	}
	if err := mon.Shutdown(shutdownCtx); err != nil {
		log.Errorf("关闭Metrics服务器失败: %v", err)
	}
	return nil
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// 设置日志格式
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置输出
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("打开日志文件失败: %v, 使用标准输出", err)
		}
	}

	return log
}
