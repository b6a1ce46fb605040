package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Report    ReportConfig    `yaml:"report"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Log       LogConfig       `yaml:"log"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// ServerConfig 仪器会话参数
type ServerConfig struct {
	MaxSessions   int           `yaml:"max_sessions"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	// Timezone 仪器时钟与分析窗口使用的时区
	Timezone string `yaml:"timezone"`
}

type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// DSN lib/pq 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// HistoryLimit 每个主题保留的最近消息数
	HistoryLimit int `yaml:"history_limit"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

const (
	BackendRedis = "redis"
	BackendMQTT  = "mqtt"
)

type BroadcastConfig struct {
	Backend string `yaml:"backend"`
}

// ReportConfig 分析结果发送到报告生成管道
type ReportConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AnalysisConfig struct {
	Workers int `yaml:"workers"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

// LoadConfig 加载配置文件, 未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// LoadEnv 读取 .env 文件 (可选) 并用环境变量覆盖密码等配置
func (c *Config) LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("读取环境文件失败 %s: %w", f, err)
		}
	}

	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	if err := setInt(&c.Database.Port, "DB_PORT"); err != nil {
		return err
	}

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	setString(&c.MQTT.Broker, "MQTT_BROKER")
	setString(&c.MQTT.Username, "MQTT_USERNAME")
	setString(&c.MQTT.Password, "MQTT_PASSWORD")

	setString(&c.Broadcast.Backend, "BROADCAST_BACKEND")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Server.Timezone, "TZ_NAME")

	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok && strings.TrimSpace(v) != "" {
		c.Report.Brokers = splitList(v)
	}
	if v, ok := os.LookupEnv("REPORT_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REPORT_ENABLED 无效: %w", err)
		}
		c.Report.Enabled = b
	}
	if err := setInt(&c.HTTP.Port, "HTTP_PORT"); err != nil {
		return err
	}

	return nil
}

// Validate 检查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.MaxSessions <= 0 {
		errs = append(errs, errors.New("server.max_sessions 必须大于 0"))
	}
	if c.Server.RetryInterval <= 0 {
		errs = append(errs, errors.New("server.retry_interval 必须大于 0"))
	}
	if c.Server.PollInterval <= 0 {
		errs = append(errs, errors.New("server.poll_interval 必须大于 0"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("server.timezone 无效: %w", err))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port 无效: %d", c.HTTP.Port))
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		errs = append(errs, errors.New("database.host 与 database.name 不能为空"))
	}

	switch c.Broadcast.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr 不能为空"))
		}
	case BackendMQTT:
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker 不能为空"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos 无效: %d", c.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("broadcast.backend 无效: %q", c.Broadcast.Backend))
	}

	if c.Report.Enabled && (len(c.Report.Brokers) == 0 || c.Report.Topic == "") {
		errs = append(errs, errors.New("report 启用时 brokers 与 topic 不能为空"))
	}

	return errors.Join(errs...)
}

// Location 解析时区
//
// 为空或 "Local" 时取 TZ 环境变量中的时区名, 无法加载时使用 UTC.
// 返回的时区总有名称, SQL 与内存过滤使用同一时区.
func (c *Config) Location() (*time.Location, error) {
	if name := c.Server.Timezone; name != "" && name != "Local" {
		return time.LoadLocation(name)
	}
	if name := strings.TrimPrefix(os.Getenv("TZ"), ":"); name != "" && name != "Local" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, nil
		}
	}
	return time.UTC, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			MaxSessions:   64,
			RetryInterval: 60 * time.Second,
			PollInterval:  5 * time.Second,
			DialTimeout:   5 * time.Second,
			ReadTimeout:   2 * time.Second,
			Timezone:      "UTC",
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "thermo",
			Name:            "thermohygrometer",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Password:     "",
			DB:           0,
			PoolSize:     20,
			HistoryLimit: 1000,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "thermohygrometer-server",
			QoS:      0,
		},
		Broadcast: BroadcastConfig{
			Backend: BackendRedis,
		},
		Report: ReportConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "environmental-analysis",
		},
		Analysis: AnalysisConfig{
			Workers: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			MetricsPort: 9090,
		},
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s 无效: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
