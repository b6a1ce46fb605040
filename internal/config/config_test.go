package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  retry_interval: 30s
  timezone: UTC
database:
  host: db.internal
broadcast:
  backend: mqtt
report:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Server.RetryInterval != 30*time.Second {
		t.Errorf("RetryInterval = %v, want 30s", cfg.Server.RetryInterval)
	}
	if cfg.Server.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want default 5s", cfg.Server.PollInterval)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5432 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Broadcast.Backend != BackendMQTT {
		t.Errorf("Backend = %q", cfg.Broadcast.Backend)
	}
	if len(cfg.Report.Brokers) != 2 || cfg.Report.Topic != "environmental-analysis" {
		t.Errorf("Report = %+v", cfg.Report)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig(missing) error = nil")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [unclosed"), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig(bad yaml) error = nil")
	}
}

func TestConfig_LoadEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("DB_PASSWORD=from-file\nREDIS_PASSWORD=redis-secret\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// t.Setenv 负责恢复, 随后清空以便 .env 生效
	for _, key := range []string{"DB_PASSWORD", "REDIS_PASSWORD"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("DB_PORT", "6543")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("REPORT_ENABLED", "true")

	cfg := GetDefaultConfig()
	if err := cfg.LoadEnv(envFile, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadEnv() error: %v", err)
	}

	if cfg.Database.Password != "from-file" {
		t.Errorf("Database.Password = %q", cfg.Database.Password)
	}
	if cfg.Redis.Password != "redis-secret" {
		t.Errorf("Redis.Password = %q", cfg.Redis.Password)
	}
	if cfg.Database.Port != 6543 {
		t.Errorf("Database.Port = %d", cfg.Database.Port)
	}
	if len(cfg.Report.Brokers) != 2 || cfg.Report.Brokers[1] != "b:9092" {
		t.Errorf("Report.Brokers = %q", cfg.Report.Brokers)
	}
	if !cfg.Report.Enabled {
		t.Error("Report.Enabled = false")
	}
	if !strings.Contains(cfg.Database.DSN(), "port=6543") {
		t.Errorf("DSN() = %q", cfg.Database.DSN())
	}
}

func TestConfig_LoadEnvInvalid(t *testing.T) {
	t.Setenv("DB_PORT", "abc")
	if err := GetDefaultConfig().LoadEnv(); err == nil {
		t.Error("LoadEnv() error = nil for non numeric DB_PORT")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no sessions", mutate: func(c *Config) { c.Server.MaxSessions = 0 }, wantErr: "max_sessions"},
		{name: "bad timezone", mutate: func(c *Config) { c.Server.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
		{name: "bad backend", mutate: func(c *Config) { c.Broadcast.Backend = "kafka" }, wantErr: "backend"},
		{name: "mqtt without broker", mutate: func(c *Config) { c.Broadcast.Backend = BackendMQTT; c.MQTT.Broker = "" }, wantErr: "mqtt.broker"},
		{name: "report without topic", mutate: func(c *Config) { c.Report.Enabled = true; c.Report.Topic = "" }, wantErr: "report"},
		{name: "bad http port", mutate: func(c *Config) { c.HTTP.Port = 70000 }, wantErr: "http.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Location(t *testing.T) {
	tests := []struct {
		name     string
		timezone string
		tzEnv    string
		want     string
		wantErr  bool
	}{
		{name: "configured", timezone: "Europe/Rome", tzEnv: "Asia/Tokyo", want: "Europe/Rome"},
		{name: "empty uses TZ", timezone: "", tzEnv: "Asia/Tokyo", want: "Asia/Tokyo"},
		{name: "local uses TZ", timezone: "Local", tzEnv: ":Europe/Madrid", want: "Europe/Madrid"},
		{name: "no TZ falls back to UTC", timezone: "", tzEnv: "", want: "UTC"},
		{name: "unloadable TZ falls back to UTC", timezone: "Local", tzEnv: "/etc/localtime", want: "UTC"},
		{name: "bad configured zone", timezone: "Mars/Olympus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TZ", tt.tzEnv)
			cfg := GetDefaultConfig()
			cfg.Server.Timezone = tt.timezone

			loc, err := cfg.Location()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Location() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Location() error: %v", err)
			}
			if loc == time.Local || loc.String() != tt.want {
				t.Errorf("Location() = %q, want %q", loc, tt.want)
			}
		})
	}
}
