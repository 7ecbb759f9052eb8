package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App struct {
		Environment string `mapstructure:"environment"`
		LogLevel    string `mapstructure:"log_level"`
		LogDir      string `mapstructure:"log_dir"`

		// ShutdownGrace is how long workers get to stop cooperatively.
		ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	} `mapstructure:"app"`

	API struct {
		BaseURL         string        `mapstructure:"base_url"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout"`
		ShortTimeout    time.Duration `mapstructure:"short_timeout"`
		LongPollTimeout time.Duration `mapstructure:"long_poll_timeout"`

		// MaxRPS caps outgoing backend requests across all workers; 0 disables the limit.
		MaxRPS float64 `mapstructure:"max_rps"`
	} `mapstructure:"api"`

	Device struct {
		HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
		HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
		InfoUpdateInterval  time.Duration `mapstructure:"info_update_interval"`
		LongPollRetryDelay  time.Duration `mapstructure:"long_poll_retry_delay"`
		LongPollMaxFailures int           `mapstructure:"long_poll_max_failures"`
	} `mapstructure:"device"`

	Traffic struct {
		LogBufferSize int `mapstructure:"log_buffer_size"`
	} `mapstructure:"traffic"`

	Storage struct {
		DataDir   string `mapstructure:"data_dir"`
		ExportDir string `mapstructure:"export_dir"`
	} `mapstructure:"storage"`

	ClickHouse struct {
		Enabled       bool          `mapstructure:"enabled"`
		Host          string        `mapstructure:"host"`
		Port          int           `mapstructure:"port"`
		User          string        `mapstructure:"user"`
		Password      string        `mapstructure:"password"`
		Database      string        `mapstructure:"database"`
		BatchSize     int           `mapstructure:"batch_size"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
		QueryTimeout  time.Duration `mapstructure:"query_timeout"`
		Debug         bool          `mapstructure:"debug"`
	} `mapstructure:"clickhouse"`

	Server struct {
		CallbackPort int    `mapstructure:"callback_port"`
		CallbackHost string `mapstructure:"callback_host"`
	} `mapstructure:"server"`

	Metrics struct {
		CollectInterval time.Duration `mapstructure:"collect_interval"`
	} `mapstructure:"metrics"`
}

// CallbackURL is the address merchants register with the backend for transaction callbacks.
func (c *Config) CallbackURL() string {
	return fmt.Sprintf("http://%s:%d/callback", c.Server.CallbackHost, c.Server.CallbackPort)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_dir", "logs")
	v.SetDefault("app.shutdown_grace", 5*time.Second)

	v.SetDefault("api.base_url", "http://localhost:3000/api")
	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.short_timeout", 500*time.Millisecond)
	v.SetDefault("api.long_poll_timeout", 26*time.Second)
	v.SetDefault("api.max_rps", 0)

	v.SetDefault("device.heartbeat_interval", 20*time.Millisecond)
	v.SetDefault("device.health_check_interval", time.Second)
	v.SetDefault("device.info_update_interval", 5*time.Second)
	v.SetDefault("device.long_poll_retry_delay", 500*time.Millisecond)
	v.SetDefault("device.long_poll_max_failures", 3)

	v.SetDefault("traffic.log_buffer_size", 1000)

	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.export_dir", "exports")

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.user", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.batch_size", 1000)
	v.SetDefault("clickhouse.flush_interval", 5*time.Second)
	v.SetDefault("clickhouse.query_timeout", 30*time.Second)
	v.SetDefault("clickhouse.debug", false)

	v.SetDefault("server.callback_port", 8081)
	v.SetDefault("server.callback_host", "localhost")

	v.SetDefault("metrics.collect_interval", 15*time.Second)
}

// Load reads .env (if present), the optional config.yaml in dir and the
// environment. Environment keys are the dotted names upper-cased with
// underscores, e.g. API_BASE_URL or CLICKHOUSE_ENABLED.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Device.LongPollMaxFailures < 1 {
		return fmt.Errorf("device.long_poll_max_failures must be >= 1, got %d", c.Device.LongPollMaxFailures)
	}
	if c.Traffic.LogBufferSize < 1 {
		return fmt.Errorf("traffic.log_buffer_size must be >= 1, got %d", c.Traffic.LogBufferSize)
	}
	durations := []struct {
		key string
		val time.Duration
	}{
		{"app.shutdown_grace", c.App.ShutdownGrace},
		{"api.request_timeout", c.API.RequestTimeout},
		{"api.short_timeout", c.API.ShortTimeout},
		{"api.long_poll_timeout", c.API.LongPollTimeout},
		{"device.heartbeat_interval", c.Device.HeartbeatInterval},
		{"device.health_check_interval", c.Device.HealthCheckInterval},
		{"device.info_update_interval", c.Device.InfoUpdateInterval},
		{"device.long_poll_retry_delay", c.Device.LongPollRetryDelay},
		{"clickhouse.flush_interval", c.ClickHouse.FlushInterval},
		{"clickhouse.query_timeout", c.ClickHouse.QueryTimeout},
		{"metrics.collect_interval", c.Metrics.CollectInterval},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.val)
		}
	}
	if c.ClickHouse.BatchSize < 1 {
		return fmt.Errorf("clickhouse.batch_size must be >= 1, got %d", c.ClickHouse.BatchSize)
	}
	if c.Server.CallbackPort <= 0 || c.Server.CallbackPort > 65535 {
		return fmt.Errorf("server.callback_port out of range: %d", c.Server.CallbackPort)
	}
	return nil
}

