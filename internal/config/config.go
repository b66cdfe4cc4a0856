package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

var ErrMissingRequired = errors.New("missing required configuration")

// ---- Root ----

// Config is read once at process start and passed by value to every component.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	ClickHouse  ClickHouseConfig  `mapstructure:"clickhouse"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Destination DestinationConfig `mapstructure:"destination"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Log         LogConfig         `mapstructure:"log"`
}

// ---- Leaf structs ----

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Version     string `mapstructure:"version"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

// ClickHouseConfig is optional. lmis.adapter_logs is filled by CDC from the primary
// database, not by this service, so reports read it only when ServeReports is set.
type ClickHouseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ServeReports    bool          `mapstructure:"serve_reports"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

// ReportsEnabled reports whether GET /logs should read ClickHouse instead of the primary store.
func (c ClickHouseConfig) ReportsEnabled() bool { return c.DSN != "" && c.ServeReports }

// RedisConfig is optional; an empty Addr disables caching, rate limiting and the sweep lock.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ContractTTL time.Duration `mapstructure:"contract_ttl"`
}

// KafkaConfig is optional; with no brokers the relay runs on its ticker only.
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type DestinationConfig struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
	Breaker BreakerConfig     `mapstructure:"breaker"`
}

type WorkerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	StuckAfter    time.Duration `mapstructure:"stuck_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// Load reads embedded defaults, merges user YAML (if provided), loads .env and applies env
// overrides (LMIS_*, plus DATABASE_URL).
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	// env override (LMIS_HTTP_ADDR, LMIS_WORKER_BATCH_SIZE, ...)
	v.SetEnvPrefix("LMIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", "LMIS_DATABASE_URL", "DATABASE_URL"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("%w: database.url (DATABASE_URL)", ErrMissingRequired)
	}
	if c.Worker.BatchSize < 0 || c.Worker.Workers < 0 {
		return fmt.Errorf("invalid worker sizing: batch_size=%d workers=%d", c.Worker.BatchSize, c.Worker.Workers)
	}
	if c.Destination.Timeout < 0 {
		return fmt.Errorf("invalid destination.timeout: %s", c.Destination.Timeout)
	}
	return nil
}

// ValidateRelay checks the settings only the relay needs.
func (c Config) ValidateRelay() error {
	if strings.TrimSpace(c.Destination.URL) == "" {
		return fmt.Errorf("%w: destination.url", ErrMissingRequired)
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("invalid worker.interval: %s", c.Worker.Interval)
	}
	return nil
}
