// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Source, Crawl, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Source   SourceConfig   `yaml:"source"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Progress string `yaml:"progress"`
}

// RedisConfig holds Redis connection, lock and snapshot settings.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	LockTTL     time.Duration `yaml:"lockTTL"`
	ProgressTTL time.Duration `yaml:"progressTTL"`
}

// SourceConfig describes the upstream listing site and how to talk to it.
type SourceConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	CasesPath         string        `yaml:"casesPath"`
	NoticesPath       string        `yaml:"noticesPath"`
	PageParam         string        `yaml:"pageParam"`
	FetchDetails      bool          `yaml:"fetchDetails"`
	UserAgent         string        `yaml:"userAgent"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	BreakerThreshold  int           `yaml:"breakerThreshold"`
	BreakerReset      time.Duration `yaml:"breakerReset"`
}

// CrawlConfig holds the coordinator's loop limits and stop heuristic.
type CrawlConfig struct {
	StartPage                    int           `yaml:"startPage"`
	MaxPages                     int           `yaml:"maxPages"`
	PageDelay                    time.Duration `yaml:"pageDelay"`
	ConsecutiveExistingThreshold int           `yaml:"consecutiveExistingThreshold"`
	ConsecutiveExistingPages     int           `yaml:"consecutiveExistingPages"`
	StopMode                     string        `yaml:"stopMode"`
	MaxConsecutiveErrors         int           `yaml:"maxConsecutiveErrors"`
	BatchSize                    int           `yaml:"batchSize"`
	Workers                      int           `yaml:"workers"`
	OperationTimeout             time.Duration `yaml:"operationTimeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults with environment overrides applied
// and no file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// Validate rejects settings that would make the crawl loop misbehave.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		errs = append(errs, errors.New("source.baseUrl is required"))
	}
	if c.Source.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("source.requestsPerMinute must not be negative"))
	}
	if c.Crawl.StartPage < 1 {
		errs = append(errs, errors.New("crawl.startPage must be at least 1"))
	}
	if c.Crawl.MaxPages < 0 {
		errs = append(errs, errors.New("crawl.maxPages must not be negative"))
	}
	if c.Crawl.ConsecutiveExistingThreshold < 1 {
		errs = append(errs, errors.New("crawl.consecutiveExistingThreshold must be at least 1"))
	}
	if c.Crawl.MaxConsecutiveErrors < 1 {
		errs = append(errs, errors.New("crawl.maxConsecutiveErrors must be at least 1"))
	}
	switch c.Crawl.StopMode {
	case "page", "record":
	default:
		errs = append(errs, fmt.Errorf("crawl.stopMode %q must be page or record", c.Crawl.StopMode))
	}
	return errors.Join(errs...)
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "enforcement",
			User:            "enforcement",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "enforcement-progress",
			Topics: KafkaTopics{
				Progress: "scrape-progress",
			},
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PoolSize:    10,
			LockTTL:     30 * time.Minute,
			ProgressTTL: 24 * time.Hour,
		},
		Source: SourceConfig{
			BaseURL:           "https://resources.hse.gov.uk",
			CasesPath:         "/convictions/case/case_list.asp",
			NoticesPath:       "/notices/notices/notice_list.asp",
			PageParam:         "PN",
			FetchDetails:      true,
			UserAgent:         "sertantai-enforcement/1.0",
			RequestsPerMinute: 60,
			Timeout:           30 * time.Second,
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BreakerThreshold:  5,
			BreakerReset:      time.Minute,
		},
		Crawl: CrawlConfig{
			StartPage:                    1,
			MaxPages:                     100,
			PageDelay:                    3 * time.Second,
			ConsecutiveExistingThreshold: 10,
			ConsecutiveExistingPages:     3,
			StopMode:                     "page",
			MaxConsecutiveErrors:         3,
			BatchSize:                    10,
			Workers:                      4,
			OperationTimeout:             2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads EE_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	envInt("EE_SERVER_PORT", &cfg.Server.Port)

	envString("EE_POSTGRES_HOST", &cfg.Postgres.Host)
	envInt("EE_POSTGRES_PORT", &cfg.Postgres.Port)
	envString("EE_POSTGRES_DATABASE", &cfg.Postgres.Database)
	envString("EE_POSTGRES_USER", &cfg.Postgres.User)
	envString("EE_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	envString("EE_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)

	envBool("EE_KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := os.Getenv("EE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	envString("EE_KAFKA_PROGRESS_TOPIC", &cfg.Kafka.Topics.Progress)

	envBool("EE_REDIS_ENABLED", &cfg.Redis.Enabled)
	envString("EE_REDIS_ADDR", &cfg.Redis.Addr)
	envString("EE_REDIS_PASSWORD", &cfg.Redis.Password)

	envString("EE_SOURCE_BASE_URL", &cfg.Source.BaseURL)
	envString("EE_SOURCE_CASES_PATH", &cfg.Source.CasesPath)
	envString("EE_SOURCE_NOTICES_PATH", &cfg.Source.NoticesPath)
	envBool("EE_SOURCE_FETCH_DETAILS", &cfg.Source.FetchDetails)
	envInt("EE_SOURCE_REQUESTS_PER_MINUTE", &cfg.Source.RequestsPerMinute)
	envDuration("EE_SOURCE_TIMEOUT", &cfg.Source.Timeout)
	envInt("EE_SOURCE_MAX_ATTEMPTS", &cfg.Source.MaxAttempts)

	envInt("EE_CRAWL_START_PAGE", &cfg.Crawl.StartPage)
	envInt("EE_CRAWL_MAX_PAGES", &cfg.Crawl.MaxPages)
	envDuration("EE_CRAWL_PAGE_DELAY", &cfg.Crawl.PageDelay)
	envInt("EE_CRAWL_CONSECUTIVE_EXISTING_THRESHOLD", &cfg.Crawl.ConsecutiveExistingThreshold)
	envInt("EE_CRAWL_CONSECUTIVE_EXISTING_PAGES", &cfg.Crawl.ConsecutiveExistingPages)
	envString("EE_CRAWL_STOP_MODE", &cfg.Crawl.StopMode)
	envInt("EE_CRAWL_MAX_CONSECUTIVE_ERRORS", &cfg.Crawl.MaxConsecutiveErrors)
	envInt("EE_CRAWL_BATCH_SIZE", &cfg.Crawl.BatchSize)
	envInt("EE_CRAWL_WORKERS", &cfg.Crawl.Workers)

	envString("EE_LOGGING_LEVEL", &cfg.Logging.Level)
	envString("EE_LOGGING_FORMAT", &cfg.Logging.Format)
	envInt("EE_METRICS_PORT", &cfg.Metrics.Port)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
