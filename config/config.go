package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/cruvz/streaming-analytics/internal/sixsigma"
)

// Config holds application configuration. Values come from defaults, then the optional
// YAML file named by CONFIG_FILE, then the environment.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	JWT       JWTConfig       `koanf:"jwt"`
	AWS       AWSConfig       `koanf:"aws"`
	AMQP      AMQPConfig      `koanf:"amqp"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Analytics AnalyticsConfig `koanf:"analytics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `koanf:"port"`
	ReadTimeout        int           `koanf:"read_timeout_sec"`
	WriteTimeout       int           `koanf:"write_timeout_sec"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
	CORSAllowedOrigins string        `koanf:"cors_allowed_origins"` // comma-separated, or "*"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `koanf:"url"` // if set, used as-is
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
	MaxConns int    `koanf:"max_conns"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// JWTConfig holds scope token validation settings.
type JWTConfig struct {
	Secret      string `koanf:"secret"`
	ExpireHours int    `koanf:"expire_hours"`
}

// AWSConfig holds AWS credentials and the export bucket.
type AWSConfig struct {
	Region               string `koanf:"region"`
	AccessKeyID          string `koanf:"access_key_id"`
	SecretAccessKey      string `koanf:"secret_access_key"`
	ExportBucket         string `koanf:"export_bucket"`
	Endpoint             string `koanf:"endpoint"`
	PresignExpireMinutes int    `koanf:"presign_expire_minutes"`
}

// AMQPConfig configures the media-engine event consumer. An empty URI disables it.
type AMQPConfig struct {
	URI      string `koanf:"uri"`
	Queue    string `koanf:"queue"`
	Prefetch int    `koanf:"prefetch"`
}

// IngestConfig guards HTTP event ingest.
type IngestConfig struct {
	Key string `koanf:"key"`
}

// AnalyticsConfig tunes the pipeline.
type AnalyticsConfig struct {
	SweepInterval    time.Duration     `koanf:"sweep_interval"`
	StaleAfter       time.Duration     `koanf:"stale_after"`
	FlushInterval    time.Duration     `koanf:"flush_interval"`
	TickInterval     time.Duration     `koanf:"tick_interval"`
	CacheOpTimeout   time.Duration     `koanf:"cache_op_timeout"`
	QualityCapacity  int               `koanf:"quality_capacity"`
	RecentCapacity   int               `koanf:"recent_capacity"`
	HubQueueCapacity int               `koanf:"hub_queue_capacity"`
	AlertBelow       int               `koanf:"alert_below"`
	ExportInProcess  bool              `koanf:"export_in_process"`
	Targets          []sixsigma.Target `koanf:"targets"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8080",
			ReadTimeout:        30,
			WriteTimeout:       30,
			ShutdownTimeout:    15 * time.Second,
			CORSAllowedOrigins: "http://localhost:3000,http://localhost:3001",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			DBName:  "analytics",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		JWT: JWTConfig{
			Secret:      "change-me-in-production",
			ExpireHours: 24,
		},
		AWS: AWSConfig{
			Region:               "us-east-1",
			PresignExpireMinutes: 15,
		},
		AMQP: AMQPConfig{
			Queue:    "media.analytics.events",
			Prefetch: 64,
		},
		Analytics: AnalyticsConfig{
			SweepInterval:    30 * time.Second,
			StaleAfter:       90 * time.Second,
			FlushInterval:    time.Minute,
			TickInterval:     5 * time.Second,
			CacheOpTimeout:   250 * time.Millisecond,
			QualityCapacity:  120,
			RecentCapacity:   256,
			HubQueueCapacity: 64,
			AlertBelow:       3,
			Targets:          sixsigma.DefaultTargets(),
		},
	}
}

// Load reads configuration from defaults, an optional YAML file and the environment (with optional .env file).
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		if k.Exists("analytics.targets") {
			cfg.Analytics.Targets = nil
		}
		if err := k.Unmarshal("", cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	var errs []error
	intVar := func(key string, dst *int) {
		v, err := getEnvInt(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	durVar := func(key string, dst *time.Duration) {
		v, err := getEnvDuration(key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	s := &cfg.Server
	s.Port = getEnv("PORT", s.Port)
	intVar("READ_TIMEOUT_SEC", &s.ReadTimeout)
	intVar("WRITE_TIMEOUT_SEC", &s.WriteTimeout)
	durVar("SHUTDOWN_TIMEOUT", &s.ShutdownTimeout)
	s.CORSAllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", s.CORSAllowedOrigins)

	d := &cfg.Database
	d.URL = getEnv("DATABASE_URL", d.URL)
	d.Host = getEnv("DB_HOST", d.Host)
	d.Port = getEnv("DB_PORT", d.Port)
	d.User = getEnv("DB_USER", d.User)
	d.Password = getEnv("DB_PASSWORD", d.Password)
	d.DBName = getEnv("DB_NAME", d.DBName)
	d.SSLMode = getEnv("DB_SSLMODE", d.SSLMode)
	intVar("DB_MAX_CONNS", &d.MaxConns)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	intVar("REDIS_DB", &cfg.Redis.DB)

	cfg.JWT.Secret = getEnv("JWT_SECRET", cfg.JWT.Secret)
	intVar("JWT_EXPIRE_HOURS", &cfg.JWT.ExpireHours)

	a := &cfg.AWS
	a.Region = getEnv("AWS_REGION", a.Region)
	a.AccessKeyID = getEnv("AWS_ACCESS_KEY_ID", a.AccessKeyID)
	a.SecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", a.SecretAccessKey)
	a.ExportBucket = getEnv("AWS_S3_EXPORT_BUCKET", a.ExportBucket)
	a.Endpoint = getEnv("AWS_S3_ENDPOINT", a.Endpoint)
	intVar("AWS_PRESIGN_EXPIRE_MINUTES", &a.PresignExpireMinutes)

	cfg.AMQP.URI = getEnv("AMQP_URI", cfg.AMQP.URI)
	cfg.AMQP.Queue = getEnv("AMQP_QUEUE", cfg.AMQP.Queue)
	intVar("AMQP_PREFETCH", &cfg.AMQP.Prefetch)

	cfg.Ingest.Key = getEnv("INGEST_KEY", cfg.Ingest.Key)

	an := &cfg.Analytics
	durVar("ANALYTICS_SWEEP_INTERVAL", &an.SweepInterval)
	durVar("ANALYTICS_STALE_AFTER", &an.StaleAfter)
	durVar("ANALYTICS_FLUSH_INTERVAL", &an.FlushInterval)
	durVar("ANALYTICS_TICK_INTERVAL", &an.TickInterval)
	durVar("ANALYTICS_CACHE_OP_TIMEOUT", &an.CacheOpTimeout)
	intVar("ANALYTICS_QUALITY_CAPACITY", &an.QualityCapacity)
	intVar("ANALYTICS_RECENT_CAPACITY", &an.RecentCapacity)
	intVar("ANALYTICS_HUB_QUEUE_CAPACITY", &an.HubQueueCapacity)
	intVar("SIGMA_ALERT_BELOW", &an.AlertBelow)
	if v := os.Getenv("ANALYTICS_EXPORT_IN_PROCESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ANALYTICS_EXPORT_IN_PROCESS: %w", err))
		}
		an.ExportInProcess = b
	}
	return errors.Join(errs...)
}

// Validate reports settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	an := c.Analytics
	for name, d := range map[string]time.Duration{
		"sweep_interval": an.SweepInterval,
		"stale_after":    an.StaleAfter,
		"flush_interval": an.FlushInterval,
		"tick_interval":  an.TickInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("analytics.%s must be positive", name))
		}
	}
	seen := make(map[string]bool, len(an.Targets))
	for _, t := range an.Targets {
		if t.Name == "" || seen[t.Name] {
			errs = append(errs, fmt.Errorf("analytics.targets: empty or duplicate name %q", t.Name))
		}
		if !sixsigma.ValidBound(t.Bound) {
			errs = append(errs, fmt.Errorf("analytics.targets: %s has unknown bound %q", t.Name, t.Bound))
		}
		seen[t.Name] = true
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
