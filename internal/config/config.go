package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the scraper API server and workers.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	Storage  StorageConfig
	Registry RegistryConfig
	Worker   WorkerConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port               int    `env:"PORT" envDefault:"8080"`
	Env                string `env:"APP_ENVIRONMENT" envDefault:"dev"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
}

type DatabaseConfig struct {
	// URL takes precedence over the individual POSTGRES_* parts.
	URL             string        `env:"DATABASE_URL"`
	Host            string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port            int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User            string        `env:"POSTGRES_USER" envDefault:"postgres"`
	Password        string        `env:"POSTGRES_PASSWORD"`
	Name            string        `env:"POSTGRES_DB" envDefault:"pkgscraper"`
	RequireSSL      bool          `env:"POSTGRES_REQUIRE_SSL" envDefault:"false"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	ConnectTimeout  time.Duration `env:"DATABASE_CONNECT_TIMEOUT" envDefault:"10s"`
	MigrationsDir   string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type RabbitMQConfig struct {
	URL                string `env:"RABBITMQ_URL"`
	ExchangeName       string `env:"RABBITMQ_EXCHANGE_NAME" envDefault:"scraper"`
	DeadLetterExchange string `env:"RABBITMQ_DEAD_LETTER_EXCHANGE" envDefault:"scraper.dlx"`
	DeadLetterQueue    string `env:"RABBITMQ_DEAD_LETTER_QUEUE" envDefault:"scraper.dead-letter"`
	QueuePrefix        string `env:"RABBITMQ_QUEUE_PREFIX" envDefault:"scraper.jobs"`
	Prefetch           int    `env:"RABBITMQ_PREFETCH" envDefault:"10"`
	DeliveryLimit      int    `env:"RABBITMQ_DELIVERY_LIMIT" envDefault:"5"`
}

type StorageConfig struct {
	Endpoint        string        `env:"S3_ENDPOINT"`
	Region          string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKeyID     string        `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string        `env:"S3_SECRET_ACCESS_KEY"`
	Bucket          string        `env:"S3_BUCKET"`
	UsePathStyle    bool          `env:"S3_USE_PATH_STYLE" envDefault:"true"`
	Timeout         time.Duration `env:"S3_TIMEOUT" envDefault:"30s"`
	MaxRetries      int           `env:"S3_MAX_RETRIES" envDefault:"3"`
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c ServerConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Enabled reports whether raw payload archiving is configured.
func (c StorageConfig) Enabled() bool {
	return c.Bucket != ""
}

type RegistryConfig struct {
	CratesIOURL      string        `env:"CRATES_IO_URL" envDefault:"https://crates.io"`
	JSRURL           string        `env:"JSR_API_URL" envDefault:"https://api.jsr.io"`
	UserAgent        string        `env:"REGISTRY_USER_AGENT" envDefault:"pkgscraper/1.0 (+https://github.com/eliseuvideira/pkgscraper)"`
	MaxRetries       int           `env:"REGISTRY_MAX_RETRIES" envDefault:"3"`
	BaseDelay        time.Duration `env:"REGISTRY_BASE_DELAY" envDefault:"500ms"`
	FetchTimeout     time.Duration `env:"REGISTRY_FETCH_TIMEOUT" envDefault:"30s"`
	BreakerThreshold int64         `env:"REGISTRY_BREAKER_THRESHOLD" envDefault:"5"`
	CacheTTL         time.Duration `env:"REGISTRY_CACHE_TTL" envDefault:"60s"`
}

type WorkerConfig struct {
	Concurrency int      `env:"WORKER_CONCURRENCY" envDefault:"4"`
	Registries  []string `env:"WORKER_REGISTRIES" envSeparator:","`
	MetricsPort int      `env:"WORKER_METRICS_PORT" envDefault:"9090"`
}

type AuthConfig struct {
	// APIKeyHashes are bcrypt hashes of accepted API keys. Empty disables auth.
	APIKeyHashes []string `env:"API_KEY_HASHES" envSeparator:","`
}

var validEnvironments = map[string]bool{
	"dev":        true,
	"staging":    true,
	"production": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from a .env file (if present) and environment variables
// and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.sanitize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) sanitize() {
	c.Server.Env = strings.ToLower(strings.TrimSpace(c.Server.Env))
	c.Server.LogLevel = strings.ToLower(strings.TrimSpace(c.Server.LogLevel))

	if c.Database.URL == "" {
		c.Database.URL = c.Database.connString()
	}

	c.Registry.CratesIOURL = strings.TrimRight(c.Registry.CratesIOURL, "/")
	c.Registry.JSRURL = strings.TrimRight(c.Registry.JSRURL, "/")

	registries := c.Worker.Registries[:0]
	for _, r := range c.Worker.Registries {
		if r = strings.TrimSpace(r); r != "" {
			registries = append(registries, r)
		}
	}
	c.Worker.Registries = registries
	if len(c.Worker.Registries) == 0 {
		for _, r := range models.Registries {
			c.Worker.Registries = append(c.Worker.Registries, r.String())
		}
	}

	hashes := c.Auth.APIKeyHashes[:0]
	for _, h := range c.Auth.APIKeyHashes {
		if h = strings.TrimSpace(h); h != "" {
			hashes = append(hashes, h)
		}
	}
	c.Auth.APIKeyHashes = hashes
}

// connString builds a postgres URL from the POSTGRES_* parts.
func (d DatabaseConfig) connString() string {
	sslMode := "prefer"
	if d.RequireSSL {
		sslMode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

// WorkerRegistries returns the registries this worker process consumes.
func (c *Config) WorkerRegistries() []models.Registry {
	out := make([]models.Registry, 0, len(c.Worker.Registries))
	for _, name := range c.Worker.Registries {
		if r, ok := models.ParseRegistry(name); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *Config) validate() error {
	if !validEnvironments[c.Server.Env] {
		return fmt.Errorf("APP_ENVIRONMENT must be one of dev, staging, production; got %q", c.Server.Env)
	}
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required")
	}
	if !strings.HasPrefix(c.RabbitMQ.URL, "amqp://") && !strings.HasPrefix(c.RabbitMQ.URL, "amqps://") {
		return fmt.Errorf("RABBITMQ_URL must start with amqp:// or amqps://, got %q", c.RabbitMQ.URL)
	}
	if c.RabbitMQ.ExchangeName == "" {
		return fmt.Errorf("RABBITMQ_EXCHANGE_NAME is required")
	}
	if c.RabbitMQ.DeliveryLimit < 1 {
		return fmt.Errorf("RABBITMQ_DELIVERY_LIMIT must be at least 1, got %d", c.RabbitMQ.DeliveryLimit)
	}

	for key, u := range map[string]string{
		"CRATES_IO_URL": c.Registry.CratesIOURL,
		"JSR_API_URL":   c.Registry.JSRURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", key, u)
		}
	}
	if c.Registry.FetchTimeout <= 0 {
		return fmt.Errorf("REGISTRY_FETCH_TIMEOUT must be positive")
	}
	if c.Registry.MaxRetries < 0 {
		return fmt.Errorf("REGISTRY_MAX_RETRIES must not be negative, got %d", c.Registry.MaxRetries)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	for _, name := range c.Worker.Registries {
		if _, ok := models.ParseRegistry(name); !ok {
			return fmt.Errorf("WORKER_REGISTRIES contains unsupported registry %q", name)
		}
	}

	if c.Storage.Endpoint != "" && c.Storage.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENDPOINT is set")
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}

	return nil
}
