package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/clinic-liquidation/internal/liquidation"
)

const envPrefix = "LIQ"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequireToken rejects API calls that carry no bearer token.
	RequireToken bool `mapstructure:"require_token"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

const (
	DriverRemote   = "remote"
	DriverPostgres = "postgres"
)

type UpstreamConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	// Token is the service credential used by the background worker.
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// DSN renders the lib/pq connection URL.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// RedisConfig is optional. With an empty URL the services fall back to an
// in-memory pending-deletion queue and events are not published.
type RedisConfig struct {
	URL           string        `mapstructure:"url"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	PoolSize      int           `mapstructure:"pool_size"`
	MinIdleConns  int           `mapstructure:"min_idle_conns"`
	EventsChannel string        `mapstructure:"events_channel"`
	QueueKey      string        `mapstructure:"queue_key"`
}

func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

type LiquidationConfig struct {
	CompletionRule string        `mapstructure:"completion_rule"`
	OwnRuleID      int           `mapstructure:"own_rule_id"`
	SnapshotTTL    time.Duration `mapstructure:"snapshot_ttl"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	SettledTTL     time.Duration `mapstructure:"settled_ttl"`
}

type WorkerConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	MetricsPort     int           `mapstructure:"metrics_port"`
}

// RetryHorizon bounds how long a queued deletion can keep being retried.
func (w WorkerConfig) RetryHorizon() time.Duration {
	return time.Duration(w.MaxAttempts) * (w.PollInterval + w.MaxElapsedTime)
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// secrets are read straight from the environment, after the file, so they
// never need to live in config.yml.
type secrets struct {
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	RedisURL         string `envconfig:"REDIS_URL"`
	UpstreamToken    string `envconfig:"UPSTREAM_TOKEN"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.require_token", false)

	v.SetDefault("store.driver", DriverRemote)

	v.SetDefault("upstream.base_url", "http://localhost:3000")
	v.SetDefault("upstream.timeout", 10*time.Second)
	v.SetDefault("upstream.failure_threshold", 5)
	v.SetDefault("upstream.breaker_timeout", 30*time.Second)
	v.SetDefault("upstream.token", "")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "clinic")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.events_channel", "liquidation.events")
	v.SetDefault("redis.queue_key", "liquidation:pending_deletions")

	v.SetDefault("liquidation.completion_rule", "completion_date")
	v.SetDefault("liquidation.own_rule_id", 2)
	v.SetDefault("liquidation.snapshot_ttl", 5*time.Minute)
	v.SetDefault("liquidation.session_ttl", 2*time.Hour)
	v.SetDefault("liquidation.settled_ttl", 24*time.Hour)

	v.SetDefault("worker.batch_size", 20)
	v.SetDefault("worker.poll_interval", 10*time.Second)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.initial_interval", 500*time.Millisecond)
	v.SetDefault("worker.max_elapsed_time", 30*time.Second)
	v.SetDefault("worker.metrics_port", 9091)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// Load reads .env (when present), then config.yml from the usual search
// paths, then LIQ_* environment variables. A missing config file is not an
// error; defaults apply.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var s secrets
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	cfg.applySecrets(s)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySecrets(s secrets) {
	if s.DatabasePassword != "" {
		c.Database.Password = s.DatabasePassword
	}
	if s.RedisURL != "" {
		c.Redis.URL = s.RedisURL
	}
	if s.UpstreamToken != "" {
		c.Upstream.Token = s.UpstreamToken
	}
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverRemote:
		if c.Upstream.BaseURL == "" {
			return fmt.Errorf("upstream.base_url is required for the remote store")
		}
		if c.Upstream.Timeout <= 0 {
			return fmt.Errorf("upstream.timeout must be positive")
		}
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("database host and name are required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if _, err := liquidation.ParseCompletionRule(c.Liquidation.CompletionRule); err != nil {
		return err
	}

	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if c.Liquidation.SnapshotTTL <= 0 || c.Liquidation.SessionTTL <= 0 || c.Liquidation.SettledTTL <= 0 {
		return fmt.Errorf("liquidation TTLs must be positive")
	}
	if c.Worker.PollInterval <= 0 || c.Worker.InitialInterval <= 0 || c.Worker.MaxElapsedTime <= 0 ||
		c.Worker.BatchSize <= 0 || c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker intervals, batch size and max attempts must be positive")
	}
	if horizon := c.Worker.RetryHorizon(); c.Liquidation.SettledTTL < horizon {
		return fmt.Errorf("liquidation.settled_ttl %s is shorter than the worker retry horizon %s", c.Liquidation.SettledTTL, horizon)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}
	return nil
}
