package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Policy    PolicyConfig    `yaml:"policy"`
	Routing   RoutingConfig   `yaml:"routing"`
	Usage     UsageConfig     `yaml:"usage"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	SSEKeepAlive     time.Duration `yaml:"sse_keepalive"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

type GRPCConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	q := url.Values{}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	q.Set("sslmode", sslmode)
	if d.MaxOpenConns > 0 {
		q.Set("pool_max_conns", fmt.Sprint(d.MaxOpenConns))
	}
	if d.ConnMaxLifetime > 0 {
		q.Set("pool_max_conn_lifetime", d.ConnMaxLifetime.String())
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPath string `yaml:"metrics_path"`
}

type AuthConfig struct {
	JWT     JWTConfig     `yaml:"jwt"`
	APIKeys APIKeysConfig `yaml:"api_keys"`
	// DefaultTier applies when a credential does not name a quota tier.
	DefaultTier string `yaml:"default_tier"`
}

type JWTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	TierClaim string        `yaml:"tier_claim"`
	Leeway    time.Duration `yaml:"leeway"`
}

type APIKeysConfig struct {
	Enabled  bool          `yaml:"enabled"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type RateLimitConfig struct {
	// Backend is "memory" (single instance) or "redis" (shared).
	Backend  string           `yaml:"backend"`
	Requests int64            `yaml:"requests"`
	Window   time.Duration    `yaml:"window"`
	Tiers    map[string]int64 `yaml:"tiers"`
	FailOpen bool             `yaml:"fail_open"`
}

// LimitFor returns the per-window request limit for a quota tier.
func (c RateLimitConfig) LimitFor(tier string) int64 {
	if n, ok := c.Tiers[tier]; ok && n > 0 {
		return n
	}
	return c.Requests
}

type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type RoutingConfig struct {
	FirstChunkTimeout  time.Duration        `yaml:"first_chunk_timeout"`
	ChunkTimeout       time.Duration        `yaml:"chunk_timeout"`
	MaxStreamDuration  time.Duration        `yaml:"max_stream_duration"`
	MaxAttempts        int                  `yaml:"max_attempts"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
	HealthSyncInterval time.Duration        `yaml:"health_sync_interval"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

type UsageConfig struct {
	Enabled      bool          `yaml:"enabled"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
			SSEKeepAlive:     15 * time.Second,
			MaxBodyBytes:     1 << 20,
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Port:    9091,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "promptcraft",
			User:            "promptcraft",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPath: "/metrics",
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Enabled:   true,
				TierClaim: "tier",
				Leeway:    30 * time.Second,
			},
			APIKeys: APIKeysConfig{
				CacheTTL: 5 * time.Minute,
			},
			DefaultTier: "free",
		},
		RateLimit: RateLimitConfig{
			Backend:  "memory",
			Requests: 5,
			Window:   time.Minute,
			FailOpen: true,
		},
		Policy: PolicyConfig{
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Routing: RoutingConfig{
			FirstChunkTimeout: 30 * time.Second,
			ChunkTimeout:      30 * time.Second,
			MaxStreamDuration: 5 * time.Minute,
			MaxAttempts:       2,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      3,
				RecoveryProbeInterval: 30 * time.Second,
			},
			HealthSyncInterval: 5 * time.Second,
		},
		Usage: UsageConfig{
			WriteTimeout: 2 * time.Second,
		},
	}
}
