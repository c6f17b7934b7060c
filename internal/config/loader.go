package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Bootstrap holds the settings needed before the YAML files can be read.
type Bootstrap struct {
	ConfigDir string `envconfig:"CONFIG_DIR" default:"configs"`
	EnvFile   string `envconfig:"ENV_FILE" default:".env"`
}

// LoadBootstrap loads an optional dotenv file and then reads PROMPTCRAFT_*
// variables. A missing dotenv file is not an error.
func LoadBootstrap() (*Bootstrap, error) {
	var b Bootstrap
	if err := envconfig.Process("promptcraft", &b); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := godotenv.Load(b.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", b.EnvFile, err)
	}
	// Re-read so values from the dotenv file take effect.
	if err := envconfig.Process("promptcraft", &b); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return &b, nil
}

// Validate rejects configurations the proxy cannot run with.
func (c *Config) Validate() error {
	if c.RateLimit.Requests <= 0 {
		return errors.New("ratelimit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("ratelimit.window must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}
	if c.Routing.MaxAttempts < 1 {
		return errors.New("routing.max_attempts must be at least 1")
	}
	if c.Routing.CircuitBreaker.FailureThreshold < 1 {
		return errors.New("routing.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Auth.JWT.Enabled && c.Auth.JWT.Secret == "" {
		return errors.New("auth.jwt.secret is required when jwt auth is enabled")
	}
	return nil
}

// Loader manages configuration loading and hot-reload via fsnotify.
type Loader struct {
	configDir string
	mu        sync.RWMutex
	cfg       *Config
	models    *ModelsConfig
	providers *ProvidersConfig
	watchers  []func()
	logger    *slog.Logger
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

func (l *Loader) Load() error {
	cfg := DefaultConfig()
	if err := LoadFile(filepath.Join(l.configDir, "gateway.yaml"), cfg); err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid gateway config: %w", err)
	}

	models := &ModelsConfig{}
	if err := LoadFile(filepath.Join(l.configDir, "models.yaml"), models); err != nil {
		return fmt.Errorf("load models config: %w", err)
	}

	providers := &ProvidersConfig{}
	if err := LoadFile(filepath.Join(l.configDir, "providers.yaml"), providers); err != nil {
		return fmt.Errorf("load providers config: %w", err)
	}
	for name, mapping := range models.Models {
		for _, route := range mapping.Routes() {
			if _, ok := providers.Providers[route.Provider]; !ok {
				return fmt.Errorf("model %s routes to unknown provider %s", name, route.Provider)
			}
		}
	}

	l.mu.Lock()
	l.cfg = cfg
	l.models = models
	l.providers = providers
	l.mu.Unlock()

	l.logger.Info("configuration loaded", "dir", l.configDir, "providers", len(providers.Providers), "models", len(models.Models))
	return nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Loader) Models() *ModelsConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.models
}

func (l *Loader) Providers() *ProvidersConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.providers
}

// OnReload registers a callback that fires after config is reloaded.
func (l *Loader) OnReload(fn func()) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

func (l *Loader) notify() {
	l.mu.RLock()
	fns := append([]func(){}, l.watchers...)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Watch starts watching the config directory for changes and reloads on modification.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir %s: %w", l.configDir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".yaml" {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					l.logger.Info("config file changed, reloading", "file", event.Name)
					if err := l.Load(); err != nil {
						l.logger.Error("failed to reload config", "error", err)
						continue
					}
					l.notify()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}

type databaseEnv struct {
	URL      string `envconfig:"DATABASE_URL"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"promptcraft"`
	Password string `envconfig:"DB_PASSWORD" default:"promptcraft-dev"`
	Name     string `envconfig:"DB_NAME" default:"promptcraft"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// DatabaseURLFromEnv returns PROMPTCRAFT_DATABASE_URL, or a DSN assembled from
// the PROMPTCRAFT_DB_* variables. Used by the command-line tools.
func DatabaseURLFromEnv() (string, error) {
	var env databaseEnv
	if err := envconfig.Process("promptcraft", &env); err != nil {
		return "", fmt.Errorf("process env: %w", err)
	}
	if env.URL != "" {
		return env.URL, nil
	}
	return DatabaseConfig{
		Host:     env.Host,
		Port:     env.Port,
		User:     env.User,
		Password: env.Password,
		Name:     env.Name,
		SSLMode:  env.SSLMode,
	}.DSN(), nil
}
