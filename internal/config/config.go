package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type contextKey struct{}

var configContextKey contextKey

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// StoreDriver selects the durable store backend.
type StoreDriver string

const (
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
	StoreMemory   StoreDriver = "memory"
)

func (d StoreDriver) Valid() bool {
	switch d {
	case StorePostgres, StoreSQLite, StoreMemory:
		return true
	}
	return false
}

// Config holds service configuration.
type Config struct {
	Store             StoreDriver   `yaml:"store"             envconfig:"STORE_DRIVER"`
	DatabaseURL       string        `yaml:"databaseUrl"       envconfig:"DATABASE_URL"`
	DatabaseMaxConns  int32         `yaml:"databaseMaxConns"  envconfig:"DATABASE_MAX_CONNS"`
	SQLitePath        string        `yaml:"sqlitePath"        envconfig:"SQLITE_PATH"`
	MigrationsDir     string        `yaml:"migrationsDir"     envconfig:"MIGRATIONS_DIR"`
	AutoMigrate       bool          `yaml:"autoMigrate"       envconfig:"AUTO_MIGRATE"`
	ServerAddr        string        `yaml:"serverAddr"        envconfig:"SERVER_ADDR"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"    envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"   envconfig:"SHUTDOWN_TIMEOUT"`
	HistoryLimit      int           `yaml:"historyLimit"      envconfig:"HISTORY_LIMIT"`
	SSEBuffer         int           `yaml:"sseBuffer"         envconfig:"SSE_BUFFER"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" envconfig:"SSE_HEARTBEAT_INTERVAL"`
	PresenterKeyHash  string        `yaml:"presenterKeyHash"  envconfig:"PRESENTER_KEY_HASH"`
	LogLevel          string        `yaml:"logLevel"          envconfig:"LOG_LEVEL"`
}

// postgresParts assembles DATABASE_URL when it is not given directly.
type postgresParts struct {
	User     string `envconfig:"POSTGRES_USER"     default:"livepoll"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"livepoll_pass"`
	DB       string `envconfig:"POSTGRES_DB"       default:"livepoll"`
	Host     string `envconfig:"POSTGRES_HOST"     default:"localhost"`
	Port     string `envconfig:"POSTGRES_PORT"     default:"5432"`
	SSLMode  string `envconfig:"DATABASE_SSLMODE"  default:"disable"`
}

func (p postgresParts) dsn() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + p.Port,
		Path:     "/" + p.DB,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Store:             StorePostgres,
		DatabaseMaxConns:  20,
		SQLitePath:        ".livepoll/livepoll.db",
		AutoMigrate:       true,
		ServerAddr:        "0.0.0.0:8080",
		RequestTimeout:    30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		HistoryLimit:      50,
		SSEBuffer:         100,
		HeartbeatInterval: 25 * time.Second,
		LogLevel:          "info",
	}
}

// Load builds the configuration from defaults, then the optional YAML file,
// then the environment.
func Load(configFile string) (*Config, error) {
	cfg := Defaults()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	cfg.Store = StoreDriver(strings.ToLower(string(cfg.Store)))

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		var parts postgresParts
		if err := envconfig.Process("", &parts); err != nil {
			return nil, fmt.Errorf("error processing postgres environment: %w", err)
		}
		cfg.DatabaseURL = parts.dsn()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	if !c.Store.Valid() {
		return fmt.Errorf("invalid store driver %q: expected postgres, sqlite or memory", c.Store)
	}
	if c.ServerAddr == "" {
		return errors.New("server address is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit)
	}
	if c.SSEBuffer <= 0 {
		return fmt.Errorf("sse buffer must be positive, got %d", c.SSEBuffer)
	}
	if c.PresenterKeyHash != "" && !strings.HasPrefix(c.PresenterKeyHash, "$2") {
		return errors.New("presenter key hash must be a bcrypt hash")
	}
	return nil
}
