package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"DSTAKE_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"DSTAKE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"DSTAKE_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"DSTAKE_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"DSTAKE_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"DSTAKE_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"DSTAKE_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"DSTAKE_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"DSTAKE_MAX_BODY_BYTES" envDefault:"1048576"`

	// Storage selection: DatabaseURL (Postgres) wins over SQLitePath; neither means in-memory.
	DatabaseURL    string `env:"DSTAKE_DATABASE_URL"`
	DBSchema       string `env:"DSTAKE_DB_SCHEMA" envDefault:"dstake"`
	DBMaxConns     int32  `env:"DSTAKE_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns     int32  `env:"DSTAKE_DB_MIN_CONNS" envDefault:"0"`
	DBEnsureSchema bool   `env:"DSTAKE_DB_ENSURE_SCHEMA" envDefault:"true"`
	SQLitePath     string `env:"DSTAKE_SQLITE_PATH"`

	// If true: /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"DSTAKE_READINESS_REQUIRE_DB" envDefault:"false"`

	OTelEndpoint string `env:"DSTAKE_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"DSTAKE_OTEL_ENABLED" envDefault:"true"`

	WSOriginRequired    bool          `env:"DSTAKE_WS_ORIGIN_REQUIRED" envDefault:"true"`
	WSAllowedOrigins    []string      `env:"DSTAKE_WS_ALLOWED_ORIGINS" envDefault:"http://localhost,http://127.0.0.1" envSeparator:","`
	WSDevInsecure       bool          `env:"DSTAKE_WS_DEV_INSECURE" envDefault:"false"`
	WSWriteTimeout      time.Duration `env:"DSTAKE_WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadIdleTimeout   time.Duration `env:"DSTAKE_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	WSSendQueue         int           `env:"DSTAKE_WS_SEND_QUEUE" envDefault:"64"`
	WSHeartbeatInterval time.Duration `env:"DSTAKE_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout  time.Duration `env:"DSTAKE_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSRateEvents        int           `env:"DSTAKE_WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow        time.Duration `env:"DSTAKE_WS_RATE_WINDOW" envDefault:"10s"`
}

// LoadConfig loads Config from the process environment with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadConfigFrom loads Config from an explicit environment map (tests, embedding).
func LoadConfigFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations that cannot start a server.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("DSTAKE_HTTP_ADDR must not be empty"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("DSTAKE_LOG_FORMAT must be json or pretty, got %q", c.LogFormat))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("DSTAKE_MAX_BODY_BYTES must be positive"))
	}
	if c.DBMaxConns < 0 || c.DBMinConns < 0 {
		errs = append(errs, errors.New("DSTAKE_DB_MAX_CONNS and DSTAKE_DB_MIN_CONNS must not be negative"))
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("DSTAKE_DB_MIN_CONNS must not exceed DSTAKE_DB_MAX_CONNS"))
	}

	return errors.Join(errs...)
}

// StorageKind reports which backend the config selects: "postgres", "sqlite" or "memory".
func (c Config) StorageKind() string {
	switch {
	case strings.TrimSpace(c.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(c.SQLitePath) != "":
		return "sqlite"
	default:
		return "memory"
	}
}
