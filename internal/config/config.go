// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"dev"`
	ServerPort int    `env:"SERVER_PORT" envDefault:"3000"`
	// ServerHost is the externally reachable base URL embedded into tracking
	// pixel links; it is not the bind address.
	ServerHost string `env:"SERVER_HOST" envDefault:"http://localhost:3000"`

	DatabaseURL       string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConnections  int32         `env:"DB_MAX_CONNECTIONS" envDefault:"25"`
	DBMinConnections  int32         `env:"DB_MIN_CONNECTIONS" envDefault:"5"`
	DBMaxLifetimeSecs int64         `env:"DB_MAX_LIFETIME_SECS" envDefault:"3600"`
	DBIdleTimeoutSecs int64         `env:"DB_IDLE_TIMEOUT_SECS" envDefault:"900"`

	NATSURL     string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSStream  string `env:"NATS_STREAM" envDefault:"messages"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"messages.email"`

	BatchSize         int           `env:"BATCH_SIZE" envDefault:"1000"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"60s"`

	APIKey string `env:"API_KEY,required"`

	// SweeperMaxProcessingAge bounds how long a request may sit in Processing
	// before the sweeper marks it Failed. Zero disables the sweeper; recovery
	// of stranded rows is then an operational concern.
	SweeperMaxProcessingAge time.Duration `env:"SWEEPER_MAX_PROCESSING_AGE" envDefault:"0"`
	SweeperInterval         time.Duration `env:"SWEEPER_INTERVAL" envDefault:"1m"`

	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"email-dispatch-gateway"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("op=config.Load: BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	if cfg.SchedulerInterval <= 0 {
		return Config{}, fmt.Errorf("op=config.Load: SCHEDULER_INTERVAL must be positive, got %s", cfg.SchedulerInterval)
	}
	return cfg, nil
}

// DBMaxLifetime returns the connection max lifetime as a duration.
func (c Config) DBMaxLifetime() time.Duration {
	return time.Duration(c.DBMaxLifetimeSecs) * time.Second
}

// DBIdleTimeout returns the idle connection timeout as a duration.
func (c Config) DBIdleTimeout() time.Duration {
	return time.Duration(c.DBIdleTimeoutSecs) * time.Second
}

// SweeperEnabled reports whether the stranded-request sweeper should run.
func (c Config) SweeperEnabled() bool { return c.SweeperMaxProcessingAge > 0 }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }
