// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string   `env:"LOG_FORMAT" envDefault:"json"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`

	// IdentityHeader is set by the upstream auth proxy with the caller's
	// verified email.
	IdentityHeader string `env:"IDENTITY_HEADER" envDefault:"X-Authenticated-Email"`

	Database     Database     `envPrefix:"DB_"`
	Redis        Redis        `envPrefix:"REDIS_"`
	AMQP         AMQP         `envPrefix:"AMQP_"`
	Registration Registration `envPrefix:"REGISTRATION_"`
	OTel         OTel         `envPrefix:"OTEL_"`
}

// Database holds PostgreSQL connection settings.
type Database struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Name     string `env:"NAME" envDefault:"tickets"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"MAX_CONNS" envDefault:"20"`
}

// DSN builds a libpq-compatible connection string.
func (c Database) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Redis backs the edit-request rate limiter. An empty Addr switches to the
// in-process limiter.
type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	TLS      bool   `env:"TLS" envDefault:"false"`
}

// AMQP is the broker the mail worker consumes notifications from.
// An empty URL switches to the log-only notifier.
type AMQP struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"tickets.notifications"`
}

// Registration tunes admission and self-service behaviour.
type Registration struct {
	EditTokenTTL         time.Duration `env:"EDIT_TOKEN_TTL" envDefault:"30m"`
	EditTokenSecret      string        `env:"EDIT_TOKEN_SECRET"`
	EditRequestLimit     int           `env:"EDIT_REQUEST_LIMIT" envDefault:"3"`
	EditRequestWindow    time.Duration `env:"EDIT_REQUEST_WINDOW" envDefault:"1h"`
	CancellationBlackout time.Duration `env:"CANCELLATION_BLACKOUT" envDefault:"72h"`
	StrictReferral       bool          `env:"STRICT_REFERRAL" envDefault:"false"`
	FrontendURL          string        `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`
	QRCodeBaseURL        string        `env:"QR_CODE_BASE_URL" envDefault:"https://api.qrserver.com/v1/create-qr-code/"`
}

// OTel enables trace export when Endpoint is set.
type OTel struct {
	Endpoint    string `env:"ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"tickets-api"`
}

// Load reads an optional .env file and then the process environment.
// Variables already present in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	r := c.Registration
	if r.EditTokenTTL <= 0 {
		return fmt.Errorf("REGISTRATION_EDIT_TOKEN_TTL must be positive")
	}
	if r.EditRequestLimit <= 0 || r.EditRequestWindow <= 0 {
		return fmt.Errorf("REGISTRATION_EDIT_REQUEST_LIMIT and _WINDOW must be positive")
	}
	if r.EditTokenSecret == "" {
		return fmt.Errorf("REGISTRATION_EDIT_TOKEN_SECRET is required")
	}
	if len(r.EditTokenSecret) < 16 {
		return fmt.Errorf("REGISTRATION_EDIT_TOKEN_SECRET must be at least 16 bytes")
	}
	if r.CancellationBlackout < 0 {
		return fmt.Errorf("REGISTRATION_CANCELLATION_BLACKOUT must not be negative")
	}
	return nil
}
