package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Config centraliza la configuración del bridge. Se lee una sola vez al arrancar.
type Config struct {
	TaigaAPIURL   string `env:"TAIGA_API_URL" envDefault:"http://localhost:9000"`
	TaigaUsername string `env:"TAIGA_USERNAME"`
	TaigaPassword string `env:"TAIGA_PASSWORD"`

	SessionExpirySeconds int           `env:"SESSION_EXPIRY_SECONDS" envDefault:"28800"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`

	RequestTimeout          time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	MaxConnections          int           `env:"MAX_CONNECTIONS" envDefault:"10"`
	MaxKeepaliveConnections int           `env:"MAX_KEEPALIVE_CONNECTIONS" envDefault:"5"`
	RateLimitRequests       int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RetryMaxAttempts        int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialInterval    time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"250ms"`
	RetryNonIdempotent      bool          `env:"RETRY_NON_IDEMPOTENT" envDefault:"true"`

	Transport     string `env:"TRANSPORT" envDefault:"stdio"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8000"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8000"`
	HTTPJWTSecret string `env:"HTTP_JWT_SECRET"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normaliza y verifica los valores leídos.
func (c *Config) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport != TransportStdio && c.Transport != TransportSSE {
		return fmt.Errorf("invalid TRANSPORT %q: expected %s or %s", c.Transport, TransportStdio, TransportSSE)
	}
	if strings.TrimSpace(c.TaigaAPIURL) == "" {
		return fmt.Errorf("TAIGA_API_URL cannot be empty")
	}
	if c.SessionExpirySeconds <= 0 {
		return fmt.Errorf("SESSION_EXPIRY_SECONDS must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}
	if c.MaxKeepaliveConnections < 0 || c.MaxKeepaliveConnections > c.MaxConnections {
		return fmt.Errorf("MAX_KEEPALIVE_CONNECTIONS must be between 0 and MAX_CONNECTIONS")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 1
	}
	if c.SessionSweepInterval <= 0 {
		c.SessionSweepInterval = time.Minute
	}
	return nil
}

// SessionExpiry devuelve la expiración deslizante de las sesiones.
func (c *Config) SessionExpiry() time.Duration {
	return time.Duration(c.SessionExpirySeconds) * time.Second
}

// Vault construye el vault de credenciales de auto-autenticación.
func (c *Config) Vault() *Vault {
	return NewVault(c.TaigaUsername, c.TaigaPassword, c.TaigaAPIURL)
}
