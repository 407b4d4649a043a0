// Package config loads process configuration from environment variables
// and an optional YAML file.
package config

import (
	"time"
)

// Server tunes the HTTP listener.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// Auth holds the token and credential settings.
type Auth struct {
	// Secret signs both token kinds; minimum 32 bytes.
	Secret     string        `mapstructure:"secret"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
	Issuer     string        `mapstructure:"issuer"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`

	CookieName   string `mapstructure:"cookie_name"`
	CookieSecure bool   `mapstructure:"cookie_secure"`
	CookiePath   string `mapstructure:"cookie_path"`
}

// RateLimit declares admission budgets.
type RateLimit struct {
	Enabled bool   `mapstructure:"enabled"`
	Default string `mapstructure:"default"`
	// Storage selects the counter backend: "redis" (shared, required for
	// multi-worker deployments) or "memory" (single process only).
	Storage  string            `mapstructure:"storage"`
	PerRoute map[string]string `mapstructure:"per_route"`
}

// Redis holds the shared key-value store connection.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces revocation keys.
	Prefix string `mapstructure:"prefix"`
}

// DB holds the relational store connection.
type DB struct {
	// DSN empty means the in-memory user store (development only).
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// Log tunes structured logging.
type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// CORS declares the allowed cross-origin callers.
type CORS struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Config is the full process configuration, constructed once at startup
// and passed down immutably.
type Config struct {
	Env       string    `mapstructure:"env"`
	Server    Server    `mapstructure:"server"`
	Auth      Auth      `mapstructure:"auth"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Redis     Redis     `mapstructure:"redis"`
	DB        DB        `mapstructure:"db"`
	Log       Log       `mapstructure:"log"`
	CORS      CORS      `mapstructure:"cors"`
}
