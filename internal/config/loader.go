package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/blueprintkit/backend/internal/password"
	"github.com/blueprintkit/backend/internal/ratelimit"
	"github.com/blueprintkit/backend/internal/token"
)

// Load reads configuration from the optional YAML file at path and from
// environment variables (SERVER_ADDR, AUTH_SECRET, ...), then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.graceful_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	// Empty defaults register env-only keys so AutomaticEnv can fill them.
	v.SetDefault("auth.secret", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.password", "")

	v.SetDefault("auth.access_ttl", "30m")
	v.SetDefault("auth.refresh_ttl", "168h")
	v.SetDefault("auth.issuer", "backend")
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.cookie_name", "refresh_token")
	v.SetDefault("auth.cookie_secure", false)
	v.SetDefault("auth.cookie_path", "/auth")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default", "100/minute")
	v.SetDefault("rate_limit.storage", "redis")
	v.SetDefault("rate_limit.per_route", map[string]string{
		"auth.register":        "5/minute",
		"auth.login":           "5/minute",
		"auth.refresh":         "10/minute",
		"auth.logout":          "20/minute",
		"auth.me":              "60/minute",
		"auth.change_password": "5/minute",
	})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "auth")

	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrations_dir", "migrations")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate rejects configurations that would weaken the auth guarantees.
func (c *Config) Validate() error {
	if len(c.Auth.Secret) < token.MinSecretLength {
		return fmt.Errorf("auth.secret must be at least %d bytes", token.MinSecretLength)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("auth TTLs must be positive")
	}
	if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		return errors.New("auth.refresh_ttl must not be shorter than auth.access_ttl")
	}
	if c.Auth.BcryptCost < password.MinCost || c.Auth.BcryptCost > password.MaxCost {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d", password.MinCost, password.MaxCost)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Storage != "redis" && c.RateLimit.Storage != "memory" {
			return fmt.Errorf("rate_limit.storage must be redis or memory, got %q", c.RateLimit.Storage)
		}
		if _, err := ratelimit.ParseLimit(c.RateLimit.Default); err != nil {
			return fmt.Errorf("rate_limit.default: %w", err)
		}
		for route, raw := range c.RateLimit.PerRoute {
			if _, err := ratelimit.ParseLimit(raw); err != nil {
				return fmt.Errorf("rate_limit.per_route[%s]: %w", route, err)
			}
		}
	}

	if c.IsProduction() {
		if !c.Auth.CookieSecure {
			return errors.New("auth.cookie_secure must be true in production")
		}
		if c.RateLimit.Enabled && c.RateLimit.Storage == "memory" {
			// In-process counters silently stop being a shared budget the
			// moment a second worker starts.
			return errors.New("rate_limit.storage=memory is not valid in production")
		}
	}

	return nil
}

// IsProduction reports whether the process runs with production policy.
func (c *Config) IsProduction() bool {
	return c.Env == "prod" || c.Env == "production"
}
