// Package config loads service configuration from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the full service configuration. It is built once at startup and passed
// explicitly to the components that need it.
type Config struct {
	Server    Server
	Database  Database
	Webhook   Webhook
	Notifier  Notifier
	Redis     Redis
	Log       Log
	Auth      Auth
	RateLimit RateLimit
}

// Server holds HTTP listener settings.
type Server struct {
	Port int
	// AppURL is the externally reachable origin advertised to the engine.
	AppURL      string
	Environment string
}

// Database selects and locates the datastore.
type Database struct {
	Driver     string
	URL        string
	SQLitePath string
}

// Webhook configures both directions of the engine integration.
type Webhook struct {
	URL           string
	Secret        string
	Timeout       time.Duration
	SkipSignature bool
}

// Notifier tunes run status streams.
type Notifier struct {
	Interval time.Duration
	Grace    time.Duration
}

// Redis enables cross-process stream wake-ups when Addr is set.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Log configures the logger.
type Log struct {
	Level  string
	Format string
}

// Auth holds token and password hashing settings.
type Auth struct {
	JWTSecret          string
	JWTExpirationHours int
	BcryptCost         int
	PasswordPepper     string
}

// RateLimit configures per-client request throttling.
type RateLimit struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	Whitelist       []string
	Blacklist       []string
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"server.port":                "PORT",
	"server.app_url":             "APP_URL",
	"server.environment":         "APP_ENV",
	"database.driver":            "DATABASE_DRIVER",
	"database.url":               "DATABASE_URL",
	"database.sqlite_path":       "SQLITE_PATH",
	"webhook.url":                "N8N_WEBHOOK_URL",
	"webhook.secret":             "N8N_WEBHOOK_SECRET",
	"webhook.timeout":            "N8N_WEBHOOK_TIMEOUT",
	"webhook.skip_signature":     "WEBHOOK_SKIP_SIGNATURE",
	"notifier.interval":          "STREAM_POLL_INTERVAL",
	"notifier.grace":             "STREAM_COMPLETE_GRACE",
	"redis.addr":                 "REDIS_ADDR",
	"redis.password":             "REDIS_PASSWORD",
	"redis.db":                   "REDIS_DB",
	"log.level":                  "LOG_LEVEL",
	"log.format":                 "LOG_FORMAT",
	"auth.jwt_secret":            "JWT_SECRET",
	"auth.jwt_expiration_hours":  "JWT_EXPIRATION_HOURS",
	"auth.bcrypt_cost":           "BCRYPT_COST",
	"auth.password_pepper":       "PASSWORD_PEPPER",
	"ratelimit.enabled":          "RATE_LIMIT_ENABLED",
	"ratelimit.default_limit":    "RATE_LIMIT_DEFAULT_LIMIT",
	"ratelimit.default_window":   "RATE_LIMIT_DEFAULT_WINDOW",
	"ratelimit.cleanup_interval": "RATE_LIMIT_CLEANUP_INTERVAL",
	"ratelimit.whitelist":        "RATE_LIMIT_WHITELIST",
	"ratelimit.blacklist":        "RATE_LIMIT_BLACKLIST",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.app_url", "http://localhost:3000")
	v.SetDefault("server.environment", "production")
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.sqlite_path", "robopost.db")
	v.SetDefault("webhook.timeout", 30*time.Second)
	v.SetDefault("notifier.interval", 2*time.Second)
	v.SetDefault("notifier.grace", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.jwt_expiration_hours", 24)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_limit", 1000)
	v.SetDefault("ratelimit.default_window", time.Minute)
	v.SetDefault("ratelimit.cleanup_interval", 5*time.Minute)
}

// Load reads configuration from the environment, layered over the file at path
// when path is non-empty. It does not validate; call Validate before serving.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	environment := v.GetString("server.environment")
	return &Config{
		Server: Server{
			Port:        v.GetInt("server.port"),
			AppURL:      strings.TrimRight(v.GetString("server.app_url"), "/"),
			Environment: environment,
		},
		Database: Database{
			Driver:     strings.ToLower(v.GetString("database.driver")),
			URL:        v.GetString("database.url"),
			SQLitePath: v.GetString("database.sqlite_path"),
		},
		Webhook: Webhook{
			URL:           v.GetString("webhook.url"),
			Secret:        v.GetString("webhook.secret"),
			Timeout:       v.GetDuration("webhook.timeout"),
			SkipSignature: v.GetBool("webhook.skip_signature") || environment == "development",
		},
		Notifier: Notifier{
			Interval: v.GetDuration("notifier.interval"),
			Grace:    v.GetDuration("notifier.grace"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Auth: Auth{
			JWTSecret:          v.GetString("auth.jwt_secret"),
			JWTExpirationHours: v.GetInt("auth.jwt_expiration_hours"),
			BcryptCost:         v.GetInt("auth.bcrypt_cost"),
			PasswordPepper:     v.GetString("auth.password_pepper"),
		},
		RateLimit: RateLimit{
			Enabled:         v.GetBool("ratelimit.enabled"),
			DefaultLimit:    v.GetInt("ratelimit.default_limit"),
			DefaultWindow:   v.GetDuration("ratelimit.default_window"),
			CleanupInterval: v.GetDuration("ratelimit.cleanup_interval"),
			Whitelist:       splitList(v.GetString("ratelimit.whitelist")),
			Blacklist:       splitList(v.GetString("ratelimit.blacklist")),
		},
	}, nil
}

// splitList parses a comma-separated setting.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports every missing or malformed setting needed to serve traffic.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Webhook.Validate(); err != nil {
		errs = append(errs, err)
	}
	if u, err := url.Parse(c.Server.AppURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("config error: APP_URL must be an absolute URL, got %q", c.Server.AppURL))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("config error: PORT out of range: %d", c.Server.Port))
	}
	if c.Notifier.Interval <= 0 {
		errs = append(errs, fmt.Errorf("config error: STREAM_POLL_INTERVAL must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.DefaultLimit <= 0 || c.RateLimit.DefaultWindow <= 0) {
		errs = append(errs, fmt.Errorf("config error: RATE_LIMIT_DEFAULT_LIMIT and RATE_LIMIT_DEFAULT_WINDOW must be positive"))
	}
	if _, err := c.JWT(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Password(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks that the selected driver has what it needs.
func (d Database) Validate() error {
	switch d.Driver {
	case DriverPostgres:
		if d.URL == "" {
			return fmt.Errorf("config error: DATABASE_URL is required")
		}
	case DriverSQLite:
		if d.SQLitePath == "" {
			return fmt.Errorf("config error: SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("config error: unknown DATABASE_DRIVER %q", d.Driver)
	}
	return nil
}

// Validate checks the engine endpoint and shared secret.
func (w Webhook) Validate() error {
	var errs []error
	if w.URL == "" {
		errs = append(errs, fmt.Errorf("config error: N8N_WEBHOOK_URL is required"))
	} else if u, err := url.Parse(w.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("config error: N8N_WEBHOOK_URL must be an absolute URL"))
	}
	if w.Secret == "" {
		errs = append(errs, fmt.Errorf("config error: N8N_WEBHOOK_SECRET is required"))
	}
	return errors.Join(errs...)
}
