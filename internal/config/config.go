// Package config loads the ward server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Remediation modes.
const (
	ModeSimulated = "simulated"
	ModeHTTP      = "http"
	ModeManifest  = "manifest"
)

// Config is the server configuration.
type Config struct {
	Addr           string
	AllowedOrigins []string
	SeedFile       string

	Log struct {
		Level  string
		Format string
	}

	Session struct {
		DefaultRoom   string
		Grace         time.Duration
		SweepInterval time.Duration
	}

	Remediation struct {
		Mode     string
		URL      string
		Manifest string
		Tags     []string
		Cooldown time.Duration
		Timeout  time.Duration
		Delay    time.Duration
		Reopen   bool
	}

	Auth struct {
		Secret     string
		AccessTTL  time.Duration
		RefreshTTL time.Duration
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
		Stream   string
	}
}

// Load reads the configuration from the environment, applying defaults, and
// validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.Addr = getEnv("WARD_ADDR", ":8080")
	cfg.AllowedOrigins = splitList(getEnv("WARD_ALLOWED_ORIGINS", "*"))
	cfg.SeedFile = getEnv("WARD_SEED_FILE", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Session.DefaultRoom = getEnv("WARD_DEFAULT_ROOM", "default")
	cfg.Session.Grace = getDuration("SESSION_GRACE", time.Hour, &errs)
	cfg.Session.SweepInterval = getDuration("SESSION_SWEEP_INTERVAL", 10*time.Minute, &errs)

	cfg.Remediation.Mode = strings.ToLower(getEnv("REMEDIATION_MODE", ModeSimulated))
	cfg.Remediation.URL = getEnv("REMEDIATION_URL", "")
	cfg.Remediation.Manifest = getEnv("REMEDIATION_MANIFEST", "")
	cfg.Remediation.Tags = splitList(getEnv("REMEDIATION_TAGS", "1.25.0,1.26.0"))
	cfg.Remediation.Cooldown = getDuration("REMEDIATION_COOLDOWN", 180*time.Second, &errs)
	cfg.Remediation.Timeout = getDuration("REMEDIATION_TIMEOUT", 60*time.Second, &errs)
	cfg.Remediation.Delay = getDuration("REMEDIATION_DELAY", 2*time.Second, &errs)
	cfg.Remediation.Reopen = getBool("REMEDIATION_REOPEN", false, &errs)

	cfg.Auth.Secret = getEnv("JWT_SECRET", "")
	cfg.Auth.AccessTTL = getDuration("ACCESS_TOKEN_TTL", 15*time.Minute, &errs)
	cfg.Auth.RefreshTTL = getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour, &errs)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getInt("REDIS_DB", 0, &errs)
	cfg.Redis.Stream = getEnv("AUDIT_STREAM", "ward:events")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Session.Grace <= 0 {
		return errors.New("SESSION_GRACE must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return errors.New("SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.Remediation.Cooldown <= 0 {
		return errors.New("REMEDIATION_COOLDOWN must be positive")
	}
	if c.Remediation.Timeout <= 0 {
		return errors.New("REMEDIATION_TIMEOUT must be positive")
	}
	if c.Remediation.Timeout >= c.Remediation.Cooldown {
		return errors.New("REMEDIATION_TIMEOUT must be shorter than REMEDIATION_COOLDOWN")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}

	switch c.Remediation.Mode {
	case ModeSimulated:
	case ModeHTTP:
		if c.Remediation.URL == "" {
			return errors.New("REMEDIATION_URL is required in http mode")
		}
	case ModeManifest:
		if c.Remediation.Manifest == "" {
			return errors.New("REMEDIATION_MANIFEST is required in manifest mode")
		}
		if len(c.Remediation.Tags) == 0 {
			return errors.New("REMEDIATION_TAGS is required in manifest mode")
		}
	default:
		return fmt.Errorf("unknown REMEDIATION_MODE %q", c.Remediation.Mode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
