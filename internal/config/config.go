package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/copd/assessment/internal/platform/filestore"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DataRoot         string        `mapstructure:"DATA_ROOT"`
	APIPrefix        string        `mapstructure:"API_PREFIX"`
	PublicBaseURL    string        `mapstructure:"PUBLIC_BASE_URL"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	CacheControl     string        `mapstructure:"CACHE_CONTROL"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit  string        `mapstructure:"UPLOAD_BODY_LIMIT"`
	MaxVoiceBytes    int64         `mapstructure:"MAX_VOICE_BYTES"`
	MaxImageBytes    int64         `mapstructure:"MAX_IMAGE_BYTES"`
	MaxDocumentBytes int64         `mapstructure:"MAX_DOCUMENT_BYTES"`
	MaxOtherBytes    int64         `mapstructure:"MAX_OTHER_BYTES"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	ShutdownTimeout  time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	limits := filestore.DefaultLimits()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATA_ROOT", "./data")
	v.SetDefault("API_PREFIX", "/app/copd")
	v.SetDefault("PUBLIC_BASE_URL", "")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("CACHE_CONTROL", "no-store")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "250M")
	v.SetDefault("MAX_VOICE_BYTES", limits.Voice)
	v.SetDefault("MAX_IMAGE_BYTES", limits.Image)
	v.SetDefault("MAX_DOCUMENT_BYTES", limits.Document)
	v.SetDefault("MAX_OTHER_BYTES", limits.Other)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATA_ROOT", "API_PREFIX", "PUBLIC_BASE_URL", "CORS_ORIGINS",
		"CACHE_CONTROL", "BODY_LIMIT", "UPLOAD_BODY_LIMIT",
		"MAX_VOICE_BYTES", "MAX_IMAGE_BYTES", "MAX_DOCUMENT_BYTES", "MAX_OTHER_BYTES",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "LOG_LEVEL", "SHUTDOWN_TIMEOUT",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.APIPrefix = normalizePrefix(cfg.APIPrefix)
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return cfg, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HSTS reports whether Strict-Transport-Security is sent. Development runs
// over plain HTTP.
func (c *Config) HSTS() bool {
	return !c.IsDev()
}

// Limits returns the per-kind attachment size limits.
func (c *Config) Limits() filestore.Limits {
	return filestore.Limits{
		Voice:    c.MaxVoiceBytes,
		Image:    c.MaxImageBytes,
		Document: c.MaxDocumentBytes,
		Other:    c.MaxOtherBytes,
	}
}

// DownloadBase is prepended to /files/... in download URLs. Without a
// PUBLIC_BASE_URL the URLs are host-relative.
func (c *Config) DownloadBase() string {
	return c.PublicBaseURL + c.APIPrefix
}

// Level returns the zerolog level for LOG_LEVEL. Validate rejects unknown
// names, so the fallback is only reached for an unvalidated config.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	if strings.TrimSpace(c.DataRoot) == "" {
		return fmt.Errorf("DATA_ROOT is required")
	}
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", c.PublicBaseURL)
		}
	}
	for name, v := range map[string]int64{
		"MAX_VOICE_BYTES":    c.MaxVoiceBytes,
		"MAX_IMAGE_BYTES":    c.MaxImageBytes,
		"MAX_DOCUMENT_BYTES": c.MaxDocumentBytes,
		"MAX_OTHER_BYTES":    c.MaxOtherBytes,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is on, got %d", c.RateLimitBurst)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("LOG_LEVEL %q is not a valid level: %w", c.LogLevel, err)
		}
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}
