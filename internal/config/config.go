package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kinds understood by the factory.
const (
	KindCompat = "compat"
	KindOpenAI = "openai"
)

// ProviderAuto is the sentinel provider name that selects the default
// failover chain.
const ProviderAuto = "auto"

const envPrefix = "AIRELAY_"

// Config is the application configuration: defaults, overlaid by an optional
// YAML file, overlaid by AIRELAY_* environment variables.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Logging   LoggingConfig    `yaml:"logging"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig defines the HTTP listener and boundary middleware knobs.
type ServerConfig struct {
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	Debug       bool            `yaml:"debug"`
	CORSEnabled bool            `yaml:"cors_enabled"`
	CORSOrigins []string        `yaml:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds per-client request rates at the boundary.
type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// GatewayConfig carries the dispatch and catalog settings injected into the
// core: default provider/model, per-call timeout, retry budget, catalog TTL.
type GatewayConfig struct {
	DefaultProvider   string            `yaml:"default_provider"`
	DefaultModel      string            `yaml:"default_model"`
	DefaultChatModel  string            `yaml:"default_chat_model"`
	DefaultImageModel string            `yaml:"default_image_model"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	MaxAttempts       int               `yaml:"max_attempts"`
	BackoffBaseMS     int               `yaml:"backoff_base_ms"`
	BackoffMaxMS      int               `yaml:"backoff_max_ms"`
	CatalogTTLSeconds int               `yaml:"catalog_ttl_seconds"`
	ModelAliases      map[string]string `yaml:"model_aliases"`
}

// Timeout returns the per-backend-call timeout.
func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// BackoffBase returns the initial retry backoff delay.
func (g GatewayConfig) BackoffBase() time.Duration {
	return time.Duration(g.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry backoff cap.
func (g GatewayConfig) BackoffMax() time.Duration {
	return time.Duration(g.BackoffMaxMS) * time.Millisecond
}

// CatalogTTL returns the model/provider cache lifetime.
func (g GatewayConfig) CatalogTTL() time.Duration {
	return time.Duration(g.CatalogTTLSeconds) * time.Second
}

// LoggingConfig controls slog output. File is optional; when set, logs are
// also written to a size-rotated file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ProviderConfig captures one configured upstream backend.
type ProviderConfig struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"`
	BaseURL        string            `yaml:"base_url"`
	APIKey         string            `yaml:"api_key"`
	Models         []string          `yaml:"models"`
	DiscoverModels bool              `yaml:"discover_models"`
	SupportsStream bool              `yaml:"supports_stream"`
	Headers        map[string]string `yaml:"headers"`
}

// Default returns the built-in configuration used when no file is supplied.
// Entries without credentials are skipped at registration time, not here.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSEnabled: true,
			CORSOrigins: []string{"*"},
			RateLimit: RateLimitConfig{
				Requests:      60,
				WindowSeconds: 60,
			},
		},
		Gateway: GatewayConfig{
			DefaultProvider:   ProviderAuto,
			DefaultModel:      "gpt-4o",
			DefaultChatModel:  "gpt-4o-mini",
			DefaultImageModel: "flux",
			TimeoutSeconds:    60,
			MaxAttempts:       3,
			BackoffBaseMS:     1000,
			BackoffMaxMS:      30000,
			CatalogTTLSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  5,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Providers: []ProviderConfig{
			{
				Name:           "openai",
				Kind:           KindOpenAI,
				BaseURL:        "https://api.openai.com/v1",
				APIKey:         os.Getenv("OPENAI_API_KEY"),
				Models:         []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"},
				SupportsStream: true,
			},
		},
	}
}

// Load builds the effective configuration. An empty path skips the file layer
// entirely; a non-empty path must exist and parse.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays AIRELAY_* environment variables onto the configuration.
func (c *Config) applyEnv() error {
	setString(&c.Server.Host, "HOST")
	if err := setInt(&c.Server.Port, "PORT"); err != nil {
		return err
	}
	if err := setBool(&c.Server.Debug, "DEBUG"); err != nil {
		return err
	}
	if err := setBool(&c.Server.CORSEnabled, "CORS_ENABLED"); err != nil {
		return err
	}
	if raw, ok := os.LookupEnv(envPrefix + "CORS_ORIGINS"); ok {
		origins := strings.Split(raw, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.Server.CORSOrigins = origins
	}
	if err := setInt(&c.Server.RateLimit.Requests, "RATE_LIMIT_REQUESTS"); err != nil {
		return err
	}
	if err := setInt(&c.Server.RateLimit.WindowSeconds, "RATE_LIMIT_WINDOW"); err != nil {
		return err
	}

	setString(&c.Gateway.DefaultProvider, "DEFAULT_PROVIDER")
	setString(&c.Gateway.DefaultModel, "DEFAULT_MODEL")
	setString(&c.Gateway.DefaultChatModel, "DEFAULT_CHAT_MODEL")
	setString(&c.Gateway.DefaultImageModel, "DEFAULT_IMAGE_MODEL")
	if err := setInt(&c.Gateway.TimeoutSeconds, "TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&c.Gateway.MaxAttempts, "RETRIES"); err != nil {
		return err
	}
	if err := setInt(&c.Gateway.CatalogTTLSeconds, "CATALOG_TTL"); err != nil {
		return err
	}

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Logging.File, "LOG_FILE")

	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	raw, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("environment variable %s%s must be an integer, got %q", envPrefix, key, raw)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, key string) error {
	raw, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		return fmt.Errorf("environment variable %s%s must be a boolean, got %q", envPrefix, key, raw)
	}
	*dst = v
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RateLimit.Requests < 0 {
		return fmt.Errorf("server.rate_limit.requests must not be negative, got %d", c.Server.RateLimit.Requests)
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("server.rate_limit.window_seconds must be positive when rate limiting is enabled, got %d", c.Server.RateLimit.WindowSeconds)
	}

	if strings.TrimSpace(c.Gateway.DefaultModel) == "" {
		return fmt.Errorf("gateway.default_model must not be empty")
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("gateway.timeout_seconds must be positive, got %d", c.Gateway.TimeoutSeconds)
	}
	if c.Gateway.MaxAttempts <= 0 {
		return fmt.Errorf("gateway.max_attempts must be positive, got %d", c.Gateway.MaxAttempts)
	}
	if c.Gateway.BackoffBaseMS <= 0 {
		return fmt.Errorf("gateway.backoff_base_ms must be positive, got %d", c.Gateway.BackoffBaseMS)
	}
	if c.Gateway.BackoffMaxMS < c.Gateway.BackoffBaseMS {
		return fmt.Errorf("gateway.backoff_max_ms must not be below backoff_base_ms")
	}
	if c.Gateway.CatalogTTLSeconds <= 0 {
		return fmt.Errorf("gateway.catalog_ttl_seconds must be positive, got %d", c.Gateway.CatalogTTLSeconds)
	}
	for alias, target := range c.Gateway.ModelAliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("gateway.model_aliases: alias name must not be empty")
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("gateway.model_aliases: alias %q target must not be empty", alias)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if err := validateProvider(p); err != nil {
			return err
		}
		key := strings.ToLower(p.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("provider %q configured more than once", p.Name)
		}
		seen[key] = struct{}{}
	}

	return nil
}

func validateProvider(p ProviderConfig) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	if strings.EqualFold(p.Name, ProviderAuto) {
		return fmt.Errorf("provider name %q is reserved", ProviderAuto)
	}

	switch p.Kind {
	case KindCompat, KindOpenAI:
	default:
		return fmt.Errorf("provider %s: kind %q must be one of %q or %q", p.Name, p.Kind, KindCompat, KindOpenAI)
	}

	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", p.Name)
	}
	if len(p.Models) == 0 && !p.DiscoverModels {
		return fmt.Errorf("provider %s: at least one model must be configured unless discover_models is set", p.Name)
	}
	for _, id := range p.Models {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", p.Name)
		}
	}

	for headerKey := range p.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", p.Name, headerKey)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
