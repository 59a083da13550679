package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hrq/hrq/internal/platform/hipaa"
	"github.com/hrq/hrq/internal/platform/webhook"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	AuthMode           string        `mapstructure:"AUTH_MODE"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	TemplateFamily     string        `mapstructure:"TEMPLATE_FAMILY"`
	TemplateCacheTTL   time.Duration `mapstructure:"TEMPLATE_CACHE_TTL"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	HIPAAEncryptionKey string        `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int           `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys  string        `mapstructure:"HIPAA_PREVIOUS_KEYS"`
	PHIAllowedRoutes   []string      `mapstructure:"PHI_ALLOWED_ROUTES"`
	EventStream        string        `mapstructure:"EVENT_STREAM"`
	EventGroup         string        `mapstructure:"EVENT_CONSUMER_GROUP"`
	WebhookEndpoints   string        `mapstructure:"WEBHOOK_ENDPOINTS"`
	WebhookTimeout     time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	TLSEnabled         bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile        string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile         string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"TEMPLATE_FAMILY", "TEMPLATE_CACHE_TTL", "CORS_ORIGINS", "BODY_LIMIT",
	"HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS",
	"PHI_ALLOWED_ROUTES", "EVENT_STREAM", "EVENT_CONSUMER_GROUP",
	"WEBHOOK_ENDPOINTS", "WEBHOOK_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("TEMPLATE_FAMILY", "health-risk")
	v.SetDefault("TEMPLATE_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("EVENT_STREAM", "hrq:questionnaire-submitted")
	v.SetDefault("EVENT_CONSUMER_GROUP", "hrq-relay")
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.PHIAllowedRoutes = splitList(v.GetString("PHI_ALLOWED_ROUTES"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
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

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development selects "development" (dev
// identity headers, no tokens) and everything else selects "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// KeyConfig returns the PHI key material for hipaa.NewEncryptionService.
// Outside production an empty key falls back to an ephemeral one.
func (c *Config) KeyConfig() (hipaa.KeyConfig, error) {
	prev, err := hipaa.ParsePreviousKeys(c.HIPAAPreviousKeys)
	if err != nil {
		return hipaa.KeyConfig{}, fmt.Errorf("HIPAA_PREVIOUS_KEYS: %w", err)
	}
	return hipaa.KeyConfig{
		CurrentKey:     c.HIPAAEncryptionKey,
		CurrentVersion: c.HIPAAKeyVersion,
		PreviousKeys:   prev,
		AllowEphemeral: !c.IsProduction(),
	}, nil
}

// Validate checks that the configuration is safe to run. Production refuses
// development auth and requires HIPAA_ENCRYPTION_KEY; jwt mode needs a JWKS
// endpoint to verify tokens against.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex")
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.HIPAAKeyVersion < 1 {
		return fmt.Errorf("HIPAA_KEY_VERSION must be >= 1, got %d", c.HIPAAKeyVersion)
	}
	prev, err := hipaa.ParsePreviousKeys(c.HIPAAPreviousKeys)
	if err != nil {
		return fmt.Errorf("HIPAA_PREVIOUS_KEYS: %w", err)
	}
	if _, clash := prev[c.HIPAAKeyVersion]; clash {
		return fmt.Errorf("HIPAA_PREVIOUS_KEYS must not contain the current version v%d", c.HIPAAKeyVersion)
	}

	if c.TemplateFamily == "" {
		return fmt.Errorf("TEMPLATE_FAMILY must not be empty")
	}
	if c.TemplateCacheTTL <= 0 {
		return fmt.Errorf("TEMPLATE_CACHE_TTL must be positive")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	if _, err := webhook.ParseEndpoints(c.WebhookEndpoints); err != nil {
		return fmt.Errorf("WEBHOOK_ENDPOINTS: %w", err)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
