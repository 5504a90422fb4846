package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port         string   `mapstructure:"PORT"`
	Env          string   `mapstructure:"ENV"`
	StoreDriver  string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL     string   `mapstructure:"REDIS_URL"`
	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
	AuditHMACKey string   `mapstructure:"AUDIT_HMAC_KEY"`

	// HTTP limits
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	// Consent policy
	ScopeTags               []string      `mapstructure:"SCOPE_TAGS"`
	KnownRequesters         []string      `mapstructure:"KNOWN_REQUESTERS"`
	ActorCacheTTL           time.Duration `mapstructure:"ACTOR_CACHE_TTL"`
	ResponseWindowNormal    time.Duration `mapstructure:"RESPONSE_WINDOW_NORMAL"`
	ResponseWindowUrgent    time.Duration `mapstructure:"RESPONSE_WINDOW_URGENT"`
	ResponseWindowEmergency time.Duration `mapstructure:"RESPONSE_WINDOW_EMERGENCY"`
	ContractValidNormal     time.Duration `mapstructure:"CONTRACT_VALIDITY_NORMAL"`
	ContractValidUrgent     time.Duration `mapstructure:"CONTRACT_VALIDITY_URGENT"`
	ContractValidEmergency  time.Duration `mapstructure:"CONTRACT_VALIDITY_EMERGENCY"`
	DefaultMaxAccessCount   int           `mapstructure:"DEFAULT_MAX_ACCESS_COUNT"`
	WriteRetries            int           `mapstructure:"WRITE_RETRIES"`
	EmergencyReviewWindow   time.Duration `mapstructure:"EMERGENCY_REVIEW_WINDOW"`
	PolicyFile              string        `mapstructure:"POLICY_FILE"`

	// Background jobs
	SweepSchedule string `mapstructure:"SWEEP_SCHEDULE"`
	ScanSchedule  string `mapstructure:"SCAN_SCHEDULE"`
	ScanWorkers   int    `mapstructure:"SCAN_WORKERS"`

	// Patient notification
	SMTPHost                 string        `mapstructure:"SMTP_HOST"`
	SMTPPort                 int           `mapstructure:"SMTP_PORT"`
	SMTPUser                 string        `mapstructure:"SMTP_USER"`
	SMTPPass                 string        `mapstructure:"SMTP_PASS"`
	SMTPFrom                 string        `mapstructure:"SMTP_FROM"`
	NotifyBreakerMaxFailures uint32        `mapstructure:"NOTIFY_BREAKER_MAX_FAILURES"`
	NotifyBreakerTimeout     time.Duration `mapstructure:"NOTIFY_BREAKER_TIMEOUT"`

	// Alert fan-out
	AlertChannelPrefix string `mapstructure:"ALERT_CHANNEL_PREFIX"`
	AlertWebhookURL    string `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `mapstructure:"ALERT_WEBHOOK_SECRET"`
}

var envKeys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"AUDIT_HMAC_KEY", "BODY_LIMIT", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SCOPE_TAGS", "KNOWN_REQUESTERS", "ACTOR_CACHE_TTL",
	"RESPONSE_WINDOW_NORMAL", "RESPONSE_WINDOW_URGENT", "RESPONSE_WINDOW_EMERGENCY",
	"CONTRACT_VALIDITY_NORMAL", "CONTRACT_VALIDITY_URGENT", "CONTRACT_VALIDITY_EMERGENCY",
	"DEFAULT_MAX_ACCESS_COUNT", "WRITE_RETRIES", "EMERGENCY_REVIEW_WINDOW", "POLICY_FILE",
	"SWEEP_SCHEDULE", "SCAN_SCHEDULE", "SCAN_WORKERS",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "SMTP_FROM",
	"NOTIFY_BREAKER_MAX_FAILURES", "NOTIFY_BREAKER_TIMEOUT",
	"ALERT_CHANNEL_PREFIX", "ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "256K")
	v.SetDefault("REQUEST_TIMEOUT", 15*time.Second)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("SCOPE_TAGS", "demographics,lab_results,prescriptions,imaging,diagnoses,immunizations,clinical_notes,allergies,vitals")
	v.SetDefault("ACTOR_CACHE_TTL", 5*time.Minute)
	v.SetDefault("RESPONSE_WINDOW_NORMAL", 72*time.Hour)
	v.SetDefault("RESPONSE_WINDOW_URGENT", 24*time.Hour)
	v.SetDefault("RESPONSE_WINDOW_EMERGENCY", time.Hour)
	v.SetDefault("CONTRACT_VALIDITY_NORMAL", 30*24*time.Hour)
	v.SetDefault("CONTRACT_VALIDITY_URGENT", 7*24*time.Hour)
	v.SetDefault("CONTRACT_VALIDITY_EMERGENCY", 24*time.Hour)
	v.SetDefault("DEFAULT_MAX_ACCESS_COUNT", 10)
	v.SetDefault("WRITE_RETRIES", 3)
	v.SetDefault("EMERGENCY_REVIEW_WINDOW", 24*time.Hour)
	v.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("SCAN_SCHEDULE", "*/5 * * * *")
	v.SetDefault("SCAN_WORKERS", 8)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("NOTIFY_BREAKER_MAX_FAILURES", 5)
	v.SetDefault("NOTIFY_BREAKER_TIMEOUT", 30*time.Second)
	v.SetDefault("ALERT_CHANNEL_PREFIX", "consent:")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.ScopeTags = splitList(v.GetString("SCOPE_TAGS"))
	cfg.KnownRequesters = splitList(v.GetString("KNOWN_REQUESTERS"))

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, unauthenticated requests act as administrator.")
	}

	return cfg, nil
}

// splitList parses a comma separated list setting, trimming blanks.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
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

// AuditKey returns the decoded audit HMAC key. Validate must have passed.
func (c *Config) AuditKey() []byte {
	key, _ := hex.DecodeString(c.AuditHMACKey)
	return key
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_ISSUER must be set so that real JWT authentication is enforced, and in
// production AUDIT_HMAC_KEY is required and must be a 64-character hex string.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set when ENV=%q", c.Env)
	}
	if c.StoreDriver != "postgres" && c.StoreDriver != "memory" {
		return fmt.Errorf("STORE_DRIVER must be \"postgres\" or \"memory\", got %q", c.StoreDriver)
	}
	if c.IsProduction() && c.StoreDriver == "memory" {
		return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
	}

	if c.IsProduction() && c.AuditHMACKey == "" {
		return fmt.Errorf("AUDIT_HMAC_KEY is required in production")
	}
	if c.AuditHMACKey != "" {
		keyBytes, err := hex.DecodeString(c.AuditHMACKey)
		if err != nil {
			return fmt.Errorf("AUDIT_HMAC_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("AUDIT_HMAC_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if len(c.ScopeTags) == 0 {
		return fmt.Errorf("SCOPE_TAGS must list at least one scope tag")
	}
	if c.WriteRetries < 1 {
		return fmt.Errorf("WRITE_RETRIES must be at least 1, got %d", c.WriteRetries)
	}
	if c.DefaultMaxAccessCount < 0 {
		return fmt.Errorf("DEFAULT_MAX_ACCESS_COUNT must not be negative")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	for name, d := range map[string]time.Duration{
		"RESPONSE_WINDOW_NORMAL":    c.ResponseWindowNormal,
		"RESPONSE_WINDOW_URGENT":    c.ResponseWindowUrgent,
		"RESPONSE_WINDOW_EMERGENCY": c.ResponseWindowEmergency,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}
