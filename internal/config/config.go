package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	RedisURL string        `mapstructure:"REDIS_URL"`
	LockTTL  time.Duration `mapstructure:"LOCK_TTL"`

	PatientDirectoryURL   string        `mapstructure:"PATIENT_DIRECTORY_URL"`
	PatientDirectoryToken string        `mapstructure:"PATIENT_DIRECTORY_TOKEN"`
	DirectoryTimeout      time.Duration `mapstructure:"DIRECTORY_TIMEOUT"`

	AlertDedupWindow        time.Duration `mapstructure:"ALERT_DEDUP_WINDOW"`
	AlertSLAWarning         time.Duration `mapstructure:"ALERT_SLA_WARNING"`
	AlertSLACritical        time.Duration `mapstructure:"ALERT_SLA_CRITICAL"`
	AlertMaxEscalationLevel int           `mapstructure:"ALERT_MAX_ESCALATION_LEVEL"`
	EscalationSweepInterval time.Duration `mapstructure:"ESCALATION_SWEEP_INTERVAL"`
	AutoResolveWarning      bool          `mapstructure:"AUTO_RESOLVE_WARNING"`
	AutoResolveCritical     bool          `mapstructure:"AUTO_RESOLVE_CRITICAL"`

	HistoryDefaultWindow time.Duration `mapstructure:"HISTORY_DEFAULT_WINDOW"`
	ScoreWindow          time.Duration `mapstructure:"SCORE_WINDOW"`

	PredictionConfidenceLevel float64 `mapstructure:"PREDICTION_CONFIDENCE_LEVEL"`
	PredictionDataQuality     float64 `mapstructure:"PREDICTION_DATA_QUALITY"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var defaults = map[string]interface{}{
	"PORT":                        "8000",
	"ENV":                         "development",
	"AUTH_MODE":                   "", // inferred from ENV
	"DB_MAX_CONNS":                20,
	"DB_MIN_CONNS":                5,
	"DEFAULT_TENANT":              "default",
	"CORS_ORIGINS":                "http://localhost:3000",
	"RATE_LIMIT_RPS":              100,
	"RATE_LIMIT_BURST":            200,
	"REQUEST_TIMEOUT":             "30s",
	"LOCK_TTL":                    "10s",
	"DIRECTORY_TIMEOUT":           "5s",
	"ALERT_DEDUP_WINDOW":          "15m",
	"ALERT_SLA_WARNING":           "15m",
	"ALERT_SLA_CRITICAL":          "5m",
	"ALERT_MAX_ESCALATION_LEVEL":  3,
	"ESCALATION_SWEEP_INTERVAL":   "1m",
	"AUTO_RESOLVE_WARNING":        true,
	"AUTO_RESOLVE_CRITICAL":       false,
	"HISTORY_DEFAULT_WINDOW":      "24h",
	"SCORE_WINDOW":                "168h",
	"PREDICTION_CONFIDENCE_LEVEL": 0.85,
	"PREDICTION_DATA_QUALITY":     0.90,
}

var envOnly = []string{
	"DATABASE_URL",
	"AUTH_ISSUER",
	"AUTH_JWKS_URL",
	"AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY",
	"REDIS_URL",
	"PATIENT_DIRECTORY_URL",
	"PATIENT_DIRECTORY_TOKEN",
	"TLS_ENABLED",
	"TLS_CERT_FILE",
	"TLS_KEY_FILE",
}

// Load reads .env (if present) and the environment. DATABASE_URL is the only
// key without a usable default.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		v.BindEnv(key)
	}
	for _, key := range envOnly {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE if set. Otherwise development runs
// without auth and every other environment requires JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	positive := map[string]time.Duration{
		"ALERT_DEDUP_WINDOW":        c.AlertDedupWindow,
		"ALERT_SLA_WARNING":         c.AlertSLAWarning,
		"ALERT_SLA_CRITICAL":        c.AlertSLACritical,
		"ESCALATION_SWEEP_INTERVAL": c.EscalationSweepInterval,
		"HISTORY_DEFAULT_WINDOW":    c.HistoryDefaultWindow,
		"SCORE_WINDOW":              c.ScoreWindow,
		"LOCK_TTL":                  c.LockTTL,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %s", key, d)
		}
	}
	if c.AlertMaxEscalationLevel < 1 {
		return fmt.Errorf("ALERT_MAX_ESCALATION_LEVEL must be at least 1, got %d", c.AlertMaxEscalationLevel)
	}
	if c.PredictionConfidenceLevel < 0 || c.PredictionConfidenceLevel > 1 {
		return fmt.Errorf("PREDICTION_CONFIDENCE_LEVEL must be within [0, 1], got %v", c.PredictionConfidenceLevel)
	}
	if c.PredictionDataQuality < 0 || c.PredictionDataQuality > 1 {
		return fmt.Errorf("PREDICTION_DATA_QUALITY must be within [0, 1], got %v", c.PredictionDataQuality)
	}

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
