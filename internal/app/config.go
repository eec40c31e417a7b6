package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the CredKit backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Auth        AuthConfig        `mapstructure:"auth"`
	OTP         OTPConfig         `mapstructure:"otp"`
	Email       EmailConfig       `mapstructure:"email"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int               `mapstructure:"port"`
	LogLevel  string            `mapstructure:"log_level"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
}

// RateLimitSettings controls the per-client request throttle.
type RateLimitSettings struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT       JWTSettings       `mapstructure:"jwt"`
	Session   SessionSettings   `mapstructure:"session"`
	Local     LocalAuthSettings `mapstructure:"local"`
	Tokens    TokenSettings     `mapstructure:"tokens"`
	Providers ProvidersConfig   `mapstructure:"providers"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// SessionSettings configures refresh tokens and session lifetimes.
type SessionSettings struct {
	RefreshTTL    time.Duration `mapstructure:"refresh_token_ttl"`
	RefreshLength int           `mapstructure:"refresh_token_length"`
}

// LocalAuthSettings defines controls for the local auth provider.
type LocalAuthSettings struct {
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

// TokenSettings configures purpose-scoped email tokens and the links they
// are embedded into.
type TokenSettings struct {
	VerificationTTL time.Duration `mapstructure:"verification_ttl"`
	ResetTTL        time.Duration `mapstructure:"reset_ttl"`
	VerificationURL string        `mapstructure:"verification_url"`
	ResetURL        string        `mapstructure:"reset_url"`
}

// ProvidersConfig enables external identity providers.
type ProvidersConfig struct {
	Google    GoogleProviderSettings    `mapstructure:"google"`
	Facebook  FacebookProviderSettings  `mapstructure:"facebook"`
	Microsoft MicrosoftProviderSettings `mapstructure:"microsoft"`
}

// GoogleProviderSettings configures Google ID-token sign-in.
type GoogleProviderSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	ClientID string `mapstructure:"client_id"`
}

// FacebookProviderSettings configures Facebook access-token sign-in.
type FacebookProviderSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	GraphURL string `mapstructure:"graph_url"`
}

// MicrosoftProviderSettings configures the Microsoft auth-code flow.
type MicrosoftProviderSettings struct {
	Enabled      bool   `mapstructure:"enabled"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TenantID     string `mapstructure:"tenant_id"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// OTPConfig controls one-time passcode issuance and verification.
type OTPConfig struct {
	CodeLength  int           `mapstructure:"code_length"`
	TTL         time.Duration `mapstructure:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RateCeiling int           `mapstructure:"rate_ceiling"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MaintenanceConfig schedules background cleanup jobs.
type MaintenanceConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	RetentionSchedule  string        `mapstructure:"retention_schedule"`
	UsedRetention      time.Duration `mapstructure:"used_retention"`
	AuditRetentionDays int           `mapstructure:"audit_retention_days"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CREDKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.rate_limit.max_requests", 100)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/credkit.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.session.refresh_token_ttl", "720h") // 30 days
	v.SetDefault("auth.session.refresh_token_length", 48)
	v.SetDefault("auth.local.lockout_threshold", 5)
	v.SetDefault("auth.local.lockout_duration", "15m")
	v.SetDefault("auth.tokens.verification_ttl", "24h")
	v.SetDefault("auth.tokens.reset_ttl", "1h")
	v.SetDefault("auth.tokens.verification_url", "http://localhost:3000/verify-email")
	v.SetDefault("auth.tokens.reset_url", "http://localhost:3000/reset-password")
	v.SetDefault("auth.providers.microsoft.tenant_id", "common")

	v.SetDefault("otp.code_length", 6)
	v.SetDefault("otp.ttl", "15m")
	v.SetDefault("otp.max_attempts", 3)
	v.SetDefault("otp.rate_ceiling", 5)
	v.SetDefault("otp.rate_window", "1h")

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.sweep_schedule", "@hourly")
	v.SetDefault("maintenance.retention_schedule", "@daily")
	v.SetDefault("maintenance.used_retention", "168h") // 7 days
	v.SetDefault("maintenance.audit_retention_days", 90)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
