package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CALSYNC"

type Config struct {
	ListenAddr string

	DB struct {
		DSN      string
		MaxConns int32
	}

	Google struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
	}

	Microsoft struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
		Tenant       string
	}

	CalDAV struct {
		Endpoint string
	}

	Sync     SyncConfig
	Retry    RetryConfig
	Security struct {
		TokenKey  []byte
		APISecret string
	}

	PrometheusEnabled bool
	APIRateLimit      float64
}

// SyncConfig holds scheduler and worker tuning.
type SyncConfig struct {
	ImmediateSchedule    string
	ExtendedSchedule     string
	WorkerPoolSize       int
	ConnectionsPerJob    int
	JobTimeout           time.Duration
	PageTimeout          time.Duration
	TokenSafetyMargin    time.Duration
	PastWindow           time.Duration
	FutureWindow         time.Duration
	FallbackPastWindow   time.Duration
	FallbackFutureWindow time.Duration
	ProviderRPS          float64
	ProviderBurst        int
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.host", "")
	v.SetDefault("db.name", "")
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_url", "http://localhost:8080/calendar/auth/google/callback")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.redirect_url", "http://localhost:8080/calendar/auth/microsoft/callback")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("caldav.endpoint", "https://caldav.icloud.com/")

	v.SetDefault("sync.immediate_schedule", "@every 1m")
	v.SetDefault("sync.extended_schedule", "@every 10m")
	v.SetDefault("sync.worker_pool_size", 16)
	v.SetDefault("sync.connections_per_job", 4)
	v.SetDefault("sync.job_timeout", 5*time.Minute)
	v.SetDefault("sync.page_timeout", 30*time.Second)
	v.SetDefault("sync.token_safety_margin", 2*time.Minute)
	v.SetDefault("sync.past_window", 30*24*time.Hour)
	v.SetDefault("sync.future_window", 180*24*time.Hour)
	v.SetDefault("sync.fallback_past_window", 7*24*time.Hour)
	v.SetDefault("sync.fallback_future_window", 30*24*time.Hour)
	v.SetDefault("sync.provider_rps", 10.0)
	v.SetDefault("sync.provider_burst", 20)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("security.token_key", "")
	v.SetDefault("security.api_secret", "")

	v.SetDefault("prometheus_enabled", false)
	v.SetDefault("api_rate_limit", 5.0)
}

// New returns a viper instance bound to CALSYNC_* environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)
	return v
}

// Load reads .env (if present) and the environment, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(New())
}

// FromViper builds a validated Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	cfg.ListenAddr = v.GetString("listen_addr")

	cfg.DB.DSN = v.GetString("db.dsn")
	cfg.DB.MaxConns = v.GetInt32("db.max_conns")
	if cfg.DB.DSN == "" {
		var missing []string
		for _, key := range []string{"db.host", "db.name", "db.user", "db.password"} {
			if v.GetString(key) == "" {
				missing = append(missing, envName(key))
			}
		}
		if len(missing) == 0 {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
				v.GetString("db.user"), v.GetString("db.password"), v.GetString("db.host"),
				v.GetString("db.port"), v.GetString("db.name"), v.GetString("db.sslmode"))
		}
	}

	cfg.Google.ClientID = v.GetString("google.client_id")
	cfg.Google.ClientSecret = v.GetString("google.client_secret")
	cfg.Google.RedirectURL = v.GetString("google.redirect_url")
	cfg.Microsoft.ClientID = v.GetString("microsoft.client_id")
	cfg.Microsoft.ClientSecret = v.GetString("microsoft.client_secret")
	cfg.Microsoft.RedirectURL = v.GetString("microsoft.redirect_url")
	cfg.Microsoft.Tenant = v.GetString("microsoft.tenant")
	cfg.CalDAV.Endpoint = v.GetString("caldav.endpoint")

	cfg.Sync = SyncConfig{
		ImmediateSchedule:    v.GetString("sync.immediate_schedule"),
		ExtendedSchedule:     v.GetString("sync.extended_schedule"),
		WorkerPoolSize:       v.GetInt("sync.worker_pool_size"),
		ConnectionsPerJob:    v.GetInt("sync.connections_per_job"),
		JobTimeout:           v.GetDuration("sync.job_timeout"),
		PageTimeout:          v.GetDuration("sync.page_timeout"),
		TokenSafetyMargin:    v.GetDuration("sync.token_safety_margin"),
		PastWindow:           v.GetDuration("sync.past_window"),
		FutureWindow:         v.GetDuration("sync.future_window"),
		FallbackPastWindow:   v.GetDuration("sync.fallback_past_window"),
		FallbackFutureWindow: v.GetDuration("sync.fallback_future_window"),
		ProviderRPS:          v.GetFloat64("sync.provider_rps"),
		ProviderBurst:        v.GetInt("sync.provider_burst"),
	}
	cfg.Retry = RetryConfig{
		MaxAttempts: v.GetInt("retry.max_attempts"),
		BaseDelay:   v.GetDuration("retry.base_delay"),
		MaxDelay:    v.GetDuration("retry.max_delay"),
		Jitter:      v.GetFloat64("retry.jitter"),
	}
	cfg.Security.APISecret = v.GetString("security.api_secret")
	cfg.PrometheusEnabled = v.GetBool("prometheus_enabled")
	cfg.APIRateLimit = v.GetFloat64("api_rate_limit")

	if cfg.DB.DSN == "" {
		return nil, fmt.Errorf("%s is required (or set %s, %s, %s, and %s)", envName("db.dsn"),
			envName("db.host"), envName("db.name"), envName("db.user"), envName("db.password"))
	}

	key, err := decodeKey(v.GetString("security.token_key"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envName("security.token_key"), err)
	}
	cfg.Security.TokenKey = key

	if cfg.Security.APISecret == "" {
		return nil, fmt.Errorf("%s is required", envName("security.api_secret"))
	}
	if len(cfg.Security.APISecret) < 32 {
		return nil, fmt.Errorf("%s must be at least 32 characters long (got %d)", envName("security.api_secret"), len(cfg.Security.APISecret))
	}

	if err := cfg.Sync.validate(); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("%s must be at least 1", envName("retry.max_attempts"))
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter >= 1 {
		return nil, fmt.Errorf("%s must be in [0, 1)", envName("retry.jitter"))
	}
	return cfg, nil
}

func (s SyncConfig) validate() error {
	if s.ImmediateSchedule == "" || s.ExtendedSchedule == "" {
		return errors.New("sync schedules must not be empty")
	}
	if s.WorkerPoolSize < 1 {
		return fmt.Errorf("%s must be at least 1", envName("sync.worker_pool_size"))
	}
	if s.ConnectionsPerJob < 1 {
		return fmt.Errorf("%s must be at least 1", envName("sync.connections_per_job"))
	}
	for key, d := range map[string]time.Duration{
		"sync.job_timeout":            s.JobTimeout,
		"sync.page_timeout":           s.PageTimeout,
		"sync.past_window":            s.PastWindow,
		"sync.future_window":          s.FutureWindow,
		"sync.fallback_past_window":   s.FallbackPastWindow,
		"sync.fallback_future_window": s.FallbackFutureWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", envName(key))
		}
	}
	if s.TokenSafetyMargin < 0 {
		return fmt.Errorf("%s must not be negative", envName("sync.token_safety_margin"))
	}
	return nil
}

// decodeKey accepts a 32-byte key as hex or standard base64.
func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("is required")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, errors.New("must be 32 bytes encoded as hex or base64")
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
