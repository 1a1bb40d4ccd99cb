package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "CEDARS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "cedars.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "cedars"
	defaultCookieName        = "cedars_session"
	defaultTokenTTLMinutes   = 480
	defaultDispatchWorkers   = 4
	defaultDispatchAttempts  = 3
	defaultInitialBackoff    = time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultScoringTimeout    = 30 * time.Second
	maxDispatchAttemptsLimit = 10
)

// AppConfig captures runtime configuration for the adjudication server.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	DatabasePath     string
	LogLevel         string
	AuthSigningKey   string
	AuthIssuer       string
	AuthCookieName   string
	TokenTTL         time.Duration
	DispatchWorkers  int
	DispatchAttempts int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	ScoringEnabled   bool
	ScoringURL       string
	ScoringRelease   string
	ScoringToken     string
	ScoringTimeout   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("dispatcher.workers", defaultDispatchWorkers)
	configViper.SetDefault("dispatcher.max_attempts", defaultDispatchAttempts)
	configViper.SetDefault("dispatcher.initial_backoff", defaultInitialBackoff)
	configViper.SetDefault("dispatcher.max_backoff", defaultMaxBackoff)
	configViper.SetDefault("scoring.enabled", false)
	configViper.SetDefault("scoring.timeout", defaultScoringTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AllowedOrigins:   configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		AuthSigningKey:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:       configViper.GetString("auth.issuer"),
		AuthCookieName:   configViper.GetString("auth.cookie_name"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DispatchWorkers:  configViper.GetInt("dispatcher.workers"),
		DispatchAttempts: configViper.GetInt("dispatcher.max_attempts"),
		InitialBackoff:   configViper.GetDuration("dispatcher.initial_backoff"),
		MaxBackoff:       configViper.GetDuration("dispatcher.max_backoff"),
		ScoringEnabled:   configViper.GetBool("scoring.enabled"),
		ScoringURL:       strings.TrimSpace(configViper.GetString("scoring.url")),
		ScoringRelease:   strings.TrimSpace(configViper.GetString("scoring.release_url")),
		ScoringToken:     configViper.GetString("scoring.token"),
		ScoringTimeout:   configViper.GetDuration("scoring.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive")
	}
	if c.DispatchAttempts <= 0 || c.DispatchAttempts > maxDispatchAttemptsLimit {
		return fmt.Errorf("dispatcher.max_attempts must be between 1 and %d", maxDispatchAttemptsLimit)
	}
	if c.ScoringEnabled && c.ScoringURL == "" {
		return fmt.Errorf("scoring.url is required when scoring is enabled")
	}
	return nil
}
