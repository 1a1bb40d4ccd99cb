package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DispatchAttempts != 3 {
		t.Fatalf("expected three dispatch attempts, got %d", cfg.DispatchAttempts)
	}
	if cfg.TokenTTL != 8*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.InitialBackoff != time.Second {
		t.Fatalf("unexpected initial backoff %s", cfg.InitialBackoff)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(values map[string]any)
	}{
		{
			name:   "missing-signing-secret",
			mutate: func(values map[string]any) { delete(values, "auth.signing_secret") },
		},
		{
			name:   "zero-workers",
			mutate: func(values map[string]any) { values["dispatcher.workers"] = 0 },
		},
		{
			name:   "too-many-attempts",
			mutate: func(values map[string]any) { values["dispatcher.max_attempts"] = 50 },
		},
		{
			name:   "unknown-log-level",
			mutate: func(values map[string]any) { values["log.level"] = "verbose" },
		},
		{
			name:   "scoring-without-url",
			mutate: func(values map[string]any) { values["scoring.enabled"] = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]any{"auth.signing_secret": "secret"}
			tt.mutate(values)
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadReadsAllowedOrigins(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("http.allowed_origins", []string{"https://review.example.com"})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://review.example.com" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}
