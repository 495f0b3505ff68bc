package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RetrievalStrategy != "hybrid" {
		t.Fatalf("expected default strategy hybrid, got %s", cfg.RetrievalStrategy)
	}
	if cfg.SessionMaxMessages != 10 {
		t.Fatalf("expected default session cap 10, got %d", cfg.SessionMaxMessages)
	}
	if cfg.AlertInterval != 5*time.Minute {
		t.Fatalf("expected default alert interval 5m, got %s", cfg.AlertInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LORELINE_PORT", "9090")
	t.Setenv("LORELINE_SESSION_TTL", "2h")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Fatalf("expected session ttl 2h, got %s", cfg.SessionTTL)
	}
	if cfg.LLMTemperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", cfg.LLMTemperature)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("LORELINE_PORT", "not-a-number")
	t.Setenv("LORELINE_SESSION_TTL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected fallback port 8080, got %d", cfg.Port)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("expected fallback ttl 24h, got %s", cfg.SessionTTL)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := cfg
	bad.DatabaseURL = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}

	bad = cfg
	bad.SessionMaxChars = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero session char cap")
	}

	bad = cfg
	bad.RetrievalTrgmWeight = 0
	bad.RetrievalQdrantWeight = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero retrieval weights")
	}
}
