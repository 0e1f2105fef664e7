package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_REALTIME_DEPLOYMENT", "gpt-4o-realtime")
	t.Setenv("AZURE_OPENAI_API_KEY", "test-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.Store != StoreMemory {
		t.Errorf("expected memory store, got %q", cfg.Session.Store)
	}
	if cfg.Session.Expiry != 24*time.Hour {
		t.Errorf("expected 24h expiry, got %s", cfg.Session.Expiry)
	}
	if cfg.Realtime.ToolDelivery != DeliveryListener {
		t.Errorf("expected listener delivery, got %q", cfg.Realtime.ToolDelivery)
	}
	if cfg.Realtime.Session.Voice != "echo" {
		t.Errorf("expected echo voice, got %q", cfg.Realtime.Session.Voice)
	}
}

func TestLoadRequiresCredential(t *testing.T) {
	setRequired(t)
	t.Setenv("AZURE_OPENAI_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without key or token file")
	}

	t.Setenv("AZURE_OPENAI_TOKEN_FILE", "/var/run/secrets/token")
	if _, err := Load(); err != nil {
		t.Fatalf("expected token file to satisfy credentials: %v", err)
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_STORE", "etcd")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown store")
	}
}

func TestGetEnvDurationAcceptsSeconds(t *testing.T) {
	t.Setenv("TEST_DURATION", "90")
	if got := getEnvDuration("TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %s", got)
	}
	t.Setenv("TEST_DURATION", "2m")
	if got := getEnvDuration("TEST_DURATION", time.Minute); got != 2*time.Minute {
		t.Errorf("expected 2m, got %s", got)
	}
	t.Setenv("TEST_DURATION", "soon")
	if got := getEnvDuration("TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("expected fallback, got %s", got)
	}
}

func TestSettingsOverlay(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	body := "instructions: be brief\nvoice: alloy\ntemperature: 0.7\nmax_response_output_tokens: 512\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("REALTIME_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	s := cfg.Realtime.Session
	if s.Instructions != "be brief" || s.Voice != "alloy" {
		t.Errorf("overlay strings not applied: %+v", s)
	}
	if s.Temperature == nil || *s.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", s.Temperature)
	}
	if s.MaxTokens == nil || *s.MaxTokens != 512 {
		t.Errorf("expected max tokens 512, got %v", s.MaxTokens)
	}
	if s.DisableAudio != nil {
		t.Errorf("expected disable_audio untouched, got %v", *s.DisableAudio)
	}
}
