package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y", 3}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	cfg, problems := Load("console", 3000)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %#v", problems)
	}
	if cfg.HTTPPort != 3000 || cfg.ServiceName != "console" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HydrationTimeout().Milliseconds() != 1000 {
		t.Fatalf("expected 1s hydration timeout, got %v", cfg.HydrationTimeout())
	}
	if cfg.ChatPollInterval().Seconds() != 30 {
		t.Fatalf("expected 30s poll, got %v", cfg.ChatPollInterval())
	}
	if cfg.StorageBackend != StorageMemory {
		t.Fatalf("expected memory storage, got %q", cfg.StorageBackend)
	}
}

func TestLoadMissingEnvIsAProblem(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", "")
	cfg, problems := Load("console", 3000)
	if cfg.Env != "dev" {
		t.Fatalf("expected dev fallback, got %q", cfg.Env)
	}
	if !hasProblem(problems, "ENV") {
		t.Fatalf("expected ENV problem, got %#v", problems)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "console.json")
	data := `{
  "ENV": "staging",
  "API_BASE_URL": "http://backend:8000/",
  "API_RETRY_MAX": 3,
  "COOKIE_SECURE": true,
  "KAFKA_BROKERS": ["k1:9092", "k2:9092"],
  "CHAT_POLL_INTERVAL_SECONDS": "15"
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("API_RETRY_MAX", "0")

	cfg, problems := Load("console", 3000)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %#v", problems)
	}
	if cfg.Env != "staging" {
		t.Fatalf("expected env from file, got %q", cfg.Env)
	}
	if cfg.APIBaseURL != "http://backend:8000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.APIRetryMax != 0 {
		t.Fatalf("expected env to override file, got %d", cfg.APIRetryMax)
	}
	if !cfg.CookieSecure || len(cfg.KafkaBrokers) != 2 || cfg.ChatPollSec != 15 {
		t.Fatalf("unexpected file values: %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HTTP_PORT", "70000")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("HYDRATION_TIMEOUT_MS", "abc")

	cfg, problems := Load("console", 3000)
	if cfg.HTTPPort != 3000 {
		t.Fatalf("expected port reset to default, got %d", cfg.HTTPPort)
	}
	for _, field := range []string{"HTTP_PORT", "REDIS_ADDR", "HYDRATION_TIMEOUT_MS"} {
		if !hasProblem(problems, field) {
			t.Fatalf("expected problem for %s, got %#v", field, problems)
		}
	}
}

func hasProblem(problems []Problem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}
