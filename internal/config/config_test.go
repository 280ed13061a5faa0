package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Server.Port)
	}
	if !cfg.RateLimit.Enabled {
		t.Fatal("rate limiting should default on")
	}
	if cfg.Cache.TTL().Seconds() != 3600 {
		t.Fatalf("unexpected cache ttl: %v", cfg.Cache.TTL())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DATABASE_URL", "postgres://localhost/airlift")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("PORT override ignored: %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://localhost/airlift" {
		t.Fatalf("DATABASE_URL override ignored: %q", cfg.Database.URL)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "server:\n  port: 9000\ncache:\n  ttl_seconds: 60\nauth_secret: filesecret\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("AUTH_SECRET", "envsecret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("file port ignored: %d", cfg.Server.Port)
	}
	if cfg.Cache.TTLSeconds != 60 {
		t.Fatalf("file ttl ignored: %d", cfg.Cache.TTLSeconds)
	}
	// Environment wins over the file.
	if cfg.AuthSecret != "envsecret" {
		t.Fatalf("expected env to win, got %q", cfg.AuthSecret)
	}
}

func TestInvalidPortRejected(t *testing.T) {
	t.Setenv("PORT", "70000")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
