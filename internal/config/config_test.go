package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.IsProduction() {
		t.Fatal("defaults must not be production")
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kassa.yaml")
	yaml := "environment: production\nhttp:\n  addr: \":9090\"\naudit:\n  retention_days: 30\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KASSA_AUDIT_RETENTION_DAYS", "45")
	t.Setenv("KASSA_SESSION_TTL", "2h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production, got %q", cfg.Environment)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("file layer not applied: %q", cfg.HTTP.Addr)
	}
	if cfg.Audit.RetentionDays != 45 {
		t.Fatalf("env must override file, got %d", cfg.Audit.RetentionDays)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Fatalf("env duration not applied: %v", cfg.Session.TTL)
	}
	if cfg.DB.MaxOpenConns != 16 {
		t.Fatalf("default layer lost: %d", cfg.DB.MaxOpenConns)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"environment", func(c *Config) { c.Environment = "staging" }},
		{"addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"dsn", func(c *Config) { c.DB.DSN = "" }},
		{"session ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"bcrypt cost", func(c *Config) { c.Session.BcryptCost = 2 }},
		{"csrf ttl", func(c *Config) { c.CSRF.TokenTTL = 0 }},
		{"retention", func(c *Config) { c.Audit.RetentionDays = 0 }},
		{"critical retention", func(c *Config) { c.Audit.CriticalRetentionDays = 1 }},
		{"batch size", func(c *Config) { c.Audit.CleanupBatchSize = 0 }},
		{"payments provider", func(c *Config) { c.Payments.Provider = "stripe" }},
		{"gateway url", func(c *Config) { c.Payments.Provider = "gateway" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
