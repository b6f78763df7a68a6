package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.AuthMode = "none"
	if err := validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
address: ":9000"
region: "eu-central"
authMode: "sigv4"
identity:
  accessKeyId: "AK"
  secretKey: "SK"
backend:
  dataDir: "/tmp/filen-data"
rateLimit:
  enabled: false
cluster:
  workers: 4
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":9000" || cfg.Region != "eu-central" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Identity.AccessKeyID != "AK" || cfg.Identity.SecretKey != "SK" {
		t.Fatalf("identity not loaded: %+v", cfg.Identity)
	}
	if cfg.RateLimit.Enabled {
		t.Fatalf("rate limit should be disabled")
	}
	if cfg.Cluster.Workers != 4 {
		t.Fatalf("workers = %d", cfg.Cluster.Workers)
	}
	// untouched fields keep defaults
	if cfg.Limits.MaxBodyBytes != 5*1024*1024*1024 {
		t.Fatalf("max body bytes = %d", cfg.Limits.MaxBodyBytes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FILENS3_ADDR", ":1701")
	t.Setenv("FILENS3_AUTH_MODE", "none")
	t.Setenv("FILENS3_RATELIMIT_MAX", "42")
	t.Setenv("FILENS3_TRACING_SAMPLE", "2.0")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":1701" {
		t.Fatalf("address = %q", cfg.Address)
	}
	if cfg.AuthMode != "none" {
		t.Fatalf("auth mode = %q", cfg.AuthMode)
	}
	if cfg.RateLimit.Max != 42 {
		t.Fatalf("rate limit max = %d", cfg.RateLimit.Max)
	}
	if cfg.Tracing.SampleRatio != 1.0 {
		t.Fatalf("sample ratio not clamped: %v", cfg.Tracing.SampleRatio)
	}
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	cfg := Default()
	if err := validate(cfg); err == nil {
		t.Fatalf("sigv4 without identity must fail validation")
	}
}

func TestValidateRejectsBadKeyMode(t *testing.T) {
	cfg := Default()
	cfg.AuthMode = "none"
	cfg.RateLimit.KeyMode = "user"
	if err := validate(cfg); err == nil {
		t.Fatalf("invalid key mode must fail validation")
	}
}
