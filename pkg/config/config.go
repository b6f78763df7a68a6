package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the gateway.
//
// YAML example:
//   address: ":1700"
//   region: "filen"
//   authMode: "sigv4"
//   identity:
//     accessKeyId: "admin"
//     secretKey: "admin"
//   backend:
//     dataDir: "./data"
//
// Environment overrides use the FILENS3_ prefix; FILENS3_CONFIG points at
// the YAML file. When no file is given the loader tries ./config.yaml and
// falls back to defaults.
//
// Keep this struct stable; add new fields with sensible defaults.
type Config struct {
	Address   string          `yaml:"address"`
	Region    string          `yaml:"region"`
	AuthMode  string          `yaml:"authMode"` // "sigv4" or "none"
	Identity  IdentityConfig  `yaml:"identity"`
	TLS       TLSConfig       `yaml:"tls"`
	Backend   BackendConfig   `yaml:"backend"`
	Limits    LimitsConfig    `yaml:"limits"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Admin     AdminConfig     `yaml:"admin"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// IdentityConfig is the static credential pair SigV4 requests are checked
// against. The secret never appears in logs.
type IdentityConfig struct {
	AccessKeyID string `yaml:"accessKeyId"`
	SecretKey   string `yaml:"secretKey"`
}

// TLSConfig enables HTTPS on the S3 listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty"`
}

// BackendConfig selects where object data lives.
type BackendConfig struct {
	DataDir string `yaml:"dataDir"`
}

// LimitsConfig controls request size limits (bytes). Zero values fall back
// to built-in defaults.
type LimitsConfig struct {
	MaxBodyBytes int64 `yaml:"maxBodyBytes"` // e.g., 5368709120 (5 GiB)
}

// RateLimitConfig controls the fixed-window request limiter.
type RateLimitConfig struct {
	Enabled       bool   `yaml:"enabled"`
	WindowSeconds int    `yaml:"windowSeconds,omitempty"`
	Max           int    `yaml:"max,omitempty"`
	KeyMode       string `yaml:"keyMode,omitempty"` // "address" or "accessKey"
}

// ClusterConfig controls the multi-process supervisor. Workers <= 1 runs a
// single process without forking.
type ClusterConfig struct {
	Workers               int `yaml:"workers"`
	ReadyTimeoutSeconds   int `yaml:"readyTimeoutSeconds,omitempty"`
	RestartBackoffSeconds int `yaml:"restartBackoffSeconds,omitempty"`
}

// AdminConfig configures the admin stats surface (disabled by default).
type AdminConfig struct {
	Enabled bool       `yaml:"enabled"`
	OIDC    OIDCConfig `yaml:"oidc"`
}

// OIDCConfig configures admin OIDC verification.
type OIDCConfig struct {
	Issuer   string `yaml:"issuer,omitempty"`
	ClientID string `yaml:"clientID,omitempty"`
	JWKSURL  string `yaml:"jwksURL,omitempty"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`              // OTLP collector endpoint (host:port or URL)
	Protocol    string  `yaml:"protocol,omitempty"`    // "grpc" (default) or "http"
	SampleRatio float64 `yaml:"sampleRatio,omitempty"` // 0.0 - 1.0
	ServiceName string  `yaml:"serviceName,omitempty"` // override service.name
}

// Default returns a Config with safe, local defaults.
func Default() Config {
	return Config{
		Address:  ":1700",
		Region:   "filen",
		AuthMode: "sigv4",
		Backend: BackendConfig{
			DataDir: "./data",
		},
		Limits: LimitsConfig{
			MaxBodyBytes: 5 * 1024 * 1024 * 1024, // 5 GiB
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			WindowSeconds: 10,
			Max:           1000,
			KeyMode:       "accessKey",
		},
		Cluster: ClusterConfig{
			Workers:               1,
			ReadyTimeoutSeconds:   30,
			RestartBackoffSeconds: 1,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Protocol:    "grpc",
			SampleRatio: 0.0,
			ServiceName: "filen-s3",
		},
	}
}

// Load reads configuration from path. If path is empty, it attempts to read
// ./config.yaml; if not found, returns Default(). Environment overrides are
// applied last.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("FILENS3_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg = applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnsureDataDir creates the backend data directory with 0700 if missing.
func EnsureDataDir(cfg Config) error {
	if cfg.Backend.DataDir == "" {
		return nil
	}
	abs, err := filepath.Abs(cfg.Backend.DataDir)
	if err != nil {
		return fmt.Errorf("abs path %q: %w", cfg.Backend.DataDir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return fmt.Errorf("mkdir %q: %w", abs, err)
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.AuthMode != "none" && cfg.AuthMode != "sigv4" {
		return fmt.Errorf("config: invalid authMode %q", cfg.AuthMode)
	}
	if cfg.AuthMode == "sigv4" && (cfg.Identity.AccessKeyID == "" || cfg.Identity.SecretKey == "") {
		return errors.New("config: authMode sigv4 requires identity.accessKeyId and identity.secretKey")
	}
	if cfg.TLS.Enabled && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return errors.New("config: tls requires certFile and keyFile")
	}
	if m := cfg.RateLimit.KeyMode; m != "" && m != "address" && m != "accessKey" {
		return fmt.Errorf("config: invalid rateLimit.keyMode %q", m)
	}
	return nil
}

func applyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("FILENS3_ADDR"); v != "" {
		cfg.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_REGION"); v != "" {
		cfg.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_AUTH_MODE"); v != "" {
		mode := strings.ToLower(strings.TrimSpace(v))
		if mode == "none" || mode == "sigv4" {
			cfg.AuthMode = mode
		}
	}
	if v := os.Getenv("FILENS3_ACCESS_KEY_ID"); v != "" {
		cfg.Identity.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_SECRET_KEY"); v != "" {
		cfg.Identity.SecretKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_DATA_DIR"); v != "" {
		cfg.Backend.DataDir = strings.TrimSpace(v)
	}
	if b, ok := envBool("FILENS3_TLS_ENABLED"); ok {
		cfg.TLS.Enabled = b
	}
	if v := os.Getenv("FILENS3_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_MAX_BODY_BYTES"); v != "" {
		if x, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && x > 0 {
			cfg.Limits.MaxBodyBytes = x
		}
	}

	// Rate limiter overrides
	if b, ok := envBool("FILENS3_RATELIMIT_ENABLED"); ok {
		cfg.RateLimit.Enabled = b
	}
	if v := os.Getenv("FILENS3_RATELIMIT_WINDOW_SECONDS"); v != "" {
		if x, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && x > 0 {
			cfg.RateLimit.WindowSeconds = x
		}
	}
	if v := os.Getenv("FILENS3_RATELIMIT_MAX"); v != "" {
		if x, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && x > 0 {
			cfg.RateLimit.Max = x
		}
	}
	if v := os.Getenv("FILENS3_RATELIMIT_KEY_MODE"); v != "" {
		m := strings.ToLower(strings.TrimSpace(v))
		if m == "address" || m == "accesskey" {
			if m == "accesskey" {
				m = "accessKey"
			}
			cfg.RateLimit.KeyMode = m
		}
	}

	// Cluster overrides
	if v := os.Getenv("FILENS3_CLUSTER_WORKERS"); v != "" {
		if x, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && x > 0 {
			cfg.Cluster.Workers = x
		}
	}
	if v := os.Getenv("FILENS3_CLUSTER_READY_TIMEOUT_SECONDS"); v != "" {
		if x, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && x > 0 {
			cfg.Cluster.ReadyTimeoutSeconds = x
		}
	}

	// Admin overrides
	if b, ok := envBool("FILENS3_ADMIN_ENABLED"); ok {
		cfg.Admin.Enabled = b
	}
	if v := os.Getenv("FILENS3_OIDC_ISSUER"); v != "" {
		cfg.Admin.OIDC.Issuer = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_OIDC_CLIENT_ID"); v != "" {
		cfg.Admin.OIDC.ClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_OIDC_JWKS_URL"); v != "" {
		cfg.Admin.OIDC.JWKSURL = strings.TrimSpace(v)
	}

	// Tracing overrides
	if b, ok := envBool("FILENS3_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = b
	}
	if v := os.Getenv("FILENS3_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("FILENS3_TRACING_PROTOCOL"); v != "" {
		p := strings.ToLower(strings.TrimSpace(v))
		if p == "grpc" || p == "http" {
			cfg.Tracing.Protocol = p
		}
	}
	if v := os.Getenv("FILENS3_TRACING_SAMPLE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			if f < 0 {
				f = 0
			}
			if f > 1 {
				f = 1
			}
			cfg.Tracing.SampleRatio = f
		}
	}
	if v := os.Getenv("FILENS3_TRACING_SERVICE"); v != "" {
		cfg.Tracing.ServiceName = strings.TrimSpace(v)
	}

	return cfg
}

func envBool(name string) (value, ok bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}
