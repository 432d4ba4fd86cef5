package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the immutable startup configuration for the gateway.
// It is constructed once in cmd/serve and passed into each component;
// nothing reads the environment after startup.
type Config struct {
	ListenAddr     string
	UpstreamURL    string
	UpstreamAPIKey string

	AdminPassword     string
	AdminPasswordHash string

	KeysFile     string
	SettingsFile string
	UsageDir     string

	TLSCertFile string
	TLSKeyFile  string
	ForceHTTPS  bool
	TrustProxy  bool

	UpstreamTimeout time.Duration

	// Seed values for the mutable settings store; the admin API can
	// change them at runtime.
	RateLimitRequests   int
	RateLimitWindow     time.Duration
	IPRateLimitRequests int
	IPRateLimitWindow   time.Duration
	KeyRateLimitDefault int
}

const (
	defaultUpstreamURL     = "http://localhost:8081"
	defaultPort            = 8080
	defaultKeysFile        = "/app/secrets/api_keys.json"
	defaultSettingsFile    = "/app/secrets/settings.toml"
	defaultUsageDir        = "/app/data/usage-db"
	defaultUpstreamTimeout = 300 * time.Second
)

// FromEnv builds a Config from environment variables with the
// documented defaults. Flags in cmd/serve may override fields after.
func FromEnv() *Config {
	cfg := &Config{
		ListenAddr:          fmt.Sprintf(":%d", envInt("PORT", defaultPort)),
		UpstreamURL:         envString("UPSTREAM_URL", defaultUpstreamURL),
		UpstreamAPIKey:      envString("PRIVATEMODE_API_KEY", ""),
		AdminPassword:       envString("ADMIN_PASSWORD", ""),
		AdminPasswordHash:   envString("ADMIN_PASSWORD_HASH", ""),
		KeysFile:            envString("API_KEYS_FILE", defaultKeysFile),
		SettingsFile:        envString("SETTINGS_FILE", defaultSettingsFile),
		UsageDir:            envString("USAGE_DIR", defaultUsageDir),
		TLSCertFile:         envString("TLS_CERT_FILE", ""),
		TLSKeyFile:          envString("TLS_KEY_FILE", ""),
		TrustProxy:          envBool("TRUST_PROXY", false),
		UpstreamTimeout:     time.Duration(envInt("UPSTREAM_TIMEOUT_SECONDS", int(defaultUpstreamTimeout/time.Second))) * time.Second,
		RateLimitRequests:   envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:     time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,
		IPRateLimitRequests: envInt("IP_RATE_LIMIT_REQUESTS", 1000),
		IPRateLimitWindow:   time.Duration(envInt("IP_RATE_LIMIT_WINDOW", 60)) * time.Second,
		KeyRateLimitDefault: envInt("KEY_RATE_LIMIT_REQUESTS", 0),
	}
	// Plaintext is only accepted when no certificate is configured;
	// FORCE_HTTPS defaults to on as soon as TLS material is present.
	cfg.ForceHTTPS = envBool("FORCE_HTTPS", cfg.TLSEnabled())
	return cfg
}

func (c *Config) TLSEnabled() bool {
	return strings.TrimSpace(c.TLSCertFile) != "" && strings.TrimSpace(c.TLSKeyFile) != ""
}

func (c *Config) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminPassword) != "" || strings.TrimSpace(c.AdminPasswordHash) != ""
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen address cannot be empty")
	}
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return errors.New("upstream url cannot be empty")
	}
	if !strings.HasPrefix(c.UpstreamURL, "http://") && !strings.HasPrefix(c.UpstreamURL, "https://") {
		return fmt.Errorf("upstream url %q must be http(s)", c.UpstreamURL)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls cert and key files must both be set or both be empty")
	}
	if c.TLSEnabled() {
		if _, err := os.Stat(c.TLSCertFile); err != nil {
			return fmt.Errorf("tls cert file: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyFile); err != nil {
			return fmt.Errorf("tls key file: %w", err)
		}
	}
	if c.UpstreamTimeout <= 0 {
		return errors.New("upstream timeout must be positive")
	}
	if c.RateLimitRequests <= 0 || c.IPRateLimitRequests <= 0 {
		return errors.New("default rate limits must be positive")
	}
	if c.RateLimitWindow <= 0 || c.IPRateLimitWindow <= 0 {
		return errors.New("rate limit windows must be positive")
	}
	return nil
}

func envString(name, fallback string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return fallback
	}
	switch v {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
