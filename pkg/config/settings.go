package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Settings are the runtime-mutable rate limit defaults. They start
// from Config and can be changed through the admin API; changes are
// persisted so they survive restarts.
type Settings struct {
	RateLimitRequests        int `toml:"rate_limit_requests" json:"rate_limit_requests"`
	RateLimitWindowSeconds   int `toml:"rate_limit_window" json:"rate_limit_window"`
	IPRateLimitRequests      int `toml:"ip_rate_limit_requests" json:"ip_rate_limit_requests"`
	IPRateLimitWindowSeconds int `toml:"ip_rate_limit_window" json:"ip_rate_limit_window"`
	// Default per-key limit; 0 means no per-key limiting unless a key
	// carries its own override.
	KeyRateLimitRequests int `toml:"key_rate_limit_requests" json:"key_rate_limit_requests"`
}

func (s Settings) RateLimitWindow() time.Duration {
	return time.Duration(s.RateLimitWindowSeconds) * time.Second
}

func (s Settings) IPRateLimitWindow() time.Duration {
	return time.Duration(s.IPRateLimitWindowSeconds) * time.Second
}

func (s *Settings) Validate() error {
	if s.RateLimitRequests <= 0 {
		return errors.New("rate_limit_requests must be > 0")
	}
	if s.RateLimitWindowSeconds <= 0 {
		return errors.New("rate_limit_window must be > 0")
	}
	if s.IPRateLimitRequests <= 0 {
		return errors.New("ip_rate_limit_requests must be > 0")
	}
	if s.IPRateLimitWindowSeconds <= 0 {
		return errors.New("ip_rate_limit_window must be > 0")
	}
	if s.KeyRateLimitRequests < 0 {
		return errors.New("key_rate_limit_requests must be >= 0")
	}
	return nil
}

// SettingsStore serializes mutations and persists them as TOML.
// Readers get value copies so a writer can never expose a
// half-updated settings struct.
type SettingsStore struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// OpenSettingsStore loads the settings file if it exists, otherwise
// starts from the seed values. A missing file is not an error; a
// malformed one is.
func OpenSettingsStore(path string, seed Settings) (*SettingsStore, error) {
	s := &SettingsStore{path: path, settings: seed}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var loaded Settings
	if err := toml.Unmarshal(b, &loaded); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	s.settings = loaded
	return s, nil
}

func SeedFromConfig(cfg *Config) Settings {
	return Settings{
		RateLimitRequests:        cfg.RateLimitRequests,
		RateLimitWindowSeconds:   int(cfg.RateLimitWindow / time.Second),
		IPRateLimitRequests:      cfg.IPRateLimitRequests,
		IPRateLimitWindowSeconds: int(cfg.IPRateLimitWindow / time.Second),
		KeyRateLimitRequests:     cfg.KeyRateLimitDefault,
	}
}

func (s *SettingsStore) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update mutates a copy, validates it, saves it, and only then swaps
// it in. A failed mutation or save leaves the previous settings in
// force.
func (s *SettingsStore) Update(mutator func(*Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.settings
	if err := mutator(&cp); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := saveTOML(s.path, &cp); err != nil {
		return err
	}
	s.settings = cp
	return nil
}

func saveTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	b, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
