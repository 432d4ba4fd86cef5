// Package keystore holds the authoritative set of API keys. The
// active set is an immutable snapshot behind an atomic pointer:
// authentication is lock-free and never observes a partially applied
// reload, upsert, or revoke.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnknownKey  = errors.New("unknown api key")
	ErrKeyDisabled = errors.New("api key disabled")
	ErrKeyExpired  = errors.New("api key expired")
	ErrNotFound    = errors.New("key id not found")
)

// RateLimitUnlimited disables per-key rate limiting for a key. Zero or
// absent means "use the service default", never unlimited.
const RateLimitUnlimited = -1

// Record is one API key with its policy attributes. KeyID is assigned
// at creation and never reused; Secret must be unique across all
// non-removed records. Removed records stay in the backing file so
// historical usage can still be attributed.
type Record struct {
	KeyID       string     `json:"key_id"`
	Secret      string     `json:"key"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RateLimit   int        `json:"rate_limit,omitempty"`
	Enabled     bool       `json:"enabled"`
	Removed     bool       `json:"removed,omitempty"`
}

// RedactedSecret shows only the last four characters.
func (r Record) RedactedSecret() string {
	if len(r.Secret) <= 4 {
		return "****"
	}
	return "****" + r.Secret[len(r.Secret)-4:]
}

func (r Record) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

type keySet struct {
	records  []Record
	bySecret map[string]int
	byID     map[string]int
}

type keysFile struct {
	Keys []Record `json:"keys"`
}

// Store owns the key set. Mutations (Reload, Upsert, Revoke, Delete)
// are serialized by mu, build a fully formed replacement set, persist
// it, and publish it with a single pointer swap.
type Store struct {
	mu     sync.Mutex
	path   string
	active atomic.Pointer[keySet]
	now    func() time.Time
}

// Open reads the backing file at path. A missing file yields an empty
// store (keys can be added through the admin API); a malformed file is
// an error so startup can fail fast.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: func() time.Time { return time.Now().UTC() }}
	set, err := loadSet(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.active.Store(&keySet{bySecret: map[string]int{}, byID: map[string]int{}})
			return s, nil
		}
		return nil, err
	}
	s.active.Store(set)
	return s, nil
}

func loadSet(path string) (*keySet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f keysFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse keys file %s: %w", path, err)
	}
	return buildSet(f.Keys)
}

func buildSet(records []Record) (*keySet, error) {
	set := &keySet{
		records:  make([]Record, 0, len(records)),
		bySecret: make(map[string]int, len(records)),
		byID:     make(map[string]int, len(records)),
	}
	for _, r := range records {
		r.KeyID = strings.TrimSpace(r.KeyID)
		r.Secret = strings.TrimSpace(r.Secret)
		r.DisplayName = strings.TrimSpace(r.DisplayName)
		if r.KeyID == "" {
			return nil, errors.New("key_id cannot be empty")
		}
		if r.Secret == "" {
			return nil, fmt.Errorf("key %q has empty secret", r.KeyID)
		}
		if r.CreatedAt.IsZero() {
			return nil, fmt.Errorf("key %q has no created_at", r.KeyID)
		}
		if r.RateLimit < RateLimitUnlimited {
			return nil, fmt.Errorf("key %q has invalid rate_limit %d", r.KeyID, r.RateLimit)
		}
		if _, dup := set.byID[r.KeyID]; dup {
			return nil, fmt.Errorf("duplicate key_id %q", r.KeyID)
		}
		idx := len(set.records)
		set.byID[r.KeyID] = idx
		if !r.Removed {
			if _, dup := set.bySecret[r.Secret]; dup {
				return nil, fmt.Errorf("duplicate secret for key_id %q", r.KeyID)
			}
			set.bySecret[r.Secret] = idx
		}
		set.records = append(set.records, r)
	}
	return set, nil
}

// Authenticate resolves a bearer secret to its record. It never blocks
// on concurrent mutations.
func (s *Store) Authenticate(secret string) (Record, error) {
	set := s.active.Load()
	idx, ok := set.bySecret[strings.TrimSpace(secret)]
	if !ok {
		return Record{}, ErrUnknownKey
	}
	rec := set.records[idx]
	if !rec.Enabled || rec.Removed {
		return Record{}, ErrKeyDisabled
	}
	if rec.ExpiredAt(s.now()) {
		return Record{}, ErrKeyExpired
	}
	return rec, nil
}

// Reload re-reads the backing file and atomically swaps the active
// set. On any error the previous set stays authoritative.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := loadSet(s.path)
	if err != nil {
		return err
	}
	s.active.Store(set)
	return nil
}

// List returns non-removed records in file order, expired and disabled
// ones included.
func (s *Store) List() []Record {
	set := s.active.Load()
	out := make([]Record, 0, len(set.records))
	for _, r := range set.records {
		if r.Removed {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) Get(keyID string) (Record, bool) {
	set := s.active.Load()
	idx, ok := set.byID[strings.TrimSpace(keyID)]
	if !ok {
		return Record{}, false
	}
	rec := set.records[idx]
	if rec.Removed {
		return Record{}, false
	}
	return rec, true
}

// Upsert inserts or fully replaces one record, persists the new set,
// and publishes it. Subsequent Authenticate calls see the change
// immediately.
func (s *Store) Upsert(rec Record) error {
	return s.mutate(func(records []Record) ([]Record, error) {
		for i := range records {
			if records[i].KeyID == rec.KeyID {
				records[i] = rec
				return records, nil
			}
		}
		return append(records, rec), nil
	})
}

// Revoke disables a key. The record stays listed so billing history
// keeps its attribution.
func (s *Store) Revoke(keyID string) error {
	return s.setEnabled(keyID, false)
}

func (s *Store) Enable(keyID string) error {
	return s.setEnabled(keyID, true)
}

func (s *Store) setEnabled(keyID string, enabled bool) error {
	return s.mutate(func(records []Record) ([]Record, error) {
		for i := range records {
			if records[i].KeyID == keyID && !records[i].Removed {
				records[i].Enabled = enabled
				return records, nil
			}
		}
		return nil, ErrNotFound
	})
}

// Delete marks a record removed. It disappears from listings and can
// no longer authenticate, but the record is retained in the backing
// file for usage-history integrity.
func (s *Store) Delete(keyID string) error {
	return s.mutate(func(records []Record) ([]Record, error) {
		for i := range records {
			if records[i].KeyID == keyID && !records[i].Removed {
				records[i].Removed = true
				records[i].Enabled = false
				return records, nil
			}
		}
		return nil, ErrNotFound
	})
}

func (s *Store) mutate(apply func([]Record) ([]Record, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.active.Load()
	records := append([]Record(nil), old.records...)
	records, err := apply(records)
	if err != nil {
		return err
	}
	set, err := buildSet(records)
	if err != nil {
		return err
	}
	if err := save(s.path, set.records); err != nil {
		return err
	}
	s.active.Store(set)
	return nil
}

func save(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	b, err := json.MarshalIndent(keysFile{Keys: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keys file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GenerateSecret mints a new bearer credential.
func GenerateSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("keystore: crypto/rand failed: %v", err))
	}
	return "pm_" + base64.RawURLEncoding.EncodeToString(buf)
}

// NewKeyID mints a stable identifier for a new record.
func NewKeyID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("keystore: crypto/rand failed: %v", err))
	}
	return "key_" + hex.EncodeToString(buf)
}
