package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"gopkg.in/yaml.v3"
)

// Store owns the YAML config document on disk. All reads and writes go
// through it so concurrent admin updates and sync runs see a consistent file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore opens the config at path, writing the default document when the
// file does not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		if err := s.save(Default()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Config, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	data := map[string]any{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return Parse(data), nil
}

func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

func (s *Store) save(cfg Config) error {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		// A bind-mounted single file cannot be replaced atomically.
		if !errors.Is(err, syscall.EBUSY) {
			return fmt.Errorf("replace config: %w", err)
		}
		if err := os.WriteFile(s.path, raw, 0o600); err != nil {
			return fmt.Errorf("write config in place: %w", err)
		}
		os.Remove(tmp)
	}
	return nil
}

// Update deep-merges payload into the stored document, re-applies defaults
// and clamps, persists the result, and returns it.
func (s *Store) Update(payload map[string]any) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.load()
	if err != nil {
		return Config{}, err
	}
	cfg := Parse(DeepMerge(current.Map(), payload))
	if err := s.save(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Masked returns the document with stored secrets replaced by "***".
func (s *Store) Masked() (map[string]any, error) {
	cfg, err := s.Load()
	if err != nil {
		return nil, err
	}
	return Masked(cfg), nil
}

func Masked(cfg Config) map[string]any {
	out := cfg.Map()
	maskKey(out, "caldav", "password", cfg.CalDAV.Password)
	maskKey(out, "ai", "api_key", cfg.AI.APIKey)
	maskKey(out, "admin", "password", cfg.Admin.Password)
	return out
}

func maskKey(doc map[string]any, sectionKey, key, current string) {
	if current == "" {
		return
	}
	if m, ok := doc[sectionKey].(map[string]any); ok {
		m[key] = "***"
	}
}

// SecretStatus tells the admin UI which secrets are set without exposing
// their values.
func SecretStatus(cfg Config) map[string]any {
	return map[string]any{
		"caldav": map[string]any{
			"password": map[string]any{"is_masked": strings.TrimSpace(cfg.CalDAV.Password) != ""},
		},
		"ai": map[string]any{
			"api_key": map[string]any{"is_masked": strings.TrimSpace(cfg.AI.APIKey) != ""},
		},
	}
}

// SanitizeUpdate drops masked or blank secret values from an update payload
// so a round-tripped masked view does not wipe stored credentials. An empty
// value still clears a secret that was never set.
func SanitizeUpdate(payload map[string]any, current Config) map[string]any {
	sanitized := make(map[string]any, len(payload))
	for key, value := range payload {
		sanitized[key] = value
	}
	sanitizeSecret(sanitized, "caldav", "password", current.CalDAV.Password != "")
	sanitizeSecret(sanitized, "ai", "api_key", current.AI.APIKey != "")
	sanitizeSecret(sanitized, "admin", "password", current.Admin.Password != "")
	return sanitized
}

func sanitizeSecret(payload map[string]any, sectionKey, key string, haveCurrent bool) {
	m, ok := payload[sectionKey].(map[string]any)
	if !ok {
		return
	}
	value, ok := m[key]
	if !ok {
		return
	}
	text := strings.TrimSpace(asText(value))
	if text != "" && text != "***" {
		return
	}
	if haveCurrent {
		delete(m, key)
	} else {
		m[key] = ""
	}
	if len(m) == 0 {
		delete(payload, sectionKey)
	}
}
