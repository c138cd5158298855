// Package policy holds the domain allowlist shared by the egress proxy and
// the DNS filter. Mutations build a new immutable snapshot and atomically
// swap it in; readers capture a snapshot once per request and never observe
// a half-written policy.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrEntryExists is returned by Add when the domain is already present.
var ErrEntryExists = errors.New("allowlist entry already exists")

// ErrEntryNotFound is returned by Remove for an unknown domain.
var ErrEntryNotFound = errors.New("allowlist entry not found")

// Entry is one allowlist rule. A domain starting with "*." (or "."), or a
// bare domain with Suffix set, matches the domain and all its subdomains.
type Entry struct {
	Domain   string   `yaml:"domain" json:"domain"`
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`
	Methods  []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Suffix   bool     `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	Enabled  bool     `yaml:"enabled" json:"enabled"`
}

// File is the on-disk YAML shape of the policy store.
type File struct {
	Version   int        `yaml:"version"`
	Entries   []Entry    `yaml:"allowlist"`
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
}

// RateLimit is the fixed-window rate limit applied per client identity.
type RateLimit struct {
	Max    int           `yaml:"max" json:"max"`
	Window time.Duration `yaml:"window" json:"window"`
}

// rateLimitYAML is the on-disk shape: the window is a duration string
// ("1m", "30s"), not nanoseconds.
type rateLimitYAML struct {
	Max    int    `yaml:"max"`
	Window string `yaml:"window"`
}

func (r *RateLimit) UnmarshalYAML(value *yaml.Node) error {
	var raw rateLimitYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Max = raw.Max
	if raw.Window != "" {
		d, err := time.ParseDuration(raw.Window)
		if err != nil {
			return fmt.Errorf("invalid rate limit window %q: %w", raw.Window, err)
		}
		r.Window = d
	}
	return nil
}

func (r RateLimit) MarshalYAML() (any, error) {
	return rateLimitYAML{Max: r.Max, Window: r.Window.String()}, nil
}

// Store is the shared policy source of truth. The zero value is not usable;
// construct with Load or New.
type Store struct {
	mu       sync.Mutex // serializes writers only
	path     string
	snapshot atomic.Pointer[Snapshot]
}

// New builds a store from in-memory entries, without a backing file.
func New(entries []Entry, rl *RateLimit) *Store {
	s := &Store{}
	s.snapshot.Store(newSnapshot(&File{Version: 1, Entries: entries, RateLimit: rl}))
	return s
}

// Load reads the policy YAML at path and builds the initial snapshot.
func Load(path string) (*Store, error) {
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.snapshot.Store(newSnapshot(f))
	return s, nil
}

// Snapshot returns the current immutable policy view. Callers evaluating a
// request must capture this once and use it for every check of that request.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Add inserts a new allowlist entry and swaps in a fresh snapshot.
func (s *Store) Add(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.snapshot.Load().file.clone()
	key := normalizeDomain(e.Domain)
	for _, have := range f.Entries {
		if normalizeDomain(have.Domain) == key {
			return fmt.Errorf("%w: %s", ErrEntryExists, e.Domain)
		}
	}
	f.Entries = append(f.Entries, e)
	s.snapshot.Store(newSnapshot(f))
	return nil
}

// Remove deletes the entry for domain and swaps in a fresh snapshot.
func (s *Store) Remove(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.snapshot.Load().file.clone()
	key := normalizeDomain(domain)
	for i, have := range f.Entries {
		if normalizeDomain(have.Domain) == key {
			f.Entries = append(f.Entries[:i], f.Entries[i+1:]...)
			s.snapshot.Store(newSnapshot(f))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrEntryNotFound, domain)
}

// List returns a copy of the current entries.
func (s *Store) List() []Entry {
	f := s.snapshot.Load().file
	out := make([]Entry, len(f.Entries))
	copy(out, f.Entries)
	return out
}

// RateLimit returns the configured rate limit, or nil when unlimited.
func (s *Store) RateLimit() *RateLimit {
	return s.snapshot.Load().file.RateLimit
}

// Save writes the current policy to disk atomically (temp file + rename),
// so a crash mid-save never leaves a torn policy file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("policy store has no backing file")
	}
	data, err := yaml.Marshal(s.snapshot.Load().file)
	if err != nil {
		return fmt.Errorf("marshaling policy: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing policy: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Reload re-reads the backing file and swaps the snapshot. In-flight
// evaluations keep the snapshot they captured; only new requests see the
// reloaded policy.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("policy store has no backing file")
	}
	f, err := readFile(s.path)
	if err != nil {
		return err
	}
	s.snapshot.Store(newSnapshot(f))
	return nil
}

// Path returns the backing file path ("" when in-memory).
func (s *Store) Path() string { return s.path }

func readFile(path string) (*File, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	return &f, nil
}

func (f *File) clone() *File {
	cp := &File{Version: f.Version}
	cp.Entries = make([]Entry, len(f.Entries))
	copy(cp.Entries, f.Entries)
	if f.RateLimit != nil {
		rl := *f.RateLimit
		cp.RateLimit = &rl
	}
	return cp
}
