// Package fsstore provides durable JSON record storage with all-or-nothing
// replace semantics. Records are published by renaming a temp file into
// place, so a concurrent reader sees either the old document or the new one,
// never a partial write.
package fsstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist or cannot be decoded.
// A corrupt file (partial write from a crashed process) is indistinguishable
// from a missing one on purpose: listing callers must stay resilient.
var ErrNotFound = errors.New("record not found")

// Store reads and writes JSON records under a single directory.
// The key is the file stem; callers are responsible for validating keys
// built from untrusted input before they reach the store.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory backing this store.
func (s *Store) Dir() string { return s.dir }

// Path returns the full path of the record file for key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// WriteJSON atomically replaces the record at key with v. The temp file is
// created in the same directory so the final rename never crosses a
// filesystem boundary.
func (s *Store) WriteJSON(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}
	data = append(data, '\n')

	final := s.Path(key)
	tmp := final + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp record %q: %w", key, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish record %q: %w", key, err)
	}
	return nil
}

// ReadJSON decodes the record at key into v. Missing and undecodable
// records both return ErrNotFound.
func (s *Store) ReadJSON(key string, v any) error {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read record %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrNotFound
	}
	return nil
}

// Remove deletes the record at key. A missing record is not an error.
func (s *Store) Remove(key string) error {
	err := os.Remove(s.Path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove record %q: %w", key, err)
	}
	return nil
}

// Keys returns the record keys present in the store, in directory order.
// Temp files left behind by a crashed writer are skipped.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list store directory: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		keys = append(keys, name[:len(name)-len(".json")])
	}
	return keys, nil
}
