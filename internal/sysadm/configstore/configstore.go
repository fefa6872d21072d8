// Package configstore implements the small key/value persistence layer
// described in spec §6: scalar values (tail offsets, probe timestamps)
// written atomically via rename, serialized by the store itself so
// callers never need their own synchronization (spec §5, §9 Open
// Question decision).
package configstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cloudbsdorg/sysadm/internal/errs"
)

// Store is a flat string-to-string key/value file persisted atomically.
type Store struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// Open loads the store from path, creating an empty one if path does
// not yet exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, "read config store")
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, errs.Wrap(err, "decode config store")
	}
	return s, nil
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set persists key=value, replacing any prior value, and durably
// commits the whole store before returning.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return s.writeLocked()
}

// Delete removes key from the store, if present.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	data, err := json.Marshal(s.values)
	if err != nil {
		return errs.Wrap(err, "encode config store")
	}
	return writeAtomic(s.path, data, 0o644)
}

// writeAtomic writes content to a temp file in the same directory as
// path, fsyncs it, then renames it into place.
func writeAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(err, "create config store directory")
	}

	tmp, err := os.CreateTemp(dir, ".tmp-configstore-*")
	if err != nil {
		return errs.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return errs.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		return errs.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return errs.Wrap(err, "chmod temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Wrap(err, "rename temp file into place")
	}
	return nil
}

// TailOffsetKey is the Config Store key recording the last-read byte
// offset for a tailed file (spec §6).
func TailOffsetKey(path string) string { return "tail/" + path + "/offset" }

// TailCtimeKey is the Config Store key recording the creation time
// observed when TailOffsetKey was last taken (spec §6).
func TailCtimeKey(path string) string { return "tail/" + path + "/ctime" }

// ProbeLastRunKey is the Config Store key recording the ISO 8601
// timestamp of a probe's last completion (spec §6).
func ProbeLastRunKey(name string) string { return "probe/" + name + "/last_run" }
