package kv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileStorage persists one device's values as a JSON object in a single file.
// Every Get reads the file again so writers from other processes are observed;
// concurrent writers from different processes are last-write-wins.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFileStorage returns storage backed by path. The file is created lazily.
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("kv: empty storage path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("kv: create dir failed: %w", err)
	}
	return &FileStorage{path: path}, nil
}

// Path returns the backing file.
func (f *FileStorage) Path() string { return f.path }

func (f *FileStorage) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.loadLocked()[key]
	return v, ok
}

func (f *FileStorage) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.loadLocked()
	values[key] = value
	return f.saveLocked(values)
}

func (f *FileStorage) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.loadLocked()
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.saveLocked(values)
}

// loadLocked never fails: a missing or unreadable file is an empty namespace.
func (f *FileStorage) loadLocked() map[string]string {
	values := make(map[string]string)
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("kv: read %s failed, treating as empty", f.path)
		}
		return values
	}
	if len(raw) == 0 {
		return values
	}
	if err := json.Unmarshal(raw, &values); err != nil {
		log.WithError(err).Warnf("kv: corrupt storage file %s, treating as empty", f.path)
		return make(map[string]string)
	}
	return values
}

func (f *FileStorage) saveLocked(values map[string]string) error {
	raw, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("kv: marshal failed: %w", err)
	}
	tmpFile := f.path + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return fmt.Errorf("kv: write tmp failed: %w", err)
	}
	if err := os.Rename(tmpFile, f.path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("kv: rename failed: %w", err)
	}
	return nil
}
