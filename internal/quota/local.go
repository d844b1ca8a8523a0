package quota

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/kv"
)

// LocalStore keeps the anonymous counters in device storage. It is a soft,
// client-trusted limit and must not be relied on for anything billable.
type LocalStore struct {
	mu      sync.Mutex
	storage kv.Storage
	now     func() time.Time
}

func NewLocalStore(storage kv.Storage) *LocalStore {
	return &LocalStore{storage: storage, now: time.Now}
}

// Read returns the stored record, or a zero record stamped now when nothing
// usable is stored. It never fails.
func (s *LocalStore) Read() AnonymousRecord {
	if s == nil || s.storage == nil {
		return AnonymousRecord{LastUpdated: time.Now().UTC()}
	}
	return s.read()
}

func (s *LocalStore) read() AnonymousRecord {
	fresh := AnonymousRecord{LastUpdated: s.now().UTC()}
	raw, ok := s.storage.Get(StorageKey)
	if !ok || raw == "" {
		return fresh
	}
	var rec AnonymousRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.WithError(err).Debug("quota: corrupt anonymous record, treating as absent")
		return fresh
	}
	if rec.GenerationsUsed < 0 || rec.ViewsUsed < 0 {
		return fresh
	}
	return rec
}

// Write replaces the stored record.
func (s *LocalStore) Write(rec AnonymousRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(rec)
}

func (s *LocalStore) write(rec AnonymousRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("quota: marshal anonymous record: %w", err)
	}
	if err := s.storage.Set(StorageKey, string(raw)); err != nil {
		return fmt.Errorf("quota: persist anonymous record: %w", err)
	}
	return nil
}

// Clear deletes the record. Clearing an absent record is a no-op.
func (s *LocalStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Remove(StorageKey); err != nil {
		return fmt.Errorf("quota: clear anonymous record: %w", err)
	}
	return nil
}

func (s *LocalStore) IncrementGenerations() (AnonymousRecord, error) {
	return s.increment(func(rec *AnonymousRecord) { rec.GenerationsUsed++ })
}

func (s *LocalStore) IncrementViews() (AnonymousRecord, error) {
	return s.increment(func(rec *AnonymousRecord) { rec.ViewsUsed++ })
}

// increment always re-reads storage before writing.
func (s *LocalStore) increment(bump func(*AnonymousRecord)) (AnonymousRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.read()
	bump(&rec)
	rec.LastUpdated = s.now().UTC()
	if err := s.write(rec); err != nil {
		return rec, err
	}
	return rec, nil
}
