package tier

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/utils"
)

// LocalStore is the small tier: a string map with a byte quota counting
// key and value lengths. When a snapshot file is configured mutations
// mark the store dirty and the snapshot is rewritten every SyncInterval
// and on Flush or Close, so contents survive restarts.
type LocalStore struct {
	mu       sync.RWMutex
	items    map[string]string
	used     int64
	quota    int64
	snapshot string
	dirty    bool
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	syncDone chan struct{}
}

// LocalStoreConfig configures a LocalStore.
type LocalStoreConfig struct {
	Quota        int64
	SnapshotFile string
	SyncInterval time.Duration
}

// NewLocalStore creates a small tier, loading the snapshot file if one
// exists. A snapshot larger than the quota is rejected.
func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	if cfg.Quota <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "small tier quota must be greater than 0").
			WithComponent("local-store")
	}

	s := &LocalStore{
		items:    make(map[string]string),
		quota:    cfg.Quota,
		snapshot: cfg.SnapshotFile,
		logger:   slog.Default().With("component", "local-store"),
	}

	if s.snapshot != "" {
		if err := utils.ValidatePath(s.snapshot, true); err != nil {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid snapshot path").
				WithComponent("local-store").WithCause(err)
		}
		if err := s.load(); err != nil {
			return nil, err
		}

		interval := cfg.SyncInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		s.stopCh = make(chan struct{})
		s.syncDone = make(chan struct{})
		go s.syncSnapshot(interval)
	}

	return s, nil
}

// GetItem returns the value stored under key.
func (s *LocalStore) GetItem(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// SetItem stores value under key, failing with QUOTA_EXCEEDED when the
// write would push usage past the quota.
func (s *LocalStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := int64(len(key) + len(value))
	if old, ok := s.items[key]; ok {
		delta -= int64(len(key) + len(old))
	}
	if s.used+delta > s.quota {
		return errors.NewError(errors.ErrCodeQuotaExceeded, "small tier quota exceeded").
			WithComponent("local-store").
			WithOperation("set").
			WithDetail("key", key).
			WithDetail("used", s.used).
			WithDetail("quota", s.quota)
	}

	s.items[key] = value
	s.used += delta
	s.persist()
	return nil
}

// RemoveItem deletes key if present.
func (s *LocalStore) RemoveItem(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.items[key]
	if !ok {
		return
	}
	delete(s.items, key)
	s.used -= int64(len(key) + len(old))
	s.persist()
}

// Keys returns every key in sorted order.
func (s *LocalStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Used returns the bytes currently counted against the quota.
func (s *LocalStore) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

// Quota returns the configured byte quota.
func (s *LocalStore) Quota() int64 {
	return s.quota
}

// Flush writes the snapshot file, reporting any error.
func (s *LocalStore) Flush() error {
	if s.snapshot == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close stops the background sync and writes a final snapshot.
func (s *LocalStore) Close() error {
	if s.snapshot == "" {
		return nil
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.syncDone
	})
	return s.Flush()
}

// persist marks the snapshot stale. Callers hold the lock.
func (s *LocalStore) persist() {
	if s.snapshot != "" {
		s.dirty = true
	}
}

func (s *LocalStore) syncSnapshot(interval time.Duration) {
	defer close(s.syncDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.dirty {
				if err := s.save(); err != nil {
					s.logger.Warn("Failed to write snapshot", "file", s.snapshot, "error", err)
				} else {
					s.dirty = false
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *LocalStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.snapshot), 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := s.snapshot + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(s.items); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, s.snapshot)
}

func (s *LocalStore) load() error {
	file, err := os.Open(s.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewError(errors.ErrCodeStorageRead, "failed to open snapshot").
			WithComponent("local-store").WithCause(err)
	}
	defer func() { _ = file.Close() }()

	var items map[string]string
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return errors.NewError(errors.ErrCodeCorruptEntry, "snapshot is not valid JSON").
			WithComponent("local-store").
			WithDetail("file", s.snapshot).
			WithCause(err)
	}

	var used int64
	for k, v := range items {
		used += int64(len(k) + len(v))
	}
	if used > s.quota {
		return errors.NewError(errors.ErrCodeQuotaExceeded, "snapshot exceeds small tier quota").
			WithComponent("local-store").
			WithDetail("used", used).
			WithDetail("quota", s.quota)
	}

	if items != nil {
		s.items = items
	}
	s.used = used
	s.logger.Debug("Loaded snapshot", "file", s.snapshot, "items", len(s.items), "bytes", used)
	return nil
}
