package tier

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/types"
	"github.com/pirlsquiz/cachekit/pkg/utils"
)

const (
	recordSuffix     = ".rec"
	defaultIndexFile = "index.json"
)

// DiskStore is a large tier keeping one optionally gzip-compressed,
// checksummed file per record plus a JSON index. The index is kept sorted
// by timestamp in memory so range queries do not touch every file.
type DiskStore struct {
	mu        sync.RWMutex
	directory string
	config    DiskStoreConfig
	index     map[string]*diskItem
	order     []*diskItem // ascending (Timestamp, Key)
	dirty     bool
	logger    *slog.Logger

	stopCh chan struct{}
	closed bool
}

// DiskStoreConfig configures a DiskStore.
type DiskStoreConfig struct {
	Directory    string
	Compression  bool
	IndexFile    string
	SyncInterval time.Duration
}

type diskItem struct {
	Key        string `json:"key"`
	FileName   string `json:"file_name"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
	Size       int64  `json:"size"`
	Compressed bool   `json:"compressed"`
	Checksum   string `json:"checksum"`
}

// NewDiskStore opens or creates a store in cfg.Directory. It fails when the
// directory cannot be created or its index cannot be read.
func NewDiskStore(cfg DiskStoreConfig) (*DiskStore, error) {
	if cfg.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "disk store directory is required").
			WithComponent("disk-store")
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = defaultIndexFile
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}

	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodeTierUnavailable, "failed to create store directory").
			WithComponent("disk-store").
			WithDetail("directory", cfg.Directory).
			WithCause(err)
	}

	s := &DiskStore{
		directory: filepath.Clean(cfg.Directory),
		config:    cfg,
		index:     make(map[string]*diskItem),
		logger:    slog.Default().With("component", "disk-store", "directory", cfg.Directory),
		stopCh:    make(chan struct{}),
	}

	if err := s.loadIndex(); err != nil {
		return nil, errors.NewError(errors.ErrCodeTierUnavailable, "failed to load store index").
			WithComponent("disk-store").
			WithCause(err)
	}

	go s.syncIndex()

	return s, nil
}

// Get returns the record stored under key, or nil when there is none. A
// record whose file is missing or fails its checksum is dropped.
func (s *DiskStore) Get(ctx context.Context, key string) (*types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	item, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	entry, err := s.readRecord(item)
	if err != nil {
		s.mu.Lock()
		if current, ok := s.index[key]; ok && current == item {
			s.removeLocked(item)
		}
		s.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeCorruptEntry, "record unreadable").
			WithComponent("disk-store").
			WithOperation("get").
			WithDetail("key", key).
			WithCause(err)
	}
	return entry, nil
}

// Put writes entry, replacing any record with the same key.
func (s *DiskStore) Put(ctx context.Context, entry types.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := types.Encode(entry)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to encode record").
			WithComponent("disk-store").
			WithOperation("put").
			WithCause(err)
	}

	item := &diskItem{
		Key:        entry.Key,
		FileName:   s.fileName(entry.Key),
		Timestamp:  entry.Timestamp,
		Version:    entry.Version,
		Size:       int64(len(data)),
		Compressed: s.config.Compression,
		Checksum:   checksum(data),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewError(errors.ErrCodeTierUnavailable, "store is closed").
			WithComponent("disk-store").WithOperation("put")
	}

	if err := s.writeRecord(item, data); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to write record").
			WithComponent("disk-store").
			WithOperation("put").
			WithDetail("key", entry.Key).
			WithCause(err)
	}

	if existing, ok := s.index[entry.Key]; ok {
		s.unorder(existing)
	}
	s.index[entry.Key] = item
	s.insertOrdered(item)
	s.dirty = true
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (s *DiskStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.index[key]; ok {
		s.removeLocked(item)
	}
	return nil
}

// Scan visits every record in timestamp order until fn returns false.
// Records removed while the scan runs are skipped.
func (s *DiskStore) Scan(ctx context.Context, fn func(types.Entry) bool) error {
	return s.visit(ctx, s.snapshot(0, 0, false), fn)
}

// Range visits records with from <= timestamp < to in ascending order.
func (s *DiskStore) Range(ctx context.Context, from, to time.Time, fn func(types.Entry) bool) error {
	return s.visit(ctx, s.snapshot(from.UnixMilli(), to.UnixMilli(), true), fn)
}

// Clear removes every record.
func (s *DiskStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.index {
		_ = os.Remove(s.path(item.FileName))
	}
	s.index = make(map[string]*diskItem)
	s.order = nil
	s.dirty = true

	if err := s.saveIndex(); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to save index").
			WithComponent("disk-store").WithOperation("clear").WithCause(err)
	}
	s.dirty = false
	return nil
}

// Stats reports the record count and the encoded size of all records.
func (s *DiskStore) Stats(ctx context.Context) (types.TierStats, error) {
	if err := ctx.Err(); err != nil {
		return types.TierStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats types.TierStats
	for _, item := range s.index {
		stats.Add(item.Size)
	}
	return stats, nil
}

// Close stops the index sync goroutine and writes the index.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)

	return s.saveIndex()
}

// Helper methods

func (s *DiskStore) snapshot(from, to int64, bounded bool) []*diskItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !bounded {
		return append([]*diskItem(nil), s.order...)
	}

	start := sort.Search(len(s.order), func(i int) bool { return s.order[i].Timestamp >= from })
	end := sort.Search(len(s.order), func(i int) bool { return s.order[i].Timestamp >= to })
	if start >= end {
		return nil
	}
	return append([]*diskItem(nil), s.order[start:end]...)
}

func (s *DiskStore) visit(ctx context.Context, items []*diskItem, fn func(types.Entry) bool) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.RLock()
		current, ok := s.index[item.Key]
		s.mu.RUnlock()
		if !ok || current != item {
			continue
		}

		entry, err := s.readRecord(item)
		if err != nil {
			s.logger.Warn("Skipping unreadable record", "key", item.Key, "error", err)
			continue
		}
		if !fn(*entry) {
			return nil
		}
	}
	return nil
}

func itemLess(a, b *diskItem) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Key < b.Key
}

func (s *DiskStore) insertOrdered(item *diskItem) {
	i := sort.Search(len(s.order), func(i int) bool { return !itemLess(s.order[i], item) })
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = item
}

func (s *DiskStore) unorder(item *diskItem) {
	i := sort.Search(len(s.order), func(i int) bool { return !itemLess(s.order[i], item) })
	if i < len(s.order) && s.order[i] == item {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}

// removeLocked drops item from the index, the order and the disk.
func (s *DiskStore) removeLocked(item *diskItem) {
	_ = os.Remove(s.path(item.FileName))
	delete(s.index, item.Key)
	s.unorder(item)
	s.dirty = true
}

func (s *DiskStore) fileName(key string) string {
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", hash[:16]) + recordSuffix
}

func (s *DiskStore) path(name string) string {
	p, err := utils.SecureJoin(s.directory, name)
	if err != nil {
		// names are generated from hashes, so this is unreachable
		return filepath.Join(s.directory, filepath.Base(name))
	}
	return p
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

func (s *DiskStore) writeRecord(item *diskItem, data []byte) error {
	target := s.path(item.FileName)
	tmpPath := target + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	var writeErr error
	if item.Compressed {
		gzipWriter := gzip.NewWriter(file)
		_, writeErr = gzipWriter.Write(data)
		if closeErr := gzipWriter.Close(); writeErr == nil {
			writeErr = closeErr
		}
	} else {
		_, writeErr = file.Write(data)
	}
	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return writeErr
	}

	return os.Rename(tmpPath, target)
}

func (s *DiskStore) readRecord(item *diskItem) (*types.Entry, error) {
	data, err := s.readFile(item.FileName, item.Compressed)
	if err != nil {
		return nil, err
	}

	if checksum(data) != item.Checksum {
		return nil, fmt.Errorf("checksum mismatch for record %s", item.Key)
	}

	var entry types.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// readFile returns the decompressed contents of a record file.
func (s *DiskStore) readFile(name string, compressed bool) ([]byte, error) {
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, err
	}
	if !compressed {
		return raw, nil
	}

	gzipReader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer func() { _ = gzipReader.Close() }()
	return io.ReadAll(gzipReader)
}

func (s *DiskStore) indexPath() (string, error) {
	return utils.SecureJoin(s.directory, s.config.IndexFile)
}

func (s *DiskStore) loadIndex() error {
	indexPath, err := s.indexPath()
	if err != nil {
		return fmt.Errorf("invalid index file path: %w", err)
	}

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s.rebuildIndex()
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var items map[string]*diskItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		s.logger.Warn("Index unreadable, rebuilding from records", "error", err)
		return s.rebuildIndex()
	}

	for key, item := range items {
		if _, err := os.Stat(s.path(item.FileName)); os.IsNotExist(err) {
			continue
		}
		s.index[key] = item
		s.insertOrdered(item)
	}
	return nil
}

// rebuildIndex recovers the index from the record files themselves.
func (s *DiskStore) rebuildIndex() error {
	dirEntries, err := os.ReadDir(s.directory)
	if err != nil {
		return err
	}

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), recordSuffix) {
			continue
		}
		for _, compressed := range []bool{s.config.Compression, !s.config.Compression} {
			entry, data, err := s.probeRecord(de.Name(), compressed)
			if err != nil {
				continue
			}
			item := &diskItem{
				Key:        entry.Key,
				FileName:   de.Name(),
				Timestamp:  entry.Timestamp,
				Version:    entry.Version,
				Size:       int64(len(data)),
				Compressed: compressed,
				Checksum:   checksum(data),
			}
			s.index[item.Key] = item
			s.insertOrdered(item)
			break
		}
	}

	if len(s.index) > 0 {
		s.dirty = true
		s.logger.Info("Rebuilt index from record files", "records", len(s.index))
	}
	return nil
}

func (s *DiskStore) probeRecord(name string, compressed bool) (*types.Entry, []byte, error) {
	data, err := s.readFile(name, compressed)
	if err != nil {
		return nil, nil, err
	}
	var entry types.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil, err
	}
	if entry.Key == "" {
		return nil, nil, fmt.Errorf("record without key")
	}
	return &entry, data, nil
}

func (s *DiskStore) saveIndex() error {
	indexPath, err := s.indexPath()
	if err != nil {
		return fmt.Errorf("invalid index file path: %w", err)
	}

	tmpPath := indexPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(s.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, indexPath)
}

func (s *DiskStore) syncIndex() {
	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.dirty && !s.closed {
				if err := s.saveIndex(); err != nil {
					s.logger.Warn("Index sync failed", "error", err)
				} else {
					s.dirty = false
				}
			}
			s.mu.Unlock()
		}
	}
}
