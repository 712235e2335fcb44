package intercept

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/utils"
)

const (
	partitionIndexFile = "index.json"
	bodySuffix         = ".body"
)

// partitionIndex is the on-disk form of a partition: its name and its
// entries oldest first. Bodies live in one file per entry beside it.
type partitionIndex struct {
	Name    string        `json:"name"`
	Entries []indexRecord `json:"entries"`
}

type indexRecord struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
	File     string      `json:"file"`
	Size     int64       `json:"size"`
	Checksum string      `json:"checksum"`
}

// partitionDisk writes one partition's index and bodies under dir.
type partitionDisk struct {
	dir    string
	logger *slog.Logger
}

// OpenStorage returns partition storage persisted under dir, loading every
// partition a previous run left there. Unreadable partitions are skipped
// and entries whose body is missing or fails its checksum are dropped.
func OpenStorage(dir string, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "partition-storage")

	if err := utils.ValidatePath(dir, true); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid partition directory").
			WithComponent("partition-storage").
			WithCause(err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageWrite, "failed to create partition directory").
			WithComponent("partition-storage").
			WithDetail("directory", dir).
			WithCause(err)
	}

	dirs, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to read partition directory").
			WithComponent("partition-storage").
			WithDetail("directory", dir).
			WithCause(err)
	}

	s := NewStorage()
	s.dir = dir
	s.logger = logger
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		disk := &partitionDisk{dir: filepath.Join(dir, d.Name()), logger: logger}
		p, err := disk.load()
		if err != nil {
			logger.Warn("Skipping unreadable partition", "directory", disk.dir, "error", err)
			continue
		}
		s.partitions[p.name] = p
	}

	logger.Info("Opened partition storage", "directory", dir, "partitions", len(s.partitions))
	return s, nil
}

// partitionDir returns the directory holding the partition called name.
func (s *Storage) partitionDir(name string) (string, error) {
	escaped := url.PathEscape(name)
	if escaped == "" || escaped == "." {
		return "", fmt.Errorf("partition name %q has no directory form", name)
	}
	return utils.SecureJoin(s.dir, escaped)
}

// create makes the directory and empty index for a new partition.
func (s *Storage) create(p *Partition) {
	dir, err := s.partitionDir(p.name)
	if err != nil {
		s.logger.Warn("Partition kept in memory only", "partition", p.name, "error", err)
		return
	}
	p.disk = &partitionDisk{dir: dir, logger: s.logger}
	if err := os.MkdirAll(dir, 0750); err != nil {
		s.logger.Warn("Failed to create partition directory", "partition", p.name, "error", err)
		return
	}
	p.disk.saveIndex(p.name, nil)
}

// drop detaches p from disk and removes its directory. Callers hold the
// storage lock.
func (s *Storage) drop(p *Partition) {
	p.mu.Lock()
	disk := p.disk
	p.disk = nil
	p.mu.Unlock()

	if disk == nil {
		return
	}
	if err := os.RemoveAll(disk.dir); err != nil {
		s.logger.Warn("Failed to remove partition directory", "partition", p.name, "error", err)
	}
}

func bodyFile(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + bodySuffix
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// writeBody stores response's body. Failures are logged; the in-memory
// copy still serves until the process exits.
func (d *partitionDisk) writeBody(key string, response CachedResponse) {
	if err := writeFileAtomic(filepath.Join(d.dir, bodyFile(key)), response.Body); err != nil {
		d.logger.Warn("Failed to write response body", "url", key, "error", err)
	}
}

func (d *partitionDisk) removeBody(key string) {
	err := os.Remove(filepath.Join(d.dir, bodyFile(key)))
	if err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Failed to remove response body", "url", key, "error", err)
	}
}

// saveIndex rewrites the index with items in order.
func (d *partitionDisk) saveIndex(name string, items []*partitionItem) {
	index := partitionIndex{Name: name, Entries: make([]indexRecord, 0, len(items))}
	for _, item := range items {
		r := item.response
		index.Entries = append(index.Entries, indexRecord{
			Key:      item.key,
			URL:      r.URL,
			Status:   r.Status,
			Header:   r.Header,
			StoredAt: r.StoredAt,
			File:     bodyFile(item.key),
			Size:     int64(len(r.Body)),
			Checksum: checksum(r.Body),
		})
	}

	data, err := json.Marshal(index)
	if err == nil {
		err = writeFileAtomic(filepath.Join(d.dir, partitionIndexFile), data)
	}
	if err != nil {
		d.logger.Warn("Failed to write partition index", "partition", name, "error", err)
	}
}

func (d *partitionDisk) load() (*Partition, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, partitionIndexFile))
	if err != nil {
		return nil, err
	}
	var index partitionIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("corrupt partition index: %w", err)
	}
	if index.Name == "" {
		return nil, fmt.Errorf("partition index has no name")
	}

	p := newPartition(index.Name)
	p.disk = d
	dropped := 0
	for _, rec := range index.Entries {
		if rec.File != bodyFile(rec.Key) {
			d.logger.Warn("Dropping cached response with unexpected body file", "partition", index.Name, "url", rec.Key)
			dropped++
			continue
		}
		body, err := os.ReadFile(filepath.Join(d.dir, rec.File))
		if err != nil || int64(len(body)) != rec.Size || checksum(body) != rec.Checksum {
			d.logger.Warn("Dropping damaged cached response", "partition", index.Name, "url", rec.Key, "error", err)
			dropped++
			continue
		}
		p.entries[rec.Key] = p.order.PushBack(&partitionItem{
			key: rec.Key,
			response: CachedResponse{
				URL:      rec.URL,
				Status:   rec.Status,
				Header:   rec.Header,
				Body:     body,
				StoredAt: rec.StoredAt,
			},
		})
	}
	if dropped > 0 {
		p.disk.saveIndex(p.name, p.items())
	}
	return p, nil
}

// writeFileAtomic writes data to a temporary file beside path and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
