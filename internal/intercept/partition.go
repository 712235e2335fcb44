package intercept

import (
	"bytes"
	"container/list"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CachedResponse is a stored copy of a 200 response.
type CachedResponse struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response builds a fresh *http.Response from the stored copy. Every call
// returns an independent body.
func (c CachedResponse) Response(req *http.Request) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(c.Status) + " " + http.StatusText(c.Status),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// PartitionPolicy names a partition and bounds it. MaxEntries of zero
// leaves it unbounded. MaxAge is advisory and never enforced.
type PartitionPolicy struct {
	Name       string
	MaxEntries int
	MaxAge     time.Duration
}

// Partition is a named, insertion-ordered set of cached responses.
// Storing an existing key moves it to the newest position. When disk is
// set every mutation is written through to the partition's directory.
type Partition struct {
	name string

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
	disk    *partitionDisk
}

type partitionItem struct {
	key      string
	response CachedResponse
}

func newPartition(name string) *Partition {
	return &Partition{
		name:    name,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

// Match returns the response stored under key.
func (p *Partition) Match(key string) (CachedResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elem, ok := p.entries[key]
	if !ok {
		return CachedResponse{}, false
	}
	return elem.Value.(*partitionItem).response, true
}

// Put stores response under key as the newest entry.
func (p *Partition) Put(key string, response CachedResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.entries[key]; ok {
		p.order.Remove(elem)
	}
	p.entries[key] = p.order.PushBack(&partitionItem{key: key, response: response})

	if p.disk != nil {
		p.disk.writeBody(key, response)
		p.disk.saveIndex(p.name, p.items())
	}
}

// Delete removes key, reporting whether it was present.
func (p *Partition) Delete(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	elem, ok := p.entries[key]
	if !ok {
		return false
	}
	p.order.Remove(elem)
	delete(p.entries, key)

	if p.disk != nil {
		p.disk.removeBody(key)
		p.disk.saveIndex(p.name, p.items())
	}
	return true
}

// items returns the entries oldest first. Callers hold p.mu.
func (p *Partition) items() []*partitionItem {
	items := make([]*partitionItem, 0, p.order.Len())
	for elem := p.order.Front(); elem != nil; elem = elem.Next() {
		items = append(items, elem.Value.(*partitionItem))
	}
	return items
}

// Keys returns the stored keys, oldest first.
func (p *Partition) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, p.order.Len())
	for elem := p.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*partitionItem).key)
	}
	return keys
}

// Len returns the number of stored responses.
func (p *Partition) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// Size returns the total body bytes stored.
func (p *Partition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var size int64
	for elem := p.order.Front(); elem != nil; elem = elem.Next() {
		size += int64(len(elem.Value.(*partitionItem).response.Body))
	}
	return size
}

// Trim evicts the oldest entries until at most max remain and returns how
// many were evicted. A max of zero or less leaves the partition alone.
func (p *Partition) Trim(max int) int {
	if max <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for p.order.Len() > max {
		oldest := p.order.Front()
		key := oldest.Value.(*partitionItem).key
		p.order.Remove(oldest)
		delete(p.entries, key)
		if p.disk != nil {
			p.disk.removeBody(key)
		}
		evicted++
	}
	if evicted > 0 && p.disk != nil {
		p.disk.saveIndex(p.name, p.items())
	}
	return evicted
}

// PartitionInfo summarises a partition for reporting.
type PartitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Size    int64  `json:"size"`
}

// Storage holds every partition by name. Storage from NewStorage lives in
// memory only; OpenStorage backs it with a directory.
type Storage struct {
	mu         sync.RWMutex
	partitions map[string]*Partition
	dir        string
	logger     *slog.Logger
}

// NewStorage returns empty in-memory partition storage.
func NewStorage() *Storage {
	return &Storage{partitions: make(map[string]*Partition), logger: slog.Default()}
}

// Open returns the partition called name, creating it if needed.
func (s *Storage) Open(name string) *Partition {
	s.mu.RLock()
	p, ok := s.partitions[name]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[name]; ok {
		return p
	}
	p = newPartition(name)
	if s.dir != "" {
		s.create(p)
	}
	s.partitions[name] = p
	return p
}

// Has reports whether a partition called name exists.
func (s *Storage) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok
}

// Delete drops the partition called name, reporting whether it existed.
func (s *Storage) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		return false
	}
	delete(s.partitions, name)
	s.drop(p)
	return true
}

// Names returns the partition names in sorted order.
func (s *Storage) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeleteMatching drops every partition for which match returns true and
// returns the deleted names in sorted order.
func (s *Storage) DeleteMatching(match func(name string) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []string
	for name, p := range s.partitions {
		if match(name) {
			delete(s.partitions, name)
			s.drop(p)
			deleted = append(deleted, name)
		}
	}
	sort.Strings(deleted)
	return deleted
}

// Info summarises every partition whose name starts with prefix.
func (s *Storage) Info(prefix string) []PartitionInfo {
	var infos []PartitionInfo
	for _, name := range s.Names() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		s.mu.RLock()
		p, ok := s.partitions[name]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		infos = append(infos, PartitionInfo{Name: name, Entries: p.Len(), Size: p.Size()})
	}
	return infos
}
