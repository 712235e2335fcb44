package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// Entry is one cached value with its write time and schema version. The
// same shape is persisted in both tiers.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds, set once at write
	Version   string          `json:"version"`
}

// NewEntry stamps value with now and version.
func NewEntry(key string, value json.RawMessage, now time.Time, version string) Entry {
	return Entry{
		Key:       key,
		Value:     value,
		Timestamp: now.UnixMilli(),
		Version:   version,
	}
}

// WrittenAt returns the write time.
func (e Entry) WrittenAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Expired reports whether the entry is older than ttl at now. An entry
// without a timestamp is always expired.
func (e Entry) Expired(now time.Time, ttl time.Duration) bool {
	if e.Timestamp == 0 {
		return true
	}
	return now.UnixMilli()-e.Timestamp > ttl.Milliseconds()
}

// Size is the number of bytes the value occupies once encoded.
func (e Entry) Size() int64 {
	return int64(len(e.Value))
}

// TierStats summarises one tier.
type TierStats struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

// Add folds n bytes into the stats.
func (s *TierStats) Add(n int64) {
	s.Count++
	s.Size += n
}

// Encode returns v's JSON encoding with "<", ">" and "&" left unescaped
// and no trailing newline. Sizes measured on it are UTF-8 byte counts.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
