package types

import (
	"context"
	"time"
)

// SmallTier is the synchronous, quota-limited string store the cache
// manager writes small entries to. SetItem reports an exhausted quota with
// an errors.ErrCodeQuotaExceeded error.
type SmallTier interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
	RemoveItem(key string)
	Keys() []string
}

// LargeTier is the asynchronous, higher-capacity record store. Get returns
// (nil, nil) for a missing key.
type LargeTier interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error

	// Scan visits every record until fn returns false.
	Scan(ctx context.Context, fn func(Entry) bool) error

	Clear(ctx context.Context) error
	Stats(ctx context.Context) (TierStats, error)
	Close() error
}

// TimestampRanger is implemented by large tiers that keep a timestamp
// index. Range visits records written in [from, to) in ascending order.
type TimestampRanger interface {
	Range(ctx context.Context, from, to time.Time, fn func(Entry) bool) error
}

// LargeTierOpener opens the large tier during manager initialization.
type LargeTierOpener func(ctx context.Context) (LargeTier, error)
