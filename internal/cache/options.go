package cache

import (
	"log/slog"
	"time"

	"github.com/pirlsquiz/cachekit/internal/metrics"
	"github.com/pirlsquiz/cachekit/pkg/health"
	"github.com/pirlsquiz/cachekit/pkg/types"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collector
	health  *health.Tracker
	opener  types.LargeTierOpener
}

// WithClock replaces time.Now for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger; the component attribute is added by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports hits, misses, writes and sweeps to collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.metrics = collector }
}

// WithHealth reports tier failures to tracker under the small-tier and
// large-tier components.
func WithHealth(tracker *health.Tracker) Option {
	return func(o *options) { o.health = tracker }
}

// WithLargeTier sets the function that opens the large tier during New.
// Without it the manager runs small-tier-only.
func WithLargeTier(opener types.LargeTierOpener) Option {
	return func(o *options) { o.opener = opener }
}

// AccessOption adjusts a single Get, Set or Remember call.
type AccessOption func(*access)

type access struct {
	preferLarge bool
}

// PreferLargeTier routes the call to the large tier first when it is
// available, regardless of payload size.
func PreferLargeTier() AccessOption {
	return func(a *access) { a.preferLarge = true }
}

func resolveAccess(opts []AccessOption) access {
	var a access
	for _, opt := range opts {
		opt(&a)
	}
	return a
}
