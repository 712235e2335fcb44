package intercept

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pirlsquiz/cachekit/internal/metrics"
	"github.com/pirlsquiz/cachekit/pkg/health"
	"github.com/pirlsquiz/cachekit/pkg/retry"
)

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	network http.RoundTripper
	storage *Storage
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collector
	health  *health.Tracker
	retry   *retry.Retryer
}

// WithNetwork sets the transport used to reach the network. It defaults to
// http.DefaultTransport.
func WithNetwork(rt http.RoundTripper) WorkerOption {
	return func(o *workerOptions) {
		if rt != nil {
			o.network = rt
		}
	}
}

// WithStorage shares partition storage between workers, so a new version
// can find and delete the partitions of an old one.
func WithStorage(storage *Storage) WorkerOption {
	return func(o *workerOptions) { o.storage = storage }
}

// WithClock replaces time.Now for stored response timestamps.
func WithClock(now func() time.Time) WorkerOption {
	return func(o *workerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the worker's logger.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports strategy outcomes and evictions to collector.
func WithMetrics(collector *metrics.Collector) WorkerOption {
	return func(o *workerOptions) { o.metrics = collector }
}

// WithHealth reports network failures to tracker.
func WithHealth(tracker *health.Tracker) WorkerOption {
	return func(o *workerOptions) { o.health = tracker }
}

// WithRetry retries precache fetches that fail with a transient network
// error. Without it each URL gets a single attempt.
func WithRetry(config retry.Config) WorkerOption {
	return func(o *workerOptions) { o.retry = retry.New(config) }
}
