package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pirlsquiz/cachekit/internal/config"
	"github.com/pirlsquiz/cachekit/internal/metrics"
	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/health"
	"github.com/pirlsquiz/cachekit/pkg/types"
	"github.com/pirlsquiz/cachekit/pkg/utils"
)

const (
	defaultTTL       = 24 * time.Hour
	defaultThreshold = 1024 * 1024

	// markerSuffix names the small-tier key holding the schema version.
	markerSuffix = "version"

	tierSmall = "small"
	tierLarge = "large"
)

// Manager is a key-value cache over a small synchronous tier and an
// optional large asynchronous tier. Every method degrades to a miss or a
// no-op on failure; the cache is advisory and callers keep their own
// fallback path.
type Manager struct {
	version   string
	ttl       time.Duration
	threshold int64
	prefix    string
	marker    string

	small types.SmallTier
	large types.LargeTier

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collector
	health  *health.Tracker
}

// Stats describes what each tier holds.
type Stats struct {
	Version        string     `json:"version"`
	Small          TierReport `json:"small"`
	Large          TierReport `json:"large"`
	LargeAvailable bool       `json:"large_available"`
}

// TierReport is a tier's entry count and size.
type TierReport struct {
	Count     int    `json:"count"`
	Size      int64  `json:"size"`
	HumanSize string `json:"human_size"`
}

// SweepResult counts the entries an expiry sweep removed.
type SweepResult struct {
	Small int `json:"small"`
	Large int `json:"large"`
}

// New builds a manager over small, which may be nil. It compares the
// persisted version marker with cfg.Version, opens the large tier, wipes
// both tiers on a mismatch and then records the new marker. New never
// fails: a large tier that cannot be opened leaves the manager in
// small-tier-only mode.
func New(ctx context.Context, cfg config.CacheConfig, small types.SmallTier, opts ...Option) *Manager {
	o := options{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		version: cfg.Version,
		ttl:     cfg.TTL,
		prefix:  cfg.Prefix,
		small:   small,
		now:     o.now,
		logger:  o.logger.With("component", "cache-manager"),
		metrics: o.metrics,
		health:  o.health,
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	m.marker = m.smallKey(markerSuffix)

	threshold, err := cfg.ThresholdBytes()
	if err != nil || threshold <= 0 {
		m.logger.Warn("Invalid small tier threshold, using default",
			"threshold", cfg.SmallTierThreshold, "default", utils.FormatSize(defaultThreshold))
		threshold = defaultThreshold
	}
	m.threshold = threshold

	if m.health != nil {
		m.health.RegisterComponent(health.ComponentSmallTier)
		m.health.RegisterComponent(health.ComponentLargeTier)
		if m.small == nil {
			m.health.MarkUnavailable(health.ComponentSmallTier,
				errors.NewError(errors.ErrCodeTierUnavailable, "no small tier configured"))
		}
	}

	stored, hasMarker := m.readMarker()
	m.openLarge(ctx, o.opener)

	if !hasMarker || stored != m.version {
		if hasMarker {
			m.logger.Info("Cache version changed, clearing all tiers", "from", stored, "to", m.version)
		}
		m.wipe(ctx)
		m.writeMarker()
	}

	return m
}

func (m *Manager) readMarker() (string, bool) {
	if m.small == nil {
		return "", false
	}
	return m.small.GetItem(m.marker)
}

func (m *Manager) writeMarker() {
	if m.small == nil {
		return
	}
	if err := m.small.SetItem(m.marker, m.version); err != nil {
		m.logger.Warn("Failed to persist version marker", "version", m.version, "error", err)
	}
}

func (m *Manager) openLarge(ctx context.Context, opener types.LargeTierOpener) {
	if opener == nil {
		m.logger.Info("Large tier not configured, running small-tier-only")
		m.markLargeUnavailable(errors.NewError(errors.ErrCodeTierUnavailable, "large tier not configured"))
		return
	}

	large, err := opener(ctx)
	if err == nil && large == nil {
		err = errors.NewError(errors.ErrCodeTierUnavailable, "large tier opener returned no tier")
	}
	if err != nil {
		m.logger.Warn("Large tier unavailable, running small-tier-only", "error", err)
		m.markLargeUnavailable(err)
		return
	}
	m.large = large
}

func (m *Manager) markLargeUnavailable(err error) {
	if m.health != nil {
		m.health.MarkUnavailable(health.ComponentLargeTier, err)
	}
}

// wipe removes every namespaced entry from both tiers, keeping the marker.
func (m *Manager) wipe(ctx context.Context) {
	m.clearSmall()
	if m.large != nil {
		if err := m.large.Clear(ctx); err != nil {
			m.largeError("clear", err)
		}
	}
}

// LargeAvailable reports whether the large tier was opened.
func (m *Manager) LargeAvailable() bool {
	return m.large != nil
}

// Version returns the schema version entries are stamped with.
func (m *Manager) Version() string {
	return m.version
}

// Get returns the JSON value stored under key. With PreferLargeTier the
// large tier is consulted first; the small tier is always consulted after
// it. A stored entry is a hit only when it carries the current version
// and has not outlived the TTL. Expired entries are left for the sweep.
func (m *Manager) Get(ctx context.Context, key string, opts ...AccessOption) (json.RawMessage, bool) {
	if !m.validKey(key) {
		return nil, false
	}
	a := resolveAccess(opts)
	now := m.now()

	if a.preferLarge && m.large != nil {
		entry, err := m.large.Get(ctx, key)
		switch {
		case err != nil:
			m.largeError("get", err)
		case entry != nil && m.fresh(*entry, now):
			m.metrics.RecordCacheHit(tierLarge)
			return entry.Value, true
		}
	}

	if entry, ok := m.getSmall(key); ok && m.fresh(entry, now) {
		m.metrics.RecordCacheHit(tierSmall)
		return entry.Value, true
	}

	m.metrics.RecordCacheMiss()
	return nil, false
}

// GetValue decodes the value stored under key into T. A value that does
// not decode into T is a miss.
func GetValue[T any](ctx context.Context, m *Manager, key string, opts ...AccessOption) (T, bool) {
	var value T
	raw, ok := m.Get(ctx, key, opts...)
	if !ok {
		return value, false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		m.logger.Debug("Cached value does not match requested type", "key", key, "error", err)
		return value, false
	}
	return value, true
}

func (m *Manager) getSmall(key string) (types.Entry, bool) {
	if m.small == nil {
		return types.Entry{}, false
	}
	raw, ok := m.small.GetItem(m.smallKey(key))
	if !ok {
		return types.Entry{}, false
	}
	var entry types.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		m.logger.Debug("Ignoring corrupt small tier entry", "key", key, "error", err)
		return types.Entry{}, false
	}
	return entry, true
}

func (m *Manager) fresh(entry types.Entry, now time.Time) bool {
	return entry.Version == m.version && !entry.Expired(now, m.ttl)
}

// Set stores value under key. The large tier is used when the caller
// prefers it or the encoded value exceeds the small tier threshold, and
// the large tier is available; otherwise the small tier is used. Failures
// are logged, never returned: callers must not rely on Set succeeding.
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...AccessOption) {
	if !m.validKey(key) {
		m.logger.Warn("Refusing to cache reserved or empty key", "key", key)
		return
	}

	data, err := types.Encode(value)
	if err != nil {
		m.logger.Warn("Value cannot be encoded", "key", key, "error", err)
		m.metrics.RecordError("set", err)
		return
	}
	m.setRaw(ctx, key, data, resolveAccess(opts))
}

func (m *Manager) setRaw(ctx context.Context, key string, data json.RawMessage, a access) {
	start := m.now()
	entry := types.NewEntry(key, data, start, m.version)
	size := entry.Size()

	if (a.preferLarge || size > m.threshold) && m.large != nil {
		err := m.large.Put(ctx, entry)
		m.metrics.RecordCacheWrite(tierLarge, err == nil)
		if err == nil {
			m.largeOK()
			m.removeSmall(key)
			return
		}
		m.largeError("put", err)
		m.logger.Warn("Large tier write failed, falling back to small tier",
			"key", key, "size", utils.FormatSize(size), "error", err)
	}

	if m.setSmall(ctx, entry) && m.large != nil {
		if err := m.large.Delete(ctx, key); err != nil {
			m.largeError("delete", err)
		}
	}
}

// setSmall writes entry, sweeping expired entries and retrying once when
// the quota is exhausted.
func (m *Manager) setSmall(ctx context.Context, entry types.Entry) bool {
	if m.small == nil {
		return false
	}

	encoded, err := types.Encode(entry)
	if err != nil {
		m.logger.Warn("Entry cannot be encoded", "key", entry.Key, "error", err)
		return false
	}

	key := m.smallKey(entry.Key)
	err = m.small.SetItem(key, string(encoded))
	if errors.IsQuotaExceeded(err) {
		m.logger.Info("Small tier quota exceeded, sweeping expired entries", "key", entry.Key)
		m.ClearExpired(ctx)
		err = m.small.SetItem(key, string(encoded))
	}

	m.metrics.RecordCacheWrite(tierSmall, err == nil)
	if err != nil {
		m.logger.Error("Small tier write dropped", "key", entry.Key,
			"size", utils.FormatSize(int64(len(encoded))), "error", err)
		m.metrics.RecordError("set", err)
		if m.health != nil {
			m.health.RecordError(health.ComponentSmallTier, err)
		}
		return false
	}
	if m.health != nil {
		m.health.RecordSuccess(health.ComponentSmallTier)
	}
	return true
}

// Remember returns the cached value for key, or calls load on a miss and
// caches what it returns. Load errors are returned unchanged and nothing
// is cached.
func (m *Manager) Remember(ctx context.Context, key string, load func(context.Context) (any, error), opts ...AccessOption) (json.RawMessage, error) {
	if raw, ok := m.Get(ctx, key, opts...); ok {
		return raw, nil
	}

	value, err := load(ctx)
	if err != nil {
		return nil, err
	}

	data, err := types.Encode(value)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "loaded value cannot be encoded").
			WithComponent("cache-manager").
			WithOperation("remember").
			WithDetail("key", key).
			WithCause(err)
	}
	if m.validKey(key) {
		m.setRaw(ctx, key, data, resolveAccess(opts))
	}
	return data, nil
}

// Delete removes key from both tiers.
func (m *Manager) Delete(ctx context.Context, key string) {
	if !m.validKey(key) {
		return
	}
	m.removeSmall(key)
	if m.large != nil {
		if err := m.large.Delete(ctx, key); err != nil {
			m.largeError("delete", err)
		}
	}
}

func (m *Manager) removeSmall(key string) {
	if m.small != nil {
		m.small.RemoveItem(m.smallKey(key))
	}
}

// ClearExpired deletes expired and unreadable entries from both tiers. It
// is idempotent and safe to run alongside reads.
func (m *Manager) ClearExpired(ctx context.Context) SweepResult {
	start := m.now()
	var result SweepResult

	for _, key := range m.namespacedKeys() {
		raw, ok := m.small.GetItem(key)
		if !ok {
			continue
		}
		var entry types.Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Expired(start, m.ttl) {
			m.small.RemoveItem(key)
			result.Small++
		}
	}

	if m.large != nil {
		removed, err := m.sweepLarge(ctx, start)
		if err != nil {
			m.largeError("sweep", err)
		}
		result.Large = removed
	}

	m.metrics.RecordSweep(tierSmall, result.Small)
	m.metrics.RecordSweep(tierLarge, result.Large)
	m.metrics.RecordOperation("clear_expired", m.now().Sub(start), true)
	if result.Small > 0 || result.Large > 0 {
		m.logger.Info("Cleared expired entries", "small", result.Small, "large", result.Large)
	}
	return result
}

// sweepLarge collects expired keys through the timestamp index when the
// tier has one, or a full scan otherwise, then deletes them.
func (m *Manager) sweepLarge(ctx context.Context, now time.Time) (int, error) {
	var expired []string
	collect := func(entry types.Entry) bool {
		if entry.Expired(now, m.ttl) {
			expired = append(expired, entry.Key)
		}
		return ctx.Err() == nil
	}

	var err error
	if ranger, ok := m.large.(types.TimestampRanger); ok {
		err = ranger.Range(ctx, time.Time{}, now.Add(-m.ttl), collect)
	} else {
		err = m.large.Scan(ctx, collect)
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range expired {
		if err := m.large.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ClearAll deletes every entry from both tiers. The version marker stays.
func (m *Manager) ClearAll(ctx context.Context) {
	m.wipe(ctx)
	m.logger.Info("Cleared all cache entries")
}

// Stats reports entry counts and sizes per tier. Small tier sizes count
// the stored entry text; large tier sizes are whatever the tier reports.
func (m *Manager) Stats(ctx context.Context) Stats {
	stats := Stats{
		Version:        m.version,
		LargeAvailable: m.large != nil,
	}

	var small types.TierStats
	for _, key := range m.namespacedKeys() {
		if raw, ok := m.small.GetItem(key); ok {
			small.Add(int64(len(raw)))
		}
	}
	stats.Small = report(small)
	m.metrics.UpdateTierStats(tierSmall, small.Count, small.Size)

	if m.large != nil {
		large, err := m.large.Stats(ctx)
		if err != nil {
			m.largeError("stats", err)
		} else {
			stats.Large = report(large)
			m.metrics.UpdateTierStats(tierLarge, large.Count, large.Size)
		}
	}
	if stats.Large.HumanSize == "" {
		stats.Large.HumanSize = utils.FormatSize(0)
	}

	return stats
}

func report(s types.TierStats) TierReport {
	return TierReport{Count: s.Count, Size: s.Size, HumanSize: utils.FormatSize(s.Size)}
}

// CheckHealth probes component for the health tracker's periodic checks.
// Components the manager does not own report no error.
func (m *Manager) CheckHealth(ctx context.Context, component string) error {
	switch component {
	case health.ComponentSmallTier:
		if m.small == nil {
			return errors.NewError(errors.ErrCodeTierUnavailable, "no small tier configured").
				WithComponent("cache-manager")
		}
	case health.ComponentLargeTier:
		if m.large == nil {
			return errors.NewError(errors.ErrCodeTierUnavailable, "large tier not open").
				WithComponent("cache-manager")
		}
		if _, err := m.large.Stats(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the large tier.
func (m *Manager) Close() error {
	if m.large == nil {
		return nil
	}
	return m.large.Close()
}

func (m *Manager) clearSmall() {
	for _, key := range m.namespacedKeys() {
		m.small.RemoveItem(key)
	}
}

// namespacedKeys lists small-tier entry keys under the prefix, excluding
// the version marker. It returns nil without a small tier.
func (m *Manager) namespacedKeys() []string {
	if m.small == nil {
		return nil
	}
	namespace := m.prefix + "_"
	var keys []string
	for _, key := range m.small.Keys() {
		if strings.HasPrefix(key, namespace) && key != m.marker {
			keys = append(keys, key)
		}
	}
	return keys
}

func (m *Manager) smallKey(key string) string {
	return m.prefix + "_" + key
}

// validKey rejects the empty key and the key that would collide with the
// version marker.
func (m *Manager) validKey(key string) bool {
	return key != "" && key != markerSuffix
}

func (m *Manager) largeOK() {
	if m.health != nil {
		m.health.RecordSuccess(health.ComponentLargeTier)
	}
}

func (m *Manager) largeError(op string, err error) {
	m.logger.Warn("Large tier operation failed", "operation", op, "error", err)
	m.metrics.RecordError(op, err)
	if m.health != nil {
		m.health.RecordError(health.ComponentLargeTier, err)
	}
}
