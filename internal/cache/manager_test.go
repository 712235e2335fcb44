package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pirlsquiz/cachekit/internal/config"
	"github.com/pirlsquiz/cachekit/internal/metrics"
	"github.com/pirlsquiz/cachekit/internal/tier"
	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/health"
	"github.com/pirlsquiz/cachekit/pkg/types"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable clock shared by a manager and its test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: baseTime} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// memLarge is a map-backed large tier without a timestamp index.
type memLarge struct {
	mu      sync.Mutex
	entries map[string]types.Entry
	failPut error
	failGet error
	closed  bool
}

func newMemLarge() *memLarge {
	return &memLarge{entries: make(map[string]types.Entry)}
}

func (l *memLarge) Get(_ context.Context, key string) (*types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failGet != nil {
		return nil, l.failGet
	}
	e, ok := l.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (l *memLarge) Put(_ context.Context, e types.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failPut != nil {
		return l.failPut
	}
	l.entries[e.Key] = e
	return nil
}

func (l *memLarge) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

func (l *memLarge) Scan(_ context.Context, fn func(types.Entry) bool) error {
	l.mu.Lock()
	snapshot := make([]types.Entry, 0, len(l.entries))
	for _, e := range l.entries {
		snapshot = append(snapshot, e)
	}
	l.mu.Unlock()
	for _, e := range snapshot {
		if !fn(e) {
			break
		}
	}
	return nil
}

func (l *memLarge) Clear(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]types.Entry)
	return nil
}

func (l *memLarge) Stats(context.Context) (types.TierStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var s types.TierStats
	for _, e := range l.entries {
		s.Add(e.Size())
	}
	return s, nil
}

func (l *memLarge) Close() error {
	l.closed = true
	return nil
}

func (l *memLarge) has(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok
}

func opener(large types.LargeTier) types.LargeTierOpener {
	return func(context.Context) (types.LargeTier, error) { return large, nil }
}

func testConfig() config.CacheConfig {
	return config.NewDefault().Cache
}

func newSmall(t *testing.T, quota int64) *tier.LocalStore {
	t.Helper()
	small, err := tier.NewLocalStore(tier.LocalStoreConfig{Quota: quota})
	require.NoError(t, err)
	return small
}

type question struct {
	Title string `json:"title"`
}

func TestManager_SetThenGet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := New(ctx, testConfig(), newSmall(t, 1<<20), WithClock(clock.Now), WithLargeTier(opener(newMemLarge())))

	m.Set(ctx, "q_1", question{Title: "x"})

	raw, ok := m.Get(ctx, "q_1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"x"}`, string(raw))

	q, ok := GetValue[question](ctx, m, "q_1")
	require.True(t, ok)
	assert.Equal(t, "x", q.Title)

	_, ok = GetValue[[]int](ctx, m, "q_1")
	assert.False(t, ok, "a value that does not decode is a miss")

	_, ok = m.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestManager_TTL(t *testing.T) {
	ctx := context.Background()

	t.Run("small tier", func(t *testing.T) {
		clock := newFakeClock()
		m := New(ctx, testConfig(), newSmall(t, 1<<20), WithClock(clock.Now))

		clock.Set(baseTime.Add(-25 * time.Hour))
		m.Set(ctx, "q_1", question{Title: "old"})

		clock.Set(baseTime)
		_, ok := m.Get(ctx, "q_1")
		assert.False(t, ok)
	})

	t.Run("large tier", func(t *testing.T) {
		clock := newFakeClock()
		large := newMemLarge()
		m := New(ctx, testConfig(), newSmall(t, 1<<20), WithClock(clock.Now), WithLargeTier(opener(large)))

		clock.Set(baseTime.Add(-25 * time.Hour))
		m.Set(ctx, "q_1", question{Title: "old"}, PreferLargeTier())
		require.True(t, large.has("q_1"))

		clock.Set(baseTime)
		_, ok := m.Get(ctx, "q_1", PreferLargeTier())
		assert.False(t, ok)
		assert.True(t, large.has("q_1"), "expired entries are not deleted on read")
	})

	t.Run("exactly at ttl is still fresh", func(t *testing.T) {
		clock := newFakeClock()
		m := New(ctx, testConfig(), newSmall(t, 1<<20), WithClock(clock.Now))

		m.Set(ctx, "q_1", 1)
		clock.Set(baseTime.Add(24 * time.Hour))
		_, ok := m.Get(ctx, "q_1")
		assert.True(t, ok)

		clock.Set(baseTime.Add(24*time.Hour + time.Millisecond))
		_, ok = m.Get(ctx, "q_1")
		assert.False(t, ok)
	})
}

func TestManager_VersionChangeWipesBothTiers(t *testing.T) {
	ctx := context.Background()
	small := newSmall(t, 1<<20)
	large := newMemLarge()

	cfg := testConfig()
	cfg.Version = "1.0"
	m := New(ctx, cfg, small, WithLargeTier(opener(large)))
	m.Set(ctx, "a", 1)
	m.Set(ctx, "b", 2, PreferLargeTier())

	_, ok := m.Get(ctx, "a")
	require.True(t, ok)

	cfg.Version = "1.1"
	m = New(ctx, cfg, small, WithLargeTier(opener(large)))

	_, ok = m.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = m.Get(ctx, "b", PreferLargeTier())
	assert.False(t, ok)
	assert.False(t, large.has("b"))

	marker, ok := small.GetItem("pirls_cache_version")
	require.True(t, ok)
	assert.Equal(t, "1.1", marker)

	// Same version again keeps entries.
	m.Set(ctx, "c", 3)
	m = New(ctx, cfg, small, WithLargeTier(opener(large)))
	_, ok = m.Get(ctx, "c")
	assert.True(t, ok)
}

func TestManager_StaleVersionEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	small := newSmall(t, 1<<20)
	m := New(ctx, testConfig(), small)

	old, err := json.Marshal(types.NewEntry("q_1", json.RawMessage(`1`), time.Now(), "2.1.0"))
	require.NoError(t, err)
	require.NoError(t, small.SetItem("pirls_cache_q_1", string(old)))

	_, ok := m.Get(ctx, "q_1")
	assert.False(t, ok)
}

func TestManager_TierSelection(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SmallTierThreshold = "32B"
	big := strings.Repeat("x", 64)

	t.Run("oversized values go to the large tier", func(t *testing.T) {
		small := newSmall(t, 1<<20)
		large := newMemLarge()
		m := New(ctx, cfg, small, WithLargeTier(opener(large)))

		m.Set(ctx, "passage", big)

		assert.True(t, large.has("passage"))
		_, inSmall := small.GetItem("pirls_cache_passage")
		assert.False(t, inSmall)

		value, ok := GetValue[string](ctx, m, "passage", PreferLargeTier())
		require.True(t, ok)
		assert.Equal(t, big, value)
	})

	t.Run("preference routes small values to the large tier", func(t *testing.T) {
		small := newSmall(t, 1<<20)
		large := newMemLarge()
		m := New(ctx, cfg, small, WithLargeTier(opener(large)))

		m.Set(ctx, "q_1", 1, PreferLargeTier())
		assert.True(t, large.has("q_1"))
		_, inSmall := small.GetItem("pirls_cache_q_1")
		assert.False(t, inSmall)
	})

	t.Run("markup is measured unescaped", func(t *testing.T) {
		cfg := testConfig()
		small := newSmall(t, 4<<20)
		large := newMemLarge()
		m := New(ctx, cfg, small, WithLargeTier(opener(large)))

		article := strings.Repeat("<p>a&amp;b</p>", 40000)
		m.Set(ctx, "article", article)

		assert.False(t, large.has("article"), "a value under the threshold stays in the small tier")
		raw, inSmall := small.GetItem("pirls_cache_article")
		require.True(t, inSmall)
		assert.NotContains(t, raw, `\u003c`)
		assert.Less(t, len(raw), 1<<20)

		value, ok := GetValue[string](ctx, m, "article")
		require.True(t, ok)
		assert.Equal(t, article, value)
	})

	t.Run("small values go to the small tier", func(t *testing.T) {
		small := newSmall(t, 1<<20)
		large := newMemLarge()
		m := New(ctx, cfg, small, WithLargeTier(opener(large)))

		m.Set(ctx, "q_1", 1)
		assert.False(t, large.has("q_1"))
		_, inSmall := small.GetItem("pirls_cache_q_1")
		assert.True(t, inSmall)
	})

	t.Run("a write removes the other tier's copy", func(t *testing.T) {
		small := newSmall(t, 1<<20)
		large := newMemLarge()
		m := New(ctx, cfg, small, WithLargeTier(opener(large)))

		m.Set(ctx, "k", big)
		require.True(t, large.has("k"))

		m.Set(ctx, "k", "short")
		assert.False(t, large.has("k"))
		value, ok := GetValue[string](ctx, m, "k", PreferLargeTier())
		require.True(t, ok)
		assert.Equal(t, "short", value)

		m.Set(ctx, "k", big)
		_, inSmall := small.GetItem("pirls_cache_k")
		assert.False(t, inSmall)
	})

	t.Run("failed large write falls back to small tier", func(t *testing.T) {
		small := newSmall(t, 1<<20)
		large := newMemLarge()
		large.failPut = fmt.Errorf("disk full")
		m := New(ctx, cfg, small, WithLargeTier(opener(large)))

		m.Set(ctx, "passage", big)

		value, ok := GetValue[string](ctx, m, "passage")
		require.True(t, ok)
		assert.Equal(t, big, value)
	})

	t.Run("failed large read falls back to small tier", func(t *testing.T) {
		small := newSmall(t, 1<<20)
		large := newMemLarge()
		m := New(ctx, cfg, small, WithLargeTier(opener(large)))

		m.Set(ctx, "q_1", 7)
		large.failGet = fmt.Errorf("io error")

		value, ok := GetValue[int](ctx, m, "q_1", PreferLargeTier())
		require.True(t, ok)
		assert.Equal(t, 7, value)
	})
}

func TestManager_ClearExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	small := newSmall(t, 1<<20)
	large := newMemLarge()
	m := New(ctx, testConfig(), small, WithClock(clock.Now), WithLargeTier(opener(large)))

	clock.Set(baseTime.Add(-48 * time.Hour))
	m.Set(ctx, "old-small", 1)
	m.Set(ctx, "old-large", 1, PreferLargeTier())

	clock.Set(baseTime)
	m.Set(ctx, "fresh-small", 2)
	m.Set(ctx, "fresh-large", 2, PreferLargeTier())
	require.NoError(t, small.SetItem("pirls_cache_corrupt", "{not json"))
	require.NoError(t, small.SetItem("other_app_key", "kept"))

	result := m.ClearExpired(ctx)
	assert.Equal(t, SweepResult{Small: 2, Large: 1}, result)

	after := small.Keys()
	assert.ElementsMatch(t, []string{"other_app_key", "pirls_cache_fresh-small", "pirls_cache_version"}, after)
	assert.True(t, large.has("fresh-large"))
	assert.False(t, large.has("old-large"))

	again := m.ClearExpired(ctx)
	assert.Equal(t, SweepResult{}, again)
	assert.Equal(t, after, small.Keys())
}

func TestManager_ClearExpiredUsesTimestampIndex(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	disk, err := tier.NewDiskStore(tier.DiskStoreConfig{Directory: t.TempDir(), Compression: true})
	require.NoError(t, err)

	m := New(ctx, testConfig(), newSmall(t, 1<<20), WithClock(clock.Now), WithLargeTier(opener(disk)))
	defer func() { _ = m.Close() }()

	for i, age := range []time.Duration{72 * time.Hour, 30 * time.Hour, time.Hour, 0} {
		clock.Set(baseTime.Add(-age))
		m.Set(ctx, fmt.Sprintf("page-%d", i), i, PreferLargeTier())
	}

	clock.Set(baseTime)
	result := m.ClearExpired(ctx)
	assert.Equal(t, 2, result.Large)

	stats := m.Stats(ctx)
	assert.Equal(t, 2, stats.Large.Count)
	_, ok := m.Get(ctx, "page-2", PreferLargeTier())
	assert.True(t, ok)
}

func TestManager_QuotaSweepAndRetry(t *testing.T) {
	ctx := context.Background()
	value := strings.Repeat("x", 10)

	// The marker costs 24 bytes and each entry below 91, so two fit.
	const quota = 24 + 2*91

	t.Run("sweep frees room", func(t *testing.T) {
		clock := newFakeClock()
		small := newSmall(t, quota)
		m := New(ctx, testConfig(), small, WithClock(clock.Now))

		clock.Set(baseTime.Add(-25 * time.Hour))
		m.Set(ctx, "e1", value)
		m.Set(ctx, "e2", value)
		require.Len(t, small.Keys(), 3)

		clock.Set(baseTime)
		m.Set(ctx, "e3", value)

		_, ok := m.Get(ctx, "e3")
		assert.True(t, ok)
		assert.ElementsMatch(t, []string{"pirls_cache_e3", "pirls_cache_version"}, small.Keys())
	})

	t.Run("write dropped when nothing expired", func(t *testing.T) {
		clock := newFakeClock()
		small := newSmall(t, quota)
		tracker := health.NewTracker(health.TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 3})
		m := New(ctx, testConfig(), small, WithClock(clock.Now), WithHealth(tracker))

		m.Set(ctx, "e1", value)
		m.Set(ctx, "e2", value)
		m.Set(ctx, "e3", value)

		_, ok := m.Get(ctx, "e3")
		assert.False(t, ok)
		_, ok = m.Get(ctx, "e1")
		assert.True(t, ok)
		assert.Equal(t, health.StateReadOnly, tracker.GetState(health.ComponentSmallTier))
	})
}

func TestManager_DegradedModes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SmallTierThreshold = "8B"

	t.Run("large tier fails to open", func(t *testing.T) {
		tracker := health.NewTracker(health.DefaultConfig())
		failing := func(context.Context) (types.LargeTier, error) {
			return nil, errors.NewError(errors.ErrCodeTierUnavailable, "blocked")
		}
		m := New(ctx, cfg, newSmall(t, 1<<20), WithLargeTier(failing), WithHealth(tracker))

		assert.False(t, m.LargeAvailable())
		assert.Equal(t, health.StateUnavailable, tracker.GetState(health.ComponentLargeTier))

		m.Set(ctx, "passage", strings.Repeat("y", 100), PreferLargeTier())
		value, ok := GetValue[string](ctx, m, "passage", PreferLargeTier())
		require.True(t, ok)
		assert.Len(t, value, 100)
	})

	t.Run("no tiers at all", func(t *testing.T) {
		m := New(ctx, cfg, nil)

		m.Set(ctx, "q_1", 1)
		_, ok := m.Get(ctx, "q_1")
		assert.False(t, ok)
		assert.Equal(t, SweepResult{}, m.ClearExpired(ctx))
		m.ClearAll(ctx)
		m.Delete(ctx, "q_1")

		stats := m.Stats(ctx)
		assert.Equal(t, 0, stats.Small.Count)
		assert.False(t, stats.LargeAvailable)
		assert.NoError(t, m.Close())
	})
}

func TestManager_ReservedKeys(t *testing.T) {
	ctx := context.Background()
	small := newSmall(t, 1<<20)
	m := New(ctx, testConfig(), small)

	m.Set(ctx, "version", "9.9.9")
	m.Set(ctx, "", 1)

	marker, _ := small.GetItem("pirls_cache_version")
	assert.Equal(t, "2.2.0", marker)
	_, ok := m.Get(ctx, "version")
	assert.False(t, ok)
}

func TestManager_ClearAllAndDelete(t *testing.T) {
	ctx := context.Background()
	small := newSmall(t, 1<<20)
	large := newMemLarge()
	m := New(ctx, testConfig(), small, WithLargeTier(opener(large)))

	m.Set(ctx, "a", 1)
	m.Set(ctx, "b", 2, PreferLargeTier())
	m.Set(ctx, "c", 3)

	m.Delete(ctx, "a")
	_, ok := m.Get(ctx, "a")
	assert.False(t, ok)

	m.ClearAll(ctx)
	_, ok = m.Get(ctx, "c")
	assert.False(t, ok)
	assert.False(t, large.has("b"))
	assert.Equal(t, []string{"pirls_cache_version"}, small.Keys())

	require.NoError(t, m.Close())
	assert.True(t, large.closed)
}

func TestManager_Stats(t *testing.T) {
	ctx := context.Background()
	collector, err := metrics.NewCollector(nil)
	require.NoError(t, err)

	small := newSmall(t, 1<<20)
	large := newMemLarge()
	m := New(ctx, testConfig(), small, WithLargeTier(opener(large)), WithMetrics(collector))

	m.Set(ctx, "a", 1)
	m.Set(ctx, "b", 2)
	m.Set(ctx, "c", map[string]string{"title": "passage"}, PreferLargeTier())

	stats := m.Stats(ctx)
	assert.Equal(t, "2.2.0", stats.Version)
	assert.True(t, stats.LargeAvailable)
	assert.Equal(t, 2, stats.Small.Count)
	assert.Positive(t, stats.Small.Size)
	assert.Equal(t, 1, stats.Large.Count)
	assert.Equal(t, int64(len(`{"title":"passage"}`)), stats.Large.Size)
	assert.Equal(t, "19 B", stats.Large.HumanSize)

	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"large_available":true`)
}

func TestManager_Remember(t *testing.T) {
	ctx := context.Background()
	m := New(ctx, testConfig(), newSmall(t, 1<<20))

	calls := 0
	load := func(context.Context) (any, error) {
		calls++
		return question{Title: "loaded"}, nil
	}

	first, err := m.Remember(ctx, "q_9", load)
	require.NoError(t, err)
	second, err := m.Remember(ctx, "q_9", load)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.JSONEq(t, string(first), string(second))

	boom := fmt.Errorf("firebase unavailable")
	_, err = m.Remember(ctx, "q_10", func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := m.Get(ctx, "q_10")
	assert.False(t, ok)
}

func TestManager_CheckHealth(t *testing.T) {
	ctx := context.Background()

	m := New(ctx, testConfig(), newSmall(t, 1<<20), WithLargeTier(opener(newMemLarge())))
	assert.NoError(t, m.CheckHealth(ctx, health.ComponentSmallTier))
	assert.NoError(t, m.CheckHealth(ctx, health.ComponentLargeTier))
	assert.NoError(t, m.CheckHealth(ctx, health.ComponentNetwork))

	bare := New(ctx, testConfig(), nil)
	assert.True(t, errors.HasCode(bare.CheckHealth(ctx, health.ComponentSmallTier), errors.ErrCodeTierUnavailable))
	assert.True(t, errors.HasCode(bare.CheckHealth(ctx, health.ComponentLargeTier), errors.ErrCodeTierUnavailable))
}
