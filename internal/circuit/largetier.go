package circuit

import (
	"context"
	"time"

	"github.com/pirlsquiz/cachekit/pkg/types"
)

// GuardLargeTier routes every call to next through breaker. Close always
// reaches next. The result keeps next's timestamp index when it has one.
func GuardLargeTier(next types.LargeTier, breaker *Breaker) types.LargeTier {
	guarded := &guardedTier{next: next, breaker: breaker}
	if ranger, ok := next.(types.TimestampRanger); ok {
		return &guardedRanger{guardedTier: guarded, ranger: ranger}
	}
	return guarded
}

type guardedTier struct {
	next    types.LargeTier
	breaker *Breaker
}

func (g *guardedTier) Get(ctx context.Context, key string) (*types.Entry, error) {
	var entry *types.Entry
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		entry, err = g.next.Get(ctx, key)
		return err
	})
	return entry, err
}

func (g *guardedTier) Put(ctx context.Context, entry types.Entry) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Put(ctx, entry)
	})
}

func (g *guardedTier) Delete(ctx context.Context, key string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Delete(ctx, key)
	})
}

func (g *guardedTier) Scan(ctx context.Context, fn func(types.Entry) bool) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Scan(ctx, fn)
	})
}

func (g *guardedTier) Clear(ctx context.Context) error {
	return g.breaker.Execute(ctx, g.next.Clear)
}

func (g *guardedTier) Stats(ctx context.Context) (types.TierStats, error) {
	var stats types.TierStats
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		stats, err = g.next.Stats(ctx)
		return err
	})
	return stats, err
}

func (g *guardedTier) Close() error {
	return g.next.Close()
}

type guardedRanger struct {
	*guardedTier
	ranger types.TimestampRanger
}

func (g *guardedRanger) Range(ctx context.Context, from, to time.Time, fn func(types.Entry) bool) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.ranger.Range(ctx, from, to, fn)
	})
}
