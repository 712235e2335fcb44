/*
Package cache provides the two-tier cache manager used by page callers.

The Manager stores JSON values under caller-chosen keys in one of two
backing tiers:

	┌─────────────────────────────────────────────┐
	│              Page callers                   │
	│     Get / Set / Remember / ClearExpired     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              cache.Manager                  │  ← This Package
	│   TTL, schema version, tier selection       │
	└─────────────────────────────────────────────┘
	          │                         │
	┌───────────────────┐   ┌──────────────────────┐
	│   Small tier      │   │     Large tier       │
	│ types.SmallTier   │   │  types.LargeTier     │
	│ quota-limited     │   │  disk or S3 records  │
	└───────────────────┘   └──────────────────────┘

# Tier Selection

Set encodes the value and writes it to the large tier when the caller
passes PreferLargeTier or the encoding is larger than the configured
threshold (1MB by default), provided the large tier opened. Everything
else goes to the small tier. A write that lands in one tier removes the
key from the other so an older copy cannot be read back.

Get consults the large tier first only with PreferLargeTier, then the
small tier. Values written to the large tier by size are therefore read
back with PreferLargeTier.

# Expiry and Versioning

Every entry is stamped with its write time and the configured schema
version. An entry older than the TTL, or stamped with another version, is
a miss. Expired entries stay in place until ClearExpired removes them; the
janitor started with StartJanitor runs it hourly by default.

At construction the manager reads the version marker kept in the small
tier under "{prefix}_version". When it differs from the configured
version both tiers are wiped before the new marker is written. The key
"version" is reserved for that reason.

# Failure Handling

No method returns a tier error. A large tier that cannot be opened leaves
the manager in small-tier-only mode, which is logged once and reported to
the health tracker. A full small tier triggers one sweep and one retry
before the write is dropped. With neither tier the manager is a
pass-through: every Get misses and every Set is a no-op.

# Usage

	small, _ := tier.NewLocalStore(tier.LocalStoreConfig{Quota: 5 << 20})
	manager := cache.New(ctx, cfg.Cache, small,
		cache.WithLargeTier(func(ctx context.Context) (types.LargeTier, error) {
			return tier.NewDiskStore(tier.DiskStoreConfig{Directory: dir})
		}),
	)
	defer manager.Close()

	manager.Set(ctx, "q_1", question)
	q, ok := cache.GetValue[Question](ctx, manager, "q_1")
*/
package cache
