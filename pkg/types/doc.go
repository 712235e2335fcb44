/*
Package types defines the storage contracts shared by the cache manager and
its backing tiers.

A SmallTier is synchronous and quota-limited, in the manner of browser
local storage: string keys, string values, and a QUOTA_EXCEEDED error when
the byte budget runs out. A LargeTier is asynchronous and context-aware and
stores structured Entry records; implementations that maintain a timestamp
index also satisfy TimestampRanger so expiry sweeps can skip fresh records.

	┌────────────────────────────┐
	│        cache.Manager        │
	└──────────────┬─────────────┘
	        ┌──────┴──────┐
	┌───────┴─────┐ ┌─────┴────────────────┐
	│  SmallTier  │ │ LargeTier            │
	│  LocalStore │ │ DiskStore / S3Store  │
	└─────────────┘ └──────────────────────┘

Entries carry their write time in epoch milliseconds and the schema version
that was current when they were written:

	e := types.NewEntry("q_1", json.RawMessage(`{"title":"x"}`), time.Now(), "2.2.0")
	if e.Expired(time.Now(), 24*time.Hour) {
		// treat as a miss
	}
*/
package types
