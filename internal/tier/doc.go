// Package tier implements the storage tiers behind cache.Manager.
//
// LocalStore is the small tier: an in-memory string map with a byte quota,
// optionally flushed to a JSON snapshot file. DiskStore and S3Store are
// large tiers. DiskStore keeps one record file per key under a directory,
// optionally gzip-compressed, with a persisted timestamp index that lets
// expiry sweeps visit only old records. S3Store keeps one object per key
// under a key prefix and can route uploads through a cargoship transporter.
package tier
