/*
Package config loads and validates cachekit configuration.

Sources are applied in order of increasing precedence:

	defaults (NewDefault) → YAML file (LoadFromFile) → CACHEKIT_* environment (LoadFromEnv)

followed by a single Validate call. The resulting Configuration is treated
as immutable for the life of the process; in particular the cache version
and intercept version are read once, and changing either between runs is
what triggers the cache wipe and partition cleanup at startup.

# Sections

  - global: log level and format, log file, interception and admin listen addresses
  - cache: manager version, TTL, small-tier threshold and quota, key prefix,
    snapshot file, sweep interval
  - large_tier: backend (disk, s3 or none) and its settings
  - intercept: partition prefix and version, origin, precache manifest,
    routing rules, partition bounds
  - network: HTTP timeouts and S3 retry attempts
  - monitoring: Prometheus metrics and health thresholds

# Example

	global:
	  log_level: INFO
	  log_format: json
	  listen_address: ":8080"
	  admin_address: ":8081"

	cache:
	  version: "2.2.0"
	  ttl: 24h
	  small_tier_threshold: 1MB
	  small_tier_quota: 5MB
	  prefix: pirls_cache
	  snapshot_file: /var/lib/cachekit/small-tier.json

	large_tier:
	  backend: s3
	  s3:
	    bucket: quiz-cache
	    endpoint: http://localhost:9000
	    use_path_style: true

	intercept:
	  cache_prefix: pirls-cache
	  version: "2.2.0"
	  origin: https://quiz.example.org
	  partitions:
	    images: {max_entries: 50, max_age: 720h}
	    data: {max_entries: 10, max_age: 24h}
	    external: {max_entries: 30, max_age: 168h}

Byte sizes accept plain numbers or K/M/G suffixes ("512KB", "1MB").
*/
package config
