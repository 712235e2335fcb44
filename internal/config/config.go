package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pirlsquiz/cachekit/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	LargeTier  LargeTierConfig  `yaml:"large_tier"`
	Intercept  InterceptConfig  `yaml:"intercept"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	ListenAddress string `yaml:"listen_address"`
	AdminAddress  string `yaml:"admin_address"`
}

// CacheConfig configures the cache manager. It is read once at startup.
type CacheConfig struct {
	Version            string        `yaml:"version"`
	TTL                time.Duration `yaml:"ttl"`
	SmallTierThreshold string        `yaml:"small_tier_threshold"`
	SmallTierQuota     string        `yaml:"small_tier_quota"`
	Prefix             string        `yaml:"prefix"`
	SnapshotFile       string        `yaml:"snapshot_file"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// ThresholdBytes returns SmallTierThreshold in bytes.
func (c CacheConfig) ThresholdBytes() (int64, error) {
	return utils.ParseBytes(c.SmallTierThreshold)
}

// QuotaBytes returns SmallTierQuota in bytes.
func (c CacheConfig) QuotaBytes() (int64, error) {
	return utils.ParseBytes(c.SmallTierQuota)
}

// Large tier backends.
const (
	BackendDisk = "disk"
	BackendS3   = "s3"
	BackendNone = "none"
)

// LargeTierConfig selects and configures the large-object tier
type LargeTierConfig struct {
	Backend     string   `yaml:"backend"`
	Directory   string   `yaml:"directory"`
	Compression bool     `yaml:"compression"`
	S3          S3Config `yaml:"s3"`

	// Breaker stops calling a large tier that keeps failing.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig represents the large tier circuit breaker settings
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// S3Config represents the S3 large tier settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	KeyPrefix       string `yaml:"key_prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	StorageClass    string `yaml:"storage_class"`

	// CargoShip routes uploads through the cargoship transporter.
	CargoShip   bool `yaml:"cargoship"`
	Concurrency int  `yaml:"concurrency"`
}

// InterceptConfig configures the network interception layer
type InterceptConfig struct {
	CachePrefix string `yaml:"cache_prefix"`
	Version     string `yaml:"version"`

	// Origin is the public origin of the site; same-origin requests are
	// treated as core assets. Upstream is where origin requests are sent
	// and defaults to Origin.
	Origin   string `yaml:"origin"`
	Upstream string `yaml:"upstream"`

	Precache        []string      `yaml:"precache"`
	BypassHosts     []string      `yaml:"bypass_hosts"`
	ImageExtensions []string      `yaml:"image_extensions"`
	DataSegments    []string      `yaml:"data_segments"`
	DataExtensions  []string      `yaml:"data_extensions"`
	SkipWaiting     bool          `yaml:"skip_waiting"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`

	// StorageDir persists partitions across restarts. Empty keeps them
	// in memory.
	StorageDir string `yaml:"storage_dir"`

	Partitions PartitionsConfig `yaml:"partitions"`
}

// PartitionsConfig holds the per-class partition bounds
type PartitionsConfig struct {
	Images   PartitionConfig `yaml:"images"`
	Data     PartitionConfig `yaml:"data"`
	External PartitionConfig `yaml:"external"`
	Core     PartitionConfig `yaml:"core"`
}

// PartitionConfig bounds one partition. MaxEntries 0 means unbounded and
// MaxAge is advisory.
type PartitionConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Retry    RetryConfig   `yaml:"retry"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect  time.Duration `yaml:"connect"`
	Read     time.Duration `yaml:"read"`
	Write    time.Duration `yaml:"write"`
	Shutdown time.Duration `yaml:"shutdown"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health tracking settings
type HealthChecksConfig struct {
	ErrorThreshold    int           `yaml:"error_threshold"`
	DegradedThreshold int           `yaml:"degraded_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogFile:       "",
			ListenAddress: ":8080",
			AdminAddress:  ":8081",
		},
		Cache: CacheConfig{
			Version:            "2.2.0",
			TTL:                24 * time.Hour,
			SmallTierThreshold: "1MB",
			SmallTierQuota:     "5MB",
			Prefix:             "pirls_cache",
			SnapshotFile:       "",
			SweepInterval:      time.Hour,
		},
		LargeTier: LargeTierConfig{
			Backend:     BackendDisk,
			Directory:   "/var/cache/cachekit",
			Compression: true,
			S3: S3Config{
				Region:       "us-west-2",
				KeyPrefix:    "cachekit/",
				StorageClass: "STANDARD",
				Concurrency:  4,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Intercept: InterceptConfig{
			CachePrefix: "pirls-cache",
			Version:     "2.2.0",
			Origin:      "http://localhost:3000",
			Precache: []string{
				"/",
				"/index.html",
				"/quiz.html",
				"/assets/css/toast.css",
				"/assets/css/dashboard.css",
				"/assets/css/quiz.css",
				"/assets/js/cache-manager.js",
				"/assets/js/error-handler.js",
				"/assets/js/mobile-tabs.js",
				"https://www.gstatic.com/firebasejs/9.22.0/firebase-app-compat.js",
				"https://www.gstatic.com/firebasejs/9.22.0/firebase-firestore-compat.js",
				"https://www.gstatic.com/firebasejs/9.22.0/firebase-auth-compat.js",
			},
			BypassHosts:     []string{"firebaseio.com", "googleapis.com"},
			ImageExtensions: []string{".jpg", ".png", ".gif", ".webp"},
			DataSegments:    []string{"/data/"},
			DataExtensions:  []string{".json"},
			SkipWaiting:     true,
			FetchTimeout:    30 * time.Second,
			StorageDir:      "/var/cache/cachekit/partitions",
			Partitions: PartitionsConfig{
				Images:   PartitionConfig{MaxEntries: 50, MaxAge: 30 * 24 * time.Hour},
				Data:     PartitionConfig{MaxEntries: 10, MaxAge: 24 * time.Hour},
				External: PartitionConfig{MaxEntries: 30, MaxAge: 7 * 24 * time.Hour},
				Core:     PartitionConfig{MaxEntries: 0},
			},
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect:  10 * time.Second,
				Read:     30 * time.Second,
				Write:    30 * time.Second,
				Shutdown: 15 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "cachekit",
				CustomLabels: map[string]string{
					"service": "cachekit",
				},
			},
			HealthChecks: HealthChecksConfig{
				ErrorThreshold:    5,
				DegradedThreshold: 2,
				RecoveryTimeout:   5 * time.Minute,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	if err := utils.ValidatePath(filename, true); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from CACHEKIT_* environment variables.
// Malformed numeric, boolean or duration values are reported.
func (c *Configuration) LoadFromEnv() error {
	var errs []string

	str := func(name string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}
	dur := func(name string, dst *time.Duration) {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = b
		}
	}
	list := func(name string, dst *[]string) {
		if val := os.Getenv(name); val != "" {
			var items []string
			for _, item := range strings.Split(val, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*dst = items
		}
	}

	// Global settings
	str("CACHEKIT_LOG_LEVEL", &c.Global.LogLevel)
	str("CACHEKIT_LOG_FORMAT", &c.Global.LogFormat)
	str("CACHEKIT_LOG_FILE", &c.Global.LogFile)
	str("CACHEKIT_LISTEN_ADDRESS", &c.Global.ListenAddress)
	str("CACHEKIT_ADMIN_ADDRESS", &c.Global.AdminAddress)

	// Cache manager
	str("CACHEKIT_CACHE_VERSION", &c.Cache.Version)
	dur("CACHEKIT_CACHE_TTL", &c.Cache.TTL)
	str("CACHEKIT_SMALL_TIER_THRESHOLD", &c.Cache.SmallTierThreshold)
	str("CACHEKIT_SMALL_TIER_QUOTA", &c.Cache.SmallTierQuota)
	str("CACHEKIT_CACHE_PREFIX", &c.Cache.Prefix)
	str("CACHEKIT_SNAPSHOT_FILE", &c.Cache.SnapshotFile)
	dur("CACHEKIT_SWEEP_INTERVAL", &c.Cache.SweepInterval)

	// Large tier
	str("CACHEKIT_LARGE_TIER_BACKEND", &c.LargeTier.Backend)
	str("CACHEKIT_LARGE_TIER_DIR", &c.LargeTier.Directory)
	boolean("CACHEKIT_LARGE_TIER_COMPRESSION", &c.LargeTier.Compression)
	str("CACHEKIT_S3_BUCKET", &c.LargeTier.S3.Bucket)
	str("CACHEKIT_S3_REGION", &c.LargeTier.S3.Region)
	str("CACHEKIT_S3_ENDPOINT", &c.LargeTier.S3.Endpoint)
	str("CACHEKIT_S3_KEY_PREFIX", &c.LargeTier.S3.KeyPrefix)
	str("CACHEKIT_S3_ACCESS_KEY_ID", &c.LargeTier.S3.AccessKeyID)
	str("CACHEKIT_S3_SECRET_ACCESS_KEY", &c.LargeTier.S3.SecretAccessKey)
	boolean("CACHEKIT_S3_USE_PATH_STYLE", &c.LargeTier.S3.UsePathStyle)
	boolean("CACHEKIT_S3_CARGOSHIP", &c.LargeTier.S3.CargoShip)
	boolean("CACHEKIT_LARGE_TIER_BREAKER", &c.LargeTier.Breaker.Enabled)

	// Interception layer
	str("CACHEKIT_INTERCEPT_PREFIX", &c.Intercept.CachePrefix)
	str("CACHEKIT_INTERCEPT_VERSION", &c.Intercept.Version)
	str("CACHEKIT_ORIGIN", &c.Intercept.Origin)
	str("CACHEKIT_UPSTREAM", &c.Intercept.Upstream)
	list("CACHEKIT_PRECACHE", &c.Intercept.Precache)
	list("CACHEKIT_BYPASS_HOSTS", &c.Intercept.BypassHosts)
	boolean("CACHEKIT_SKIP_WAITING", &c.Intercept.SkipWaiting)
	dur("CACHEKIT_FETCH_TIMEOUT", &c.Intercept.FetchTimeout)
	str("CACHEKIT_PARTITION_DIR", &c.Intercept.StorageDir)

	// Monitoring
	boolean("CACHEKIT_METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch strings.ToLower(c.Global.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Global.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.Global.AdminAddress != "" && c.Global.AdminAddress == c.Global.ListenAddress {
		return fmt.Errorf("listen_address and admin_address cannot be the same")
	}

	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.LargeTier.validate(); err != nil {
		return err
	}
	return c.Intercept.validate()
}

func (c CacheConfig) validate() error {
	if c.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("cache.prefix is required")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than 0")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("cache.sweep_interval cannot be negative")
	}

	threshold, err := c.ThresholdBytes()
	if err != nil {
		return fmt.Errorf("invalid cache.small_tier_threshold: %w", err)
	}
	if threshold <= 0 {
		return fmt.Errorf("cache.small_tier_threshold must be greater than 0")
	}

	quota, err := c.QuotaBytes()
	if err != nil {
		return fmt.Errorf("invalid cache.small_tier_quota: %w", err)
	}
	if quota <= 0 {
		return fmt.Errorf("cache.small_tier_quota must be greater than 0")
	}
	return nil
}

func (c LargeTierConfig) validate() error {
	switch c.Backend {
	case BackendDisk:
		if c.Directory == "" {
			return fmt.Errorf("large_tier.directory is required for the disk backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("large_tier.s3.bucket is required for the s3 backend")
		}
		if c.S3.CargoShip && c.S3.Concurrency <= 0 {
			return fmt.Errorf("large_tier.s3.concurrency must be greater than 0 when cargoship is enabled")
		}
	case BackendNone:
	default:
		return fmt.Errorf("invalid large_tier.backend: %s (must be disk, s3 or none)", c.Backend)
	}
	if c.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("large_tier.breaker.failure_threshold must not be negative")
	}
	return nil
}

func (c InterceptConfig) validate() error {
	if c.CachePrefix == "" {
		return fmt.Errorf("intercept.cache_prefix is required")
	}
	if c.Version == "" {
		return fmt.Errorf("intercept.version is required")
	}

	for name, raw := range map[string]string{"origin": c.Origin, "upstream": c.Upstream} {
		if raw == "" && name == "upstream" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("intercept.%s must be an absolute URL: %q", name, raw)
		}
	}

	for name, p := range map[string]PartitionConfig{
		"images":   c.Partitions.Images,
		"data":     c.Partitions.Data,
		"external": c.Partitions.External,
		"core":     c.Partitions.Core,
	} {
		if p.MaxEntries < 0 {
			return fmt.Errorf("intercept.partitions.%s.max_entries cannot be negative", name)
		}
	}

	if c.FetchTimeout < 0 {
		return fmt.Errorf("intercept.fetch_timeout cannot be negative")
	}
	return nil
}

// UpstreamURL returns the URL origin requests are forwarded to.
func (c InterceptConfig) UpstreamURL() string {
	if c.Upstream != "" {
		return c.Upstream
	}
	return c.Origin
}
