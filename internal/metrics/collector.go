package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pirlsquiz/cachekit/pkg/errors"
)

// Collector records cache manager and interception metrics in a private
// Prometheus registry. A nil or disabled Collector ignores every call.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	cacheWrites       *prometheus.CounterVec
	sweepRemovals     *prometheus.CounterVec
	tierEntries       *prometheus.GaugeVec
	tierSize          *prometheus.GaugeVec
	strategyOutcomes  *prometheus.CounterVec
	partitionEvicts   *prometheus.CounterVec
	partitionEntries  *prometheus.GaugeVec
	errorCounter      *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for one operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// Strategy outcomes recorded by RecordStrategy.
const (
	OutcomeCacheHit    = "cache_hit"
	OutcomeNetwork     = "network"
	OutcomeStale       = "stale"
	OutcomeFallback    = "cache_fallback"
	OutcomeUnavailable = "unavailable"
	OutcomeBypass      = "bypass"
)

// NewCollector creates a metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "cachekit",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Handler serves the registry in the Prometheus exposition format. A
// disabled collector answers 404.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the private registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// RecordOperation records a timed manager or lifecycle operation
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())
}

// RecordCacheHit records a manager hit served by tier
func (c *Collector) RecordCacheHit(tier string) {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"result": "hit", "tier": tier}).Inc()
}

// RecordCacheMiss records a manager miss
func (c *Collector) RecordCacheMiss() {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"result": "miss", "tier": "none"}).Inc()
}

// RecordCacheWrite records a manager write attempt against tier
func (c *Collector) RecordCacheWrite(tier string, success bool) {
	if !c.enabled() {
		return
	}
	c.cacheWrites.With(prometheus.Labels{"tier": tier, "status": status(success)}).Inc()
}

// RecordSweep records entries removed from tier by an expiry sweep
func (c *Collector) RecordSweep(tier string, removed int) {
	if !c.enabled() || removed <= 0 {
		return
	}
	c.sweepRemovals.With(prometheus.Labels{"tier": tier}).Add(float64(removed))
}

// UpdateTierStats sets the entry and byte gauges for tier
func (c *Collector) UpdateTierStats(tier string, count int, size int64) {
	if !c.enabled() {
		return
	}
	c.tierEntries.With(prometheus.Labels{"tier": tier}).Set(float64(count))
	c.tierSize.With(prometheus.Labels{"tier": tier}).Set(float64(size))
}

// RecordStrategy records how an intercepted request was answered
func (c *Collector) RecordStrategy(strategy, partition, outcome string) {
	if !c.enabled() {
		return
	}
	c.strategyOutcomes.With(prometheus.Labels{
		"strategy":  strategy,
		"partition": partition,
		"outcome":   outcome,
	}).Inc()
}

// RecordEviction records entries trimmed from a partition
func (c *Collector) RecordEviction(partition string, evicted int) {
	if !c.enabled() || evicted <= 0 {
		return
	}
	c.partitionEvicts.With(prometheus.Labels{"partition": partition}).Add(float64(evicted))
}

// SetPartitionEntries sets the entry gauge for a partition
func (c *Collector) SetPartitionEntries(partition string, entries int) {
	if !c.enabled() {
		return
	}
	c.partitionEntries.With(prometheus.Labels{"partition": partition}).Set(float64(entries))
}

// DeletePartition drops the gauge of a deleted partition
func (c *Collector) DeletePartition(partition string) {
	if !c.enabled() {
		return
	}
	c.partitionEntries.Delete(prometheus.Labels{"partition": partition})
}

// RecordError records an error by its cache error code
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// GetMetrics returns a snapshot of the internal operation tracking
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset).String()
	return metrics
}

// ResetMetrics clears the internal operation tracking
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), labels)
	}

	c.operationCounter = counter("operations_total", "Total number of operations", "operation", "status")
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of operations in seconds",
			ConstLabels: c.config.Labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
		},
		[]string{"operation"},
	)

	c.cacheRequests = counter("cache_requests_total", "Cache manager lookups by result and serving tier", "result", "tier")
	c.cacheWrites = counter("cache_writes_total", "Cache manager writes by tier and status", "tier", "status")
	c.sweepRemovals = counter("cache_sweep_removed_total", "Entries removed by expiry sweeps", "tier")
	c.tierEntries = gauge("cache_tier_entries", "Entries held by each tier", "tier")
	c.tierSize = gauge("cache_tier_size_bytes", "Bytes held by each tier", "tier")

	c.strategyOutcomes = counter("intercept_requests_total", "Intercepted requests by strategy, partition and outcome",
		"strategy", "partition", "outcome")
	c.partitionEvicts = counter("intercept_evictions_total", "Responses evicted from partitions", "partition")
	c.partitionEntries = gauge("intercept_partition_entries", "Responses held by each partition", "partition")

	c.errorCounter = counter("errors_total", "Total number of errors", "operation", "type")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.cacheRequests,
		c.cacheWrites,
		c.sweepRemovals,
		c.tierEntries,
		c.tierSize,
		c.strategyOutcomes,
		c.partitionEvicts,
		c.partitionEntries,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	return "other"
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
