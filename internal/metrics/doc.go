/*
Package metrics exports cache and interception metrics to Prometheus.

A Collector owns a private registry so several instances can coexist in
tests. The cache manager reports hits, misses, writes and sweep removals
per tier; the interception layer reports strategy outcomes per partition
and the evictions made while keeping partitions within bound.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "cachekit",
	})
	if err != nil {
		return err
	}
	mux.Handle("/metrics", collector.Handler())

Every method is safe on a nil or disabled Collector, which lets components
take an optional collector without branching.
*/
package metrics
