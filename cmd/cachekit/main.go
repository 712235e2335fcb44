// Command cachekit serves a site through the interception layer and exposes
// the cache manager and worker over an admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pirlsquiz/cachekit/internal/cache"
	"github.com/pirlsquiz/cachekit/internal/circuit"
	"github.com/pirlsquiz/cachekit/internal/config"
	"github.com/pirlsquiz/cachekit/internal/intercept"
	"github.com/pirlsquiz/cachekit/internal/metrics"
	"github.com/pirlsquiz/cachekit/internal/tier"
	"github.com/pirlsquiz/cachekit/pkg/api"
	"github.com/pirlsquiz/cachekit/pkg/health"
	"github.com/pirlsquiz/cachekit/pkg/retry"
	"github.com/pirlsquiz/cachekit/pkg/types"
	"github.com/pirlsquiz/cachekit/pkg/utils"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "path to a YAML configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	if err := run(*configFile, *printConfig); err != nil {
		fmt.Fprintf(os.Stderr, "cachekit: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configFile string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(configFile string, printConfig bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if printConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	logger, logCloser, err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Namespace: cfg.Monitoring.Metrics.Namespace,
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	tracker := health.NewTracker(health.TrackerConfig{
		ErrorThreshold:       cfg.Monitoring.HealthChecks.DegradedThreshold,
		UnavailableThreshold: cfg.Monitoring.HealthChecks.ErrorThreshold,
		RecoveryTimeout:      cfg.Monitoring.HealthChecks.RecoveryTimeout,
	})
	tracker.AddStateChangeCallback(health.StateUnavailable, func(component string, from, to health.HealthState, err error) {
		logger.Warn("Component unavailable", "component", component, "from", from, "error", err)
	})

	quota, err := cfg.Cache.QuotaBytes()
	if err != nil {
		return err
	}
	small, err := tier.NewLocalStore(tier.LocalStoreConfig{Quota: quota, SnapshotFile: cfg.Cache.SnapshotFile})
	if err != nil {
		// The manager runs as a pass-through without a small tier.
		logger.Error("Small tier unavailable", "error", err)
		small = nil
	}

	var smallTier types.SmallTier
	if small != nil {
		smallTier = small
	}
	manager := cache.New(ctx, cfg.Cache, smallTier,
		cache.WithLogger(logger),
		cache.WithMetrics(collector),
		cache.WithHealth(tracker),
		cache.WithLargeTier(largeTierOpener(cfg, logger)),
	)
	janitorDone := manager.StartJanitor(ctx, cfg.Cache.SweepInterval)

	origin, err := url.Parse(cfg.Intercept.Origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	upstream, err := url.Parse(cfg.Intercept.UpstreamURL())
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}
	network := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: cfg.Network.Timeouts.Read,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
	}

	storage := intercept.NewStorage()
	if dir := cfg.Intercept.StorageDir; dir != "" {
		if storage, err = intercept.OpenStorage(dir, logger); err != nil {
			logger.Error("Partition storage unavailable, keeping partitions in memory", "directory", dir, "error", err)
			storage = intercept.NewStorage()
		}
	}

	worker, err := intercept.NewWorker(cfg.Intercept,
		intercept.WithNetwork(intercept.UpstreamTransport(network, origin, upstream)),
		intercept.WithStorage(storage),
		intercept.WithLogger(logger),
		intercept.WithMetrics(collector),
		intercept.WithHealth(tracker),
		intercept.WithRetry(retry.Config{
			MaxAttempts: cfg.Network.Retry.MaxAttempts,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				logger.Warn("Retrying precache fetch", "attempt", attempt, "delay", delay, "error", err)
			},
		}),
	)
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		// Requests keep going to the network until a later install succeeds.
		logger.Error("Worker install failed, serving from the network", "error", err)
	}

	go tracker.StartHealthChecks(ctx, manager.CheckHealth)

	proxy := &http.Server{
		Addr:              cfg.Global.ListenAddress,
		Handler:           intercept.NewHandler(worker),
		ReadHeaderTimeout: cfg.Network.Timeouts.Connect,
		ReadTimeout:       cfg.Network.Timeouts.Read,
		WriteTimeout:      cfg.Network.Timeouts.Write,
	}
	go func() {
		logger.Info("Serving intercepted traffic", "address", proxy.Addr, "origin", cfg.Intercept.Origin,
			"upstream", cfg.Intercept.UpstreamURL())
		if err := proxy.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Interception server failed", "error", err)
			stop()
		}
	}()

	var admin *api.Server
	if cfg.Global.AdminAddress != "" {
		apiConfig := api.DefaultServerConfig()
		apiConfig.Address = cfg.Global.AdminAddress
		apiConfig.EnableMetrics = cfg.Monitoring.Metrics.Enabled
		apiConfig.Version = version
		admin = api.NewServer(apiConfig, api.Backends{
			Cache:   manager,
			Worker:  worker,
			Health:  tracker,
			Metrics: collector,
			Logger:  logger,
		})
		admin.StartBackground()
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdown(logger, cfg.Network.Timeouts.Shutdown, proxy, admin)

	<-janitorDone
	if err := worker.Close(); err != nil {
		logger.Warn("Failed to stop worker", "error", err)
	}
	if small != nil {
		if err := small.Close(); err != nil {
			logger.Warn("Failed to flush small tier snapshot", "error", err)
		}
	}
	if err := manager.Close(); err != nil {
		logger.Warn("Failed to close large tier", "error", err)
	}
	return nil
}

func shutdown(logger *slog.Logger, timeout time.Duration, proxy *http.Server, admin *api.Server) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := proxy.Shutdown(ctx); err != nil {
		logger.Warn("Interception server shutdown failed", "error", err)
	}
	if admin != nil {
		if err := admin.Shutdown(ctx); err != nil {
			logger.Warn("Admin server shutdown failed", "error", err)
		}
	}
}

// largeTierOpener returns the opener for the configured backend, or nil
// for a small-tier-only manager.
func largeTierOpener(cfg *config.Configuration, logger *slog.Logger) types.LargeTierOpener {
	var open types.LargeTierOpener
	switch cfg.LargeTier.Backend {
	case config.BackendDisk:
		open = func(context.Context) (types.LargeTier, error) {
			store, err := tier.NewDiskStore(tier.DiskStoreConfig{
				Directory:   cfg.LargeTier.Directory,
				Compression: cfg.LargeTier.Compression,
			})
			if err != nil {
				return nil, err
			}
			return store, nil
		}
	case config.BackendS3:
		open = func(ctx context.Context) (types.LargeTier, error) {
			store, err := tier.NewS3Store(ctx, cfg.LargeTier.S3, cfg.Network.Retry.MaxAttempts)
			if err != nil {
				return nil, err
			}
			return store, nil
		}
	default:
		return nil
	}

	if !cfg.LargeTier.Breaker.Enabled {
		return open
	}
	return func(ctx context.Context) (types.LargeTier, error) {
		store, err := open(ctx)
		if err != nil {
			return nil, err
		}
		breaker := circuit.NewBreaker("large-tier", circuit.Config{
			FailureThreshold: uint32(cfg.LargeTier.Breaker.FailureThreshold),
			Timeout:          cfg.LargeTier.Breaker.OpenTimeout,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
		return circuit.GuardLargeTier(store, breaker), nil
	}
}
