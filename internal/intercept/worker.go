package intercept

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pirlsquiz/cachekit/internal/config"
	"github.com/pirlsquiz/cachekit/internal/metrics"
	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/health"
	"github.com/pirlsquiz/cachekit/pkg/retry"
)

const precacheConcurrency = 4

// State is a worker's lifecycle state.
type State int

const (
	// StateNew is a worker that has not started installing.
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// StateInstallFailed is terminal until Install is retried.
	StateInstallFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateInstallFailed:
		return "install-failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Worker owns the versioned partitions and answers intercepted requests.
// Until it is activated every request goes straight to the network.
type Worker struct {
	version     string
	prefix      string
	precache    []string
	skipWaiting bool
	policies    map[Class]PartitionPolicy

	classifier *Classifier
	strategies *Strategies
	storage    *Storage
	network    http.RoundTripper
	retryer    *retry.Retryer

	mu    sync.RWMutex
	state State

	cancel context.CancelFunc

	logger  *slog.Logger
	metrics *metrics.Collector
	health  *health.Tracker
}

// NewWorker builds a worker for cfg. It fails only on an invalid origin.
func NewWorker(cfg config.InterceptConfig, opts ...WorkerOption) (*Worker, error) {
	o := workerOptions{
		network: http.DefaultTransport,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.storage == nil {
		o.storage = NewStorage()
	}
	if o.retry == nil {
		o.retry = retry.New(retry.Config{MaxAttempts: 1})
	}

	classifier, err := NewClassifier(cfg)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("component", "intercept", "version", cfg.Version)
	background, cancel := context.WithCancel(context.Background())

	w := &Worker{
		version:     cfg.Version,
		prefix:      cfg.CachePrefix,
		precache:    cfg.Precache,
		skipWaiting: cfg.SkipWaiting,
		classifier:  classifier,
		storage:     o.storage,
		network:     o.network,
		retryer:     o.retry,
		state:       StateNew,
		cancel:      cancel,
		logger:      logger,
		metrics:     o.metrics,
		health:      o.health,
	}

	core := w.CoreName()
	w.policies = map[Class]PartitionPolicy{
		ClassCore:     policyFor(core, cfg.Partitions.Core),
		ClassImages:   policyFor(core+"-"+string(ClassImages), cfg.Partitions.Images),
		ClassData:     policyFor(core+"-"+string(ClassData), cfg.Partitions.Data),
		ClassExternal: policyFor(core+"-"+string(ClassExternal), cfg.Partitions.External),
	}

	w.strategies = &Strategies{
		network:      o.network,
		storage:      o.storage,
		fetchTimeout: cfg.FetchTimeout,
		background:   background,
		now:          o.now,
		logger:       logger,
		metrics:      o.metrics,
		health:       o.health,
	}

	if w.health != nil {
		w.health.RegisterComponent(health.ComponentNetwork)
	}
	return w, nil
}

func policyFor(name string, cfg config.PartitionConfig) PartitionPolicy {
	return PartitionPolicy{Name: name, MaxEntries: cfg.MaxEntries, MaxAge: cfg.MaxAge}
}

// CoreName is the current version's unsuffixed partition name.
func (w *Worker) CoreName() string {
	return fmt.Sprintf("%s-v%s", w.prefix, w.version)
}

// Version returns the version the worker's partitions belong to.
func (w *Worker) Version() string {
	return w.version
}

// Policy returns the partition policy for class.
func (w *Worker) Policy(class Class) PartitionPolicy {
	return w.policies[class]
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	old := w.state
	w.state = state
	w.mu.Unlock()
	w.logger.Info("Worker state changed", "from", old, "to", state)
}

// transition moves from one of the allowed states to next, failing with
// INVALID_STATE otherwise.
func (w *Worker) transition(next State, allowed ...State) error {
	w.mu.Lock()
	current := w.state
	for _, s := range allowed {
		if current == s {
			w.state = next
			w.mu.Unlock()
			w.logger.Info("Worker state changed", "from", current, "to", next)
			return nil
		}
	}
	w.mu.Unlock()

	return errors.NewError(errors.ErrCodeInvalidState, "worker cannot move to "+next.String()).
		WithComponent("intercept").
		WithDetail("state", current.String())
}

// Install fetches the precache manifest into the core partition, forcing
// revalidation past any HTTP cache. Nothing is stored unless every URL
// returns 200; on failure the worker moves to install-failed. When
// skip_waiting is set the worker activates straight away.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateNew, StateInstallFailed); err != nil {
		return err
	}
	start := time.Now()

	fetched, err := w.precacheAll(ctx)
	w.metrics.RecordOperation("install", time.Since(start), err == nil)
	if err != nil {
		w.setState(StateInstallFailed)
		w.logger.Error("Precache failed", "error", err)
		return errors.NewError(errors.ErrCodeInstallFailed, "precache failed").
			WithComponent("intercept").
			WithOperation("install").
			WithCause(err)
	}

	core := w.storage.Open(w.CoreName())
	for _, response := range fetched {
		core.Put(response.URL, response)
	}
	w.metrics.SetPartitionEntries(core.Name(), core.Len())
	w.setState(StateInstalled)
	w.logger.Info("Installation complete", "precached", len(fetched))

	if w.skipWaiting {
		return w.Activate(ctx)
	}
	return nil
}

// Start brings a new worker into service. When storage already holds a
// populated core partition for this version, as after a restart on
// persisted storage, the worker activates on it without touching the
// network. Otherwise it installs.
func (w *Worker) Start(ctx context.Context) error {
	if w.State() == StateNew && w.storage.Has(w.CoreName()) {
		if core := w.storage.Open(w.CoreName()); core.Len() > 0 {
			if err := w.transition(StateInstalled, StateNew); err != nil {
				return err
			}
			w.metrics.SetPartitionEntries(core.Name(), core.Len())
			w.logger.Info("Restored partitions from storage", "partition", core.Name(), "entries", core.Len())
			return w.Activate(ctx)
		}
	}
	return w.Install(ctx)
}

func (w *Worker) precacheAll(ctx context.Context) ([]CachedResponse, error) {
	fetched := make([]CachedResponse, len(w.precache))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, raw := range w.precache {
		g.Go(func() error {
			return w.retryer.Do(gctx, func(ctx context.Context) error {
				response, err := w.precacheOne(ctx, raw)
				if err != nil {
					return err
				}
				fetched[i] = response
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fetched, nil
}

func (w *Worker) precacheOne(ctx context.Context, raw string) (CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return CachedResponse{}, fmt.Errorf("invalid precache URL %q: %w", raw, err)
	}
	req.URL = w.classifier.Resolve(req.URL)
	req.Host = req.URL.Host
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, cancel, err := w.strategies.fetch(ctx, req)
	if err != nil {
		return CachedResponse{}, err
	}
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return CachedResponse{}, fmt.Errorf("precache %s: unexpected status %d", req.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, fmt.Errorf("precache %s: %w", req.URL, err)
	}

	return CachedResponse{
		URL:      requestKey(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: w.strategies.now(),
	}, nil
}

// Activate deletes every prefixed partition that does not belong to the
// current version, then takes control of requests. Activating an active
// worker is a no-op.
func (w *Worker) Activate(_ context.Context) error {
	if w.State() == StateActivated {
		return nil
	}
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		return err
	}

	deleted := w.storage.DeleteMatching(func(name string) bool {
		return w.owned(name) && !w.current(name)
	})
	for _, name := range deleted {
		w.logger.Info("Deleted partition from previous version", "partition", name)
		w.metrics.DeletePartition(name)
	}

	w.setState(StateActivated)
	w.logger.Info("Activation complete, intercepting requests", "deleted_partitions", len(deleted))
	return nil
}

// SkipWaiting activates an installed worker without waiting.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	switch w.State() {
	case StateActivated, StateActivating:
		return nil
	default:
		return w.Activate(ctx)
	}
}

// ClearCache deletes every partition carrying the prefix, including the
// current version's. It returns the deleted names.
func (w *Worker) ClearCache(_ context.Context) []string {
	deleted := w.storage.DeleteMatching(w.owned)
	for _, name := range deleted {
		w.metrics.DeletePartition(name)
	}
	w.logger.Info("Cleared all partitions", "deleted", len(deleted))
	return deleted
}

// Partitions summarises the partitions carrying the prefix.
func (w *Worker) Partitions() []PartitionInfo {
	return w.storage.Info(w.prefix + "-")
}

// owned reports whether name carries the subsystem prefix.
func (w *Worker) owned(name string) bool {
	return strings.HasPrefix(name, w.prefix+"-")
}

// current reports whether name is the current core partition or one of
// its class partitions.
func (w *Worker) current(name string) bool {
	core := w.CoreName()
	return name == core || strings.HasPrefix(name, core+"-")
}

// Serve answers req. Before activation, and for bypassed requests, it
// forwards to the network and returns its error unchanged. Intercepted
// requests always get a response.
func (w *Worker) Serve(req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() {
		req = req.Clone(req.Context())
		req.URL = w.classifier.Resolve(req.URL)
		req.Host = req.URL.Host
	}

	if w.State() != StateActivated {
		return w.network.RoundTrip(req)
	}

	route := w.classifier.Classify(req)
	if route.Strategy == StrategyBypass {
		w.metrics.RecordStrategy(StrategyBypass.String(), "", metrics.OutcomeBypass)
		return w.network.RoundTrip(req)
	}

	policy := w.policies[route.Class]
	switch route.Strategy {
	case StrategyCacheFirst:
		return w.strategies.CacheFirst(req, policy), nil
	case StrategyNetworkFirst:
		return w.strategies.NetworkFirst(req, policy), nil
	default:
		return w.strategies.StaleWhileRevalidate(req, policy), nil
	}
}

// Close stops background revalidation and waits for running ones.
func (w *Worker) Close() error {
	w.cancel()
	w.strategies.Stop()
	return nil
}
