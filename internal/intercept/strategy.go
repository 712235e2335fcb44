package intercept

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pirlsquiz/cachekit/internal/metrics"
	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/health"
)

const offlineBody = "Offline: this resource could not be loaded from the network or the cache.\n"

// Strategies answers intercepted GET requests from partitions and the
// network. Every strategy returns a response: when neither source can
// serve the request the caller receives a synthetic 503.
type Strategies struct {
	network      http.RoundTripper
	storage      *Storage
	fetchTimeout time.Duration

	// background outlives individual requests; revalidations run under it.
	background context.Context
	group      singleflight.Group
	inflight   sync.WaitGroup

	// stopMu orders inflight.Add against Stop's Wait.
	stopMu  sync.Mutex
	stopped bool

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collector
	health  *health.Tracker
}

// CacheFirst serves the stored copy when there is one. Otherwise it
// fetches, storing a 200 response before returning it.
func (s *Strategies) CacheFirst(req *http.Request, policy PartitionPolicy) *http.Response {
	key := requestKey(req.URL)
	if cached, ok := s.storage.Open(policy.Name).Match(key); ok {
		s.record(StrategyCacheFirst, policy, metrics.OutcomeCacheHit)
		return cached.Response(req)
	}

	resp, err := s.fetchAndStore(req.Context(), req, policy)
	if err != nil {
		s.logger.Warn("Fetch failed with no cached copy", "url", key, "error", err)
		s.record(StrategyCacheFirst, policy, metrics.OutcomeUnavailable)
		return offlineResponse(req)
	}
	s.record(StrategyCacheFirst, policy, metrics.OutcomeNetwork)
	return resp
}

// NetworkFirst fetches first, storing a 200 response. When the network
// fails the stored copy is served instead.
func (s *Strategies) NetworkFirst(req *http.Request, policy PartitionPolicy) *http.Response {
	resp, err := s.fetchAndStore(req.Context(), req, policy)
	if err == nil {
		s.record(StrategyNetworkFirst, policy, metrics.OutcomeNetwork)
		return resp
	}

	key := requestKey(req.URL)
	if cached, ok := s.storage.Open(policy.Name).Match(key); ok {
		s.logger.Info("Network failed, serving cached copy", "url", key, "error", err)
		s.record(StrategyNetworkFirst, policy, metrics.OutcomeFallback)
		return cached.Response(req)
	}

	s.logger.Warn("Network failed with no cached copy", "url", key, "error", err)
	s.record(StrategyNetworkFirst, policy, metrics.OutcomeUnavailable)
	return offlineResponse(req)
}

// StaleWhileRevalidate serves the stored copy immediately and refreshes it
// in the background. Without a stored copy the caller waits for the
// network.
func (s *Strategies) StaleWhileRevalidate(req *http.Request, policy PartitionPolicy) *http.Response {
	key := requestKey(req.URL)
	if cached, ok := s.storage.Open(policy.Name).Match(key); ok {
		s.revalidate(req, policy, key)
		s.record(StrategyStaleWhileRevalidate, policy, metrics.OutcomeStale)
		return cached.Response(req)
	}

	resp, err := s.fetchAndStore(req.Context(), req, policy)
	if err != nil {
		s.logger.Warn("Fetch failed with no cached copy", "url", key, "error", err)
		s.record(StrategyStaleWhileRevalidate, policy, metrics.OutcomeUnavailable)
		return offlineResponse(req)
	}
	s.record(StrategyStaleWhileRevalidate, policy, metrics.OutcomeNetwork)
	return resp
}

// revalidate refreshes key on a detached goroutine. Concurrent refreshes
// of the same URL share one fetch.
func (s *Strategies) revalidate(req *http.Request, policy PartitionPolicy, key string) {
	ctx := s.background

	s.stopMu.Lock()
	if s.stopped || ctx.Err() != nil {
		s.stopMu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.stopMu.Unlock()

	detached := req.Clone(ctx)
	go func() {
		defer s.inflight.Done()

		_, err, shared := s.group.Do(policy.Name+" "+key, func() (any, error) {
			resp, err := s.fetchAndStore(ctx, detached, policy)
			if err != nil {
				return nil, err
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, resp.Body.Close()
		})
		if err != nil && !shared {
			s.logger.Warn("Background revalidation failed", "url", key, "partition", policy.Name, "error", err)
		}
	}()
}

// Wait blocks until background revalidations have finished.
func (s *Strategies) Wait() {
	s.inflight.Wait()
}

// Stop refuses new revalidations, then waits for running ones.
func (s *Strategies) Stop() {
	s.stopMu.Lock()
	s.stopped = true
	s.stopMu.Unlock()
	s.inflight.Wait()
}

// fetchAndStore fetches req under ctx. A 200 response is buffered, stored
// in the policy's partition and returned as a fresh copy; any other
// response is returned as is without being stored.
func (s *Strategies) fetchAndStore(ctx context.Context, req *http.Request, policy PartitionPolicy) (*http.Response, error) {
	resp, cancel, err := s.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	cancel()
	if err != nil {
		s.networkFailed(err)
		return nil, errors.NewError(errors.ErrCodeNetworkError, "failed to read response body").
			WithComponent("intercept").
			WithOperation("fetch").
			WithDetail("url", req.URL.String()).
			WithCause(err)
	}

	cached := CachedResponse{
		URL:      requestKey(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: s.now(),
	}
	s.store(policy, cached)
	return cached.Response(req), nil
}

// fetch sends req through the network with the fetch timeout applied. The
// returned cancel func must be called once the body has been consumed.
func (s *Strategies) fetch(ctx context.Context, req *http.Request) (*http.Response, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if s.fetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
	}

	resp, err := s.network.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		s.networkFailed(err)
		code := errors.ErrCodeNetworkError
		if ctx.Err() == context.DeadlineExceeded {
			code = errors.ErrCodeNetworkTimeout
		}
		return nil, nil, errors.NewError(code, "fetch failed").
			WithComponent("intercept").
			WithOperation("fetch").
			WithDetail("url", req.URL.String()).
			WithCause(err)
	}

	if s.health != nil {
		s.health.RecordSuccess(health.ComponentNetwork)
	}
	return resp, cancel, nil
}

// store puts response into the policy's partition and trims it to bound.
func (s *Strategies) store(policy PartitionPolicy, response CachedResponse) {
	partition := s.storage.Open(policy.Name)
	partition.Put(response.URL, response)

	if evicted := partition.Trim(policy.MaxEntries); evicted > 0 {
		s.logger.Debug("Partition over limit, evicted oldest entries",
			"partition", policy.Name, "evicted", evicted, "max_entries", policy.MaxEntries)
		s.metrics.RecordEviction(policy.Name, evicted)
	}
	s.metrics.SetPartitionEntries(policy.Name, partition.Len())
}

func (s *Strategies) networkFailed(err error) {
	s.metrics.RecordError("fetch", err)
	if s.health != nil {
		s.health.RecordError(health.ComponentNetwork, err)
	}
}

func (s *Strategies) record(strategy Strategy, policy PartitionPolicy, outcome string) {
	s.metrics.RecordStrategy(strategy.String(), policy.Name, outcome)
}

// offlineResponse is returned when neither the network nor a partition can
// serve req.
func offlineResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:     "503 Service Unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
		},
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}

// cancelOnClose releases a fetch's timeout context when the streamed body
// is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
