// Package circuit stops calling a backend that keeps failing. A Breaker
// trips open after a run of consecutive failures, rejects calls until its
// timeout passes, then lets a limited number of probe calls through.
package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/pirlsquiz/cachekit/pkg/errors"
)

// State represents the breaker state
type State int

const (
	// StateClosed passes calls through
	StateClosed State = iota
	// StateOpen rejects calls
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config contains breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// a closed breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// MaxRequests is the number of probe calls allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval clears the closed-state counts periodically
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open
	Timeout time.Duration `yaml:"timeout"`

	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful decides whether an error counts as a failure
	IsSuccessful func(err error) bool `yaml:"-"`

	// Now replaces time.Now
	Now func() time.Time `yaml:"-"`
}

// Counts holds the numbers of calls and their outcomes
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: config.Now().Add(config.Interval),
	}
}

// defaultIsSuccessful treats cancellation by the caller as success, since
// it says nothing about the backend.
func defaultIsSuccessful(err error) bool {
	return err == nil || stderr.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it. A rejected call returns
// TIER_UNAVAILABLE without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.config.Now())
	switch {
	case state == StateOpen:
		return b.rejected("circuit breaker is open")
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests:
		return b.rejected("too many requests while half-open")
	}

	b.counts.onRequest()
	return nil
}

func (b *Breaker) rejected(message string) error {
	err := errors.NewError(errors.ErrCodeTierUnavailable, message).
		WithComponent("circuit").
		WithDetail("breaker", b.name).
		WithDetail("state", b.state.String())
	err.Retryable = false
	return err
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.config.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.config.Now())
	b.counts = Counts{}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}
