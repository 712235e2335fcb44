package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pirlsquiz/cachekit/pkg/errors"
)

func fastConfig(attempts int) Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeNetworkTimeout, "fetch timed out")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	tests := []struct {
		name string
		err  error
	}{
		{"storage error", errors.NewError(errors.ErrCodeCorruptEntry, "bad checksum")},
		{"plain error", fmt.Errorf("unexpected status 404")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := retryer.Do(context.Background(), func(context.Context) error {
				attempts++
				return tt.err
			})

			if err != tt.err {
				t.Errorf("Expected the original error, got %v", err)
			}
			if attempts != 1 {
				t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
			}
		})
	}
}

func TestRetryer_RetryableFlag(t *testing.T) {
	config := fastConfig(2)
	config.RetryableErrors = []errors.ErrorCode{}
	retryer := New(config)

	attempts := 0
	_ = retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		err := errors.NewError(errors.ErrCodeStorageRead, "read failed")
		err.Retryable = true
		return err
	})

	if attempts != 2 {
		t.Errorf("Expected the retryable flag to allow 2 attempts, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeNetworkError, "connection refused")
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if !errors.HasCode(err, errors.ErrCodeNetworkError) {
		t.Errorf("Expected NETWORK_ERROR to survive wrapping, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig(5)
	config.InitialDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := retryer.Do(ctx, func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeNetworkError, "connection refused")
	})

	if err == nil {
		t.Fatal("Expected an error after cancellation")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Cancellation took too long: %v", elapsed)
	}
	if !errors.HasCode(err, errors.ErrCodeNetworkError) {
		t.Errorf("Expected the last error to be wrapped, got %v", err)
	}
}

func TestRetryer_CanceledBeforeStart(t *testing.T) {
	retryer := New(fastConfig(3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := retryer.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})

	if called {
		t.Error("fn should not run once ctx has ended")
	}
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := fastConfig(5)
	config.InitialDelay = 100 * time.Millisecond
	config.MaxDelay = time.Second
	retryer := New(config)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
	}
	for i, expected := range want {
		if got := retryer.calculateDelay(i + 1); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}
}

func TestRetryer_JitterBounds(t *testing.T) {
	config := fastConfig(3)
	config.InitialDelay = 100 * time.Millisecond
	config.Jitter = true
	retryer := New(config)

	for i := 0; i < 100; i++ {
		delay := retryer.calculateDelay(1)
		if delay < 80*time.Millisecond || delay > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%%", delay)
		}
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	config := fastConfig(3)
	var calls []int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		calls = append(calls, attempt)
	}
	retryer := New(config)

	_ = retryer.Do(context.Background(), func(context.Context) error {
		return errors.NewError(errors.ErrCodeNetworkError, "connection refused")
	})

	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Errorf("Expected OnRetry for attempts 1 and 2, got %v", calls)
	}
}

func TestNew_Defaults(t *testing.T) {
	retryer := New(Config{})
	if retryer.MaxAttempts() != 3 {
		t.Errorf("Expected default 3 attempts, got %d", retryer.MaxAttempts())
	}
	if len(retryer.config.RetryableErrors) != 3 {
		t.Errorf("Expected default retryable codes, got %v", retryer.config.RetryableErrors)
	}
}
