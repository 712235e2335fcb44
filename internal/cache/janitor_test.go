package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Janitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	small := newSmall(t, 1<<20)
	m := New(ctx, testConfig(), small, WithClock(clock.Now))

	m.Set(ctx, "q_1", 1)
	clock.Set(baseTime.Add(25 * time.Hour))

	done := m.StartJanitor(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := small.GetItem("pirls_cache_q_1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
	assert.Equal(t, []string{"pirls_cache_version"}, small.Keys())
}
