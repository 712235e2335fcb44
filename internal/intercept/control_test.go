package intercept

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pirlsquiz/cachekit/pkg/errors"
)

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("get-version", func(t *testing.T) {
		w := newTestWorker(t, testInterceptConfig())
		reply := make(chan Reply, 1)

		require.NoError(t, w.HandleMessage(ctx, Message{Type: MessageGetVersion}, reply))
		r := <-reply
		assert.Equal(t, "2.2.0", r.Version)
		assert.Nil(t, r.Success)
	})

	t.Run("skip-waiting activates an installed worker", func(t *testing.T) {
		w := newTestWorker(t, testInterceptConfig(), WithNetwork(siteNetwork()))
		require.NoError(t, w.Install(ctx))
		reply := make(chan Reply, 1)

		require.NoError(t, w.HandleMessage(ctx, Message{Type: MessageSkipWaiting}, reply))
		r := <-reply
		require.NotNil(t, r.Success)
		assert.True(t, *r.Success)
		assert.Equal(t, StateActivated, w.State())
	})

	t.Run("skip-waiting before install reports failure", func(t *testing.T) {
		w := newTestWorker(t, testInterceptConfig())
		reply := make(chan Reply, 1)

		require.NoError(t, w.HandleMessage(ctx, Message{Type: MessageSkipWaiting}, reply))
		r := <-reply
		require.NotNil(t, r.Success)
		assert.False(t, *r.Success)
		assert.Contains(t, r.Error, "INVALID_STATE")
	})

	t.Run("clear-cache deletes prefixed partitions", func(t *testing.T) {
		storage := NewStorage()
		storage.Open("pirls-cache-v2.2.0")
		storage.Open("pirls-cache-v1.0.0-data")
		storage.Open("unrelated")
		w := newTestWorker(t, testInterceptConfig(), WithStorage(storage))
		reply := make(chan Reply, 1)

		require.NoError(t, w.HandleMessage(ctx, Message{Type: MessageClearCache}, reply))
		r := <-reply
		require.NotNil(t, r.Success)
		assert.True(t, *r.Success)
		assert.Equal(t, []string{"unrelated"}, storage.Names())
	})

	t.Run("no reply channel", func(t *testing.T) {
		w := newTestWorker(t, testInterceptConfig())
		assert.NoError(t, w.HandleMessage(ctx, Message{Type: MessageGetVersion}, nil))
	})

	t.Run("unknown type", func(t *testing.T) {
		w := newTestWorker(t, testInterceptConfig())
		reply := make(chan Reply, 1)

		err := w.HandleMessage(ctx, Message{Type: "reload"}, reply)
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnknownMessage))
		assert.Empty(t, reply)
	})

	t.Run("nobody reading the reply", func(t *testing.T) {
		w := newTestWorker(t, testInterceptConfig())
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := w.HandleMessage(cctx, Message{Type: MessageGetVersion}, make(chan Reply))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
