package ports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunLinkStoreContract runs a suite of tests to verify that a LinkStore implementation
// adheres to the defined interface contract.
func RunLinkStoreContract(t *testing.T, store LinkStore) {
	ctx := context.Background()
	def := domain.LinkDefinition{
		Source:     "MACTORCONTRACT",
		Target:     "VPROVIDERCONTRACT",
		ContractID: "wasmcloud:keyvalue",
		LinkName:   "default",
		Values:     map[string]string{"URL": "redis://127.0.0.1:6379"},
	}

	t.Run("Put and Get", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, def))

		loaded, err := store.Get(ctx, def.Key())
		require.NoError(t, err)
		assert.Equal(t, def.Target, loaded.Target)
		assert.Equal(t, "redis://127.0.0.1:6379", loaded.Values["URL"])
	})

	t.Run("Put replaces", func(t *testing.T) {
		changed := def
		changed.Values = map[string]string{"URL": "redis://10.0.0.1:6379"}
		require.NoError(t, store.Put(ctx, changed))

		loaded, err := store.Get(ctx, def.Key())
		require.NoError(t, err)
		assert.Equal(t, "redis://10.0.0.1:6379", loaded.Values["URL"])
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, domain.LinkKey{Source: "MNOPE", ContractID: "x", LinkName: "default"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		other := def
		other.LinkName = "secondary"
		require.NoError(t, store.Put(ctx, other))

		defs, err := store.List(ctx)
		require.NoError(t, err)
		keys := make([]domain.LinkKey, 0, len(defs))
		for _, d := range defs {
			keys = append(keys, d.Key())
		}
		assert.Contains(t, keys, def.Key())
		assert.Contains(t, keys, other.Key())
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, def.Key()))
		_, err := store.Get(ctx, def.Key())
		assert.ErrorIs(t, err, domain.ErrNotFound)

		// Idempotent
		assert.NoError(t, store.Delete(ctx, def.Key()))
	})
}

// RunTransportContract verifies the publish/subscribe, queue group and
// request/reply behavior of a Transport implementation.
func RunTransportContract(t *testing.T, bus Transport) {
	ctx := context.Background()

	t.Run("Ordered delivery", func(t *testing.T) {
		var mu sync.Mutex
		var got []string
		done := make(chan struct{})
		sub, err := bus.Subscribe("contract.order.*", func(_ context.Context, msg *Msg) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(msg.Data))
			if len(got) == 5 {
				close(done)
			}
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		for _, v := range []string{"1", "2", "3", "4", "5"} {
			require.NoError(t, bus.Publish(ctx, "contract.order.evt", []byte(v)))
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for messages")
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
	})

	t.Run("Queue group delivers once", func(t *testing.T) {
		var mu sync.Mutex
		count := 0
		handler := func(_ context.Context, _ *Msg) {
			mu.Lock()
			defer mu.Unlock()
			count++
		}
		s1, err := bus.QueueSubscribe("contract.queue", "workers", handler)
		require.NoError(t, err)
		defer s1.Unsubscribe()
		s2, err := bus.QueueSubscribe("contract.queue", "workers", handler)
		require.NoError(t, err)
		defer s2.Unsubscribe()

		for i := 0; i < 10; i++ {
			require.NoError(t, bus.Publish(ctx, "contract.queue", []byte("job")))
		}
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return count == 10
		}, 2*time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 10, count)
		mu.Unlock()
	})

	t.Run("Request reply", func(t *testing.T) {
		sub, err := bus.Subscribe("contract.echo", func(ctx context.Context, msg *Msg) {
			_ = bus.Respond(ctx, msg, append([]byte("echo:"), msg.Data...))
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		reply, err := bus.Request(rctx, "contract.echo", []byte("hi"))
		require.NoError(t, err)
		assert.Equal(t, "echo:hi", string(reply))
	})

	t.Run("Request without responders", func(t *testing.T) {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err := bus.Request(rctx, "contract.nobody", []byte("hi"))
		assert.ErrorIs(t, err, domain.ErrNoResponders)
	})

	t.Run("Request timeout", func(t *testing.T) {
		sub, err := bus.Subscribe("contract.silent", func(context.Context, *Msg) {})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = bus.Request(rctx, "contract.silent", []byte("hi"))
		assert.ErrorIs(t, err, domain.ErrTimeout)
	})
}
