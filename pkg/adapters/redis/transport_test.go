package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/adapters/redis"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransport_Contract(t *testing.T) {
	_, client := newClient(t)
	bus := redis.NewTransportFromClient(client)
	defer bus.Close()
	ports.RunTransportContract(t, bus)
}

func TestRedisTransport_WildcardRespectsTokens(t *testing.T) {
	_, client := newClient(t)
	bus := redis.NewTransportFromClient(client)
	defer bus.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sub, err := bus.Subscribe("wasmbus.evt.default.*", func(_ context.Context, msg *ports.Msg) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.Subject)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// The Redis glob would match both; only the single-token subject counts.
	require.NoError(t, bus.Publish(ctx, "wasmbus.evt.default.deep.nested", []byte("x")))
	require.NoError(t, bus.Publish(ctx, "wasmbus.evt.default.heartbeat", []byte("x")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"wasmbus.evt.default.heartbeat"}, got)
}

func TestRedisTransport_ChannelPrefixIsolatesLattices(t *testing.T) {
	_, client := newClient(t)
	a := redis.NewTransportFromClient(client, redis.WithChannelPrefix("a:"))
	b := redis.NewTransportFromClient(client, redis.WithChannelPrefix("b:"))
	defer a.Close()
	defer b.Close()

	received := make(chan struct{}, 1)
	sub, err := b.Subscribe("shared.subject", func(context.Context, *ports.Msg) {
		received <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, a.Publish(context.Background(), "shared.subject", []byte("x")))
	select {
	case <-received:
		t.Fatal("message crossed lattice prefixes")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisTransport_Closed(t *testing.T) {
	_, client := newClient(t)
	bus := redis.NewTransportFromClient(client)
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), "x", nil), redis.ErrClosed)
	_, err := bus.Subscribe("x", func(context.Context, *ports.Msg) {})
	assert.ErrorIs(t, err, redis.ErrClosed)
}
