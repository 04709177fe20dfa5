package memory_test

import (
	"context"
	"testing"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_Contract(t *testing.T) {
	bus := memory.NewBus()
	defer bus.Close()
	ports.RunTransportContract(t, bus)
}

func TestBus_Closed(t *testing.T) {
	bus := memory.NewBus()
	require.NoError(t, bus.Close())

	_, err := bus.Subscribe("a", func(context.Context, *ports.Msg) {})
	assert.ErrorIs(t, err, memory.ErrClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), "a", nil), memory.ErrClosed)
}

func TestBus_PublishedCounter(t *testing.T) {
	bus := memory.NewBus()
	defer bus.Close()

	before := bus.Published()
	require.NoError(t, bus.Publish(context.Background(), "nobody.listens", []byte("x")))
	assert.Equal(t, before+1, bus.Published())
}
