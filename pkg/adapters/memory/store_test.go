package memory_test

import (
	"context"
	"testing"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	ports.RunLinkStoreContract(t, memory.NewStore())
}

func TestMemoryStore_Isolation(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	def := domain.LinkDefinition{
		Source:     "MA",
		Target:     "VP",
		ContractID: "wasmcloud:messaging",
		Values:     map[string]string{"SUBSCRIPTION": "orders"},
	}
	require.NoError(t, store.Put(ctx, def))

	// Mutating the caller's map must not leak into the store.
	def.Values["SUBSCRIPTION"] = "changed"

	loaded, err := store.Get(ctx, def.Key())
	require.NoError(t, err)
	assert.Equal(t, "orders", loaded.Values["SUBSCRIPTION"])
	assert.Equal(t, domain.DefaultLinkName, loaded.LinkName)
}
