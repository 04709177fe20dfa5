package host_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lattice/internal/testutils"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/claims"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/host"
	"github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kvContract = "wasmcloud:keyvalue"

type env struct {
	bus      *memory.Bus
	issuer   *testutils.Issuer
	launcher *testutils.Launcher
	runtime  *testutils.Runtime
	client   *lattice.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bus := memory.NewBus()
	t.Cleanup(func() { bus.Close() })
	return &env{
		bus:      bus,
		issuer:   testutils.NewIssuer(t),
		launcher: testutils.NewLauncher(bus),
		runtime:  &testutils.Runtime{},
		client:   lattice.NewClient(bus, lattice.NewSubjects("test"), 2*time.Second),
	}
}

func (e *env) host(t *testing.T, opts ...host.Option) *host.Host {
	t.Helper()
	base := []host.Option{
		host.WithLattice("test"),
		host.WithRuntime(e.runtime),
		host.WithLauncher(e.launcher),
		host.WithRPCTimeout(time.Second),
	}
	h, err := host.New(e.bus, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return h
}

func callProvider(actor, provider domain.Identity, op, payload string) domain.Invocation {
	next, _ := json.Marshal(domain.Invocation{Target: provider, ContractID: kvContract, Operation: op, Payload: []byte(payload)})
	return domain.Invocation{Target: actor, Operation: "call", Payload: next}
}

func kvLink(actor, provider domain.Identity) domain.LinkDefinition {
	return domain.LinkDefinition{Source: actor, Target: provider, ContractID: kvContract, Values: map[string]string{"URL": "redis://kv"}}
}

func TestHost_SingleHostBindAndInvoke(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t)

	providerID, providerJWT := e.issuer.Provider(t, "kv", kvContract)
	actorID, actorJWT := e.issuer.Actor(t, "echo", kvContract)

	_, err := e.client.StartProvider(ctx, h.ID(), lattice.StartProviderCommand{Manifest: providerJWT, Reference: "kv:0.1"})
	require.NoError(t, err)
	require.NoError(t, e.client.PutLink(ctx, kvLink(actorID, providerID)))

	st, ok := h.Links().Get(kvLink(actorID, providerID).Key())
	require.True(t, ok)
	assert.Equal(t, domain.LinkPending, st.State)

	started, err := e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: actorJWT, Reference: "echo:0.1", Count: 2})
	require.NoError(t, err)
	assert.Len(t, started.Instances, 2)

	st, _ = h.Links().Get(kvLink(actorID, providerID).Key())
	assert.Equal(t, domain.LinkBound, st.State)

	resp, err := h.Invoke(ctx, callProvider(actorID, providerID, "get", "greeting"))
	require.NoError(t, err)
	assert.Equal(t, "get:greeting", string(resp.Payload))
	assert.NotEmpty(t, resp.TraceID)

	puts, _, _ := e.launcher.Handler(providerID).Counts()
	assert.Equal(t, 1, puts)
}

func TestHost_ConcurrentProviderStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t)
	_, providerJWT := e.issuer.Provider(t, "kv", kvContract)

	const callers = 6
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := e.client.StartProvider(ctx, h.ID(), lattice.StartProviderCommand{Manifest: providerJWT, Reference: "kv:0.1"})
			assert.NoError(t, err)
			ids[i] = inst.InstanceID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, e.launcher.Launches())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, h.Registry().LocalProviders(), 1)
}

func TestHost_ProviderCrashUnbindsAndRestartRebinds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t)
	providerID, providerJWT := e.issuer.Provider(t, "kv", kvContract)

	_, err := e.client.StartProvider(ctx, h.ID(), lattice.StartProviderCommand{Manifest: providerJWT})
	require.NoError(t, err)

	var keys []domain.LinkKey
	for _, name := range []string{"one", "two", "three"} {
		actorID, actorJWT := e.issuer.Actor(t, name, kvContract)
		_, err := e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: actorJWT})
		require.NoError(t, err)
		require.NoError(t, e.client.PutLink(ctx, kvLink(actorID, providerID)))
		keys = append(keys, kvLink(actorID, providerID).Key())
	}
	for _, key := range keys {
		_, ok := h.Links().Active(key)
		require.True(t, ok)
	}

	e.launcher.Crash(providerID)
	assert.Eventually(t, func() bool {
		for _, key := range keys {
			st, _ := h.Links().Get(key)
			if st.State != domain.LinkUnbound {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err = e.client.StartProvider(ctx, h.ID(), lattice.StartProviderCommand{Manifest: providerJWT})
	require.NoError(t, err)
	for _, key := range keys {
		st, _ := h.Links().Get(key)
		assert.Equal(t, domain.LinkBound, st.State)
	}
	puts, updates, _ := e.launcher.Handler(providerID).Counts()
	assert.Equal(t, 6, puts)
	assert.Equal(t, 0, updates)
	assert.Equal(t, 2, e.launcher.Launches())
}

func TestHost_LinkUpdateReachesProviderOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t)
	providerID, providerJWT := e.issuer.Provider(t, "kv", kvContract)
	actorID, actorJWT := e.issuer.Actor(t, "echo", kvContract)

	_, err := e.client.StartProvider(ctx, h.ID(), lattice.StartProviderCommand{Manifest: providerJWT})
	require.NoError(t, err)
	_, err = e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: actorJWT})
	require.NoError(t, err)

	link := kvLink(actorID, providerID)
	require.NoError(t, e.client.PutLink(ctx, link))
	require.NoError(t, e.client.PutLink(ctx, link))
	link.Values = map[string]string{"URL": "redis://other"}
	require.NoError(t, e.client.PutLink(ctx, link))

	puts, updates, _ := e.launcher.Handler(providerID).Counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 1, updates)
}

func TestHost_TwoHostsRouteOverBus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hostA := e.host(t)
	hostB := e.host(t)

	providerID, providerJWT := e.issuer.Provider(t, "kv", kvContract)
	actorID, actorJWT := e.issuer.Actor(t, "echo", kvContract)

	_, err := e.client.StartProvider(ctx, hostB.ID(), lattice.StartProviderCommand{Manifest: providerJWT})
	require.NoError(t, err)
	_, err = e.client.StartActor(ctx, hostA.ID(), lattice.StartActorCommand{Manifest: actorJWT})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(hostA.Registry().FindProvider(providerID, "default")) == 1 &&
			len(hostB.Registry().Find(actorID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.client.PutLink(ctx, kvLink(actorID, providerID)))
	require.Eventually(t, func() bool {
		_, okA := hostA.Links().Active(kvLink(actorID, providerID).Key())
		_, okB := hostB.Links().Active(kvLink(actorID, providerID).Key())
		return okA && okB
	}, 2*time.Second, 10*time.Millisecond)

	// The actor on A reaches the provider on B.
	resp, err := hostA.Invoke(ctx, callProvider(actorID, providerID, "set", "v"))
	require.NoError(t, err)
	assert.Equal(t, "set:v", string(resp.Payload))

	// B reaches the actor on A over the bus.
	resp, err = hostB.Invoke(ctx, domain.Invocation{Target: actorID, Operation: "echo", Payload: []byte("ping"), TraceID: "trace-ab"})
	require.NoError(t, err)
	assert.Equal(t, "ping", string(resp.Payload))
	assert.Equal(t, "trace-ab", resp.TraceID)

	// Duplicate deliveries from both hosts are absorbed by the provider.
	puts, _, _ := e.launcher.Handler(providerID).Counts()
	assert.Equal(t, 1, puts)
}

func TestHost_StopEvictsFromPeers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hostA := e.host(t)
	hostB := e.host(t)
	actorID, actorJWT := e.issuer.Actor(t, "echo")

	_, err := e.client.StartActor(ctx, hostB.ID(), lattice.StartActorCommand{Manifest: actorJWT})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(hostA.Registry().Find(actorID)) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hostB.Stop(ctx))
	assert.Eventually(t, func() bool { return len(hostA.Registry().Find(actorID)) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.runtime.Live())
}

func TestHost_LateJoinerLearnsFromHeartbeat(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hostA := e.host(t)
	actorID, actorJWT := e.issuer.Actor(t, "echo")
	_, err := e.client.StartActor(ctx, hostA.ID(), lattice.StartActorCommand{Manifest: actorJWT})
	require.NoError(t, err)

	hostB := e.host(t)
	assert.Empty(t, hostB.Registry().Find(actorID))
	hostA.Heartbeat(ctx)
	assert.Eventually(t, func() bool { return len(hostB.Registry().Find(actorID)) == 1 }, 2*time.Second, 10*time.Millisecond)

	snaps, err := e.client.Hosts(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestHost_RejectsBadManifests(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t)

	_, err := e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: "not-a-token"})
	assert.ErrorIs(t, err, domain.ErrClaims)

	_, providerJWT := e.issuer.Provider(t, "kv", kvContract)
	_, err = e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: providerJWT})
	assert.ErrorIs(t, err, domain.ErrClaims)
	assert.Equal(t, 0, e.runtime.Live())
}

func TestHost_UntrustedIssuer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	other := testutils.NewIssuer(t)
	h := e.host(t, host.WithVerifier(claims.NewVerifier(claims.WithTrustAnchors(other.ID()))))

	_, actorJWT := e.issuer.Actor(t, "echo")
	_, err := e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: actorJWT})
	assert.ErrorIs(t, err, domain.ErrClaims)
	assert.Contains(t, err.Error(), "issuer untrusted")
}

func TestHost_PolicyDeniesStart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t, host.WithGate(policy.NewGate(policy.WithAuthority(policy.DenyAll))))

	_, actorJWT := e.issuer.Actor(t, "echo")
	_, err := e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: actorJWT})
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
	assert.Contains(t, err.Error(), "not authorized")
	assert.Empty(t, h.Registry().LocalActors(""))
}

func TestHost_StopActor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t)
	actorID, actorJWT := e.issuer.Actor(t, "echo")
	_, err := e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: actorJWT, Count: 3})
	require.NoError(t, err)

	require.NoError(t, e.client.StopActor(ctx, h.ID(), lattice.StopActorCommand{Identity: actorID, Count: 2}))
	assert.Len(t, h.Registry().LocalActors(actorID), 1)
	require.NoError(t, e.client.StopActor(ctx, h.ID(), lattice.StopActorCommand{Identity: actorID}))
	assert.Empty(t, h.Registry().LocalActors(actorID))

	err = e.client.StopActor(ctx, h.ID(), lattice.StopActorCommand{Identity: actorID})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.Invoke(ctx, domain.Invocation{Target: actorID, Operation: "echo"})
	assert.ErrorIs(t, err, domain.ErrTargetUnavailable)
}

func TestHost_ProviderLinkNamesBindIndependently(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t)
	providerID, providerJWT := e.issuer.Provider(t, "kv", kvContract)
	actorID, actorJWT := e.issuer.Actor(t, "echo", kvContract)

	for _, name := range []string{"a", "b"} {
		_, err := e.client.StartProvider(ctx, h.ID(), lattice.StartProviderCommand{Manifest: providerJWT, LinkName: name})
		require.NoError(t, err)
	}
	_, err := e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: actorJWT})
	require.NoError(t, err)

	link := kvLink(actorID, providerID)
	link.LinkName = "a"
	require.NoError(t, e.client.PutLink(ctx, link))
	_, ok := h.Links().Active(link.Key())
	require.True(t, ok)

	require.NoError(t, e.client.StopProvider(ctx, h.ID(), lattice.StopProviderCommand{Identity: providerID, LinkName: "a"}))
	st, _ := h.Links().Get(link.Key())
	assert.Equal(t, domain.LinkUnbound, st.State, "stopping P/a unbinds its links while P/b keeps running")

	_, err = e.client.StartProvider(ctx, h.ID(), lattice.StartProviderCommand{Manifest: providerJWT, LinkName: "a"})
	require.NoError(t, err)
	st, _ = h.Links().Get(link.Key())
	assert.Equal(t, domain.LinkBound, st.State)
	puts, _, _ := e.launcher.Handler(providerID).Counts()
	assert.Equal(t, 2, puts, "the restarted instance receives its binding")

	next, _ := json.Marshal(domain.Invocation{Target: providerID, ContractID: kvContract, LinkName: "a", Operation: "get", Payload: []byte("k")})
	resp, err := h.Invoke(ctx, domain.Invocation{Target: actorID, Operation: "call", Payload: next})
	require.NoError(t, err)
	assert.Equal(t, "get:k", string(resp.Payload))
}

func TestHost_UndeclaredCapabilityInvocationIsDenied(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.host(t, host.WithGate(policy.NewGate(policy.WithAuthority(policy.ClaimsAuthority))))
	providerID, providerJWT := e.issuer.Provider(t, "kv", kvContract)
	actorID, actorJWT := e.issuer.Actor(t, "nocaps")

	_, err := e.client.StartProvider(ctx, h.ID(), lattice.StartProviderCommand{Manifest: providerJWT})
	require.NoError(t, err)
	_, err = e.client.StartActor(ctx, h.ID(), lattice.StartActorCommand{Manifest: actorJWT})
	require.NoError(t, err)
	require.NoError(t, e.client.PutLink(ctx, kvLink(actorID, providerID)))
	st, _ := h.Links().Get(kvLink(actorID, providerID).Key())
	require.Equal(t, domain.LinkPending, st.State)

	_, err = h.Invoke(ctx, callProvider(actorID, providerID, "get", "k"))
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
	assert.NotErrorIs(t, err, domain.ErrTargetUnavailable)
	assert.Equal(t, 0, e.launcher.Handler(providerID).Invoked())
}
