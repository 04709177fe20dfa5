package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	origin   domain.Identity = "MORIGIN"
	peer     domain.Identity = "MPEER"
	kv       domain.Identity = "VKV"
	contract                 = "wasmcloud:keyvalue"
)

type locator struct {
	mu        sync.Mutex
	actors    map[domain.Identity][]domain.Location
	providers map[string][]domain.Location
	local     map[domain.Identity]ports.ActorHandle
	claims    map[domain.Identity]domain.Claims
}

func newLocator() *locator {
	return &locator{
		actors:    map[domain.Identity][]domain.Location{},
		providers: map[string][]domain.Location{},
		local:     map[domain.Identity]ports.ActorHandle{},
		claims:    map[domain.Identity]domain.Claims{},
	}
}

func (l *locator) Find(id domain.Identity) []domain.Location {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.actors[id]
}

func (l *locator) FindProvider(id domain.Identity, linkName string) []domain.Location {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.providers[string(id)+"|"+linkName]
}

func (l *locator) Claims(id domain.Identity) (domain.Claims, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[id]
	return c, ok
}

func (l *locator) LocalActor(id domain.Identity) (ports.ActorHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.local[id]
	return h, ok
}

type bindings map[domain.LinkKey]domain.LinkDefinition

func (b bindings) Active(key domain.LinkKey) (domain.LinkDefinition, bool) {
	def, ok := b[key]
	return def, ok
}

type handlerFunc func(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error)

func (f handlerFunc) Invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
	return f(ctx, inv)
}

type kvProvider struct{}

func (kvProvider) PutLink(context.Context, domain.LinkDefinition) error    { return nil }
func (kvProvider) UpdateLink(context.Context, domain.LinkDefinition) error { return nil }
func (kvProvider) DeleteLink(context.Context, domain.LinkDefinition) error { return nil }
func (kvProvider) Invoke(_ context.Context, inv domain.Invocation) ([]byte, error) {
	return append([]byte("value-of-"), inv.Payload...), nil
}

type fixture struct {
	bus      *memory.Bus
	locator  *locator
	bindings bindings
	router   *router.Router
}

func newFixture(t *testing.T, opts ...router.Option) *fixture {
	t.Helper()
	bus := memory.NewBus()
	t.Cleanup(func() { bus.Close() })
	subjects := lattice.NewSubjects("test")
	endpoints := lattice.NewEndpoints(bus, subjects)

	srv, err := lattice.Serve(bus, subjects, kv, "default", kvProvider{})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	def := domain.LinkDefinition{Source: origin, Target: kv, ContractID: contract, LinkName: "default"}
	require.NoError(t, endpoints.Provider(kv, "default").PutLink(context.Background(), def, false))

	loc := newLocator()
	loc.actors[origin] = []domain.Location{{Identity: origin, Local: true}}
	loc.providers[string(kv)+"|default"] = []domain.Location{{Identity: kv, LinkName: "default"}}
	loc.claims[origin] = domain.Claims{Subject: origin}

	b := bindings{def.Key(): def}
	return &fixture{
		bus:      bus,
		locator:  loc,
		bindings: b,
		router:   router.New(loc, b, endpoints, endpoints, opts...),
	}
}

func kvCall() domain.Invocation {
	return domain.Invocation{Origin: origin, Target: kv, ContractID: contract, Operation: "get", Payload: []byte("k")}
}

func TestRouter_ProviderCall(t *testing.T) {
	f := newFixture(t)
	resp, err := f.router.Invoke(context.Background(), kvCall(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "value-of-k", string(resp.Payload))
	assert.NotEmpty(t, resp.TraceID, "a trace id is generated when missing")
}

func TestRouter_TraceIDPropagates(t *testing.T) {
	f := newFixture(t)
	inv := kvCall()
	inv.TraceID = "trace-42"
	resp, err := f.router.Invoke(context.Background(), inv, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "trace-42", resp.TraceID)
}

func TestRouter_PolicyDeniedNeverReachesTransport(t *testing.T) {
	denyInvoke := policy.AuthorityFunc(func(_ context.Context, _ string, req policy.Request) (policy.Decision, error) {
		if req.Action == policy.ActionInvoke {
			return policy.Deny("default deny"), nil
		}
		return policy.Allow(), nil
	})
	f := newFixture(t, router.WithPolicy(policy.NewGate(policy.WithAuthority(denyInvoke))))

	before := f.bus.Published()
	resp, err := f.router.Invoke(context.Background(), kvCall(), time.Second)
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
	require.NotNil(t, resp.Fault)
	assert.Equal(t, domain.FaultPolicyDenied, resp.Fault.Kind)
	assert.Equal(t, before, f.bus.Published())
}

func TestRouter_DeniedWithoutLinkReportsPolicy(t *testing.T) {
	f := newFixture(t, router.WithPolicy(policy.NewGate(policy.WithAuthority(policy.ClaimsAuthority))))
	// The same policy kept the link from binding.
	delete(f.bindings, domain.LinkKey{Source: origin, ContractID: contract, LinkName: "default"})

	before := f.bus.Published()
	resp, err := f.router.Invoke(context.Background(), kvCall(), time.Second)
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
	assert.NotErrorIs(t, err, domain.ErrTargetUnavailable)
	require.NotNil(t, resp.Fault)
	assert.Equal(t, domain.FaultPolicyDenied, resp.Fault.Kind)
	assert.Equal(t, before, f.bus.Published())
}

func TestRouter_NoActiveLinkIsUnavailable(t *testing.T) {
	f := newFixture(t)

	wrongContract := kvCall()
	wrongContract.ContractID = "wasmcloud:messaging"
	_, err := f.router.Invoke(context.Background(), wrongContract, time.Second)
	assert.ErrorIs(t, err, domain.ErrTargetUnavailable)

	wrongLink := kvCall()
	wrongLink.LinkName = "backup"
	_, err = f.router.Invoke(context.Background(), wrongLink, time.Second)
	assert.ErrorIs(t, err, domain.ErrTargetUnavailable)

	stranger := kvCall()
	stranger.Origin = "MSTRANGER"
	_, err = f.router.Invoke(context.Background(), stranger, time.Second)
	assert.ErrorIs(t, err, domain.ErrTargetUnavailable)
}

func TestRouter_ProviderNotRunning(t *testing.T) {
	f := newFixture(t)
	f.locator.mu.Lock()
	delete(f.locator.providers, string(kv)+"|default")
	f.locator.mu.Unlock()

	before := f.bus.Published()
	_, err := f.router.Invoke(context.Background(), kvCall(), time.Second)
	assert.ErrorIs(t, err, domain.ErrTargetUnavailable)
	assert.Equal(t, before, f.bus.Published())
}

func TestRouter_LocalActorInProcess(t *testing.T) {
	f := newFixture(t)
	f.locator.actors[peer] = []domain.Location{{Identity: peer, Local: true}}
	f.locator.local[peer] = handlerFunc(func(_ context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
		return domain.InvocationResponse{Payload: []byte("hello " + string(inv.Origin))}, nil
	})

	before := f.bus.Published()
	resp, err := f.router.Caller(origin)(context.Background(), domain.Invocation{Target: peer, Operation: "greet"})
	require.NoError(t, err)
	assert.Equal(t, "hello MORIGIN", string(resp.Payload))
	assert.Equal(t, before, f.bus.Published(), "local calls stay in process")
}

func TestRouter_LocalActorTimeout(t *testing.T) {
	f := newFixture(t)
	f.locator.actors[peer] = []domain.Location{{Identity: peer, Local: true}}
	f.locator.local[peer] = handlerFunc(func(ctx context.Context, _ domain.Invocation) (domain.InvocationResponse, error) {
		time.Sleep(200 * time.Millisecond)
		return domain.InvocationResponse{}, nil
	})

	_, err := f.router.Invoke(context.Background(), domain.Invocation{Origin: origin, Target: peer}, 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestRouter_RemoteActorOverBus(t *testing.T) {
	f := newFixture(t)
	f.locator.actors[peer] = []domain.Location{{Identity: peer, HostID: "NOTHER"}}

	subjects := lattice.NewSubjects("test")
	sub, err := lattice.ServeInvocations(f.bus, subjects.ActorRPC(peer), "rpc", nil, func(_ context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
		return domain.InvocationResponse{Payload: []byte("remote:" + inv.Operation)}, nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	resp, err := f.router.Invoke(context.Background(), domain.Invocation{Origin: origin, Target: peer, Operation: "ping"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "remote:ping", string(resp.Payload))
}

func TestRouter_UnknownActor(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Invoke(context.Background(), domain.Invocation{Origin: origin, Target: "MGHOST"}, time.Second)
	assert.ErrorIs(t, err, domain.ErrTargetUnavailable)
}

func TestRouter_ServeLocal(t *testing.T) {
	f := newFixture(t)
	f.locator.local[peer] = handlerFunc(func(_ context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
		return domain.InvocationResponse{Payload: inv.Payload}, nil
	})

	resp, err := f.router.ServeLocal(context.Background(), domain.Invocation{Target: peer, Payload: []byte("x"), TraceID: "t"})
	require.NoError(t, err)
	assert.Equal(t, "x", string(resp.Payload))
	assert.Equal(t, "t", resp.TraceID)

	_, err = f.router.ServeLocal(context.Background(), domain.Invocation{Target: "MNOPE"})
	assert.ErrorIs(t, err, domain.ErrTargetUnavailable)
}
