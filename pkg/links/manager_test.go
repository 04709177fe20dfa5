package links

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	actor    domain.Identity = "MACTOR"
	provider domain.Identity = "VPROVIDER"
	contract                 = "wasmcloud:keyvalue"
)

type fakeResolver struct {
	mu        sync.Mutex
	running   map[domain.Identity]bool
	providers map[string]bool
}

func newResolver() *fakeResolver {
	return &fakeResolver{running: map[domain.Identity]bool{}, providers: map[string]bool{}}
}

func (r *fakeResolver) startActor(id domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = true
}

func (r *fakeResolver) startProvider(id domain.Identity, linkName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = true
	r.providers[string(id)+"|"+linkName] = true
}

func (r *fakeResolver) stop(id domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
	for k := range r.providers {
		if len(k) > len(id) && k[:len(id)] == string(id) {
			delete(r.providers, k)
		}
	}
}

func (r *fakeResolver) stopProvider(id domain.Identity, linkName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, string(id)+"|"+linkName)
}

func (r *fakeResolver) Find(id domain.Identity) []domain.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return []domain.Location{{Identity: id, HostID: "NHOST", Local: true}}
	}
	return nil
}

func (r *fakeResolver) FindProvider(id domain.Identity, linkName string) []domain.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers[string(id)+"|"+linkName] {
		return []domain.Location{{Identity: id, HostID: "NHOST", LinkName: linkName, Local: true}}
	}
	return nil
}

func (r *fakeResolver) Claims(id domain.Identity) (domain.Claims, bool) {
	if id == actor {
		return domain.Claims{Subject: actor, Caps: []string{contract}}, true
	}
	return domain.Claims{}, false
}

type call struct {
	op     string
	source domain.Identity
	url    string
}

type recordingEndpoints struct {
	mu     sync.Mutex
	calls  []call
	reject error
}

func (r *recordingEndpoints) Provider(domain.Identity, string) ports.ProviderEndpoint { return r }

func (r *recordingEndpoints) record(op string, def domain.LinkDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: op, source: def.Source, url: def.Values["URL"]})
}

func (r *recordingEndpoints) PutLink(_ context.Context, def domain.LinkDefinition, update bool) error {
	if r.reject != nil {
		return fmt.Errorf("%w: %v", domain.ErrLinkDeliveryFailed, r.reject)
	}
	op := "put"
	if update {
		op = "update"
	}
	r.record(op, def)
	return nil
}

func (r *recordingEndpoints) DeleteLink(_ context.Context, def domain.LinkDefinition) error {
	r.record("delete", def)
	return nil
}

func (r *recordingEndpoints) Invoke(context.Context, domain.Invocation) (domain.InvocationResponse, error) {
	return domain.InvocationResponse{}, nil
}

// updateHookEndpoints runs onUpdate while an update delivery is in flight.
type updateHookEndpoints struct {
	recordingEndpoints
	onUpdate func()
}

func (u *updateHookEndpoints) Provider(domain.Identity, string) ports.ProviderEndpoint { return u }

func (u *updateHookEndpoints) PutLink(ctx context.Context, def domain.LinkDefinition, update bool) error {
	if update && u.onUpdate != nil {
		u.onUpdate()
	}
	return u.recordingEndpoints.PutLink(ctx, def, update)
}

func (r *recordingEndpoints) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.op
	}
	return out
}

func def(url string) domain.LinkDefinition {
	return domain.LinkDefinition{Source: actor, Target: provider, ContractID: contract, Values: map[string]string{"URL": url}}
}

func state(t *testing.T, m *Manager, d domain.LinkDefinition) domain.LinkState {
	t.Helper()
	st, ok := m.Get(d.Key())
	require.True(t, ok)
	return st.State
}

func TestManager_OrderIndependent(t *testing.T) {
	ctx := context.Background()

	// provider, link, actor
	r1 := newResolver()
	e1 := &recordingEndpoints{}
	m1 := New(r1, e1)
	r1.startProvider(provider, "default")
	m1.OnStarted(ctx, provider)
	st, err := m1.Put(ctx, def("redis://a"))
	require.NoError(t, err)
	assert.Equal(t, domain.LinkPending, st.State)
	r1.startActor(actor)
	m1.OnStarted(ctx, actor)

	// actor, link, provider
	r2 := newResolver()
	e2 := &recordingEndpoints{}
	m2 := New(r2, e2)
	r2.startActor(actor)
	m2.OnStarted(ctx, actor)
	_, err = m2.Put(ctx, def("redis://a"))
	require.NoError(t, err)
	r2.startProvider(provider, "default")
	m2.OnStarted(ctx, provider)

	s1, _ := m1.Get(def("").Key())
	s2, _ := m2.Get(def("").Key())
	assert.Equal(t, domain.LinkBound, s1.State)
	assert.Equal(t, s1, s2)
	assert.Equal(t, []string{"put"}, e1.ops())
	assert.Equal(t, []string{"put"}, e2.ops())

	_, ok := m1.Active(def("").Key())
	assert.True(t, ok)
}

func TestManager_IdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &recordingEndpoints{}
	m := New(r, e)
	r.startActor(actor)
	r.startProvider(provider, "default")

	for i := 0; i < 3; i++ {
		st, err := m.Put(ctx, def("redis://a"))
		require.NoError(t, err)
		assert.Equal(t, domain.LinkBound, st.State)
	}
	m.OnStarted(ctx, actor)
	assert.Equal(t, []string{"put"}, e.ops())
}

func TestManager_UpdatePath(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &recordingEndpoints{}
	m := New(r, e)
	r.startActor(actor)
	r.startProvider(provider, "default")

	first, err := m.Put(ctx, def("redis://a"))
	require.NoError(t, err)
	second, err := m.Put(ctx, def("redis://b"))
	require.NoError(t, err)

	assert.Equal(t, domain.LinkBound, second.State)
	assert.NotEqual(t, first.Generation, second.Generation)
	assert.Equal(t, []string{"put", "update"}, e.ops())

	active, ok := m.Active(def("").Key())
	require.True(t, ok)
	assert.Equal(t, "redis://b", active.Values["URL"])
}

func TestManager_ProviderCrashAndRestart(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &recordingEndpoints{}
	m := New(r, e)
	r.startProvider(provider, "default")

	actors := []domain.Identity{"MONE", "MTWO", "MTHREE"}
	for _, a := range actors {
		r.startActor(a)
		d := def("redis://a")
		d.Source = a
		st, err := m.Put(ctx, d)
		require.NoError(t, err)
		require.Equal(t, domain.LinkBound, st.State)
	}

	r.stop(provider)
	m.OnStopped(ctx, provider)
	for _, st := range m.List() {
		assert.Equal(t, domain.LinkUnbound, st.State)
		_, ok := m.Active(st.Definition.Key())
		assert.False(t, ok)
	}
	// A vanished provider gets no release calls.
	assert.Equal(t, []string{"put", "put", "put"}, e.ops())

	r.startProvider(provider, "default")
	m.OnStarted(ctx, provider)
	for _, st := range m.List() {
		assert.Equal(t, domain.LinkBound, st.State)
	}
	assert.Equal(t, []string{"put", "put", "put", "put", "put", "put"}, e.ops())
}

func TestManager_ActorStopReleasesProvider(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &recordingEndpoints{}
	m := New(r, e)
	r.startActor(actor)
	r.startProvider(provider, "default")
	_, err := m.Put(ctx, def("redis://a"))
	require.NoError(t, err)

	r.stop(actor)
	m.OnStopped(ctx, actor)
	assert.Equal(t, domain.LinkUnbound, state(t, m, def("")))
	assert.Equal(t, []string{"put", "delete"}, e.ops())

	r.startActor(actor)
	m.OnStarted(ctx, actor)
	assert.Equal(t, domain.LinkBound, state(t, m, def("")))
	assert.Equal(t, []string{"put", "delete", "put"}, e.ops())
}

func TestManager_RejectionStaysPending(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &recordingEndpoints{reject: errors.New("invalid configuration")}
	m := New(r, e)
	r.startActor(actor)
	r.startProvider(provider, "default")

	st, err := m.Put(ctx, def("redis://a"))
	require.NoError(t, err)
	assert.Equal(t, domain.LinkPending, st.State)
	assert.Contains(t, st.LastError, "invalid configuration")

	e.reject = nil
	m.OnStarted(ctx, provider)
	assert.Equal(t, domain.LinkBound, state(t, m, def("")))
}

func TestManager_PolicyDenialStaysPending(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &recordingEndpoints{}
	m := New(r, e, WithPolicy(policy.NewGate(policy.WithAuthority(policy.DenyAll))))
	r.startActor(actor)
	r.startProvider(provider, "default")

	st, err := m.Put(ctx, def("redis://a"))
	require.NoError(t, err)
	assert.Equal(t, domain.LinkPending, st.State)
	assert.Contains(t, st.LastError, "not authorized")
	assert.Empty(t, e.ops())
}

func TestManager_DeleteAndStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	r := newResolver()
	e := &recordingEndpoints{}
	m := New(r, e, WithStore(store))
	r.startActor(actor)
	r.startProvider(provider, "default")

	_, err := m.Put(ctx, def("redis://a"))
	require.NoError(t, err)
	saved, err := store.Get(ctx, def("").Key())
	require.NoError(t, err)
	assert.Equal(t, "redis://a", saved.Values["URL"])

	// A second manager on the same store picks the link up.
	m2 := New(r, &recordingEndpoints{}, WithStore(store))
	require.NoError(t, m2.Load(ctx))
	assert.Equal(t, domain.LinkBound, state(t, m2, def("")))

	require.NoError(t, m.Delete(ctx, def("").Key()))
	assert.Equal(t, []string{"put", "delete"}, e.ops())
	_, err = store.Get(ctx, def("").Key())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, def("").Key()), domain.ErrNotFound)

	require.NoError(t, m2.Forget(ctx, def("").Key()))
	assert.Empty(t, m2.List())
}

func TestManager_InvalidDefinition(t *testing.T) {
	m := New(newResolver(), &recordingEndpoints{})
	_, err := m.Put(context.Background(), domain.LinkDefinition{Source: provider, Target: actor, ContractID: contract})
	assert.ErrorIs(t, err, domain.ErrInvalidLink)
}

func TestManager_Reconcile(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &recordingEndpoints{}
	m := New(r, e)
	_, err := m.Put(ctx, def("redis://a"))
	require.NoError(t, err)

	// Both sides appear without any lifecycle notification.
	r.startActor(actor)
	r.startProvider(provider, "default")
	m.Reconcile(ctx)
	assert.Equal(t, domain.LinkBound, state(t, m, def("")))
}

func linkNamed(name string) domain.LinkDefinition {
	d := def("redis://" + name)
	d.LinkName = name
	return d
}

func TestManager_ProviderStopIsPerLinkName(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &recordingEndpoints{}
	m := New(r, e)
	r.startActor(actor)
	r.startProvider(provider, "a")
	r.startProvider(provider, "b")

	for _, name := range []string{"a", "b"} {
		st, err := m.Put(ctx, linkNamed(name))
		require.NoError(t, err)
		require.Equal(t, domain.LinkBound, st.State)
	}

	r.stopProvider(provider, "a")
	m.OnProviderStopped(ctx, provider, "a")
	assert.Equal(t, domain.LinkUnbound, state(t, m, linkNamed("a")))
	assert.Equal(t, domain.LinkBound, state(t, m, linkNamed("b")))
	_, ok := m.Active(linkNamed("a").Key())
	assert.False(t, ok)

	r.startProvider(provider, "a")
	m.OnProviderStarted(ctx, provider, "a")
	assert.Equal(t, domain.LinkBound, state(t, m, linkNamed("a")))
	assert.Equal(t, []string{"put", "put", "put"}, e.ops())
}

func TestManager_RegistryHooksTrackProviderLinkNames(t *testing.T) {
	ctx := context.Background()
	reg := registry.New("NHOST")
	e := &recordingEndpoints{}
	m := New(reg, e)
	reg.SetHooks(m.Hooks())

	require.NoError(t, reg.RegisterActor(ctx, domain.Claims{Subject: actor}, domain.ActorInstance{Identity: actor, InstanceID: "actor-1"}, nil))
	startProvider := func(linkName string) {
		t.Helper()
		_, err := reg.RegisterProvider(ctx,
			domain.Claims{Subject: provider, ContractID: contract},
			domain.ProviderInstance{Identity: provider, LinkName: linkName, InstanceID: "provider-" + linkName},
			nil)
		require.NoError(t, err)
	}
	startProvider("a")
	startProvider("b")

	st, err := m.Put(ctx, linkNamed("a"))
	require.NoError(t, err)
	require.Equal(t, domain.LinkBound, st.State)

	_, _, err = reg.DeregisterProvider(ctx, provider, "a")
	require.NoError(t, err)
	assert.Empty(t, reg.FindProvider(provider, "a"))
	assert.NotEmpty(t, reg.Find(provider), "the identity still runs under link b")
	assert.Equal(t, domain.LinkUnbound, state(t, m, linkNamed("a")))

	startProvider("a")
	assert.Equal(t, domain.LinkBound, state(t, m, linkNamed("a")))
	assert.Equal(t, []string{"put", "put"}, e.ops(), "the restarted instance receives its binding again")
}

func TestManager_ActiveDuringUpdateServesPreviousDefinition(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	e := &updateHookEndpoints{}
	m := New(r, e)
	r.startActor(actor)
	r.startProvider(provider, "default")

	_, err := m.Put(ctx, def("redis://a"))
	require.NoError(t, err)

	var (
		during   domain.LinkDefinition
		activeOK bool
		midState domain.LinkState
	)
	e.onUpdate = func() {
		during, activeOK = m.Active(def("").Key())
		st, _ := m.Get(def("").Key())
		midState = st.State
	}
	_, err = m.Put(ctx, def("redis://b"))
	require.NoError(t, err)

	assert.Equal(t, domain.LinkUpdating, midState)
	require.True(t, activeOK, "an updating link keeps carrying invocations")
	assert.Equal(t, "redis://a", during.Values["URL"])

	after, ok := m.Active(def("").Key())
	require.True(t, ok)
	assert.Equal(t, "redis://b", after.Values["URL"])
}
