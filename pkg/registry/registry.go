package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/keylock"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/ports"
)

// DefaultLease is how long a remote host stays visible without a heartbeat.
const DefaultLease = 90 * time.Second

// EventSink receives the lifecycle events of local state changes.
type EventSink interface {
	Emit(ctx context.Context, evt domain.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt domain.Event)

func (f EventSinkFunc) Emit(ctx context.Context, evt domain.Event) { f(ctx, evt) }

type providerKey struct {
	id       domain.Identity
	linkName string
}

func (k providerKey) String() string { return string(k.id) + "|" + k.linkName }

type actorEntry struct {
	inst   domain.ActorInstance
	handle ports.ActorInstanceHandle
}

type providerEntry struct {
	inst    domain.ProviderInstance
	process ports.ProviderProcess
}

// Registry is the per-host entity registry.
type Registry struct {
	hostID  domain.Identity
	labels  map[string]string
	started time.Time
	lease   time.Duration
	now     func() time.Time
	sink    EventSink
	hooks   domain.LifecycleHooks
	locks   *keylock.Table
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex // guards the maps below; never held across I/O
	actors    map[domain.Identity]map[string]*actorEntry
	providers map[providerKey]*providerEntry
	claims    map[domain.Identity]domain.Claims
	remote    map[domain.Identity]*remoteHost
	rr        map[domain.Identity]int
}

// Option configures the Registry.
type Option func(*Registry)

// WithLease sets the remote lease window.
func WithLease(d time.Duration) Option {
	return func(r *Registry) {
		r.lease = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithEventSink sets where lifecycle events of local changes go.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) {
		r.sink = sink
	}
}

// WithHooks sets in-process lifecycle callbacks.
func WithHooks(h domain.LifecycleHooks) Option {
	return func(r *Registry) {
		r.hooks = h
	}
}

// WithLabels sets the labels advertised in heartbeats.
func WithLabels(labels map[string]string) Option {
	return func(r *Registry) {
		r.labels = labels
	}
}

// WithLogger configures a logger for the Registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics enables instance gauges.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates a Registry for hostID.
func New(hostID domain.Identity, opts ...Option) *Registry {
	r := &Registry{
		hostID:    hostID,
		lease:     DefaultLease,
		now:       time.Now,
		locks:     keylock.New(),
		logger:    logging.NewNop(),
		actors:    make(map[domain.Identity]map[string]*actorEntry),
		providers: make(map[providerKey]*providerEntry),
		claims:    make(map[domain.Identity]domain.Claims),
		remote:    make(map[domain.Identity]*remoteHost),
		rr:        make(map[domain.Identity]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// SetHooks replaces the lifecycle callbacks. It must be called before the
// registry is shared between goroutines.
func (r *Registry) SetHooks(h domain.LifecycleHooks) {
	r.hooks = h
}

// HostID returns the identity of the owning host.
func (r *Registry) HostID() domain.Identity { return r.hostID }

func (r *Registry) emit(ctx context.Context, evt domain.Event) {
	if r.sink == nil {
		return
	}
	evt.HostID = r.hostID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.now().UTC()
	}
	r.sink.Emit(ctx, evt)
}

func (r *Registry) fireStarted(ctx context.Context, ids ...domain.Identity) {
	if r.hooks.OnStarted == nil {
		return
	}
	for _, id := range ids {
		r.hooks.OnStarted(ctx, id)
	}
}

func (r *Registry) fireStopped(ctx context.Context, ids ...domain.Identity) {
	if r.hooks.OnStopped == nil {
		return
	}
	for _, id := range ids {
		r.hooks.OnStopped(ctx, id)
	}
}

// fireStoppedIfGone reports id as stopped once no live location remains.
func (r *Registry) fireStoppedIfGone(ctx context.Context, id domain.Identity) {
	r.mu.RLock()
	gone := !r.reachableLocked(id, r.now())
	r.mu.RUnlock()
	if gone {
		r.fireStopped(ctx, id)
	}
}

func (r *Registry) fireProviderStarted(ctx context.Context, keys ...providerKey) {
	if r.hooks.OnProviderStarted == nil {
		return
	}
	for _, k := range keys {
		r.hooks.OnProviderStarted(ctx, k.id, k.linkName)
	}
}

func (r *Registry) fireProviderStopped(ctx context.Context, keys ...providerKey) {
	if r.hooks.OnProviderStopped == nil {
		return
	}
	for _, k := range keys {
		r.hooks.OnProviderStopped(ctx, k.id, k.linkName)
	}
}

// fireProviderStoppedIfGone reports the (identity, link name) pair as
// stopped once no live location of that pair remains.
func (r *Registry) fireProviderStoppedIfGone(ctx context.Context, key providerKey) {
	r.mu.RLock()
	gone := !r.providerReachableLocked(key, r.now())
	r.mu.RUnlock()
	if gone {
		r.fireProviderStopped(ctx, key)
	}
}

func (r *Registry) updateGauges() {
	r.mu.RLock()
	actors := 0
	for _, set := range r.actors {
		actors += len(set)
	}
	providers := len(r.providers)
	r.mu.RUnlock()
	r.metrics.SetInstances(domain.KindActor, actors)
	r.metrics.SetInstances(domain.KindProvider, providers)
}

// RememberClaims caches verified claims for an identity.
func (r *Registry) RememberClaims(c domain.Claims) {
	if c.Subject == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[c.Subject] = c
}

// Claims returns the cached claims of id.
func (r *Registry) Claims(id domain.Identity) (domain.Claims, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[id]
	return c, ok
}

// RegisterActor records a started actor instance. The claims must come from
// the claims verifier. A second registration of the same instance id fails
// with domain.ErrDuplicateInstance.
func (r *Registry) RegisterActor(ctx context.Context, c domain.Claims, inst domain.ActorInstance, handle ports.ActorInstanceHandle) error {
	if c.Subject != inst.Identity || !inst.Identity.IsActor() {
		return fmt.Errorf("claims subject %q does not match actor %q", c.Subject, inst.Identity)
	}
	err := r.locks.WithLock(ctx, string(inst.Identity), func(ctx context.Context) error {
		r.mu.Lock()
		set := r.actors[inst.Identity]
		if set == nil {
			set = make(map[string]*actorEntry)
			r.actors[inst.Identity] = set
		}
		if _, exists := set[inst.InstanceID]; exists {
			r.mu.Unlock()
			return fmt.Errorf("%w: actor %s instance %s", domain.ErrDuplicateInstance, inst.Identity, inst.InstanceID)
		}
		inst.HostID = r.hostID
		inst.State = domain.InstanceRunning
		if inst.StartedAt.IsZero() {
			inst.StartedAt = r.now().UTC()
		}
		set[inst.InstanceID] = &actorEntry{inst: inst, handle: handle}
		r.claims[c.Subject] = c
		r.mu.Unlock()

		claims := c
		r.emit(ctx, domain.Event{
			Type:       domain.EventActorStarted,
			Identity:   inst.Identity,
			InstanceID: inst.InstanceID,
			Claims:     &claims,
		})
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("Actor instance registered", "identity", inst.Identity, "instance_id", inst.InstanceID)
	r.updateGauges()
	r.fireStarted(ctx, inst.Identity)
	return nil
}

// DeregisterActor removes a local actor instance and returns its handle.
func (r *Registry) DeregisterActor(ctx context.Context, id domain.Identity, instanceID string) (domain.ActorInstance, ports.ActorInstanceHandle, error) {
	var removed *actorEntry
	err := r.locks.WithLock(ctx, string(id), func(ctx context.Context) error {
		r.mu.Lock()
		set := r.actors[id]
		entry, ok := set[instanceID]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: actor %s instance %s", domain.ErrNotFound, id, instanceID)
		}
		delete(set, instanceID)
		if len(set) == 0 {
			delete(r.actors, id)
		}
		r.mu.Unlock()
		removed = entry

		r.emit(ctx, domain.Event{
			Type:       domain.EventActorStopped,
			Identity:   id,
			InstanceID: instanceID,
		})
		return nil
	})
	if err != nil {
		return domain.ActorInstance{}, nil, err
	}
	r.logger.Info("Actor instance deregistered", "identity", id, "instance_id", instanceID)
	r.updateGauges()
	r.fireStoppedIfGone(ctx, id)
	return removed.inst, removed.handle, nil
}

// LaunchFunc starts a provider process once the registry decided to.
type LaunchFunc func(ctx context.Context) (domain.ProviderInstance, ports.ProviderProcess, error)

// EnsureProvider starts the provider (identity, link name) unless it is
// already running on this host. Concurrent callers for the same pair are
// serialized: exactly one launch happens and every caller receives the same
// instance. When the instance already existed the returned error wraps
// domain.ErrDuplicateInstance.
func (r *Registry) EnsureProvider(ctx context.Context, c domain.Claims, linkName string, launch LaunchFunc) (domain.ProviderInstance, error) {
	key := providerKey{id: c.Subject, linkName: domain.NormalizeLinkName(linkName)}
	if !key.id.IsProvider() {
		return domain.ProviderInstance{}, fmt.Errorf("claims subject %q is not a provider", c.Subject)
	}
	var inst domain.ProviderInstance
	started := false
	err := r.locks.WithLock(ctx, key.String(), func(ctx context.Context) error {
		r.mu.RLock()
		existing, ok := r.providers[key]
		r.mu.RUnlock()
		if ok {
			inst = existing.inst
			return fmt.Errorf("%w: provider %s link %s", domain.ErrDuplicateInstance, key.id, key.linkName)
		}

		launched, process, err := launch(ctx)
		if err != nil {
			return err
		}
		launched.Identity = key.id
		launched.LinkName = key.linkName
		launched.HostID = r.hostID
		launched.State = domain.InstanceRunning
		if launched.ContractID == "" {
			launched.ContractID = c.ContractID
		}
		if launched.StartedAt.IsZero() {
			launched.StartedAt = r.now().UTC()
		}

		r.mu.Lock()
		r.providers[key] = &providerEntry{inst: launched, process: process}
		r.claims[c.Subject] = c
		r.mu.Unlock()
		inst = launched
		started = true

		claims := c
		r.emit(ctx, domain.Event{
			Type:       domain.EventProviderStarted,
			Identity:   key.id,
			InstanceID: launched.InstanceID,
			LinkName:   key.linkName,
			ContractID: launched.ContractID,
			Claims:     &claims,
		})
		return nil
	})
	if !started {
		return inst, err
	}
	r.logger.Info("Provider registered", "identity", key.id, "link_name", key.linkName, "instance_id", inst.InstanceID)
	r.updateGauges()
	r.fireStarted(ctx, key.id)
	r.fireProviderStarted(ctx, key)
	return inst, nil
}

// RegisterProvider records an already running provider instance. When the
// (identity, link name) pair is taken the existing instance is returned with
// an error wrapping domain.ErrDuplicateInstance.
func (r *Registry) RegisterProvider(ctx context.Context, c domain.Claims, inst domain.ProviderInstance, process ports.ProviderProcess) (domain.ProviderInstance, error) {
	if inst.Identity != c.Subject {
		return domain.ProviderInstance{}, fmt.Errorf("claims subject %q does not match provider %q", c.Subject, inst.Identity)
	}
	return r.EnsureProvider(ctx, c, inst.LinkName, func(context.Context) (domain.ProviderInstance, ports.ProviderProcess, error) {
		return inst, process, nil
	})
}

// DeregisterProvider removes the local provider (identity, link name).
func (r *Registry) DeregisterProvider(ctx context.Context, id domain.Identity, linkName string) (domain.ProviderInstance, ports.ProviderProcess, error) {
	key := providerKey{id: id, linkName: domain.NormalizeLinkName(linkName)}
	var removed *providerEntry
	err := r.locks.WithLock(ctx, key.String(), func(ctx context.Context) error {
		r.mu.Lock()
		entry, ok := r.providers[key]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: provider %s link %s", domain.ErrNotFound, id, key.linkName)
		}
		delete(r.providers, key)
		r.mu.Unlock()
		removed = entry

		r.emit(ctx, domain.Event{
			Type:       domain.EventProviderStopped,
			Identity:   id,
			InstanceID: entry.inst.InstanceID,
			LinkName:   key.linkName,
			ContractID: entry.inst.ContractID,
		})
		return nil
	})
	if err != nil {
		return domain.ProviderInstance{}, nil, err
	}
	r.logger.Info("Provider deregistered", "identity", id, "link_name", key.linkName)
	r.updateGauges()
	r.fireStoppedIfGone(ctx, id)
	r.fireProviderStoppedIfGone(ctx, key)
	return removed.inst, removed.process, nil
}

// LocalActor returns a handle to one local instance of id, rotating between
// instances on successive calls.
func (r *Registry) LocalActor(id domain.Identity) (ports.ActorHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.actors[id]
	if len(set) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(set))
	for instanceID := range set {
		ids = append(ids, instanceID)
	}
	sort.Strings(ids)
	n := r.rr[id]
	r.rr[id] = n + 1
	return set[ids[n%len(ids)]].handle, true
}

// LocalActors lists local actor instances of id, or all when id is empty.
func (r *Registry) LocalActors(id domain.Identity) []domain.ActorInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ActorInstance
	for actorID, set := range r.actors {
		if id != "" && actorID != id {
			continue
		}
		for _, e := range set {
			out = append(out, e.inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// LocalProviders lists the providers running on this host.
func (r *Registry) LocalProviders() []domain.ProviderInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProviderInstance, 0, len(r.providers))
	for _, e := range r.providers {
		out = append(out, e.inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].LinkName < out[j].LinkName
	})
	return out
}

// LocalProvider returns the local provider (identity, link name).
func (r *Registry) LocalProvider(id domain.Identity, linkName string) (domain.ProviderInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[providerKey{id: id, linkName: domain.NormalizeLinkName(linkName)}]
	if !ok {
		return domain.ProviderInstance{}, false
	}
	return e.inst, true
}

// Snapshot returns the local inventory for heartbeats.
func (r *Registry) Snapshot() domain.HostSnapshot {
	actors := r.LocalActors("")
	providers := r.LocalProviders()

	r.mu.RLock()
	seen := make(map[domain.Identity]struct{})
	var claims []domain.Claims
	add := func(id domain.Identity) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if c, ok := r.claims[id]; ok {
			claims = append(claims, c)
		}
	}
	for _, a := range actors {
		add(a.Identity)
	}
	for _, p := range providers {
		add(p.Identity)
	}
	r.mu.RUnlock()

	now := r.now()
	return domain.HostSnapshot{
		HostID:    r.hostID,
		Labels:    r.labels,
		Actors:    actors,
		Providers: providers,
		Claims:    claims,
		Uptime:    now.Sub(r.started),
		Timestamp: now.UTC(),
	}
}

// Find returns every reachable location of id: local instances first, then
// instances on remote hosts whose lease has not expired.
func (r *Registry) Find(id domain.Identity) []domain.Location {
	return r.find(id, func(string) bool { return true })
}

// FindProvider returns the locations of provider id running under linkName.
func (r *Registry) FindProvider(id domain.Identity, linkName string) []domain.Location {
	linkName = domain.NormalizeLinkName(linkName)
	return r.find(id, func(ln string) bool { return ln == linkName })
}

func (r *Registry) find(id domain.Identity, linkMatch func(string) bool) []domain.Location {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Location
	if id.IsActor() {
		for _, e := range r.actors[id] {
			out = append(out, domain.Location{Identity: id, HostID: r.hostID, InstanceID: e.inst.InstanceID, Local: true})
		}
	}
	if id.IsProvider() {
		for key, e := range r.providers {
			if key.id == id && linkMatch(key.linkName) {
				out = append(out, domain.Location{Identity: id, HostID: r.hostID, InstanceID: e.inst.InstanceID, LinkName: key.linkName, Local: true})
			}
		}
	}
	sortLocations(out)

	hostIDs := make([]domain.Identity, 0, len(r.remote))
	for hid := range r.remote {
		hostIDs = append(hostIDs, hid)
	}
	sort.Slice(hostIDs, func(i, j int) bool { return hostIDs[i] < hostIDs[j] })
	for _, hid := range hostIDs {
		h := r.remote[hid]
		if r.expired(h, now) {
			continue
		}
		out = append(out, h.locations(id, linkMatch)...)
	}
	return out
}

func sortLocations(locs []domain.Location) {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].LinkName != locs[j].LinkName {
			return locs[i].LinkName < locs[j].LinkName
		}
		return locs[i].InstanceID < locs[j].InstanceID
	})
}
