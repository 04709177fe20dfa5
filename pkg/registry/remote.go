package registry

import (
	"context"
	"sort"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
)

// remoteHost is the soft-state view of another host, rebuilt from its
// heartbeats and lifecycle events.
type remoteHost struct {
	id        domain.Identity
	labels    map[string]string
	seen      time.Time
	actors    map[string]domain.ActorInstance // by instance id
	providers map[providerKey]domain.ProviderInstance
}

func newRemoteHost(id domain.Identity) *remoteHost {
	return &remoteHost{
		id:        id,
		actors:    make(map[string]domain.ActorInstance),
		providers: make(map[providerKey]domain.ProviderInstance),
	}
}

func (h *remoteHost) identities() map[domain.Identity]struct{} {
	out := make(map[domain.Identity]struct{}, len(h.actors)+len(h.providers))
	for _, a := range h.actors {
		out[a.Identity] = struct{}{}
	}
	for k := range h.providers {
		out[k.id] = struct{}{}
	}
	return out
}

func (h *remoteHost) locations(id domain.Identity, linkMatch func(string) bool) []domain.Location {
	var out []domain.Location
	if id.IsActor() {
		for _, a := range h.actors {
			if a.Identity == id {
				out = append(out, domain.Location{Identity: id, HostID: h.id, InstanceID: a.InstanceID})
			}
		}
	}
	if id.IsProvider() {
		for k, p := range h.providers {
			if k.id == id && linkMatch(k.linkName) {
				out = append(out, domain.Location{Identity: id, HostID: h.id, InstanceID: p.InstanceID, LinkName: k.linkName})
			}
		}
	}
	sortLocations(out)
	return out
}

func (r *Registry) expired(h *remoteHost, now time.Time) bool {
	return r.lease > 0 && now.Sub(h.seen) > r.lease
}

// reachable reports whether any live location of id remains, local or remote.
// Callers must hold r.mu.
func (r *Registry) reachableLocked(id domain.Identity, now time.Time) bool {
	if len(r.actors[id]) > 0 {
		return true
	}
	for k := range r.providers {
		if k.id == id {
			return true
		}
	}
	for _, h := range r.remote {
		if r.expired(h, now) {
			continue
		}
		if _, ok := h.identities()[id]; ok {
			return true
		}
	}
	return false
}

// providerReachableLocked reports whether the provider pair key still runs
// somewhere. Callers must hold r.mu.
func (r *Registry) providerReachableLocked(key providerKey, now time.Time) bool {
	if _, ok := r.providers[key]; ok {
		return true
	}
	for _, h := range r.remote {
		if r.expired(h, now) {
			continue
		}
		if _, ok := h.providers[key]; ok {
			return true
		}
	}
	return false
}

func (h *remoteHost) providerKeys() map[providerKey]struct{} {
	out := make(map[providerKey]struct{}, len(h.providers))
	for k := range h.providers {
		out[k] = struct{}{}
	}
	return out
}

// diff compares the keys a host advertised before and after a change.
func diff[K comparable](before, after map[K]struct{}, less func(a, b K) bool) (added, removed []K) {
	for k := range after {
		if _, ok := before[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Slice(added, func(i, j int) bool { return less(added[i], added[j]) })
	sort.Slice(removed, func(i, j int) bool { return less(removed[i], removed[j]) })
	return added, removed
}

func identityLess(a, b domain.Identity) bool { return a < b }

func providerKeyLess(a, b providerKey) bool { return a.String() < b.String() }

// change collects the hook calls produced by one update of the remote view.
type change struct {
	started          []domain.Identity
	stopped          []domain.Identity
	providersStarted []providerKey
	providersStopped []providerKey
}

// lose records everything h advertised as potentially stopped.
func (c *change) lose(h *remoteHost) {
	for id := range h.identities() {
		c.stopped = append(c.stopped, id)
	}
	for k := range h.providerKeys() {
		c.providersStopped = append(c.providersStopped, k)
	}
}

// settleLocked sorts the change and keeps only the stops that left nothing
// reachable. Callers must hold r.mu.
func (r *Registry) settleLocked(c *change, now time.Time) {
	sort.Slice(c.stopped, func(i, j int) bool { return c.stopped[i] < c.stopped[j] })
	sort.Slice(c.providersStopped, func(i, j int) bool {
		return providerKeyLess(c.providersStopped[i], c.providersStopped[j])
	})

	ids := c.stopped[:0]
	for _, id := range c.stopped {
		if !r.reachableLocked(id, now) {
			ids = append(ids, id)
		}
	}
	c.stopped = ids

	keys := c.providersStopped[:0]
	for _, k := range c.providersStopped {
		if !r.providerReachableLocked(k, now) {
			keys = append(keys, k)
		}
	}
	c.providersStopped = keys
}

func (r *Registry) fire(ctx context.Context, c change) {
	r.fireStarted(ctx, c.started...)
	r.fireProviderStarted(ctx, c.providersStarted...)
	r.fireStopped(ctx, c.stopped...)
	r.fireProviderStopped(ctx, c.providersStopped...)
}

// ApplyRemoteHeartbeat replaces the view of the snapshot's host with the
// snapshot content and renews its lease. Heartbeats from this host are
// ignored.
func (r *Registry) ApplyRemoteHeartbeat(ctx context.Context, snap domain.HostSnapshot) {
	if snap.HostID == "" || snap.HostID == r.hostID {
		return
	}
	now := r.now()

	r.mu.Lock()
	h, ok := r.remote[snap.HostID]
	wasLive := ok && !r.expired(h, now)
	beforeIDs := map[domain.Identity]struct{}{}
	beforeProviders := map[providerKey]struct{}{}
	if wasLive {
		beforeIDs = h.identities()
		beforeProviders = h.providerKeys()
	}
	if !ok {
		h = newRemoteHost(snap.HostID)
		r.remote[snap.HostID] = h
		r.logger.Info("Discovered remote host", "host_id", snap.HostID)
	}
	h.labels = snap.Labels
	h.seen = now
	h.actors = make(map[string]domain.ActorInstance, len(snap.Actors))
	for _, a := range snap.Actors {
		a.HostID = snap.HostID
		h.actors[a.InstanceID] = a
	}
	h.providers = make(map[providerKey]domain.ProviderInstance, len(snap.Providers))
	for _, p := range snap.Providers {
		p.HostID = snap.HostID
		h.providers[providerKey{id: p.Identity, linkName: domain.NormalizeLinkName(p.LinkName)}] = p
	}
	for _, c := range snap.Claims {
		if c.Subject != "" {
			r.claims[c.Subject] = c
		}
	}
	var c change
	c.started, c.stopped = diff(beforeIDs, h.identities(), identityLess)
	c.providersStarted, c.providersStopped = diff(beforeProviders, h.providerKeys(), providerKeyLess)
	r.settleLocked(&c, now)
	r.mu.Unlock()

	r.metrics.ObserveHeartbeat("in")
	r.fire(ctx, c)
}

// ApplyRemoteEvent folds a lifecycle event published by another host into
// the remote view. Events from this host are ignored.
func (r *Registry) ApplyRemoteEvent(ctx context.Context, evt domain.Event) {
	if evt.HostID == "" || evt.HostID == r.hostID {
		return
	}
	now := r.now()

	r.mu.Lock()
	h, ok := r.remote[evt.HostID]
	if evt.Type == domain.EventHostStopped {
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.remote, evt.HostID)
		var c change
		c.lose(h)
		r.settleLocked(&c, now)
		r.mu.Unlock()
		r.logger.Info("Remote host stopped", "host_id", evt.HostID)
		r.fire(ctx, c)
		return
	}
	if !ok {
		h = newRemoteHost(evt.HostID)
		r.remote[evt.HostID] = h
	}
	h.seen = now
	if evt.Claims != nil && evt.Claims.Subject != "" {
		r.claims[evt.Claims.Subject] = *evt.Claims
	}

	beforeIDs := h.identities()
	beforeProviders := h.providerKeys()
	pk := providerKey{id: evt.Identity, linkName: domain.NormalizeLinkName(evt.LinkName)}
	switch evt.Type {
	case domain.EventActorStarted:
		h.actors[evt.InstanceID] = domain.ActorInstance{
			Identity:   evt.Identity,
			HostID:     evt.HostID,
			InstanceID: evt.InstanceID,
			State:      domain.InstanceRunning,
			StartedAt:  evt.Timestamp,
		}
	case domain.EventActorStopped:
		delete(h.actors, evt.InstanceID)
	case domain.EventProviderStarted:
		h.providers[pk] = domain.ProviderInstance{
			Identity:   evt.Identity,
			HostID:     evt.HostID,
			LinkName:   pk.linkName,
			ContractID: evt.ContractID,
			InstanceID: evt.InstanceID,
			State:      domain.InstanceRunning,
			StartedAt:  evt.Timestamp,
		}
	case domain.EventProviderStopped:
		delete(h.providers, pk)
	}
	var c change
	c.started, c.stopped = diff(beforeIDs, h.identities(), identityLess)
	c.providersStarted, c.providersStopped = diff(beforeProviders, h.providerKeys(), providerKeyLess)
	// An instance start on a host that already ran the identity is still a
	// new location worth announcing.
	if evt.IsStarted() && len(c.started) == 0 {
		c.started = []domain.Identity{evt.Identity}
	}
	if evt.Type == domain.EventProviderStarted && len(c.providersStarted) == 0 {
		c.providersStarted = []providerKey{pk}
	}
	r.settleLocked(&c, now)
	r.mu.Unlock()

	r.fire(ctx, c)
}

// Evict drops remote hosts whose lease expired and returns their ids.
// Identities and provider pairs left without any live location are reported
// to the stop hooks.
func (r *Registry) Evict(ctx context.Context) []domain.Identity {
	now := r.now()

	r.mu.Lock()
	var evicted []domain.Identity
	var c change
	for id, h := range r.remote {
		if !r.expired(h, now) {
			continue
		}
		c.lose(h)
		delete(r.remote, id)
		evicted = append(evicted, id)
	}
	c.stopped = dedupe(c.stopped)
	c.providersStopped = dedupe(c.providersStopped)
	r.settleLocked(&c, now)
	r.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	for _, id := range evicted {
		r.logger.Warn("Evicted remote host after lease expiry", "host_id", id)
		r.metrics.ObserveEviction()
	}
	r.fire(ctx, c)
	return evicted
}

func dedupe[K comparable](in []K) []K {
	seen := make(map[K]struct{}, len(in))
	out := in[:0]
	for _, k := range in {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// HostSummary describes one host known to the registry.
type HostSummary struct {
	HostID    domain.Identity   `json:"host_id"`
	Labels    map[string]string `json:"labels,omitempty"`
	Local     bool              `json:"local"`
	LastSeen  time.Time         `json:"last_seen"`
	Actors    int               `json:"actors"`
	Providers int               `json:"providers"`
}

// Hosts lists this host and every live remote host.
func (r *Registry) Hosts() []HostSummary {
	snap := r.Snapshot()
	out := []HostSummary{{
		HostID:    r.hostID,
		Labels:    r.labels,
		Local:     true,
		LastSeen:  snap.Timestamp,
		Actors:    len(snap.Actors),
		Providers: len(snap.Providers),
	}}

	now := r.now()
	r.mu.RLock()
	var remote []HostSummary
	for _, h := range r.remote {
		if r.expired(h, now) {
			continue
		}
		remote = append(remote, HostSummary{
			HostID:    h.id,
			Labels:    h.labels,
			LastSeen:  h.seen.UTC(),
			Actors:    len(h.actors),
			Providers: len(h.providers),
		})
	}
	r.mu.RUnlock()
	sort.Slice(remote, func(i, j int) bool { return remote[i].HostID < remote[j].HostID })
	return append(out, remote...)
}
