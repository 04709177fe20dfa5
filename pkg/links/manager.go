package links

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/keylock"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
)

// Resolver answers where identities run. *registry.Registry implements it.
type Resolver interface {
	Find(id domain.Identity) []domain.Location
	FindProvider(id domain.Identity, linkName string) []domain.Location
	Claims(id domain.Identity) (domain.Claims, bool)
}

// Evaluator answers admission questions. *policy.Gate implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req policy.Request) policy.Decision
}

var errNotResolvable = errors.New("waiting for both sides to run")

type entry struct {
	def       domain.LinkDefinition
	state     domain.LinkState
	delivered string                // generation the provider acknowledged
	bound     domain.LinkDefinition // definition under that generation
	lastErr   string
}

func (e *entry) status() domain.LinkStatus {
	return domain.LinkStatus{
		Definition: e.def.Normalized(),
		State:      e.state,
		Generation: e.def.Generation(),
		LastError:  e.lastErr,
	}
}

// Manager owns the link state machine of one host.
type Manager struct {
	resolver  Resolver
	endpoints ports.ProviderEndpoints
	gate      Evaluator
	store     ports.LinkStore
	locks     *keylock.Table
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu    sync.RWMutex // guards links; never held across I/O
	links map[domain.LinkKey]*entry
}

// Option configures the Manager.
type Option func(*Manager)

// WithStore persists definitions submitted through Put and Delete.
func WithStore(store ports.LinkStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithPolicy sets the gate consulted before every binding.
func WithPolicy(gate Evaluator) Option {
	return func(m *Manager) {
		m.gate = gate
	}
}

// WithLocks replaces the per-key lock table, e.g. with one backed by a
// distributed locker.
func WithLocks(t *keylock.Table) Option {
	return func(m *Manager) {
		m.locks = t
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics enables link metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// New creates a Manager.
func New(resolver Resolver, endpoints ports.ProviderEndpoints, opts ...Option) *Manager {
	m := &Manager{
		resolver:  resolver,
		endpoints: endpoints,
		locks:     keylock.New(),
		logger:    logging.NewNop(),
		links:     make(map[domain.LinkKey]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hooks returns the lifecycle callbacks to install on the registry.
// Providers are followed per link name, so identity-wide notifications only
// drive the actor side.
func (m *Manager) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStarted: func(ctx context.Context, id domain.Identity) {
			if id.IsActor() {
				m.OnStarted(ctx, id)
			}
		},
		OnStopped: func(ctx context.Context, id domain.Identity) {
			if id.IsActor() {
				m.OnStopped(ctx, id)
			}
		},
		OnProviderStarted: m.OnProviderStarted,
		OnProviderStopped: m.OnProviderStopped,
	}
}

// Put submits a definition: it is persisted, recorded and delivered when
// possible. The returned status reflects the outcome of this attempt; a
// definition that could not be delivered yet is not an error.
func (m *Manager) Put(ctx context.Context, def domain.LinkDefinition) (domain.LinkStatus, error) {
	return m.put(ctx, def, true)
}

// Apply records a definition announced by another host. It is not persisted.
func (m *Manager) Apply(ctx context.Context, def domain.LinkDefinition) (domain.LinkStatus, error) {
	return m.put(ctx, def, false)
}

func (m *Manager) put(ctx context.Context, def domain.LinkDefinition, persist bool) (domain.LinkStatus, error) {
	def = def.Normalized()
	if err := def.Validate(); err != nil {
		return domain.LinkStatus{}, err
	}
	key := def.Key()

	var status domain.LinkStatus
	err := m.locks.WithLock(ctx, key.String(), func(ctx context.Context) error {
		m.mu.Lock()
		e, exists := m.links[key]
		if exists && e.def.Generation() == def.Generation() && e.state == domain.LinkBound {
			status = e.status()
			m.mu.Unlock()
			m.logger.Debug("Link unchanged", "link", key)
			return nil
		}
		if !exists {
			e = &entry{state: domain.LinkPending}
			m.links[key] = e
		}
		from := e.state
		e.def = def
		switch {
		case from == domain.LinkBound:
			e.state = domain.LinkUpdating
		case from == domain.LinkUnbound:
			e.state = domain.LinkPending
		}
		m.mu.Unlock()
		m.metrics.ObserveLinkTransition(from, e.state)

		if persist && m.store != nil {
			if err := m.store.Put(ctx, def); err != nil {
				return fmt.Errorf("failed to persist link %s: %w", key, err)
			}
		}
		m.deliverLocked(ctx, key)
		status = m.statusOf(key)
		return nil
	})
	return status, err
}

// Delete removes a definition and releases the provider side when it was
// bound.
func (m *Manager) Delete(ctx context.Context, key domain.LinkKey) error {
	return m.remove(ctx, key, true)
}

// Forget removes a definition deleted by another host.
func (m *Manager) Forget(ctx context.Context, key domain.LinkKey) error {
	return m.remove(ctx, key, false)
}

func (m *Manager) remove(ctx context.Context, key domain.LinkKey, persist bool) error {
	key.LinkName = domain.NormalizeLinkName(key.LinkName)
	return m.locks.WithLock(ctx, key.String(), func(ctx context.Context) error {
		m.mu.Lock()
		e, ok := m.links[key]
		if ok {
			delete(m.links, key)
		}
		m.mu.Unlock()

		if persist && m.store != nil {
			if err := m.store.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to delete persisted link %s: %w", key, err)
			}
		}
		if !ok {
			if persist {
				return fmt.Errorf("%w: link %s", domain.ErrNotFound, key)
			}
			return nil
		}
		if e.state == domain.LinkBound || e.state == domain.LinkUpdating {
			m.release(ctx, e.def)
		}
		m.metrics.ObserveLinkTransition(e.state, domain.LinkUnbound)
		m.logger.Info("Link deleted", "link", key)
		return nil
	})
}

// Load replays the persisted definitions, typically once at host start.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	defs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted links: %w", err)
	}
	for _, def := range defs {
		if _, err := m.put(ctx, def, false); err != nil {
			m.logger.Warn("Skipping invalid persisted link", "link", def.Key(), "err", err)
		}
	}
	m.logger.Info("Loaded persisted links", "count", len(defs))
	return nil
}

// OnStarted retries every pending or unbound definition that references id.
func (m *Manager) OnStarted(ctx context.Context, id domain.Identity) {
	m.retry(ctx, m.keysFor(references(id), domain.LinkPending, domain.LinkUnbound))
}

// OnStopped unbinds every bound definition that references id. When the
// actor side went away the provider is told to release its resources.
func (m *Manager) OnStopped(ctx context.Context, id domain.Identity) {
	for _, key := range m.keysFor(references(id), domain.LinkBound, domain.LinkUpdating) {
		m.unbind(ctx, key, id)
	}
}

// OnProviderStarted retries the definitions targeting provider id under
// linkName.
func (m *Manager) OnProviderStarted(ctx context.Context, id domain.Identity, linkName string) {
	m.retry(ctx, m.keysFor(targets(id, linkName), domain.LinkPending, domain.LinkUnbound))
}

// OnProviderStopped unbinds the definitions targeting provider id under
// linkName. Links to the same provider under other link names are left
// alone.
func (m *Manager) OnProviderStopped(ctx context.Context, id domain.Identity, linkName string) {
	for _, key := range m.keysFor(targets(id, linkName), domain.LinkBound, domain.LinkUpdating) {
		m.unbind(ctx, key, id)
	}
}

func (m *Manager) retry(ctx context.Context, keys []domain.LinkKey) {
	for _, key := range keys {
		_ = m.locks.WithLock(ctx, key.String(), func(ctx context.Context) error {
			m.deliverLocked(ctx, key)
			return nil
		})
	}
}

// unbind moves the definition under key to unbound because gone stopped.
func (m *Manager) unbind(ctx context.Context, key domain.LinkKey, gone domain.Identity) {
	_ = m.locks.WithLock(ctx, key.String(), func(ctx context.Context) error {
		m.mu.Lock()
		e, ok := m.links[key]
		if !ok || (e.state != domain.LinkBound && e.state != domain.LinkUpdating) {
			m.mu.Unlock()
			return nil
		}
		from := e.state
		e.state = domain.LinkUnbound
		e.delivered = ""
		e.bound = domain.LinkDefinition{}
		def := e.def
		m.mu.Unlock()

		m.metrics.ObserveLinkTransition(from, domain.LinkUnbound)
		m.logger.Info("Link unbound", "link", key, "identity", gone)
		if def.Source == gone {
			m.release(ctx, def)
		}
		return nil
	})
}

// Reconcile retries delivery of every definition that is not bound. It is an
// optional sweep for deployments that want a periodic safety net on top of
// event-driven retries.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.RLock()
	var keys []domain.LinkKey
	for key, e := range m.links {
		if e.state != domain.LinkBound {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sortKeys(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		_ = m.locks.WithLock(ctx, key.String(), func(ctx context.Context) error {
			m.deliverLocked(ctx, key)
			return nil
		})
	}
}

func references(id domain.Identity) func(domain.LinkDefinition) bool {
	return func(def domain.LinkDefinition) bool {
		return def.Source == id || def.Target == id
	}
}

func targets(id domain.Identity, linkName string) func(domain.LinkDefinition) bool {
	linkName = domain.NormalizeLinkName(linkName)
	return func(def domain.LinkDefinition) bool {
		return def.Target == id && def.LinkName == linkName
	}
}

func (m *Manager) keysFor(match func(domain.LinkDefinition) bool, states ...domain.LinkState) []domain.LinkKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []domain.LinkKey
	for key, e := range m.links {
		if !match(e.def) {
			continue
		}
		for _, s := range states {
			if e.state == s {
				keys = append(keys, key)
				break
			}
		}
	}
	sortKeys(keys)
	return keys
}

// deliverLocked attempts to bind the definition under key. The caller holds
// the key lock.
func (m *Manager) deliverLocked(ctx context.Context, key domain.LinkKey) {
	m.mu.RLock()
	e, ok := m.links[key]
	if !ok {
		m.mu.RUnlock()
		return
	}
	def := e.def
	from := e.state
	update := from == domain.LinkUpdating
	m.mu.RUnlock()

	err := m.bind(ctx, def, update)

	m.mu.Lock()
	// The entry may have been replaced by a concurrent Forget; only touch
	// the one we delivered.
	if cur, ok := m.links[key]; ok && cur == e {
		switch {
		case err == nil:
			e.state = domain.LinkBound
			e.delivered = def.Generation()
			e.bound = def
			e.lastErr = ""
		case errors.Is(err, errNotResolvable):
			if from == domain.LinkUpdating {
				e.state = domain.LinkPending
			}
			e.lastErr = ""
		default:
			e.state = domain.LinkPending
			e.lastErr = err.Error()
		}
	}
	to := e.state
	m.mu.Unlock()

	m.metrics.ObserveLinkTransition(from, to)
	switch {
	case err == nil:
		m.logger.Info("Link bound", "link", key, "target", def.Target, "update", update)
	case errors.Is(err, errNotResolvable):
		m.logger.Debug("Link pending", "link", key, "reason", err)
	case errors.Is(err, domain.ErrPolicyDenied):
		m.logger.Warn("Link not authorized", "link", key, "err", err)
	default:
		m.logger.Warn("Link delivery failed, will retry on next lifecycle event", "link", key, "err", err)
	}
}

func (m *Manager) bind(ctx context.Context, def domain.LinkDefinition, update bool) error {
	if len(m.resolver.Find(def.Source)) == 0 {
		return fmt.Errorf("%w: actor %s not running", errNotResolvable, def.Source)
	}
	if len(m.resolver.FindProvider(def.Target, def.LinkName)) == 0 {
		return fmt.Errorf("%w: provider %s/%s not running", errNotResolvable, def.Target, def.LinkName)
	}

	if m.gate != nil {
		subject, ok := m.resolver.Claims(def.Source)
		if !ok {
			subject = domain.Claims{Subject: def.Source}
		}
		target := policy.Target{Identity: def.Target, ContractID: def.ContractID, LinkName: def.LinkName}
		if pc, ok := m.resolver.Claims(def.Target); ok {
			target.Issuer = pc.Issuer
		}
		decision := m.gate.Evaluate(ctx, policy.Request{
			Action:  policy.ActionEstablishLink,
			Subject: subject,
			Target:  target,
		})
		if err := decision.Err(); err != nil {
			return err
		}
	}

	kind := "put"
	if update {
		kind = "update"
	}
	err := m.endpoints.Provider(def.Target, def.LinkName).PutLink(ctx, def, update)
	m.metrics.ObserveLinkDelivery(kind, err)
	return err
}

// release asks the provider to drop the binding. Failures are logged; a
// provider that is gone has nothing left to release.
func (m *Manager) release(ctx context.Context, def domain.LinkDefinition) {
	if len(m.resolver.FindProvider(def.Target, def.LinkName)) == 0 {
		return
	}
	err := m.endpoints.Provider(def.Target, def.LinkName).DeleteLink(ctx, def)
	m.metrics.ObserveLinkDelivery("delete", err)
	if err != nil {
		m.logger.Warn("Failed to release link on provider", "link", def.Key(), "err", err)
	}
}

func (m *Manager) statusOf(key domain.LinkKey) domain.LinkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.links[key]; ok {
		return e.status()
	}
	return domain.LinkStatus{}
}

// Get returns the status of the definition under key.
func (m *Manager) Get(key domain.LinkKey) (domain.LinkStatus, bool) {
	key.LinkName = domain.NormalizeLinkName(key.LinkName)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.links[key]
	if !ok {
		return domain.LinkStatus{}, false
	}
	return e.status(), true
}

// Active returns the definition the provider currently holds under key.
// While an update is in flight the previously acknowledged definition keeps
// carrying invocations.
func (m *Manager) Active(key domain.LinkKey) (domain.LinkDefinition, bool) {
	key.LinkName = domain.NormalizeLinkName(key.LinkName)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.links[key]
	if !ok {
		return domain.LinkDefinition{}, false
	}
	switch {
	case e.state == domain.LinkBound:
		return e.def.Normalized(), true
	case e.state == domain.LinkUpdating && e.delivered != "":
		return e.bound.Normalized(), true
	}
	return domain.LinkDefinition{}, false
}

// List returns every known definition ordered by key.
func (m *Manager) List() []domain.LinkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.LinkStatus, 0, len(m.links))
	for _, e := range m.links {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Definition.Key().String() < out[j].Definition.Key().String()
	})
	return out
}

func sortKeys(keys []domain.LinkKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
