package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/claims"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/keylock"
	"github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/links"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/aretw0/lattice/pkg/router"
)

// ErrNotRunning is returned by operations on a host that was not started or
// was already stopped.
var ErrNotRunning = errors.New("host is not running")

// Host is the per-host context object. Every component is owned by exactly
// one Host; nothing is shared through package state.
type Host struct {
	latticeID       string
	key             *claims.KeyPair
	labels          map[string]string
	heartbeat       time.Duration
	lease           time.Duration
	rpcTimeout      time.Duration
	reconcile       time.Duration
	lockTTL         time.Duration
	now             func() time.Time
	revocationTopic string
	changesTopic    string
	providerConfig  map[string]string

	transport ports.Transport
	subjects  lattice.Subjects
	verifier  *claims.Verifier
	gate      *policy.Gate
	runtime   ports.ActorRuntime
	launcher  ports.ProviderLauncher
	store     ports.LinkStore
	locker    ports.DistributedLocker
	logger    *slog.Logger
	metrics   *observability.Metrics

	registry  *registry.Registry
	links     *links.Manager
	router    *router.Router
	endpoints *lattice.Endpoints

	mu        sync.Mutex
	running   bool
	subs      []ports.Subscription
	actorSubs map[domain.Identity]ports.Subscription
	processes map[string]ports.ProviderProcess // by instance id
	stopWatch func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup // background loop
	watchers  sync.WaitGroup // provider exit watchers
}

// New assembles a host on transport.
func New(transport ports.Transport, opts ...Option) (*Host, error) {
	h := &Host{
		transport:  transport,
		heartbeat:  DefaultHeartbeatInterval,
		lease:      DefaultLeaseWindow,
		rpcTimeout: DefaultRPCTimeout,
		lockTTL:    DefaultLockTTL,
		now:        time.Now,
		logger:     logging.NewNop(),
		actorSubs:  make(map[domain.Identity]ports.Subscription),
		processes:  make(map[string]ports.ProviderProcess),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.key == nil {
		key, err := claims.NewKeyPair(domain.KindHost)
		if err != nil {
			return nil, fmt.Errorf("failed to generate host key: %w", err)
		}
		h.key = key
	}
	if h.key.Kind != domain.KindHost {
		return nil, fmt.Errorf("host key must be of kind host, got %s", h.key.Kind)
	}
	if h.verifier == nil {
		h.verifier = claims.NewVerifier()
	}
	if h.gate == nil {
		h.gate = policy.NewGate(policy.WithLogger(h.logger), policy.WithMetrics(h.metrics))
	}

	id := h.key.Identity()
	h.logger = h.logger.With("host_id", id)
	h.subjects = lattice.NewSubjects(h.latticeID)
	h.endpoints = lattice.NewEndpoints(transport, h.subjects,
		lattice.WithHost(id),
		lattice.WithTimeout(h.rpcTimeout),
		lattice.WithLogger(h.logger),
	)
	h.registry = registry.New(id,
		registry.WithLease(h.lease),
		registry.WithClock(h.now),
		registry.WithLabels(h.labels),
		registry.WithEventSink(registry.EventSinkFunc(h.publishEvent)),
		registry.WithLogger(h.logger),
		registry.WithMetrics(h.metrics),
	)

	lockOpts := []keylock.Option{keylock.WithLogger(h.logger)}
	if h.locker != nil {
		lockOpts = append(lockOpts, keylock.WithLocker(h.locker, h.lockTTL))
	}
	linkOpts := []links.Option{
		links.WithPolicy(h.gate),
		links.WithLocks(keylock.New(lockOpts...)),
		links.WithLogger(h.logger),
		links.WithMetrics(h.metrics),
	}
	if h.store != nil {
		linkOpts = append(linkOpts, links.WithStore(h.store))
	}
	h.links = links.New(h.registry, h.endpoints, linkOpts...)
	h.registry.SetHooks(h.links.Hooks())

	h.router = router.New(h.registry, h.links, h.endpoints, h.endpoints,
		router.WithPolicy(h.gate),
		router.WithDefaultTimeout(h.rpcTimeout),
		router.WithHostID(id),
		router.WithLogger(h.logger),
		router.WithMetrics(h.metrics),
	)
	return h, nil
}

// ID returns the host identity.
func (h *Host) ID() domain.Identity { return h.key.Identity() }

// Lattice returns the lattice id.
func (h *Host) Lattice() string { return h.subjects.Lattice }

// Subjects returns the subject builder of the host's lattice.
func (h *Host) Subjects() lattice.Subjects { return h.subjects }

// Registry returns the entity registry.
func (h *Host) Registry() *registry.Registry { return h.registry }

// Links returns the link manager.
func (h *Host) Links() *links.Manager { return h.links }

// Router returns the invocation router.
func (h *Host) Router() *router.Router { return h.router }

// Gate returns the policy gate.
func (h *Host) Gate() *policy.Gate { return h.gate }

// Running reports whether the host is between Start and Stop.
func (h *Host) Running() bool { return h.isRunning() }

// Inventory returns what runs on this host.
func (h *Host) Inventory() domain.HostSnapshot { return h.registry.Snapshot() }

// Peers lists this host and every live remote host of the lattice.
func (h *Host) Peers() []registry.HostSummary { return h.registry.Hosts() }

// LinkStatuses lists every known link definition with its binding state.
func (h *Host) LinkStatuses() []domain.LinkStatus { return h.links.List() }

// Start subscribes to the lattice, loads persisted links, announces the host
// and runs the background loops until Stop.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	if err := h.subscribe(); err != nil {
		h.unsubscribeAll()
		h.setStopped()
		return err
	}
	stop, err := h.gate.Watch(h.transport, h.revocationTopic, h.changesTopic)
	if err != nil {
		h.unsubscribeAll()
		h.setStopped()
		return err
	}
	if err := h.links.Load(ctx); err != nil {
		h.logger.Warn("Could not load persisted links", "err", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.stopWatch = stop
	h.cancel = cancel
	h.mu.Unlock()

	if n, ok := h.transport.(ports.ReconnectNotifier); ok {
		n.OnReconnect(func() {
			h.logger.Info("Transport reconnected, republishing heartbeat")
			h.publishHeartbeat(loopCtx)
		})
	}

	h.publishHeartbeat(ctx)
	h.wg.Add(1)
	go h.loop(loopCtx)

	h.logger.Info("Host started", "lattice", h.subjects.Lattice)
	return nil
}

func (h *Host) setStopped() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
}

func (h *Host) isRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Host) loop(ctx context.Context) {
	defer h.wg.Done()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	evictEvery := h.lease / 3
	if evictEvery <= 0 {
		evictEvery = h.heartbeat
	}
	evict := time.NewTicker(evictEvery)
	defer evict.Stop()

	var reconcile <-chan time.Time
	if h.reconcile > 0 {
		t := time.NewTicker(h.reconcile)
		defer t.Stop()
		reconcile = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			h.publishHeartbeat(ctx)
		case <-evict.C:
			h.registry.Evict(ctx)
		case <-reconcile:
			h.links.Reconcile(ctx)
		}
	}
}

func (h *Host) subscribe() error {
	type binding struct {
		subject string
		queue   string
		handler ports.Handler
	}
	bindings := []binding{
		{subject: h.subjects.Events(), handler: h.handleEvent},
		{subject: h.subjects.HostControl(h.ID()), handler: async(h.handleControl)},
		{subject: h.subjects.LinkPut(), queue: "ctl", handler: async(h.handleLinkPut)},
		{subject: h.subjects.LinkDel(), queue: "ctl", handler: async(h.handleLinkDel)},
		{subject: h.subjects.PingHosts(), handler: h.handlePing},
	}
	for _, b := range bindings {
		var sub ports.Subscription
		var err error
		if b.queue == "" {
			sub, err = h.transport.Subscribe(b.subject, b.handler)
		} else {
			sub, err = h.transport.QueueSubscribe(b.subject, b.queue, b.handler)
		}
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
		}
		h.mu.Lock()
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
	}
	return nil
}

// async runs each message in its own goroutine. Control commands are
// independent of each other and may take as long as a provider launch.
func async(fn ports.Handler) ports.Handler {
	return func(ctx context.Context, msg *ports.Msg) {
		go fn(ctx, msg)
	}
}

func (h *Host) unsubscribeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	for id, sub := range h.actorSubs {
		subs = append(subs, sub)
		delete(h.actorSubs, id)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// Stop stops every local instance, tells peers the host is gone and
// releases its subscriptions.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	cancel := h.cancel
	stopWatch := h.stopWatch
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	var errs []error
	for _, inst := range h.registry.LocalActors("") {
		if err := h.stopActorInstance(ctx, inst.Identity, inst.InstanceID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range h.registry.LocalProviders() {
		if err := h.stopProvider(ctx, p.Identity, p.LinkName); err != nil {
			errs = append(errs, err)
		}
	}
	h.watchers.Wait()

	h.publishEvent(ctx, domain.Event{Type: domain.EventHostStopped, HostID: h.ID(), Timestamp: h.now().UTC()})
	if stopWatch != nil {
		stopWatch()
	}
	h.unsubscribeAll()
	h.logger.Info("Host stopped")
	return errors.Join(errs...)
}

func (h *Host) publishEvent(ctx context.Context, evt domain.Event) {
	if evt.HostID == "" {
		evt.HostID = h.ID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("Failed to encode event", "type", evt.Type, "err", err)
		return
	}
	if err := h.transport.Publish(ctx, h.subjects.Event(evt.Type), data); err != nil {
		h.logger.Warn("Failed to publish event", "type", evt.Type, "err", err)
	}
}

func (h *Host) publishHeartbeat(ctx context.Context) {
	snap := h.registry.Snapshot()
	h.publishEvent(ctx, domain.Event{Type: domain.EventHostHeartbeat, Snapshot: &snap})
	h.metrics.ObserveHeartbeat("out")
}

// Heartbeat publishes the host inventory immediately.
func (h *Host) Heartbeat(ctx context.Context) {
	h.publishHeartbeat(ctx)
}
