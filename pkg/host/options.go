package host

import (
	"log/slog"
	"time"

	"github.com/aretw0/lattice/pkg/claims"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultLeaseWindow       = 90 * time.Second
	DefaultRPCTimeout        = 2 * time.Second
	DefaultLockTTL           = 10 * time.Second
)

// Option configures a Host.
type Option func(*Host)

// WithLattice sets the lattice id that namespaces every subject.
func WithLattice(id string) Option {
	return func(h *Host) {
		h.latticeID = id
	}
}

// WithKey sets the host keypair. A fresh one is generated otherwise.
func WithKey(key *claims.KeyPair) Option {
	return func(h *Host) {
		h.key = key
	}
}

// WithLabels sets the labels advertised in heartbeats and policy requests.
func WithLabels(labels map[string]string) Option {
	return func(h *Host) {
		h.labels = labels
	}
}

// WithVerifier sets the claims verifier.
func WithVerifier(v *claims.Verifier) Option {
	return func(h *Host) {
		h.verifier = v
	}
}

// WithGate sets the policy gate.
func WithGate(g *policy.Gate) Option {
	return func(h *Host) {
		h.gate = g
	}
}

// WithPolicyTopics subscribes the gate to revocations and decision overrides.
func WithPolicyTopics(revocations, changes string) Option {
	return func(h *Host) {
		h.revocationTopic = revocations
		h.changesTopic = changes
	}
}

// WithRuntime sets the WebAssembly runtime used to instantiate actors.
func WithRuntime(rt ports.ActorRuntime) Option {
	return func(h *Host) {
		h.runtime = rt
	}
}

// WithLauncher sets how provider processes are started.
func WithLauncher(l ports.ProviderLauncher) Option {
	return func(h *Host) {
		h.launcher = l
	}
}

// WithLinkStore persists link definitions.
func WithLinkStore(s ports.LinkStore) Option {
	return func(h *Host) {
		h.store = s
	}
}

// WithLinkLocker serializes link changes across hosts.
func WithLinkLocker(l ports.DistributedLocker, ttl time.Duration) Option {
	return func(h *Host) {
		h.locker = l
		h.lockTTL = ttl
	}
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Host) {
		h.heartbeat = d
	}
}

// WithLease sets how long peers stay visible without heartbeats.
func WithLease(d time.Duration) Option {
	return func(h *Host) {
		h.lease = d
	}
}

// WithRPCTimeout bounds bus requests and invocations.
func WithRPCTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.rpcTimeout = d
	}
}

// WithReconcile enables a periodic link reconciliation sweep.
func WithReconcile(d time.Duration) Option {
	return func(h *Host) {
		h.reconcile = d
	}
}

// WithClock sets the time source of the registry.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		h.now = now
	}
}

// WithLogger configures the host logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithMetrics enables metrics on every component.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithProviderConfig adds host-level settings passed to every provider
// process, such as the transport url.
func WithProviderConfig(cfg map[string]string) Option {
	return func(h *Host) {
		h.providerConfig = cfg
	}
}
