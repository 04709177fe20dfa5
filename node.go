package lattice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/internal/logging"
	adminhttp "github.com/aretw0/lattice/pkg/adapters/http"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	natsadapter "github.com/aretw0/lattice/pkg/adapters/nats"
	"github.com/aretw0/lattice/pkg/adapters/process"
	redisadapter "github.com/aretw0/lattice/pkg/adapters/redis"
	"github.com/aretw0/lattice/pkg/claims"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/host"
	wasmbus "github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/persistence/middleware"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	backend "github.com/redis/go-redis/v9"
)

// Version is stamped at build time with -ldflags "-X github.com/aretw0/lattice.Version=...".
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// Node is a host assembled from configuration, together with its transport,
// stores and admin API.
type Node struct {
	Config    config.Config
	Host      *host.Host
	Transport ports.Transport
	Metrics   *prometheus.Registry

	admin   *http.Server
	logger  *slog.Logger
	closers []func() error

	runtime   ports.ActorRuntime
	launcher  ports.ProviderLauncher
	transport ports.Transport
	extra     []host.Option
}

// Option defines a functional option for configuring the Node.
type Option func(*Node)

// WithRuntime sets the WebAssembly engine actors are instantiated with.
func WithRuntime(rt ports.ActorRuntime) Option {
	return func(n *Node) {
		n.runtime = rt
	}
}

// WithLauncher replaces the process launcher built from the providers
// section of the configuration.
func WithLauncher(l ports.ProviderLauncher) Option {
	return func(n *Node) {
		n.launcher = l
	}
}

// WithTransport injects a transport, bypassing the configured one. The
// caller keeps owning it.
func WithTransport(t ports.Transport) Option {
	return func(n *Node) {
		n.transport = t
	}
}

// WithLogger sets a custom structured logger instead of the configured one.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithHostOptions appends raw host options, applied last.
func WithHostOptions(opts ...host.Option) Option {
	return func(n *Node) {
		n.extra = append(n.extra, opts...)
	}
}

// NewNode builds every component named by cfg. Nothing touches the bus
// until Run.
func NewNode(cfg config.Config, opts ...Option) (*Node, error) {
	n := &Node{Config: cfg}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		n.logger = logging.NewWithWriter(os.Stderr, level, logging.Format(cfg.Log.Format))
	}

	if err := n.build(); err != nil {
		_ = n.close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	cfg := n.Config

	key, err := hostKey(cfg.HostSeed)
	if err != nil {
		return err
	}

	n.Metrics = prometheus.NewRegistry()
	n.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(n.Metrics)

	var redisClient *backend.Client
	redis := func(url string) (*backend.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		c, err := newRedisClient(url)
		if err != nil {
			return nil, err
		}
		redisClient = c
		n.closers = append(n.closers, c.Close)
		return c, nil
	}

	if n.transport != nil {
		n.Transport = n.transport
	} else {
		switch cfg.Transport.Kind {
		case "redis":
			c, err := redis(cfg.Transport.URL)
			if err != nil {
				return err
			}
			opts := []redisadapter.TransportOption{redisadapter.WithTransportLogger(n.logger)}
			if cfg.Transport.Prefix != "" {
				opts = append(opts, redisadapter.WithChannelPrefix(cfg.Transport.Prefix))
			}
			n.Transport = redisadapter.NewTransportFromClient(c, opts...)
		case "nats":
			t, err := natsadapter.Connect(cfg.Transport.URL,
				natsadapter.WithName("latticed-"+key.Identity().String()),
				natsadapter.WithLogger(n.logger),
			)
			if err != nil {
				return err
			}
			n.Transport = t
		default:
			n.Transport = memory.NewBus()
		}
		n.closers = append([]func() error{n.Transport.Close}, n.closers...)
	}

	hostOpts := []host.Option{
		host.WithLattice(cfg.Lattice),
		host.WithKey(key),
		host.WithLabels(cfg.Labels),
		host.WithHeartbeat(cfg.HeartbeatInterval),
		host.WithLease(cfg.LeaseWindow),
		host.WithRPCTimeout(cfg.RPCTimeout),
		host.WithReconcile(cfg.ReconcileInterval),
		host.WithPolicyTopics(cfg.Policy.RevocationTopic, cfg.Policy.ChangesTopic),
		host.WithLogger(n.logger),
		host.WithMetrics(metrics),
	}

	var store ports.LinkStore = memory.NewStore()
	if cfg.Store.Kind == "redis" {
		c, err := redis(cfg.StoreURL())
		if err != nil {
			return err
		}
		store = redisadapter.NewFromClient(c, redisadapter.WithPrefix(cfg.Store.Prefix))
		hostOpts = append(hostOpts, host.WithLinkLocker(redisadapter.NewLocker(c, cfg.Store.Prefix), host.DefaultLockTTL))
	}
	if cfg.Store.EncryptionKey != "" {
		if store, err = encryptStore(store, cfg.Store); err != nil {
			return err
		}
	}
	hostOpts = append(hostOpts, host.WithLinkStore(store))

	anchors, err := parseIdentities(cfg.TrustAnchors)
	if err != nil {
		return fmt.Errorf("trust_anchors: %w", err)
	}
	hostOpts = append(hostOpts, host.WithVerifier(claims.NewVerifier(claims.WithTrustAnchors(anchors...))))

	gate, err := n.gate(key.Identity(), metrics)
	if err != nil {
		return err
	}
	hostOpts = append(hostOpts, host.WithGate(gate))

	if n.runtime != nil {
		hostOpts = append(hostOpts, host.WithRuntime(n.runtime))
	}
	launcher := n.launcher
	if launcher == nil && len(cfg.Providers) > 0 {
		launcher = process.NewLauncher(
			process.WithRegistry(providerRegistry(cfg.Providers)),
			process.WithTransportURL(cfg.Transport.URL),
			process.WithLogger(n.logger),
		)
	}
	if launcher != nil {
		hostOpts = append(hostOpts, host.WithLauncher(launcher))
	}

	h, err := host.New(n.Transport, append(hostOpts, n.extra...)...)
	if err != nil {
		return err
	}
	n.Host = h

	if cfg.AdminAddr != "" {
		n.admin = &http.Server{
			Addr: cfg.AdminAddr,
			Handler: adminhttp.NewHandler(h,
				adminhttp.WithGatherer(n.Metrics),
				adminhttp.WithLogger(n.logger),
			),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

func (n *Node) gate(id domain.Identity, metrics *observability.Metrics) (*policy.Gate, error) {
	cfg := n.Config.Policy
	revoked, err := parseIdentities(cfg.Revoked)
	if err != nil {
		return nil, fmt.Errorf("policy.revoked: %w", err)
	}

	var authority policy.Authority
	if cfg.Topic != "" {
		authority = policy.NewBusAuthority(n.Transport, cfg.Topic, policy.HostInfo{
			PublicKey: id,
			LatticeID: n.Config.Lattice,
			Labels:    n.Config.Labels,
		})
	} else if authority, err = policy.ByName(cfg.Default); err != nil {
		return nil, err
	}

	return policy.NewGate(
		policy.WithAuthority(authority),
		policy.WithTimeout(cfg.Timeout),
		policy.WithCacheTTL(cfg.CacheTTL),
		policy.WithRevoked(revoked...),
		policy.WithLogger(n.logger),
		policy.WithMetrics(metrics),
	), nil
}

// Client returns a control client speaking to the node's lattice.
func (n *Node) Client() *wasmbus.Client {
	return wasmbus.NewClient(n.Transport, n.Host.Subjects(), n.Config.RPCTimeout)
}

// Run starts the host and the admin API and blocks until ctx is done or
// the admin listener fails. The node is shut down before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Host.Start(ctx); err != nil {
		_ = n.close()
		return fmt.Errorf("failed to start host: %w", err)
	}
	n.logger.Info("Lattice host running",
		"host_id", n.Host.ID(), "lattice", n.Config.Lattice, "transport", n.Config.Transport.Kind, "version", Version)

	serverErrors := make(chan error, 1)
	if n.admin != nil {
		go func() {
			n.logger.Info("Admin API listening", "addr", n.admin.Addr)
			if err := n.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		n.logger.Info("Shutting down", "reason", context.Cause(ctx))
	case err := <-serverErrors:
		runErr = fmt.Errorf("admin api: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, n.shutdown(shutdownCtx))
}

func (n *Node) shutdown(ctx context.Context) error {
	var errs []error
	if n.admin != nil {
		if err := n.admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
			_ = n.admin.Close()
		}
	}
	if err := n.Host.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, n.close())
	return errors.Join(errs...)
}

func (n *Node) close() error {
	var errs []error
	for _, c := range n.closers {
		errs = append(errs, c())
	}
	n.closers = nil
	return errors.Join(errs...)
}

func hostKey(seed string) (*claims.KeyPair, error) {
	if seed == "" {
		return claims.NewKeyPair(domain.KindHost)
	}
	key, err := claims.KeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("host_seed: %w", err)
	}
	return key, nil
}

func parseIdentities(in []string) ([]domain.Identity, error) {
	out := make([]domain.Identity, 0, len(in))
	for _, s := range in {
		id, err := claims.ParseIdentity(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// newRedisClient accepts a redis:// URL or a bare host:port.
func newRedisClient(url string) (*backend.Client, error) {
	if strings.Contains(url, "://") {
		opts, err := backend.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return backend.NewClient(opts), nil
	}
	return backend.NewClient(&backend.Options{Addr: url}), nil
}

func encryptStore(store ports.LinkStore, cfg config.StoreConfig) (ports.LinkStore, error) {
	enc := middleware.EncryptionConfig{}
	var err error
	if enc.ActiveKey, err = middleware.DecodeKey(cfg.EncryptionKey); err != nil {
		return nil, fmt.Errorf("store.encryption_key: %w", err)
	}
	for _, k := range cfg.FallbackKeys {
		key, err := middleware.DecodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("store.fallback_keys: %w", err)
		}
		enc.FallbackKeys = append(enc.FallbackKeys, key)
	}
	mw, err := middleware.NewEncryptionMiddleware(enc)
	if err != nil {
		return nil, err
	}
	return mw(store), nil
}

func providerRegistry(in map[string]config.ProviderConfig) map[string]process.ProviderConfig {
	out := make(map[string]process.ProviderConfig, len(in))
	for ref, p := range in {
		out[ref] = process.ProviderConfig{Ref: ref, Command: p.Command, Args: p.Args, Environment: p.Env}
	}
	return out
}
