package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/google/uuid"
)

// DefaultTimeout applies when Invoke is called without a timeout.
const DefaultTimeout = 2 * time.Second

// Locator resolves identities. *registry.Registry implements it.
type Locator interface {
	Find(id domain.Identity) []domain.Location
	FindProvider(id domain.Identity, linkName string) []domain.Location
	Claims(id domain.Identity) (domain.Claims, bool)
	LocalActor(id domain.Identity) (ports.ActorHandle, bool)
}

// Bindings exposes the active links. *links.Manager implements it.
type Bindings interface {
	Active(key domain.LinkKey) (domain.LinkDefinition, bool)
}

// Evaluator admits invocations. *policy.Gate implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req policy.Request) policy.Decision
}

// Router is the invocation router of one host.
type Router struct {
	locator   Locator
	bindings  Bindings
	providers ports.ProviderEndpoints
	actors    ports.ActorEndpoints
	gate      Evaluator
	timeout   time.Duration
	hostID    domain.Identity
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Option configures the Router.
type Option func(*Router)

// WithPolicy sets the gate consulted for every invocation.
func WithPolicy(gate Evaluator) Option {
	return func(r *Router) {
		r.gate = gate
	}
}

// WithDefaultTimeout sets the timeout used when a caller passes none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.timeout = d
	}
}

// WithHostID stamps invocations originating on this host.
func WithHostID(id domain.Identity) Option {
	return func(r *Router) {
		r.hostID = id
	}
}

// WithLogger configures a logger for the Router.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMetrics enables invocation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// New creates a Router.
func New(locator Locator, bindings Bindings, providers ports.ProviderEndpoints, actors ports.ActorEndpoints, opts ...Option) *Router {
	r := &Router{
		locator:   locator,
		bindings:  bindings,
		providers: providers,
		actors:    actors,
		timeout:   DefaultTimeout,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke routes inv and waits for its response for at most timeout. A zero
// timeout uses the router default.
func (r *Router) Invoke(ctx context.Context, inv domain.Invocation, timeout time.Duration) (domain.InvocationResponse, error) {
	if inv.TraceID == "" {
		inv.TraceID = uuid.NewString()
	}
	if inv.HostID == "" {
		inv.HostID = r.hostID
	}
	if timeout <= 0 {
		timeout = r.timeout
	}
	start := time.Now()
	logger := r.logger.With("trace_id", inv.TraceID, "origin", inv.Origin, "target", inv.Target, "contract_id", inv.ContractID)

	dispatch, resp, err := r.route(ctx, inv, timeout)
	if resp.TraceID == "" {
		resp.TraceID = inv.TraceID
	}

	result := "ok"
	if err != nil {
		fault := domain.FaultFromError(err)
		result = string(fault.Kind)
		if resp.Fault == nil {
			resp.Fault = fault
		}
		switch {
		case errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrTargetUnavailable):
			logger.Debug("Invocation failed", "operation", inv.Operation, "err", err)
		case errors.Is(err, domain.ErrPolicyDenied):
			logger.Warn("Invocation denied", "operation", inv.Operation, "err", err)
		default:
			logger.Info("Invocation failed", "operation", inv.Operation, "err", err)
		}
	}
	r.metrics.ObserveInvocation(inv.ContractID, dispatch, result, time.Since(start))
	return resp, err
}

func (r *Router) route(ctx context.Context, inv domain.Invocation, timeout time.Duration) (string, domain.InvocationResponse, error) {
	switch {
	case inv.Target.IsProvider():
		resp, err := r.toProvider(ctx, inv, timeout)
		return "provider", resp, err
	case inv.Target.IsActor():
		return r.toActor(ctx, inv, timeout)
	default:
		return "none", domain.InvocationResponse{}, fmt.Errorf("%w: %q is not an actor or provider", domain.ErrTargetUnavailable, inv.Target)
	}
}

func (r *Router) toProvider(ctx context.Context, inv domain.Invocation, timeout time.Duration) (domain.InvocationResponse, error) {
	inv.LinkName = domain.NormalizeLinkName(inv.LinkName)
	if len(r.locator.FindProvider(inv.Target, inv.LinkName)) == 0 {
		return domain.InvocationResponse{}, fmt.Errorf("%w: provider %s/%s is not running", domain.ErrTargetUnavailable, inv.Target, inv.LinkName)
	}

	key := domain.LinkKey{Source: inv.Origin, ContractID: inv.ContractID, LinkName: inv.LinkName}
	def, ok := r.bindings.Active(key)
	if !ok || def.Target != inv.Target {
		// A link held back by policy must surface as a denial, not as a
		// missing binding.
		if err := r.admit(ctx, inv); err != nil {
			return domain.InvocationResponse{}, err
		}
		return domain.InvocationResponse{}, fmt.Errorf("%w: no active link %s to %s", domain.ErrTargetUnavailable, key, inv.Target)
	}

	if err := r.admit(ctx, inv); err != nil {
		return domain.InvocationResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.providers.Provider(inv.Target, inv.LinkName).Invoke(ctx, inv)
}

func (r *Router) toActor(ctx context.Context, inv domain.Invocation, timeout time.Duration) (string, domain.InvocationResponse, error) {
	locs := r.locator.Find(inv.Target)
	if len(locs) == 0 {
		return "none", domain.InvocationResponse{}, fmt.Errorf("%w: actor %s is not running", domain.ErrTargetUnavailable, inv.Target)
	}
	if err := r.admit(ctx, inv); err != nil {
		return "none", domain.InvocationResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if handle, ok := r.locator.LocalActor(inv.Target); ok {
		resp, err := callLocal(ctx, handle, inv)
		return "local", resp, err
	}
	resp, err := r.actors.Actor(inv.Target).Invoke(ctx, inv)
	return "remote", resp, err
}

func (r *Router) admit(ctx context.Context, inv domain.Invocation) error {
	if r.gate == nil {
		return nil
	}
	subject, ok := r.locator.Claims(inv.Origin)
	if !ok {
		subject = domain.Claims{Subject: inv.Origin}
	}
	target := policy.Target{Identity: inv.Target, ContractID: inv.ContractID, LinkName: inv.LinkName}
	if tc, ok := r.locator.Claims(inv.Target); ok {
		target.Issuer = tc.Issuer
	}
	decision := r.gate.Evaluate(ctx, policy.Request{
		Action:  policy.ActionInvoke,
		Subject: subject,
		Target:  target,
		Context: map[string]string{"operation": inv.Operation},
	})
	return decision.Err()
}

// callLocal runs an in-process invocation bounded by the context deadline.
func callLocal(ctx context.Context, handle ports.ActorHandle, inv domain.Invocation) (domain.InvocationResponse, error) {
	type result struct {
		resp domain.InvocationResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := handle.Invoke(ctx, inv)
		done <- result{resp, err}
	}()
	select {
	case res := <-done:
		return res.resp, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.InvocationResponse{}, fmt.Errorf("%w: actor %s", domain.ErrTimeout, inv.Target)
		}
		return domain.InvocationResponse{}, ctx.Err()
	}
}

// ServeLocal delivers an invocation received from the bus to a local
// instance of its target. The sending host already admitted it.
func (r *Router) ServeLocal(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
	handle, ok := r.locator.LocalActor(inv.Target)
	if !ok {
		return domain.InvocationResponse{TraceID: inv.TraceID}, fmt.Errorf("%w: actor %s is not running here", domain.ErrTargetUnavailable, inv.Target)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	resp, err := callLocal(ctx, handle, inv)
	result := "ok"
	if err != nil {
		result = string(domain.FaultFromError(err).Kind)
	}
	r.metrics.ObserveInvocation(inv.ContractID, "inbound", result, time.Since(start))
	if resp.TraceID == "" {
		resp.TraceID = inv.TraceID
	}
	return resp, err
}

// Caller returns the function actors running on this host use to originate
// calls. The origin is fixed to the actor identity.
func (r *Router) Caller(origin domain.Identity) ports.Caller {
	return func(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
		inv.Origin = origin
		return r.Invoke(ctx, inv, 0)
	}
}
