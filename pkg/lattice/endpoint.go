package lattice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// DefaultRPCTimeout bounds bus requests whose context carries no deadline.
const DefaultRPCTimeout = 2 * time.Second

// Endpoints resolves bus-backed provider and actor endpoints.
type Endpoints struct {
	transport ports.Transport
	subjects  Subjects
	host      domain.Identity
	timeout   time.Duration
	logger    *slog.Logger
}

// EndpointOption configures Endpoints.
type EndpointOption func(*Endpoints)

// WithTimeout sets the default request timeout.
func WithTimeout(d time.Duration) EndpointOption {
	return func(e *Endpoints) {
		e.timeout = d
	}
}

// WithHost stamps outgoing invocations with the sending host.
func WithHost(id domain.Identity) EndpointOption {
	return func(e *Endpoints) {
		e.host = id
	}
}

// WithLogger configures a logger.
func WithLogger(logger *slog.Logger) EndpointOption {
	return func(e *Endpoints) {
		e.logger = logger
	}
}

// NewEndpoints creates endpoints on transport.
func NewEndpoints(transport ports.Transport, subjects Subjects, opts ...EndpointOption) *Endpoints {
	e := &Endpoints{
		transport: transport,
		subjects:  subjects,
		timeout:   DefaultRPCTimeout,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Provider returns the endpoint of provider id under linkName.
func (e *Endpoints) Provider(id domain.Identity, linkName string) ports.ProviderEndpoint {
	return &providerEndpoint{e: e, id: id, linkName: domain.NormalizeLinkName(linkName)}
}

// Actor returns the bus endpoint of actor id.
func (e *Endpoints) Actor(id domain.Identity) ports.ActorHandle {
	return &actorEndpoint{e: e, id: id}
}

func (e *Endpoints) request(ctx context.Context, subject string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	reply, err := e.transport.Request(ctx, subject, data)
	if err != nil {
		return nil, classifyRequestError(subject, err)
	}
	return reply, nil
}

// classifyRequestError keeps timeout and unavailability distinguishable and
// folds everything else into ErrTransport.
func classifyRequestError(subject string, err error) error {
	switch {
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrTargetUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", domain.ErrTimeout, subject)
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrTransport, subject, err)
	}
}

func (e *Endpoints) invoke(ctx context.Context, subject string, inv domain.Invocation) (domain.InvocationResponse, error) {
	if inv.HostID == "" {
		inv.HostID = e.host
	}
	reply, err := e.request(ctx, subject, inv)
	if err != nil {
		return domain.InvocationResponse{TraceID: inv.TraceID}, err
	}
	var resp domain.InvocationResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return domain.InvocationResponse{TraceID: inv.TraceID}, fmt.Errorf("%w: malformed invocation response: %v", domain.ErrTransport, err)
	}
	if resp.TraceID == "" {
		resp.TraceID = inv.TraceID
	}
	if resp.Fault != nil {
		return resp, resp.Fault.Err()
	}
	return resp, nil
}

type providerEndpoint struct {
	e        *Endpoints
	id       domain.Identity
	linkName string
}

func (p *providerEndpoint) deliver(ctx context.Context, subject string, msg LinkDelivery) error {
	reply, err := p.e.request(ctx, subject, msg)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLinkDeliveryFailed, err)
	}
	var resp CtlResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return fmt.Errorf("%w: malformed ack: %v", domain.ErrLinkDeliveryFailed, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: provider rejected link: %s", domain.ErrLinkDeliveryFailed, resp.Message)
	}
	return nil
}

func (p *providerEndpoint) PutLink(ctx context.Context, def domain.LinkDefinition, update bool) error {
	return p.deliver(ctx, p.e.subjects.LinkdefsPut(p.id, p.linkName), LinkDelivery{Link: def, Update: update})
}

func (p *providerEndpoint) DeleteLink(ctx context.Context, def domain.LinkDefinition) error {
	return p.deliver(ctx, p.e.subjects.LinkdefsDel(p.id, p.linkName), LinkDelivery{Link: def})
}

func (p *providerEndpoint) Invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
	return p.e.invoke(ctx, p.e.subjects.ProviderRPC(p.id, p.linkName), inv)
}

type actorEndpoint struct {
	e  *Endpoints
	id domain.Identity
}

func (a *actorEndpoint) Invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
	return a.e.invoke(ctx, a.e.subjects.ActorRPC(a.id), inv)
}

// InvocationFunc handles one inbound invocation.
type InvocationFunc func(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error)

// ServeInvocations answers invocation requests on subject. Each request runs
// in its own goroutine so an actor may call back into the host that is
// serving it without blocking the subscription.
func ServeInvocations(transport ports.Transport, subject, queue string, logger *slog.Logger, fn InvocationFunc) (ports.Subscription, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	handler := func(ctx context.Context, msg *ports.Msg) {
		go func() {
			var inv domain.Invocation
			var resp domain.InvocationResponse
			if err := json.Unmarshal(msg.Data, &inv); err != nil {
				resp.Fault = &domain.Fault{Kind: domain.FaultTransport, Message: "malformed invocation: " + err.Error()}
			} else {
				out, err := fn(ctx, inv)
				resp = out
				if err != nil {
					resp.Fault = domain.FaultFromError(err)
				}
				if resp.TraceID == "" {
					resp.TraceID = inv.TraceID
				}
			}
			data, err := json.Marshal(resp)
			if err != nil {
				logger.Error("Failed to encode invocation response", "subject", msg.Subject, "err", err)
				return
			}
			if err := transport.Respond(ctx, msg, data); err != nil {
				logger.Debug("Failed to send invocation response", "subject", msg.Subject, "err", err)
			}
		}()
	}
	if queue == "" {
		return transport.Subscribe(subject, handler)
	}
	return transport.QueueSubscribe(subject, queue, handler)
}
