package lattice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// ProviderHandler implements a capability contract inside a provider process.
type ProviderHandler interface {
	// PutLink receives a new binding for an actor.
	PutLink(ctx context.Context, def domain.LinkDefinition) error
	// UpdateLink receives changed configuration for an existing binding.
	UpdateLink(ctx context.Context, def domain.LinkDefinition) error
	// DeleteLink releases the per-actor resources of a binding.
	DeleteLink(ctx context.Context, def domain.LinkDefinition) error
	// Invoke performs an operation on behalf of a linked actor.
	Invoke(ctx context.Context, inv domain.Invocation) ([]byte, error)
}

// ProviderServer is the provider side of lattice RPC. It deduplicates link
// deliveries: a definition identical to the one already held is acknowledged
// without reaching the handler.
type ProviderServer struct {
	transport ports.Transport
	subjects  Subjects
	id        domain.Identity
	linkName  string
	handler   ProviderHandler
	logger    *slog.Logger

	mu    sync.Mutex
	links map[domain.LinkKey]domain.LinkDefinition

	subs      []ports.Subscription
	done      chan struct{}
	closeOnce sync.Once
}

// ServeOption configures a ProviderServer.
type ServeOption func(*ProviderServer)

// WithServerLogger configures the server logger.
func WithServerLogger(logger *slog.Logger) ServeOption {
	return func(s *ProviderServer) {
		s.logger = logger
	}
}

// Serve subscribes handler to the RPC subjects of provider (id, linkName).
func Serve(transport ports.Transport, subjects Subjects, id domain.Identity, linkName string, handler ProviderHandler, opts ...ServeOption) (*ProviderServer, error) {
	s := &ProviderServer{
		transport: transport,
		subjects:  subjects,
		id:        id,
		linkName:  domain.NormalizeLinkName(linkName),
		handler:   handler,
		logger:    logging.NewNop(),
		links:     make(map[domain.LinkKey]domain.LinkDefinition),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	put, err := transport.Subscribe(subjects.LinkdefsPut(id, s.linkName), s.handlePut)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe linkdefs put: %w", err)
	}
	s.subs = append(s.subs, put)

	del, err := transport.Subscribe(subjects.LinkdefsDel(id, s.linkName), s.handleDelete)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to subscribe linkdefs del: %w", err)
	}
	s.subs = append(s.subs, del)

	rpc, err := ServeInvocations(transport, subjects.ProviderRPC(id, s.linkName), "rpc", s.logger, s.invoke)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to subscribe rpc: %w", err)
	}
	s.subs = append(s.subs, rpc)

	shutdown, err := transport.Subscribe(subjects.ProviderShutdown(id, s.linkName), func(ctx context.Context, msg *ports.Msg) {
		s.logger.Info("Shutdown requested", "identity", id, "link_name", s.linkName)
		if msg.Reply != "" {
			data, _ := json.Marshal(OK(nil))
			_ = transport.Respond(ctx, msg, data)
		}
		s.Close()
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to subscribe shutdown: %w", err)
	}
	s.subs = append(s.subs, shutdown)
	return s, nil
}

func (s *ProviderServer) reply(ctx context.Context, msg *ports.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := OK(nil)
	if err != nil {
		resp = Failed(err)
	}
	data, _ := json.Marshal(resp)
	if rerr := s.transport.Respond(ctx, msg, data); rerr != nil {
		s.logger.Debug("Failed to acknowledge link delivery", "subject", msg.Subject, "err", rerr)
	}
}

func (s *ProviderServer) handlePut(ctx context.Context, msg *ports.Msg) {
	var in LinkDelivery
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.reply(ctx, msg, fmt.Errorf("%w: %v", domain.ErrInvalidLink, err))
		return
	}
	def := in.Link.Normalized()
	if err := def.Validate(); err != nil {
		s.reply(ctx, msg, err)
		return
	}
	if def.Target != s.id || def.LinkName != s.linkName {
		s.reply(ctx, msg, fmt.Errorf("%w: link targets %s/%s", domain.ErrInvalidLink, def.Target, def.LinkName))
		return
	}

	key := def.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.links[key]
	var err error
	switch {
	case ok && held.Generation() == def.Generation():
		s.logger.Debug("Ignoring unchanged link", "source", def.Source, "contract_id", def.ContractID)
	case ok:
		err = s.handler.UpdateLink(ctx, def)
	default:
		if in.Update {
			// The host saw this binding acknowledged before, so this
			// process lost it, e.g. across a restart it was not told about.
			s.logger.Info("Update for a link not held, binding as new", "source", def.Source, "contract_id", def.ContractID)
		}
		err = s.handler.PutLink(ctx, def)
	}
	if err == nil {
		s.links[key] = def
	} else {
		s.logger.Warn("Link rejected", "source", def.Source, "contract_id", def.ContractID, "err", err)
	}
	s.reply(ctx, msg, err)
}

func (s *ProviderServer) handleDelete(ctx context.Context, msg *ports.Msg) {
	var in LinkDelivery
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.reply(ctx, msg, fmt.Errorf("%w: %v", domain.ErrInvalidLink, err))
		return
	}
	key := in.Link.Normalized().Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.links[key]
	if !ok {
		s.reply(ctx, msg, nil)
		return
	}
	err := s.handler.DeleteLink(ctx, held)
	if err == nil {
		delete(s.links, key)
	}
	s.reply(ctx, msg, err)
}

func (s *ProviderServer) invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
	key := domain.LinkKey{Source: inv.Origin, ContractID: inv.ContractID, LinkName: s.linkName}
	s.mu.Lock()
	_, linked := s.links[key]
	s.mu.Unlock()
	if !linked {
		return domain.InvocationResponse{}, fmt.Errorf("%w: no link from %s for %s", domain.ErrNotFound, inv.Origin, inv.ContractID)
	}
	payload, err := s.handler.Invoke(ctx, inv)
	if err != nil {
		return domain.InvocationResponse{}, err
	}
	return domain.InvocationResponse{Payload: payload, TraceID: inv.TraceID}, nil
}

// Links returns the bindings currently held, ordered by key.
func (s *ProviderServer) Links() []domain.LinkDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LinkDefinition, 0, len(s.links))
	for _, def := range s.links {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// Done is closed after a shutdown request or Close.
func (s *ProviderServer) Done() <-chan struct{} { return s.done }

// Close unsubscribes from every subject.
func (s *ProviderServer) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, sub := range s.subs {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}
		close(s.done)
	})
	return errors.Join(errs...)
}
