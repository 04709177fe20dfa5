package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/google/uuid"
)

// Client sends control commands to the hosts of a lattice.
type Client struct {
	transport ports.Transport
	subjects  Subjects
	timeout   time.Duration
}

// NewClient creates a control client. timeout applies to requests whose
// context has no deadline.
func NewClient(transport ports.Transport, subjects Subjects, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &Client{transport: transport, subjects: subjects, timeout: timeout}
}

func (c *Client) command(ctx context.Context, subject string, cmd any) (CtlResponse, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return CtlResponse{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	reply, err := c.transport.Request(ctx, subject, data)
	if err != nil {
		return CtlResponse{}, classifyRequestError(subject, err)
	}
	var resp CtlResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return CtlResponse{}, fmt.Errorf("%w: malformed control response: %v", domain.ErrTransport, err)
	}
	return resp, resp.Err()
}

// StartActor asks host to start instances of an actor.
func (c *Client) StartActor(ctx context.Context, host domain.Identity, cmd StartActorCommand) (StartedActors, error) {
	var out StartedActors
	resp, err := c.command(ctx, c.subjects.Control(host, "actor", "start"), cmd)
	if err != nil {
		return out, err
	}
	return out, resp.Decode(&out)
}

// StopActor asks host to stop actor instances.
func (c *Client) StopActor(ctx context.Context, host domain.Identity, cmd StopActorCommand) error {
	_, err := c.command(ctx, c.subjects.Control(host, "actor", "stop"), cmd)
	return err
}

// StartProvider asks host to launch a provider. Starting a provider that is
// already running returns the existing instance without error.
func (c *Client) StartProvider(ctx context.Context, host domain.Identity, cmd StartProviderCommand) (domain.ProviderInstance, error) {
	var out domain.ProviderInstance
	resp, err := c.command(ctx, c.subjects.Control(host, "provider", "start"), cmd)
	if err != nil {
		return out, err
	}
	return out, resp.Decode(&out)
}

// StopProvider asks host to stop a provider.
func (c *Client) StopProvider(ctx context.Context, host domain.Identity, cmd StopProviderCommand) error {
	_, err := c.command(ctx, c.subjects.Control(host, "provider", "stop"), cmd)
	return err
}

// PutLink stores a link definition. One host of the lattice handles it.
func (c *Client) PutLink(ctx context.Context, def domain.LinkDefinition) error {
	_, err := c.command(ctx, c.subjects.LinkPut(), def)
	return err
}

// DeleteLink removes a link definition.
func (c *Client) DeleteLink(ctx context.Context, key domain.LinkKey) error {
	_, err := c.command(ctx, c.subjects.LinkDel(), key)
	return err
}

// Hosts collects the inventories of every host answering within wait.
func (c *Client) Hosts(ctx context.Context, wait time.Duration) ([]domain.HostSnapshot, error) {
	inbox := "_INBOX." + uuid.NewString()
	var mu sync.Mutex
	var out []domain.HostSnapshot
	sub, err := c.transport.Subscribe(inbox, func(_ context.Context, msg *ports.Msg) {
		var snap domain.HostSnapshot
		if json.Unmarshal(msg.Data, &snap) != nil {
			return
		}
		mu.Lock()
		out = append(out, snap)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	data, _ := json.Marshal(PingRequest{Reply: inbox})
	if err := c.transport.Publish(ctx, c.subjects.PingHosts(), data); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
	mu.Lock()
	defer mu.Unlock()
	return append([]domain.HostSnapshot(nil), out...), nil
}
