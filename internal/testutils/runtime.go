package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// Runtime is an ActorRuntime whose actors understand two operations:
// "echo" returns the payload, "call" decodes the payload as an Invocation
// and performs it through the host, returning the result.
type Runtime struct {
	mu     sync.Mutex
	live   int
	closed int
	Fail   error
}

// Instantiate implements ports.ActorRuntime.
func (r *Runtime) Instantiate(_ context.Context, ref string, c domain.Claims, caller ports.Caller) (ports.ActorInstanceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return nil, r.Fail
	}
	r.live++
	return &Actor{runtime: r, claims: c, ref: ref, caller: caller}, nil
}

// Live returns the number of instances not yet closed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Actor is one fake actor instance.
type Actor struct {
	runtime *Runtime
	claims  domain.Claims
	ref     string
	caller  ports.Caller
	once    sync.Once
}

// Invoke implements ports.ActorHandle.
func (a *Actor) Invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
	switch inv.Operation {
	case "echo":
		return domain.InvocationResponse{Payload: inv.Payload, TraceID: inv.TraceID}, nil
	case "whoami":
		return domain.InvocationResponse{Payload: []byte(a.claims.Name), TraceID: inv.TraceID}, nil
	case "call":
		var next domain.Invocation
		if err := json.Unmarshal(inv.Payload, &next); err != nil {
			return domain.InvocationResponse{}, fmt.Errorf("bad call payload: %w", err)
		}
		next.TraceID = inv.TraceID
		return a.caller(ctx, next)
	default:
		return domain.InvocationResponse{}, fmt.Errorf("unknown operation %q", inv.Operation)
	}
}

// Close implements ports.ActorInstanceHandle.
func (a *Actor) Close(context.Context) error {
	a.once.Do(func() {
		a.runtime.mu.Lock()
		a.runtime.live--
		a.runtime.closed++
		a.runtime.mu.Unlock()
	})
	return nil
}
