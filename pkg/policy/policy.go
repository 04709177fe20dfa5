package policy

import (
	"context"
	"fmt"

	"github.com/aretw0/lattice/pkg/domain"
)

// Action is the operation subject to admission control.
type Action string

const (
	ActionStartActor    Action = "start_actor"
	ActionStartProvider Action = "start_provider"
	ActionEstablishLink Action = "establish_link"
	ActionInvoke        Action = "perform_invocation"
)

// Target describes what the subject acts upon.
type Target struct {
	Identity   domain.Identity `json:"publicKey,omitempty"`
	Issuer     domain.Identity `json:"issuer,omitempty"`
	ContractID string          `json:"contractId,omitempty"`
	LinkName   string          `json:"linkName,omitempty"`
}

// Request is one admission question.
type Request struct {
	Action  Action
	Subject domain.Claims
	Target  Target
	Context map[string]string
}

// Decision is the answer to a Request.
type Decision struct {
	Allowed   bool
	Reason    string
	RequestID string
}

// Allow returns an allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denying decision with reason.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Err converts a deny into an error wrapping domain.ErrPolicyDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == "" {
		return domain.ErrPolicyDenied
	}
	return fmt.Errorf("%w: %s", domain.ErrPolicyDenied, d.Reason)
}

// Authority makes policy decisions. An error means no decision was reached.
type Authority interface {
	Decide(ctx context.Context, requestID string, req Request) (Decision, error)
}

// AuthorityFunc adapts a function to Authority.
type AuthorityFunc func(ctx context.Context, requestID string, req Request) (Decision, error)

func (f AuthorityFunc) Decide(ctx context.Context, requestID string, req Request) (Decision, error) {
	return f(ctx, requestID, req)
}

// AllowAll is the default authority. Revocations are enforced by the Gate.
var AllowAll Authority = AuthorityFunc(func(context.Context, string, Request) (Decision, error) {
	return Allow(), nil
})

// DenyAll refuses everything.
var DenyAll Authority = AuthorityFunc(func(context.Context, string, Request) (Decision, error) {
	return Deny("default policy denies all actions"), nil
})

// ClaimsAuthority allows links and invocations only when the originating
// actor declares the target contract in its claims. Other actions are allowed.
var ClaimsAuthority Authority = AuthorityFunc(func(_ context.Context, _ string, req Request) (Decision, error) {
	switch req.Action {
	case ActionInvoke, ActionEstablishLink:
		if !req.Subject.Subject.IsActor() || req.Target.ContractID == "" {
			return Allow(), nil
		}
		if req.Subject.HasCapability(req.Target.ContractID) {
			return Allow(), nil
		}
		return Deny(fmt.Sprintf("actor %s does not claim capability %s", req.Subject.Subject, req.Target.ContractID)), nil
	default:
		return Allow(), nil
	}
})

// ByName returns a built-in authority: "allow", "deny" or "claims".
func ByName(name string) (Authority, error) {
	switch name {
	case "", "allow":
		return AllowAll, nil
	case "deny":
		return DenyAll, nil
	case "claims":
		return ClaimsAuthority, nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}
