package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Invocation is a single call from an origin to a target under a contract.
type Invocation struct {
	Origin     Identity `json:"origin"`
	Target     Identity `json:"target"`
	ContractID string   `json:"contract_id"`
	LinkName   string   `json:"link_name,omitempty"`
	Operation  string   `json:"operation"`
	Payload    []byte   `json:"payload,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
	HostID     Identity `json:"host_id,omitempty"`
}

// InvocationResponse carries either a payload or a fault.
type InvocationResponse struct {
	Payload []byte `json:"payload,omitempty"`
	Fault   *Fault `json:"fault,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// FaultKind is the wire name of an error category.
type FaultKind string

const (
	FaultClaims            FaultKind = "claims"
	FaultPolicyDenied      FaultKind = "policy_denied"
	FaultDuplicate         FaultKind = "duplicate_instance"
	FaultTargetUnavailable FaultKind = "target_unavailable"
	FaultTimeout           FaultKind = "timeout"
	FaultLinkDelivery      FaultKind = "link_delivery_failed"
	FaultTransport         FaultKind = "transport"
	FaultNotFound          FaultKind = "not_found"
	FaultHandler           FaultKind = "handler"
)

// Fault is the structured error form sent over the bus.
type Fault struct {
	Kind    FaultKind `json:"kind"`
	Message string    `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

var faultSentinels = map[FaultKind]error{
	FaultClaims:            ErrClaims,
	FaultPolicyDenied:      ErrPolicyDenied,
	FaultDuplicate:         ErrDuplicateInstance,
	FaultTargetUnavailable: ErrTargetUnavailable,
	FaultTimeout:           ErrTimeout,
	FaultLinkDelivery:      ErrLinkDeliveryFailed,
	FaultTransport:         ErrTransport,
	FaultNotFound:          ErrNotFound,
}

// Err converts a received fault back into an error that matches the
// corresponding sentinel with errors.Is.
func (f *Fault) Err() error {
	if f == nil {
		return nil
	}
	if sentinel, ok := faultSentinels[f.Kind]; ok {
		if rest, found := strings.CutPrefix(f.Message, sentinel.Error()); found {
			return fmt.Errorf("%w%s", sentinel, rest)
		}
		return fmt.Errorf("%w: %s", sentinel, f.Message)
	}
	return f
}

// FaultFromError classifies err for transmission.
func FaultFromError(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	for kind, sentinel := range faultSentinels {
		if errors.Is(err, sentinel) {
			return &Fault{Kind: kind, Message: err.Error()}
		}
	}
	return &Fault{Kind: FaultHandler, Message: err.Error()}
}
