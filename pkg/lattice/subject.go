package lattice

import (
	"fmt"
	"strings"

	"github.com/aretw0/lattice/pkg/domain"
)

// Match reports whether subject matches pattern. Tokens are dot separated;
// "*" matches exactly one token and a trailing ">" matches one or more.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Subjects builds the lattice-namespaced subject names.
type Subjects struct {
	Lattice string
}

// NewSubjects returns the subject builder for a lattice id.
func NewSubjects(latticeID string) Subjects {
	if latticeID == "" {
		latticeID = "default"
	}
	return Subjects{Lattice: latticeID}
}

// Control addresses a command at a specific host: kind is "actor" or "provider", op "start" or "stop".
func (s Subjects) Control(host domain.Identity, kind, op string) string {
	return fmt.Sprintf("wasmbus.ctl.%s.%s.%s.%s", s.Lattice, host, kind, op)
}

// HostControl matches every command addressed at host.
func (s Subjects) HostControl(host domain.Identity) string {
	return fmt.Sprintf("wasmbus.ctl.%s.%s.>", s.Lattice, host)
}

// LinkPut is the queue-grouped subject for putting link definitions.
func (s Subjects) LinkPut() string {
	return fmt.Sprintf("wasmbus.ctl.%s.link.put", s.Lattice)
}

// LinkDel is the queue-grouped subject for deleting link definitions.
func (s Subjects) LinkDel() string {
	return fmt.Sprintf("wasmbus.ctl.%s.link.del", s.Lattice)
}

// PingHosts is answered by every host with its inventory.
func (s Subjects) PingHosts() string {
	return fmt.Sprintf("wasmbus.ctl.%s.ping.hosts", s.Lattice)
}

// Event is the broadcast subject of one event type.
func (s Subjects) Event(t domain.EventType) string {
	return fmt.Sprintf("wasmbus.evt.%s.%s", s.Lattice, t)
}

// Events matches every event of the lattice.
func (s Subjects) Events() string {
	return fmt.Sprintf("wasmbus.evt.%s.*", s.Lattice)
}

// ActorRPC is where invocations for an actor identity are served.
func (s Subjects) ActorRPC(id domain.Identity) string {
	return fmt.Sprintf("wasmbus.rpc.%s.%s", s.Lattice, id)
}

// ProviderRPC is where invocations for a provider instance are served.
func (s Subjects) ProviderRPC(id domain.Identity, linkName string) string {
	return fmt.Sprintf("wasmbus.rpc.%s.%s.%s", s.Lattice, id, domain.NormalizeLinkName(linkName))
}

// LinkdefsPut delivers bindings to a provider instance.
func (s Subjects) LinkdefsPut(id domain.Identity, linkName string) string {
	return s.ProviderRPC(id, linkName) + ".linkdefs.put"
}

// LinkdefsDel withdraws bindings from a provider instance.
func (s Subjects) LinkdefsDel(id domain.Identity, linkName string) string {
	return s.ProviderRPC(id, linkName) + ".linkdefs.del"
}

// ProviderShutdown asks a provider instance to exit.
func (s Subjects) ProviderShutdown(id domain.Identity, linkName string) string {
	return s.ProviderRPC(id, linkName) + ".shutdown"
}

// PolicyRequest is the default topic of the policy authority.
func (s Subjects) PolicyRequest() string {
	return fmt.Sprintf("wasmbus.policy.%s.request", s.Lattice)
}

// PolicyChanges carries decision overrides from the policy authority.
func (s Subjects) PolicyChanges() string {
	return fmt.Sprintf("wasmbus.policy.%s.changes", s.Lattice)
}

// PolicyRevocations carries identity revocations.
func (s Subjects) PolicyRevocations() string {
	return fmt.Sprintf("wasmbus.policy.%s.revocations", s.Lattice)
}
