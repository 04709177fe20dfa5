package domain

import "time"

// InstanceState is the run state of an actor or provider instance.
type InstanceState string

const (
	InstanceRunning  InstanceState = "running"
	InstanceStopping InstanceState = "stopping"
)

// DefaultLinkName is used when a provider or link does not name one.
const DefaultLinkName = "default"

// ActorInstance is one running copy of an actor on a host.
type ActorInstance struct {
	Identity    Identity          `json:"identity"`
	HostID      Identity          `json:"host_id"`
	InstanceID  string            `json:"instance_id"`
	Reference   string            `json:"reference,omitempty"`
	State       InstanceState     `json:"state"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
}

// ProviderInstance is a running capability provider, addressed by
// (Identity, LinkName). At most one exists per host for that pair.
type ProviderInstance struct {
	Identity    Identity          `json:"identity"`
	HostID      Identity          `json:"host_id"`
	LinkName    string            `json:"link_name"`
	ContractID  string            `json:"contract_id,omitempty"`
	InstanceID  string            `json:"instance_id"`
	Reference   string            `json:"reference,omitempty"`
	State       InstanceState     `json:"state"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
}

// Location is a resolvable place where an identity is running.
type Location struct {
	Identity   Identity `json:"identity"`
	HostID     Identity `json:"host_id"`
	InstanceID string   `json:"instance_id"`
	LinkName   string   `json:"link_name,omitempty"`
	Local      bool     `json:"local"`
}

// HostSnapshot is the inventory a host advertises in its heartbeat.
type HostSnapshot struct {
	HostID    Identity           `json:"host_id"`
	Labels    map[string]string  `json:"labels,omitempty"`
	Actors    []ActorInstance    `json:"actors"`
	Providers []ProviderInstance `json:"providers"`
	Claims    []Claims           `json:"claims,omitempty"`
	Uptime    time.Duration      `json:"uptime"`
	Timestamp time.Time          `json:"timestamp"`
}

// NormalizeLinkName returns DefaultLinkName for an empty name.
func NormalizeLinkName(name string) string {
	if name == "" {
		return DefaultLinkName
	}
	return name
}
