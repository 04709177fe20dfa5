package domain

import (
	"context"
	"time"
)

// EventType defines the category of a lattice event.
type EventType string

const (
	EventActorStarted    EventType = "actor_started"
	EventActorStopped    EventType = "actor_stopped"
	EventProviderStarted EventType = "provider_started"
	EventProviderStopped EventType = "provider_stopped"
	EventLinkdefSet      EventType = "linkdef_set"
	EventLinkdefDeleted  EventType = "linkdef_deleted"
	EventHostHeartbeat   EventType = "host_heartbeat"
	EventHostStopped     EventType = "host_stopped"
)

// Event is the envelope broadcast on the lattice event subjects.
// Only the fields relevant to Type are populated.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	HostID     Identity        `json:"host_id"`
	Identity   Identity        `json:"identity,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	LinkName   string          `json:"link_name,omitempty"`
	ContractID string          `json:"contract_id,omitempty"`
	Claims     *Claims         `json:"claims,omitempty"`
	Link       *LinkDefinition `json:"link,omitempty"`
	Snapshot   *HostSnapshot   `json:"snapshot,omitempty"`
}

// IsStarted reports whether the event announces a new running instance.
func (e Event) IsStarted() bool {
	return e.Type == EventActorStarted || e.Type == EventProviderStarted
}

// IsStopped reports whether the event announces a stopped instance.
func (e Event) IsStopped() bool {
	return e.Type == EventActorStopped || e.Type == EventProviderStopped
}

// LifecycleHooks are in-process callbacks fired by the entity registry
// whenever an instance of id appears or disappears, locally or remotely.
//
// OnStarted and OnStopped track identities: OnStopped fires once no
// location of id is left anywhere. Providers are additionally tracked per
// link name, since P/a and P/b are distinct link targets; OnProviderStopped
// fires as soon as the pair has no location left even when the identity
// still runs under another link name.
type LifecycleHooks struct {
	OnStarted func(ctx context.Context, id Identity)
	OnStopped func(ctx context.Context, id Identity)

	OnProviderStarted func(ctx context.Context, id Identity, linkName string)
	OnProviderStopped func(ctx context.Context, id Identity, linkName string)
}
