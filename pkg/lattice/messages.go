package lattice

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/lattice/pkg/domain"
)

// CtlResponse is the reply to every control command.
type CtlResponse struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Fault    *domain.Fault   `json:"fault,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Err returns the error carried by an unsuccessful response.
func (r CtlResponse) Err() error {
	if r.Success {
		return nil
	}
	if r.Fault != nil {
		return r.Fault.Err()
	}
	return fmt.Errorf("%w: %s", domain.ErrTransport, r.Message)
}

// Decode unmarshals the response payload into v.
func (r CtlResponse) Decode(v any) error {
	if len(r.Response) == 0 {
		return nil
	}
	return json.Unmarshal(r.Response, v)
}

// OK builds a successful response carrying v.
func OK(v any) CtlResponse {
	resp := CtlResponse{Success: true}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return Failed(err)
		}
		resp.Response = data
	}
	return resp
}

// Failed builds an unsuccessful response from err.
func Failed(err error) CtlResponse {
	return CtlResponse{Success: false, Message: err.Error(), Fault: domain.FaultFromError(err)}
}

// StartActorCommand asks a host to instantiate an actor.
type StartActorCommand struct {
	// Manifest is the signed claims token of the actor module.
	Manifest    string            `json:"manifest"`
	Reference   string            `json:"reference"`
	Count       int               `json:"count,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// StopActorCommand stops actor instances. An empty InstanceID with a zero
// Count stops every instance of the identity on the host.
type StopActorCommand struct {
	Identity   domain.Identity `json:"identity"`
	InstanceID string          `json:"instance_id,omitempty"`
	Count      int             `json:"count,omitempty"`
}

// StartProviderCommand asks a host to launch a capability provider.
type StartProviderCommand struct {
	Manifest    string            `json:"manifest"`
	Reference   string            `json:"reference"`
	LinkName    string            `json:"link_name,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// StopProviderCommand stops the provider (identity, link name) on a host.
type StopProviderCommand struct {
	Identity domain.Identity `json:"identity"`
	LinkName string          `json:"link_name,omitempty"`
}

// StartedActors is the payload of a successful start_actor response.
type StartedActors struct {
	Identity  domain.Identity `json:"identity"`
	Instances []string        `json:"instances"`
}

// LinkDelivery is sent to a provider on its linkdefs subjects.
type LinkDelivery struct {
	Link   domain.LinkDefinition `json:"link"`
	Update bool                  `json:"update,omitempty"`
}

// PingRequest asks every host to publish its inventory on Reply.
type PingRequest struct {
	Reply string `json:"reply"`
}
