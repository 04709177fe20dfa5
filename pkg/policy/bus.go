package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// HostInfo identifies the asking host in policy requests.
type HostInfo struct {
	PublicKey domain.Identity   `json:"publicKey"`
	LatticeID string            `json:"latticeId"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Source summarizes the subject's claims for the policy authority.
type Source struct {
	PublicKey    domain.Identity `json:"publicKey,omitempty"`
	ContractID   string          `json:"contractId,omitempty"`
	Capabilities []string        `json:"capabilities"`
	Issuer       domain.Identity `json:"issuer,omitempty"`
	IssuedOn     string          `json:"issuedOn,omitempty"`
	ExpiresAt    int64           `json:"expiresAt,omitempty"`
}

// WireRequest is published on the policy topic.
type WireRequest struct {
	RequestID string            `json:"requestId"`
	Action    Action            `json:"action"`
	Source    Source            `json:"source"`
	Target    Target            `json:"target"`
	Host      HostInfo          `json:"host"`
	Context   map[string]string `json:"context,omitempty"`
}

// WireResponse is the authority's reply. The same shape is used for
// decision overrides on the changes topic.
type WireResponse struct {
	RequestID string `json:"requestId"`
	Permitted bool   `json:"permitted"`
	Message   string `json:"message,omitempty"`
}

// Revocation is published on the revocation topic.
type Revocation struct {
	Identity domain.Identity `json:"identity"`
	Revoked  bool            `json:"revoked"`
}

// BusAuthority asks an external policy service over the lattice.
type BusAuthority struct {
	transport ports.Transport
	topic     string
	host      HostInfo
}

// NewBusAuthority creates an authority publishing requests on topic.
func NewBusAuthority(transport ports.Transport, topic string, host HostInfo) *BusAuthority {
	return &BusAuthority{transport: transport, topic: topic, host: host}
}

// Decide performs one request/reply round trip. The Gate bounds it with its timeout.
func (b *BusAuthority) Decide(ctx context.Context, requestID string, req Request) (Decision, error) {
	wire := WireRequest{
		RequestID: requestID,
		Action:    req.Action,
		Source:    sourceFromClaims(req.Subject),
		Target:    req.Target,
		Host:      b.host,
		Context:   req.Context,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to encode policy request: %w", err)
	}
	reply, err := b.transport.Request(ctx, b.topic, payload)
	if err != nil {
		return Decision{}, fmt.Errorf("policy request failed: %w", err)
	}
	var resp WireResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return Decision{}, fmt.Errorf("malformed policy reply: %w", err)
	}
	if resp.RequestID != requestID {
		return Decision{}, errors.New("malformed policy reply: request id mismatch")
	}
	return Decision{Allowed: resp.Permitted, Reason: resp.Message}, nil
}

func sourceFromClaims(c domain.Claims) Source {
	s := Source{
		PublicKey:    c.Subject,
		ContractID:   c.ContractID,
		Capabilities: c.Caps,
		Issuer:       c.Issuer,
	}
	if s.Capabilities == nil {
		s.Capabilities = []string{}
	}
	if !c.IssuedAt.IsZero() {
		s.IssuedOn = c.IssuedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	if !c.Expires.IsZero() {
		s.ExpiresAt = c.Expires.Unix()
	}
	return s
}

// Watch subscribes the gate to revocation and decision-override topics.
// Empty topics are skipped. The returned function unsubscribes.
func (g *Gate) Watch(transport ports.Transport, revocationTopic, changesTopic string) (func(), error) {
	var subs []ports.Subscription
	stop := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	logger := g.logger

	if revocationTopic != "" {
		sub, err := transport.Subscribe(revocationTopic, func(_ context.Context, msg *ports.Msg) {
			g.handleRevocation(logger, msg.Data)
		})
		if err != nil {
			return stop, fmt.Errorf("failed to subscribe to revocations: %w", err)
		}
		subs = append(subs, sub)
	}
	if changesTopic != "" {
		sub, err := transport.Subscribe(changesTopic, func(_ context.Context, msg *ports.Msg) {
			var resp WireResponse
			if err := json.Unmarshal(msg.Data, &resp); err != nil || resp.RequestID == "" {
				logger.Warn("Ignoring malformed policy override", "err", err)
				return
			}
			if g.Override(resp.RequestID, resp.Permitted, resp.Message) {
				logger.Info("Policy decision overridden", "request_id", resp.RequestID, "permitted", resp.Permitted)
			}
		})
		if err != nil {
			stop()
			return func() {}, fmt.Errorf("failed to subscribe to policy changes: %w", err)
		}
		subs = append(subs, sub)
	}
	return stop, nil
}

func (g *Gate) handleRevocation(logger *slog.Logger, data []byte) {
	var rev Revocation
	if err := json.Unmarshal(data, &rev); err != nil || rev.Identity == "" {
		logger.Warn("Ignoring malformed revocation", "err", err)
		return
	}
	if rev.Revoked {
		g.Revoke(rev.Identity)
		logger.Info("Identity revoked", "identity", rev.Identity)
		return
	}
	g.Reinstate(rev.Identity)
	logger.Info("Identity reinstated", "identity", rev.Identity)
}
