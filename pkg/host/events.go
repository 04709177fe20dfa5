package host

import (
	"context"
	"encoding/json"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/ports"
)

// handleEvent folds the lattice event stream into the registry and the link
// manager. It runs sequentially so events of one host apply in order.
func (h *Host) handleEvent(ctx context.Context, msg *ports.Msg) {
	var evt domain.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		h.logger.Warn("Ignoring malformed event", "subject", msg.Subject, "err", err)
		return
	}
	if evt.HostID == h.ID() {
		return
	}

	switch evt.Type {
	case domain.EventHostHeartbeat:
		if evt.Snapshot == nil {
			return
		}
		snap := *evt.Snapshot
		snap.HostID = evt.HostID
		h.registry.ApplyRemoteHeartbeat(ctx, snap)
	case domain.EventLinkdefSet:
		if evt.Link == nil {
			return
		}
		if _, err := h.links.Apply(ctx, *evt.Link); err != nil {
			h.logger.Warn("Ignoring invalid link announcement", "err", err)
		}
	case domain.EventLinkdefDeleted:
		if evt.Link == nil {
			return
		}
		_ = h.links.Forget(ctx, evt.Link.Key())
	case domain.EventActorStarted, domain.EventActorStopped,
		domain.EventProviderStarted, domain.EventProviderStopped,
		domain.EventHostStopped:
		h.registry.ApplyRemoteEvent(ctx, evt)
	default:
		h.logger.Debug("Ignoring unknown event", "type", evt.Type)
	}
}

func (h *Host) handlePing(ctx context.Context, msg *ports.Msg) {
	var req lattice.PingRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Reply == "" {
		return
	}
	data, err := json.Marshal(h.registry.Snapshot())
	if err != nil {
		return
	}
	if err := h.transport.Publish(ctx, req.Reply, data); err != nil {
		h.logger.Debug("Failed to answer ping", "err", err)
	}
}
