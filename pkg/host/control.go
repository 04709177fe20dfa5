package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/lattice"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/google/uuid"
)

func (h *Host) respond(ctx context.Context, msg *ports.Msg, resp lattice.CtlResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to encode control response", "err", err)
		return
	}
	if err := h.transport.Respond(ctx, msg, data); err != nil {
		h.logger.Debug("Failed to send control response", "subject", msg.Subject, "err", err)
	}
}

func reply(v any, err error) lattice.CtlResponse {
	if err != nil {
		return lattice.Failed(err)
	}
	return lattice.OK(v)
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}
	return nil
}

func (h *Host) handleControl(ctx context.Context, msg *ports.Msg) {
	tokens := strings.Split(msg.Subject, ".")
	if len(tokens) < 2 {
		return
	}
	kind, op := tokens[len(tokens)-2], tokens[len(tokens)-1]

	var resp lattice.CtlResponse
	switch kind + "." + op {
	case "actor.start":
		var cmd lattice.StartActorCommand
		if err := decode(msg.Data, &cmd); err != nil {
			resp = lattice.Failed(err)
			break
		}
		resp = reply(h.StartActor(ctx, cmd))
	case "actor.stop":
		var cmd lattice.StopActorCommand
		if err := decode(msg.Data, &cmd); err != nil {
			resp = lattice.Failed(err)
			break
		}
		resp = reply(nil, h.StopActor(ctx, cmd))
	case "provider.start":
		var cmd lattice.StartProviderCommand
		if err := decode(msg.Data, &cmd); err != nil {
			resp = lattice.Failed(err)
			break
		}
		resp = reply(h.StartProvider(ctx, cmd))
	case "provider.stop":
		var cmd lattice.StopProviderCommand
		if err := decode(msg.Data, &cmd); err != nil {
			resp = lattice.Failed(err)
			break
		}
		resp = reply(nil, h.StopProvider(ctx, cmd))
	default:
		resp = lattice.Failed(fmt.Errorf("%w: unknown command %s.%s", domain.ErrNotFound, kind, op))
	}
	h.respond(ctx, msg, resp)
}

func (h *Host) handleLinkPut(ctx context.Context, msg *ports.Msg) {
	var def domain.LinkDefinition
	if err := decode(msg.Data, &def); err != nil {
		h.respond(ctx, msg, lattice.Failed(err))
		return
	}
	h.respond(ctx, msg, reply(h.PutLink(ctx, def)))
}

func (h *Host) handleLinkDel(ctx context.Context, msg *ports.Msg) {
	var key domain.LinkKey
	if err := decode(msg.Data, &key); err != nil {
		h.respond(ctx, msg, lattice.Failed(err))
		return
	}
	h.respond(ctx, msg, reply(nil, h.DeleteLink(ctx, key)))
}

func (h *Host) hostContext() map[string]string {
	out := map[string]string{"host_id": string(h.ID()), "lattice": h.subjects.Lattice}
	for k, v := range h.labels {
		out["label."+k] = v
	}
	return out
}

// StartActor verifies the actor manifest, admits it and instantiates the
// requested number of instances.
func (h *Host) StartActor(ctx context.Context, cmd lattice.StartActorCommand) (lattice.StartedActors, error) {
	if !h.isRunning() {
		return lattice.StartedActors{}, ErrNotRunning
	}
	if h.runtime == nil {
		return lattice.StartedActors{}, fmt.Errorf("no actor runtime configured")
	}
	c, err := h.verifier.VerifyKind([]byte(cmd.Manifest), domain.KindActor)
	if err != nil {
		h.logger.Warn("Rejected actor manifest", "reference", cmd.Reference, "err", err)
		return lattice.StartedActors{}, err
	}
	decision := h.gate.Evaluate(ctx, policy.Request{
		Action:  policy.ActionStartActor,
		Subject: c,
		Target:  policy.Target{Identity: h.ID()},
		Context: h.hostContext(),
	})
	if err := decision.Err(); err != nil {
		return lattice.StartedActors{}, err
	}

	count := max(cmd.Count, 1)
	out := lattice.StartedActors{Identity: c.Subject}
	for n := 0; n < count; n++ {
		handle, err := h.runtime.Instantiate(ctx, cmd.Reference, c, h.router.Caller(c.Subject))
		if err != nil {
			return out, fmt.Errorf("failed to instantiate actor %s: %w", c.Subject, err)
		}
		inst := domain.ActorInstance{
			Identity:    c.Subject,
			InstanceID:  uuid.NewString(),
			Reference:   cmd.Reference,
			Annotations: cmd.Annotations,
		}
		if err := h.ensureActorRPC(c.Subject); err != nil {
			_ = handle.Close(ctx)
			return out, err
		}
		if err := h.registry.RegisterActor(ctx, c, inst, handle); err != nil {
			_ = handle.Close(ctx)
			h.releaseActorRPC(c.Subject)
			return out, err
		}
		out.Instances = append(out.Instances, inst.InstanceID)
	}
	h.logger.Info("Actor started", "identity", c.Subject, "name", c.Name, "count", count)
	return out, nil
}

func (h *Host) ensureActorRPC(id domain.Identity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.actorSubs[id]; ok {
		return nil
	}
	sub, err := lattice.ServeInvocations(h.transport, h.subjects.ActorRPC(id), "rpc", h.logger, h.router.ServeLocal)
	if err != nil {
		return fmt.Errorf("failed to serve actor %s: %w", id, err)
	}
	h.actorSubs[id] = sub
	return nil
}

func (h *Host) releaseActorRPC(id domain.Identity) {
	if len(h.registry.LocalActors(id)) > 0 {
		return
	}
	h.mu.Lock()
	sub, ok := h.actorSubs[id]
	delete(h.actorSubs, id)
	h.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
}

// StopActor stops the selected local instances of an actor.
func (h *Host) StopActor(ctx context.Context, cmd lattice.StopActorCommand) error {
	instances := h.registry.LocalActors(cmd.Identity)
	if len(instances) == 0 {
		return fmt.Errorf("%w: actor %s is not running on this host", domain.ErrNotFound, cmd.Identity)
	}
	var selected []domain.ActorInstance
	switch {
	case cmd.InstanceID != "":
		for _, inst := range instances {
			if inst.InstanceID == cmd.InstanceID {
				selected = append(selected, inst)
			}
		}
		if len(selected) == 0 {
			return fmt.Errorf("%w: actor instance %s", domain.ErrNotFound, cmd.InstanceID)
		}
	case cmd.Count > 0 && cmd.Count < len(instances):
		selected = instances[:cmd.Count]
	default:
		selected = instances
	}

	var errs []error
	for _, inst := range selected {
		if err := h.stopActorInstance(ctx, inst.Identity, inst.InstanceID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Host) stopActorInstance(ctx context.Context, id domain.Identity, instanceID string) error {
	_, handle, err := h.registry.DeregisterActor(ctx, id, instanceID)
	if err != nil {
		return err
	}
	h.releaseActorRPC(id)
	if handle != nil {
		if err := handle.Close(ctx); err != nil {
			h.logger.Warn("Failed to release actor instance", "identity", id, "instance_id", instanceID, "err", err)
		}
	}
	return nil
}

// StartProvider launches a provider unless one with the same identity and
// link name already runs here, in which case the existing instance is
// returned.
func (h *Host) StartProvider(ctx context.Context, cmd lattice.StartProviderCommand) (domain.ProviderInstance, error) {
	if !h.isRunning() {
		return domain.ProviderInstance{}, ErrNotRunning
	}
	if h.launcher == nil {
		return domain.ProviderInstance{}, fmt.Errorf("no provider launcher configured")
	}
	c, err := h.verifier.VerifyKind([]byte(cmd.Manifest), domain.KindProvider)
	if err != nil {
		h.logger.Warn("Rejected provider manifest", "reference", cmd.Reference, "err", err)
		return domain.ProviderInstance{}, err
	}
	linkName := domain.NormalizeLinkName(cmd.LinkName)

	var process ports.ProviderProcess
	inst, err := h.registry.EnsureProvider(ctx, c, linkName, func(ctx context.Context) (domain.ProviderInstance, ports.ProviderProcess, error) {
		decision := h.gate.Evaluate(ctx, policy.Request{
			Action:  policy.ActionStartProvider,
			Subject: c,
			Target:  policy.Target{Identity: h.ID(), LinkName: linkName},
			Context: h.hostContext(),
		})
		if err := decision.Err(); err != nil {
			return domain.ProviderInstance{}, nil, err
		}

		instanceID := uuid.NewString()
		config := make(map[string]string, len(h.providerConfig)+len(cmd.Config))
		for k, v := range h.providerConfig {
			config[k] = v
		}
		for k, v := range cmd.Config {
			config[k] = v
		}
		p, err := h.launcher.Launch(ctx, ports.ProviderLaunch{
			Reference:  cmd.Reference,
			Claims:     c,
			LinkName:   linkName,
			HostID:     h.ID(),
			LatticeID:  h.subjects.Lattice,
			InstanceID: instanceID,
			Config:     config,
		})
		if err != nil {
			return domain.ProviderInstance{}, nil, fmt.Errorf("failed to launch provider %s: %w", c.Subject, err)
		}
		process = p
		h.mu.Lock()
		h.processes[instanceID] = p
		h.mu.Unlock()
		return domain.ProviderInstance{
			InstanceID:  instanceID,
			Reference:   cmd.Reference,
			ContractID:  c.ContractID,
			Annotations: cmd.Annotations,
		}, p, nil
	})
	if errors.Is(err, domain.ErrDuplicateInstance) {
		h.logger.Debug("Provider already running", "identity", c.Subject, "link_name", linkName)
		return inst, nil
	}
	if err != nil {
		return inst, err
	}

	h.watchers.Add(1)
	go h.watchProvider(inst, process)
	h.logger.Info("Provider started", "identity", c.Subject, "link_name", linkName, "contract_id", c.ContractID)
	return inst, nil
}

// watchProvider deregisters a provider whose process exits on its own.
func (h *Host) watchProvider(inst domain.ProviderInstance, process ports.ProviderProcess) {
	defer h.watchers.Done()
	<-process.Done()

	h.mu.Lock()
	_, tracked := h.processes[inst.InstanceID]
	delete(h.processes, inst.InstanceID)
	h.mu.Unlock()
	if !tracked {
		return
	}
	cur, ok := h.registry.LocalProvider(inst.Identity, inst.LinkName)
	if !ok || cur.InstanceID != inst.InstanceID {
		return
	}
	h.logger.Warn("Provider exited unexpectedly", "identity", inst.Identity, "link_name", inst.LinkName)
	if _, _, err := h.registry.DeregisterProvider(context.Background(), inst.Identity, inst.LinkName); err != nil {
		h.logger.Debug("Provider already deregistered", "identity", inst.Identity, "err", err)
	}
}

// StopProvider stops a local provider.
func (h *Host) StopProvider(ctx context.Context, cmd lattice.StopProviderCommand) error {
	return h.stopProvider(ctx, cmd.Identity, cmd.LinkName)
}

func (h *Host) stopProvider(ctx context.Context, id domain.Identity, linkName string) error {
	inst, process, err := h.registry.DeregisterProvider(ctx, id, linkName)
	if err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.processes, inst.InstanceID)
	h.mu.Unlock()
	if process != nil {
		if err := process.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop provider %s: %w", id, err)
		}
	}
	h.logger.Info("Provider stopped", "identity", id, "link_name", inst.LinkName)
	return nil
}

// PutLink stores a link definition, binds it when possible and announces it
// to the other hosts of the lattice.
func (h *Host) PutLink(ctx context.Context, def domain.LinkDefinition) (domain.LinkStatus, error) {
	status, err := h.links.Put(ctx, def)
	if err != nil {
		return status, err
	}
	announced := status.Definition
	h.publishEvent(ctx, domain.Event{Type: domain.EventLinkdefSet, Link: &announced})
	return status, nil
}

// DeleteLink removes a link definition everywhere.
func (h *Host) DeleteLink(ctx context.Context, key domain.LinkKey) error {
	if err := h.links.Delete(ctx, key); err != nil {
		return err
	}
	key.LinkName = domain.NormalizeLinkName(key.LinkName)
	h.publishEvent(ctx, domain.Event{Type: domain.EventLinkdefDeleted, Link: &domain.LinkDefinition{
		Source:     key.Source,
		ContractID: key.ContractID,
		LinkName:   key.LinkName,
	}})
	return nil
}

// Invoke routes an invocation originating outside any actor, e.g. from the
// admin API or a test.
func (h *Host) Invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error) {
	return h.router.Invoke(ctx, inv, h.rpcTimeout)
}
