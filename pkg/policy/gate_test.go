package policy_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/policy"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const actor domain.Identity = "MACTOR"

func invokeRequest() policy.Request {
	return policy.Request{
		Action:  policy.ActionInvoke,
		Subject: domain.Claims{Subject: actor, Caps: []string{"wasmcloud:keyvalue"}},
		Target:  policy.Target{Identity: "VKV", ContractID: "wasmcloud:keyvalue", LinkName: "default"},
	}
}

type countingAuthority struct {
	calls   atomic.Int32
	allowed bool
}

func (c *countingAuthority) Decide(context.Context, string, policy.Request) (policy.Decision, error) {
	c.calls.Add(1)
	if c.allowed {
		return policy.Allow(), nil
	}
	return policy.Deny("nope"), nil
}

func TestGate_DefaultAllowsAll(t *testing.T) {
	g := policy.NewGate()
	d := g.Evaluate(context.Background(), invokeRequest())
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())
}

func TestGate_CachesDecisions(t *testing.T) {
	now := time.Unix(1000, 0)
	auth := &countingAuthority{allowed: true}
	g := policy.NewGate(
		policy.WithAuthority(auth),
		policy.WithCacheTTL(10*time.Second),
		policy.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, g.Evaluate(ctx, invokeRequest()).Allowed)
	}
	assert.Equal(t, int32(1), auth.calls.Load())

	// A different target is a different context hash.
	other := invokeRequest()
	other.Target.LinkName = "secondary"
	g.Evaluate(ctx, other)
	assert.Equal(t, int32(2), auth.calls.Load())

	// TTL expiry forces a new round trip.
	now = now.Add(11 * time.Second)
	g.Evaluate(ctx, invokeRequest())
	assert.Equal(t, int32(3), auth.calls.Load())
}

func TestGate_DenyIsCached(t *testing.T) {
	auth := &countingAuthority{allowed: false}
	g := policy.NewGate(policy.WithAuthority(auth))

	d := g.Evaluate(context.Background(), invokeRequest())
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, d.Err(), domain.ErrPolicyDenied)
	g.Evaluate(context.Background(), invokeRequest())
	assert.Equal(t, int32(1), auth.calls.Load())
}

func TestGate_RevocationInvalidatesCache(t *testing.T) {
	auth := &countingAuthority{allowed: true}
	g := policy.NewGate(policy.WithAuthority(auth))
	ctx := context.Background()

	require.True(t, g.Evaluate(ctx, invokeRequest()).Allowed)

	g.Revoke(actor)
	d := g.Evaluate(ctx, invokeRequest())
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "revoked")

	g.Reinstate(actor)
	assert.True(t, g.Evaluate(ctx, invokeRequest()).Allowed)
	assert.Equal(t, int32(2), auth.calls.Load(), "cached allow must not survive revocation")
}

func TestGate_ClaimsAuthority(t *testing.T) {
	g := policy.NewGate(policy.WithAuthority(policy.ClaimsAuthority))
	ctx := context.Background()

	assert.True(t, g.Evaluate(ctx, invokeRequest()).Allowed)

	noCaps := invokeRequest()
	noCaps.Subject = domain.Claims{Subject: "MOTHER"}
	d := g.Evaluate(ctx, noCaps)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "does not claim")
}

func TestGate_BusAuthority(t *testing.T) {
	bus := memory.NewBus()
	defer bus.Close()
	topic := "wasmbus.policy.test.request"

	var seen policy.WireRequest
	_, err := bus.Subscribe(topic, func(ctx context.Context, msg *ports.Msg) {
		_ = json.Unmarshal(msg.Data, &seen)
		reply, _ := json.Marshal(policy.WireResponse{
			RequestID: seen.RequestID,
			Permitted: seen.Source.PublicKey != "MBLOCKED",
			Message:   "checked by test authority",
		})
		_ = bus.Respond(ctx, msg, reply)
	})
	require.NoError(t, err)

	g := policy.NewGate(policy.WithAuthority(policy.NewBusAuthority(bus, topic, policy.HostInfo{PublicKey: "NHOST", LatticeID: "test"})))

	d := g.Evaluate(context.Background(), invokeRequest())
	assert.True(t, d.Allowed)
	assert.Equal(t, policy.ActionInvoke, seen.Action)
	assert.Equal(t, domain.Identity("NHOST"), seen.Host.PublicKey)
	assert.Equal(t, []string{"wasmcloud:keyvalue"}, seen.Source.Capabilities)

	blocked := invokeRequest()
	blocked.Subject.Subject = "MBLOCKED"
	d = g.Evaluate(context.Background(), blocked)
	assert.False(t, d.Allowed)
	assert.Equal(t, "checked by test authority", d.Reason)
}

func TestGate_FailsClosedOnTimeout(t *testing.T) {
	bus := memory.NewBus()
	defer bus.Close()
	topic := "wasmbus.policy.test.request"

	// Subscribed but never answers.
	_, err := bus.Subscribe(topic, func(context.Context, *ports.Msg) {})
	require.NoError(t, err)

	g := policy.NewGate(
		policy.WithAuthority(policy.NewBusAuthority(bus, topic, policy.HostInfo{})),
		policy.WithTimeout(50*time.Millisecond),
	)
	d := g.Evaluate(context.Background(), invokeRequest())
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "unavailable")

	// Timeouts are not cached: once the authority answers, the gate allows.
	_, err = bus.Subscribe(topic, func(ctx context.Context, msg *ports.Msg) {
		var req policy.WireRequest
		_ = json.Unmarshal(msg.Data, &req)
		reply, _ := json.Marshal(policy.WireResponse{RequestID: req.RequestID, Permitted: true})
		_ = bus.Respond(ctx, msg, reply)
	})
	require.NoError(t, err)
	assert.True(t, g.Evaluate(context.Background(), invokeRequest()).Allowed)
}

func TestGate_FailsClosedOnMalformedReply(t *testing.T) {
	bus := memory.NewBus()
	defer bus.Close()
	topic := "wasmbus.policy.test.request"
	_, err := bus.Subscribe(topic, func(ctx context.Context, msg *ports.Msg) {
		_ = bus.Respond(ctx, msg, []byte("{not json"))
	})
	require.NoError(t, err)

	g := policy.NewGate(policy.WithAuthority(policy.NewBusAuthority(bus, topic, policy.HostInfo{})))
	assert.False(t, g.Evaluate(context.Background(), invokeRequest()).Allowed)
}

func TestGate_FailsClosedWithoutResponders(t *testing.T) {
	bus := memory.NewBus()
	defer bus.Close()

	g := policy.NewGate(policy.WithAuthority(policy.NewBusAuthority(bus, "wasmbus.policy.none", policy.HostInfo{})))
	assert.False(t, g.Evaluate(context.Background(), invokeRequest()).Allowed)
}

func TestGate_WatchRevocationsAndOverrides(t *testing.T) {
	bus := memory.NewBus()
	defer bus.Close()

	g := policy.NewGate()
	stop, err := g.Watch(bus, "wasmbus.policy.test.revocations", "wasmbus.policy.test.changes")
	require.NoError(t, err)
	defer stop()

	ctx := context.Background()
	first := g.Evaluate(ctx, invokeRequest())
	require.True(t, first.Allowed)
	require.NotEmpty(t, first.RequestID)

	override, _ := json.Marshal(policy.WireResponse{RequestID: first.RequestID, Permitted: false, Message: "overridden"})
	require.NoError(t, bus.Publish(ctx, "wasmbus.policy.test.changes", override))
	assert.Eventually(t, func() bool {
		return !g.Evaluate(ctx, invokeRequest()).Allowed
	}, time.Second, 10*time.Millisecond)

	rev, _ := json.Marshal(policy.Revocation{Identity: "MOTHER", Revoked: true})
	require.NoError(t, bus.Publish(ctx, "wasmbus.policy.test.revocations", rev))
	other := invokeRequest()
	other.Subject.Subject = "MOTHER"
	assert.Eventually(t, func() bool {
		return !g.Evaluate(ctx, other).Allowed
	}, time.Second, 10*time.Millisecond)
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", "allow", "deny", "claims"} {
		_, err := policy.ByName(name)
		assert.NoError(t, err)
	}
	_, err := policy.ByName("maybe")
	assert.Error(t, err)
}
