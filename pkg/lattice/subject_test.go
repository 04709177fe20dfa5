package lattice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"wasmbus.evt.default.*", "wasmbus.evt.default.actor_started", true},
		{"wasmbus.evt.default.*", "wasmbus.evt.default.a.b", false},
		{"wasmbus.ctl.default.NHOST.>", "wasmbus.ctl.default.NHOST.actor.start", true},
		{"wasmbus.ctl.default.NHOST.>", "wasmbus.ctl.default.NHOST", false},
		{"wasmbus.rpc.default.VP.default", "wasmbus.rpc.default.VP.default", true},
		{"wasmbus.rpc.default.VP.default", "wasmbus.rpc.default.VP.default.linkdefs.put", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.subject), "%s ~ %s", tc.pattern, tc.subject)
	}
}

func TestSubjects(t *testing.T) {
	s := NewSubjects("prod")
	assert.Equal(t, "wasmbus.rpc.prod.VKV.default.linkdefs.put", s.LinkdefsPut("VKV", ""))
	assert.Equal(t, "wasmbus.ctl.prod.NH.actor.start", s.Control("NH", "actor", "start"))
	assert.True(t, Match(s.HostControl("NH"), s.Control("NH", "provider", "stop")))
	assert.True(t, Match(s.Events(), s.Event("linkdef_set")))
	assert.Equal(t, "default", NewSubjects("").Lattice)
}
