package streampush

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamfleet/go-streampush/protocol"
)

func TestSimplePatternMatching(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"*", "anything", true},
		{"", "anything", false},
		{"system.*", "system.cpu", true},
		{"system.*", "disk.io", false},
		{"!system.cpu system.*", "system.cpu", false},
		{"!system.cpu system.*", "system.ram", true},
		{"*.cpu", "system.cpu", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"10.1.1.*", "10.1.1.7", true},
		{"10.1.1.* !*", "192.168.1.1", false},
	}
	for _, tc := range tests {
		p := NewSimplePattern(tc.pattern)
		assert.Equal(t, tc.want, p.Matches(tc.input),
			"pattern %q input %q", tc.pattern, tc.input)
	}
}

func TestSimplePatternFirstMatchDecides(t *testing.T) {
	p := NewSimplePattern("allow.* !allow.secret *")
	// the negation never fires because the broader term precedes it
	assert.True(t, p.Matches("allow.secret"))

	p = NewSimplePattern("!allow.secret allow.* *")
	assert.False(t, p.Matches("allow.secret"))
	assert.True(t, p.Matches("allow.other"))
}

func TestLocalCapabilitiesFollowConfig(t *testing.T) {
	cfg := DefaultConfig()
	caps := cfg.localCapabilities()
	assert.True(t, caps.Has(protocol.CapVCaps))
	assert.True(t, caps.Has(protocol.CapReplication))
	assert.True(t, caps.Has(protocol.CapZstd))

	cfg.CompressionEnabled = false
	cfg.ReplicationEnabled = false
	caps = cfg.localCapabilities()
	assert.False(t, caps.Has(protocol.CapReplication))
	assert.Equal(t, protocol.CapNone, caps&protocol.CapCompressionsAvailable)

	cfg = DefaultConfig()
	cfg.DisabledCapabilities = protocol.CapML | protocol.CapSlots
	caps = cfg.localCapabilities()
	assert.False(t, caps.Has(protocol.CapML))
	assert.False(t, caps.Has(protocol.CapSlots))
}
