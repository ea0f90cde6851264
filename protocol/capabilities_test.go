package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateIsSubsetOfLocal(t *testing.T) {
	local := CapV1 | CapV2 | CapVN | CapVCaps | CapHLabels | CapClaim |
		CapCLabels | CapInterpolated | CapIEEE754 | CapML | CapZstd

	for _, peer := range []uint32{0, 1, 2, 3, 4, 5, uint32(local), ^uint32(0) &^ uint32(CapInvalid)} {
		effective := Negotiate(local, peer)
		assert.Equal(t, effective, effective&local,
			"peer %d produced capabilities outside the local set", peer)
	}
}

func TestNegotiateIsDeterministic(t *testing.T) {
	local := CapVN | CapVCaps | CapHLabels | CapClaim | CapCLabels |
		CapInterpolated | CapML | CapLZ4
	peer := uint32(CapVCaps | CapHLabels | CapInterpolated | CapML | CapLZ4)

	first := Negotiate(local, peer)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Negotiate(local, peer))
	}
}

func TestNegotiateLegacyV1Peer(t *testing.T) {
	local := CapV1 | CapV2 | CapVN | CapSlots | CapIEEE754

	effective := Negotiate(local, 1)
	assert.Equal(t, CapV1, effective)
}

func TestNegotiateVersionPrecedence(t *testing.T) {
	local := CapV1 | CapV2 | CapVN | CapVCaps | CapHLabels | CapClaim

	// a capability-exchanging peer that still sets the older version
	// bits keeps only the newest one
	peer := uint32(CapV1 | CapV2 | CapVN | CapVCaps | CapHLabels)
	effective := Negotiate(local, peer)
	assert.True(t, effective.Has(CapVCaps))
	assert.False(t, effective.Has(CapVN))
	assert.False(t, effective.Has(CapV2))
	assert.False(t, effective.Has(CapV1))

	// without VCAPS, VN wins
	peer = uint32(CapV1 | CapV2 | CapVN | CapHLabels)
	effective = Negotiate(local, peer)
	assert.True(t, effective.Has(CapVN))
	assert.False(t, effective.Has(CapV2))
	assert.False(t, effective.Has(CapV1))
}

func TestNegotiateMLRequiresInterpolated(t *testing.T) {
	local := CapVCaps | CapInterpolated | CapML

	// peer speaks ML but not the interpolated encoding
	peer := uint32(CapVCaps | CapML)
	effective := Negotiate(local, peer)
	assert.False(t, effective.Has(CapML))

	// with both, ML survives
	peer = uint32(CapVCaps | CapInterpolated | CapML)
	effective = Negotiate(local, peer)
	assert.True(t, effective.Has(CapML))
}

func TestFromVersionLegacyTable(t *testing.T) {
	tests := []struct {
		version uint32
		want    Capabilities
	}{
		{0, CapV1},
		{1, CapV1},
		{2, CapV2 | CapHLabels},
		{3, CapVN | CapHLabels | CapClaim},
		{4, CapVN | CapHLabels | CapClaim | CapCLabels},
		{5, CapVN | CapHLabels | CapClaim | CapCLabels | CapLZ4},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, FromVersion(tc.version), "version %d", tc.version)
	}

	// anything above the legacy range is a bitmask already
	mask := uint32(CapVCaps | CapHLabels | CapZstd)
	assert.Equal(t, Capabilities(mask), FromVersion(mask))
}

func TestToVersionPicksNewestCoveredLegacy(t *testing.T) {
	assert.Equal(t, uint32(5), ToVersion(CapVN|CapHLabels|CapClaim|CapCLabels|CapLZ4))
	assert.Equal(t, uint32(4), ToVersion(CapVN|CapHLabels|CapClaim|CapCLabels))
	assert.Equal(t, uint32(3), ToVersion(CapVN|CapHLabels|CapClaim))
}

func TestCapabilitiesString(t *testing.T) {
	assert.Equal(t, "NONE", CapNone.String())
	assert.Equal(t, "VCAPS INTERPOLATED ML", (CapVCaps | CapInterpolated | CapML).String())
}
