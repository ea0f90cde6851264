package protocol

import "strings"

// Capabilities is the bitmask of negotiable protocol features. The
// effective set of a connection is computed once during the handshake
// and never changes afterwards; renegotiation requires a new connection.
type Capabilities uint32

const (
	// CapV1 is the oldest textual protocol: BEGIN/SET/END only.
	CapV1 Capabilities = 1 << iota
	// CapV2 adds host labels to V1.
	CapV2
	// CapVN is the last numbered protocol before capability bitmasks.
	CapVN
	// CapVCaps means the peer exchanges capability bitmasks directly.
	CapVCaps
	// CapHLabels enables host LABEL frames.
	CapHLabels
	// CapClaim enables CLAIMED_ID frames.
	CapClaim
	// CapCLabels enables per-chart CLABEL frames.
	CapCLabels
	// CapLZ4 enables lz4 commit compression.
	CapLZ4
	// CapFunctions enables FUNCTION advertisement frames.
	CapFunctions
	// CapReplication enables historical backfill of newly exposed charts.
	CapReplication
	// CapBinary marks a peer able to decode binary numeric payloads.
	CapBinary
	// CapInterpolated enables the v2 interpolated sample encoding.
	CapInterpolated
	// CapIEEE754 selects the base64 binary numeric encoding.
	CapIEEE754
	// CapML tags samples with anomaly bits. Requires CapInterpolated.
	CapML
	// CapDynCfg enables dynamic-configuration frames.
	CapDynCfg
	// CapSlots replaces chart/dimension names with small integers.
	CapSlots
	// CapZstd enables zstd commit compression.
	CapZstd
	// CapGzip enables gzip commit compression.
	CapGzip
	// CapBrotli enables brotli commit compression.
	CapBrotli

	// CapInvalid marks a set that has not been negotiated yet.
	CapInvalid Capabilities = 1 << 31

	// CapNone is the empty set.
	CapNone Capabilities = 0
)

// CapCompressionsAvailable is every compression capability this build
// can serve.
const CapCompressionsAvailable = CapLZ4 | CapZstd | CapGzip | CapBrotli

// Legacy protocol versions, from before capability bitmasks existed.
// The values are wire constants; the table below maps each era to the
// features it implied.
const (
	legacyVersionClaim   = 3
	legacyVersionCLabels = 4
	legacyVersionLZ4     = 5
)

var legacyVersionTable = []struct {
	maxVersion uint32
	caps       Capabilities
}{
	{1, CapV1},
	{2, CapV2 | CapHLabels},
	{legacyVersionClaim, CapVN | CapHLabels | CapClaim},
	{legacyVersionCLabels, CapVN | CapHLabels | CapClaim | CapCLabels},
	{legacyVersionLZ4, CapVN | CapHLabels | CapClaim | CapCLabels | CapLZ4},
}

// FromVersion maps a peer's declared protocol version to a capability
// set. Values above the last legacy version are capability bitmasks
// already and pass through.
func FromVersion(version uint32) Capabilities {
	for _, e := range legacyVersionTable {
		if version <= e.maxVersion {
			return e.caps
		}
	}
	return Capabilities(version)
}

// ToVersion maps a capability set back to the newest legacy version it
// covers, for answering peers that predate capability bitmasks.
func ToVersion(caps Capabilities) uint32 {
	if caps.Has(CapLZ4) {
		return legacyVersionLZ4
	}
	if caps.Has(CapCLabels) {
		return legacyVersionCLabels
	}
	return legacyVersionClaim
}

// Has reports whether every bit of want is present in c.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// normalize applies the version precedence rules: a newer version bit
// supersedes every older one.
func (c Capabilities) normalize() Capabilities {
	if c.Has(CapVCaps) {
		c &^= CapV1 | CapV2 | CapVN
	}
	if c.Has(CapVN) {
		c &^= CapV1 | CapV2
	}
	if c.Has(CapV2) {
		c &^= CapV1
	}
	return c
}

// Negotiate computes the effective capability set of a connection from
// our local set and the peer's declared version-or-bitmask. It is a
// pure function: the result is always a subset of local, normalized for
// version precedence and pruned of capabilities whose prerequisites are
// not jointly met.
func Negotiate(local Capabilities, peerVersionOrMask uint32) Capabilities {
	peer := FromVersion(peerVersionOrMask)

	// precedence is pruned on the intersection: a local set that still
	// carries V1 for old peers must not lose it before the AND
	effective := (peer & local).normalize()

	// Anomaly-tagged samples only exist in the interpolated encoding.
	if !effective.Has(CapInterpolated) {
		effective &^= CapML
	}

	return effective
}

var capabilityNames = []struct {
	cap  Capabilities
	name string
}{
	{CapV1, "V1"},
	{CapV2, "V2"},
	{CapVN, "VN"},
	{CapVCaps, "VCAPS"},
	{CapHLabels, "HLABELS"},
	{CapClaim, "CLAIM"},
	{CapCLabels, "CLABELS"},
	{CapLZ4, "LZ4"},
	{CapFunctions, "FUNCTIONS"},
	{CapReplication, "REPLICATION"},
	{CapBinary, "BINARY"},
	{CapInterpolated, "INTERPOLATED"},
	{CapIEEE754, "IEEE754"},
	{CapML, "ML"},
	{CapDynCfg, "DYNCFG"},
	{CapSlots, "SLOTS"},
	{CapZstd, "ZSTD"},
	{CapGzip, "GZIP"},
	{CapBrotli, "BROTLI"},
}

// String renders the set as space-separated capability names, for logs.
func (c Capabilities) String() string {
	var b strings.Builder
	for _, e := range capabilityNames {
		if c&e.cap != 0 {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(e.name)
		}
	}
	if b.Len() == 0 {
		return "NONE"
	}
	return b.String()
}
