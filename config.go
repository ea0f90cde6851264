package streampush

import (
	"strings"
	"time"

	"github.com/streamfleet/go-streampush/protocol"
)

// Config is the resolved streaming configuration of one host. It is
// constructed once by the caller (from whatever configuration store it
// uses) and passed by reference into the engine; the engine never
// mutates it and keeps no package-level defaults.
type Config struct {
	// Enabled turns outbound streaming on. With it off NewSender
	// returns ErrNotStreamable.
	Enabled bool

	// Destination is the ordered multi-endpoint connection string,
	// e.g. "parent1:19999 parent2:19999:SSL".
	Destination string

	// APIKey authenticates this child to its parents.
	APIKey string

	// SendChartsMatching filters which charts stream, as a simple
	// pattern list. Empty means everything.
	SendChartsMatching string

	// MLStreamingEnabled admits anomaly-detection charts that do not
	// match SendChartsMatching.
	MLStreamingEnabled bool

	// CompressionEnabled advertises the compression capabilities.
	CompressionEnabled bool
	CompressionLevels  protocol.CompressionLevels

	// ReplicationEnabled advertises the replication capability.
	ReplicationEnabled bool
	// ReplicationSeconds bounds how far back a parent may ask this
	// child to backfill.
	ReplicationSeconds int
	// ReplicationStep is the widest window of one backfill batch.
	ReplicationStep int

	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration

	// MaxBufferedBytes caps the bytes of committed-but-unsent frames
	// per host. Commits beyond it block until space frees or their
	// deadline expires, then are dropped.
	MaxBufferedBytes int

	// CommitTimeout is how long a collector's commit may wait for
	// buffer space before it is dropped. Zero drops immediately.
	CommitTimeout time.Duration

	// DisabledCapabilities is removed from the advertised set.
	DisabledCapabilities protocol.Capabilities
}

// DefaultConfig returns the defaults a caller usually starts from.
func DefaultConfig() Config {
	return Config{
		SendChartsMatching: "*",
		CompressionEnabled: true,
		CompressionLevels:  protocol.DefaultCompressionLevels(),
		ReplicationEnabled: true,
		ReplicationSeconds: 86400,
		ReplicationStep:    600,
		ReconnectDelay:     5 * time.Second,
		ConnectTimeout:     10 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        120 * time.Second,
		MaxBufferedBytes:   10 << 20,
		CommitTimeout:      500 * time.Millisecond,
	}
}

// localCapabilities derives the capability set this host advertises.
func (c *Config) localCapabilities() protocol.Capabilities {
	caps := protocol.CapV1 | protocol.CapV2 | protocol.CapVN | protocol.CapVCaps |
		protocol.CapHLabels | protocol.CapClaim | protocol.CapCLabels |
		protocol.CapFunctions | protocol.CapBinary | protocol.CapInterpolated |
		protocol.CapIEEE754 | protocol.CapML | protocol.CapDynCfg | protocol.CapSlots

	if c.CompressionEnabled {
		caps |= protocol.CapCompressionsAvailable
	}
	if c.ReplicationEnabled {
		caps |= protocol.CapReplication
	}
	return caps &^ c.DisabledCapabilities
}

// KeySection is the per-api-key acceptance configuration a parent
// resolves for inbound connections.
type KeySection struct {
	Enabled bool
	// Type discriminates api-key sections from machine-GUID sections
	// in stores that mix them; "api" is expected here.
	Type string
	// AllowFrom is a simple pattern list of permitted client IPs.
	AllowFrom string
	// DefaultMemoryMode is a storage engine hint, forwarded verbatim.
	DefaultMemoryMode string
}

// MachineSection is the per-machine-GUID acceptance configuration.
type MachineSection struct {
	Enabled    bool
	Type       string // "machine" expected
	AllowFrom  string
	MemoryMode string
}

// GateConfig is everything the Acceptance Gate needs, resolved by the
// caller before any connection arrives.
type GateConfig struct {
	// LocalMachineGUID rejects loops: a child presenting this GUID is
	// this very host.
	LocalMachineGUID string

	Keys     map[string]KeySection
	Machines map[string]MachineSection

	// MinSecondsBetweenAccepts rate-limits new receivers. Zero
	// disables the limiter.
	MinSecondsBetweenAccepts int

	// MaxReceivers caps concurrent inbound connections. Zero means
	// unlimited.
	MaxReceivers int

	// StaleReceiverTimeout is how long a silent receiver holds its
	// host slot before a new connection may displace it.
	StaleReceiverTimeout time.Duration
}

// SimplePattern is a space-separated list of glob-like expressions
// matched in order: '*' matches any run of characters, a '!' prefix
// negates, and the first expression that matches decides.
type SimplePattern struct {
	terms []patternTerm
}

type patternTerm struct {
	expr    string
	negated bool
}

// NewSimplePattern compiles a pattern list. An empty source matches
// nothing; use "*" to match everything.
func NewSimplePattern(source string) *SimplePattern {
	p := &SimplePattern{}
	for _, f := range strings.Fields(source) {
		t := patternTerm{expr: f}
		if rest, ok := strings.CutPrefix(f, "!"); ok {
			t.negated = true
			t.expr = rest
		}
		p.terms = append(p.terms, t)
	}
	return p
}

// Matches reports whether s matches the pattern list.
func (p *SimplePattern) Matches(s string) bool {
	if p == nil {
		return false
	}
	for _, t := range p.terms {
		if globMatch(t.expr, s) {
			return !t.negated
		}
	}
	return false
}

// globMatch matches with '*' wildcards only, iteratively: on mismatch
// it backtracks to the last '*' and retries one character further.
func globMatch(pattern, s string) bool {
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			star, mark = pi, si
			pi++
		case pi < len(pattern) && (pattern[pi] == s[si] || pattern[pi] == '?'):
			pi++
			si++
		case star >= 0:
			mark++
			pi, si = star+1, mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
