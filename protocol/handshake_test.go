package protocol

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRequestQueryRoundTrip(t *testing.T) {
	in := &HandshakeRequest{
		Key:              "11111111-2222-3333-4444-555555555555",
		Hostname:         "child-1",
		RegistryHostname: "child-1.example.com",
		MachineGUID:      "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		UpdateEvery:      1,
		OS:               "linux",
		Timezone:         "Europe/Athens",
		AbbrevTimezone:   "EEST",
		UTCOffset:        10800,
		Hops:             2,
		MLCapable:        true,
		MLEnabled:        false,
		Version:          uint32(CapVCaps | CapInterpolated),
		SystemInfo:       map[string]string{"SYSTEM_OS_NAME": "Debian"},
	}

	out, unknown := ParseHandshakeRequest(in.Query())
	assert.Empty(t, unknown)
	assert.Equal(t, in, out)
}

func TestHandshakeRequestUnknownParamsAreReportedNotFatal(t *testing.T) {
	v := url.Values{}
	v.Set("key", "k")
	v.Set("hostname", "h")
	v.Set("machine_guid", "g")
	v.Set("ver", "4")
	v.Set("NETDATA_PROTOCOL_VERSION", "1.2.3")
	v.Set("HOST_VIRT", "kvm")

	r, unknown := ParseHandshakeRequest(v)
	assert.Equal(t, []string{"NETDATA_PROTOCOL_VERSION"}, unknown)
	assert.Equal(t, "kvm", r.SystemInfo["HOST_VIRT"])
	assert.Equal(t, uint32(4), r.Version)
}

func TestHandshakeRequestDefaults(t *testing.T) {
	v := url.Values{}
	v.Set("hostname", "h")

	r, _ := ParseHandshakeRequest(v)
	assert.Equal(t, uint32(0), r.Version, "missing version means the oldest protocol")
	assert.Equal(t, "h", r.RegistryHostname, "registry hostname falls back to hostname")
	assert.Equal(t, 1, r.Hops)
}

func TestAcceptResponse(t *testing.T) {
	caps := CapVN | CapHLabels | CapClaim | CapCLabels | CapLZ4

	// a capability-exchanging peer gets the mask itself
	line := AcceptResponse(caps, true)
	v, err := ParseHandshakeResponse(line)
	require.NoError(t, err)
	assert.Equal(t, uint32(caps), v)

	// a legacy peer gets the newest version the set covers
	line = AcceptResponse(caps, false)
	v, err = ParseHandshakeResponse(line)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v)
}

func TestParseHandshakeResponseRejections(t *testing.T) {
	tests := []struct {
		line string
		want error
	}{
		{ResponseDenied, ErrHandshakeDenied},
		{ResponseBusy, ErrHandshakeBusy},
		{ResponseAlreadyConnected, ErrHandshakeConflict},
		{ResponseLoopback, ErrHandshakeLoopback},
		{"HTTP/1.1 404 Not Found", ErrHandshakeMalformed},
		{"STREAM_OK version=banana", ErrHandshakeMalformed},
	}
	for _, tc := range tests {
		_, err := ParseHandshakeResponse(tc.line)
		assert.ErrorIs(t, err, tc.want, "line %q", tc.line)
	}
}

func TestParseHandshakeResponseTrimsLineEndings(t *testing.T) {
	v, err := ParseHandshakeResponse("STREAM_OK version=5\r\n")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v)
}
