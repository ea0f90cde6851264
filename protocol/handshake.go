package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// HandshakeRequest is the identity and capability metadata a child
// presents when it dials a parent. On the wire it is the query string
// of the connection upgrade request.
type HandshakeRequest struct {
	Key              string
	Hostname         string
	RegistryHostname string
	MachineGUID      string
	UpdateEvery      int
	OS               string
	Timezone         string
	AbbrevTimezone   string
	UTCOffset        int
	Hops             int
	MLCapable        bool
	MLEnabled        bool

	// Version is the declared protocol version for legacy peers, or
	// the capability bitmask for peers that exchange them directly.
	Version uint32

	// SystemInfo carries host system-info fields verbatim; the engine
	// forwards them without interpretation.
	SystemInfo map[string]string
}

// Query renders the request as upgrade query parameters.
func (r *HandshakeRequest) Query() url.Values {
	v := url.Values{}
	v.Set("key", r.Key)
	v.Set("hostname", r.Hostname)
	if r.RegistryHostname != "" {
		v.Set("registry_hostname", r.RegistryHostname)
	}
	v.Set("machine_guid", r.MachineGUID)
	v.Set("update_every", strconv.Itoa(r.UpdateEvery))
	if r.OS != "" {
		v.Set("os", r.OS)
	}
	if r.Timezone != "" {
		v.Set("timezone", r.Timezone)
	}
	if r.AbbrevTimezone != "" {
		v.Set("abbrev_timezone", r.AbbrevTimezone)
	}
	v.Set("utc_offset", strconv.Itoa(r.UTCOffset))
	v.Set("hops", strconv.Itoa(r.Hops))
	v.Set("ml_capable", boolParam(r.MLCapable))
	v.Set("ml_enabled", boolParam(r.MLEnabled))
	v.Set("ver", strconv.FormatUint(uint64(r.Version), 10))
	for name, value := range r.SystemInfo {
		v.Set(name, value)
	}
	return v
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// knownParams are the query parameters the engine interprets itself.
// Everything else lands in SystemInfo; genuinely unknown names are also
// reported back so the caller can log them, because a legacy peer must
// never be rejected over a parameter we do not understand.
var knownParams = map[string]bool{
	"key": true, "hostname": true, "registry_hostname": true,
	"machine_guid": true, "update_every": true, "os": true,
	"timezone": true, "abbrev_timezone": true, "utc_offset": true,
	"hops": true, "ml_capable": true, "ml_enabled": true, "ver": true,
}

// ParseHandshakeRequest decodes upgrade query parameters. Malformed
// numeric fields fall back to zero values; only the gate decides
// whether the result is acceptable.
func ParseHandshakeRequest(values url.Values) (*HandshakeRequest, []string) {
	r := &HandshakeRequest{
		Hops:       1,
		SystemInfo: map[string]string{},
	}
	var unknown []string
	versionSeen := false

	for name := range values {
		value := values.Get(name)
		if value == "" {
			continue
		}
		switch name {
		case "key":
			r.Key = value
		case "hostname":
			r.Hostname = value
		case "registry_hostname":
			r.RegistryHostname = value
		case "machine_guid":
			r.MachineGUID = value
		case "update_every":
			r.UpdateEvery, _ = strconv.Atoi(value)
		case "os":
			r.OS = value
		case "timezone":
			r.Timezone = value
		case "abbrev_timezone":
			r.AbbrevTimezone = value
		case "utc_offset":
			r.UTCOffset, _ = strconv.Atoi(value)
		case "hops":
			r.Hops, _ = strconv.Atoi(value)
		case "ml_capable":
			r.MLCapable = value != "0"
		case "ml_enabled":
			r.MLEnabled = value != "0"
		case "ver":
			v, err := strconv.ParseUint(value, 10, 32)
			if err == nil {
				r.Version = uint32(v)
				versionSeen = true
			}
		default:
			if strings.HasPrefix(name, "HOST_") || strings.HasPrefix(name, "SYSTEM_") {
				r.SystemInfo[name] = value
			} else {
				unknown = append(unknown, name)
			}
		}
	}

	if !versionSeen {
		// a peer old enough to omit the version speaks the oldest protocol
		r.Version = 0
	}
	if r.RegistryHostname == "" {
		r.RegistryHostname = r.Hostname
	}
	return r, unknown
}

// Handshake response lines. Every credential-class rejection uses
// ResponseDenied verbatim so an unauthenticated caller cannot learn
// which check failed.
const (
	responseAcceptPrefix = "STREAM_OK version="

	ResponseDenied           = "STREAM_DENIED access is not permitted, check the server logs"
	ResponseBusy             = "STREAM_BUSY cannot accept this connection now, try again later"
	ResponseAlreadyConnected = "STREAM_ALREADY_CONNECTED this machine GUID is already streaming here"
	ResponseLoopback         = "STREAM_DENIED_LOOPBACK refusing to stream my own metrics back to me"
)

// Handshake outcome errors, mapped from the response line by the child.
var (
	ErrHandshakeDenied    = errors.New("handshake: access denied")
	ErrHandshakeBusy      = errors.New("handshake: server busy")
	ErrHandshakeConflict  = errors.New("handshake: already connected")
	ErrHandshakeLoopback  = errors.New("handshake: loopback connection")
	ErrHandshakeMalformed = errors.New("handshake: malformed response")
)

// AcceptResponse renders the parent's acceptance line. Peers that
// exchange capability bitmasks receive the effective set directly;
// older peers get the newest legacy version the set covers.
func AcceptResponse(effective Capabilities, peerExchangesCaps bool) string {
	v := uint64(ToVersion(effective))
	if peerExchangesCaps {
		v = uint64(effective)
	}
	return responseAcceptPrefix + strconv.FormatUint(v, 10)
}

// ParseHandshakeResponse decodes the parent's response line on the
// child. On acceptance it returns the parent's version-or-mask for
// Negotiate; otherwise the matching handshake error.
func ParseHandshakeResponse(line string) (uint32, error) {
	line = strings.TrimRight(line, "\r\n")
	if rest, ok := strings.CutPrefix(line, responseAcceptPrefix); ok {
		v, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: bad version %q", ErrHandshakeMalformed, rest)
		}
		return uint32(v), nil
	}
	switch line {
	case ResponseDenied:
		return 0, ErrHandshakeDenied
	case ResponseBusy:
		return 0, ErrHandshakeBusy
	case ResponseAlreadyConnected:
		return 0, ErrHandshakeConflict
	case ResponseLoopback:
		return 0, ErrHandshakeLoopback
	default:
		return 0, fmt.Errorf("%w: %q", ErrHandshakeMalformed, line)
	}
}
