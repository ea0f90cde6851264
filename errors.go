package streampush

import "errors"

// Errors returned by the collector-facing API.
var (
	// ErrBufferFull means the per-host byte budget was exhausted and
	// the commit was dropped after its deadline expired.
	ErrBufferFull = errors.New("commit buffer full")
	// ErrSenderShutdown means the sender was asked to stop and no
	// longer accepts commits.
	ErrSenderShutdown = errors.New("sender is shutting down")
	// ErrNotStreamable means sending is disabled by configuration.
	ErrNotStreamable = errors.New("streaming is not configured for this host")
)

// DisconnectReason classifies why a connection ended or could not be
// established. Reasons are recorded on Sender/Receiver state, logged,
// and counted; they are never silently swallowed.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonPeerClosed
	ReasonReadTimeout
	ReasonSendTimeout
	ReasonSocketError
	ReasonMalformedFrame
	ReasonBadHandshake
	ReasonAccessDenied
	ReasonPeerBusy
	ReasonAlreadyConnected
	ReasonLoopback
	ReasonCantConnect
	ReasonLocalShutdown
	ReasonHostCleanup
	ReasonStalePreempted
	ReasonInsufficientBuffer
)

var disconnectReasonNames = map[DisconnectReason]string{
	ReasonNone:               "",
	ReasonPeerClosed:         "peer closed connection",
	ReasonReadTimeout:        "read timeout",
	ReasonSendTimeout:        "send timeout",
	ReasonSocketError:        "socket error",
	ReasonMalformedFrame:     "malformed frame",
	ReasonBadHandshake:       "bad handshake",
	ReasonAccessDenied:       "access denied",
	ReasonPeerBusy:           "peer busy, try later",
	ReasonAlreadyConnected:   "already connected",
	ReasonLoopback:           "loopback connection",
	ReasonCantConnect:        "cannot connect",
	ReasonLocalShutdown:      "shutdown requested",
	ReasonHostCleanup:        "host cleanup",
	ReasonStalePreempted:     "preempted by a new connection",
	ReasonInsufficientBuffer: "insufficient buffer",
}

func (r DisconnectReason) String() string {
	if s, ok := disconnectReasonNames[r]; ok {
		return s
	}
	return "unknown"
}
