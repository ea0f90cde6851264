package streampush

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/streamfleet/go-streampush/protocol"
)

// Decision is the outcome of one admission check. The detailed
// credential failures exist for logs and metrics only; on the wire
// every one of them maps to the same uniform denial.
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionDeniedMissingIdentity
	DecisionDeniedBadKey
	DecisionDeniedKeyDisabled
	DecisionDeniedIPNotAllowed
	DecisionDeniedBadGUID
	DecisionDeniedMachineDisabled
	DecisionLoopback
	DecisionAlreadyConnected
	DecisionRateLimited
	DecisionBusy
)

var decisionNames = map[Decision]string{
	DecisionAccept:                "accept",
	DecisionDeniedMissingIdentity: "denied_missing_identity",
	DecisionDeniedBadKey:          "denied_bad_key",
	DecisionDeniedKeyDisabled:     "denied_key_disabled",
	DecisionDeniedIPNotAllowed:    "denied_ip_not_allowed",
	DecisionDeniedBadGUID:         "denied_bad_guid",
	DecisionDeniedMachineDisabled: "denied_machine_disabled",
	DecisionLoopback:              "loopback",
	DecisionAlreadyConnected:      "already_connected",
	DecisionRateLimited:           "rate_limited",
	DecisionBusy:                  "busy",
}

func (d Decision) String() string {
	if s, ok := decisionNames[d]; ok {
		return s
	}
	return "unknown"
}

// Response returns the handshake line the child receives for this
// decision. Every credential-class denial is byte-identical so a
// probing caller cannot learn which check failed.
func (d Decision) Response() string {
	switch d {
	case DecisionAccept:
		// the receiver renders the real acceptance line itself
		return ""
	case DecisionLoopback:
		return protocol.ResponseLoopback
	case DecisionAlreadyConnected:
		return protocol.ResponseAlreadyConnected
	case DecisionRateLimited, DecisionBusy:
		return protocol.ResponseBusy
	default:
		return protocol.ResponseDenied
	}
}

// Accepted reports whether the connection may proceed.
func (d Decision) Accepted() bool { return d == DecisionAccept }

// Gate is the parent-side admission check for inbound streaming
// connections. It owns the active-receiver registry, so the
// one-connection-per-machine-GUID rule and the stale-receiver
// displacement live here.
type Gate struct {
	cfg     GateConfig
	log     *slog.Logger
	metrics *Metrics

	// limiter spaces out accepted connections; nil means no limit.
	limiter *rate.Limiter

	mu        sync.Mutex
	receivers map[string]*Receiver
	// admitted holds GUIDs accepted by Admit whose receiver is not
	// registered yet, so two racing handshakes cannot both pass.
	admitted map[string]bool
}

// NewGate builds a gate from resolved acceptance configuration.
func NewGate(cfg GateConfig, logger *slog.Logger, metrics *Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		cfg:       cfg,
		log:       logger,
		metrics:   metrics,
		receivers: map[string]*Receiver{},
		admitted:  map[string]bool{},
	}
	if cfg.MinSecondsBetweenAccepts > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Duration(cfg.MinSecondsBetweenAccepts)*time.Second), 1)
	}
	return g
}

// Admit runs the full acceptance chain for one handshake. clientIP is
// the remote address without port. DecisionAccept reserves the machine
// GUID: the caller must Register the receiver it builds, or Withdraw
// the admission if the connection dies first. A stale same-GUID
// receiver has already been told to stop.
func (g *Gate) Admit(req *protocol.HandshakeRequest, clientIP string) Decision {
	d := g.admit(req, clientIP)
	if g.metrics != nil {
		g.metrics.AcceptDecisions.WithLabelValues(d.String()).Inc()
	}
	if d != DecisionAccept {
		g.log.Warn("inbound connection rejected",
			"decision", d.String(), "hostname", req.Hostname,
			"guid", req.MachineGUID, "ip", clientIP)
	}
	return d
}

func (g *Gate) admit(req *protocol.HandshakeRequest, clientIP string) Decision {
	if g.cfg.MaxReceivers > 0 && g.activeCount() >= g.cfg.MaxReceivers {
		return DecisionBusy
	}

	if req.Hostname == "" || req.Key == "" || req.MachineGUID == "" {
		return DecisionDeniedMissingIdentity
	}
	if _, err := uuid.Parse(req.Key); err != nil {
		return DecisionDeniedBadKey
	}

	key, ok := g.cfg.Keys[req.Key]
	if !ok || key.Type != "api" {
		return DecisionDeniedBadKey
	}
	if !key.Enabled {
		return DecisionDeniedKeyDisabled
	}
	if key.AllowFrom != "" && !NewSimplePattern(key.AllowFrom).Matches(clientIP) {
		return DecisionDeniedIPNotAllowed
	}

	if _, err := uuid.Parse(req.MachineGUID); err != nil {
		return DecisionDeniedBadGUID
	}
	if req.MachineGUID == g.cfg.LocalMachineGUID {
		return DecisionLoopback
	}

	// a machine section may tighten (or forbid) what its api key allows
	if m, ok := g.cfg.Machines[req.MachineGUID]; ok {
		if m.Type != "" && m.Type != "machine" {
			return DecisionDeniedBadGUID
		}
		if !m.Enabled {
			return DecisionDeniedMachineDisabled
		}
		if m.AllowFrom != "" && !NewSimplePattern(m.AllowFrom).Matches(clientIP) {
			return DecisionDeniedIPNotAllowed
		}
	}

	if g.limiter != nil && !g.limiter.Allow() {
		return DecisionRateLimited
	}

	if d := g.displaceOrReject(req.MachineGUID); d != DecisionAccept {
		return d
	}
	return DecisionAccept
}

// displaceOrReject enforces one connection per machine GUID: a live
// receiver wins, a silent one older than the stale timeout is stopped
// so the new connection can take its place. An accepted GUID is
// reserved until Register or Withdraw.
func (g *Gate) displaceOrReject(machineGUID string) Decision {
	g.mu.Lock()
	existing := g.receivers[machineGUID]
	if existing == nil {
		if g.admitted[machineGUID] {
			g.mu.Unlock()
			return DecisionAlreadyConnected
		}
		g.admitted[machineGUID] = true
		g.mu.Unlock()
		return DecisionAccept
	}
	g.mu.Unlock()

	age := existing.LastMessageAge()
	if g.cfg.StaleReceiverTimeout <= 0 || age < g.cfg.StaleReceiverTimeout {
		return DecisionAlreadyConnected
	}
	g.log.Info("displacing stale receiver",
		"guid", machineGUID, "silent_for", age.String())
	existing.Stop(ReasonStalePreempted)
	g.Deregister(existing)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.admitted[machineGUID] || g.receivers[machineGUID] != nil {
		return DecisionAlreadyConnected
	}
	g.admitted[machineGUID] = true
	return DecisionAccept
}

func (g *Gate) activeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.receivers) + len(g.admitted)
}

// Register records an accepted receiver under its machine GUID and
// releases the admission reservation.
func (g *Gate) Register(r *Receiver) {
	g.mu.Lock()
	g.receivers[r.MachineGUID()] = r
	delete(g.admitted, r.MachineGUID())
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ActiveReceivers.Inc()
	}
}

// Deregister removes a receiver if it still holds its GUID's slot.
// Safe to call twice, and safe when a newer receiver already replaced
// this one.
func (g *Gate) Deregister(r *Receiver) {
	g.mu.Lock()
	removed := false
	if g.receivers[r.MachineGUID()] == r {
		delete(g.receivers, r.MachineGUID())
		removed = true
	}
	g.mu.Unlock()
	if removed && g.metrics != nil {
		g.metrics.ActiveReceivers.Dec()
	}
}

// Withdraw releases an accepted admission that never produced a
// registered receiver, e.g. when the upgrade fails after Admit.
func (g *Gate) Withdraw(machineGUID string) {
	g.mu.Lock()
	delete(g.admitted, machineGUID)
	g.mu.Unlock()
}

// Receiver returns the active receiver of a machine GUID, or nil.
func (g *Gate) Receiver(machineGUID string) *Receiver {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.receivers[machineGUID]
}
