package streampush

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamfleet/go-streampush/protocol"
)

// SenderState is the connection state machine of one host's sender.
type SenderState int32

const (
	SenderDisconnected SenderState = iota
	SenderConnecting
	SenderHandshaking
	SenderStreaming
	SenderDisconnecting
)

func (s SenderState) String() string {
	switch s {
	case SenderDisconnected:
		return "disconnected"
	case SenderConnecting:
		return "connecting"
	case SenderHandshaking:
		return "handshaking"
	case SenderStreaming:
		return "streaming"
	case SenderDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// remoteClockResyncCycles is how many collection cycles after a chart
// definition the BEGIN frame carries a zero elapsed time, forcing the
// peer to resynchronize that chart to its own clock.
const remoteClockResyncCycles = 60

type chartEligibility int8

const (
	eligibilityUnknown chartEligibility = iota
	eligibilitySend
	eligibilityIgnore
)

// chartState is the sender's per-chart bookkeeping for one host.
type chartState struct {
	chart       *protocol.Chart
	eligibility chartEligibility
	exposed     bool
	// resyncUntil is the wall-clock second after which BEGIN frames
	// carry real elapsed times again.
	resyncUntil int64
	dimIDs      map[string]bool
}

// Sender streams one host's metrics to the first reachable configured
// destination. Exactly one goroutine owns the socket; collector
// threads interact only through StartBuffer/Commit and BeginCycle,
// which never perform network I/O.
type Sender struct {
	cfg      *Config
	identity Identity
	store    ChartStore
	log      *slog.Logger
	metrics  *Metrics

	localCaps    protocol.Capabilities
	destinations *DestinationList
	queue        *commitQueue
	pattern      *SimplePattern
	bufPool      sync.Pool

	replication *ReplicationCoordinator

	// mu guards the connection-state fields below. Collector threads
	// take it briefly in Commit/triggerSpawn; the sender goroutine
	// takes it for connect/disconnect transitions.
	mu             sync.Mutex
	conn           *websocket.Conn
	caps           protocol.Capabilities
	enc            *protocol.Encoder
	state          SenderState
	connectedTo    string
	shutdown       bool
	shutdownReason DisconnectReason
	spawned        bool
	threadDone     chan struct{}
	stopCh         chan struct{}
	lastReason     DisconnectReason

	// ready flips on when the connection is streaming and off on any
	// teardown; collectors check it without taking mu.
	ready          atomic.Bool
	loggedNotReady atomic.Bool

	chartsMu      sync.Mutex
	charts        map[string]*chartState
	nextChartSlot uint32
	nextDimSlot   uint32
}

// NewSender builds the sender of one host. Configuration errors
// (streaming disabled, no destination, no api key) return
// ErrNotStreamable after logging once; nothing retries them.
func NewSender(cfg *Config, identity Identity, store ChartStore, logger *slog.Logger, metrics *Metrics) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("host", identity.Hostname)

	if !cfg.Enabled {
		return nil, ErrNotStreamable
	}
	if cfg.Destination == "" || cfg.APIKey == "" {
		logger.Warn("streaming is enabled but destination or api key is missing, sending disabled")
		return nil, ErrNotStreamable
	}

	s := &Sender{
		cfg:          cfg,
		identity:     identity,
		store:        store,
		log:          logger,
		metrics:      metrics,
		localCaps:    cfg.localCapabilities(),
		destinations: ParseDestinations(cfg.Destination),
		queue:        newCommitQueue(cfg.MaxBufferedBytes),
		pattern:      NewSimplePattern(cfg.SendChartsMatching),
		replication:  NewReplicationCoordinator(),
		charts:       map[string]*chartState{},
		stopCh:       make(chan struct{}),
	}
	s.bufPool.New = func() any { return new(bytes.Buffer) }
	if s.destinations.Len() == 0 {
		logger.Warn("destination string resolved to no endpoints, sending disabled")
		return nil, ErrNotStreamable
	}
	return s, nil
}

// State returns the connection state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the effective capability set of the active
// connection, or CapNone when disconnected.
func (s *Sender) Capabilities() protocol.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderStreaming {
		return protocol.CapNone
	}
	return s.caps
}

// ConnectedTo returns the address of the destination currently
// streaming to, or "" when disconnected.
func (s *Sender) ConnectedTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderStreaming {
		return ""
	}
	return s.connectedTo
}

// LastDisconnectReason returns the classification of the most recent
// teardown.
func (s *Sender) LastDisconnectReason() DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

// StartBuffer returns a scratch buffer for one commit. Buffers are
// pooled; Commit returns them.
func (s *Sender) StartBuffer() *bytes.Buffer {
	wb := s.bufPool.Get().(*bytes.Buffer)
	wb.Reset()
	return wb
}

// Commit hands a filled buffer to the sender goroutine. Commits are
// delivered strictly in submission order; the traffic class is
// accounting only. The buffer is recycled and must not be used after.
func (s *Sender) Commit(wb *bytes.Buffer, class TrafficClass) error {
	payload := append([]byte(nil), wb.Bytes()...)
	s.bufPool.Put(wb)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrSenderShutdown
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CommitsTotal.WithLabelValues(class.String()).Inc()
		s.metrics.BytesTotal.WithLabelValues(class.String()).Add(float64(len(payload)))
	}

	if err := s.queue.Push(payload, class, s.cfg.CommitTimeout); err != nil {
		if s.metrics != nil {
			s.metrics.DroppedCommits.Inc()
		}
		return err
	}
	s.triggerSpawn()
	return nil
}

// triggerSpawn starts the sender goroutine if it is not running.
// Idempotent and race-free: concurrent collectors racing here produce
// exactly one goroutine.
func (s *Sender) triggerSpawn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawned || s.shutdown {
		return
	}
	s.spawned = true
	s.threadDone = make(chan struct{})
	go s.run(s.threadDone)
}

// Stop requests shutdown with a reason. With wait set it blocks until
// the sender goroutine has fully exited.
func (s *Sender) Stop(reason DisconnectReason, wait bool) {
	s.mu.Lock()
	alreadyStopping := s.shutdown
	s.shutdown = true
	s.shutdownReason = reason
	done := s.threadDone
	conn := s.conn
	s.mu.Unlock()

	if !alreadyStopping {
		close(s.stopCh)
		if conn != nil {
			// unblock any blocked read/write
			_ = conn.Close()
		}
	}
	if wait && done != nil {
		<-done
	}
}

func (s *Sender) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// InvalidateChart forces a chart's definition to be re-sent and its
// eligibility re-evaluated, e.g. after its dimensions changed.
func (s *Sender) InvalidateChart(chartID string) {
	s.chartsMu.Lock()
	defer s.chartsMu.Unlock()
	if st, ok := s.charts[chartID]; ok {
		st.exposed = false
		st.eligibility = eligibilityUnknown
	}
}

// run is the sender goroutine: connect, stream, tear down, back off,
// repeat until shutdown.
func (s *Sender) run(done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.spawned = false
		s.state = SenderDisconnected
		s.mu.Unlock()
		close(done)
	}()

	for !s.isShutdown() {
		if !s.connectOnce() {
			if !s.sleepInterruptible(s.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		reason := s.streamLoop()
		s.teardown(reason)

		if !s.sleepInterruptible(s.cfg.ReconnectDelay) {
			return
		}
	}
}

func (s *Sender) sleepInterruptible(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (s *Sender) setState(st SenderState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// connectOnce walks the eligible destinations in order and connects to
// the first one that completes a handshake. A failed destination is
// postponed individually, so one dead parent never starves the rest.
func (s *Sender) connectOnce() bool {
	s.setState(SenderConnecting)

	now := time.Now()
	for i := 0; i < s.destinations.Len(); i++ {
		d := s.destinations.NextEligible(now)
		if d == nil {
			return false
		}
		if s.connectTo(d) {
			return true
		}
		if s.isShutdown() {
			return false
		}
		s.destinations.Postpone(d, now, s.cfg.ReconnectDelay)
		s.setState(SenderConnecting)
	}
	return false
}

// connectTo dials one destination, performs the handshake and installs
// the connection.
func (s *Sender) connectTo(d *Destination) bool {
	if s.metrics != nil {
		s.metrics.ConnectAttempts.Inc()
	}

	scheme := "ws"
	if d.TLS {
		scheme = "wss"
	}
	req := &protocol.HandshakeRequest{
		Key:              s.cfg.APIKey,
		Hostname:         s.identity.Hostname,
		RegistryHostname: s.identity.RegistryHostname,
		MachineGUID:      s.identity.MachineGUID,
		UpdateEvery:      1,
		OS:               s.identity.OS,
		Timezone:         s.identity.Timezone,
		AbbrevTimezone:   s.identity.AbbrevTimezone,
		UTCOffset:        s.identity.UTCOffset,
		Hops:             s.identity.Hops + 1,
		MLCapable:        s.localCaps.Has(protocol.CapML),
		MLEnabled:        s.cfg.MLStreamingEnabled,
		Version:          uint32(s.localCaps),
		SystemInfo:       s.identity.SystemInfo,
	}
	u := url.URL{Scheme: scheme, Host: d.Address, Path: "/stream", RawQuery: req.Query().Encode()}

	s.log.Debug("connecting", "destination", d.Address, "attempt", d.Attempts())

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.ConnectTimeout,
		NetDialContext:   (&net.Dialer{Timeout: s.cfg.ConnectTimeout}).DialContext,
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		s.log.Warn("connection failed", "destination", d.Address, "error", err)
		s.noteFailure(ReasonCantConnect)
		return false
	}

	s.setState(SenderHandshaking)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	_, line, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn("handshake read failed", "destination", d.Address, "error", err)
		_ = conn.Close()
		s.noteFailure(ReasonBadHandshake)
		return false
	}

	peerVersion, err := protocol.ParseHandshakeResponse(string(line))
	if err != nil {
		reason := ReasonBadHandshake
		switch {
		case errors.Is(err, protocol.ErrHandshakeDenied):
			reason = ReasonAccessDenied
		case errors.Is(err, protocol.ErrHandshakeBusy):
			reason = ReasonPeerBusy
		case errors.Is(err, protocol.ErrHandshakeConflict):
			reason = ReasonAlreadyConnected
		case errors.Is(err, protocol.ErrHandshakeLoopback):
			reason = ReasonLoopback
		}
		s.log.Warn("handshake rejected", "destination", d.Address, "error", err)
		_ = conn.Close()
		s.noteFailure(reason)
		return false
	}

	caps := protocol.Negotiate(s.localCaps, peerVersion)
	if caps == protocol.CapNone {
		s.log.Error("no common capabilities with peer", "destination", d.Address)
		_ = conn.Close()
		s.noteFailure(ReasonBadHandshake)
		return false
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.caps = caps
	s.enc = protocol.NewEncoder(caps)
	s.state = SenderStreaming
	s.connectedTo = d.Address
	s.mu.Unlock()

	s.destinations.MarkConnected(d)

	// the previous connection's buffered frames and exposure state
	// are meaningless on a new link
	s.queue.Flush()
	s.replication.Reset()
	s.chartsMu.Lock()
	for _, st := range s.charts {
		st.exposed = false
	}
	s.chartsMu.Unlock()

	s.log.Info("established link", "destination", d.Address, "capabilities", caps.String())
	s.ready.Store(true)
	if s.loggedNotReady.Swap(false) {
		s.log.Info("sending metrics to parent")
	}

	s.sendInitialMetadata()

	go s.readLoop(conn)
	return true
}

func (s *Sender) noteFailure(reason DisconnectReason) {
	s.mu.Lock()
	s.lastReason = reason
	s.state = SenderDisconnected
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Disconnects.WithLabelValues(reason.String()).Inc()
	}
}

// sendInitialMetadata queues the frames a parent expects right after a
// handshake: the claim, the host labels and the global functions.
func (s *Sender) sendInitialMetadata() {
	enc, caps := s.encoder()
	if enc == nil {
		return
	}

	if caps.Has(protocol.CapClaim) {
		wb := s.StartBuffer()
		enc.ClaimedID(wb, s.identity.MachineGUID, s.identity.ClaimID)
		_ = s.Commit(wb, TrafficMetadata)
	}
	if caps.Has(protocol.CapHLabels) && len(s.identity.Labels) > 0 {
		wb := s.StartBuffer()
		for _, l := range s.identity.Labels {
			enc.HostLabel(wb, l)
		}
		enc.OverwriteLabels(wb)
		_ = s.Commit(wb, TrafficMetadata)
	}
	if caps.Has(protocol.CapFunctions) && len(s.identity.Functions) > 0 {
		wb := s.StartBuffer()
		for _, f := range s.identity.Functions {
			enc.Function(wb, f.Name, f.Timeout, f.Help)
		}
		_ = s.Commit(wb, TrafficFunctions)
	}
}

func (s *Sender) encoder() (*protocol.Encoder, protocol.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderStreaming {
		return nil, protocol.CapNone
	}
	return s.enc, s.caps
}

// streamLoop drains the commit queue to the socket until an error or
// shutdown, and returns the disconnect classification. The compressor
// lives here because only this goroutine writes.
func (s *Sender) streamLoop() DisconnectReason {
	s.mu.Lock()
	conn := s.conn
	caps := s.caps
	s.mu.Unlock()

	comp, err := protocol.NewCompressor(protocol.SelectCompression(caps), s.cfg.CompressionLevels)
	if err != nil {
		s.log.Error("compressor setup failed", "error", err)
		return ReasonBadHandshake
	}

	for {
		if s.isShutdown() {
			s.mu.Lock()
			reason := s.shutdownReason
			s.mu.Unlock()
			if reason == ReasonNone {
				reason = ReasonLocalShutdown
			}
			return reason
		}

		c, ok := s.queue.Pop(500 * time.Millisecond)
		if !ok {
			continue
		}

		framed, err := comp.Compress(c.payload)
		if err != nil {
			s.log.Error("commit compression failed", "error", err)
			return ReasonInsufficientBuffer
		}

		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, framed); err != nil {
			if isTimeout(err) {
				return ReasonSendTimeout
			}
			return ReasonSocketError
		}
		if s.metrics != nil {
			s.metrics.WireBytesTotal.Add(float64(len(framed)))
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Sender) teardown(reason DisconnectReason) {
	s.ready.Store(false)
	s.mu.Lock()
	s.state = SenderDisconnecting
	conn := s.conn
	s.conn = nil
	s.enc = nil
	s.lastReason = reason
	s.state = SenderDisconnected
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if s.metrics != nil {
		s.metrics.Disconnects.WithLabelValues(reason.String()).Inc()
	}
	s.destinations.PostponeAll(time.Now(), s.cfg.ReconnectDelay)
	s.log.Info("disconnected", "reason", reason.String())
}

// readLoop consumes the inbound half of the connection: replication
// requests from the parent. A read error closes the socket so the
// write side notices.
func (s *Sender) readLoop(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			frame, err := protocol.ParseLine(string(line))
			if err != nil {
				continue
			}
			if frame.Keyword == protocol.KeywordReplayChart {
				s.handleReplayRequest(frame.Args)
			} else {
				s.log.Debug("ignoring inbound keyword", "keyword", frame.Keyword)
			}
		}
	}
}

// handleReplayRequest answers one parent backfill request: historical
// batches in replication-step windows, then the closing frame that
// lets live metrics flow for the chart.
func (s *Sender) handleReplayRequest(args []string) {
	if len(args) < 4 {
		s.log.Warn("malformed replication request", "args", args)
		return
	}
	chartID := args[0]
	startStreaming := args[1] == "true"
	after, err1 := strconv.ParseInt(args[2], 10, 64)
	before, err2 := strconv.ParseInt(args[3], 10, 64)
	if err1 != nil || err2 != nil {
		s.log.Warn("malformed replication window", "args", args)
		return
	}

	enc, _ := s.encoder()
	if enc == nil {
		return
	}

	if before > after && s.store != nil {
		step := int64(s.cfg.ReplicationStep)
		if step <= 0 {
			step = before - after
		}
		for t := after; t < before; t += step {
			end := t + step
			if end > before {
				end = before
			}
			points, err := s.store.QueryRange(chartID, t, end)
			if err != nil {
				s.log.Warn("backfill query failed", "chart", chartID, "error", err)
				break
			}
			if len(points) == 0 {
				continue
			}
			wb := s.StartBuffer()
			enc.ReplayBegin(wb, chartID)
			for _, p := range points {
				enc.ReplaySet(wb, p.DimensionID, p.Time, p.Value, p.Flags)
			}
			enc.ReplayEndBatch(wb)
			_ = s.Commit(wb, TrafficReplication)
			if s.metrics != nil {
				s.metrics.ReplicationSends.Inc()
			}
		}
	}

	if startStreaming {
		first, last := int64(0), int64(0)
		if s.store != nil {
			first, last = s.store.Retention(chartID, time.Now())
		}
		wb := s.StartBuffer()
		enc.ReplayDone(wb, chartID, first, last)
		if err := s.Commit(wb, TrafficReplication); err != nil {
			// the closing frame never reached the queue; the chart
			// stays withheld until the next connection replays it
			s.log.Warn("backfill close commit failed", "chart", chartID, "error", err)
			return
		}
		s.replication.Finish(chartID)
	}
}

// chartStateFor returns (and lazily creates) the sender bookkeeping of
// a chart.
func (s *Sender) chartStateFor(chart *protocol.Chart) *chartState {
	s.chartsMu.Lock()
	defer s.chartsMu.Unlock()
	st, ok := s.charts[chart.ID]
	if !ok {
		st = &chartState{chart: chart}
		s.charts[chart.ID] = st
	}
	return st
}

// eligible decides (and caches) whether a chart streams at all:
// anomaly-detection charts follow the ML switch, everything else the
// configured name pattern.
func (s *Sender) eligible(st *chartState, anomalyDetection bool) bool {
	s.chartsMu.Lock()
	defer s.chartsMu.Unlock()
	if st.eligibility == eligibilityUnknown {
		match := false
		switch {
		case anomalyDetection:
			match = s.cfg.MLStreamingEnabled
		default:
			match = s.pattern.Matches(st.chart.ID) || s.pattern.Matches(st.chart.Name)
		}
		if match {
			st.eligibility = eligibilitySend
		} else {
			st.eligibility = eligibilityIgnore
		}
	}
	return st.eligibility == eligibilitySend
}

// exposeChart queues the chart's full definition, opens its
// replication window and schedules the clock resync period. Slots are
// assigned here, once per chart per process; chartsMu serializes the
// slot counters and the per-chart state against concurrent collectors.
func (s *Sender) exposeChart(st *chartState, wallClock time.Time) {
	enc, caps := s.encoder()
	if enc == nil {
		return
	}

	s.chartsMu.Lock()
	if st.exposed {
		s.chartsMu.Unlock()
		return
	}
	chart := st.chart
	if caps.Has(protocol.CapSlots) && chart.Slot == 0 {
		s.nextChartSlot++
		chart.Slot = s.nextChartSlot
		for i := range chart.Dimensions {
			s.nextDimSlot++
			chart.Dimensions[i].Slot = s.nextDimSlot
		}
	}

	wb := s.StartBuffer()
	enc.ChartDefinition(wb, chart)
	if caps.Has(protocol.CapReplication) {
		first, last := int64(0), int64(0)
		if s.store != nil {
			first, last = s.store.Retention(chart.ID, wallClock)
		}
		enc.ChartDefinitionEnd(wb, first, last, wallClock.Unix())
		s.replication.Begin(chart.ID)
	} else {
		// no replication: nothing to wait for
		s.replication.Begin(chart.ID)
		s.replication.Finish(chart.ID)
	}

	st.exposed = true
	st.dimIDs = make(map[string]bool, len(chart.Dimensions))
	for i := range chart.Dimensions {
		st.dimIDs[chart.Dimensions[i].ID] = true
	}
	st.resyncUntil = wallClock.Unix() + int64(remoteClockResyncCycles*chart.UpdateEvery)
	s.chartsMu.Unlock()

	if err := s.Commit(wb, TrafficMetadata); err != nil {
		s.log.Warn("chart definition commit failed", "chart", chart.ID, "error", err)
		s.InvalidateChart(chart.ID)
	}
}

// BeginCycle is the collector entry point for one chart's collection
// cycle. It returns nil when the chart must not stream right now (not
// connected, filtered out, or still replicating); a nil CycleBuffer is
// safe to use and discards everything.
//
// usecSinceLast is the elapsed microseconds since the chart's previous
// update; it is replaced by zero during the clock resync period that
// follows a definition.
func (s *Sender) BeginCycle(chart *protocol.Chart, anomalyDetection bool, usecSinceLast uint64, wallClock time.Time) *CycleBuffer {
	if !s.ready.Load() {
		s.triggerSpawn()
		if !s.loggedNotReady.Swap(true) {
			s.log.Info("not ready, collected metrics are not sent to parent")
		}
		return nil
	}

	st := s.chartStateFor(chart)
	if !s.eligible(st, anomalyDetection) {
		return nil
	}

	s.chartsMu.Lock()
	exposed := st.exposed
	s.chartsMu.Unlock()
	if !exposed {
		s.exposeChart(st, wallClock)
	}
	if s.replication.State(chart.ID) == ReplicationInProgress {
		// live frames wait until backfill finishes, so the peer's
		// history keeps strictly increasing timestamps
		return nil
	}

	enc, caps := s.encoder()
	if enc == nil {
		return nil
	}

	cb := &CycleBuffer{
		s:         s,
		enc:       enc,
		chart:     st.chart,
		state:     st,
		wb:        s.StartBuffer(),
		v2:        caps.Has(protocol.CapInterpolated),
		ml:        caps.Has(protocol.CapML),
		wallClock: wallClock.Unix(),
	}
	if !cb.v2 {
		usec := usecSinceLast
		s.chartsMu.Lock()
		resyncUntil := st.resyncUntil
		s.chartsMu.Unlock()
		if wallClock.Unix() <= resyncUntil {
			usec = 0
		}
		enc.BeginV1(cb.wb, chart.ID, usec)
		cb.v1Open = true
	}
	return cb
}

// CycleBuffer accumulates one chart's frames for one collection cycle
// and commits them as one atomic unit. Nil receivers are inert so
// collectors can call its methods unconditionally.
type CycleBuffer struct {
	s     *Sender
	enc   *protocol.Encoder
	chart *protocol.Chart
	state *chartState
	wb    *bytes.Buffer

	v2        bool
	ml        bool
	wallClock int64

	v1Open        bool
	beginAdded    bool
	lastPointTime int64
}

// SetV1 appends one dimension's collected value in the v1 encoding.
func (cb *CycleBuffer) SetV1(dimensionID string, collected int64) {
	if cb == nil || cb.v2 {
		return
	}
	cb.s.chartsMu.Lock()
	exposed := cb.state.dimIDs[dimensionID]
	cb.s.chartsMu.Unlock()
	if !exposed {
		// updated but never exposed: loud log, deferred to the next
		// cycle after the definition is refreshed
		cb.s.log.Error("dimension updated but not exposed", "chart", cb.chart.ID, "dimension", dimensionID)
		cb.s.InvalidateChart(cb.chart.ID)
		return
	}
	cb.enc.SetV1(cb.wb, dimensionID, collected)
}

// SetV2 appends one dimension's point in the interpolated encoding,
// merging points that share a timestamp under one begin/end pair.
func (cb *CycleBuffer) SetV2(dim *protocol.Dimension, pointTime time.Time, collected int64, value float64, flags protocol.SampleFlags) {
	if cb == nil || !cb.v2 {
		return
	}
	t := pointTime.Unix()
	if t != cb.lastPointTime {
		if cb.beginAdded {
			cb.enc.EndV2(cb.wb)
		}
		cb.enc.BeginV2(cb.wb, cb.chart, t, cb.wallClock)
		cb.lastPointTime = t
		cb.beginAdded = true
	}
	if !cb.ml {
		flags.Anomalous = false
	}
	cb.enc.SetV2(cb.wb, dim, collected, value, flags)
}

// Finish closes the batch and commits it.
func (cb *CycleBuffer) Finish() error {
	if cb == nil {
		return nil
	}
	if cb.v1Open {
		cb.enc.EndV1(cb.wb)
	}
	if cb.v2 && cb.beginAdded {
		cb.enc.EndV2(cb.wb)
	}
	return cb.s.Commit(cb.wb, TrafficData)
}

// SendJobStatus streams a dynamic-configuration job status report.
func (s *Sender) SendJobStatus(plugin, module, job, status string, state int, reason string) {
	enc, caps := s.encoder()
	if enc == nil || !caps.Has(protocol.CapDynCfg) {
		return
	}
	wb := s.StartBuffer()
	enc.JobStatus(wb, plugin, module, job, status, state, reason)
	_ = s.Commit(wb, TrafficDynCfg)
}

// SendJobDeleted streams a dynamic-configuration job removal.
func (s *Sender) SendJobDeleted(plugin, module, job string) {
	enc, caps := s.encoder()
	if enc == nil || !caps.Has(protocol.CapDynCfg) {
		return
	}
	wb := s.StartBuffer()
	enc.JobDeleted(wb, plugin, module, job)
	_ = s.Commit(wb, TrafficDynCfg)
}

// SendDynCfgEnable announces a configurable plugin upstream.
func (s *Sender) SendDynCfgEnable(plugin string) {
	enc, caps := s.encoder()
	if enc == nil || !caps.Has(protocol.CapDynCfg) {
		return
	}
	wb := s.StartBuffer()
	enc.DynCfgEnable(wb, plugin)
	_ = s.Commit(wb, TrafficDynCfg)
}

// SendDynCfgRegisterModule announces a configurable module upstream.
func (s *Sender) SendDynCfgRegisterModule(plugin, module, moduleType string) {
	enc, caps := s.encoder()
	if enc == nil || !caps.Has(protocol.CapDynCfg) {
		return
	}
	wb := s.StartBuffer()
	enc.DynCfgRegisterModule(wb, plugin, module, moduleType)
	_ = s.Commit(wb, TrafficDynCfg)
}

// SendDynCfgRegisterJob announces a configurable job upstream.
func (s *Sender) SendDynCfgRegisterJob(plugin, module, job, jobType string, flags uint32) {
	enc, caps := s.encoder()
	if enc == nil || !caps.Has(protocol.CapDynCfg) {
		return
	}
	wb := s.StartBuffer()
	enc.DynCfgRegisterJob(wb, plugin, module, job, jobType, flags)
	_ = s.Commit(wb, TrafficDynCfg)
}

// SendDynCfgReset asks the parent to drop a plugin's dyncfg state.
func (s *Sender) SendDynCfgReset(plugin string) {
	enc, caps := s.encoder()
	if enc == nil || !caps.Has(protocol.CapDynCfg) {
		return
	}
	wb := s.StartBuffer()
	enc.DynCfgReset(wb, plugin)
	_ = s.Commit(wb, TrafficDynCfg)
}
