package streampush

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamfleet/go-streampush/protocol"
)

// receiverChart is the receiver's decoded view of one chart.
type receiverChart struct {
	chart *protocol.Chart
	dims  map[string]*protocol.Dimension
	// lastTimeUsec reconstructs v1 sample times from elapsed
	// microseconds; zero means the next batch resyncs to wall clock.
	lastTimeUsec int64
}

// Receiver decodes one accepted inbound connection and applies every
// frame to the sink. One goroutine (the Run caller) owns the socket
// and all decode state; Stop may be called from anywhere.
type Receiver struct {
	cfg     *Config
	conn    *websocket.Conn
	req     *protocol.HandshakeRequest
	sink    MetricSink
	log     *slog.Logger
	metrics *Metrics

	caps   protocol.Capabilities
	comp   *protocol.Compressor
	enc    *protocol.Encoder
	ints   protocol.NumberEncoding
	floats protocol.NumberEncoding

	replication *ReplicationCoordinator

	lastMsg    atomic.Int64 // unix nanoseconds of the last inbound message
	stopped    atomic.Bool
	stopReason atomic.Int32
	done       chan struct{}
	writeMu    sync.Mutex

	// decode state below is owned by the Run goroutine
	pendingChart      *protocol.Chart
	pendingHostLabels []protocol.Label
	charts            map[string]*receiverChart
	chartsBySlot      map[uint32]*receiverChart
	dimsBySlot        map[uint32]*protocol.Dimension

	currentChart *receiverChart
	currentTime  time.Time

	replayChartID string
	replayPoints  []Point
}

// NewReceiver wraps an accepted connection. The effective capability
// set is negotiated here from the child's declared version-or-mask;
// the acceptance line is written by Run.
func NewReceiver(cfg *Config, conn *websocket.Conn, req *protocol.HandshakeRequest, sink MetricSink, logger *slog.Logger, metrics *Metrics) (*Receiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	caps := protocol.Negotiate(cfg.localCapabilities(), req.Version)
	if caps == protocol.CapNone {
		return nil, fmt.Errorf("no common capabilities with %q (declared %d)", req.Hostname, req.Version)
	}

	// the decompressor handles every tagged algorithm, so the local
	// sending preference is irrelevant here
	comp, err := protocol.NewCompressor(protocol.CompressionNone, cfg.CompressionLevels)
	if err != nil {
		return nil, err
	}

	return &Receiver{
		cfg:          cfg,
		conn:         conn,
		req:          req,
		sink:         sink,
		log:          logger.With("child", req.Hostname, "guid", req.MachineGUID),
		metrics:      metrics,
		caps:         caps,
		comp:         comp,
		enc:          protocol.NewEncoder(caps),
		ints:         protocol.IntegerEncoding(caps),
		floats:       protocol.FloatEncoding(caps),
		replication:  NewReplicationCoordinator(),
		charts:       map[string]*receiverChart{},
		chartsBySlot: map[uint32]*receiverChart{},
		dimsBySlot:   map[uint32]*protocol.Dimension{},
		done:         make(chan struct{}),
	}, nil
}

// MachineGUID returns the child's machine GUID.
func (r *Receiver) MachineGUID() string { return r.req.MachineGUID }

// Hostname returns the child's hostname.
func (r *Receiver) Hostname() string { return r.req.Hostname }

// Capabilities returns the effective capability set of the connection.
func (r *Receiver) Capabilities() protocol.Capabilities { return r.caps }

// LastMessageAge returns how long ago the last inbound message landed.
func (r *Receiver) LastMessageAge() time.Duration {
	last := r.lastMsg.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// FullyReplicated reports whether every chart the child exposed has
// finished its backfill window.
func (r *Receiver) FullyReplicated() bool { return r.replication.FullyReplicated() }

// Stop asks Run to terminate with the given classification. Closing
// the socket unblocks the pending read.
func (r *Receiver) Stop(reason DisconnectReason) {
	if r.stopped.Swap(true) {
		return
	}
	r.stopReason.Store(int32(reason))
	_ = r.conn.Close()
}

// Done is closed when Run has returned.
func (r *Receiver) Done() <-chan struct{} { return r.done }

// Run writes the acceptance line and decodes inbound frames until the
// connection ends, returning the termination classification.
func (r *Receiver) Run() DisconnectReason {
	defer close(r.done)
	defer func() { _ = r.conn.Close() }()

	peerExchangesCaps := protocol.FromVersion(r.req.Version).Has(protocol.CapVCaps)
	if err := r.writeLine(protocol.AcceptResponse(r.caps, peerExchangesCaps)); err != nil {
		r.log.Warn("failed to send acceptance", "error", err)
		return ReasonSocketError
	}
	r.lastMsg.Store(time.Now().UnixNano())
	r.log.Info("receiving metrics from child", "capabilities", r.caps.String())

	for {
		if r.stopped.Load() {
			return DisconnectReason(r.stopReason.Load())
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		_, framed, err := r.conn.ReadMessage()
		if err != nil {
			if r.stopped.Load() {
				return DisconnectReason(r.stopReason.Load())
			}
			return classifyReadError(err)
		}
		r.lastMsg.Store(time.Now().UnixNano())

		payload, err := r.comp.Decompress(framed)
		if err != nil {
			r.log.Error("undecodable commit", "error", err)
			return ReasonMalformedFrame
		}

		for _, line := range strings.Split(string(payload), "\n") {
			if line == "" {
				continue
			}
			frame, err := protocol.ParseLine(line)
			if err != nil {
				continue
			}
			if r.metrics != nil {
				r.metrics.FramesReceived.WithLabelValues(frame.Keyword).Inc()
			}
			if err := r.dispatch(frame); err != nil {
				r.log.Error("malformed frame", "keyword", frame.Keyword, "error", err)
				return ReasonMalformedFrame
			}
		}
	}
}

func classifyReadError(err error) DisconnectReason {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonReadTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonPeerClosed
	}
	return ReasonSocketError
}

func (r *Receiver) writeLine(line string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	return r.conn.WriteMessage(websocket.TextMessage, []byte(line+"\n"))
}

// dispatch applies one frame. Unknown keywords are ignored so older
// parents survive newer children; malformed arguments on a known
// keyword terminate the connection.
func (r *Receiver) dispatch(f protocol.Frame) error {
	// a definition block ends at the first frame that is not part of
	// it; peers without replication never send the explicit terminator
	switch f.Keyword {
	case protocol.KeywordDimension, protocol.KeywordChartLabel,
		protocol.KeywordChartLabelStop, protocol.KeywordChartDefinitionEnd:
	default:
		r.flushPendingChart()
	}

	switch f.Keyword {
	case protocol.KeywordChart:
		return r.onChart(f.Args)
	case protocol.KeywordDimension:
		return r.onDimension(f.Args)
	case protocol.KeywordChartLabel:
		return r.onChartLabel(f.Args)
	case protocol.KeywordChartLabelStop:
		return nil
	case protocol.KeywordChartDefinitionEnd:
		return r.onChartDefinitionEnd(f.Args)
	case protocol.KeywordBegin:
		return r.onBeginV1(f.Args)
	case protocol.KeywordSet:
		return r.onSetV1(f.Args)
	case protocol.KeywordEnd:
		r.currentChart = nil
		return nil
	case protocol.KeywordBeginV2:
		return r.onBeginV2(f.Args)
	case protocol.KeywordSetV2:
		return r.onSetV2(f.Args)
	case protocol.KeywordEndV2:
		r.currentChart = nil
		return nil
	case protocol.KeywordLabel:
		return r.onHostLabel(f.Args)
	case protocol.KeywordOverwrite:
		r.sink.UpdateHostLabels(r.pendingHostLabels)
		r.pendingHostLabels = nil
		return nil
	case protocol.KeywordClaimedID:
		return r.onClaimedID(f.Args)
	case protocol.KeywordFunction:
		return r.onFunction(f.Args)
	case protocol.KeywordReportJobStatus:
		return r.onJobStatus(f.Args)
	case protocol.KeywordDeleteJob:
		if len(f.Args) < 3 {
			return fmt.Errorf("want 3 args, got %d", len(f.Args))
		}
		r.sink.JobDeleted(f.Args[0], f.Args[1], f.Args[2])
		return nil
	case protocol.KeywordDynCfgEnable:
		if len(f.Args) < 1 {
			return fmt.Errorf("missing plugin")
		}
		r.sink.DynCfgEnable(f.Args[0])
		return nil
	case protocol.KeywordDynCfgRegisterModule:
		if len(f.Args) < 3 {
			return fmt.Errorf("want 3 args, got %d", len(f.Args))
		}
		r.sink.DynCfgRegisterModule(f.Args[0], f.Args[1], f.Args[2])
		return nil
	case protocol.KeywordDynCfgRegisterJob:
		return r.onDynCfgRegisterJob(f.Args)
	case protocol.KeywordDynCfgReset:
		if len(f.Args) < 1 {
			return fmt.Errorf("missing plugin")
		}
		r.sink.DynCfgReset(f.Args[0])
		return nil
	case protocol.KeywordReplayBegin:
		if len(f.Args) < 1 {
			return fmt.Errorf("missing chart id")
		}
		r.replayChartID = f.Args[0]
		r.replayPoints = r.replayPoints[:0]
		return nil
	case protocol.KeywordReplaySet:
		return r.onReplaySet(f.Args)
	case protocol.KeywordReplayEnd:
		if r.replayChartID != "" && len(r.replayPoints) > 0 {
			r.sink.StoreBackfill(r.replayChartID, append([]Point(nil), r.replayPoints...))
		}
		r.replayPoints = r.replayPoints[:0]
		return nil
	case protocol.KeywordReplayDone:
		if len(f.Args) < 1 {
			return fmt.Errorf("missing chart id")
		}
		r.replication.Finish(f.Args[0])
		r.log.Debug("chart backfill finished", "chart", f.Args[0], "remaining", r.replication.InProgress())
		return nil
	default:
		r.log.Debug("ignoring unknown keyword", "keyword", f.Keyword)
		return nil
	}
}

// flushPendingChart hands the accumulated definition to the sink and
// registers it for sample decoding.
func (r *Receiver) flushPendingChart() *receiverChart {
	c := r.pendingChart
	if c == nil {
		return nil
	}
	r.pendingChart = nil

	rc := &receiverChart{chart: c, dims: make(map[string]*protocol.Dimension, len(c.Dimensions))}
	for i := range c.Dimensions {
		d := &c.Dimensions[i]
		rc.dims[d.ID] = d
		if d.Slot != 0 {
			r.dimsBySlot[d.Slot] = d
		}
	}
	r.charts[c.ID] = rc
	if c.Slot != 0 {
		r.chartsBySlot[c.Slot] = rc
	}
	r.sink.DefineChart(c)
	return rc
}

func (r *Receiver) onChart(args []string) error {
	slot, args, err := protocol.CutSlot(args, r.ints)
	if err != nil {
		return err
	}
	if len(args) < 9 {
		return fmt.Errorf("want at least 9 args, got %d", len(args))
	}
	priority, err := strconv.Atoi(args[7])
	if err != nil {
		return fmt.Errorf("bad priority %q", args[7])
	}
	updateEvery, err := strconv.Atoi(args[8])
	if err != nil {
		return fmt.Errorf("bad update_every %q", args[8])
	}

	c := &protocol.Chart{
		ID:          args[0],
		Title:       args[2],
		Units:       args[3],
		Family:      args[4],
		Context:     args[5],
		Type:        args[6],
		Priority:    priority,
		UpdateEvery: updateEvery,
		Slot:        slot,
	}
	if args[1] != "" {
		// the name travels without its type prefix
		typ, _, _ := strings.Cut(c.ID, ".")
		c.Name = typ + "." + args[1]
	}
	if len(args) > 9 {
		for _, flag := range strings.Fields(args[9]) {
			switch flag {
			case "obsolete":
				c.Obsolete = true
			case "detail":
				c.Detail = true
			case "store_first":
				c.StoreFirst = true
			case "hidden":
				c.Hidden = true
			}
		}
	}
	if len(args) > 10 {
		c.Plugin = args[10]
	}
	if len(args) > 11 {
		c.Module = args[11]
	}
	r.pendingChart = c
	return nil
}

func (r *Receiver) onDimension(args []string) error {
	if r.pendingChart == nil {
		return fmt.Errorf("dimension outside a chart definition")
	}
	slot, args, err := protocol.CutSlot(args, r.ints)
	if err != nil {
		return err
	}
	if len(args) < 5 {
		return fmt.Errorf("want at least 5 args, got %d", len(args))
	}
	multiplier, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("bad multiplier %q", args[3])
	}
	divisor, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return fmt.Errorf("bad divisor %q", args[4])
	}
	d := protocol.Dimension{
		ID:         args[0],
		Name:       args[1],
		Algorithm:  args[2],
		Multiplier: multiplier,
		Divisor:    divisor,
		Slot:       slot,
	}
	if len(args) > 5 {
		for _, flag := range strings.Fields(args[5]) {
			switch flag {
			case "obsolete":
				d.Obsolete = true
			case "hidden":
				d.Hidden = true
			case "noreset":
				d.NoReset = true
			}
		}
	}
	r.pendingChart.Dimensions = append(r.pendingChart.Dimensions, d)
	return nil
}

func (r *Receiver) onChartLabel(args []string) error {
	if r.pendingChart == nil {
		return fmt.Errorf("chart label outside a chart definition")
	}
	if len(args) < 3 {
		return fmt.Errorf("want 3 args, got %d", len(args))
	}
	source, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("bad label source %q", args[2])
	}
	r.pendingChart.Labels = append(r.pendingChart.Labels,
		protocol.Label{Name: args[0], Value: args[1], Source: source})
	return nil
}

// onChartDefinitionEnd flushes the definition and answers with the
// backfill request covering the gap between the child's retention and
// what is already stored locally.
func (r *Receiver) onChartDefinitionEnd(args []string) error {
	rc := r.flushPendingChart()
	if rc == nil {
		return fmt.Errorf("definition end without a chart definition")
	}
	if len(args) < 3 {
		return fmt.Errorf("want 3 args, got %d", len(args))
	}
	childFirst, err1 := strconv.ParseInt(args[0], 10, 64)
	childLast, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("bad retention window %v", args[:2])
	}

	if !r.caps.Has(protocol.CapReplication) {
		return nil
	}
	r.replication.Begin(rc.chart.ID)

	after, before := r.backfillWindow(rc.chart.ID, childFirst, childLast)
	if before <= after {
		after, before = 0, 0
	}
	// parent-to-child control frames travel as plain text, outside the
	// commit framing of the data direction
	var buf bytes.Buffer
	r.enc.ReplayChart(&buf, rc.chart.ID, true, after, before)
	return r.writeRaw(buf.Bytes())
}

// backfillWindow bounds the requested window by the local retention,
// the child's retention and the configured replication depth.
func (r *Receiver) backfillWindow(chartID string, childFirst, childLast int64) (after, before int64) {
	if childFirst == 0 || childLast == 0 {
		return 0, 0
	}
	_, localLast := r.sink.LocalRetention(chartID)
	after = localLast
	if floor := childLast - int64(r.cfg.ReplicationSeconds); after < floor {
		after = floor
	}
	if after < childFirst {
		after = childFirst
	}
	return after, childLast
}

func (r *Receiver) onBeginV1(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("want 2 args, got %d", len(args))
	}
	rc, ok := r.charts[args[0]]
	if !ok {
		return fmt.Errorf("samples for undefined chart %q", args[0])
	}
	usec, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad elapsed time %q", args[1])
	}
	if usec == 0 || rc.lastTimeUsec == 0 {
		rc.lastTimeUsec = time.Now().UnixMicro()
	} else {
		rc.lastTimeUsec += int64(usec)
	}
	r.currentChart = rc
	r.currentTime = time.UnixMicro(rc.lastTimeUsec)
	return nil
}

func (r *Receiver) onSetV1(args []string) error {
	if r.currentChart == nil {
		return fmt.Errorf("sample outside a batch")
	}
	// SET "dim" = value
	if len(args) < 3 || args[1] != "=" {
		return fmt.Errorf("want \"id = value\", got %v", args)
	}
	collected, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad collected value %q", args[2])
	}
	if _, ok := r.currentChart.dims[args[0]]; !ok {
		return fmt.Errorf("sample for undefined dimension %q", args[0])
	}
	r.sink.StoreSample(r.currentChart.chart.ID, args[0], r.currentTime,
		collected, float64(collected), protocol.SampleFlags{})
	return nil
}

func (r *Receiver) onBeginV2(args []string) error {
	slot, args, err := protocol.CutSlot(args, r.ints)
	if err != nil {
		return err
	}
	if len(args) < 4 {
		return fmt.Errorf("want 4 args, got %d", len(args))
	}
	var rc *receiverChart
	if slot != 0 {
		rc = r.chartsBySlot[slot]
	}
	if rc == nil {
		rc = r.charts[args[0]]
	}
	if rc == nil {
		return fmt.Errorf("samples for undefined chart %q", args[0])
	}
	pointTime, err := protocol.ParseUint64(r.ints, args[2])
	if err != nil {
		return fmt.Errorf("bad point time %q", args[2])
	}
	r.currentChart = rc
	r.currentTime = time.Unix(int64(pointTime), 0)
	return nil
}

func (r *Receiver) onSetV2(args []string) error {
	if r.currentChart == nil {
		return fmt.Errorf("sample outside a batch")
	}
	slot, args, err := protocol.CutSlot(args, r.ints)
	if err != nil {
		return err
	}
	if len(args) < 4 {
		return fmt.Errorf("want 4 args, got %d", len(args))
	}
	var dim *protocol.Dimension
	if slot != 0 {
		dim = r.dimsBySlot[slot]
	}
	if dim == nil {
		dim = r.currentChart.dims[args[0]]
	}
	if dim == nil {
		return fmt.Errorf("sample for undefined dimension %q", args[0])
	}
	collected, err := protocol.ParseInt64(r.ints, args[1])
	if err != nil {
		return fmt.Errorf("bad collected value %q", args[1])
	}
	value := float64(collected)
	if args[2] != "#" {
		value, err = protocol.ParseFloat(r.floats, args[2])
		if err != nil {
			return fmt.Errorf("bad interpolated value %q", args[2])
		}
	}
	r.sink.StoreSample(r.currentChart.chart.ID, dim.ID, r.currentTime,
		collected, value, protocol.ParseSampleFlags(args[3]))
	return nil
}

func (r *Receiver) onHostLabel(args []string) error {
	// LABEL "name" = source "value"
	if len(args) < 4 || args[1] != "=" {
		return fmt.Errorf("want \"name = source value\", got %v", args)
	}
	source, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("bad label source %q", args[2])
	}
	r.pendingHostLabels = append(r.pendingHostLabels,
		protocol.Label{Name: args[0], Value: args[3], Source: source})
	return nil
}

func (r *Receiver) onClaimedID(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("want 2 args, got %d", len(args))
	}
	claimID := args[1]
	if claimID == "NULL" {
		claimID = ""
	}
	r.sink.SetClaimedID(args[0], claimID)
	return nil
}

func (r *Receiver) onFunction(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("want 3 args, got %d", len(args))
	}
	timeout, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad timeout %q", args[1])
	}
	r.sink.AddFunction(args[0], timeout, args[2])
	return nil
}

func (r *Receiver) onJobStatus(args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("want at least 5 args, got %d", len(args))
	}
	state, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("bad job state %q", args[4])
	}
	reason := ""
	if len(args) > 5 {
		reason = args[5]
	}
	r.sink.JobStatus(args[0], args[1], args[2], args[3], state, reason)
	return nil
}

func (r *Receiver) onDynCfgRegisterJob(args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("want 5 args, got %d", len(args))
	}
	flags, err := strconv.ParseUint(args[4], 10, 32)
	if err != nil {
		return fmt.Errorf("bad job flags %q", args[4])
	}
	r.sink.DynCfgRegisterJob(args[0], args[1], args[2], args[3], uint32(flags))
	return nil
}

func (r *Receiver) onReplaySet(args []string) error {
	if r.replayChartID == "" {
		return fmt.Errorf("backfill point outside a batch")
	}
	if len(args) < 4 {
		return fmt.Errorf("want 4 args, got %d", len(args))
	}
	t, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad point time %q", args[1])
	}
	value, err := protocol.ParseFloat(r.floats, args[2])
	if err != nil {
		return fmt.Errorf("bad point value %q", args[2])
	}
	r.replayPoints = append(r.replayPoints, Point{
		Time: t, DimensionID: args[0], Value: value,
		Flags: protocol.ParseSampleFlags(args[3]),
	})
	return nil
}

func (r *Receiver) writeRaw(payload []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	return r.conn.WriteMessage(websocket.TextMessage, payload)
}
