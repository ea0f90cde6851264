package streampush

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamfleet/go-streampush/protocol"
)

// testChild drives the client side of a receiver test: it owns the
// negotiated encoder/compressor and frames commits the way a sender
// would.
type testChild struct {
	t    *testing.T
	conn *websocket.Conn
	caps protocol.Capabilities
	enc  *protocol.Encoder
	comp *protocol.Compressor
}

func startReceiverTest(t *testing.T, cfg *Config, sink MetricSink, childCaps protocol.Capabilities) (*testChild, *Receiver, chan DisconnectReason) {
	t.Helper()
	client, server := wsPair(t)

	req := &protocol.HandshakeRequest{
		Key:         testKey,
		Hostname:    "child-1",
		MachineGUID: testGUID,
		Version:     uint32(childCaps),
	}
	recv, err := NewReceiver(cfg, server, req, sink, nil, nil)
	require.NoError(t, err)

	result := make(chan DisconnectReason, 1)
	go func() { result <- recv.Run() }()

	// the acceptance line arrives before anything else
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, line, err := client.ReadMessage()
	require.NoError(t, err)
	mask, err := protocol.ParseHandshakeResponse(string(line))
	require.NoError(t, err)

	effective := protocol.Negotiate(childCaps, mask)
	comp, err := protocol.NewCompressor(protocol.SelectCompression(effective), cfg.CompressionLevels)
	require.NoError(t, err)

	return &testChild{
		t:    t,
		conn: client,
		caps: effective,
		enc:  protocol.NewEncoder(effective),
		comp: comp,
	}, recv, result
}

func (c *testChild) commit(build func(enc *protocol.Encoder, wb *bytes.Buffer)) {
	c.t.Helper()
	var wb bytes.Buffer
	build(c.enc, &wb)
	framed, err := c.comp.Compress(wb.Bytes())
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, framed))
}

func (c *testChild) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return strings.TrimRight(string(data), "\n")
}

func childCapsFull() protocol.Capabilities {
	return protocol.CapVCaps | protocol.CapHLabels | protocol.CapClaim |
		protocol.CapCLabels | protocol.CapFunctions | protocol.CapReplication |
		protocol.CapInterpolated | protocol.CapIEEE754 | protocol.CapDynCfg |
		protocol.CapZstd
}

func TestReceiverDecodesDefinitionAndSamples(t *testing.T) {
	cfg := DefaultConfig()
	sink := newCaptureSink()
	child, _, _ := startReceiverTest(t, &cfg, sink, childCapsFull())

	chart := &protocol.Chart{
		ID: "system.cpu", Title: "CPU", Units: "pct", Family: "cpu",
		Context: "system.cpu", Type: "system", Priority: 100, UpdateEvery: 1,
		Labels: []protocol.Label{{Name: "device", Value: "cpu0", Source: 2}},
		Dimensions: []protocol.Dimension{
			{ID: "user", Name: "user", Algorithm: "incremental", Multiplier: 1, Divisor: 1},
		},
	}
	child.commit(func(enc *protocol.Encoder, wb *bytes.Buffer) {
		enc.ChartDefinition(wb, chart)
		enc.ChartDefinitionEnd(wb, 0, 0, time.Now().Unix())
	})

	// the backfill answer arrives because replication is on
	frame, err := protocol.ParseLine(child.readLine())
	require.NoError(t, err)
	assert.Equal(t, protocol.KeywordReplayChart, frame.Keyword)

	pointTime := time.Now().Unix() - 1
	child.commit(func(enc *protocol.Encoder, wb *bytes.Buffer) {
		enc.BeginV2(wb, chart, pointTime, time.Now().Unix())
		enc.SetV2(wb, &chart.Dimensions[0], 42, 42.5, protocol.SampleFlags{Anomalous: true})
		enc.EndV2(wb)
	})

	require.Eventually(t, func() bool { return sink.sampleCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.charts, 1)
	assert.Equal(t, "system.cpu", sink.charts[0].ID)
	require.Len(t, sink.charts[0].Labels, 1)
	require.Len(t, sink.charts[0].Dimensions, 1)

	s := sink.samples[0]
	assert.Equal(t, "system.cpu", s.chartID)
	assert.Equal(t, "user", s.dimensionID)
	assert.Equal(t, pointTime, s.time.Unix())
	assert.Equal(t, int64(42), s.collected)
	assert.Equal(t, 42.5, s.value)
	assert.True(t, s.flags.Anomalous)
}

func TestReceiverBackfillWindowRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReplicationSeconds = 86400
	sink := newCaptureSink()
	sink.localLast = 150
	child, recv, _ := startReceiverTest(t, &cfg, sink, childCapsFull())

	chart := &protocol.Chart{
		ID: "system.cpu", Title: "CPU", Units: "pct", Family: "cpu",
		Context: "system.cpu", Type: "system", Priority: 100, UpdateEvery: 1,
		Dimensions: []protocol.Dimension{
			{ID: "user", Name: "user", Algorithm: "incremental", Multiplier: 1, Divisor: 1},
		},
	}
	child.commit(func(enc *protocol.Encoder, wb *bytes.Buffer) {
		enc.ChartDefinition(wb, chart)
		enc.ChartDefinitionEnd(wb, 100, 200, 200)
	})

	frame, err := protocol.ParseLine(child.readLine())
	require.NoError(t, err)
	require.Equal(t, protocol.KeywordReplayChart, frame.Keyword)
	// gap between what is stored locally (150) and the child's head (200)
	assert.Equal(t, []string{"system.cpu", "true", "150", "200"}, frame.Args)
	assert.False(t, recv.FullyReplicated())

	child.commit(func(enc *protocol.Encoder, wb *bytes.Buffer) {
		enc.ReplayBegin(wb, "system.cpu")
		enc.ReplaySet(wb, "user", 160, 1.5, protocol.SampleFlags{})
		enc.ReplaySet(wb, "user", 170, 2.5, protocol.SampleFlags{Reset: true})
		enc.ReplayEndBatch(wb)
		enc.ReplayDone(wb, "system.cpu", 100, 200)
	})

	require.Eventually(t, recv.FullyReplicated, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	points := sink.backfills["system.cpu"]
	require.Len(t, points, 2)
	assert.Equal(t, int64(160), points[0].Time)
	assert.Equal(t, 2.5, points[1].Value)
	assert.True(t, points[1].Flags.Reset)
}

func TestReceiverEmptyChildRetentionSkipsBackfill(t *testing.T) {
	cfg := DefaultConfig()
	sink := newCaptureSink()
	child, _, _ := startReceiverTest(t, &cfg, sink, childCapsFull())

	chart := &protocol.Chart{
		ID: "apps.mem", Title: "mem", Units: "kb", Family: "mem",
		Context: "apps.mem", Type: "apps", Priority: 100, UpdateEvery: 1,
		Dimensions: []protocol.Dimension{
			{ID: "a", Name: "a", Algorithm: "absolute", Multiplier: 1, Divisor: 1},
		},
	}
	child.commit(func(enc *protocol.Encoder, wb *bytes.Buffer) {
		enc.ChartDefinition(wb, chart)
		enc.ChartDefinitionEnd(wb, 0, 0, time.Now().Unix())
	})

	frame, err := protocol.ParseLine(child.readLine())
	require.NoError(t, err)
	require.Equal(t, protocol.KeywordReplayChart, frame.Keyword)
	assert.Equal(t, []string{"apps.mem", "true", "0", "0"}, frame.Args)
}

func TestReceiverMetadataFrames(t *testing.T) {
	cfg := DefaultConfig()
	sink := newCaptureSink()
	child, _, _ := startReceiverTest(t, &cfg, sink, childCapsFull())

	child.commit(func(enc *protocol.Encoder, wb *bytes.Buffer) {
		enc.ClaimedID(wb, testGUID, "")
		enc.HostLabel(wb, protocol.Label{Name: "_os", Value: "linux", Source: 8})
		enc.HostLabel(wb, protocol.Label{Name: "room", Value: "dc 1", Source: 1})
		enc.OverwriteLabels(wb)
		enc.Function(wb, "processes", 10, "top-like process list")
		enc.JobStatus(wb, "go.d", "postgres", "local", "running", 0, "")
		enc.DynCfgEnable(wb, "go.d")
	})

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.labels) == 2 && len(sink.dyncfg) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "", sink.claims[testGUID], "NULL claim decodes to empty")
	assert.Equal(t, "dc 1", sink.labels[1].Value, "quoted label values keep their spaces")
	assert.Equal(t, 10, sink.functions["processes"])
	assert.Equal(t, []string{"go.d/postgres/local=running"}, sink.jobStatuses)
	assert.Equal(t, []string{"enable:go.d"}, sink.dyncfg)
}

func TestReceiverIgnoresUnknownKeywords(t *testing.T) {
	cfg := DefaultConfig()
	sink := newCaptureSink()
	child, _, result := startReceiverTest(t, &cfg, sink, childCapsFull())

	framed, err := child.comp.Compress([]byte("FANCY_FUTURE_FRAME arg1 arg2\n"))
	require.NoError(t, err)
	require.NoError(t, child.conn.WriteMessage(websocket.BinaryMessage, framed))

	// the connection stays up and later frames still decode
	child.commit(func(enc *protocol.Encoder, wb *bytes.Buffer) {
		enc.ClaimedID(wb, testGUID, "claim-1")
	})
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.claims[testGUID] == "claim-1"
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case reason := <-result:
		t.Fatalf("receiver terminated on an unknown keyword: %v", reason)
	default:
	}
}

func TestReceiverTerminatesOnMalformedKnownFrame(t *testing.T) {
	cfg := DefaultConfig()
	sink := newCaptureSink()
	child, _, result := startReceiverTest(t, &cfg, sink, childCapsFull())

	framed, err := child.comp.Compress([]byte("CLAIMED_ID\n"))
	require.NoError(t, err)
	require.NoError(t, child.conn.WriteMessage(websocket.BinaryMessage, framed))

	select {
	case reason := <-result:
		assert.Equal(t, ReasonMalformedFrame, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not terminate")
	}
}

func TestReceiverPeerCloseClassification(t *testing.T) {
	cfg := DefaultConfig()
	sink := newCaptureSink()
	child, _, result := startReceiverTest(t, &cfg, sink, childCapsFull())

	require.NoError(t, child.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case reason := <-result:
		assert.Equal(t, ReasonPeerClosed, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not terminate")
	}
}

func TestReceiverStopReason(t *testing.T) {
	cfg := DefaultConfig()
	sink := newCaptureSink()
	_, recv, result := startReceiverTest(t, &cfg, sink, childCapsFull())

	recv.Stop(ReasonHostCleanup)
	select {
	case reason := <-result:
		assert.Equal(t, ReasonHostCleanup, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestReceiverV1TimeReconstruction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReplicationEnabled = false
	sink := newCaptureSink()
	// a legacy child: numbered protocol, no interpolation
	child, _, _ := startReceiverTest(t, &cfg, sink, protocol.FromVersion(4))

	chart := &protocol.Chart{
		ID: "system.load", Title: "load", Units: "load", Family: "load",
		Context: "system.load", Type: "system", Priority: 100, UpdateEvery: 1,
		Dimensions: []protocol.Dimension{
			{ID: "load1", Name: "load1", Algorithm: "absolute", Multiplier: 1, Divisor: 1000},
		},
	}
	child.commit(func(enc *protocol.Encoder, wb *bytes.Buffer) {
		enc.ChartDefinition(wb, chart)
		// resync batch, then one a second later
		enc.BeginV1(wb, "system.load", 0)
		enc.SetV1(wb, "load1", 1500)
		enc.EndV1(wb)
		enc.BeginV1(wb, "system.load", 1000000)
		enc.SetV1(wb, "load1", 1700)
		enc.EndV1(wb)
	})

	require.Eventually(t, func() bool { return sink.sampleCount() == 2 },
		5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	first, second := sink.samples[0], sink.samples[1]
	assert.Equal(t, int64(1500), first.collected)
	assert.Equal(t, int64(1700), second.collected)
	assert.Equal(t, time.Second, second.time.Sub(first.time),
		"elapsed microseconds advance the reconstructed clock")
}
