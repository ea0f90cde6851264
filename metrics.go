package streampush

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's observability surface. One instance is
// shared by every Sender/Receiver of a process.
type Metrics struct {
	CommitsTotal     *prometheus.CounterVec
	BytesTotal       *prometheus.CounterVec
	WireBytesTotal   prometheus.Counter
	DroppedCommits   prometheus.Counter
	ConnectAttempts  prometheus.Counter
	Disconnects      *prometheus.CounterVec
	ActiveReceivers  prometheus.Gauge
	AcceptDecisions  *prometheus.CounterVec
	FramesReceived   *prometheus.CounterVec
	ReplicationSends prometheus.Counter
}

// NewMetrics registers the engine's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampush_commits_total",
			Help: "Commits submitted by collectors, by traffic class.",
		}, []string{"class"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampush_commit_bytes_total",
			Help: "Uncompressed commit bytes, by traffic class.",
		}, []string{"class"}),
		WireBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "streampush_wire_bytes_total",
			Help: "Bytes written to the socket after compression.",
		}),
		DroppedCommits: f.NewCounter(prometheus.CounterOpts{
			Name: "streampush_dropped_commits_total",
			Help: "Commits dropped because the per-host byte budget was exhausted.",
		}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "streampush_connect_attempts_total",
			Help: "Outbound connection attempts.",
		}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampush_disconnects_total",
			Help: "Connection terminations, by classified reason.",
		}, []string{"reason"}),
		ActiveReceivers: f.NewGauge(prometheus.GaugeOpts{
			Name: "streampush_active_receivers",
			Help: "Inbound connections currently decoding.",
		}),
		AcceptDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampush_accept_decisions_total",
			Help: "Acceptance gate outcomes.",
		}, []string{"decision"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streampush_frames_received_total",
			Help: "Inbound frames, by keyword.",
		}, []string{"keyword"}),
		ReplicationSends: f.NewCounter(prometheus.CounterOpts{
			Name: "streampush_replication_batches_total",
			Help: "Backfill batches answered to replication requests.",
		}),
	}
}
