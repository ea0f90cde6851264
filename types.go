package streampush

import (
	"time"

	"github.com/streamfleet/go-streampush/protocol"
)

// Identity is everything a host says about itself during a handshake
// and in its post-handshake metadata frames.
type Identity struct {
	Hostname         string
	RegistryHostname string
	MachineGUID      string

	// ClaimID is the cloud claim of this host, empty when unclaimed.
	ClaimID string

	OS             string
	Timezone       string
	AbbrevTimezone string
	UTCOffset      int

	// Hops is how many streaming relays this host's metrics have
	// already traversed; 0 for an origin collector.
	Hops int

	Labels     []protocol.Label
	Functions  []FunctionDef
	SystemInfo map[string]string
}

// FunctionDef is one callable function a host advertises upstream.
type FunctionDef struct {
	Name    string
	Timeout int
	Help    string
}

// Point is one stored sample, used for replication backfill.
type Point struct {
	Time        int64
	DimensionID string
	Value       float64
	Flags       protocol.SampleFlags
}

// ChartStore is the child-side storage collaborator: the sender asks
// it for retention bounds when exposing a chart and for historical
// samples when a parent requests backfill.
type ChartStore interface {
	// Retention returns the first and last retained timestamps of a
	// chart, in seconds. (0, 0) when nothing is stored.
	Retention(chartID string, now time.Time) (first, last int64)

	// QueryRange returns the stored points of a chart with
	// after < t <= before, ordered by time.
	QueryRange(chartID string, after, before int64) ([]Point, error)
}

// MetricSink is the parent-side collaborator the receiver applies
// decoded frames to. Implementations persist to local storage and may
// re-stream through their own sender (multi-hop fan-out).
type MetricSink interface {
	// DefineChart applies a complete chart definition, dimensions and
	// chart labels included.
	DefineChart(chart *protocol.Chart)

	// StoreSample applies one live point. While the chart's backfill
	// is still in progress the history around it is not yet gap-free.
	StoreSample(chartID, dimensionID string, t time.Time, collected int64, value float64, flags protocol.SampleFlags)

	// StoreBackfill applies one batch of replicated historical points.
	StoreBackfill(chartID string, points []Point)

	// LocalRetention returns the first and last timestamps already
	// stored locally for a chart, in seconds. (0, 0) when nothing is
	// stored; the receiver uses it to size the backfill request.
	LocalRetention(chartID string) (first, last int64)

	// UpdateHostLabels atomically replaces the host's labels.
	UpdateHostLabels(labels []protocol.Label)

	// SetClaimedID records the child's cloud claim.
	SetClaimedID(machineGUID, claimID string)

	// AddFunction records an advertised function.
	AddFunction(name string, timeout int, help string)

	// JobStatus, JobDeleted, DynCfgEnable, DynCfgRegisterModule,
	// DynCfgRegisterJob and DynCfgReset forward dynamic-configuration
	// state changes; the dyncfg subsystem owns their semantics.
	JobStatus(plugin, module, job, status string, state int, reason string)
	JobDeleted(plugin, module, job string)
	DynCfgEnable(plugin string)
	DynCfgRegisterModule(plugin, module, moduleType string)
	DynCfgRegisterJob(plugin, module, job, jobType string, flags uint32)
	DynCfgReset(plugin string)
}
