package streampush

import "sync"

// ReplicationState is the per-chart, per-direction backfill marker.
type ReplicationState int

const (
	// ReplicationNotStarted: the chart has not been exposed on this
	// connection yet.
	ReplicationNotStarted ReplicationState = iota
	// ReplicationInProgress: the backfill window is open; live-sample
	// frames for the chart are withheld on the sending side.
	ReplicationInProgress
	// ReplicationFinished: backfill is complete, live frames flow.
	ReplicationFinished
)

// ReplicationCoordinator tracks backfill progress for the charts of one
// host on one connection. The host-level aggregate ("fully replicated")
// flips only when no chart is in progress; the sender uses it to decide
// whether live frames may flow at all, the receiver to know when the
// persisted history became gap-free.
type ReplicationCoordinator struct {
	mu         sync.Mutex
	charts     map[string]ReplicationState
	inProgress int
}

// NewReplicationCoordinator returns an empty coordinator.
func NewReplicationCoordinator() *ReplicationCoordinator {
	return &ReplicationCoordinator{charts: map[string]ReplicationState{}}
}

// Begin opens (or re-opens) a chart's backfill window. Reports whether
// the chart entered the in-progress state with this call.
func (rc *ReplicationCoordinator) Begin(chartID string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.charts[chartID] == ReplicationInProgress {
		return false
	}
	rc.charts[chartID] = ReplicationInProgress
	rc.inProgress++
	return true
}

// Finish closes a chart's backfill window.
func (rc *ReplicationCoordinator) Finish(chartID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.charts[chartID] != ReplicationInProgress {
		return
	}
	rc.charts[chartID] = ReplicationFinished
	rc.inProgress--
}

// State returns a chart's marker.
func (rc *ReplicationCoordinator) State(chartID string) ReplicationState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.charts[chartID]
}

// InProgress returns the count of charts still backfilling.
func (rc *ReplicationCoordinator) InProgress() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.inProgress
}

// FullyReplicated reports the host-level aggregate: no chart is
// currently backfilling.
func (rc *ReplicationCoordinator) FullyReplicated() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.inProgress == 0
}

// Reset drops all markers. Called when a connection is torn down:
// every chart starts over on the next connection.
func (rc *ReplicationCoordinator) Reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.charts = map[string]ReplicationState{}
	rc.inProgress = 0
}
