package streampush

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplicationMarkerTransitions(t *testing.T) {
	rc := NewReplicationCoordinator()

	assert.Equal(t, ReplicationNotStarted, rc.State("system.cpu"))

	assert.True(t, rc.Begin("system.cpu"))
	assert.Equal(t, ReplicationInProgress, rc.State("system.cpu"))
	assert.False(t, rc.Begin("system.cpu"), "re-opening an open window is a no-op")

	rc.Finish("system.cpu")
	assert.Equal(t, ReplicationFinished, rc.State("system.cpu"))

	// finishing twice must not corrupt the aggregate
	rc.Finish("system.cpu")
	assert.Equal(t, 0, rc.InProgress())
}

func TestFullyReplicatedAggregate(t *testing.T) {
	rc := NewReplicationCoordinator()
	assert.True(t, rc.FullyReplicated(), "no charts means nothing is pending")

	rc.Begin("system.cpu")
	rc.Begin("system.ram")
	assert.False(t, rc.FullyReplicated())
	assert.Equal(t, 2, rc.InProgress())

	rc.Finish("system.cpu")
	assert.False(t, rc.FullyReplicated())

	rc.Finish("system.ram")
	assert.True(t, rc.FullyReplicated())
}

func TestReplicationResetStartsOver(t *testing.T) {
	rc := NewReplicationCoordinator()
	rc.Begin("system.cpu")
	rc.Finish("system.cpu")
	rc.Begin("system.ram")

	rc.Reset()
	assert.True(t, rc.FullyReplicated())
	assert.Equal(t, ReplicationNotStarted, rc.State("system.cpu"))
	assert.Equal(t, ReplicationNotStarted, rc.State("system.ram"))
}
