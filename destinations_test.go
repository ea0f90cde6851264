package streampush

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestinations(t *testing.T) {
	l := ParseDestinations("parent1:19999 parent2:19999:SSL,parent3:19999")
	require.Equal(t, 3, l.Len())
	assert.Equal(t, []string{"parent1:19999", "parent2:19999", "parent3:19999"}, l.Addresses())

	d := l.NextEligible(time.Now())
	require.NotNil(t, d)
	assert.Equal(t, "parent1:19999", d.Address)
	assert.False(t, d.TLS)
}

func TestParseDestinationsSSLSuffix(t *testing.T) {
	l := ParseDestinations("parent:19999:SSL")
	d := l.NextEligible(time.Now())
	require.NotNil(t, d)
	assert.Equal(t, "parent:19999", d.Address)
	assert.True(t, d.TLS)
}

func TestSuccessfulDestinationMovesToBack(t *testing.T) {
	l := ParseDestinations("a b c")
	now := time.Now()

	// a fails, b succeeds
	first := l.NextEligible(now)
	assert.Equal(t, "a", first.Address)
	second := l.NextEligible(now)
	assert.Equal(t, "b", second.Address)
	l.MarkConnected(second)

	assert.Equal(t, []string{"a", "c", "b"}, l.Addresses())

	// the next reconnect prefers the ones that have not served recently
	next := l.NextEligible(now)
	assert.Equal(t, "a", next.Address)
}

func TestPostponeSkipsOnlyTheFailedDestination(t *testing.T) {
	l := ParseDestinations("a b")
	now := time.Now()

	d := l.NextEligible(now)
	require.NotNil(t, d)
	assert.Equal(t, "a", d.Address)
	l.Postpone(d, now, 5*time.Second)

	next := l.NextEligible(now)
	require.NotNil(t, next)
	assert.Equal(t, "b", next.Address)

	// both visited, both postponed: nothing to try right now
	l.Postpone(next, now, time.Millisecond)
	assert.Nil(t, l.NextEligible(now))

	// the shorter postpone expires first
	d = l.NextEligible(now.Add(time.Second))
	require.NotNil(t, d)
	assert.Equal(t, "b", d.Address)
}

func TestPostponeAllBlocksUntilDelayPasses(t *testing.T) {
	l := ParseDestinations("a b")
	now := time.Now()

	l.PostponeAll(now, 5*time.Second)
	assert.Nil(t, l.NextEligible(now))
	assert.Nil(t, l.NextEligible(now.Add(4*time.Second)))

	d := l.NextEligible(now.Add(6 * time.Second))
	require.NotNil(t, d)
	assert.Equal(t, "a", d.Address)
}

func TestNextEligibleCountsAttempts(t *testing.T) {
	l := ParseDestinations("a")
	now := time.Now()

	d := l.NextEligible(now)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempts())
	l.NextEligible(now)
	assert.Equal(t, 2, d.Attempts())
}
