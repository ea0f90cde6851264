package streampush

import (
	"strings"
	"sync"
	"time"
)

// Destination is one configured remote endpoint with its own retry
// bookkeeping, so a dead parent does not starve the others.
type Destination struct {
	Address string
	TLS     bool

	postponeUntil time.Time
	// tried marks the destination as visited in the current connect
	// round; a round ends on success or when every entry was visited.
	tried       bool
	attempts    int
	lastAttempt time.Time
}

// Attempts returns how many connects have been tried against this
// destination since startup.
func (d *Destination) Attempts() int { return d.attempts }

// DestinationList is the ordered, mutable ring of a host's configured
// parents. Order encodes preference; a destination that worked moves to
// the back so the others get a fair chance on the next reconnect.
type DestinationList struct {
	mu    sync.Mutex
	items []*Destination
}

// ParseDestinations builds a list from a multi-endpoint connection
// string: entries separated by spaces or commas, each optionally
// suffixed with ":SSL" to request TLS.
func ParseDestinations(spec string) *DestinationList {
	l := &DestinationList{}
	for _, entry := range strings.FieldsFunc(spec, func(r rune) bool {
		return r == ' ' || r == ','
	}) {
		d := &Destination{Address: entry}
		if addr, ok := strings.CutSuffix(entry, ":SSL"); ok {
			d.Address = addr
			d.TLS = true
		}
		l.items = append(l.items, d)
	}
	return l
}

// Len returns the number of configured destinations.
func (l *DestinationList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// NextEligible scans the ring in order and returns the first
// destination that is neither postponed nor already tried in the
// current round, recording the attempt. When the round visited every
// entry a fresh round starts. Nil when every destination is postponed.
func (l *DestinationList) NextEligible(now time.Time) *Destination {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := l.pick(now); d != nil {
		return d
	}
	for _, d := range l.items {
		d.tried = false
	}
	return l.pick(now)
}

func (l *DestinationList) pick(now time.Time) *Destination {
	for _, d := range l.items {
		if d.tried || d.postponeUntil.After(now) {
			continue
		}
		d.tried = true
		d.attempts++
		d.lastAttempt = now
		return d
	}
	return nil
}

// MarkConnected moves a successfully connected destination to the back
// of the ring and closes the round.
func (l *DestinationList) MarkConnected(d *Destination) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, item := range l.items {
		if item == d {
			l.items = append(append(l.items[:i:i], l.items[i+1:]...), d)
			break
		}
	}
	for _, item := range l.items {
		item.tried = false
	}
}

// Postpone pushes one destination's retry timestamp to now+delay after
// a failed connect against it. The other destinations stay eligible.
func (l *DestinationList) Postpone(d *Destination, now time.Time, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d.postponeUntil = now.Add(delay)
}

// PostponeAll pushes every destination's retry timestamp to now+delay
// and closes the round. Called on a deliberate disconnect, or when a
// full round failed, to prevent a hot reconnect loop.
func (l *DestinationList) PostponeAll(now time.Time, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := now.Add(delay)
	for _, d := range l.items {
		d.postponeUntil = until
		d.tried = false
	}
}

// Addresses returns the current ring order, for logs and tests.
func (l *DestinationList) Addresses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.items))
	for i, d := range l.items {
		out[i] = d.Address
	}
	return out
}
