package streampush

import (
	"sync"
	"time"
)

// event is a settable, clearable flag that goroutines can wait on. The
// commit queue uses two of them: one for "data available" (sender side)
// and one for "space available" (collector side).
type event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

// Set raises the flag and wakes every waiter.
func (e *event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	e.set = true
	close(e.ch)
}

// Clear lowers the flag. Future waits block until the next Set.
func (e *event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

// IsSet reports the flag without waiting.
func (e *event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// WaitFor blocks until the flag is set or the duration elapses,
// reporting whether the flag was set.
func (e *event) WaitFor(d time.Duration) bool {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return true
	}
	ch := e.ch
	e.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
