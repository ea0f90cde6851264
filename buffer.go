package streampush

import (
	"sync"
	"time"
)

// TrafficClass tags a commit for observability accounting. It never
// affects delivery: commits are flushed strictly in submission order.
type TrafficClass int

const (
	TrafficMetadata TrafficClass = iota
	TrafficData
	TrafficReplication
	TrafficFunctions
	TrafficDynCfg
)

func (t TrafficClass) String() string {
	switch t {
	case TrafficMetadata:
		return "metadata"
	case TrafficData:
		return "data"
	case TrafficReplication:
		return "replication"
	case TrafficFunctions:
		return "functions"
	case TrafficDynCfg:
		return "dyncfg"
	default:
		return "unknown"
	}
}

type commit struct {
	payload []byte
	class   TrafficClass
}

// commitQueue is the bounded FIFO between collector threads and the
// sender goroutine. Collectors only append; the sender goroutine only
// pops. The bound is in bytes: a slow or dead connection must not grow
// memory without limit, so a full queue makes Push wait for space and
// give up at its deadline.
type commitQueue struct {
	mu       sync.Mutex
	commits  []commit
	bytes    int
	maxBytes int

	dataReady *event
	spaceFree *event
}

func newCommitQueue(maxBytes int) *commitQueue {
	q := &commitQueue{
		maxBytes:  maxBytes,
		dataReady: newEvent(),
		spaceFree: newEvent(),
	}
	q.spaceFree.Set()
	return q
}

// Push appends one commit, waiting until the deadline for space when
// the byte budget is exhausted. A zero timeout never waits.
func (q *commitQueue) Push(payload []byte, class TrafficClass, timeout time.Duration) error {
	var deadline time.Time
	if timeout != 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		q.mu.Lock()
		if q.bytes+len(payload) <= q.maxBytes || len(q.commits) == 0 {
			// an oversized single commit is admitted into an empty
			// queue rather than being undeliverable forever
			q.commits = append(q.commits, commit{payload: payload, class: class})
			q.bytes += len(payload)
			if q.bytes >= q.maxBytes {
				q.spaceFree.Clear()
			}
			q.dataReady.Set()
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		if deadline.IsZero() {
			return ErrBufferFull
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || !q.spaceFree.WaitFor(remaining) {
			return ErrBufferFull
		}
	}
}

// Pop removes the oldest commit, waiting up to the given duration for
// one to arrive.
func (q *commitQueue) Pop(wait time.Duration) (commit, bool) {
	if !q.dataReady.WaitFor(wait) {
		return commit{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.commits) == 0 {
		q.dataReady.Clear()
		return commit{}, false
	}
	c := q.commits[0]
	q.commits[0] = commit{}
	q.commits = q.commits[1:]
	q.bytes -= len(c.payload)
	if len(q.commits) == 0 {
		q.dataReady.Clear()
		// release the backing array once drained
		q.commits = nil
	}
	if q.bytes < q.maxBytes {
		q.spaceFree.Set()
	}
	return c, true
}

// Flush drops every queued commit. Used on reconnection: buffered data
// belongs to the previous connection and the peer will re-sync through
// replication.
func (q *commitQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commits = nil
	q.bytes = 0
	q.dataReady.Clear()
	q.spaceFree.Set()
}

// Buffered returns the queued byte count.
func (q *commitQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
