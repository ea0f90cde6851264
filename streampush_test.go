package streampush

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/streamfleet/go-streampush/protocol"
)

// wsPair returns an in-process websocket connection pair, both sides
// closed on test cleanup.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server side never upgraded")
	}
	t.Cleanup(func() { _ = server.Close() })
	return client, server
}

type storedSample struct {
	chartID     string
	dimensionID string
	time        time.Time
	collected   int64
	value       float64
	flags       protocol.SampleFlags
}

// captureSink records everything the receiver applies, for assertions.
type captureSink struct {
	mu sync.Mutex

	charts    []*protocol.Chart
	samples   []storedSample
	backfills map[string][]Point
	labels    []protocol.Label
	claims    map[string]string
	functions map[string]int

	jobStatuses []string
	deletedJobs []string
	dyncfg      []string

	// localFirst/localLast is what LocalRetention reports, so tests
	// control the backfill window the receiver requests.
	localFirst, localLast int64
}

func newCaptureSink() *captureSink {
	return &captureSink{
		backfills: map[string][]Point{},
		claims:    map[string]string{},
		functions: map[string]int{},
	}
}

func (s *captureSink) DefineChart(chart *protocol.Chart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charts = append(s.charts, chart)
}

func (s *captureSink) StoreSample(chartID, dimensionID string, t time.Time, collected int64, value float64, flags protocol.SampleFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, storedSample{chartID, dimensionID, t, collected, value, flags})
}

func (s *captureSink) StoreBackfill(chartID string, points []Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backfills[chartID] = append(s.backfills[chartID], points...)
}

func (s *captureSink) LocalRetention(string) (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localFirst, s.localLast
}

func (s *captureSink) UpdateHostLabels(labels []protocol.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = labels
}

func (s *captureSink) SetClaimedID(machineGUID, claimID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[machineGUID] = claimID
}

func (s *captureSink) AddFunction(name string, timeout int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functions[name] = timeout
}

func (s *captureSink) JobStatus(plugin, module, job, status string, _ int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobStatuses = append(s.jobStatuses, plugin+"/"+module+"/"+job+"="+status)
}

func (s *captureSink) JobDeleted(plugin, module, job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedJobs = append(s.deletedJobs, plugin+"/"+module+"/"+job)
}

func (s *captureSink) DynCfgEnable(plugin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dyncfg = append(s.dyncfg, "enable:"+plugin)
}

func (s *captureSink) DynCfgRegisterModule(plugin, module, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dyncfg = append(s.dyncfg, "module:"+plugin+"/"+module)
}

func (s *captureSink) DynCfgRegisterJob(plugin, module, job, _ string, _ uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dyncfg = append(s.dyncfg, "job:"+plugin+"/"+module+"/"+job)
}

func (s *captureSink) DynCfgReset(plugin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dyncfg = append(s.dyncfg, "reset:"+plugin)
}

func (s *captureSink) chartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charts)
}

func (s *captureSink) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// memoryStore is a canned ChartStore for sender tests.
type memoryStore struct {
	mu     sync.Mutex
	first  int64
	last   int64
	points map[string][]Point
}

func (m *memoryStore) Retention(string, time.Time) (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first, m.last
}

func (m *memoryStore) QueryRange(chartID string, after, before int64) ([]Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Point
	for _, p := range m.points[chartID] {
		if p.Time > after && p.Time <= before {
			out = append(out, p)
		}
	}
	return out, nil
}
