package tracer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hitushen/nettrace/internal/geo"
	"github.com/hitushen/nettrace/internal/models"
	"github.com/hitushen/nettrace/internal/realtime"
	"github.com/hitushen/nettrace/internal/store"
)

type scriptedTracer struct {
	mu    sync.Mutex
	calls map[string]int
	hops  map[string][]models.Hop
	fail  map[string]error
	boom  map[string]bool
	gate  chan struct{}
}

func newScriptedTracer() *scriptedTracer {
	return &scriptedTracer{
		calls: make(map[string]int),
		hops:  make(map[string][]models.Hop),
		fail:  make(map[string]error),
		boom:  make(map[string]bool),
	}
}

func (s *scriptedTracer) Trace(_ context.Context, ip string) ([]models.Hop, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.calls[ip]++
	hops, err, boom := s.hops[ip], s.fail[ip], s.boom[ip]
	s.mu.Unlock()
	if boom {
		panic("raw socket exploded")
	}
	return hops, err
}

func (s *scriptedTracer) count(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[ip]
}

type mapGeo struct {
	entries map[string]*models.GeoLocation
	limited map[string]bool
	calls   atomic.Int32
}

func (m *mapGeo) Lookup(_ context.Context, ip string) (*models.GeoLocation, error) {
	m.calls.Add(1)
	if m.limited[ip] {
		return nil, geo.ErrRateLimited
	}
	return m.entries[ip], nil
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) Publish(evt realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) traces() []models.TraceroutePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TraceroutePayload
	for _, e := range r.events {
		if e.Type == models.EventTracerouteResult {
			out = append(out, e.Payload.(models.TraceroutePayload))
		}
	}
	return out
}

type fixture struct {
	clock  *clock.Mock
	store  *store.Store
	queue  *Queue
	tracer *scriptedTracer
	geo    *mapGeo
	events *recorder
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	st, err := store.New(filepath.Join(t.TempDir(), "trace.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		clock:  clk,
		store:  st,
		queue:  NewQueue(nil),
		tracer: newScriptedTracer(),
		geo:    &mapGeo{entries: map[string]*models.GeoLocation{}, limited: map[string]bool{}},
		events: &recorder{},
	}
	f.worker = NewWorker(WorkerConfig{
		Queue:    f.queue,
		Tracer:   f.tracer,
		Geo:      f.geo,
		Store:    f.store,
		Notifier: f.events,
		Clock:    clk,
		Logger:   zaptest.NewLogger(t),
	})
	return f
}

func TestQueueDeduplicates(t *testing.T) {
	q := NewQueue(nil)
	assert.True(t, q.Enqueue("1.1.1.1"))
	assert.False(t, q.Enqueue("1.1.1.1"))
	assert.True(t, q.Enqueue("8.8.8.8"))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, StatePending, q.State("1.1.1.1"))

	ip, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "1.1.1.1", ip)
	assert.Equal(t, StateTracing, q.State(ip))
	assert.False(t, q.Enqueue(ip), "enqueue while tracing")

	q.Done(ip)
	assert.Equal(t, StateDone, q.State(ip))
	assert.False(t, q.Enqueue(ip), "enqueue after done")

	ip, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "8.8.8.8", ip)
	_, ok = q.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, StateUnknown, q.State("9.9.9.9"))
}

func TestQueueReadySignal(t *testing.T) {
	q := NewQueue(nil)
	q.Enqueue("1.1.1.1")
	q.Enqueue("8.8.8.8")
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}
	select {
	case <-q.Ready():
		t.Fatal("signal should coalesce")
	default:
	}
}

func TestProcessReachedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := "93.184.216.34"
	require.NoError(t, f.store.UpsertConnection(ctx, target, store.ConnectionUpdate{Port: 443, Protocol: "HTTPS"}))
	require.NoError(t, f.store.AddLatencySample(ctx, target, 30, f.clock.Now().Add(-time.Minute)))

	f.tracer.hops[target] = []models.Hop{
		{Distance: 1, Address: "192.168.1.1", AvgRTT: 1.2},
		{Distance: 5, Address: "4.69.0.1", AvgRTT: 9.5},
		{Distance: 9, Address: target, AvgRTT: 21.5},
	}
	targetGeo := &models.GeoLocation{Lat: 42.1, Lon: -71.2, City: "Norwell", Country: "US"}
	f.geo.entries["4.69.0.1"] = &models.GeoLocation{City: "Denver"}
	f.geo.entries[target] = targetGeo

	f.queue.Enqueue(target)
	ip, _ := f.queue.Dequeue()
	f.worker.Process(ctx, ip)

	assert.Equal(t, StateDone, f.queue.State(target))
	traces := f.events.traces()
	require.Len(t, traces, 1)
	res := traces[0]
	assert.Equal(t, target, res.Target)
	require.Len(t, res.Path, 3)
	assert.Nil(t, res.Path[0].GeoLocation)
	assert.Equal(t, "Denver", res.Path[1].City)
	assert.Equal(t, targetGeo, res.TargetGeo)
	require.NotNil(t, res.LatestRTT)
	assert.Equal(t, 21.5, *res.LatestRTT)
	require.Len(t, res.LatencyHistory, 2)
	assert.Equal(t, 30.0, res.LatencyHistory[0].RTT)
	assert.Equal(t, 21.5, res.LatencyHistory[1].RTT)

	conns, err := f.store.AllConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "Norwell", conns[0].Geo.City)
	assert.Equal(t, "HTTPS", conns[0].Protocol)
}

func TestProcessUnreachedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := "203.0.113.9"
	f.tracer.hops[target] = []models.Hop{{Distance: 1, Address: "10.0.0.1", AvgRTT: 0.8}}
	f.geo.limited[target] = true

	f.queue.Enqueue(target)
	ip, _ := f.queue.Dequeue()
	f.worker.Process(ctx, ip)

	traces := f.events.traces()
	require.Len(t, traces, 1)
	assert.Nil(t, traces[0].LatestRTT)
	assert.Nil(t, traces[0].TargetGeo)
	assert.Empty(t, traces[0].LatencyHistory)

	history, err := f.store.LatencyHistory(ctx, target, 20)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestProcessFailureEmitsNothing(t *testing.T) {
	f := newFixture(t)
	target := "198.51.100.4"
	f.tracer.fail[target] = errors.New("operation not permitted")

	f.queue.Enqueue(target)
	ip, _ := f.queue.Dequeue()
	f.worker.Process(context.Background(), ip)

	assert.Empty(t, f.events.traces())
	assert.Equal(t, StateDone, f.queue.State(target))
	assert.False(t, f.queue.Enqueue(target))
}

func TestProcessPanicMarksDone(t *testing.T) {
	f := newFixture(t)
	target := "198.51.100.5"
	f.tracer.boom[target] = true

	f.queue.Enqueue(target)
	ip, _ := f.queue.Dequeue()
	assert.NotPanics(t, func() { f.worker.Process(context.Background(), ip) })
	assert.Equal(t, StateDone, f.queue.State(target))
	assert.Empty(t, f.events.traces())
}

func TestRunTracesEachAddressOnce(t *testing.T) {
	f := newFixture(t)
	f.tracer.boom["198.51.100.5"] = true
	f.tracer.hops["1.1.1.1"] = []models.Hop{{Distance: 3, Address: "1.1.1.1", AvgRTT: 4}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.worker.Run(ctx)
		close(done)
	}()

	f.queue.Enqueue("198.51.100.5")
	f.queue.Enqueue("1.1.1.1")
	f.queue.Enqueue("1.1.1.1")

	assert.Eventually(t, func() bool {
		return f.queue.State("1.1.1.1") == StateDone && f.queue.State("198.51.100.5") == StateDone
	}, 2*time.Second, 5*time.Millisecond)

	f.queue.Enqueue("1.1.1.1")
	f.clock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, f.tracer.count("1.1.1.1"))
	assert.Equal(t, 1, f.tracer.count("198.51.100.5"))
	assert.Len(t, f.events.traces(), 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestEnqueueDuringTracingIsNoop(t *testing.T) {
	f := newFixture(t)
	f.tracer.gate = make(chan struct{})
	f.tracer.hops["8.8.8.8"] = []models.Hop{{Distance: 4, Address: "8.8.8.8", AvgRTT: 7}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.worker.Run(ctx) }()

	f.queue.Enqueue("8.8.8.8")
	assert.Eventually(t, func() bool { return f.queue.State("8.8.8.8") == StateTracing }, time.Second, time.Millisecond)
	assert.False(t, f.queue.Enqueue("8.8.8.8"))
	assert.Equal(t, 0, f.queue.Len())

	close(f.tracer.gate)
	assert.Eventually(t, func() bool { return f.queue.State("8.8.8.8") == StateDone }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.tracer.count("8.8.8.8"))
}
