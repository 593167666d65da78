package remote

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gradsim/internal/engine"
	"github.com/roach88/gradsim/internal/registry"
	"github.com/roach88/gradsim/internal/store"
	"github.com/roach88/gradsim/internal/telemetry"
	"github.com/roach88/gradsim/internal/testutil"
)

// memTransport is an in-memory Transport. Lines fed through in are read by
// the session; everything the session writes is collected in order.
type memTransport struct {
	in chan []byte

	mu     sync.Mutex
	out    []string
	closed bool
}

func newMemTransport(lines ...string) *memTransport {
	t := &memTransport{in: make(chan []byte, len(lines)+16)}
	for _, l := range lines {
		t.in <- []byte(l)
	}
	return t
}

func (t *memTransport) ReadLine() ([]byte, error) {
	line, ok := <-t.in
	if !ok {
		return nil, io.EOF
	}
	return line, nil
}

func (t *memTransport) WriteLine(line []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, string(line))
	return nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *memTransport) RemoteAddr() string { return "mem" }

func (t *memTransport) written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.out...)
}

func newTestSession(t *testing.T, reg *registry.Registry, opts ...SessionOption) (*Session, *memTransport) {
	t.Helper()
	tr := newMemTransport()
	s := NewSession("sess-1", tr, reg, Config{}, opts...)
	return s, tr
}

func enqueue(t *testing.T, s *Session, lines ...string) {
	t.Helper()
	for _, l := range lines {
		require.True(t, s.Inbox().Enqueue(context.Background(), []byte(l)))
	}
}

func TestSession_CreateSourceStepPushesState(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":5}}`,
		`{"op":"setSource","data":{"nodeId":0}}`,
		`{"op":"step","data":{"stepCount":1}}`,
	)
	assert.Equal(t, 3, s.Poll(10))

	out := tr.written()
	require.Len(t, out, 1, "only step pushes state")
	assert.Equal(t, `{"values":[{"value":0,"neighbors":[1]},{"value":0,"neighbors":[0]}]}`, out[0])
}

func TestSession_InvalidJSONYieldsOneErrorAndStaysUsable(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s,
		`this is not json`,
		`{"op":"createSim","data":{"nodeCount":1,"maxDistance":1}}`,
		`{"op":"step"}`,
	)
	s.Poll(10)

	out := tr.written()
	require.Len(t, out, 2)
	assert.Contains(t, out[0], `{"error":"MALFORMED_MESSAGE: invalid JSON`)
	assert.Equal(t, `{"values":[{"value":null,"neighbors":[]}]}`, out[1])
}

func TestSession_CommandBeforeCreateSim(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s,
		`{"op":"setSource","data":{"nodeId":0}}`,
		`{"op":"newPosition","data":{"nodeId":0,"x":0,"y":0,"z":0}}`,
		`{"op":"step"}`,
	)
	s.Poll(10)

	assert.Equal(t, []string{
		`{"error":"UNKNOWN_HANDLE: setSource before createSim"}`,
		`{"error":"UNKNOWN_HANDLE: newPosition before createSim"}`,
		`{"error":"UNKNOWN_HANDLE: step before createSim"}`,
	}, tr.written())
}

func TestSession_OutOfRangeNodeReportsError(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":1}}`,
		`{"op":"setSource","data":{"nodeId":7}}`,
	)
	s.Poll(10)

	out := tr.written()
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "OUT_OF_RANGE")
	assert.Contains(t, out[0], "(node=7)")
}

func TestSession_StepCountLimits(t *testing.T) {
	reg := registry.New()
	tr := newMemTransport()
	s := NewSession("sess-1", tr, reg, Config{MaxStepCount: 5})

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":1,"maxDistance":1}}`,
		`{"op":"step","data":{"stepCount":6}}`,
		`{"op":"step","data":{"stepCount":-1}}`,
		`{"op":"step","data":{"stepCount":5}}`,
	)
	s.Poll(10)

	out := tr.written()
	require.Len(t, out, 3)
	assert.Contains(t, out[0], "stepCount 6 exceeds limit 5")
	assert.Contains(t, out[1], "stepCount must be non-negative")
	assert.Contains(t, out[2], `"values"`)
}

func TestSession_NodeCountLimits(t *testing.T) {
	reg := registry.New()
	tr := newMemTransport()
	s := NewSession("sess-1", tr, reg, Config{MaxNodeCount: 8})

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":9,"maxDistance":1}}`,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":5}}`,
		`{"op":"step","data":{"stepCount":1}}`,
	)
	s.Poll(10)

	out := tr.written()
	require.Len(t, out, 2)
	assert.Equal(t, `{"error":"INVALID_ARGUMENT: nodeCount 9 exceeds limit 8"}`, out[0])
	assert.Contains(t, out[1], `"values"`)
	assert.Equal(t, 1, reg.Len())
}

func TestSession_HugeNodeCountIsAnError(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":1000000000000000,"maxDistance":1}}`,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":5}}`,
	)
	assert.Equal(t, 2, s.Poll(10))

	out := tr.written()
	require.Len(t, out, 1)
	assert.Contains(t, out[0], `{"error":"INVALID_ARGUMENT: nodeCount 1000000000000000 exceeds limit`)

	e, err := reg.Lookup(s.Handle())
	require.NoError(t, err)
	assert.Equal(t, 2, e.NodeCount())
}

func TestSession_StepZeroPushesCurrentState(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":1}}`,
		`{"op":"setSource","data":{"nodeId":1}}`,
		`{"op":"step","data":{"stepCount":0}}`,
	)
	s.Poll(10)

	out := tr.written()
	require.Len(t, out, 1)
	assert.Equal(t, `{"values":[{"value":null,"neighbors":[1]},{"value":0,"neighbors":[0]}]}`, out[0])
}

func TestSession_MobilityOverTheWire(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":3,"maxDistance":3.5}}`,
		`{"op":"newPosition","data":{"nodeId":1,"x":0,"y":3,"z":0}}`,
		`{"op":"newPosition","data":{"nodeId":2,"x":0,"y":6,"z":0}}`,
		`{"op":"setSource","data":{"nodeId":0}}`,
		`{"op":"step","data":{"stepCount":1}}`,
		`{"op":"step","data":{"stepCount":1}}`,
	)
	s.Poll(10)

	out := tr.written()
	require.Len(t, out, 2)
	assert.Equal(t, `{"values":[{"value":0,"neighbors":[1]},{"value":3,"neighbors":[0,2]},{"value":null,"neighbors":[1]}]}`, out[0])
	assert.Equal(t, `{"values":[{"value":0,"neighbors":[1]},{"value":3,"neighbors":[0,2]},{"value":6,"neighbors":[1]}]}`, out[1])
}

func TestSession_CreateSimReplacesEngine(t *testing.T) {
	reg := registry.New()
	s, _ := newTestSession(t, reg)

	enqueue(t, s, `{"op":"createSim","data":{"nodeCount":2,"maxDistance":1}}`)
	s.Poll(1)
	first := s.Handle()
	require.NotEqual(t, registry.Invalid, first)

	enqueue(t, s, `{"op":"createSim","data":{"nodeCount":4,"maxDistance":1}}`)
	s.Poll(1)
	second := s.Handle()

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, reg.Len(), "the replaced engine is destroyed")
	_, err := reg.Lookup(first)
	assert.True(t, engine.IsUnknownHandle(err))

	e, err := reg.Lookup(second)
	require.NoError(t, err)
	assert.Equal(t, 4, e.NodeCount())
}

func TestSession_InvalidCreateKeepsPreviousEngine(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":1}}`,
		`{"op":"createSim","data":{"nodeCount":-3,"maxDistance":1}}`,
	)
	s.Poll(10)
	h := s.Handle()

	out := tr.written()
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "INVALID_ARGUMENT")
	assert.Equal(t, registry.Handle(1), h)
	assert.Equal(t, 1, reg.Len())
}

func TestSession_PollIsBounded(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s, `{"op":"createSim","data":{"nodeCount":1,"maxDistance":1}}`)
	for i := 0; i < 5; i++ {
		enqueue(t, s, `{"op":"step"}`)
	}

	assert.Equal(t, 2, s.Poll(2))
	assert.Len(t, tr.written(), 1)
	assert.Equal(t, 4, s.Inbox().Len())

	assert.Equal(t, 4, s.Poll(10))
	assert.Len(t, tr.written(), 5)
	assert.Equal(t, 0, s.Poll(10))
}

func TestSession_CloseDestroysEngine(t *testing.T) {
	reg := registry.New()
	s, tr := newTestSession(t, reg)

	enqueue(t, s, `{"op":"createSim","data":{"nodeCount":1,"maxDistance":1}}`)
	s.Poll(1)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, registry.Invalid, s.Handle())
	assert.True(t, tr.closed)
}

func TestSession_ReceiveThenRun(t *testing.T) {
	reg := registry.New()
	tr := newMemTransport(
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":5}}`,
		``,
		`{"op":"setSource","data":{"nodeId":0}}`,
		`{"op":"step","data":{"stepCount":1}}`,
	)
	close(tr.in)

	s := NewSession("sess-1", tr, reg, Config{TickInterval: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Receive(ctx))
	require.NoError(t, s.Run(ctx))

	out := tr.written()
	require.Len(t, out, 1, "blank lines are skipped")
	assert.Contains(t, out[0], `"values"`)
}

func TestSession_RunStopsOnContext(t *testing.T) {
	reg := registry.New()
	s, _ := newTestSession(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

func TestSession_Metrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := NewMetrics(promReg)
	reg := registry.New()
	s, _ := newTestSession(t, reg, WithMetrics(m))

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":1,"maxDistance":1}}`,
		`{"op":"step"}`,
		`{"op":"step"}`,
		`garbage`,
	)
	s.Poll(10)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.commands.WithLabelValues(OpCreateSim)))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.commands.WithLabelValues(OpStep)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.errors.WithLabelValues(string(engine.ErrCodeMalformedMessage))))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.statePushes))
}

type fakeRecorder struct {
	mu        sync.Mutex
	runs      []string
	rounds    []int64
	snapshots int
}

func (r *fakeRecorder) WriteRun(_ context.Context, run store.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run.ID)
	return nil
}

func (r *fakeRecorder) WriteSnapshot(_ context.Context, _ string, round int64, _ engine.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = append(r.rounds, round)
	r.snapshots++
	return nil
}

func TestSession_RecordsRunsAndSnapshots(t *testing.T) {
	rec := &fakeRecorder{}
	reg := registry.New()
	s, _ := newTestSession(t, reg, WithRecorder(rec))

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":1}}`,
		`{"op":"step","data":{"stepCount":2}}`,
		`{"op":"step","data":{"stepCount":3}}`,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":1}}`,
		`{"op":"step"}`,
	)
	s.Poll(10)

	assert.Equal(t, []string{"sess-1/1", "sess-1/2"}, rec.runs)
	assert.Equal(t, []int64{2, 5, 1}, rec.rounds)
}

func TestSession_RecordsIntoSQLite(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer st.Close()

	reg := registry.New()
	s, _ := newTestSession(t, reg, WithRecorder(st))
	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":2,"maxDistance":5}}`,
		`{"op":"setSource","data":{"nodeId":0}}`,
		`{"op":"step","data":{"stepCount":1}}`,
	)
	s.Poll(10)

	snaps, err := st.ReadSnapshots(context.Background(), "sess-1/1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].Round)
	assert.Equal(t, 0.0, snaps[0].State.Nodes[1].Value)

	run, err := st.ReadRun(context.Background(), "sess-1/1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", run.SessionID)
}

func TestSession_TimesStepService(t *testing.T) {
	sink := &collectSink{}
	clock := testutil.NewStepClock(time.Unix(0, 0), time.Millisecond)
	reg := registry.New()
	s, _ := newTestSession(t, reg, WithTiming(sink, clock))

	enqueue(t, s,
		`{"op":"createSim","data":{"nodeCount":1,"maxDistance":1}}`,
		`{"op":"step"}`,
	)
	s.Poll(10)

	require.Equal(t, []string{telemetry.EventStepService}, sink.ids)
}

type collectSink struct {
	mu  sync.Mutex
	ids []string
}

func (c *collectSink) Record(id string, _, _ time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}
