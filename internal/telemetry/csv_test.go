package telemetry

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVSink_HeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	t0 := time.Unix(100, 0)
	s, err := NewCSVSink(&buf, t0)
	require.NoError(t, err)
	assert.Equal(t, "t_ns,id,duration_ns\n", buf.String(), "header is written immediately")

	s.Record(EventStepCompute, t0.Add(time.Millisecond), t0.Add(3*time.Millisecond))
	s.Record(EventStepService, t0, t0.Add(4*time.Millisecond))
	require.NoError(t, s.Close())

	assert.Equal(t, strings.Join([]string{
		"t_ns,id,duration_ns",
		"3000000,step.compute,2000000",
		"4000000,step.service,4000000",
	}, "\n")+"\n", buf.String())
}

func TestCSVSink_FlushesEveryN(t *testing.T) {
	var buf bytes.Buffer
	t0 := time.Unix(0, 0)
	s, err := NewCSVSink(&buf, t0)
	require.NoError(t, err)
	header := buf.Len()

	for i := 0; i < DefaultFlushEvery-1; i++ {
		s.Record("e", t0, t0)
	}
	assert.Equal(t, header, buf.Len(), "rows stay buffered below the flush threshold")

	s.Record("e", t0, t0)
	assert.Greater(t, buf.Len(), header)
	require.NoError(t, s.Close())
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	if w.n > 1 {
		return 0, errors.New("disk full")
	}
	return len(p), nil
}

func TestCSVSink_FlushWritesPendingRows(t *testing.T) {
	var buf bytes.Buffer
	t0 := time.Unix(0, 0)
	s, err := NewCSVSink(&buf, t0)
	require.NoError(t, err)
	header := buf.Len()

	s.Record(EventStepCompute, t0, t0.Add(time.Microsecond))
	assert.Equal(t, header, buf.Len(), "row stays buffered")

	require.NoError(t, s.Flush())
	assert.Contains(t, buf.String(), "1000,step.compute,1000\n")

	// The sink keeps accepting rows after a flush.
	s.Record(EventStepService, t0, t0.Add(2*time.Microsecond))
	require.NoError(t, s.Close())
	assert.Contains(t, buf.String(), "2000,step.service,2000\n")
}

func TestCSVSink_KeepsFirstError(t *testing.T) {
	s, err := NewCSVSink(&failingWriter{}, time.Unix(0, 0))
	require.NoError(t, err)

	start := time.Unix(0, 0)
	for i := 0; i < DefaultFlushEvery+5; i++ {
		s.Record("e", start, start)
	}
	assert.EqualError(t, s.Close(), "disk full")
}

func TestOpenCSVSink_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timing.csv")
	s, err := OpenCSVSink(path)
	require.NoError(t, err)

	now := time.Now()
	s.Record(EventStepCompute, now, now.Add(time.Microsecond))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[1], ",step.compute,1000"), lines[1])
}

func TestOpenCSVSink_BadPath(t *testing.T) {
	_, err := OpenCSVSink(filepath.Join(t.TempDir(), "missing", "timing.csv"))
	assert.Error(t, err)
}
