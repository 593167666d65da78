package abi

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gradsim/internal/codec"
	"github.com/roach88/gradsim/internal/registry"
	"github.com/roach88/gradsim/internal/telemetry"
)

func newShim(t *testing.T, opts ...Option) *Shim {
	t.Helper()
	reg := registry.New()
	t.Cleanup(reg.Close)
	return New(reg, opts...)
}

// placeLine puts count nodes on the y axis, spacing apart.
func placeLine(s *Shim, h int32, count int32, spacing float64) {
	for id := int32(0); id < count; id++ {
		s.UpdatePosition(h, id, 0, spacing*float64(id), 0)
	}
}

func TestShim_ThreeNodeLine(t *testing.T) {
	s := newShim(t)
	h := s.Create(3, 3.5)
	require.NotZero(t, h)

	placeLine(s, h, 3, 3)
	s.SetSource(h, 0, true)

	s.Step(h, 1)
	assert.Equal(t, 0.0, s.GetValue(h, 0))
	assert.Equal(t, 3.0, s.GetValue(h, 1))
	assert.True(t, math.IsInf(s.GetValue(h, 2), 1))

	s.Step(h, 1)
	assert.Equal(t, 6.0, s.GetValue(h, 2))

	assert.Equal(t, []int32{0, 2}, s.GetNeighborhood(h, 1))
}

func TestShim_CreateFailureReturnsZero(t *testing.T) {
	s := newShim(t)
	assert.Equal(t, int32(0), s.Create(-3, 1))
	assert.Equal(t, int32(0), s.Create(3, math.NaN()))
}

func TestShim_CreateRespectsMaxNodeCount(t *testing.T) {
	s := newShim(t, WithMaxNodeCount(4))

	assert.Equal(t, int32(0), s.Create(5, 1))
	h := s.Create(4, 1)
	require.NotZero(t, h)
	assert.Equal(t, 1, s.reg.Len())

	buf := s.StepAndGetState(h, 1)
	require.NotNil(t, buf)
	assert.NoError(t, buf.Release())
}

func TestShim_CreateAfterFailureStillWorks(t *testing.T) {
	s := newShim(t)

	assert.Equal(t, int32(0), s.Create(-1, 1))
	h := s.Create(2, 5)
	require.NotZero(t, h)
	s.SetSource(h, 0, true)
	s.Step(h, 1)
	assert.Equal(t, 0.0, s.GetValue(h, 1))
}

func TestShim_UnknownHandleSentinels(t *testing.T) {
	s := newShim(t)
	h := s.Create(2, 1)
	s.Destroy(h)

	for _, handle := range []int32{h, 0, -5, 12345} {
		assert.NotPanics(t, func() {
			s.SetSource(handle, 0, true)
			s.ClearSources(handle)
			s.Step(handle, 3)
			s.UpdatePosition(handle, 0, 1, 2, 3)
			s.Destroy(handle)
		})
		assert.True(t, math.IsInf(s.GetValue(handle, 0), 1))
		assert.Nil(t, s.GetNeighborhood(handle, 0))
		assert.Nil(t, s.StepAndGetState(handle, 1))
	}
}

func TestShim_OutOfRangeSentinels(t *testing.T) {
	s := newShim(t)
	h := s.Create(2, 10)
	s.SetSource(h, 0, true)
	s.Step(h, 1)

	assert.True(t, math.IsInf(s.GetValue(h, 2), 1))
	assert.True(t, math.IsInf(s.GetValue(h, -1), 1))
	assert.Nil(t, s.GetNeighborhood(h, 9))

	assert.NotPanics(t, func() {
		s.SetSource(h, 42, true)
		s.UpdatePosition(h, 42, 0, 0, 0)
	})
	assert.Equal(t, 0.0, s.GetValue(h, 1), "valid nodes unaffected")
}

func TestShim_EmptyNeighborhoodIsNil(t *testing.T) {
	s := newShim(t)
	h := s.Create(2, 1)
	s.UpdatePosition(h, 1, 10, 0, 0)

	assert.Nil(t, s.GetNeighborhood(h, 0))
}

func TestShim_StepAndGetState(t *testing.T) {
	s := newShim(t)
	h := s.Create(3, 3.5)
	placeLine(s, h, 3, 3)
	s.SetSource(h, 0, true)

	buf := s.StepAndGetState(h, 2)
	require.NotNil(t, buf)

	state, err := codec.Decode(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, state.Nodes, 3)
	assert.Equal(t, 6.0, state.Nodes[2].Value)
	assert.Equal(t, []int{0, 2}, state.Nodes[1].Neighbors)

	require.NoError(t, buf.Release())
	assert.ErrorIs(t, buf.Release(), codec.ErrAlreadyReleased)
}

func TestShim_StepAndGetStateRecordsTiming(t *testing.T) {
	sink := &recordingSink{}
	s := newShim(t, WithMeasurer(telemetry.NewMeasurer(sink, nil)))
	h := s.Create(4, 1)

	buf := s.StepAndGetState(h, 1)
	require.NotNil(t, buf)
	defer buf.Release()

	assert.Equal(t, []string{"step.compute", "step.service"}, sink.recorded())
}

func TestShim_ConcurrentCallersOnOneHandle(t *testing.T) {
	s := newShim(t)
	h := s.Create(10, 2)
	placeLine(s, h, 10, 1)
	s.SetSource(h, 0, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Step(h, 1)
				_ = s.GetValue(h, 5)
				if buf := s.StepAndGetState(h, 1); buf != nil {
					_ = buf.Release()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 9.0, s.GetValue(h, 9))
}

func TestShim_ConcurrentHandlesRecordEveryStep(t *testing.T) {
	sink := &recordingSink{}
	s := newShim(t, WithMeasurer(telemetry.NewMeasurer(sink, nil)))

	const workers, calls = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		h := s.Create(3, 1)
		require.NotZero(t, h)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				if buf := s.StepAndGetState(h, 1); buf != nil {
					_ = buf.Release()
				}
			}
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, id := range sink.recorded() {
		counts[id]++
	}
	assert.Equal(t, workers*calls, counts[telemetry.EventStepService])
	assert.Equal(t, workers*calls, counts[telemetry.EventStepCompute])
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingSink) Record(id string, _, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingSink) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}
