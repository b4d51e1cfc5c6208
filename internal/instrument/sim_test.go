package instrument

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimQuantizesAndClamps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sim := NewSim()

	require.NoError(t, sim.WriteController(ctx, 0, ControllerMax, "1.7"))
	got, err := sim.ReadController(ctx, 0, ControllerMax)
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	require.NoError(t, sim.WriteGenerator(ctx, 1, GeneratorOffset, "0.30001"))
	got, err = sim.ReadGenerator(ctx, 1, GeneratorOffset)
	require.NoError(t, err)
	v, err := parseFloat(got)
	require.NoError(t, err)
	assert.InDelta(t, 0.30001, v, simVoltStep)
	assert.NotEqual(t, "0.30001", got)
}

func TestSimRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sim := NewSim()

	assert.Error(t, sim.WriteController(ctx, 0, ControllerInput, "out1"))
	assert.Error(t, sim.WriteController(ctx, 0, ControllerOutput, "in2"))
	assert.Error(t, sim.WriteController(ctx, 3, ControllerOutput, "off"))
	assert.Error(t, sim.WriteController(ctx, 0, ControllerP, "many"))
	assert.Error(t, sim.WriteGenerator(ctx, 0, GeneratorWaveform, "triangle"))
	assert.Error(t, sim.WriteGenerator(ctx, 2, GeneratorOffset, "0"))
	assert.Empty(t, sim.Journal())
}

func TestSimFaultInjection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sim := NewSim()
	boom := errors.New("bus stuck")

	sim.Fail("pid", 1, "output", boom)
	require.ErrorIs(t, sim.WriteController(ctx, 1, ControllerOutput, "out1"), boom)
	require.NoError(t, sim.WriteController(ctx, 0, ControllerOutput, "out1"))

	sim.Fail("pid", 1, "output", nil)
	require.NoError(t, sim.WriteController(ctx, 1, ControllerOutput, "out2"))

	journal := sim.Journal()
	require.Len(t, journal, 2)
	assert.Equal(t, SimWrite{Block: "pid", Index: 1, Field: "output", Value: "out2"}, journal[1])
}

func TestSimDefaultSignalFollowsOffsetAndIntegrator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sim := NewSim()
	require.NoError(t, sim.WriteGenerator(ctx, 0, GeneratorOffset, "0.25"))
	require.NoError(t, sim.WriteGenerator(ctx, 0, GeneratorOutput, "out1"))
	require.NoError(t, sim.WriteController(ctx, 0, ControllerIntegrator, "0.5"))
	require.NoError(t, sim.WriteController(ctx, 0, ControllerMax, "0.1"))
	require.NoError(t, sim.WriteController(ctx, 0, ControllerOutput, "out1"))

	trace, err := sim.Acquire(ctx, RouteIn1, RouteOut1, 0)
	require.NoError(t, err)
	require.Len(t, trace.Output, simTraceLength)
	assert.InDelta(t, 0.35, trace.Output[0], 1e-3)
}

func TestSimSetSignal(t *testing.T) {
	t.Parallel()

	sim := NewSim()
	sim.SetSignal(func(state SimState, n int) ([]float64, []float64) {
		return []float64{1, 2}, []float64{0.9, 0.95}
	})

	trace, err := sim.Acquire(context.Background(), RouteIn1, RouteOut1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.95}, trace.Output)
	assert.Equal(t, []float64{0, 0.005}, trace.Times)
}

func TestSimAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSim().Acquire(ctx, RouteIn1, RouteOut1, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSimClosed(t *testing.T) {
	t.Parallel()

	sim := NewSim()
	require.NoError(t, sim.Close())
	_, err := sim.ReadController(context.Background(), 0, ControllerP)
	require.ErrorIs(t, err, ErrClosed)
}
