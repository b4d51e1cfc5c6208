package relock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/lock"
	"github.com/skobkin/relocker-web/internal/settings"
)

type harness struct {
	sim     *instrument.Sim
	board   *instrument.Board
	region  *sync.Mutex
	seq     *Sequencer
	results chan Result

	mu      sync.Mutex
	cfg     settings.Channel
	applied []settings.Channel
}

func newHarness(t *testing.T, mutate func(*settings.Channel), lastLock LastLockFunc) *harness {
	t.Helper()

	cfg := settings.Defaults("laser0", "sim", 0)
	cfg.Input = instrument.RouteIn1
	cfg.Output = instrument.RouteOut1
	cfg.RelockInterval = 0.02
	if mutate != nil {
		mutate(&cfg)
	}

	sim := instrument.NewSim()
	h := &harness{
		sim:     sim,
		board:   instrument.NewBoard("sim", sim),
		region:  &sync.Mutex{},
		results: make(chan Result, 4),
		cfg:     cfg,
	}
	h.seq = New(Options{
		Board:  h.board,
		Region: h.region,
		Settings: func() settings.Channel {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.cfg
		},
		LastLock: lastLock,
		Applied: func(c settings.Channel) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.cfg = c
			h.applied = append(h.applied, c)
		},
		Done: func(r Result) { h.results <- r },
	})
	return h
}

func (h *harness) trigger(t *testing.T) bool {
	t.Helper()
	h.region.Lock()
	defer h.region.Unlock()
	started, err := h.seq.Trigger(context.Background())
	require.NoError(t, err)
	return started
}

func (h *harness) awaitResult(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("relock did not finish")
		return Result{}
	}
}

func (h *harness) controller(t *testing.T, field instrument.ControllerField) string {
	t.Helper()
	v, err := h.sim.ReadController(context.Background(), 0, field)
	require.NoError(t, err)
	return v
}

func TestRelockAppliesLastLockVoltage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *settings.Channel) {
		c.RelockPolicy = lock.PolicyLastLock
		c.Integrator = 0.7
	}, func() (float64, bool) { return 0.3, true })
	require.NoError(t, h.sim.WriteController(context.Background(), 0, instrument.ControllerIntegrator, "0.7"))
	require.NoError(t, h.sim.WriteController(context.Background(), 0, instrument.ControllerOutput, "out1"))

	require.True(t, h.trigger(t))
	assert.Equal(t, "off", h.controller(t, instrument.ControllerOutput), "disable is synchronous")

	result := h.awaitResult(t)
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.NotEmpty(t, result.Attempt)
	assert.InDelta(t, 0.3, result.RelockVoltage, 1e-3)

	assert.Equal(t, "out1", h.controller(t, instrument.ControllerOutput))
	assert.Equal(t, "0", h.controller(t, instrument.ControllerIntegrator))
	offset, err := h.board.GeneratorFloat(context.Background(), 0, instrument.GeneratorOffset)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, offset, 1e-3)
	ctrlMax, err := h.board.ControllerFloat(context.Background(), 0, instrument.ControllerMax)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, ctrlMax, 1e-3)
	generatorOut, err := h.board.Generator(context.Background(), 0, instrument.GeneratorOutput)
	require.NoError(t, err)
	assert.Equal(t, "out1", generatorOut)

	require.Len(t, h.applied, 1)
	assert.Equal(t, offset, h.applied[0].RelockVoltage)
	assert.Zero(t, h.applied[0].Integrator)
	assert.False(t, h.seq.Active())
	assert.Equal(t, StateIdle, h.seq.Status().State)
}

func TestRelockOutputEnabledLast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	require.True(t, h.trigger(t))
	require.NoError(t, h.awaitResult(t).Err)

	journal := h.sim.Journal()
	require.NotEmpty(t, journal)
	last := journal[len(journal)-1]
	assert.Equal(t, instrument.SimWrite{Block: "pid", Index: 0, Field: "output", Value: "out1"}, last)
	assert.Equal(t, instrument.SimWrite{Block: "pid", Index: 0, Field: "output", Value: "off"}, journal[0])
}

func TestTriggerWhileDwellingIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *settings.Channel) { c.RelockInterval = 0.3 }, nil)
	require.True(t, h.trigger(t))
	writes := len(h.sim.Journal())

	assert.False(t, h.trigger(t))
	assert.False(t, h.trigger(t))
	assert.Len(t, h.sim.Journal(), writes, "no duplicate writes while dwelling")

	status := h.seq.Status()
	assert.Equal(t, StateDwelling, status.State)
	assert.GreaterOrEqual(t, status.Progress, 0.0)
	assert.Less(t, status.Progress, 100.0)

	require.NoError(t, h.awaitResult(t).Err)
	select {
	case extra := <-h.results:
		t.Fatalf("unexpected second attempt %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAbortDuringDwellLeavesOutputDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *settings.Channel) { c.RelockInterval = 5 }, nil)
	require.True(t, h.trigger(t))
	writes := len(h.sim.Journal())

	h.seq.Abort()
	result := h.awaitResult(t)
	assert.Equal(t, OutcomeAborted, result.Outcome)
	require.ErrorIs(t, result.Err, ErrAborted)
	assert.Len(t, h.sim.Journal(), writes)
	assert.Equal(t, "off", h.controller(t, instrument.ControllerOutput))
	assert.False(t, h.seq.Active())

	// A fresh attempt can start after an abort.
	assert.True(t, h.trigger(t))
	h.seq.Abort()
	h.awaitResult(t)
}

func TestReEnableWaitsForRegion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	require.True(t, h.trigger(t))

	h.region.Lock()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, "off", h.controller(t, instrument.ControllerOutput), "re-enable must not run while the region is held")
	assert.True(t, h.seq.Active())
	h.region.Unlock()

	require.NoError(t, h.awaitResult(t).Err)
	assert.Equal(t, "out1", h.controller(t, instrument.ControllerOutput))
}

func TestReEnableFailureDisablesOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	boom := errors.New("dac fault")
	h.sim.Fail("pid", 0, "max", boom)

	require.True(t, h.trigger(t))
	result := h.awaitResult(t)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.ErrorIs(t, result.Err, boom)

	var hwErr *instrument.HardwareWriteError
	require.ErrorAs(t, result.Err, &hwErr)
	assert.Equal(t, "max", hwErr.Field)

	assert.Equal(t, "off", h.controller(t, instrument.ControllerOutput))
	assert.Empty(t, h.applied)
	assert.False(t, h.seq.Active())
}

func TestDisableFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	boom := errors.New("bus down")
	h.sim.Fail("pid", 0, "output", boom)

	h.region.Lock()
	started, err := h.seq.Trigger(context.Background())
	h.region.Unlock()

	assert.True(t, started)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeFailed, h.awaitResult(t).Outcome)
	assert.False(t, h.seq.Active())
	require.NoError(t, h.seq.Wait(context.Background()))
}

func TestSweepSettingsIgnoredOnRelock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *settings.Channel) {
		c.RelockPolicy = lock.PolicyCentre
		c.MaxVoltage, c.MinVoltage = 0.8, 0.2
	}, nil)
	require.True(t, h.trigger(t))
	result := h.awaitResult(t)
	require.NoError(t, result.Err)
	assert.Equal(t, lock.WaveformDC, result.Limits.Waveform)
	assert.InDelta(t, 0.5, result.RelockVoltage, 1e-3)

	waveform, err := h.board.Generator(context.Background(), 0, instrument.GeneratorWaveform)
	require.NoError(t, err)
	assert.Equal(t, "dc", waveform)
}

func TestDwellProgress(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, dwellProgress(0, time.Second))
	assert.Equal(t, 50.0, dwellProgress(500*time.Millisecond, time.Second))
	assert.Equal(t, 100.0, dwellProgress(2*time.Second, time.Second))
	assert.Equal(t, 100.0, dwellProgress(0, 0))
}
