package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/lock"
	"github.com/skobkin/relocker-web/internal/relock"
	"github.com/skobkin/relocker-web/internal/settings"
	"github.com/skobkin/relocker-web/internal/statestore"
)

type memHistory struct {
	mu      sync.Mutex
	records []statestore.Record
	last    map[string]statestore.Record
}

func newMemHistory() *memHistory {
	return &memHistory{last: make(map[string]statestore.Record)}
}

func (h *memHistory) Append(rec statestore.Record) (statestore.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec.ID = uint64(len(h.records) + 1)
	h.records = append(h.records, rec)
	if rec.Locked {
		h.last[rec.Channel] = rec
	}
	return rec, nil
}

func (h *memHistory) LastRecordMatching(channel string) (statestore.Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.last[channel]
	return rec, ok
}

func (h *memHistory) all() []statestore.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]statestore.Record(nil), h.records...)
}

type memSaver struct {
	mu    sync.Mutex
	saved []settings.Channel
}

func (s *memSaver) Save(c settings.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, c)
	return nil
}

func (s *memSaver) last() settings.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[len(s.saved)-1]
}

// level is the scripted controller output seen by acquisitions.
type level struct {
	mu sync.Mutex
	v  float64
}

func (l *level) set(v float64) {
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
}

func (l *level) signal(_ instrument.SimState, n int) ([]float64, []float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in := make([]float64, n)
	out := make([]float64, n)
	for i := range out {
		out[i] = l.v
	}
	return in, out
}

type fixture struct {
	sim     *instrument.Sim
	board   *instrument.Board
	level   *level
	history *memHistory
	saver   *memSaver
	routing *settings.Routing
	ch      *Channel
}

func newFixture(t *testing.T, mutate func(*settings.Channel)) *fixture {
	t.Helper()

	cfg := settings.Defaults("laser0", "sim", 0)
	cfg.Input = instrument.RouteIn1
	cfg.Output = instrument.RouteOut1
	cfg.RelockPolicy = lock.PolicyLastLock
	cfg.RelockInterval = 0.02
	cfg.AcquisitionDuration = 0
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		sim:     instrument.NewSim(),
		level:   &level{},
		history: newMemHistory(),
		saver:   &memSaver{},
		routing: settings.NewRouting(),
	}
	f.sim.SetSignal(f.level.signal)
	f.board = instrument.NewBoard("sim", f.sim)

	ch, err := NewChannel(ChannelOptions{
		Settings: cfg,
		Board:    f.board,
		Saver:    f.saver,
		History:  f.history,
		Routing:  f.routing,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	f.ch = ch
	return f
}

func (f *fixture) controller(t *testing.T, field instrument.ControllerField) string {
	t.Helper()
	v, err := f.sim.ReadController(context.Background(), 0, field)
	require.NoError(t, err)
	return v
}

func (f *fixture) generatorFloat(t *testing.T, field instrument.GeneratorField) float64 {
	t.Helper()
	v, err := f.board.GeneratorFloat(context.Background(), 0, field)
	require.NoError(t, err)
	return v
}

// awaitRelocks waits until n relock attempts have been reported finished.
func (f *fixture) awaitRelocks(t *testing.T, n uint64) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		c := f.ch.State().Counters
		return c.RelocksCompleted+c.RelocksFailed+c.RelocksAborted >= n
	})
}

func TestLostLockRelocksAtLastLockVoltage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	f.ch.SetAutorelock(true)
	require.NoError(t, f.ch.Arm(ctx, ArmFeedback))
	assert.Equal(t, "out1", f.controller(t, instrument.ControllerOutput))

	f.level.set(0.3)
	f.ch.cycle(ctx)
	state := f.ch.State()
	assert.Equal(t, DisplayLocked, state.Display)
	assert.True(t, state.Locked)
	require.NotNil(t, state.LastLockedVoltage)
	assert.InDelta(t, 0.3, *state.LastLockedVoltage, 1e-12)

	// Output drifts onto the upper rail.
	require.NoError(t, f.sim.WriteController(ctx, 0, instrument.ControllerIntegrator, "0.6"))
	f.level.set(0.99)
	f.ch.cycle(ctx)
	state = f.ch.State()
	assert.Equal(t, DisplayRelocking, state.Display)
	assert.Equal(t, ModeRelocking, state.Mode)
	assert.False(t, state.Locked)
	assert.Equal(t, "off", f.controller(t, instrument.ControllerOutput))

	f.awaitRelocks(t, 1)

	assert.InDelta(t, 0.3, f.generatorFloat(t, instrument.GeneratorOffset), 1e-3)
	assert.Equal(t, "0", f.controller(t, instrument.ControllerIntegrator))
	assert.Equal(t, "out1", f.controller(t, instrument.ControllerOutput))
	state = f.ch.State()
	assert.True(t, state.JustRelocked)
	assert.Equal(t, uint64(1), state.Counters.RelocksCompleted)
	assert.InDelta(t, 0.3, f.saver.last().RelockVoltage, 1e-3)

	// The first reading after a relock is neutral and does not retrigger.
	f.level.set(0.99)
	writes := len(f.sim.Journal())
	f.ch.cycle(ctx)
	state = f.ch.State()
	assert.Equal(t, DisplayUnsure, state.Display)
	assert.False(t, state.JustRelocked)
	assert.Len(t, f.sim.Journal(), writes)

	f.level.set(0.31)
	f.ch.cycle(ctx)
	assert.Equal(t, DisplayLocked, f.ch.State().Display)

	records := f.history.all()
	require.Len(t, records, 4)
	assert.Equal(t, []bool{true, false, false, true}, []bool{records[0].Locked, records[1].Locked, records[2].Locked, records[3].Locked})
}

func TestCycleDuringDwellShowsRelockingWithoutRetrigger(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *settings.Channel) { c.RelockInterval = 0.4 })
	ctx := context.Background()
	f.ch.SetAutorelock(true)
	require.NoError(t, f.ch.Arm(ctx, ArmFeedback))

	f.level.set(-0.999)
	f.ch.cycle(ctx)
	require.True(t, f.ch.seq.Active())
	writes := len(f.sim.Journal())

	f.ch.cycle(ctx)
	f.ch.cycle(ctx)
	state := f.ch.State()
	assert.Equal(t, DisplayRelocking, state.Display)
	assert.Greater(t, state.Relock.Progress, 0.0)
	assert.Len(t, f.sim.Journal(), writes, "no writes while dwelling")
	assert.Len(t, f.history.all(), 3)

	f.awaitRelocks(t, 1)
	assert.Equal(t, uint64(1), f.ch.State().Counters.RelocksCompleted)
}

func TestUnlockedWithoutAutorelockOnlyReports(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.ch.Arm(ctx, ArmFeedback))

	f.level.set(1)
	f.ch.cycle(ctx)
	state := f.ch.State()
	assert.Equal(t, DisplayNotLocked, state.Display)
	assert.False(t, f.ch.seq.Active())
	assert.Equal(t, "out1", f.controller(t, instrument.ControllerOutput))
}

func TestSweepNeverRelocks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *settings.Channel) {
		c.SweepMax, c.SweepMin, c.SweepFrequency = 0.5, -0.5, 20
	})
	ctx := context.Background()
	f.ch.SetAutorelock(true)
	require.NoError(t, f.ch.Arm(ctx, ArmSweep))

	assert.Equal(t, "off", f.controller(t, instrument.ControllerOutput))
	waveform, err := f.board.Generator(ctx, 0, instrument.GeneratorWaveform)
	require.NoError(t, err)
	assert.Equal(t, "ramp", waveform)
	assert.InDelta(t, 0.5, f.generatorFloat(t, instrument.GeneratorAmplitude), 1e-3)

	f.level.set(0.999)
	f.ch.cycle(ctx)
	state := f.ch.State()
	assert.Equal(t, DisplaySweeping, state.Display)
	assert.False(t, state.Locked)
	assert.False(t, f.ch.seq.Active())
	require.ErrorIs(t, f.ch.Relock(ctx), ErrSweeping)
}

func TestEmptySignalSkipsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.ch.Arm(ctx, ArmFeedback))

	f.level.set(math.NaN())
	f.ch.cycle(ctx)
	state := f.ch.State()
	assert.Equal(t, uint64(1), state.Counters.SkippedCycles)
	assert.Zero(t, state.Counters.Cycles)
	assert.Empty(t, f.history.all())
}

func TestDisarmMidRelockLeavesOutputDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *settings.Channel) { c.RelockInterval = 10 })
	ctx := context.Background()
	f.ch.SetAutorelock(true)
	require.NoError(t, f.ch.Arm(ctx, ArmFeedback))

	f.level.set(0.999)
	f.ch.cycle(ctx)
	require.True(t, f.ch.seq.Active())

	require.NoError(t, f.ch.Disarm(ctx))
	assert.False(t, f.ch.seq.Active())
	assert.Equal(t, "off", f.controller(t, instrument.ControllerOutput))
	out, err := f.board.Generator(ctx, 0, instrument.GeneratorOutput)
	require.NoError(t, err)
	assert.Equal(t, "off", out)

	state := f.ch.State()
	assert.Equal(t, DisplayDisarmed, state.Display)
	assert.Equal(t, ModeIdle, state.Mode)
	assert.Equal(t, ArmNone, state.Armed)
	assert.Equal(t, uint64(1), state.Counters.RelocksAborted)
	require.NotNil(t, state.LastRelock)
	assert.Equal(t, relock.OutcomeAborted, state.LastRelock.Outcome)

	// Cycles after disarm do nothing.
	records := len(f.history.all())
	f.ch.cycle(ctx)
	assert.Len(t, f.history.all(), records)
}

func TestManualRelock(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *settings.Channel) { c.RelockInterval = 0.2 })
	ctx := context.Background()
	require.ErrorIs(t, f.ch.Relock(ctx), ErrNotArmed)

	// Last lock voltage recovered from history after a restart.
	_, err := f.history.Append(statestore.Record{Channel: "laser0", Locked: true, MeanVoltage: -0.42})
	require.NoError(t, err)

	require.NoError(t, f.ch.Arm(ctx, ArmFeedback))
	assert.InDelta(t, -0.42, f.generatorFloat(t, instrument.GeneratorOffset), 1e-3)
	require.NoError(t, f.sim.WriteGenerator(ctx, 0, instrument.GeneratorOffset, "0"))

	require.NoError(t, f.ch.Relock(ctx))
	require.ErrorIs(t, f.ch.Relock(ctx), ErrRelockInProgress)
	f.awaitRelocks(t, 1)
	assert.InDelta(t, -0.42, f.generatorFloat(t, instrument.GeneratorOffset), 1e-3)
}

func TestArmRequiresRouting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *settings.Channel) { c.Output = instrument.RouteOff })
	require.ErrorIs(t, f.ch.Arm(context.Background(), ArmFeedback), ErrNotRouted)
	assert.Empty(t, f.sim.Journal())
	require.Error(t, f.ch.Arm(context.Background(), ArmMode("wobble")))
}

func TestArmFailureDisablesOutput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	boom := errors.New("dac fault")
	f.sim.Fail("asg", 0, "offset", boom)

	err := f.ch.Arm(context.Background(), ArmFeedback)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "off", f.controller(t, instrument.ControllerOutput))
	state := f.ch.State()
	assert.Equal(t, ArmNone, state.Armed)
	assert.NotEmpty(t, state.LastError)
}

func TestUpdateSettingsConflictKeepsRouting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	other, err := NewChannel(ChannelOptions{
		Settings: func() settings.Channel {
			c := settings.Defaults("laser1", "sim", 0)
			c.ControllerIndex, c.GeneratorIndex = 1, 1
			c.Input, c.Output = instrument.RouteIn2, instrument.RouteOut2
			return c
		}(),
		Board:   f.board,
		Routing: f.routing,
	})
	require.NoError(t, err)

	got, err := other.UpdateSettings(context.Background(), func(c *settings.Channel) {
		c.Output = instrument.RouteOut1
	})
	var conflict *settings.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "laser0", conflict.Other)
	assert.Equal(t, instrument.RouteOut2, got.Output)
	assert.Equal(t, instrument.RouteOut2, other.Settings().Output)
	assert.Contains(t, f.routing.Claims("laser1"), "output out2")
}

func TestConflictOnLoadResetsRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	cfg := settings.Defaults("laser1", "sim", 0)
	cfg.ControllerIndex, cfg.GeneratorIndex = 1, 1
	cfg.Input, cfg.Output = instrument.RouteIn1, instrument.RouteOut2

	ch, err := NewChannel(ChannelOptions{Settings: cfg, Board: f.board, Routing: f.routing})
	require.NoError(t, err)
	assert.Equal(t, instrument.RouteOff, ch.Settings().Input)
	assert.Equal(t, instrument.RouteOff, ch.Settings().Output)
}

func TestUpdateSettingsReappliesWhenArmed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *settings.Channel) { c.RelockPolicy = lock.PolicyCentre })
	ctx := context.Background()
	require.NoError(t, f.ch.Arm(ctx, ArmFeedback))

	got, err := f.ch.UpdateSettings(ctx, func(c *settings.Channel) {
		c.MaxVoltage, c.MinVoltage = 0.6, 0.2
		c.P = 0.25
		c.Name = "hijack"
	})
	require.NoError(t, err)
	assert.Equal(t, "laser0", got.Name)
	assert.InDelta(t, 0.4, got.RelockVoltage, 1e-3)
	assert.InDelta(t, 0.4, f.generatorFloat(t, instrument.GeneratorOffset), 1e-3)
	ctrlMax, err := f.board.ControllerFloat(ctx, 0, instrument.ControllerMax)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, ctrlMax, 1e-3)
	assert.Equal(t, "0.25", f.controller(t, instrument.ControllerP))
	assert.Equal(t, got, f.saver.last())
}

func TestResetIntegrator(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *settings.Channel) { c.Integrator = 0.5 })
	require.NoError(t, f.sim.WriteController(context.Background(), 0, instrument.ControllerIntegrator, "0.5"))

	require.NoError(t, f.ch.ResetIntegrator(context.Background()))
	assert.Equal(t, "0", f.controller(t, instrument.ControllerIntegrator))
	assert.Zero(t, f.ch.Settings().Integrator)
	assert.Zero(t, f.saver.last().Integrator)
}

func TestRunLoopCyclesWhileArmed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *settings.Channel) { c.MonitorInterval = 0.01 })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ch.Run(ctx) }()

	f.level.set(0.1)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.ch.State().Counters.Cycles, "disarmed channels do not cycle")

	require.NoError(t, f.ch.Arm(ctx, ArmFeedback))
	waitFor(t, time.Second, func() bool { return f.ch.State().Counters.Cycles >= 3 })
	assert.Equal(t, DisplayLocked, f.ch.State().Display)

	require.NoError(t, f.ch.Disarm(ctx))
	cycles := f.ch.State().Counters.Cycles
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, cycles, f.ch.State().Counters.Cycles)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestConcurrentEmitsPublishInSnapshotOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	var (
		mu        sync.Mutex
		published []State
	)
	f.ch.mu.Lock()
	f.ch.publish = func(s State) {
		mu.Lock()
		published = append(published, s)
		mu.Unlock()
	}
	f.ch.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.ch.SetAutorelock((i+j)%2 == 0)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 400)
	for i := 1; i < len(published); i++ {
		require.False(t, published[i].Timestamp.Before(published[i-1].Timestamp), "state %d published out of order", i)
	}
	assert.Equal(t, f.ch.State().Autorelock, published[len(published)-1].Autorelock)
}

func TestCloseReleasesRouting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.NotEmpty(t, f.routing.Claims("laser0"))

	f.ch.Close()
	assert.Empty(t, f.routing.Claims("laser0"))

	other := settings.Defaults("laser1", "sim", 0)
	other.Input, other.Output = instrument.RouteIn1, instrument.RouteOut1
	require.NoError(t, f.routing.Claim(other))
}
