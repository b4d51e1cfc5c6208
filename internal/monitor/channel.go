// Package monitor runs the per-channel supervision loop: acquire a trace,
// classify it, trigger a relock when lock is lost, and publish the resulting
// state to observers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/lock"
	"github.com/skobkin/relocker-web/internal/relock"
	"github.com/skobkin/relocker-web/internal/settings"
	"github.com/skobkin/relocker-web/internal/statestore"
)

var (
	// ErrNotArmed rejects operations that need an armed channel.
	ErrNotArmed = errors.New("channel is not armed")
	// ErrNotRouted rejects arming a channel whose input or output route is off.
	ErrNotRouted = errors.New("channel input and output must be routed before arming")
	// ErrRelockInProgress rejects a manual relock while one is in flight.
	ErrRelockInProgress = errors.New("relock already in progress")
	// ErrSweeping rejects a manual relock while the channel sweeps.
	ErrSweeping = errors.New("channel is sweeping")
)

// History is the sample record sink and last-lock source.
type History interface {
	Append(rec statestore.Record) (statestore.Record, error)
	LastRecordMatching(channel string) (statestore.Record, bool)
}

// SettingsSaver persists channel settings.
type SettingsSaver interface {
	Save(c settings.Channel) error
}

// ChannelOptions wires a Channel.
type ChannelOptions struct {
	Settings settings.Channel
	Board    *instrument.Board
	Saver    SettingsSaver
	History  History
	Routing  *settings.Routing
	Logger   *slog.Logger
}

// Channel supervises one laser. The loop and the relock sequencer share the
// hardware region hw; session bookkeeping is guarded by mu. When both are
// needed hw is taken first.
type Channel struct {
	name    string
	board   *instrument.Board
	saver   SettingsSaver
	history History
	routing *settings.Routing
	logger  *slog.Logger
	seq     *relock.Sequencer
	kick    chan struct{}

	hw sync.Mutex
	// emitMu orders publishes so observers never see an older snapshot last.
	emitMu sync.Mutex

	mu         sync.Mutex
	cfg        settings.Channel
	armed      ArmMode
	autorelock bool
	session    Session
	counters   Counters
	lastRelock *RelockSummary
	lastError  string
	publish    func(State)
}

// NewChannel builds a disarmed channel. A routing conflict with an already
// registered channel resets this channel's routes to off.
func NewChannel(opts ChannelOptions) (*Channel, error) {
	if opts.Board == nil {
		return nil, fmt.Errorf("channel %s: board is required", opts.Settings.Name)
	}
	if opts.Routing == nil {
		opts.Routing = settings.NewRouting()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg := settings.Normalize(opts.Settings)
	logger := opts.Logger.With("channel", cfg.Name)

	if err := opts.Routing.Claim(cfg); err != nil {
		var conflict *settings.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		logger.Warn("routing conflict on load, routes reset to off", "err", err)
		cfg.Input, cfg.Output = instrument.RouteOff, instrument.RouteOff
		if err := opts.Routing.Claim(cfg); err != nil {
			return nil, fmt.Errorf("channel %s: %w", cfg.Name, err)
		}
	}

	c := &Channel{
		name:    cfg.Name,
		board:   opts.Board,
		saver:   opts.Saver,
		history: opts.History,
		routing: opts.Routing,
		logger:  logger,
		kick:    make(chan struct{}, 1),
		cfg:     cfg,
		session: newSession(),
		publish: func(State) {},
	}
	c.seq = relock.New(relock.Options{
		Board:    opts.Board,
		Region:   &c.hw,
		Settings: c.Settings,
		LastLock: c.lastLockVoltage,
		Applied:  c.relockApplied,
		Done:     c.relockDone,
		Logger:   logger.With("component", "relock"),
	})
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Settings returns the current settings.
func (c *Channel) Settings() settings.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// State returns a snapshot of the channel.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Run drives the monitor cycle at the configured interval while armed, until
// ctx is cancelled. Cycle failures are logged and never end the loop.
func (c *Channel) Run(ctx context.Context) error {
	c.logger.Info("monitor loop started")
	c.emit()

	for {
		interval, armed := c.loopParams()
		if armed {
			c.cycle(ctx)
		}

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if armed {
			timer = time.NewTimer(interval)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			c.logger.Info("monitor loop stopping", "reason", ctx.Err())
			return nil
		case <-c.kick:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// Arm applies the settings to the board and starts monitoring in mode.
func (c *Channel) Arm(ctx context.Context, mode ArmMode) error {
	if mode != ArmFeedback && mode != ArmSweep {
		return fmt.Errorf("unknown arm mode %q", mode)
	}

	c.hw.Lock()
	defer c.hw.Unlock()

	if c.seq.Active() {
		return ErrRelockInProgress
	}
	cfg := c.Settings()
	if cfg.Input == instrument.RouteOff || cfg.Output == instrument.RouteOff {
		return ErrNotRouted
	}
	if err := c.routing.Claim(cfg); err != nil {
		return err
	}

	applied, err := c.apply(ctx, cfg, mode)
	if err != nil {
		c.recordError(err)
		return err
	}

	c.mu.Lock()
	c.cfg = applied
	c.armed = mode
	c.session = newSession()
	c.session.Mode = ModeMonitoring
	c.session.Display = DisplayUnsure
	if mode == ArmSweep {
		c.session.Display = DisplaySweeping
	}
	c.lastError = ""
	c.mu.Unlock()

	c.logger.Info("channel armed", "mode", mode, "relock_voltage", applied.RelockVoltage)
	c.save(applied)
	c.emit()
	c.wake()
	return nil
}

// Disarm stops monitoring, aborts a dwelling relock and disables the
// controller and generator outputs. A relock already re-enabling finishes
// before the outputs are disabled.
func (c *Channel) Disarm(ctx context.Context) error {
	c.hw.Lock()
	c.mu.Lock()
	c.armed = ArmNone
	c.mu.Unlock()
	c.hw.Unlock()

	c.seq.Abort()

	c.hw.Lock()
	cfg := c.Settings()
	_, pidErr := c.board.SetController(ctx, cfg.ControllerIndex, instrument.ControllerOutput, string(instrument.RouteOff))
	_, asgErr := c.board.SetGenerator(ctx, cfg.GeneratorIndex, instrument.GeneratorOutput, string(instrument.RouteOff))
	c.hw.Unlock()

	err := multierr.Combine(pidErr, asgErr)

	c.mu.Lock()
	c.session = newSession()
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("disarm left outputs in an unknown state", "err", err)
	} else {
		c.logger.Info("channel disarmed")
	}
	c.emit()
	c.wake()
	return err
}

// SetAutorelock arms or disarms automatic relocking.
func (c *Channel) SetAutorelock(enabled bool) {
	c.mu.Lock()
	c.autorelock = enabled
	c.mu.Unlock()
	c.logger.Info("autorelock changed", "enabled", enabled)
	c.emit()
}

// Relock starts a manual relock attempt.
func (c *Channel) Relock(ctx context.Context) error {
	c.hw.Lock()
	defer c.hw.Unlock()

	c.mu.Lock()
	armed := c.armed
	c.mu.Unlock()
	switch armed {
	case ArmNone:
		return ErrNotArmed
	case ArmSweep:
		return ErrSweeping
	}

	started, err := c.seq.Trigger(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if !started {
		return ErrRelockInProgress
	}
	c.emit()
	return nil
}

// ResetIntegrator zeroes the controller integrator.
func (c *Channel) ResetIntegrator(ctx context.Context) error {
	c.hw.Lock()
	defer c.hw.Unlock()

	cfg := c.Settings()
	got, err := c.board.SetControllerFloat(ctx, cfg.ControllerIndex, instrument.ControllerIntegrator, 0)
	if err != nil {
		c.recordError(err)
		return err
	}

	c.mu.Lock()
	c.cfg.Integrator = got
	cfg = c.cfg
	c.mu.Unlock()

	c.save(cfg)
	c.emit()
	return nil
}

// UpdateSettings applies mutate to a copy of the settings. The result is
// validated, normalised, checked against the routing table and, when armed, applied to
// the board before it replaces the current settings. On any error the
// previous settings and routing stay in effect.
func (c *Channel) UpdateSettings(ctx context.Context, mutate func(*settings.Channel)) (settings.Channel, error) {
	c.hw.Lock()
	defer c.hw.Unlock()

	c.mu.Lock()
	prev := c.cfg
	armed := c.armed
	c.mu.Unlock()

	next := prev
	mutate(&next)
	next.Name = c.name
	next.Address = prev.Address
	next, err := settings.Validate(next)
	if err != nil {
		return prev, err
	}
	next = settings.Normalize(next)

	if armed != ArmNone && (next.Input == instrument.RouteOff || next.Output == instrument.RouteOff) {
		return prev, ErrNotRouted
	}
	if err := c.routing.Claim(next); err != nil {
		return prev, err
	}

	if armed != ArmNone {
		applied, err := c.apply(ctx, next, armed)
		if err != nil {
			if claimErr := c.routing.Claim(prev); claimErr != nil {
				c.logger.Error("restore routing failed", "err", claimErr)
			}
			c.recordError(err)
			return prev, err
		}
		next = applied
	}

	c.mu.Lock()
	c.cfg = next
	c.mu.Unlock()

	c.logger.Info("settings updated")
	c.save(next)
	c.emit()
	c.wake()
	return next, nil
}

// Close aborts an in-flight relock dwell and releases the channel's routing
// claims. The board is left as it is.
func (c *Channel) Close() {
	c.seq.Abort()
	c.routing.Release(c.name)
}

// apply writes cfg to the board in mode and returns cfg updated with the
// read-back values. On failure the controller output is disabled.
func (c *Channel) apply(ctx context.Context, cfg settings.Channel, mode ArmMode) (settings.Channel, error) {
	req := cfg.LimitRequest(mode == ArmSweep)
	req.LastLock, req.HasLastLock = c.lastLockVoltage()
	limits := lock.Resolve(req)

	pid, asg := cfg.ControllerIndex, cfg.GeneratorIndex
	fail := func(err error) (settings.Channel, error) {
		_, offErr := c.board.SetController(ctx, pid, instrument.ControllerOutput, string(instrument.RouteOff))
		return cfg, multierr.Append(err, offErr)
	}

	var err error
	if _, err = c.board.SetController(ctx, pid, instrument.ControllerInput, string(cfg.Input)); err != nil {
		return fail(err)
	}
	if cfg.P, err = c.board.SetControllerFloat(ctx, pid, instrument.ControllerP, cfg.P); err != nil {
		return fail(err)
	}
	if cfg.IHz, err = c.board.SetControllerFloat(ctx, pid, instrument.ControllerI, cfg.IHz); err != nil {
		return fail(err)
	}
	if cfg.Setpoint, err = c.board.SetControllerFloat(ctx, pid, instrument.ControllerSetpoint, cfg.Setpoint); err != nil {
		return fail(err)
	}
	if cfg.Integrator, err = c.board.SetControllerFloat(ctx, pid, instrument.ControllerIntegrator, cfg.Integrator); err != nil {
		return fail(err)
	}

	if _, err = c.board.SetGenerator(ctx, asg, instrument.GeneratorOutput, string(instrument.RouteOff)); err != nil {
		return fail(err)
	}
	if _, err = c.board.SetGenerator(ctx, asg, instrument.GeneratorWaveform, string(limits.Waveform)); err != nil {
		return fail(err)
	}
	offset, err := c.board.SetGeneratorFloat(ctx, asg, instrument.GeneratorOffset, limits.Offset)
	if err != nil {
		return fail(err)
	}
	if _, err = c.board.SetGeneratorFloat(ctx, asg, instrument.GeneratorAmplitude, limits.Amplitude); err != nil {
		return fail(err)
	}
	if _, err = c.board.SetGeneratorFloat(ctx, asg, instrument.GeneratorFrequency, limits.Frequency); err != nil {
		return fail(err)
	}
	if _, err = c.board.SetGenerator(ctx, asg, instrument.GeneratorTrigger, instrument.TriggerImmediately); err != nil {
		return fail(err)
	}
	if _, err = c.board.SetControllerFloat(ctx, pid, instrument.ControllerMax, limits.Max-offset); err != nil {
		return fail(err)
	}
	if _, err = c.board.SetControllerFloat(ctx, pid, instrument.ControllerMin, limits.Min-offset); err != nil {
		return fail(err)
	}
	if _, err = c.board.SetGenerator(ctx, asg, instrument.GeneratorOutput, string(cfg.Output)); err != nil {
		return fail(err)
	}

	controllerOut := cfg.Output
	if limits.ControllerOff {
		controllerOut = instrument.RouteOff
	}
	if _, err = c.board.SetController(ctx, pid, instrument.ControllerOutput, string(controllerOut)); err != nil {
		return fail(err)
	}

	cfg.MaxVoltage, cfg.MinVoltage = limits.Max, limits.Min
	if !limits.ControllerOff {
		cfg.RelockVoltage = offset
	}
	return cfg, nil
}

// cycle runs one monitor step under the hardware region.
func (c *Channel) cycle(ctx context.Context) {
	c.hw.Lock()
	defer c.hw.Unlock()

	c.mu.Lock()
	cfg := c.cfg
	armed := c.armed
	c.mu.Unlock()
	if armed == ArmNone {
		return
	}

	trace, err := c.board.Acquire(ctx, cfg.Input, cfg.Output, cfg.AcquireFor())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("acquisition failed", "err", err)
		c.mu.Lock()
		c.counters.CycleErrors++
		c.lastError = err.Error()
		c.mu.Unlock()
		c.emit()
		return
	}

	verdict, err := lock.Classify(trace.Output, cfg.MaxVoltage, cfg.MinVoltage, cfg.LockThreshold)
	if errors.Is(err, lock.ErrEmptySignal) {
		c.logger.Debug("empty signal, cycle skipped")
		c.mu.Lock()
		c.counters.SkippedCycles++
		c.mu.Unlock()
		c.emit()
		return
	}

	now := time.Now()
	mean := verdict.MeanVoltage
	trigger := false

	c.mu.Lock()
	c.counters.Cycles++
	c.session.LastTrace = &trace
	c.session.MeanVoltage = &mean
	switch {
	case c.seq.Active():
		c.session.Mode = ModeRelocking
		c.session.Locked = false
		c.session.Display = DisplayRelocking
	case armed == ArmSweep:
		c.session.Mode = ModeMonitoring
		c.session.Locked = false
		c.session.Display = DisplaySweeping
	case c.session.JustRelocked:
		// The controller is still settling; its first reading is not trusted.
		c.session.Mode = ModeMonitoring
		c.session.JustRelocked = false
		c.session.Locked = false
		c.session.Display = DisplayUnsure
	default:
		c.session.Mode = ModeMonitoring
		c.session.Locked = verdict.Locked
		if verdict.Locked {
			c.session.Display = DisplayLocked
			c.session.LastLockedAt = &now
			c.session.LastLockedVoltage = &mean
		} else {
			c.session.Display = DisplayNotLocked
			trigger = c.autorelock
		}
	}
	locked := c.session.Locked
	if locked {
		c.counters.LockedCycles++
	}
	c.mu.Unlock()

	if trigger {
		c.logger.Warn("lock lost, relocking", "mean_voltage", mean)
		started, err := c.seq.Trigger(context.WithoutCancel(ctx))
		if err != nil {
			c.recordError(err)
		}
		if started && err == nil {
			c.mu.Lock()
			// A very short dwell may already have finished and reported.
			if c.seq.Active() {
				c.session.Mode = ModeRelocking
				c.session.Display = DisplayRelocking
			}
			c.mu.Unlock()
		}
	}

	if c.history != nil {
		rec := statestore.Record{
			Time:        now,
			Channel:     c.name,
			Settings:    cfg,
			Locked:      locked,
			MeanVoltage: mean,
		}
		if _, err := c.history.Append(rec); err != nil {
			c.logger.Error("append sample record failed", "err", err)
		}
	}

	c.emit()
}

func (c *Channel) loopParams() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.MonitorEvery(), c.armed != ArmNone
}

// lastLockVoltage prefers this session's memory, then the persisted history.
func (c *Channel) lastLockVoltage() (float64, bool) {
	c.mu.Lock()
	v := c.session.LastLockedVoltage
	c.mu.Unlock()
	if v != nil {
		return *v, true
	}
	if c.history == nil {
		return 0, false
	}
	rec, ok := c.history.LastRecordMatching(c.name)
	if !ok {
		return 0, false
	}
	return rec.MeanVoltage, true
}

func (c *Channel) relockApplied(cfg settings.Channel) {
	c.mu.Lock()
	c.cfg.RelockVoltage = cfg.RelockVoltage
	c.cfg.Integrator = cfg.Integrator
	cfg = c.cfg
	c.mu.Unlock()
	c.save(cfg)
}

func (c *Channel) relockDone(result relock.Result) {
	summary := &RelockSummary{
		Attempt:       result.Attempt,
		Outcome:       result.Outcome,
		FinishedAt:    result.FinishedAt,
		RelockVoltage: result.RelockVoltage,
	}
	if result.Err != nil {
		summary.Error = result.Err.Error()
	}

	c.mu.Lock()
	c.lastRelock = summary
	switch result.Outcome {
	case relock.OutcomeCompleted:
		c.counters.RelocksCompleted++
		if c.armed != ArmNone {
			c.session.JustRelocked = true
			c.session.Mode = ModeMonitoring
			c.session.Display = DisplayUnsure
		}
	case relock.OutcomeFailed:
		c.counters.RelocksFailed++
		c.lastError = summary.Error
		if c.armed != ArmNone {
			c.session.Mode = ModeMonitoring
			c.session.Display = DisplayNotLocked
		}
	case relock.OutcomeAborted:
		c.counters.RelocksAborted++
	}
	c.mu.Unlock()

	c.emit()
}

func (c *Channel) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

func (c *Channel) save(cfg settings.Channel) {
	if c.saver == nil {
		return
	}
	if err := c.saver.Save(cfg); err != nil {
		c.logger.Error("persist settings failed", "err", err)
	}
}

func (c *Channel) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	state := c.snapshotLocked()
	publish := c.publish
	c.mu.Unlock()
	publish(state)
}

func (c *Channel) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Channel) snapshotLocked() State {
	status := c.seq.Status()
	mode := c.session.Mode
	display := c.session.Display
	if c.armed != ArmNone && status.State != relock.StateIdle {
		mode = ModeRelocking
		display = DisplayRelocking
	}

	var trace *instrument.Trace
	if c.session.LastTrace != nil {
		t := *c.session.LastTrace
		trace = &t
	}

	return State{
		Channel:           c.name,
		Timestamp:         time.Now(),
		Armed:             c.armed,
		Autorelock:        c.autorelock,
		Mode:              mode,
		Display:           display,
		Locked:            c.session.Locked,
		JustRelocked:      c.session.JustRelocked,
		MeanVoltage:       clonePtr(c.session.MeanVoltage),
		LastLockedAt:      clonePtr(c.session.LastLockedAt),
		LastLockedVoltage: clonePtr(c.session.LastLockedVoltage),
		Relock:            status,
		LastRelock:        clonePtr(c.lastRelock),
		LastError:         c.lastError,
		Counters:          c.counters,
		Settings:          c.cfg,
		Trace:             trace,
	}
}
