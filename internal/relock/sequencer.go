// Package relock drives one channel's relock attempt: disable the controller
// output, dwell, then re-apply the resolved limits with the integrator reset
// and re-enable the output.
package relock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/lock"
	"github.com/skobkin/relocker-web/internal/settings"
)

// State is the sequencer phase.
type State string

const (
	StateIdle       State = "idle"
	StateDisabling  State = "disabling"
	StateDwelling   State = "dwelling"
	StateReEnabling State = "re_enabling"
)

// Outcome classifies a finished attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// ErrAborted is reported for attempts cancelled during the dwell.
var ErrAborted = errors.New("relock aborted")

// Result describes a finished attempt.
type Result struct {
	Attempt    string      `json:"attempt"`
	Outcome    Outcome     `json:"outcome"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Limits     lock.Limits `json:"limits"`
	// RelockVoltage is the generator offset read back from the board.
	RelockVoltage float64 `json:"relock_voltage"`
	Err           error   `json:"-"`
}

// Status is a point-in-time view of the sequencer.
type Status struct {
	State     State     `json:"state"`
	Attempt   string    `json:"attempt,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	// Progress is the dwell completion percentage.
	Progress float64 `json:"progress"`
}

// LastLockFunc returns the most recent voltage the channel was locked at.
type LastLockFunc func() (float64, bool)

// Options wires a Sequencer to its channel.
type Options struct {
	Board *instrument.Board
	// Region is the channel's hardware region. Trigger expects the caller to
	// hold it; the re-enable step acquires it itself.
	Region   sync.Locker
	Settings func() settings.Channel
	LastLock LastLockFunc
	// Applied receives the settings with the read-back relock voltage and the
	// reset integrator after a completed attempt.
	Applied func(settings.Channel)
	// Done is called once per started attempt, outside the hardware region.
	Done   func(Result)
	Logger *slog.Logger
}

// Sequencer runs at most one relock attempt at a time.
type Sequencer struct {
	opts Options

	mu        sync.Mutex
	state     State
	attempt   string
	startedAt time.Time
	dwellFrom time.Time
	dwellFor  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns an idle sequencer.
func New(opts Options) *Sequencer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LastLock == nil {
		opts.LastLock = func() (float64, bool) { return 0, false }
	}
	return &Sequencer{opts: opts, state: StateIdle}
}

// Trigger starts an attempt if none is in flight and reports whether it did.
// The disable write runs synchronously under the caller's hardware region;
// the dwell and re-enable continue in the background under parent.
func (s *Sequencer) Trigger(parent context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return false, nil
	}
	attempt := uuid.NewString()
	now := time.Now()
	s.state = StateDisabling
	s.attempt = attempt
	s.startedAt = now
	s.mu.Unlock()

	cfg := s.opts.Settings()
	logger := s.opts.Logger.With("attempt", attempt)
	logger.Info("relock started", "dwell", cfg.RelockDwell())

	if _, err := s.opts.Board.SetController(parent, cfg.ControllerIndex, instrument.ControllerOutput, string(instrument.RouteOff)); err != nil {
		logger.Error("relock disable failed", "err", err)
		s.finish(Result{
			Attempt:    attempt,
			Outcome:    OutcomeFailed,
			StartedAt:  now,
			FinishedAt: time.Now(),
			Err:        err,
		})
		return true, err
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	s.mu.Lock()
	s.state = StateDwelling
	s.dwellFrom = time.Now()
	s.dwellFor = cfg.RelockDwell()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.run(ctx, attempt, now, logger)
	}()
	return true, nil
}

// Abort cancels an attempt that is still dwelling and waits for the
// background step to exit. An attempt already re-enabling completes first.
// The controller output stays disabled after an aborted dwell.
func (s *Sequencer) Abort() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until no attempt is running in the background or ctx ends.
func (s *Sequencer) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether an attempt is in flight.
func (s *Sequencer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle
}

// Status returns the current phase and dwell progress.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{State: s.state, Attempt: s.attempt, StartedAt: s.startedAt}
	switch s.state {
	case StateDwelling:
		status.Progress = dwellProgress(time.Since(s.dwellFrom), s.dwellFor)
	case StateReEnabling:
		status.Progress = 100
	}
	return status
}

func (s *Sequencer) run(ctx context.Context, attempt string, startedAt time.Time, logger *slog.Logger) {
	s.mu.Lock()
	dwell := s.dwellFor
	s.mu.Unlock()

	timer := time.NewTimer(dwell)
	select {
	case <-ctx.Done():
		timer.Stop()
		logger.Info("relock aborted during dwell")
		s.finish(Result{Attempt: attempt, Outcome: OutcomeAborted, StartedAt: startedAt, FinishedAt: time.Now(), Err: ErrAborted})
		return
	case <-timer.C:
	}

	s.opts.Region.Lock()
	if ctx.Err() != nil {
		s.opts.Region.Unlock()
		logger.Info("relock aborted before re-enable")
		s.finish(Result{Attempt: attempt, Outcome: OutcomeAborted, StartedAt: startedAt, FinishedAt: time.Now(), Err: ErrAborted})
		return
	}
	s.setState(StateReEnabling)
	// Once started, re-enable is not interrupted by Abort.
	result := s.reEnable(context.WithoutCancel(ctx))
	s.opts.Region.Unlock()

	result.Attempt = attempt
	result.StartedAt = startedAt
	result.FinishedAt = time.Now()
	if result.Err != nil {
		logger.Error("relock re-enable failed, output left disabled", "err", result.Err)
	} else {
		logger.Info("relock completed", "relock_voltage", result.RelockVoltage, "duration", result.FinishedAt.Sub(startedAt))
	}
	s.finish(result)
}

// reEnable applies the resolved limits. Any failure disables the controller
// output again before returning.
func (s *Sequencer) reEnable(ctx context.Context) Result {
	cfg := s.opts.Settings()
	req := cfg.LimitRequest(false)
	req.LastLock, req.HasLastLock = s.opts.LastLock()
	limits := lock.Resolve(req)

	result := Result{Outcome: OutcomeFailed, Limits: limits}
	board := s.opts.Board
	pid, asg := cfg.ControllerIndex, cfg.GeneratorIndex

	fail := func(err error) Result {
		_, offErr := board.SetController(ctx, pid, instrument.ControllerOutput, string(instrument.RouteOff))
		result.Err = multierr.Append(err, offErr)
		return result
	}

	if _, err := board.SetGenerator(ctx, asg, instrument.GeneratorOutput, string(instrument.RouteOff)); err != nil {
		return fail(err)
	}
	if _, err := board.SetGenerator(ctx, asg, instrument.GeneratorWaveform, string(limits.Waveform)); err != nil {
		return fail(err)
	}
	offset, err := board.SetGeneratorFloat(ctx, asg, instrument.GeneratorOffset, limits.Offset)
	if err != nil {
		return fail(err)
	}
	if _, err := board.SetGeneratorFloat(ctx, asg, instrument.GeneratorAmplitude, limits.Amplitude); err != nil {
		return fail(err)
	}
	if _, err := board.SetGeneratorFloat(ctx, asg, instrument.GeneratorFrequency, limits.Frequency); err != nil {
		return fail(err)
	}
	if _, err := board.SetGenerator(ctx, asg, instrument.GeneratorTrigger, instrument.TriggerImmediately); err != nil {
		return fail(err)
	}
	if _, err := board.SetControllerFloat(ctx, pid, instrument.ControllerIntegrator, 0); err != nil {
		return fail(err)
	}
	// Clamps are relative to the offset actually applied.
	if _, err := board.SetControllerFloat(ctx, pid, instrument.ControllerMax, limits.Max-offset); err != nil {
		return fail(err)
	}
	if _, err := board.SetControllerFloat(ctx, pid, instrument.ControllerMin, limits.Min-offset); err != nil {
		return fail(err)
	}
	if _, err := board.SetGenerator(ctx, asg, instrument.GeneratorOutput, string(cfg.Output)); err != nil {
		return fail(err)
	}
	got, err := board.SetController(ctx, pid, instrument.ControllerOutput, string(cfg.Output))
	if err != nil {
		return fail(err)
	}
	if got != string(cfg.Output) {
		return fail(fmt.Errorf("controller output reads back %q, want %q", got, cfg.Output))
	}

	result.Outcome = OutcomeCompleted
	result.RelockVoltage = offset

	if s.opts.Applied != nil {
		cfg.RelockVoltage = offset
		cfg.Integrator = 0
		s.opts.Applied(cfg)
	}
	return result
}

func (s *Sequencer) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Sequencer) finish(result Result) {
	s.mu.Lock()
	s.state = StateIdle
	s.cancel = nil
	s.dwellFor = 0
	s.mu.Unlock()

	if s.opts.Done != nil {
		s.opts.Done(result)
	}
}

func dwellProgress(elapsed, total time.Duration) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(elapsed) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
