package monitor

import (
	"time"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/relock"
	"github.com/skobkin/relocker-web/internal/settings"
)

// Mode is the session phase.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeMonitoring Mode = "monitoring"
	ModeRelocking  Mode = "relocking"
)

// ArmMode selects what the channel drives while armed.
type ArmMode string

const (
	ArmNone     ArmMode = ""
	ArmFeedback ArmMode = "feedback"
	ArmSweep    ArmMode = "sweep"
)

// ParseArmMode accepts "feedback" or "sweep".
func ParseArmMode(raw string) (ArmMode, bool) {
	switch ArmMode(raw) {
	case ArmFeedback, ArmSweep:
		return ArmMode(raw), true
	}
	return ArmNone, false
}

// Display is the operator-facing lock label.
type Display string

const (
	DisplayLocked    Display = "Locked"
	DisplayNotLocked Display = "Not locked"
	DisplayRelocking Display = "Relocking"
	DisplayUnsure    Display = "Locked?"
	DisplaySweeping  Display = "Sweeping"
	DisplayDisarmed  Display = "Disarmed"
)

// Session is the runtime lock bookkeeping of an armed channel. It is reset
// on every arm and disarm.
type Session struct {
	Mode              Mode
	Locked            bool
	JustRelocked      bool
	LastLockedAt      *time.Time
	LastLockedVoltage *float64
	LastTrace         *instrument.Trace
	MeanVoltage       *float64
	Display           Display
}

// Counters accumulate over the channel lifetime.
type Counters struct {
	Cycles           uint64 `json:"cycles"`
	LockedCycles     uint64 `json:"locked_cycles"`
	SkippedCycles    uint64 `json:"skipped_cycles"`
	CycleErrors      uint64 `json:"cycle_errors"`
	RelocksCompleted uint64 `json:"relocks_completed"`
	RelocksFailed    uint64 `json:"relocks_failed"`
	RelocksAborted   uint64 `json:"relocks_aborted"`
}

// RelockSummary describes the most recent finished relock attempt.
type RelockSummary struct {
	Attempt       string         `json:"attempt"`
	Outcome       relock.Outcome `json:"outcome"`
	FinishedAt    time.Time      `json:"finished_at"`
	RelockVoltage float64        `json:"relock_voltage"`
	Error         string         `json:"error,omitempty"`
}

// State is an immutable snapshot of a channel published to observers.
type State struct {
	Channel           string            `json:"channel"`
	Timestamp         time.Time         `json:"ts"`
	Armed             ArmMode           `json:"armed"`
	Autorelock        bool              `json:"autorelock"`
	Mode              Mode              `json:"mode"`
	Display           Display           `json:"display"`
	Locked            bool              `json:"locked"`
	JustRelocked      bool              `json:"just_relocked"`
	MeanVoltage       *float64          `json:"mean_voltage"`
	LastLockedAt      *time.Time        `json:"last_locked_at"`
	LastLockedVoltage *float64          `json:"last_locked_voltage"`
	Relock            relock.Status     `json:"relock"`
	LastRelock        *RelockSummary    `json:"last_relock"`
	LastError         string            `json:"last_error,omitempty"`
	Counters          Counters          `json:"counters"`
	Settings          settings.Channel  `json:"settings"`
	Trace             *instrument.Trace `json:"trace,omitempty"`
}

func newSession() Session {
	return Session{Mode: ModeIdle, Display: DisplayDisarmed}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
