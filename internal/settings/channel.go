// Package settings owns the persisted per-channel configuration: its default
// table, the key-by-key merge performed on load, normalisation, atomic saves
// and the board routing claims shared by all channels.
package settings

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/lock"
)

// Channel is the persisted configuration of one laser channel.
type Channel struct {
	Name            string           `yaml:"name" json:"name"`
	Address         string           `yaml:"address" json:"address"`
	ControllerIndex int              `yaml:"controller_index" json:"controller_index"`
	GeneratorIndex  int              `yaml:"generator_index" json:"generator_index"`
	Input           instrument.Route `yaml:"input" json:"input"`
	Output          instrument.Route `yaml:"output" json:"output"`

	P          float64 `yaml:"p" json:"p"`
	IHz        float64 `yaml:"i_hz" json:"i_hz"`
	Setpoint   float64 `yaml:"setpoint_v" json:"setpoint_v"`
	Integrator float64 `yaml:"integrator" json:"integrator"`
	// Offset is the fixed relock voltage used by the manual policy.
	Offset float64 `yaml:"offset_v" json:"offset_v"`

	MaxVoltage          float64     `yaml:"max_voltage_v" json:"max_voltage_v"`
	MinVoltage          float64     `yaml:"min_voltage_v" json:"min_voltage_v"`
	RelockPolicy        lock.Policy `yaml:"relock_policy" json:"relock_policy"`
	CustomRelockVoltage string      `yaml:"custom_relock_voltage" json:"custom_relock_voltage"`
	RelockVoltage       float64     `yaml:"relock_voltage_v" json:"relock_voltage_v"`

	SweepMax       float64 `yaml:"sweep_max_v" json:"sweep_max_v"`
	SweepMin       float64 `yaml:"sweep_min_v" json:"sweep_min_v"`
	SweepFrequency float64 `yaml:"sweep_frequency_hz" json:"sweep_frequency_hz"`

	MonitorInterval     float64 `yaml:"monitor_interval_s" json:"monitor_interval_s"`
	RelockInterval      float64 `yaml:"relock_interval_s" json:"relock_interval_s"`
	AcquisitionDuration float64 `yaml:"acquisition_duration_s" json:"acquisition_duration_s"`
	LockThreshold       float64 `yaml:"lock_threshold_v" json:"lock_threshold_v"`
}

// Defaults returns the documented default table for a channel.
func Defaults(name, address string, threshold float64) Channel {
	if threshold <= 0 {
		threshold = lock.DefaultThreshold
	}
	return Channel{
		Name:                name,
		Address:             address,
		ControllerIndex:     0,
		GeneratorIndex:      0,
		Input:               instrument.RouteOff,
		Output:              instrument.RouteOff,
		MaxVoltage:          lock.OutputCeiling,
		MinVoltage:          lock.OutputFloor,
		RelockPolicy:        lock.PolicyManual,
		SweepMax:            lock.OutputCeiling,
		SweepMin:            lock.OutputFloor,
		SweepFrequency:      50,
		MonitorInterval:     1,
		RelockInterval:      1,
		AcquisitionDuration: 0.1,
		LockThreshold:       threshold,
	}
}

// Normalize clamps the voltage windows into the physical range, collapses
// inverted windows and replaces unusable timings with their minimums.
func Normalize(c Channel) Channel {
	c.MaxVoltage, c.MinVoltage = lock.ClampBounds(c.MaxVoltage, c.MinVoltage)
	c.SweepMax, c.SweepMin = lock.ClampBounds(c.SweepMax, c.SweepMin)
	if !finite(c.Offset) {
		c.Offset = 0
	}
	c.Offset = math.Max(c.MinVoltage, math.Min(c.MaxVoltage, c.Offset))
	c.Setpoint = math.Max(lock.OutputFloor, math.Min(lock.OutputCeiling, c.Setpoint))
	if c.SweepFrequency < 0 {
		c.SweepFrequency = 0
	}
	if c.MonitorInterval < minInterval {
		c.MonitorInterval = minInterval
	}
	if c.RelockInterval < 0 {
		c.RelockInterval = 0
	}
	if c.AcquisitionDuration < 0 {
		c.AcquisitionDuration = 0
	}
	if c.LockThreshold <= 0 {
		c.LockThreshold = lock.DefaultThreshold
	}
	if c.RelockPolicy == "" {
		c.RelockPolicy = lock.PolicyManual
	}
	return c
}

const minInterval = 0.01

// InvalidError rejects a setting value the board or the resolver cannot use.
type InvalidError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *InvalidError) Unwrap() error {
	return e.Err
}

// Validate canonicalises the relock policy and the routes of c. Legacy policy
// names map onto their current names. Unknown policies and routes are
// reported together as *InvalidError values.
func Validate(c Channel) (Channel, error) {
	var err error

	if strings.TrimSpace(string(c.RelockPolicy)) == "" {
		c.RelockPolicy = lock.PolicyManual
	} else if policy, perr := lock.ParsePolicy(string(c.RelockPolicy)); perr != nil {
		err = multierr.Append(err, &InvalidError{Field: "relock_policy", Value: string(c.RelockPolicy), Err: perr})
	} else {
		c.RelockPolicy = policy
	}

	input, ierr := canonicalRoute("input", c.Input, instrument.ValidInput)
	err = multierr.Append(err, ierr)
	output, oerr := canonicalRoute("output", c.Output, instrument.ValidOutput)
	err = multierr.Append(err, oerr)
	c.Input, c.Output = input, output

	return c, err
}

func canonicalRoute(field string, raw instrument.Route, valid func(instrument.Route) bool) (instrument.Route, error) {
	route := instrument.Route(strings.ToLower(strings.TrimSpace(string(raw))))
	if route == "" {
		return instrument.RouteOff, nil
	}
	if !valid(route) {
		return raw, &InvalidError{Field: field, Value: string(raw), Err: errors.New("unknown route")}
	}
	return route, nil
}

// MonitorEvery is the monitor cycle period.
func (c Channel) MonitorEvery() time.Duration {
	return seconds(c.MonitorInterval)
}

// RelockDwell is the time the controller output stays disabled during a relock.
func (c Channel) RelockDwell() time.Duration {
	return seconds(c.RelockInterval)
}

// AcquireFor is the scope acquisition length of one cycle.
func (c Channel) AcquireFor() time.Duration {
	return seconds(c.AcquisitionDuration)
}

// LimitRequest builds the resolver input for this channel.
func (c Channel) LimitRequest(sweep bool) lock.LimitRequest {
	return lock.LimitRequest{
		Max:      c.MaxVoltage,
		Min:      c.MinVoltage,
		Policy:   c.RelockPolicy,
		Custom:   c.CustomRelockVoltage,
		Previous: c.RelockVoltage,
		Manual:   c.Offset,
		Sweep: lock.Sweep{
			Enabled:   sweep,
			Max:       c.SweepMax,
			Min:       c.SweepMin,
			Frequency: c.SweepFrequency,
		},
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
