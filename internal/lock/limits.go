package lock

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Physical output range of the board's fast DACs.
const (
	OutputCeiling = 1.0
	OutputFloor   = -1.0
)

// Policy selects how the relock voltage is chosen.
type Policy string

const (
	PolicyManual   Policy = "manual"
	PolicyLastLock Policy = "last_lock"
	PolicyCentre   Policy = "centre"
	PolicyCustom   Policy = "custom"
)

// legacyPolicies maps names written by older settings files.
var legacyPolicies = map[string]Policy{
	"prev":            PolicyLastLock,
	"previous":        PolicyLastLock,
	"last":            PolicyLastLock,
	"last-lock-value": PolicyLastLock,
	"center":          PolicyCentre,
	"middle":          PolicyCentre,
	"fixed":           PolicyManual,
	"fixed-manual":    PolicyManual,
	"initial":         PolicyManual,
}

// ParsePolicy normalises a persisted policy name. Unknown names return an
// error together with PolicyManual.
func ParsePolicy(raw string) (Policy, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch Policy(name) {
	case PolicyManual, PolicyLastLock, PolicyCentre, PolicyCustom:
		return Policy(name), nil
	}
	if p, ok := legacyPolicies[name]; ok {
		return p, nil
	}
	return PolicyManual, fmt.Errorf("unknown relock policy %q", raw)
}

// Waveform is the generator output shape.
type Waveform string

const (
	WaveformDC   Waveform = "dc"
	WaveformRamp Waveform = "ramp"
)

// Sweep describes the open-loop ramp.
type Sweep struct {
	Enabled   bool
	Max       float64
	Min       float64
	Frequency float64
}

// LimitRequest carries everything Resolve needs; it is a value so repeated
// calls cannot observe each other.
type LimitRequest struct {
	Max    float64
	Min    float64
	Policy Policy
	// Custom is the operator-entered text for PolicyCustom.
	Custom string
	// Previous is the relock voltage stored by the last resolution.
	Previous float64
	// Manual is the fixed override used by PolicyManual.
	Manual      float64
	LastLock    float64
	HasLastLock bool
	Sweep       Sweep
}

// Limits is the set of values the caller applies to the board.
type Limits struct {
	Max           float64  `json:"max_voltage"`
	Min           float64  `json:"min_voltage"`
	Relock        float64  `json:"relock_voltage"`
	ControllerMax float64  `json:"controller_max"`
	ControllerMin float64  `json:"controller_min"`
	Offset        float64  `json:"generator_offset"`
	Amplitude     float64  `json:"generator_amplitude"`
	Frequency     float64  `json:"generator_frequency"`
	Waveform      Waveform `json:"generator_waveform"`
	// ControllerOff is set while sweeping: the controller output must stay off.
	ControllerOff bool `json:"controller_off"`
}

// Resolve computes controller clamps and generator settings such that the
// generator's DC offset plus the controller's clamp window reproduce the
// absolute [Min, Max] window.
func Resolve(req LimitRequest) Limits {
	maxV, minV := clampRange(req.Max, req.Min)

	relock := selectRelock(req, maxV, minV)
	relock = clamp(relock, minV, maxV)

	limits := Limits{
		Max:           maxV,
		Min:           minV,
		Relock:        relock,
		Offset:        relock,
		ControllerMax: maxV - relock,
		ControllerMin: minV - relock,
		Waveform:      WaveformDC,
	}

	if req.Sweep.Enabled {
		sweepMax := clamp(req.Sweep.Max, minV, maxV)
		sweepMin := clamp(req.Sweep.Min, minV, maxV)
		if sweepMax < sweepMin {
			mid := midpoint(sweepMax, sweepMin)
			sweepMax, sweepMin = mid, mid
		}
		limits.Waveform = WaveformRamp
		limits.Offset = midpoint(sweepMax, sweepMin)
		limits.Amplitude = (sweepMax - sweepMin) / 2
		limits.Frequency = req.Sweep.Frequency
		limits.ControllerOff = true
	}

	return limits
}

// ClampBounds applies the physical range and collapses an inverted window to
// its midpoint.
func ClampBounds(maxV, minV float64) (float64, float64) {
	return clampRange(maxV, minV)
}

func clampRange(maxV, minV float64) (float64, float64) {
	maxV = clamp(maxV, OutputFloor, OutputCeiling)
	minV = clamp(minV, OutputFloor, OutputCeiling)
	if maxV < minV {
		mid := midpoint(maxV, minV)
		maxV, minV = mid, mid
	}
	return maxV, minV
}

func selectRelock(req LimitRequest, maxV, minV float64) float64 {
	switch req.Policy {
	case PolicyCentre:
		return midpoint(maxV, minV)
	case PolicyLastLock:
		if req.HasLastLock {
			return req.LastLock
		}
		return midpoint(maxV, minV)
	case PolicyCustom:
		v, err := strconv.ParseFloat(strings.TrimSpace(req.Custom), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return req.Previous
		}
		return v
	default:
		return req.Manual
	}
}

func midpoint(a, b float64) float64 {
	return (a + b) / 2
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
