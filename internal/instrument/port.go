// Package instrument talks to the I/O board: its PID controller blocks, its
// arbitrary signal generators and its scope. The rest of the application only
// sees the Port contract and the read-back Board wrapper.
package instrument

import (
	"context"
	"time"
)

// ControllerField names a writable property of a PID controller block.
type ControllerField string

const (
	ControllerInput      ControllerField = "input"
	ControllerOutput     ControllerField = "output"
	ControllerP          ControllerField = "p"
	ControllerI          ControllerField = "i"
	ControllerSetpoint   ControllerField = "setpoint"
	ControllerIntegrator ControllerField = "ival"
	ControllerMax        ControllerField = "max"
	ControllerMin        ControllerField = "min"
	ControllerTrigger    ControllerField = "trigger"
)

// GeneratorField names a writable property of a signal generator block.
type GeneratorField string

const (
	GeneratorWaveform  GeneratorField = "waveform"
	GeneratorOffset    GeneratorField = "offset"
	GeneratorAmplitude GeneratorField = "amplitude"
	GeneratorFrequency GeneratorField = "frequency"
	GeneratorOutput    GeneratorField = "output"
	GeneratorTrigger   GeneratorField = "trigger"
)

// Route is a physical input or output selector.
type Route string

const (
	RouteOff  Route = "off"
	RouteIn1  Route = "in1"
	RouteIn2  Route = "in2"
	RouteOut1 Route = "out1"
	RouteOut2 Route = "out2"
)

// TriggerImmediately starts a generator without waiting for an external edge.
const TriggerImmediately = "immediately"

// InputRoutes lists the selectors accepted for a controller input.
var InputRoutes = []Route{RouteOff, RouteIn1, RouteIn2}

// OutputRoutes lists the selectors accepted for controller and generator outputs.
var OutputRoutes = []Route{RouteOff, RouteOut1, RouteOut2}

// ValidInput reports whether r can feed a controller.
func ValidInput(r Route) bool {
	return containsRoute(InputRoutes, r)
}

// ValidOutput reports whether r is a DAC output.
func ValidOutput(r Route) bool {
	return containsRoute(OutputRoutes, r)
}

func containsRoute(routes []Route, r Route) bool {
	for _, candidate := range routes {
		if candidate == r {
			return true
		}
	}
	return false
}

// Trace is one scope acquisition: the detector input and the monitored
// controller output, sampled at Times (seconds from trigger).
type Trace struct {
	Times  []float64 `json:"times"`
	Input  []float64 `json:"input"`
	Output []float64 `json:"output"`
}

// Port is the raw board capability. Values travel as text because the board
// mixes numeric fields with selector fields; Board provides typed access.
type Port interface {
	ReadController(ctx context.Context, index int, field ControllerField) (string, error)
	WriteController(ctx context.Context, index int, field ControllerField, value string) error
	ReadGenerator(ctx context.Context, index int, field GeneratorField) (string, error)
	WriteGenerator(ctx context.Context, index int, field GeneratorField, value string) error
	// Acquire may block for up to duration while the scope rolls.
	Acquire(ctx context.Context, input, output Route, duration time.Duration) (Trace, error)
	Close() error
}
