package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	simControllers = 3
	simGenerators  = 2
	simTraceLength = 128
	// 14-bit DAC across the ±1 V range.
	simVoltStep = 2.0 / (1 << 14)
)

// ErrClosed is returned by ports used after Close.
var ErrClosed = errors.New("instrument: port closed")

// SimState is what the simulated signal model sees for one channel.
type SimState struct {
	ControllerOutput Route
	Integrator       float64
	Setpoint         float64
	Max              float64
	Min              float64
	Waveform         string
	Offset           float64
	Amplitude        float64
	GeneratorOutput  Route
}

// SignalFunc produces the input and output samples of one acquisition.
type SignalFunc func(state SimState, n int) (input, output []float64)

// SimWrite is one entry of the simulator's write journal.
type SimWrite struct {
	Block string
	Index int
	Field string
	Value string
}

// Sim is an in-memory board used when no hardware address is configured and
// throughout the tests. It rounds and clamps like the real DACs do.
type Sim struct {
	mu          sync.Mutex
	controllers [simControllers]map[ControllerField]string
	generators  [simGenerators]map[GeneratorField]string
	signal      SignalFunc
	faults      map[string]error
	journal     []SimWrite
	closed      bool
}

// NewSim returns a simulated board with every block idle.
func NewSim() *Sim {
	s := &Sim{faults: make(map[string]error)}
	for i := range s.controllers {
		s.controllers[i] = map[ControllerField]string{
			ControllerInput:      string(RouteOff),
			ControllerOutput:     string(RouteOff),
			ControllerP:          "0",
			ControllerI:          "0",
			ControllerSetpoint:   "0",
			ControllerIntegrator: "0",
			ControllerMax:        "1",
			ControllerMin:        "-1",
			ControllerTrigger:    "off",
		}
	}
	for i := range s.generators {
		s.generators[i] = map[GeneratorField]string{
			GeneratorWaveform:  "dc",
			GeneratorOffset:    "0",
			GeneratorAmplitude: "0",
			GeneratorFrequency: "0",
			GeneratorOutput:    string(RouteOff),
			GeneratorTrigger:   "off",
		}
	}
	return s
}

// SetSignal replaces the signal model. A nil fn restores the default model.
func (s *Sim) SetSignal(fn SignalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = fn
}

// Fail makes writes to block/index/field fail with err until cleared with a
// nil err. block is "pid" or "asg".
func (s *Sim) Fail(block string, index int, field string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := faultKey(block, index, field)
	if err == nil {
		delete(s.faults, key)
		return
	}
	s.faults[key] = err
}

// Journal returns a copy of every accepted write so far.
func (s *Sim) Journal() []SimWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimWrite, len(s.journal))
	copy(out, s.journal)
	return out
}

// ReadController implements Port.
func (s *Sim) ReadController(_ context.Context, index int, field ControllerField) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkController(index); err != nil {
		return "", err
	}
	value, ok := s.controllers[index][field]
	if !ok {
		return "", fmt.Errorf("unknown controller field %q", field)
	}
	return value, nil
}

// WriteController implements Port.
func (s *Sim) WriteController(_ context.Context, index int, field ControllerField, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkController(index); err != nil {
		return err
	}
	if err := s.faults[faultKey("pid", index, string(field))]; err != nil {
		return err
	}

	var stored string
	switch field {
	case ControllerInput:
		if !ValidInput(Route(value)) {
			return fmt.Errorf("invalid input route %q", value)
		}
		stored = value
	case ControllerOutput:
		if !ValidOutput(Route(value)) {
			return fmt.Errorf("invalid output route %q", value)
		}
		stored = value
	case ControllerTrigger:
		stored = value
	case ControllerP, ControllerI:
		v, err := parseFloat(value)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", field, value, err)
		}
		stored = formatFloat(v)
	case ControllerSetpoint, ControllerIntegrator, ControllerMax, ControllerMin:
		v, err := parseFloat(value)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", field, value, err)
		}
		stored = formatFloat(quantize(v))
	default:
		return fmt.Errorf("unknown controller field %q", field)
	}

	s.controllers[index][field] = stored
	s.journal = append(s.journal, SimWrite{Block: "pid", Index: index, Field: string(field), Value: stored})
	return nil
}

// ReadGenerator implements Port.
func (s *Sim) ReadGenerator(_ context.Context, index int, field GeneratorField) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkGenerator(index); err != nil {
		return "", err
	}
	value, ok := s.generators[index][field]
	if !ok {
		return "", fmt.Errorf("unknown generator field %q", field)
	}
	return value, nil
}

// WriteGenerator implements Port.
func (s *Sim) WriteGenerator(_ context.Context, index int, field GeneratorField, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkGenerator(index); err != nil {
		return err
	}
	if err := s.faults[faultKey("asg", index, string(field))]; err != nil {
		return err
	}

	var stored string
	switch field {
	case GeneratorWaveform:
		switch value {
		case "dc", "ramp", "sin", "square":
			stored = value
		default:
			return fmt.Errorf("invalid waveform %q", value)
		}
	case GeneratorOutput:
		if !ValidOutput(Route(value)) {
			return fmt.Errorf("invalid output route %q", value)
		}
		stored = value
	case GeneratorTrigger:
		stored = value
	case GeneratorOffset, GeneratorAmplitude:
		v, err := parseFloat(value)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", field, value, err)
		}
		stored = formatFloat(quantize(v))
	case GeneratorFrequency:
		v, err := parseFloat(value)
		if err != nil {
			return fmt.Errorf("invalid frequency %q: %w", value, err)
		}
		if v < 0 {
			v = 0
		}
		stored = formatFloat(v)
	default:
		return fmt.Errorf("unknown generator field %q", field)
	}

	s.generators[index][field] = stored
	s.journal = append(s.journal, SimWrite{Block: "asg", Index: index, Field: string(field), Value: stored})
	return nil
}

// Acquire implements Port. The generator and controller with the same index
// as the routed output drive the simulated signal.
func (s *Sim) Acquire(ctx context.Context, input, output Route, duration time.Duration) (Trace, error) {
	if duration > 0 {
		timer := time.NewTimer(duration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Trace{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Trace{}, ErrClosed
	}

	state := s.stateForOutput(output)
	signal := s.signal
	if signal == nil {
		signal = defaultSignal
	}
	in, out := signal(state, simTraceLength)

	times := make([]float64, len(out))
	step := duration.Seconds() / float64(max(len(out), 1))
	for i := range times {
		times[i] = float64(i) * step
	}
	return Trace{Times: times, Input: in, Output: out}, nil
}

// Close implements Port.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sim) stateForOutput(output Route) SimState {
	index := 0
	if output == RouteOut2 {
		index = 1
	}
	pid := s.controllers[index]
	asg := s.generators[index]
	num := func(raw string) float64 {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	return SimState{
		ControllerOutput: Route(pid[ControllerOutput]),
		Integrator:       num(pid[ControllerIntegrator]),
		Setpoint:         num(pid[ControllerSetpoint]),
		Max:              num(pid[ControllerMax]),
		Min:              num(pid[ControllerMin]),
		Waveform:         asg[GeneratorWaveform],
		Offset:           num(asg[GeneratorOffset]),
		Amplitude:        num(asg[GeneratorAmplitude]),
		GeneratorOutput:  Route(asg[GeneratorOutput]),
	}
}

func (s *Sim) checkController(index int) error {
	if s.closed {
		return ErrClosed
	}
	if index < 0 || index >= simControllers {
		return fmt.Errorf("controller index %d out of range", index)
	}
	return nil
}

func (s *Sim) checkGenerator(index int) error {
	if s.closed {
		return ErrClosed
	}
	if index < 0 || index >= simGenerators {
		return fmt.Errorf("generator index %d out of range", index)
	}
	return nil
}

// defaultSignal models a converged loop: the output rests at the generator
// offset plus the integrator, inside the controller clamp.
func defaultSignal(state SimState, n int) ([]float64, []float64) {
	in := make([]float64, n)
	out := make([]float64, n)
	for i := range out {
		in[i] = state.Setpoint
		switch {
		case state.Waveform == "ramp" && state.GeneratorOutput != RouteOff:
			phase := float64(i) / float64(n)
			out[i] = state.Offset - state.Amplitude + 2*state.Amplitude*phase
		case state.ControllerOutput != RouteOff:
			out[i] = state.Offset + math.Max(state.Min, math.Min(state.Max, state.Integrator))
		case state.GeneratorOutput != RouteOff:
			out[i] = state.Offset
		}
	}
	return in, out
}

func quantize(v float64) float64 {
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return math.Round(v/simVoltStep) * simVoltStep
}

func faultKey(block string, index int, field string) string {
	return strings.ToLower(fmt.Sprintf("%s%d:%s", block, index, field))
}
