// Command lockbox-probe talks to an instrument directly: it dumps the
// controller and generator registers, captures a trace and classifies it, or
// serves a simulated board over TCP for development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/lock"
)

type options struct {
	address    string
	baud       int
	timeout    time.Duration
	controller int
	generator  int
	dump       bool
	acquire    time.Duration
	input      string
	output     string
	threshold  float64
	serveSim   string
	jsonOutput bool
}

var (
	controllerFields = []instrument.ControllerField{
		instrument.ControllerInput,
		instrument.ControllerOutput,
		instrument.ControllerP,
		instrument.ControllerI,
		instrument.ControllerSetpoint,
		instrument.ControllerIntegrator,
		instrument.ControllerMax,
		instrument.ControllerMin,
	}
	generatorFields = []instrument.GeneratorField{
		instrument.GeneratorWaveform,
		instrument.GeneratorOffset,
		instrument.GeneratorAmplitude,
		instrument.GeneratorFrequency,
		instrument.GeneratorOutput,
	}
)

func parseFlags() options {
	defaultAddr := envOrDefault("APP_INSTRUMENT_ADDR", instrument.SimAddress)
	defaultBaud, _ := strconv.Atoi(envOrDefault("APP_INSTRUMENT_BAUD", "115200"))

	var opts options
	flag.StringVar(&opts.address, "addr", defaultAddr, "Instrument address (sim, host:port, tcp://host:port, serial:///dev/ttyX)")
	flag.IntVar(&opts.baud, "baud", defaultBaud, "Serial baud rate")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Second, "Per-command timeout")
	flag.IntVar(&opts.controller, "pid", 0, "Controller index")
	flag.IntVar(&opts.generator, "asg", 0, "Generator index")
	flag.BoolVar(&opts.dump, "dump", true, "Print controller and generator registers")
	flag.DurationVar(&opts.acquire, "acquire", 0, "Capture a trace of this duration and classify it")
	flag.StringVar(&opts.input, "in", string(instrument.RouteIn1), "Acquisition input route")
	flag.StringVar(&opts.output, "out", string(instrument.RouteOut1), "Acquisition output route")
	flag.Float64Var(&opts.threshold, "threshold", lock.DefaultThreshold, "Rail distance for the lock verdict, volts")
	flag.StringVar(&opts.serveSim, "serve-sim", "", "Serve a simulated board on this TCP address instead of probing")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit results as JSON")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.serveSim != "" {
		if err := serveSim(ctx, opts.serveSim, logger); err != nil {
			logger.Error("simulated board stopped", "err", err)
			os.Exit(1)
		}
		return
	}

	port, err := instrument.Open(ctx, opts.address, instrument.OpenConfig{Baud: opts.baud, Timeout: opts.timeout})
	if err != nil {
		logger.Error("open instrument", "addr", opts.address, "err", err)
		os.Exit(1)
	}
	board := instrument.NewBoard(opts.address, port, instrument.WithLogger(logger.With("component", "instrument")))
	defer func() {
		if err := board.Close(); err != nil {
			logger.Warn("close instrument", "err", err)
		}
	}()

	report := map[string]any{"address": opts.address}

	if opts.dump {
		report["controller"] = dumpController(ctx, board, opts.controller)
		report["generator"] = dumpGenerator(ctx, board, opts.generator)
	}

	if opts.acquire > 0 {
		verdict, err := classify(ctx, board, opts)
		if err != nil {
			logger.Error("acquire failed", "err", err)
			os.Exit(1)
		}
		report["verdict"] = verdict
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			logger.Error("encode report", "err", err)
			os.Exit(1)
		}
		return
	}
	printReport(report, opts)
}

func dumpController(ctx context.Context, board *instrument.Board, index int) map[string]string {
	out := make(map[string]string, len(controllerFields))
	for _, field := range controllerFields {
		value, err := board.Controller(ctx, index, field)
		if err != nil {
			value = "error: " + err.Error()
		}
		out[string(field)] = value
	}
	return out
}

func dumpGenerator(ctx context.Context, board *instrument.Board, index int) map[string]string {
	out := make(map[string]string, len(generatorFields))
	for _, field := range generatorFields {
		value, err := board.Generator(ctx, index, field)
		if err != nil {
			value = "error: " + err.Error()
		}
		out[string(field)] = value
	}
	return out
}

func classify(ctx context.Context, board *instrument.Board, opts options) (lock.Verdict, error) {
	input, output := instrument.Route(opts.input), instrument.Route(opts.output)
	if !instrument.ValidInput(input) || !instrument.ValidOutput(output) {
		return lock.Verdict{}, fmt.Errorf("invalid routes %q/%q", opts.input, opts.output)
	}

	maxV, err := board.ControllerFloat(ctx, opts.controller, instrument.ControllerMax)
	if err != nil {
		return lock.Verdict{}, err
	}
	minV, err := board.ControllerFloat(ctx, opts.controller, instrument.ControllerMin)
	if err != nil {
		return lock.Verdict{}, err
	}
	offset, err := board.GeneratorFloat(ctx, opts.generator, instrument.GeneratorOffset)
	if err != nil {
		return lock.Verdict{}, err
	}

	trace, err := board.Acquire(ctx, input, output, opts.acquire)
	if err != nil {
		return lock.Verdict{}, err
	}
	// Controller clamps are relative to the generator offset.
	return lock.Classify(trace.Output, maxV+offset, minV+offset, opts.threshold)
}

func printReport(report map[string]any, opts options) {
	fmt.Printf("Instrument %s\n", opts.address)
	if regs, ok := report["controller"].(map[string]string); ok {
		fmt.Printf("\nPID%d:\n", opts.controller)
		for _, field := range controllerFields {
			fmt.Printf("  %-10s %s\n", field, regs[string(field)])
		}
	}
	if regs, ok := report["generator"].(map[string]string); ok {
		fmt.Printf("\nASG%d:\n", opts.generator)
		for _, field := range generatorFields {
			fmt.Printf("  %-10s %s\n", field, regs[string(field)])
		}
	}
	if verdict, ok := report["verdict"].(lock.Verdict); ok {
		state := "not locked"
		if verdict.Locked {
			state = "locked"
		}
		fmt.Printf("\nTrace %s->%s over %s: %s (mean %.4f V, %d samples)\n",
			opts.input, opts.output, opts.acquire, state, verdict.MeanVoltage, verdict.Samples)
	}
}

func serveSim(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("serving simulated board", "addr", ln.Addr().String())
	err = instrument.ServeListener(ctx, ln, instrument.NewSim(), logger.With("component", "agent"))
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
