package instrument

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HardwareWriteError reports a failed write or a failed read-back of the
// value just written.
type HardwareWriteError struct {
	Address string
	Block   string
	Index   int
	Field   string
	Value   string
	Err     error
}

func (e *HardwareWriteError) Error() string {
	return fmt.Sprintf("hardware write %s %s%d.%s=%q: %v", e.Address, e.Block, e.Index, e.Field, e.Value, e.Err)
}

func (e *HardwareWriteError) Unwrap() error {
	return e.Err
}

// Board wraps a Port. Every write is followed by a read-back and callers only
// ever see the read-back value, since the board silently rounds and clamps.
type Board struct {
	address string
	port    Port
	limiter *rate.Limiter
	logger  *slog.Logger
}

// BoardOption configures a Board.
type BoardOption func(*Board)

// WithRateLimit throttles board commands to perSecond with the given burst.
// A non-positive rate leaves the board unthrottled.
func WithRateLimit(perSecond float64, burst int) BoardOption {
	return func(b *Board) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger attaches a logger used for command tracing at debug level.
func WithLogger(logger *slog.Logger) BoardOption {
	return func(b *Board) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBoard builds a Board for the port reachable at address.
func NewBoard(address string, port Port, opts ...BoardOption) *Board {
	b := &Board{
		address: address,
		port:    port,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Address returns the address the board was opened with.
func (b *Board) Address() string {
	return b.address
}

// Controller reads a controller field.
func (b *Board) Controller(ctx context.Context, index int, field ControllerField) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	value, err := b.port.ReadController(ctx, index, field)
	if err != nil {
		return "", fmt.Errorf("read pid%d.%s: %w", index, field, err)
	}
	return value, nil
}

// ControllerFloat reads a numeric controller field.
func (b *Board) ControllerFloat(ctx context.Context, index int, field ControllerField) (float64, error) {
	raw, err := b.Controller(ctx, index, field)
	if err != nil {
		return 0, err
	}
	v, err := parseFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("parse pid%d.%s: %w", index, field, err)
	}
	return v, nil
}

// SetController writes a controller field and returns the read-back value.
func (b *Board) SetController(ctx context.Context, index int, field ControllerField, value string) (string, error) {
	wrap := func(err error) error {
		return &HardwareWriteError{Address: b.address, Block: "pid", Index: index, Field: string(field), Value: value, Err: err}
	}
	if err := b.wait(ctx); err != nil {
		return "", wrap(err)
	}
	b.logger.Debug("controller write", "index", index, "field", field, "value", value)
	if err := b.port.WriteController(ctx, index, field, value); err != nil {
		return "", wrap(err)
	}
	if err := b.wait(ctx); err != nil {
		return "", wrap(err)
	}
	readBack, err := b.port.ReadController(ctx, index, field)
	if err != nil {
		return "", wrap(fmt.Errorf("read back: %w", err))
	}
	return readBack, nil
}

// SetControllerFloat writes a numeric controller field and returns the
// read-back value.
func (b *Board) SetControllerFloat(ctx context.Context, index int, field ControllerField, value float64) (float64, error) {
	text := formatFloat(value)
	raw, err := b.SetController(ctx, index, field, text)
	if err != nil {
		return 0, err
	}
	v, err := parseFloat(raw)
	if err != nil {
		return 0, &HardwareWriteError{Address: b.address, Block: "pid", Index: index, Field: string(field), Value: text, Err: fmt.Errorf("read back: %w", err)}
	}
	return v, nil
}

// Generator reads a generator field.
func (b *Board) Generator(ctx context.Context, index int, field GeneratorField) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	value, err := b.port.ReadGenerator(ctx, index, field)
	if err != nil {
		return "", fmt.Errorf("read asg%d.%s: %w", index, field, err)
	}
	return value, nil
}

// GeneratorFloat reads a numeric generator field.
func (b *Board) GeneratorFloat(ctx context.Context, index int, field GeneratorField) (float64, error) {
	raw, err := b.Generator(ctx, index, field)
	if err != nil {
		return 0, err
	}
	v, err := parseFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("parse asg%d.%s: %w", index, field, err)
	}
	return v, nil
}

// SetGenerator writes a generator field and returns the read-back value.
func (b *Board) SetGenerator(ctx context.Context, index int, field GeneratorField, value string) (string, error) {
	wrap := func(err error) error {
		return &HardwareWriteError{Address: b.address, Block: "asg", Index: index, Field: string(field), Value: value, Err: err}
	}
	if err := b.wait(ctx); err != nil {
		return "", wrap(err)
	}
	b.logger.Debug("generator write", "index", index, "field", field, "value", value)
	if err := b.port.WriteGenerator(ctx, index, field, value); err != nil {
		return "", wrap(err)
	}
	if err := b.wait(ctx); err != nil {
		return "", wrap(err)
	}
	readBack, err := b.port.ReadGenerator(ctx, index, field)
	if err != nil {
		return "", wrap(fmt.Errorf("read back: %w", err))
	}
	return readBack, nil
}

// SetGeneratorFloat writes a numeric generator field and returns the
// read-back value.
func (b *Board) SetGeneratorFloat(ctx context.Context, index int, field GeneratorField, value float64) (float64, error) {
	text := formatFloat(value)
	raw, err := b.SetGenerator(ctx, index, field, text)
	if err != nil {
		return 0, err
	}
	v, err := parseFloat(raw)
	if err != nil {
		return 0, &HardwareWriteError{Address: b.address, Block: "asg", Index: index, Field: string(field), Value: text, Err: fmt.Errorf("read back: %w", err)}
	}
	return v, nil
}

// Acquire captures a trace of the given routes.
func (b *Board) Acquire(ctx context.Context, input, output Route, duration time.Duration) (Trace, error) {
	if err := b.wait(ctx); err != nil {
		return Trace{}, err
	}
	trace, err := b.port.Acquire(ctx, input, output, duration)
	if err != nil {
		return Trace{}, fmt.Errorf("acquire %s/%s: %w", input, output, err)
	}
	return trace, nil
}

// Close releases the underlying port.
func (b *Board) Close() error {
	return b.port.Close()
}

func (b *Board) wait(ctx context.Context) error {
	if b.limiter == nil {
		return ctx.Err()
	}
	return b.limiter.Wait(ctx)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}
