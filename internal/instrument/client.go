package instrument

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var (
	// ErrRemote wraps an ERR reply from the board agent.
	ErrRemote = errors.New("instrument: board rejected command")
	// ErrDisconnected reports a client whose stream was dropped after a failed
	// round trip and that has no way to reconnect.
	ErrDisconnected = errors.New("instrument: connection lost")
	// ErrClientClosed reports use of a closed client.
	ErrClientClosed = errors.New("instrument: client closed")
)

const defaultCommandTimeout = 5 * time.Second

type deadliner interface {
	SetDeadline(time.Time) error
}

// Client speaks the line protocol to a board agent over any byte stream.
// Commands are newline-terminated; every command gets exactly one reply line.
//
//	PID0:OUTPUT out1    -> OK
//	PID0:OUTPUT?        -> out1
//	ASG1:OFFSET?        -> 0.25
//	ACQ:TRACE? in1,out1,0.1 -> t;in;out,t;in;out,...
//
// A reply starting with "ERR " reports a rejected command.
//
// Replies carry no tag, so a failed write or read (a missed deadline
// included) drops the stream: a late reply must never answer the next
// command. The next command redials when the client has a Dialer and fails
// with ErrDisconnected otherwise.
type Client struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	timeout time.Duration
	dial    Dialer
	closed  bool
}

// Dialer opens a fresh stream to the board agent.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCommandTimeout bounds each round trip when the stream supports deadlines.
func WithCommandTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRedial lets the client replace a dropped stream.
func WithRedial(dial Dialer) ClientOption {
	return func(c *Client) {
		c.dial = dial
	}
}

// NewClient wraps conn. The client owns conn and closes it on Close.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{timeout: defaultCommandTimeout}
	c.attach(conn)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReadController implements Port.
func (c *Client) ReadController(ctx context.Context, index int, field ControllerField) (string, error) {
	return c.query(ctx, 0, fmt.Sprintf("PID%d:%s?", index, strings.ToUpper(string(field))))
}

// WriteController implements Port.
func (c *Client) WriteController(ctx context.Context, index int, field ControllerField, value string) error {
	return c.command(ctx, fmt.Sprintf("PID%d:%s %s", index, strings.ToUpper(string(field)), value))
}

// ReadGenerator implements Port.
func (c *Client) ReadGenerator(ctx context.Context, index int, field GeneratorField) (string, error) {
	return c.query(ctx, 0, fmt.Sprintf("ASG%d:%s?", index, strings.ToUpper(string(field))))
}

// WriteGenerator implements Port.
func (c *Client) WriteGenerator(ctx context.Context, index int, field GeneratorField, value string) error {
	return c.command(ctx, fmt.Sprintf("ASG%d:%s %s", index, strings.ToUpper(string(field)), value))
}

// Acquire implements Port.
func (c *Client) Acquire(ctx context.Context, input, output Route, duration time.Duration) (Trace, error) {
	line := fmt.Sprintf("ACQ:TRACE? %s,%s,%s", input, output, formatFloat(duration.Seconds()))
	reply, err := c.query(ctx, duration, line)
	if err != nil {
		return Trace{}, err
	}
	return parseTrace(reply)
}

// Close implements Port.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.reader = nil, nil
	return err
}

func (c *Client) attach(conn io.ReadWriteCloser) {
	c.conn = conn
	c.reader = bufio.NewReader(conn)
}

// drop closes a stream whose reply framing can no longer be trusted.
func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn, c.reader = nil, nil
}

func (c *Client) ensureConn(ctx context.Context) error {
	if c.closed {
		return ErrClientClosed
	}
	if c.conn != nil {
		return nil
	}
	if c.dial == nil {
		return ErrDisconnected
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return multierr.Combine(ErrDisconnected, err)
	}
	c.attach(conn)
	return nil
}

func (c *Client) command(ctx context.Context, line string) error {
	reply, err := c.query(ctx, 0, line)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("%s: unexpected reply %q", line, reply)
	}
	return nil
}

func (c *Client) query(ctx context.Context, extra time.Duration, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", line, err)
	}

	if d, ok := c.conn.(deadliner); ok {
		deadline := time.Now().Add(c.timeout + extra)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		if err := d.SetDeadline(deadline); err != nil {
			c.drop()
			return "", fmt.Errorf("set deadline: %w", err)
		}
		defer func() {
			_ = d.SetDeadline(time.Time{})
		}()
	}

	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		c.drop()
		return "", fmt.Errorf("%s: write: %w", line, err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		c.drop()
		return "", fmt.Errorf("%s: read: %w", line, err)
	}
	reply = strings.TrimRight(reply, "\r\n")
	if msg, ok := strings.CutPrefix(reply, "ERR"); ok {
		return "", fmt.Errorf("%s: %w: %s", line, ErrRemote, strings.TrimSpace(msg))
	}
	return reply, nil
}

func parseTrace(reply string) (Trace, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Trace{}, nil
	}
	points := strings.Split(reply, ",")
	trace := Trace{
		Times:  make([]float64, 0, len(points)),
		Input:  make([]float64, 0, len(points)),
		Output: make([]float64, 0, len(points)),
	}
	for i, point := range points {
		parts := strings.Split(point, ";")
		if len(parts) != 3 {
			return Trace{}, fmt.Errorf("trace point %d: want t;in;out, got %q", i, point)
		}
		var values [3]float64
		var errs error
		for j, part := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			errs = multierr.Append(errs, err)
			values[j] = v
		}
		if errs != nil {
			return Trace{}, fmt.Errorf("trace point %d: %w", i, errs)
		}
		trace.Times = append(trace.Times, values[0])
		trace.Input = append(trace.Input, values[1])
		trace.Output = append(trace.Output, values[2])
	}
	return trace, nil
}

func formatTrace(trace Trace) string {
	n := min(len(trace.Times), len(trace.Input), len(trace.Output))
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(formatFloat(trace.Times[i]))
		b.WriteByte(';')
		b.WriteString(formatFloat(trace.Input[i]))
		b.WriteByte(';')
		b.WriteString(formatFloat(trace.Output[i]))
	}
	return b.String()
}
