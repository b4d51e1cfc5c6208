package instrument

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SimAddress selects the in-memory board. LegacySimAddress is accepted for
// settings files written before the address scheme existed.
const (
	SimAddress       = "sim"
	LegacySimAddress = "_FAKE_"
)

// OpenConfig holds transport parameters for Open.
type OpenConfig struct {
	Baud    int
	Timeout time.Duration
}

// IsSimAddress reports whether address selects the simulated board.
func IsSimAddress(address string) bool {
	address = strings.TrimSpace(address)
	return address == "" || strings.EqualFold(address, SimAddress) || address == LegacySimAddress
}

// Open connects to the board at address:
//
//	sim, _FAKE_, ""            simulated board
//	tcp://host:port, host:port line protocol over TCP
//	serial:///dev/ttyX, /dev/X line protocol over a serial device
func Open(ctx context.Context, address string, cfg OpenConfig) (Port, error) {
	address = strings.TrimSpace(address)
	if IsSimAddress(address) {
		return NewSim(), nil
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCommandTimeout
	}

	switch {
	case strings.HasPrefix(address, "serial://"):
		return openSerial(strings.TrimPrefix(address, "serial://"), cfg)
	case strings.HasPrefix(address, "/dev/"):
		return openSerial(address, cfg)
	case strings.HasPrefix(address, "tcp://"):
		return dialTCP(ctx, strings.TrimPrefix(address, "tcp://"), cfg)
	default:
		if _, _, err := net.SplitHostPort(address); err != nil {
			return nil, fmt.Errorf("unsupported instrument address %q", address)
		}
		return dialTCP(ctx, address, cfg)
	}
}

func dialTCP(ctx context.Context, hostport string, cfg OpenConfig) (Port, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, err := dialer.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", hostport, err)
		}
		return conn, nil
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, WithCommandTimeout(cfg.Timeout), WithRedial(dial)), nil
}

func openSerial(path string, cfg OpenConfig) (Port, error) {
	baud := cfg.Baud
	if baud <= 0 {
		baud = 115200
	}
	dial := func(context.Context) (io.ReadWriteCloser, error) {
		port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", path, err)
		}
		// Serial ports have no deadlines; the read timeout bounds each reply.
		if err := port.SetReadTimeout(cfg.Timeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("configure serial %s: %w", path, err)
		}
		if err := port.ResetInputBuffer(); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("flush serial %s: %w", path, err)
		}
		return serialConn{port}, nil
	}
	conn, err := dial(context.Background())
	if err != nil {
		return nil, err
	}
	return NewClient(conn, WithCommandTimeout(cfg.Timeout), WithRedial(dial)), nil
}

// serialConn turns the empty read a serial port returns on timeout into an
// error, so a silent agent fails the round trip instead of stalling it.
type serialConn struct {
	serial.Port
}

func (c serialConn) Read(p []byte) (int, error) {
	n, err := c.Port.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}
