package instrument

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Serve answers line-protocol commands read from conn against port until
// conn reaches EOF or ctx is cancelled. It is the board-side counterpart of
// Client.
func Serve(ctx context.Context, conn io.ReadWriter, port Port) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := dispatch(ctx, port, line)
		if err != nil {
			reply = "ERR " + strings.ReplaceAll(err.Error(), "\n", " ")
		}
		if _, err := io.WriteString(conn, reply+"\n"); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// ServeListener accepts connections on ln and serves each one against port.
// Connections share port, so commands from different clients interleave.
func ServeListener(ctx context.Context, ln net.Listener, port Port, logger *slog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				<-connCtx.Done()
				_ = conn.Close()
			}()
			remote := conn.RemoteAddr().String()
			logger.Info("agent client connected", "remote", remote)
			if err := Serve(connCtx, conn, port); err != nil && connCtx.Err() == nil {
				logger.Warn("agent client failed", "remote", remote, "err", err)
				return
			}
			logger.Info("agent client disconnected", "remote", remote)
		}()
	}
}

func dispatch(ctx context.Context, port Port, line string) (string, error) {
	head, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	target, field, ok := strings.Cut(head, ":")
	if !ok {
		return "", fmt.Errorf("malformed command %q", line)
	}
	target = strings.ToUpper(target)
	query := strings.HasSuffix(field, "?")
	field = strings.ToLower(strings.TrimSuffix(field, "?"))

	if target == "ACQ" {
		if field != "trace" || !query {
			return "", fmt.Errorf("unknown acquisition command %q", head)
		}
		return acquire(ctx, port, arg)
	}

	switch {
	case strings.HasPrefix(target, "PID"):
		index, err := strconv.Atoi(strings.TrimPrefix(target, "PID"))
		if err != nil {
			return "", fmt.Errorf("bad controller index in %q", target)
		}
		if query {
			return port.ReadController(ctx, index, ControllerField(field))
		}
		if err := port.WriteController(ctx, index, ControllerField(field), arg); err != nil {
			return "", err
		}
		return "OK", nil
	case strings.HasPrefix(target, "ASG"):
		index, err := strconv.Atoi(strings.TrimPrefix(target, "ASG"))
		if err != nil {
			return "", fmt.Errorf("bad generator index in %q", target)
		}
		if query {
			return port.ReadGenerator(ctx, index, GeneratorField(field))
		}
		if err := port.WriteGenerator(ctx, index, GeneratorField(field), arg); err != nil {
			return "", err
		}
		return "OK", nil
	default:
		return "", fmt.Errorf("unknown block %q", target)
	}
}

func acquire(ctx context.Context, port Port, arg string) (string, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 3 {
		return "", fmt.Errorf("want <in>,<out>,<seconds>, got %q", arg)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil || seconds < 0 {
		return "", fmt.Errorf("bad duration %q", parts[2])
	}
	input := Route(strings.ToLower(strings.TrimSpace(parts[0])))
	output := Route(strings.ToLower(strings.TrimSpace(parts[1])))
	trace, err := port.Acquire(ctx, input, output, time.Duration(seconds*float64(time.Second)))
	if err != nil {
		return "", err
	}
	return formatTrace(trace), nil
}
