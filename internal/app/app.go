// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/skobkin/relocker-web/internal/config"
	"github.com/skobkin/relocker-web/internal/httpserver"
	"github.com/skobkin/relocker-web/internal/instrument"
	"github.com/skobkin/relocker-web/internal/monitor"
	"github.com/skobkin/relocker-web/internal/settings"
	"github.com/skobkin/relocker-web/internal/statestore"
)

const shutdownTimeout = 10 * time.Second

type services struct {
	boards   map[string]*instrument.Board
	history  *statestore.Store
	settings *settings.Store
	routing  *settings.Routing
	manager  *monitor.Manager
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	svc, err := setup(ctx, baseLogger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.close(); err != nil {
			appLogger.Warn("close services", "err", err)
		}
	}()
	appLogger.Info("channels ready", "count", len(cfg.Channels), "boards", len(svc.boards))

	monitorCtx, monitorCancel := context.WithCancel(ctx)
	defer monitorCancel()

	monitorErrCh := make(chan error, 1)
	go func() {
		monitorErrCh <- svc.manager.Run(monitorCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), svc.manager, svc.history, svc.routing)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			monitorCancel()
			if err != nil {
				return err
			}
			if monitorErrCh != nil {
				if monitorErr := <-monitorErrCh; monitorErr != nil && !errors.Is(monitorErr, context.Canceled) {
					return monitorErr
				}
			}
			return nil
		case err := <-monitorErrCh:
			monitorErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			monitorCancel()
			if monitorErrCh != nil {
				if monitorErr := <-monitorErrCh; monitorErr != nil && !errors.Is(monitorErr, context.Canceled) {
					return monitorErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

// setup loads every channel's settings, opens the boards they address and
// registers the channels with a monitor manager. Channel n defaults to
// controller n and generator n of its board.
func setup(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (svc *services, err error) {
	appLogger := baseLogger.With("component", "app")

	svc = &services{
		boards:  make(map[string]*instrument.Board),
		routing: settings.NewRouting(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, svc.close())
			svc = nil
		}
	}()

	svc.settings, err = settings.NewStore(cfg.SettingsDir)
	if err != nil {
		return svc, err
	}

	svc.history, err = statestore.Open(cfg.StateDir)
	if err != nil {
		return svc, fmt.Errorf("open state store: %w", err)
	}
	for stream, stats := range svc.history.Stats() {
		appLogger.Info("state stream opened", "stream", stream, "records", stats.Records, "size_bytes", stats.SizeBytes)
	}

	channels := make([]*monitor.Channel, 0, len(cfg.Channels))
	for i, name := range cfg.Channels {
		if !settings.ValidName(name) {
			return svc, fmt.Errorf("invalid channel name %q", name)
		}

		defaults := settings.Defaults(name, cfg.Instrument.Address, cfg.LockThreshold)
		defaults.ControllerIndex = i
		defaults.GeneratorIndex = i

		loaded, problems, err := svc.settings.Load(defaults)
		if err != nil {
			return svc, fmt.Errorf("load settings for %s: %w", name, err)
		}
		for _, problem := range problems {
			appLogger.Warn("settings value rejected, default kept",
				"channel", problem.Channel,
				"key", problem.Key,
				"value", problem.Value,
				"err", problem.Err,
			)
		}

		board, err := svc.board(ctx, baseLogger, loaded.Address, cfg.Instrument)
		if err != nil {
			return svc, err
		}

		ch, err := monitor.NewChannel(monitor.ChannelOptions{
			Settings: loaded,
			Board:    board,
			Saver:    svc.settings,
			History:  svc.history,
			Routing:  svc.routing,
			Logger:   baseLogger.With("component", "monitor"),
		})
		if err != nil {
			return svc, fmt.Errorf("init channel %s: %w", name, err)
		}
		channels = append(channels, ch)
	}

	svc.manager, err = monitor.NewManager(channels, baseLogger)
	if err != nil {
		return svc, fmt.Errorf("init monitor manager: %w", err)
	}
	return svc, nil
}

// board returns the shared board for address, opening it on first use.
func (s *services) board(ctx context.Context, baseLogger *slog.Logger, address string, inst config.InstrumentConfig) (*instrument.Board, error) {
	key := strings.TrimSpace(address)
	if instrument.IsSimAddress(key) {
		key = instrument.SimAddress
	}
	if board, ok := s.boards[key]; ok {
		return board, nil
	}

	port, err := instrument.Open(ctx, key, instrument.OpenConfig{Baud: inst.Baud, Timeout: inst.Timeout})
	if err != nil {
		return nil, fmt.Errorf("open instrument %s: %w", key, err)
	}

	burst := max(1, int(inst.Rate))
	board := instrument.NewBoard(key, port,
		instrument.WithRateLimit(inst.Rate, burst),
		instrument.WithLogger(baseLogger.With("component", "instrument", "address", key)),
	)
	s.boards[key] = board
	baseLogger.With("component", "app").Info("instrument opened", "address", key, "simulated", key == instrument.SimAddress)
	return board, nil
}

// close releases the boards and the state store. Armed outputs are left as
// they are.
func (s *services) close() error {
	var err error
	if s.manager != nil {
		s.manager.Close()
	}
	for _, board := range s.boards {
		err = multierr.Append(err, board.Close())
	}
	s.boards = map[string]*instrument.Board{}
	if s.history != nil {
		err = multierr.Append(err, s.history.Close())
		s.history = nil
	}
	return err
}
