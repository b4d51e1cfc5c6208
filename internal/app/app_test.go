package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/relocker-web/internal/config"
	"github.com/skobkin/relocker-web/internal/instrument"
)

func TestSetupBuildsChannelsOnSharedBoard(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Channels = []string{"master", "aux"}

	doc := "p: 0.25\nmonitor_interval_s: fast\ninput: in2\noutput: out2\n"
	if err := os.WriteFile(filepath.Join(cfg.SettingsDir, "aux.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	svc, err := setup(context.Background(), discardLogger(), cfg)
	if err != nil {
		t.Fatalf("setup returned error: %v", err)
	}
	t.Cleanup(func() { _ = svc.close() })

	if len(svc.boards) != 1 {
		t.Fatalf("expected one shared board, got %d", len(svc.boards))
	}
	if _, ok := svc.boards[instrument.SimAddress]; !ok {
		t.Fatalf("expected simulated board, got %v", svc.boards)
	}

	names := svc.manager.Names()
	if len(names) != 2 {
		t.Fatalf("expected two channels, got %v", names)
	}

	aux, ok := svc.manager.Channel("aux")
	if !ok {
		t.Fatalf("aux channel missing")
	}
	got := aux.Settings()
	if got.P != 0.25 {
		t.Fatalf("expected persisted p, got %v", got.P)
	}
	if got.MonitorInterval != 1 {
		t.Fatalf("malformed value must fall back to default, got %v", got.MonitorInterval)
	}
	if got.ControllerIndex != 1 || got.GeneratorIndex != 1 {
		t.Fatalf("expected positional hardware indexes, got pid%d asg%d", got.ControllerIndex, got.GeneratorIndex)
	}
	if got.Input != instrument.RouteIn2 || got.Output != instrument.RouteOut2 {
		t.Fatalf("expected persisted routes, got %s/%s", got.Input, got.Output)
	}
	if claims := svc.routing.Claims("aux"); len(claims) == 0 {
		t.Fatalf("expected routing claims for aux")
	}
}

func TestSetupRejectsInvalidChannelName(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Channels = []string{"../escape"}

	if _, err := setup(context.Background(), discardLogger(), cfg); err == nil {
		t.Fatalf("expected invalid channel name error")
	}
}

func TestSetupRejectsUnknownInstrumentAddress(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Instrument.Address = "gpib0::5"

	if _, err := setup(context.Background(), discardLogger(), cfg); err == nil {
		t.Fatalf("expected unsupported address error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, discardLogger(), cfg)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		ListenAddr:     "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
		DefaultChannel: "auto",
		Channels:       []string{"laser0"},
		SettingsDir:    t.TempDir(),
		StateDir:       t.TempDir(),
		LockThreshold:  0.05,
		Instrument: config.InstrumentConfig{
			Address: "sim",
			Baud:    115200,
			Timeout: time.Second,
		},
		WS: config.WebsocketConfig{
			MaxClients:   4,
			WriteTimeout: time.Second,
			ReadTimeout:  time.Second,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
