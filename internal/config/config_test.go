package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{"laser0"}) {
		t.Fatalf("unexpected Channels %v", cfg.Channels)
	}
	if cfg.Instrument.Address != "sim" {
		t.Fatalf("unexpected instrument address %q", cfg.Instrument.Address)
	}
	if cfg.Instrument.Rate != 0 {
		t.Fatalf("expected unthrottled instrument by default, got %v", cfg.Instrument.Rate)
	}
	if cfg.LockThreshold != 0.05 {
		t.Fatalf("unexpected LockThreshold %v", cfg.LockThreshold)
	}
	if cfg.SettingsDir != "./settings" || cfg.StateDir != "./logs" {
		t.Fatalf("unexpected directories %q %q", cfg.SettingsDir, cfg.StateDir)
	}
	if cfg.WS.MaxClients != 64 {
		t.Fatalf("unexpected WS.MaxClients %d", cfg.WS.MaxClients)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_DEFAULT_CHANNEL", "aux")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_CHANNELS", "master, aux")
	t.Setenv("APP_SETTINGS_DIR", "/tmp/settings")
	t.Setenv("APP_STATE_DIR", "/tmp/logs")
	t.Setenv("APP_LOCK_THRESHOLD", "0.1")
	t.Setenv("APP_INSTRUMENT_ADDR", "serial:///dev/ttyACM0")
	t.Setenv("APP_INSTRUMENT_BAUD", "9600")
	t.Setenv("APP_INSTRUMENT_TIMEOUT", "2s")
	t.Setenv("APP_INSTRUMENT_RATE", "50")
	t.Setenv("APP_WS_MAX_CLIENTS", "8")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if cfg.DefaultChannel != "aux" {
		t.Fatalf("DefaultChannel override failed, got %q", cfg.DefaultChannel)
	}
	if !cfg.EnablePrometheus {
		t.Fatalf("EnablePrometheus override failed")
	}
	if !cfg.EnablePprof {
		t.Fatalf("EnablePprof override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{"master", "aux"}) {
		t.Fatalf("Channels override failed, got %v", cfg.Channels)
	}
	if cfg.SettingsDir != "/tmp/settings" {
		t.Fatalf("SettingsDir override failed, got %q", cfg.SettingsDir)
	}
	if cfg.StateDir != "/tmp/logs" {
		t.Fatalf("StateDir override failed, got %q", cfg.StateDir)
	}
	if cfg.LockThreshold != 0.1 {
		t.Fatalf("LockThreshold override failed, got %v", cfg.LockThreshold)
	}
	if cfg.Instrument.Address != "serial:///dev/ttyACM0" {
		t.Fatalf("Instrument.Address override failed, got %q", cfg.Instrument.Address)
	}
	if cfg.Instrument.Baud != 9600 {
		t.Fatalf("Instrument.Baud override failed, got %d", cfg.Instrument.Baud)
	}
	if cfg.Instrument.Timeout != 2*time.Second {
		t.Fatalf("Instrument.Timeout override failed, got %s", cfg.Instrument.Timeout)
	}
	if cfg.Instrument.Rate != 50 {
		t.Fatalf("Instrument.Rate override failed, got %v", cfg.Instrument.Rate)
	}
	if cfg.WS.MaxClients != 8 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.WriteTimeout != 10*time.Second {
		t.Fatalf("WS.WriteTimeout override failed, got %s", cfg.WS.WriteTimeout)
	}
	if cfg.WS.ReadTimeout != 45*time.Second {
		t.Fatalf("WS.ReadTimeout override failed, got %s", cfg.WS.ReadTimeout)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidPprofBool", "APP_ENABLE_PPROF", "sometimes"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"EmptyChannels", "APP_CHANNELS", " , "},
		{"DuplicateChannels", "APP_CHANNELS", "a,b,a"},
		{"InvalidThreshold", "APP_LOCK_THRESHOLD", "low"},
		{"ZeroThreshold", "APP_LOCK_THRESHOLD", "0"},
		{"RailThreshold", "APP_LOCK_THRESHOLD", "1"},
		{"InvalidBaud", "APP_INSTRUMENT_BAUD", "fast"},
		{"NonPositiveBaud", "APP_INSTRUMENT_BAUD", "0"},
		{"InvalidInstrumentTimeout", "APP_INSTRUMENT_TIMEOUT", "soon"},
		{"NonPositiveInstrumentTimeout", "APP_INSTRUMENT_TIMEOUT", "0s"},
		{"InvalidRate", "APP_INSTRUMENT_RATE", "many"},
		{"NegativeRate", "APP_INSTRUMENT_RATE", "-1"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "-1s"},
		{"InvalidWSReadTimeout", "APP_WS_READ_TIMEOUT", "later"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}
