package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	DefaultChannel   string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	Channels         []string
	SettingsDir      string
	StateDir         string
	LockThreshold    float64
	Instrument       InstrumentConfig
	WS               WebsocketConfig
}

// InstrumentConfig describes how to reach the default instrument.
type InstrumentConfig struct {
	Address string
	Baud    int
	Timeout time.Duration
	// Rate limits hardware commands per second; zero disables throttling.
	Rate float64
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		DefaultChannel:   "auto",
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		Channels:         []string{"laser0"},
		SettingsDir:      "./settings",
		StateDir:         "./logs",
		LockThreshold:    0.05,
		Instrument: InstrumentConfig{
			Address: "sim",
			Baud:    115200,
			Timeout: 5 * time.Second,
			Rate:    0,
		},
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_DEFAULT_CHANNEL")); value != "" {
		cfg.DefaultChannel = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_CHANNELS")); value != "" {
		channels := splitAndTrim(value, ",")
		if len(channels) == 0 {
			return Config{}, fmt.Errorf("APP_CHANNELS must not be empty")
		}
		seen := make(map[string]struct{}, len(channels))
		for _, name := range channels {
			if _, dup := seen[name]; dup {
				return Config{}, fmt.Errorf("APP_CHANNELS lists %q twice", name)
			}
			seen[name] = struct{}{}
		}
		cfg.Channels = channels
	}

	if value := strings.TrimSpace(os.Getenv("APP_SETTINGS_DIR")); value != "" {
		cfg.SettingsDir = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_STATE_DIR")); value != "" {
		cfg.StateDir = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOCK_THRESHOLD")); value != "" {
		threshold, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOCK_THRESHOLD: %w", err)
		}
		if threshold <= 0 || threshold >= 1 {
			return Config{}, fmt.Errorf("APP_LOCK_THRESHOLD must be within (0, 1)")
		}
		cfg.LockThreshold = threshold
	}

	if value := strings.TrimSpace(os.Getenv("APP_INSTRUMENT_ADDR")); value != "" {
		cfg.Instrument.Address = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_INSTRUMENT_BAUD")); value != "" {
		baud, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_INSTRUMENT_BAUD: %w", err)
		}
		if baud <= 0 {
			return Config{}, fmt.Errorf("APP_INSTRUMENT_BAUD must be > 0")
		}
		cfg.Instrument.Baud = baud
	}

	if value := strings.TrimSpace(os.Getenv("APP_INSTRUMENT_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_INSTRUMENT_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_INSTRUMENT_TIMEOUT must be > 0")
		}
		cfg.Instrument.Timeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_INSTRUMENT_RATE")); value != "" {
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_INSTRUMENT_RATE: %w", err)
		}
		if rate < 0 {
			return Config{}, fmt.Errorf("APP_INSTRUMENT_RATE must be >= 0")
		}
		cfg.Instrument.Rate = rate
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_WRITE_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_WRITE_TIMEOUT must be > 0")
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_READ_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_READ_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_READ_TIMEOUT must be > 0")
		}
		cfg.WS.ReadTimeout = timeout
	}

	return cfg, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
