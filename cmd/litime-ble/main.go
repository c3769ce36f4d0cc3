// Command litime-ble polls a LiTime BMS over BLE at a fixed interval and
// publishes each reading as a structured log record (or JSON with -once).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kmacleod/litime-ble/internal/ble"
	"github.com/kmacleod/litime-ble/internal/bms"
	"github.com/kmacleod/litime-ble/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/litime-ble/config.yaml)")
	address := flag.String("address", "", "BMS device address (overrides config)")
	name := flag.String("name", "", "BMS display name (overrides config)")
	once := flag.Bool("once", false, "poll once, print the reading as JSON and exit")
	charge := flag.String("charge", "", "switch the charge relay on|off before polling")
	discharge := flag.String("discharge", "", "switch the discharge relay on|off before polling")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *address != "" {
		cfg.Device.Address = *address
	}
	if *name != "" {
		cfg.Device.Name = *name
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = cfg.Device.Address
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	setupLogging(cfg.LogLevel)

	adapter := ble.NewTinygoAdapter()
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable bluetooth adapter: %v", err)
	}

	opts := bms.SessionOptions{
		ResponseTimeout: time.Duration(cfg.ResponseTimeoutSeconds) * time.Second,
		ConnectAttempts: cfg.ConnectAttempts,
	}
	if !*once {
		opts.OnUpdate = publishReading
	}

	session := bms.NewSession(adapter, bms.Endpoint{
		Address: cfg.Device.Address,
		Name:    cfg.Device.Name,
	}, opts)

	ctx := context.Background()

	if *once {
		reading := session.Poll(ctx)
		session.Shutdown()
		out, err := json.MarshalIndent(reading, "", "  ")
		if err != nil {
			log.Fatalf("marshal reading: %v", err)
		}
		fmt.Println(string(out))
		if !reading.Online {
			os.Exit(1)
		}
		return
	}

	// One-shot relay commands requested on the command line. Each triggers
	// its own refresh cycle, so the first ticker poll sees the new state.
	if err := applyRelayFlag(ctx, session, bms.RelayCharge, *charge); err != nil {
		log.Fatalf("flag -charge: %v", err)
	}
	if err := applyRelayFlag(ctx, session, bms.RelayDischarge, *discharge); err != nil {
		log.Fatalf("flag -discharge: %v", err)
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	endpoint := session.Endpoint()
	slog.Info("[BMS] polling started",
		"address", endpoint.Address, "name", endpoint.Name, "interval", interval)

	// First cycle immediately; the device may well be out of range at
	// startup, in which case the ticker keeps retrying in the background.
	session.Poll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			session.Poll(ctx)

		case sig := <-sigCh:
			slog.Info("[BMS] shutting down", "signal", sig.String())
			session.Shutdown()
			return
		}
	}
}

// applyRelayFlag parses an on|off flag value and issues the relay command.
// An empty value is a no-op.
func applyRelayFlag(ctx context.Context, session *bms.Session, relay bms.Relay, value string) error {
	switch value {
	case "":
		return nil
	case "on":
		session.SetRelayState(ctx, relay, true)
	case "off":
		session.SetRelayState(ctx, relay, false)
	default:
		return fmt.Errorf("must be \"on\" or \"off\", got %q", value)
	}
	return nil
}

// publishReading emits one reading as a structured log record, using the
// metrics table so the attribute set is identical for live and offline
// readings.
func publishReading(r bms.Reading) {
	attrs := make([]any, 0, 2*len(bms.Metrics))
	for _, m := range bms.Metrics {
		attrs = append(attrs, m.Key, m.Value(r))
	}
	slog.Info("[BMS] reading", attrs...)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults (device address must come from flags)
	return config.Default(), nil
}
