package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/internal/console"
	"github.com/timzifer/fumewatch/internal/logging"
	"github.com/timzifer/fumewatch/internal/reload"
	"github.com/timzifer/fumewatch/service"
	"github.com/timzifer/fumewatch/telemetry"
)

type runOptions struct {
	liveView       bool
	liveViewListen string
	console        bool
}

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file (defaults only when empty)")
	port := flag.String("port", "", "Serial port, overrides serial.port")
	baud := flag.Int("baud", 0, "Baud rate, overrides serial.baud")
	address := flag.Uint("address", 0, "Modbus slave address, overrides device.address")
	pollInterval := flag.Duration("poll-interval", 0, "Poll interval, overrides poll.interval")
	readOnly := flag.Bool("read-only", false, "Reject all writes")
	simulate := flag.Bool("simulate", false, "Use the simulated device instead of a serial port")
	healthcheck := flag.Bool("healthcheck", false, "Open the line, run one poll and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration, print the read plan and exit")
	liveView := flag.Bool("live-view", false, "Enable live view web interface")
	liveViewListen := flag.String("live-view-listen", "", "Live view listen address")
	withConsole := flag.Bool("console", true, "Run the operator console on stdin/stdout")
	mqttBroker := flag.String("mqtt-broker", "", "Enable the MQTT bridge towards this broker URL")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var slave uint8
	if set["address"] {
		parsed, err := slaveAddress(*address)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		slave = parsed
	}
	overrides := func(cfg *config.Config) {
		if set["port"] {
			cfg.Serial.Port = *port
		}
		if set["baud"] {
			cfg.Serial.Baud = *baud
		}
		if set["address"] {
			cfg.Device.Address = slave
		}
		if set["poll-interval"] {
			cfg.Poll.Interval.Duration = *pollInterval
		}
		if set["read-only"] {
			cfg.ReadOnly = *readOnly
		}
		if set["simulate"] {
			cfg.Simulate = *simulate
		}
		if set["mqtt-broker"] {
			cfg.MQTT.Broker = *mqttBroker
			cfg.MQTT.Enabled = *mqttBroker != ""
		}
	}
	if *healthcheck {
		if err := executeHealthCheck(*cfgPath, overrides); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := loadConfig(*cfgPath, overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := runOptions{
		liveView:       *liveView || cfg.LiveView.Enabled,
		liveViewListen: *liveViewListen,
		console:        *withConsole,
	}
	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	if cfg.HotReload && *cfgPath != "" {
		if err := runWithHotReload(ctx, cancel, *cfgPath, cfg, overrides, opts, collector); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Fatal().Err(err).Msg("service stopped")
		}
		return
	}

	logger, cleanup, err := setupLogging(cfg, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	srv, err := service.New(cfg, logger, service.WithTelemetry(collector))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer srv.Close()

	if opts.liveView {
		if err := srv.EnableLiveView(opts.liveViewListen); err != nil {
			logger.Fatal().Err(err).Msg("failed to start live view")
		}
	}
	if opts.console {
		startConsole(ctx, cancel, console.New(srv, os.Stdin, os.Stdout, logger), logger)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

// slaveAddress checks the -address flag before it is narrowed to a byte.
func slaveAddress(v uint) (uint8, error) {
	if v == 0 || v > config.MaxAddress {
		return 0, fmt.Errorf("invalid address %d, want 1..%d", v, config.MaxAddress)
	}
	return uint8(v), nil
}

func loadConfig(path string, overrides func(*config.Config)) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	overrides(cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

// setupLogging keeps stdout for the console when it runs.
func setupLogging(cfg *config.Config, opts runOptions) (zerolog.Logger, func(), error) {
	if opts.console {
		return logging.New(cfg.Logging, os.Stderr)
	}
	return logging.Setup(cfg.Logging)
}

// startConsole runs term in the background. Quitting the console stops the process;
// closed input only ends the console.
func startConsole(ctx context.Context, stop context.CancelFunc, term *console.Console, logger zerolog.Logger) {
	go func() {
		err := term.Run(ctx)
		switch {
		case errors.Is(err, io.EOF):
			logger.Info().Msg("console input closed, continuing without console")
		case err != nil:
			logger.Error().Err(err).Msg("console stopped")
		default:
			stop()
		}
	}()
}

func executeHealthCheck(path string, overrides func(*config.Config)) error {
	cfg, err := loadConfig(path, overrides)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return service.HealthCheck(ctx, cfg, zerolog.Nop())
}

func executeConfigCheck(cfg *config.Config) int {
	m, blocks, err := service.PlanReads(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Device %s at address %d\n", m.Model(), cfg.Device.Address)
	if cfg.Simulate {
		fmt.Println("  Line: simulated")
	} else {
		fmt.Printf("  Line: %s @ %d baud\n", cfg.Serial.Port, cfg.Serial.Baud)
	}
	fmt.Printf("  Poll: every %s, timeout %s, %d retries\n", cfg.PollInterval(), cfg.Transaction.Timeout.Duration, cfg.RetryCount())
	if cfg.ReadOnly {
		fmt.Println("  Mode: read-only")
	}
	if cfg.MQTT.Enabled {
		fmt.Printf("  MQTT: %s, prefix %s\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	}
	fmt.Println()

	fmt.Println("Registers:")
	for _, desc := range m.Descriptors() {
		access := "r "
		if desc.Writable() {
			access = "rw"
		}
		unit := desc.Unit
		if unit == "" {
			unit = "-"
		}
		fmt.Printf("  0x%04X %s %-14s %-12s %s\n", desc.Address, access, desc.Key, desc.Name, unit)
	}
	fmt.Println()

	fmt.Println("Read plan:")
	for i, block := range blocks {
		fmt.Printf("  #%d FC03 start 0x%04X quantity %d (%d registers)\n", i+1, block.Start, block.Quantity, len(block.Registers))
	}
	fmt.Println()
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func runWithHotReload(ctx context.Context, stop context.CancelFunc, cfgPath string, initialCfg *config.Config, overrides func(*config.Config), opts runOptions, collector telemetry.Collector) error {
	if collector == nil {
		collector = telemetry.Noop()
	}
	watcher := reload.NewWatcher(initialCfg)
	changesCh := watcher.Watch(ctx, time.Second)

	var term *console.Console
	cfg := initialCfg
	for {
		logger, cleanup, err := setupLogging(cfg, opts)
		if err != nil {
			return err
		}
		log.Logger = logger

		srv, err := service.New(cfg, logger, service.WithTelemetry(collector))
		if err != nil {
			cleanup()
			return err
		}

		if opts.liveView {
			if err := srv.EnableLiveView(opts.liveViewListen); err != nil {
				srv.Close()
				cleanup()
				return err
			}
		}
		if opts.console {
			if term == nil {
				term = console.New(srv, os.Stdin, os.Stdout, logger)
				startConsole(ctx, stop, term, logger)
			} else {
				term.SetEngine(srv)
			}
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		var changed []string

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				if err := <-errCh; err != nil {
					srv.Close()
					cleanup()
					return err
				}
				srv.Close()
				cleanup()
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				cleanup()
				if err == nil {
					return nil
				}
				return err
			case changes, ok := <-changesCh:
				if !ok {
					changesCh = nil
					continue
				}
				newCfg, err := loadConfig(cfgPath, overrides)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					watcher.Update(cfg)
					continue
				}
				if _, err := service.Validate(newCfg); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					watcher.Update(cfg)
					continue
				}
				logger.Info().Strs("files", changes).Msg("configuration changed, restarting engine")
				cancelRun()
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				srv.Close()
				cleanup()
				watcher.Update(newCfg)
				changed = changes
				cfg = newCfg
				break loop
			}
		}

		for _, file := range changed {
			collector.IncHotReload(file)
		}
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
