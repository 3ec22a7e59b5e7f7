package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/fumewatch/drivers/mqtt"
	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/internal/logging"
	"github.com/timzifer/fumewatch/runtime/alerts"
	"github.com/timzifer/fumewatch/runtime/commands"
	"github.com/timzifer/fumewatch/runtime/executor"
	"github.com/timzifer/fumewatch/runtime/history"
	"github.com/timzifer/fumewatch/runtime/poller"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/state"
	"github.com/timzifer/fumewatch/runtime/transport"
	"github.com/timzifer/fumewatch/telemetry"
)

// Service wires the polling and control engine for one device.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry telemetry.Collector

	regs     *registers.Map
	store    *state.Store
	line     transport.Transport
	exec     *executor.Executor
	poller   *poller.Poller
	commands *commands.Channel
	alerts   *alerts.Evaluator
	history  *history.Recorder
	hub      *hub

	alertUpdates   <-chan struct{}
	historyUpdates <-chan struct{}

	bridge    *mqtt.Bridge
	liveView  *liveViewServer
	closeOnce sync.Once
}

// TransportFactory opens the line described by cfg.
type TransportFactory func(cfg *config.Config, logger zerolog.Logger) (transport.Transport, error)

// Option customizes how a Service is built.
type Option func(*options)

type options struct {
	telemetry telemetry.Collector
	transport TransportFactory
}

func applyOptions(opts []Option) options {
	o := options{telemetry: telemetry.Noop(), transport: transport.Open}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithTelemetry reports engine metrics to collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.telemetry = collector
		}
	}
}

// WithTransportFactory replaces the default serial or simulated line.
func WithTransportFactory(factory TransportFactory) Option {
	return func(o *options) {
		if factory != nil {
			o.transport = factory
		}
	}
}

// New builds the engine for cfg and opens the line. Only an open failure, which wraps
// transport.ErrOpenFailed, and invalid configuration are reported; link problems after
// startup are tracked in the link health instead.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	o := applyOptions(opts)
	m, err := Validate(cfg)
	if err != nil {
		return nil, err
	}
	evaluator, err := alerts.New(cfg.Alerts, alerts.Options{
		DisconnectAfter: uint32(cfg.Transaction.DisconnectAfter),
		Telemetry:       o.telemetry,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	line, err := o.transport(cfg, logging.Component(logger, "transport"))
	if err != nil {
		return nil, err
	}

	store := state.NewStore(m, cfg.ReadOnly)
	exec := executor.New(line, executor.Options{
		Address:      cfg.Device.Address,
		Timeout:      cfg.Transaction.Timeout.Duration,
		Retries:      cfg.RetryCount(),
		RetryBackoff: cfg.Transaction.RetryBackoff.Duration,
		Health:       store,
		Telemetry:    o.telemetry,
		Logger:       logger,
	})
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		telemetry: o.telemetry,
		regs:      m,
		store:     store,
		line:      line,
		exec:      exec,
		poller: poller.New(exec, store, m, poller.Options{
			Interval:        cfg.PollInterval(),
			MaxGap:          cfg.Poll.MaxGap,
			MaxQuantity:     cfg.Poll.MaxQuantity,
			DisconnectAfter: uint32(cfg.Transaction.DisconnectAfter),
			BackoffMax:      cfg.Poll.BackoffMax.Duration,
			Telemetry:       o.telemetry,
			Logger:          logger,
		}),
		commands: commands.New(exec, store, m, commands.Options{
			ReadOnly:    cfg.ReadOnly,
			QueueSize:   cfg.Commands.QueueSize,
			EventBuffer: cfg.Commands.EventBuffer,
			Telemetry:   o.telemetry,
			Logger:      logger,
		}),
		alerts:  evaluator,
		history: history.NewRecorder(cfg.History.Keys, cfg.History.Capacity),
		hub:     newHub(cfg.Commands.EventBuffer, 32),
	}
	s.alertUpdates = s.hub.subscribeUpdates()
	s.historyUpdates = s.hub.subscribeUpdates()
	if cfg.MQTT.Enabled {
		bridge, err := mqtt.NewBridge(cfg.MQTT, s, logger)
		if err != nil {
			line.Close()
			return nil, err
		}
		s.bridge = bridge
	}

	logger.Info().
		Str("model", m.Model()).
		Uint8("address", cfg.Device.Address).
		Bool("simulate", cfg.Simulate).
		Bool("read_only", cfg.ReadOnly).
		Bool("mqtt", s.bridge != nil).
		Int("registers", len(m.Descriptors())).
		Msg("engine ready")
	return s, nil
}

// Validate checks cfg without touching the line and returns the register map it selects.
func Validate(cfg *config.Config) (*registers.Map, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := registers.Build(cfg.Device, cfg.Registers)
	if err != nil {
		return nil, fmt.Errorf("register map: %w", err)
	}
	if _, err := alerts.New(cfg.Alerts, alerts.Options{Logger: zerolog.Nop()}); err != nil {
		return nil, err
	}
	return m, nil
}

// PlanReads returns the register map of cfg and the reads one poll tick issues.
func PlanReads(cfg *config.Config) (*registers.Map, []registers.Block, error) {
	m, err := Validate(cfg)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Plan(cfg.Poll.MaxGap, cfg.Poll.MaxQuantity), nil
}

// HealthCheck opens the line of cfg and runs one poll tick. It fails when the line
// cannot be opened or any read of the tick does not succeed.
func HealthCheck(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	s, err := New(cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	res := s.poller.Tick(ctx)
	if res.Failure != nil {
		f := res.Failure
		if f.Kind == executor.KindNak {
			return fmt.Errorf("poll read rejected by device: %s", executor.ExceptionName(f.ExceptionCode))
		}
		return fmt.Errorf("poll read %s after %d attempts: %w", f.Kind, f.Attempts, f.Err)
	}
	if res.Applied == 0 {
		return errors.New("poll tick returned no register values")
	}
	return nil
}

// Run starts the poll loop, the command worker, the alert monitor, the history recorder
// and the MQTT bridge when configured, and blocks until ctx is done. Queued commands
// resolve as canceled.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 5)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}
	start("poller", s.poller.Run)
	start("commands", s.commands.Run)
	start("alerts", func(ctx context.Context) error {
		return s.alerts.Run(ctx, s.alertUpdates, s.store.Snapshot)
	})
	start("history", func(ctx context.Context) error {
		return s.history.Run(ctx, s.historyUpdates, s.store.Snapshot)
	})
	if s.bridge != nil {
		start("mqtt", s.bridge.Run)
	}
	s.hub.notify()

	s.pump(ctx, s.commands.Events())
	wg.Wait()
	// The worker resolves leftovers as canceled on its way out.
	s.flushEvents(s.commands.Events())
	close(errCh)
	return <-errCh
}

// pump forwards store updates and command events to subscribers until ctx is done.
func (s *Service) pump(ctx context.Context, events <-chan commands.Event) {
	updates := s.store.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			s.hub.notify()
		case ev := <-events:
			s.forward(ev)
		}
	}
}

func (s *Service) flushEvents(events <-chan commands.Event) {
	for {
		select {
		case ev := <-events:
			s.forward(ev)
		default:
			return
		}
	}
}

func (s *Service) forward(ev commands.Event) {
	if dropped := s.hub.publish(ev); dropped > 0 {
		for i := 0; i < dropped; i++ {
			s.telemetry.IncEventsDropped("subscribers")
		}
		s.logger.Debug().Int("subscribers", dropped).Msg("event subscriber lagging, dropped oldest event")
	}
}

// Close stops the live view and releases the line.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if s.liveView != nil {
			s.liveView.close()
		}
		if s.line != nil {
			err = s.line.Close()
		}
	})
	return err
}

// Snapshot returns the latest device state.
func (s *Service) Snapshot() *state.Snapshot {
	return s.store.Snapshot()
}

// Updates returns a new subscription that signals after every published snapshot.
// Signals coalesce; load the latest snapshot on each receive.
func (s *Service) Updates() <-chan struct{} {
	return s.hub.subscribeUpdates()
}

// Events returns a new subscription to command outcomes. A subscriber that falls behind
// loses its oldest events.
func (s *Service) Events() <-chan commands.Event {
	return s.hub.subscribeEvents()
}

// RecentEvents returns the last command outcomes, oldest first.
func (s *Service) RecentEvents() []commands.Event {
	return s.hub.recentEvents()
}

// Alerts returns the firing alerts.
func (s *Service) Alerts() []alerts.Alert {
	return s.alerts.Active()
}

// AlertChanges delivers alerts whose state flipped.
func (s *Service) AlertChanges() <-chan alerts.Alert {
	return s.alerts.Changes()
}

// History returns the recorded trends keyed by register key.
func (s *Service) History() map[string][]history.Sample {
	return s.history.All()
}

// Submit queues cmd without waiting for the line.
func (s *Service) Submit(cmd commands.Command) (commands.Command, error) {
	return s.commands.Submit(cmd)
}

// ReadOnly reports whether writes are gated.
func (s *Service) ReadOnly() bool {
	return s.commands.ReadOnly()
}

// SetReadOnly toggles the write gate at runtime.
func (s *Service) SetReadOnly(readOnly bool) {
	s.commands.SetReadOnly(readOnly)
}

// Control exposes the poll loop cadence.
func (s *Service) Control() *poller.Controller {
	return s.poller.Control()
}

// Registers returns the register map in use.
func (s *Service) Registers() *registers.Map {
	return s.regs
}

// Stats summarizes loop counters for presentation layers.
type Stats struct {
	Ticks         uint64 `json:"ticks"`
	SkippedTicks  uint64 `json:"skipped_ticks"`
	DroppedEvents uint64 `json:"dropped_events"`
}

// Stats returns the current loop counters.
func (s *Service) Stats() Stats {
	ticks, skipped := s.poller.Stats()
	return Stats{Ticks: ticks, SkippedTicks: skipped, DroppedEvents: s.commands.Dropped()}
}

// Disconnected reports whether the link counts as down.
func (s *Service) Disconnected() bool {
	return s.store.Link().Disconnected(uint32(s.cfg.Transaction.DisconnectAfter))
}

// EnableLiveView starts the HTTP live view on listen.
func (s *Service) EnableLiveView(listen string) error {
	if s == nil {
		return errors.New("service is nil")
	}
	if s.liveView != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = s.cfg.LiveView.Listen
	}
	server, err := newLiveViewServer(listen, s, logging.Component(s.logger, "live_view"))
	if err != nil {
		return err
	}
	s.liveView = server
	return nil
}

// LiveViewAddress returns the bound live view address, empty when disabled.
func (s *Service) LiveViewAddress() string {
	if s == nil || s.liveView == nil {
		return ""
	}
	return s.liveView.ln.Addr().String()
}
