package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fumewatch/drivers/rtu"
	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/runtime/commands"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/transport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Simulate = true
	cfg.Poll.Interval.Duration = 20 * time.Millisecond
	cfg.Transaction.Timeout.Duration = 50 * time.Millisecond
	cfg.Transaction.RetryBackoff.Duration = time.Millisecond
	return cfg
}

// recordingTransport counts the write frames that reach the line.
type recordingTransport struct {
	inner transport.Transport

	mu     sync.Mutex
	writes int
	frames int
}

func (r *recordingTransport) SendReceive(req []byte, expected int, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	r.frames++
	if len(req) > 1 && (req[1] == modbus.FuncCodeWriteSingleRegister || req[1] == modbus.FuncCodeWriteMultipleRegisters) {
		r.writes++
	}
	r.mu.Unlock()
	return r.inner.SendReceive(req, expected, timeout)
}

func (r *recordingTransport) Close() error { return r.inner.Close() }

func (r *recordingTransport) counts() (frames, writes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.writes
}

func recordingFactory(rec **recordingTransport) Option {
	return WithTransportFactory(func(cfg *config.Config, logger zerolog.Logger) (transport.Transport, error) {
		inner, err := transport.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		*rec = &recordingTransport{inner: inner}
		return *rec, nil
	})
}

func startService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	svc, err := New(cfg, zerolog.New(io.Discard), opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("service did not stop")
		}
		require.NoError(t, svc.Close())
	})
	return svc
}

func waitEvent(t *testing.T, events <-chan commands.Event) commands.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no command event")
		return commands.Event{}
	}
}

func TestPowerOnScenario(t *testing.T) {
	svc := startService(t, testConfig())
	events := svc.Events()

	require.Eventually(t, func() bool {
		reg, ok := svc.Snapshot().Register(registers.AddrState)
		return ok && reg.HasValue
	}, 2*time.Second, 5*time.Millisecond)
	initial, _ := svc.Snapshot().Register(registers.AddrState)
	require.True(t, initial.Value.IsZero())

	cmd, err := svc.Submit(commands.Command{Target: registers.AddrState, Value: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.NotEmpty(t, cmd.ID)

	ev := waitEvent(t, events)
	require.Equal(t, commands.OutcomeWriteOk, ev.Outcome)
	require.Equal(t, cmd.ID, ev.Command.ID)

	require.Eventually(t, func() bool {
		reg, _ := svc.Snapshot().Register(registers.AddrState)
		return reg.Value.Equal(decimal.NewFromInt(1)) && !reg.Pending && !reg.Stale
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReadOnlyServiceNeverWrites(t *testing.T) {
	cfg := testConfig()
	cfg.ReadOnly = true
	var rec *recordingTransport
	svc := startService(t, cfg, recordingFactory(&rec))
	events := svc.Events()

	require.Eventually(t, func() bool {
		frames, _ := rec.counts()
		return frames > 0
	}, 2*time.Second, 5*time.Millisecond)

	_, err := svc.Submit(commands.Command{Target: registers.AddrState, Value: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, commands.ErrReadOnly)
	require.Equal(t, commands.OutcomeReadOnlyRejected, waitEvent(t, events).Outcome)
	require.True(t, svc.Snapshot().ReadOnly)

	time.Sleep(60 * time.Millisecond)
	_, writes := rec.counts()
	require.Zero(t, writes)
}

func TestEventsReachEverySubscriber(t *testing.T) {
	svc := startService(t, testConfig())
	first, second := svc.Events(), svc.Events()

	_, err := svc.Submit(commands.Command{Target: 0x7FFF, Value: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, commands.ErrInvalid)

	require.Equal(t, commands.OutcomeInvalid, waitEvent(t, first).Outcome)
	require.Equal(t, commands.OutcomeInvalid, waitEvent(t, second).Outcome)
	require.Eventually(t, func() bool { return len(svc.RecentEvents()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHistoryRecordsPolledFlow(t *testing.T) {
	svc := startService(t, testConfig())
	require.Eventually(t, func() bool {
		return len(svc.History()[registers.KeyRealFlow]) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewFailsWhenLineCannotOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.Port = "/dev/does-not-exist-fumewatch"
	_, err := New(cfg, zerolog.New(io.Discard))
	require.ErrorIs(t, err, transport.ErrOpenFailed)
}

func TestHealthCheck(t *testing.T) {
	require.NoError(t, HealthCheck(context.Background(), testConfig(), zerolog.New(io.Discard)))

	cfg := testConfig()
	cfg.Simulation.DropRate = 1
	cfg.Transaction.Timeout.Duration = 5 * time.Millisecond
	retries := 0
	cfg.Transaction.Retries = &retries
	err := HealthCheck(context.Background(), cfg, zerolog.New(io.Discard))
	require.ErrorIs(t, err, rtu.ErrTimeout)
}

func TestPlanReadsAndValidate(t *testing.T) {
	m, blocks, err := PlanReads(testConfig())
	require.NoError(t, err)
	require.NotEmpty(t, blocks)
	require.Equal(t, uint16(0), blocks[0].Start)
	covered := 0
	for _, b := range blocks {
		covered += len(b.Registers)
	}
	require.Equal(t, len(m.Descriptors()), covered)

	cfg := testConfig()
	cfg.Alerts = []config.AlertConfig{{ID: "broken", Expression: "(("}}
	_, err = Validate(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.MQTT.Enabled = true
	_, err = New(cfg, zerolog.Nop())
	require.ErrorContains(t, err, "mqtt.broker")
}

func TestNewPreparesMQTTBridge(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://127.0.0.1:1"
	svc, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Close()
	require.NotNil(t, svc.bridge)
}

func TestSetReadOnlyAtRuntime(t *testing.T) {
	svc := startService(t, testConfig())
	svc.SetReadOnly(true)
	require.True(t, svc.ReadOnly())
	require.Eventually(t, func() bool { return svc.Snapshot().ReadOnly }, time.Second, 5*time.Millisecond)
	_, err := svc.Submit(commands.Command{Target: registers.AddrTargetFlow, Value: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, commands.ErrReadOnly)
}
