package commands

import (
	"context"
	"errors"
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
	"github.com/timzifer/fumewatch/runtime/executor"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/state"
)

// recordingTransport records every frame and answers writes through reply.
type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	reply  func(frame []byte) ([]byte, error)
}

func (r *recordingTransport) SendReceive(request []byte, _ int, _ time.Duration) ([]byte, error) {
	r.mu.Lock()
	r.frames = append(r.frames, append([]byte(nil), request...))
	r.mu.Unlock()
	if r.reply == nil {
		return append([]byte(nil), request...), nil
	}
	return r.reply(request)
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) writeFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f[1] == modbus.FuncCodeWriteSingleRegister || f[1] == modbus.FuncCodeWriteMultipleRegisters {
			n++
		}
	}
	return n
}

type rig struct {
	channel   *Channel
	store     *state.Store
	transport *recordingTransport
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	m, err := registers.Build(config.DeviceConfig{Model: config.DefaultModel}, nil)
	require.NoError(t, err)
	store := state.NewStore(m, false)
	tr := &recordingTransport{}
	exec := executor.New(tr, executor.Options{
		Address:      2,
		Timeout:      10 * time.Millisecond,
		Retries:      2,
		RetryBackoff: time.Millisecond,
		Health:       store,
		Logger:       zerolog.New(io.Discard),
		Sleep:        func(time.Duration) {},
	})
	opts.Logger = zerolog.New(io.Discard)
	return &rig{channel: New(exec, store, m, opts), store: store, transport: tr}
}

func (r *rig) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.channel.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func nextEvent(t *testing.T, c *Channel) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no command event")
		return Event{}
	}
}

func TestReadOnlyRejectsWithoutWriteFrames(t *testing.T) {
	r := newRig(t, Options{ReadOnly: true})
	r.run(t)
	require.True(t, r.store.Snapshot().ReadOnly)

	for _, value := range []int64{1, 0, 1} {
		cmd, err := r.channel.Submit(Command{Target: registers.AddrState, Value: decimal.NewFromInt(value)})
		require.ErrorIs(t, err, ErrReadOnly)
		require.NotEmpty(t, cmd.ID)

		ev := nextEvent(t, r.channel)
		require.Equal(t, OutcomeReadOnlyRejected, ev.Outcome)
		require.Equal(t, registers.KeyState, ev.Register)
		require.Contains(t, ev.Message(), "read-only")
	}
	require.Zero(t, r.transport.writeFrames())
	reg, _ := r.store.Snapshot().Register(registers.AddrState)
	require.False(t, reg.Pending)
}

func TestWriteOkLeavesPendingUntilConfirmed(t *testing.T) {
	r := newRig(t, Options{})
	r.run(t)

	cmd, err := r.channel.Submit(Command{Target: registers.AddrTargetFlow, Value: decimal.NewFromInt(30), Origin: "test"})
	require.NoError(t, err)

	ev := nextEvent(t, r.channel)
	require.Equal(t, OutcomeWriteOk, ev.Outcome)
	require.Equal(t, cmd.ID, ev.Command.ID)
	require.NoError(t, ev.Err)
	require.Equal(t, 1, r.transport.writeFrames())

	reg, _ := r.store.Snapshot().Register(registers.AddrTargetFlow)
	require.True(t, reg.Pending)
	require.Equal(t, cmd.ID, reg.CommandID)

	r.store.ApplyRead(100, registers.AddrTargetFlow, []uint16{30}, time.Now())
	reg, _ = r.store.Snapshot().Register(registers.AddrTargetFlow)
	require.False(t, reg.Pending)
	require.Equal(t, int64(30), reg.Value.IntPart())
}

func TestNakRevertsPendingAndReportsCode(t *testing.T) {
	r := newRig(t, Options{})
	r.transport.reply = func(frame []byte) ([]byte, error) {
		return rtu.Encode(2, rtu.Exception(frame[1], modbus.ExceptionCodeIllegalDataValue))
	}
	r.store.ApplyRead(1, registers.AddrTargetFlow, []uint16{10}, time.Now())
	r.run(t)

	_, err := r.channel.Submit(Command{Target: registers.AddrTargetFlow, Value: decimal.NewFromInt(20)})
	require.NoError(t, err)

	ev := nextEvent(t, r.channel)
	require.Equal(t, OutcomeNak, ev.Outcome)
	require.Equal(t, byte(modbus.ExceptionCodeIllegalDataValue), ev.ExceptionCode)
	require.Contains(t, ev.Message(), "illegal data value")
	require.Contains(t, ev.Message(), registers.KeyTargetFlow)

	reg, _ := r.store.Snapshot().Register(registers.AddrTargetFlow)
	require.False(t, reg.Pending)
	shown, _ := reg.Displayed()
	require.Equal(t, int64(10), shown.IntPart())
}

func TestTimeoutIsReportedAfterRetries(t *testing.T) {
	r := newRig(t, Options{})
	r.transport.reply = func([]byte) ([]byte, error) { return nil, rtu.ErrTimeout }
	r.run(t)

	_, err := r.channel.Submit(Command{Target: registers.AddrState, Value: decimal.NewFromInt(1)})
	require.NoError(t, err)

	ev := nextEvent(t, r.channel)
	require.Equal(t, OutcomeTimeout, ev.Outcome)
	require.Equal(t, 3, ev.Attempts)
	require.ErrorIs(t, ev.Err, rtu.ErrTimeout)
	require.Contains(t, ev.Message(), "unreachable")
	// The operator write is not repeated beyond the executor retries.
	require.Equal(t, 3, r.transport.writeFrames())
}

func TestCRCFailureIsReportedAsFailed(t *testing.T) {
	r := newRig(t, Options{})
	r.transport.reply = func(frame []byte) ([]byte, error) {
		bad := append([]byte(nil), frame...)
		bad[len(bad)-1] ^= 0xFF
		return bad, nil
	}
	r.run(t)

	_, err := r.channel.Submit(Command{Target: registers.AddrState, Value: decimal.NewFromInt(1)})
	require.NoError(t, err)
	ev := nextEvent(t, r.channel)
	require.Equal(t, OutcomeFailed, ev.Outcome)
	require.ErrorIs(t, ev.Err, rtu.ErrCRCMismatch)
}

func TestInvalidCommands(t *testing.T) {
	r := newRig(t, Options{})

	cases := []Command{
		{Target: 0x99, Value: decimal.NewFromInt(1)},
		{Target: registers.AddrRealFlow, Value: decimal.NewFromInt(1)},
		{Target: registers.AddrTargetFlow, Value: decimal.NewFromInt(51)},
	}
	for _, cmd := range cases {
		_, err := r.channel.Submit(cmd)
		require.ErrorIs(t, err, ErrInvalid)
		ev := nextEvent(t, r.channel)
		require.Equal(t, OutcomeInvalid, ev.Outcome)
	}
	require.Contains(t, (Event{Command: cases[0], Outcome: OutcomeInvalid, Err: ErrInvalid}).Message(), "0x0099")
	require.Zero(t, r.transport.writeFrames())
}

func TestFullQueueIsBusy(t *testing.T) {
	r := newRig(t, Options{QueueSize: 1})
	// No worker runs, so the second command finds the queue full.
	_, err := r.channel.Submit(Command{Target: registers.AddrState, Value: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, err = r.channel.Submit(Command{Target: registers.AddrTargetFlow, Value: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, ErrBusy)

	ev := nextEvent(t, r.channel)
	require.Equal(t, OutcomeBusy, ev.Outcome)
	reg, _ := r.store.Snapshot().Register(registers.AddrTargetFlow)
	require.False(t, reg.Pending)
}

func TestShutdownCancelsQueuedCommands(t *testing.T) {
	r := newRig(t, Options{})
	_, err := r.channel.Submit(Command{Target: registers.AddrState, Value: decimal.NewFromInt(1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.channel.Run(ctx))

	ev := nextEvent(t, r.channel)
	require.Equal(t, OutcomeCanceled, ev.Outcome)
	reg, _ := r.store.Snapshot().Register(registers.AddrState)
	require.False(t, reg.Pending)
}

func TestEventBufferDropsOldest(t *testing.T) {
	r := newRig(t, Options{ReadOnly: true, EventBuffer: 2})
	var last Command
	for i := 0; i < 5; i++ {
		last, _ = r.channel.Submit(Command{Target: registers.AddrState, Value: decimal.NewFromInt(1)})
	}
	require.Equal(t, uint64(3), r.channel.Dropped())
	nextEvent(t, r.channel)
	require.Equal(t, last.ID, nextEvent(t, r.channel).Command.ID)
}

func TestSetReadOnlyAtRuntime(t *testing.T) {
	r := newRig(t, Options{})
	r.channel.SetReadOnly(true)
	require.True(t, r.channel.ReadOnly())
	require.True(t, r.store.Snapshot().ReadOnly)
	_, err := r.channel.Submit(Command{Target: registers.AddrState, Value: decimal.NewFromInt(1)})
	require.True(t, errors.Is(err, ErrReadOnly))
}

func TestIntents(t *testing.T) {
	r := newRig(t, Options{})

	_, err := PowerToggle(r.store.Snapshot())
	require.ErrorIs(t, err, ErrUnknownState)

	r.store.ApplyRead(1, registers.AddrState, []uint16{0, 48}, time.Now())
	snap := r.store.Snapshot()

	toggle, err := PowerToggle(snap)
	require.NoError(t, err)
	require.Equal(t, registers.AddrState, toggle.Target)
	require.Equal(t, int64(1), toggle.Value.IntPart())

	off, err := SetPower(snap, false)
	require.NoError(t, err)
	require.Equal(t, registers.AddrState, off.Target)
	require.True(t, off.Value.IsZero())

	up, err := AdjustTargetFlow(snap, 5)
	require.NoError(t, err)
	require.Equal(t, int64(50), up.Value.IntPart())

	down, err := AdjustTargetFlow(snap, -1)
	require.NoError(t, err)
	require.Equal(t, int64(47), down.Value.IntPart())

	set, err := SetTargetFlow(snap, decimal.NewFromInt(-4))
	require.NoError(t, err)
	require.True(t, set.Value.Equal(decimal.Zero))

	require.NoError(t, r.store.SetPending(registers.AddrState, decimal.NewFromInt(1), "x"))
	toggle, err = PowerToggle(r.store.Snapshot())
	require.NoError(t, err)
	require.Equal(t, int64(0), toggle.Value.IntPart())
}
