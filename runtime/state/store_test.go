package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/runtime/registers"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	m, err := registers.Build(config.DeviceConfig{Model: config.DefaultModel}, nil)
	require.NoError(t, err)
	return NewStore(m, false)
}

func words(n int, fill func(i int) uint16) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = fill(i)
	}
	return out
}

func TestNewStoreStartsWithoutValues(t *testing.T) {
	store := newTestStore(t)
	snap := store.Snapshot()
	require.Equal(t, uint64(0), snap.Version)
	reg, ok := snap.Register(registers.AddrState)
	require.True(t, ok)
	require.False(t, reg.HasValue)
	require.True(t, reg.Writable)
	_, shown := reg.Displayed()
	require.False(t, shown)
	require.Empty(t, snap.Values())
}

func TestApplyReadUpdatesWholeBlockInOneSnapshot(t *testing.T) {
	store := newTestStore(t)
	before := store.Snapshot()
	at := time.Unix(1700000000, 0)

	updated := store.ApplyRead(1, 0, words(0x15, func(i int) uint16 { return uint16(i) }), at)
	require.Equal(t, len(before.Registers()), updated)

	after := store.Snapshot()
	require.Equal(t, before.Version+1, after.Version)
	for _, reg := range after.Registers() {
		require.True(t, reg.HasValue, reg.Key)
		require.Equal(t, at, reg.LastUpdated)
	}
	// The old snapshot is untouched.
	old, _ := before.Register(registers.AddrTargetFlow)
	require.False(t, old.HasValue)

	baud, ok := after.ByKey("baud_rate")
	require.True(t, ok)
	require.Equal(t, []uint16{0x0B, 0x0C}, baud.Raw)

	select {
	case <-store.Updates():
	default:
		t.Fatal("expected update signal")
	}
}

func TestApplyReadSkipsPartialRegistersAndOlderResults(t *testing.T) {
	store := newTestStore(t)
	// 0x0B..0x0C is a two word register; a read ending at 0x0B must not touch it.
	store.ApplyRead(5, 0x0A, []uint16{2, 0x4B00}, time.Now())
	baud, _ := store.Snapshot().Register(registers.AddrBaudRate)
	require.False(t, baud.HasValue)

	store.ApplyRead(5, registers.AddrTargetFlow, []uint16{30}, time.Now())
	require.Zero(t, store.ApplyRead(4, registers.AddrTargetFlow, []uint16{10}, time.Now()))
	reg, _ := store.Snapshot().Register(registers.AddrTargetFlow)
	require.Equal(t, int64(30), reg.Value.IntPart())
}

func TestMarkStaleKeepsValues(t *testing.T) {
	store := newTestStore(t)
	store.ApplyRead(1, registers.AddrState, []uint16{1, 25}, time.Now())
	store.MarkStale(registers.AddrState, registers.AddrTargetFlow)

	snap := store.Snapshot()
	for _, addr := range []uint16{registers.AddrState, registers.AddrTargetFlow} {
		reg, _ := snap.Register(addr)
		require.True(t, reg.Stale)
		require.True(t, reg.HasValue)
	}
	target, _ := snap.Register(registers.AddrTargetFlow)
	require.Equal(t, int64(25), target.Value.IntPart())

	version := snap.Version
	store.MarkStale(registers.AddrState)
	require.Equal(t, version, store.Snapshot().Version)

	store.ApplyRead(2, registers.AddrState, []uint16{1}, time.Now())
	state, _ := store.Snapshot().Register(registers.AddrState)
	require.False(t, state.Stale)
}

func TestPendingConfirmedByLaterRead(t *testing.T) {
	store := newTestStore(t)
	store.ApplyRead(1, registers.AddrState, []uint16{0}, time.Now())

	require.NoError(t, store.SetPending(registers.AddrState, decimal.NewFromInt(1), "cmd-1"))
	reg, _ := store.Snapshot().Register(registers.AddrState)
	require.True(t, reg.Pending)
	shown, _ := reg.Displayed()
	require.Equal(t, int64(1), shown.IntPart())
	require.Equal(t, int64(0), reg.Value.IntPart())

	// A read that raced ahead of the write does not confirm it.
	store.ApplyRead(2, registers.AddrState, []uint16{0}, time.Now())
	store.ConfirmWrite(registers.AddrState, "cmd-1", 3)
	reg, _ = store.Snapshot().Register(registers.AddrState)
	require.True(t, reg.Pending)

	store.ApplyRead(4, registers.AddrState, []uint16{1}, time.Now())
	reg, _ = store.Snapshot().Register(registers.AddrState)
	require.False(t, reg.Pending)
	require.Empty(t, reg.CommandID)
	require.Equal(t, int64(1), reg.Value.IntPart())
}

func TestConfirmWriteAfterOvertakingRead(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetPending(registers.AddrTargetFlow, decimal.NewFromInt(20), "cmd"))
	store.ApplyRead(8, registers.AddrTargetFlow, []uint16{20}, time.Now())
	store.ConfirmWrite(registers.AddrTargetFlow, "cmd", 7)
	reg, _ := store.Snapshot().Register(registers.AddrTargetFlow)
	require.False(t, reg.Pending)
}

func TestClearPendingRevertsOnlyOwnCommand(t *testing.T) {
	store := newTestStore(t)
	store.ApplyRead(1, registers.AddrTargetFlow, []uint16{10}, time.Now())
	require.NoError(t, store.SetPending(registers.AddrTargetFlow, decimal.NewFromInt(20), "old"))
	require.NoError(t, store.SetPending(registers.AddrTargetFlow, decimal.NewFromInt(30), "new"))

	store.ClearPending(registers.AddrTargetFlow, "old")
	reg, _ := store.Snapshot().Register(registers.AddrTargetFlow)
	require.True(t, reg.Pending)

	store.ClearPending(registers.AddrTargetFlow, "new")
	reg, _ = store.Snapshot().Register(registers.AddrTargetFlow)
	require.False(t, reg.Pending)
	shown, ok := reg.Displayed()
	require.True(t, ok)
	require.Equal(t, int64(10), shown.IntPart())

	require.ErrorIs(t, store.SetPending(0x99, decimal.Zero, "x"), ErrUnknownRegister)
}

func TestRecordTransactionTracksLinkHealth(t *testing.T) {
	store := newTestStore(t)
	t0 := time.Unix(1700000000, 0)

	store.RecordTransaction(t0, errors.New("timeout"))
	link := store.RecordTransaction(t0.Add(time.Second), errors.New("timeout"))
	require.Equal(t, uint32(2), link.ConsecutiveFailures)
	require.False(t, link.HasSucceeded())
	require.True(t, link.Disconnected(2))
	require.False(t, link.Disconnected(3))
	require.Equal(t, "timeout", link.LastError)

	link = store.RecordTransaction(t0.Add(2*time.Second), nil)
	require.Zero(t, link.ConsecutiveFailures)
	require.Equal(t, t0.Add(2*time.Second), link.LastSuccessAt)
	require.Equal(t, uint64(2), link.TotalFailures)
	require.Equal(t, uint64(3), link.Transactions)
	require.Equal(t, link, store.Link())
}

func TestSnapshotsAreConsistentUnderConcurrentWrites(t *testing.T) {
	store := newTestStore(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		torn int
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 200; i++ {
			v := uint16(i)
			store.ApplyRead(i, registers.AddrPFilterTotal, []uint16{v, v, v}, time.Now())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := store.Snapshot()
			p, _ := snap.Register(registers.AddrPFilterTotal)
			c, _ := snap.Register(registers.AddrCFilterTotal)
			if !p.Value.Equal(c.Value) {
				mu.Lock()
				torn++
				mu.Unlock()
			}
		}
	}()
	wg.Wait()
	require.Zero(t, torn)
}
