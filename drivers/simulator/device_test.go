package simulator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fumewatch/drivers/rtu"
	"github.com/timzifer/fumewatch/runtime/registers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDevice() (*Device, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(Options{Address: 2, Baud: 19200, Now: clock.Now}), clock
}

func readAll(t *testing.T, d *Device) []uint16 {
	t.Helper()
	req, err := rtu.ReadHoldingRegisters(0, 0x15)
	require.NoError(t, err)
	resp, ok := d.Handle(req)
	require.True(t, ok)
	values, err := rtu.ParseResponse(req, resp)
	require.NoError(t, err)
	return values
}

func TestDeviceStartsOffWithFactoryLimits(t *testing.T) {
	d, _ := newTestDevice()
	values := readAll(t, d)
	require.Equal(t, uint16(registers.StateOff), values[registers.AddrState])
	require.Equal(t, uint16(200), values[registers.AddrPFilterLimit])
	require.Equal(t, uint16(1200), values[registers.AddrMFilterLimit])
	require.Equal(t, uint16(2400), values[registers.AddrCFilterLimit])
	require.Equal(t, uint16(2), values[registers.AddrCommAddress])
	require.Equal(t, uint16(19200), values[registers.AddrBaudRate])
}

func TestDeviceWriteEchoesAndFlowFollowsTarget(t *testing.T) {
	d, clock := newTestDevice()

	req := rtu.WriteSingleRegister(registers.AddrTargetFlow, 30)
	resp, ok := d.Handle(req)
	require.True(t, ok)
	_, err := rtu.ParseResponse(req, resp)
	require.NoError(t, err)

	req = rtu.WriteSingleRegister(registers.AddrState, registers.StateOn)
	resp, _ = d.Handle(req)
	_, err = rtu.ParseResponse(req, resp)
	require.NoError(t, err)

	clock.Advance(10 * 500 * time.Millisecond)
	values := readAll(t, d)
	flow := values[registers.AddrRealFlow]
	require.Greater(t, flow, uint16(20))
	require.LessOrEqual(t, flow, uint16(30))
	require.InDelta(t, float64(flow)*120, float64(values[registers.AddrSpeedRPM]), 120)
	require.Equal(t, uint16(statusRunning), values[registers.AddrStatus]&statusRunning)

	req = rtu.WriteSingleRegister(registers.AddrState, registers.StateOff)
	_, _ = d.Handle(req)
	clock.Advance(20 * 500 * time.Millisecond)
	values = readAll(t, d)
	require.Equal(t, uint16(0), values[registers.AddrRealFlow])
	require.Equal(t, uint16(0), values[registers.AddrSpeedRPM])
}

func TestDeviceClampsTargetFlow(t *testing.T) {
	d, _ := newTestDevice()
	_, _ = d.Handle(rtu.WriteSingleRegister(registers.AddrTargetFlow, 90))
	require.Equal(t, uint16(registers.TargetFlowMax), d.Register(registers.AddrTargetFlow))
}

func TestDeviceRejectsReadOnlyWrite(t *testing.T) {
	d, _ := newTestDevice()
	req := rtu.WriteSingleRegister(registers.AddrRealFlow, 10)
	resp, ok := d.Handle(req)
	require.True(t, ok)
	_, err := rtu.ParseResponse(req, resp)
	var mbErr *modbus.ModbusError
	require.True(t, errors.As(err, &mbErr))
	require.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)

	req = rtu.WriteSingleRegister(registers.AddrState, 7)
	resp, _ = d.Handle(req)
	_, err = rtu.ParseResponse(req, resp)
	require.True(t, errors.As(err, &mbErr))
	require.Equal(t, byte(modbus.ExceptionCodeIllegalDataValue), mbErr.ExceptionCode)
}

func TestDeviceWriteMultiple(t *testing.T) {
	d, _ := newTestDevice()
	req, err := rtu.WriteMultipleRegisters(registers.AddrThresholdA, []uint16{11, 22})
	require.NoError(t, err)
	resp, ok := d.Handle(req)
	require.True(t, ok)
	_, err = rtu.ParseResponse(req, resp)
	require.NoError(t, err)
	require.Equal(t, uint16(11), d.Register(registers.AddrThresholdA))
	require.Equal(t, uint16(22), d.Register(registers.AddrThresholdB))
}

func TestDeviceReadOutOfBank(t *testing.T) {
	d, _ := newTestDevice()
	req, err := rtu.ReadHoldingRegisters(0x20, 2)
	require.NoError(t, err)
	resp, _ := d.Handle(req)
	require.True(t, rtu.IsException(resp))
}

func TestDeviceAccumulatesFilterHoursAndRaisesAlarm(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	d := New(Options{Address: 2, HourSteps: 1, Now: clock.Now})
	_, _ = d.Handle(rtu.WriteSingleRegister(registers.AddrPFilterLimit, 3))
	_, _ = d.Handle(rtu.WriteSingleRegister(registers.AddrState, registers.StateOn))

	clock.Advance(3 * 500 * time.Millisecond)
	values := readAll(t, d)
	require.Equal(t, uint16(3), values[registers.AddrPFilterTotal])
	require.Equal(t, uint16(statusFilterAlarm), values[registers.AddrStatus]&statusFilterAlarm)
}
