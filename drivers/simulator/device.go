// Package simulator models a Quick 6101A2 fume extractor at the Modbus PDU level.
package simulator

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/timzifer/fumewatch/drivers/rtu"
	"github.com/timzifer/fumewatch/runtime/registers"
)

const (
	bankSize = 0x18

	statusRunning     = 1 << 0
	statusFilterAlarm = 1 << 1

	defaultStep      = 500 * time.Millisecond
	defaultHourSteps = 20
)

// Options configures the simulated appliance.
type Options struct {
	Address byte
	Baud    int
	// Step is the simulated time between two physics updates.
	Step time.Duration
	// HourSteps is the number of steps that count as one filter hour.
	HourSteps int
	Now       func() time.Time
}

// Device is a simulated appliance. It is safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	opts     Options
	regs     [bankSize]uint16
	realFlow float64
	lastStep time.Time
	steps    uint64
}

// New returns a powered-off device with the factory filter limits.
func New(opts Options) *Device {
	if opts.Step <= 0 {
		opts.Step = defaultStep
	}
	if opts.HourSteps <= 0 {
		opts.HourSteps = defaultHourSteps
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Device{opts: opts, lastStep: opts.Now()}
	d.regs[registers.AddrPFilterLimit] = 200
	d.regs[registers.AddrMFilterLimit] = 1200
	d.regs[registers.AddrCFilterLimit] = 2400
	d.regs[registers.AddrCommAddress] = uint16(opts.Address)
	d.regs[registers.AddrBaudRate] = uint16(uint32(opts.Baud))
	d.regs[registers.AddrBaudRate+1] = uint16(uint32(opts.Baud) >> 16)
	d.regs[registers.AddrTubeDiameter] = 100
	d.regs[registers.AddrCalibration] = 100
	return d
}

// Handle answers one request PDU. The second result is false when the device stays silent.
func (d *Device) Handle(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advance()

	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		return d.handleRead(req), true
	case modbus.FuncCodeWriteSingleRegister:
		return d.handleWriteSingle(req), true
	case modbus.FuncCodeWriteMultipleRegisters:
		return d.handleWriteMultiple(req), true
	default:
		return rtu.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), true
	}
}

// Register returns the current raw value at address.
func (d *Device) Register(address uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(address) >= bankSize {
		return 0
	}
	return d.regs[address]
}

func (d *Device) handleRead(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return rtu.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	start := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > rtu.MaxReadQuantity {
		return rtu.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if int(start)+int(quantity) > bankSize {
		return rtu.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	data := make([]byte, 1+2*int(quantity))
	data[0] = byte(2 * quantity)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(data[1+2*i:], d.regs[int(start)+i])
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}
}

func (d *Device) handleWriteSingle(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return rtu.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])
	if code, ok := d.write(address, value); !ok {
		return rtu.Exception(req.FunctionCode, code)
	}
	// Echo request
	return req
}

func (d *Device) handleWriteMultiple(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 7 {
		return rtu.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	start := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])
	if quantity < 1 || quantity > rtu.MaxWriteQuantity || byteCount != 2*int(quantity) || len(req.Data)-5 != byteCount {
		return rtu.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	for i := 0; i < int(quantity); i++ {
		if _, ok := writable(start + uint16(i)); !ok {
			return rtu.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
		}
	}
	for i := 0; i < int(quantity); i++ {
		value := binary.BigEndian.Uint16(req.Data[5+2*i:])
		if code, ok := d.write(start+uint16(i), value); !ok {
			return rtu.Exception(req.FunctionCode, code)
		}
	}
	data := make([]byte, 4)
	copy(data, req.Data[0:4])
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}
}

func writable(address uint16) (uint16, bool) {
	switch address {
	case registers.AddrState, registers.AddrBeeper:
		return registers.StateOn, true
	case registers.AddrTargetFlow:
		return registers.TargetFlowMax, true
	case registers.AddrPFilterLimit, registers.AddrMFilterLimit, registers.AddrCFilterLimit,
		registers.AddrTubeDiameter, registers.AddrThresholdA, registers.AddrThresholdB,
		registers.AddrMode, registers.AddrCalibration:
		return math.MaxUint16, true
	default:
		return 0, false
	}
}

func (d *Device) write(address, value uint16) (byte, bool) {
	limit, ok := writable(address)
	if !ok {
		return modbus.ExceptionCodeIllegalDataAddress, false
	}
	if address == registers.AddrTargetFlow && value > limit {
		value = limit
	}
	if value > limit {
		return modbus.ExceptionCodeIllegalDataValue, false
	}
	d.regs[address] = value
	d.refreshStatus()
	return 0, true
}

// advance runs the physics for every step elapsed since the last request.
func (d *Device) advance() {
	now := d.opts.Now()
	elapsed := now.Sub(d.lastStep)
	if elapsed < d.opts.Step {
		return
	}
	steps := int(elapsed / d.opts.Step)
	d.lastStep = d.lastStep.Add(time.Duration(steps) * d.opts.Step)
	if steps > 100 {
		steps = 100
	}
	for i := 0; i < steps; i++ {
		d.step()
	}
}

func (d *Device) step() {
	on := d.regs[registers.AddrState] == registers.StateOn
	if on {
		target := float64(d.regs[registers.AddrTargetFlow])
		d.realFlow += (target - d.realFlow) * 0.2
	} else {
		d.realFlow *= 0.6
	}
	d.realFlow = math.Max(0, math.Min(d.realFlow, registers.TargetFlowMax))
	speed := 0.0
	if on {
		speed = d.realFlow * 120
	}
	d.regs[registers.AddrRealFlow] = clampWord(d.realFlow)
	d.regs[registers.AddrSpeedRPM] = clampWord(speed)

	d.steps++
	if on && d.steps%uint64(d.opts.HourSteps) == 0 {
		for _, addr := range []uint16{registers.AddrPFilterTotal, registers.AddrMFilterTotal, registers.AddrCFilterTotal} {
			if d.regs[addr] < math.MaxUint16 {
				d.regs[addr]++
			}
		}
	}
	d.refreshStatus()
}

func (d *Device) refreshStatus() {
	var status uint16
	if d.regs[registers.AddrState] == registers.StateOn {
		status |= statusRunning
	}
	pairs := [][2]uint16{
		{registers.AddrPFilterTotal, registers.AddrPFilterLimit},
		{registers.AddrMFilterTotal, registers.AddrMFilterLimit},
		{registers.AddrCFilterTotal, registers.AddrCFilterLimit},
	}
	for _, pair := range pairs {
		if limit := d.regs[pair[1]]; limit > 0 && d.regs[pair[0]] >= limit {
			status |= statusFilterAlarm
		}
	}
	d.regs[registers.AddrStatus] = status
}

func clampWord(value float64) uint16 {
	return uint16(math.Max(0, math.Min(math.Round(value), math.MaxUint16)))
}
