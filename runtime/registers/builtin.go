package registers

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Register addresses of the Quick 6101A2.
const (
	AddrState        uint16 = 0x00
	AddrTargetFlow   uint16 = 0x01
	AddrStatus       uint16 = 0x02
	AddrPFilterTotal uint16 = 0x03
	AddrMFilterTotal uint16 = 0x04
	AddrCFilterTotal uint16 = 0x05
	AddrPFilterLimit uint16 = 0x06
	AddrMFilterLimit uint16 = 0x07
	AddrCFilterLimit uint16 = 0x08
	AddrFlags        uint16 = 0x09
	AddrCommAddress  uint16 = 0x0A
	AddrBaudRate     uint16 = 0x0B
	AddrBeeper       uint16 = 0x0D
	AddrSpeedRPM     uint16 = 0x0E
	AddrTubeDiameter uint16 = 0x0F
	AddrThresholdA   uint16 = 0x10
	AddrThresholdB   uint16 = 0x11
	AddrMode         uint16 = 0x12
	AddrCalibration  uint16 = 0x13
	AddrRealFlow     uint16 = 0x14
)

// Value ranges of the operator controlled registers.
const (
	StateOff      = 0
	StateOn       = 1
	TargetFlowMin = 0
	TargetFlowMax = 50
)

const quick6101A2Model = "quick-6101a2"

// Register keys used by operator intents.
const (
	KeyState      = "state"
	KeyTargetFlow = "target_flow"
	KeyRealFlow   = "real_flow"
	KeySpeedRPM   = "speed_rpm"
)

// Models lists the device models with a built-in register table.
func Models() []string {
	return []string{quick6101A2Model}
}

// Builtin returns a fresh copy of the built-in register table of model.
func Builtin(model string) ([]Descriptor, error) {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case quick6101A2Model, "6101a2":
		return quick6101A2(), nil
	default:
		return nil, fmt.Errorf("unknown device model %q", model)
	}
}

func bounds(min, max int64) (*decimal.Decimal, *decimal.Decimal) {
	lo, hi := decimal.NewFromInt(min), decimal.NewFromInt(max)
	return &lo, &hi
}

func quick6101A2() []Descriptor {
	onOffMin, onOffMax := bounds(StateOff, StateOn)
	flowMin, flowMax := bounds(TargetFlowMin, TargetFlowMax)
	return []Descriptor{
		{Address: AddrState, Width: 1, Access: AccessReadWrite, Key: KeyState, Name: "State", Min: onOffMin, Max: onOffMax},
		{Address: AddrTargetFlow, Width: 1, Access: AccessReadWrite, Key: KeyTargetFlow, Name: "Target", Min: flowMin, Max: flowMax},
		{Address: AddrStatus, Width: 1, Access: AccessRead, Key: "status", Name: "Status"},
		{Address: AddrPFilterTotal, Width: 1, Access: AccessRead, Key: "p_total", Name: "P-Total", Unit: "h"},
		{Address: AddrMFilterTotal, Width: 1, Access: AccessRead, Key: "m_total", Name: "M-Total", Unit: "h"},
		{Address: AddrCFilterTotal, Width: 1, Access: AccessRead, Key: "c_total", Name: "C-Total", Unit: "h"},
		{Address: AddrPFilterLimit, Width: 1, Access: AccessReadWrite, Key: "p_limit", Name: "P-Limit", Unit: "h"},
		{Address: AddrMFilterLimit, Width: 1, Access: AccessReadWrite, Key: "m_limit", Name: "M-Limit", Unit: "h"},
		{Address: AddrCFilterLimit, Width: 1, Access: AccessReadWrite, Key: "c_limit", Name: "C-Limit", Unit: "h"},
		{Address: AddrFlags, Width: 1, Access: AccessRead, Key: "flags", Name: "Flags"},
		{Address: AddrCommAddress, Width: 1, Access: AccessRead, Key: "comm_address", Name: "Address"},
		{Address: AddrBaudRate, Width: 2, Access: AccessRead, Key: "baud_rate", Name: "Baud", WordSwap: true},
		{Address: AddrBeeper, Width: 1, Access: AccessReadWrite, Key: "beeper", Name: "Beeper", Min: onOffMin, Max: onOffMax},
		{Address: AddrSpeedRPM, Width: 1, Access: AccessRead, Key: KeySpeedRPM, Name: "Speed", Unit: "rpm"},
		{Address: AddrTubeDiameter, Width: 1, Access: AccessReadWrite, Key: "tube_diameter", Name: "Tube", Unit: "mm"},
		{Address: AddrThresholdA, Width: 1, Access: AccessReadWrite, Key: "threshold_a", Name: "Thresh-A"},
		{Address: AddrThresholdB, Width: 1, Access: AccessReadWrite, Key: "threshold_b", Name: "Thresh-B"},
		{Address: AddrMode, Width: 1, Access: AccessReadWrite, Key: "mode", Name: "Mode"},
		{Address: AddrCalibration, Width: 1, Access: AccessReadWrite, Key: "calibration", Name: "Cal-Factor", Scale: decimal.New(1, -2)},
		{Address: AddrRealFlow, Width: 1, Access: AccessRead, Key: KeyRealFlow, Name: "Flow"},
	}
}
