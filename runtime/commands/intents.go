package commands

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/state"
)

// ErrUnknownState is returned by intents that depend on a value the engine has not read yet.
var ErrUnknownState = errors.New("commands: device state not known yet")

var (
	flowMin = decimal.NewFromInt(registers.TargetFlowMin)
	flowMax = decimal.NewFromInt(registers.TargetFlowMax)
)

// PowerToggle builds the command that switches the extractor on when it is off and off
// otherwise. A pending power command counts as the current state.
func PowerToggle(snap *state.Snapshot) (Command, error) {
	reg, ok := snap.ByKey(registers.KeyState)
	if !ok {
		return Command{}, fmt.Errorf("%w: no %s register", ErrInvalid, registers.KeyState)
	}
	current, known := reg.Displayed()
	if !known {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownState, reg.Key)
	}
	next := decimal.NewFromInt(registers.StateOn)
	if current.IntPart() == registers.StateOn {
		next = decimal.NewFromInt(registers.StateOff)
	}
	return Command{Target: reg.Address, Value: next}, nil
}

// SetPower builds the command that switches the extractor on or off regardless of the
// current state.
func SetPower(snap *state.Snapshot, on bool) (Command, error) {
	reg, ok := snap.ByKey(registers.KeyState)
	if !ok {
		return Command{}, fmt.Errorf("%w: no %s register", ErrInvalid, registers.KeyState)
	}
	value := decimal.NewFromInt(registers.StateOff)
	if on {
		value = decimal.NewFromInt(registers.StateOn)
	}
	return Command{Target: reg.Address, Value: value}, nil
}

// SetTargetFlow builds a target flow command. The value is clamped to the supported range.
func SetTargetFlow(snap *state.Snapshot, value decimal.Decimal) (Command, error) {
	reg, ok := snap.ByKey(registers.KeyTargetFlow)
	if !ok {
		return Command{}, fmt.Errorf("%w: no %s register", ErrInvalid, registers.KeyTargetFlow)
	}
	return Command{Target: reg.Address, Value: clampFlow(value.Round(0))}, nil
}

// AdjustTargetFlow moves the displayed target flow by delta.
func AdjustTargetFlow(snap *state.Snapshot, delta int64) (Command, error) {
	reg, ok := snap.ByKey(registers.KeyTargetFlow)
	if !ok {
		return Command{}, fmt.Errorf("%w: no %s register", ErrInvalid, registers.KeyTargetFlow)
	}
	current, known := reg.Displayed()
	if !known {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownState, reg.Key)
	}
	return Command{Target: reg.Address, Value: clampFlow(current.Add(decimal.NewFromInt(delta)))}, nil
}

func clampFlow(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(flowMin) {
		return flowMin
	}
	if v.GreaterThan(flowMax) {
		return flowMax
	}
	return v
}
